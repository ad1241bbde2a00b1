package timers

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestScheduler_FiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("a", 30*time.Minute, func() { fired.Add(1) })
	assert.True(t, s.Pending("a"))

	mock.Add(29 * time.Minute)
	assert.Equal(t, int32(0), fired.Load())

	mock.Add(time.Minute)
	assert.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("a"))
}

func TestScheduler_CancelPreventsFire(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("a", time.Minute, func() { fired.Add(1) })
	assert.True(t, s.Cancel("a"))
	assert.False(t, s.Cancel("a"))

	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestScheduler_ReplaceSameID(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	var first, second atomic.Int32
	s.Schedule("a", time.Minute, func() { first.Add(1) })
	s.Schedule("a", 2*time.Minute, func() { second.Add(1) })
	assert.Equal(t, 1, s.Len())

	mock.Add(3 * time.Minute)
	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), first.Load())
}

func TestScheduler_CancelPrefix(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	var fired atomic.Int32
	s.Schedule("sla/t1/response", time.Minute, func() { fired.Add(1) })
	s.Schedule("sla/t1/escalation/0", time.Minute, func() { fired.Add(1) })
	s.Schedule("sla/t2/response", time.Minute, func() { fired.Add(10) })

	assert.Equal(t, 2, s.CancelPrefix("sla/t1/"))
	mock.Add(time.Minute)
	assert.Eventually(t, func() bool { return fired.Load() == 10 }, time.Second, 5*time.Millisecond)
}

func TestScheduler_ScheduleAtAndDue(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	at := mock.Now().Add(90 * time.Second)
	var fired atomic.Bool
	s.ScheduleAt("w", at, func() { fired.Store(true) })

	due, ok := s.Due("w")
	require.True(t, ok)
	assert.Equal(t, at, due)

	mock.Add(90 * time.Second)
	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_PanicIsRecovered(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock, nil)
	defer s.Close()

	var after atomic.Bool
	s.Schedule("boom", time.Second, func() { panic("boom") })
	s.Schedule("ok", 2*time.Second, func() { after.Store(true) })

	mock.Add(2 * time.Second)
	assert.Eventually(t, after.Load, time.Second, 5*time.Millisecond)
}

func TestScheduler_CloseWithWallClockLeavesNoGoroutines(t *testing.T) {
	s := New(nil, nil)
	for i := 0; i < 10; i++ {
		s.Schedule(string(rune('a'+i)), time.Hour, func() {})
	}
	s.Close()

	assert.Equal(t, 0, s.Len())
	s.Schedule("late", time.Millisecond, func() { t.Error("scheduled after close") })
	time.Sleep(10 * time.Millisecond)
	goleak.VerifyNone(t)
}
