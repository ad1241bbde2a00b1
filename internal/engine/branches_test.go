package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBranchGroup_PeakConcurrency(t *testing.T) {
	for _, limit := range []int{0, 1, 3} {
		g := NewBranchGroup(limit)
		var current, peak, ran atomic.Int64
		for range 8 {
			require.NoError(t, g.Go(context.Background(), func(context.Context) {
				c := current.Add(1)
				for p := peak.Load(); c > p && !peak.CompareAndSwap(p, c); p = peak.Load() {
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				ran.Add(1)
			}))
		}
		assert.Empty(t, g.Wait())

		assert.Equal(t, int64(8), ran.Load(), "limit %d", limit)
		assert.Equal(t, BranchMetrics{Completed: 8}, g.Metrics(), "limit %d", limit)
		if limit > 0 {
			assert.LessOrEqual(t, peak.Load(), int64(limit))
		}
	}
}

func TestBranchGroup_GoBlocksUntilSlotFrees(t *testing.T) {
	g := NewBranchGroup(1)
	hold := make(chan struct{})
	require.NoError(t, g.Go(context.Background(), func(context.Context) { <-hold }))

	second := make(chan error, 1)
	go func() { second <- g.Go(context.Background(), func(context.Context) {}) }()

	select {
	case <-second:
		t.Fatal("second branch admitted while the only slot was taken")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(1), g.Metrics().Active)

	close(hold)
	select {
	case err := <-second:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("second branch never admitted")
	}
	g.Wait()
}

func TestBranchGroup_CancelWhileWaitingForSlot(t *testing.T) {
	g := NewBranchGroup(1)
	hold := make(chan struct{})
	require.NoError(t, g.Go(context.Background(), func(context.Context) { <-hold }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ran := false
	err := g.Go(ctx, func(context.Context) { ran = true })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(hold)
	g.Wait()
	assert.False(t, ran)
}

func TestBranchGroup_PanicsAreReported(t *testing.T) {
	g := NewBranchGroup(2)
	require.NoError(t, g.Go(context.Background(), func(context.Context) { panic("branch exploded") }))
	require.NoError(t, g.Go(context.Background(), func(context.Context) {}))

	assert.Equal(t, []string{"branch exploded"}, g.Wait())
	assert.Equal(t, BranchMetrics{Completed: 1, Panics: 1}, g.Metrics())
}
