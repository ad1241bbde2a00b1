// Package timers schedules one-shot callbacks keyed by id on an injectable clock.
package timers

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler owns every pending timer of an engine or task manager. A timer is
// identified by a caller-chosen id; scheduling an id that is already pending
// replaces the old timer.
//
// Cancel guarantees the callback will not start afterwards. A callback that
// already started is not interrupted, so owners must still re-check entity
// state under their own lock.
type Scheduler struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	timers map[string]*entry
	seq    uint64
	closed bool

	running sync.WaitGroup
}

type entry struct {
	timer *clock.Timer
	gen   uint64
	due   time.Time
}

// New creates a scheduler. A nil clock uses the wall clock.
func New(clk clock.Clock, logger *slog.Logger) *Scheduler {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:  clk,
		logger: logger,
		timers: make(map[string]*entry),
	}
}

// Clock returns the clock timers are measured against.
func (s *Scheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule arms fn to run once after d. Negative durations fire immediately.
func (s *Scheduler) Schedule(id string, d time.Duration, fn func()) {
	if d < 0 {
		d = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Debug("timer dropped after close", slog.String("timer_id", id))
		return
	}
	if old, ok := s.timers[id]; ok {
		old.timer.Stop()
	}

	s.seq++
	gen := s.seq
	e := &entry{gen: gen, due: s.clock.Now().Add(d)}
	e.timer = s.clock.AfterFunc(d, func() { s.fire(id, gen, fn) })
	s.timers[id] = e

	s.logger.Debug("timer armed", slog.String("timer_id", id), slog.Duration("delay", d))
}

// ScheduleAt arms fn to run once at the given instant.
func (s *Scheduler) ScheduleAt(id string, at time.Time, fn func()) {
	s.Schedule(id, at.Sub(s.clock.Now()), fn)
}

func (s *Scheduler) fire(id string, gen uint64, fn func()) {
	s.mu.Lock()
	e, ok := s.timers[id]
	if !ok || e.gen != gen || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.running.Add(1)
	s.mu.Unlock()

	defer s.running.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("timer callback panicked", slog.String("timer_id", id), slog.Any("panic", r))
		}
	}()
	fn()
}

// Cancel stops the timer with the given id. It reports whether a pending timer existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.timers[id]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(s.timers, id)
	return true
}

// CancelPrefix stops every timer whose id starts with prefix and returns how many were stopped.
func (s *Scheduler) CancelPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, e := range s.timers {
		if strings.HasPrefix(id, prefix) {
			e.timer.Stop()
			delete(s.timers, id)
			n++
		}
	}
	return n
}

// Pending reports whether a timer with the given id is armed.
func (s *Scheduler) Pending(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.timers[id]
	return ok
}

// Due returns when the timer with the given id fires.
func (s *Scheduler) Due(id string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.timers[id]
	if !ok {
		return time.Time{}, false
	}
	return e.due, true
}

// Len returns the number of pending timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops all pending timers and waits for running callbacks to return.
// Timers scheduled after Close are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for id, e := range s.timers {
		e.timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()

	s.running.Wait()
}
