package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// BranchMetrics counts the outcomes of one fan-out.
type BranchMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Panics    int64 `json:"panics"`
}

// BranchGroup runs the branches of one PARALLEL fan-out, at most limit at a
// time. Every fan-out owns its group, so nested PARALLEL nodes never compete
// for the same slots.
type BranchGroup struct {
	slots chan struct{} // nil when unbounded
	wg    sync.WaitGroup

	active, completed atomic.Int64

	mu     sync.Mutex
	panics []string
}

// NewBranchGroup creates a group; limit <= 0 means no limit.
func NewBranchGroup(limit int) *BranchGroup {
	g := &BranchGroup{}
	if limit > 0 {
		g.slots = make(chan struct{}, limit)
	}
	return g
}

func (g *BranchGroup) acquire(ctx context.Context) error {
	if g.slots == nil {
		return nil
	}
	select {
	case g.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *BranchGroup) release() {
	if g.slots != nil {
		<-g.slots
	}
}

// Go runs fn on a new goroutine once a slot is free. If ctx ends while
// waiting for a slot fn is not run and ctx's error is returned. A panic in fn
// is recovered and reported by Wait.
func (g *BranchGroup) Go(ctx context.Context, fn func(ctx context.Context)) error {
	if err := g.acquire(ctx); err != nil {
		return err
	}
	g.wg.Add(1)
	g.active.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.release()
		defer g.active.Add(-1)
		defer func() {
			if v := recover(); v != nil {
				g.mu.Lock()
				g.panics = append(g.panics, fmt.Sprint(v))
				g.mu.Unlock()
				return
			}
			g.completed.Add(1)
		}()
		fn(ctx)
	}()
	return nil
}

// Wait blocks until every started branch has returned, then reports the
// recovered panic values.
func (g *BranchGroup) Wait() []string {
	g.wg.Wait()
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.panics...)
}

func (g *BranchGroup) Metrics() BranchMetrics {
	g.mu.Lock()
	panics := int64(len(g.panics))
	g.mu.Unlock()
	return BranchMetrics{Active: g.active.Load(), Completed: g.completed.Load(), Panics: panics}
}
