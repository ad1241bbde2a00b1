package streaming

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rendis/taskflow/pkg/schema"
)

// SubscriberBuffer is the channel capacity of each subscription.
const SubscriberBuffer = 64

type subscription struct {
	id     uint64
	ch     chan schema.Event
	filter EventFilter
}

type registration struct {
	id        uint64
	eventType string
	fn        Handler
}

// MemoryHub is the in-process EventHub. Handlers run inline on the
// publishing goroutine in registration order. Subscriptions are fed without
// blocking: a full channel loses the event and the loss is counted.
type MemoryHub struct {
	logger  *slog.Logger
	nextID  atomic.Uint64
	dropped atomic.Uint64

	mu       sync.RWMutex
	subs     []*subscription
	handlers []registration
}

func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{logger: logger}
}

// Matches reports whether e passes every criterion set on f.
func (f EventFilter) Matches(e schema.Event) bool {
	switch {
	case f.InstanceID != "" && f.InstanceID != e.InstanceID:
		return false
	case f.TaskID != "" && f.TaskID != e.TaskID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type):
		return false
	}
	return true
}

func (h *MemoryHub) Publish(ctx context.Context, event schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	var due []Handler
	for _, r := range h.handlers {
		if r.eventType == AllEvents || r.eventType == event.Type {
			due = append(due, r.fn)
		}
	}
	for _, s := range h.subs {
		if s.filter.Matches(event) {
			h.offer(s, event)
		}
	}
	h.mu.RUnlock()

	// outside the lock: handlers may publish or register handlers themselves
	for _, fn := range due {
		h.invoke(fn, event)
	}
	return nil
}

func (h *MemoryHub) offer(s *subscription, event schema.Event) {
	select {
	case s.ch <- event:
	default:
		n := h.dropped.Add(1)
		h.logger.Debug("subscriber full, event dropped",
			slog.String("event_type", event.Type),
			slog.Uint64("subscription", s.id),
			slog.Uint64("dropped_total", n))
	}
}

func (h *MemoryHub) invoke(fn Handler, event schema.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", slog.String("event_type", event.Type), slog.Any("panic", r))
		}
	}()
	fn(event)
}

// Dropped returns how many events full subscriptions have lost so far.
func (h *MemoryHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *MemoryHub) On(eventType string, fn Handler) HandlerID {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.handlers = append(h.handlers, registration{id: id, eventType: eventType, fn: fn})
	h.mu.Unlock()
	return HandlerID(id)
}

func (h *MemoryHub) Off(id HandlerID) {
	h.mu.Lock()
	h.handlers = slices.DeleteFunc(h.handlers, func(r registration) bool { return r.id == uint64(id) })
	h.mu.Unlock()
}

// Subscribe returns a buffered channel of matching events and a cancel func
// that detaches it. Cancel is idempotent and leaves the channel open.
func (h *MemoryHub) Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.Event, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	s := &subscription{id: h.nextID.Add(1), ch: make(chan schema.Event, SubscriberBuffer), filter: filter}

	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			h.subs = slices.DeleteFunc(h.subs, func(x *subscription) bool { return x == s })
			h.mu.Unlock()
		})
	}, nil
}

var _ EventHub = (*MemoryHub)(nil)
