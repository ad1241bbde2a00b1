// Package tasks tracks human tasks: lifecycle transitions, per-assignee
// priority queues, SLA timers, escalation and workload.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/go-playground/validator/v10"

	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/timers"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultDailyCapacity is the working minutes per user per day used for utilization.
const DefaultDailyCapacity = 480

// Config configures the task manager.
type Config struct {
	DailyCapacityMinutes int
	Clock                clock.Clock
	Logger               *slog.Logger
}

// Deps are the collaborators of the task manager. Only Store is required.
type Deps struct {
	Store    store.TaskStore
	Hub      streaming.EventHub
	Notifier notify.Notifier
	Identity identity.Directory
}

// Manager owns every task mutation. A single lock serializes transitions,
// queue maintenance and SLA callbacks; events and notifications are
// delivered after the lock is released.
type Manager struct {
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	store    store.TaskStore
	hub      streaming.EventHub
	notifier notify.Notifier
	identity identity.Directory
	timers   *timers.Scheduler
	validate *validator.Validate

	mu     sync.Mutex
	queues map[string]*Queue
	owner  map[string]string // task id -> assignee whose queue holds it
}

// errSkip aborts an update without reporting a failure.
var errSkip = errors.New("no change")

// New creates a task manager.
func New(cfg Config, deps Deps) (*Manager, error) {
	if deps.Store == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "task manager requires a store")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DailyCapacityMinutes <= 0 {
		cfg.DailyCapacityMinutes = DefaultDailyCapacity
	}
	if deps.Hub == nil {
		deps.Hub = streaming.NewMemoryHub(cfg.Logger)
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewLogNotifier(cfg.Logger)
	}
	logger := cfg.Logger.With(slog.String("component", "tasks"))
	return &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   logger,
		store:    deps.Store,
		hub:      deps.Hub,
		notifier: deps.Notifier,
		identity: deps.Identity,
		timers:   timers.New(cfg.Clock, logger),
		validate: newValidator(),
		queues:   make(map[string]*Queue),
		owner:    make(map[string]string),
	}, nil
}

// On registers h for an event type (or streaming.AllEvents).
func (m *Manager) On(eventType string, h streaming.Handler) streaming.HandlerID {
	return m.hub.On(eventType, h)
}

// Off removes a handler registered with On.
func (m *Manager) Off(id streaming.HandlerID) {
	m.hub.Off(id)
}

// Hub returns the event hub the manager publishes to.
func (m *Manager) Hub() streaming.EventHub {
	return m.hub
}

// Close stops every pending SLA timer.
func (m *Manager) Close() {
	m.timers.Close()
}

// PendingTimers returns the number of armed SLA timers.
func (m *Manager) PendingTimers() int {
	return m.timers.Len()
}

// Restore rebuilds queues and re-arms SLA timers from the open tasks in the store.
// Escalation levels already recorded on a task are not armed again.
func (m *Manager) Restore(ctx context.Context) error {
	open, err := m.store.ListTasks(ctx, store.TaskFilter{Statuses: openStatuses})
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range open {
		m.index(t)
		m.armSLA(t)
	}
	m.logger.Info("task manager restored", slog.Int("open_tasks", len(open)))
	return nil
}

var openStatuses = []schema.TaskStatus{
	schema.TaskStatusPending,
	schema.TaskStatusAssigned,
	schema.TaskStatusInProgress,
	schema.TaskStatusEscalated,
}

// effects collects what a committed change must announce once the lock is released.
type effects struct {
	events   []schema.Event
	notes    []notify.Notification
	workload []string
	onCommit []func()
}

func (fx *effects) emit(ev schema.Event) {
	fx.events = append(fx.events, ev)
}

func (fx *effects) touch(users ...string) {
	for _, u := range users {
		if u == "" {
			continue
		}
		seen := false
		for _, w := range fx.workload {
			if w == u {
				seen = true
				break
			}
		}
		if !seen {
			fx.workload = append(fx.workload, u)
		}
	}
}

func (fx *effects) commit(fn func()) {
	fx.onCommit = append(fx.onCommit, fn)
}

func (m *Manager) event(t *schema.Task, typ string, payload map[string]any) schema.Event {
	return schema.Event{
		Type:       typ,
		TaskID:     t.ID,
		InstanceID: t.InstanceID,
		NodeID:     t.NodeID,
		UserID:     t.Assignee,
		Payload:    payload,
		At:         m.clock.Now(),
	}
}

// update applies fn to one task under the manager lock and flushes its effects.
func (m *Manager) update(ctx context.Context, taskID string, fn func(*schema.Task, *effects) error) (*schema.Task, error) {
	fx := &effects{}
	m.mu.Lock()
	t, err := m.updateLocked(ctx, taskID, fx, fn)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.flush(ctx, fx)
	return t, nil
}

// updateLocked must be called with m.mu held. fn runs inside the store's
// read-modify-write and must not call back into the store.
func (m *Manager) updateLocked(ctx context.Context, taskID string, fx *effects, fn func(*schema.Task, *effects) error) (*schema.Task, error) {
	t, err := m.store.UpdateTask(ctx, taskID, func(t *schema.Task) error {
		if err := fn(t, fx); err != nil {
			return err
		}
		t.UpdatedAt = m.clock.Now()
		return nil
	})
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) && fe.TaskID == "" {
			fe.WithTask(taskID)
		}
		return nil, err
	}
	m.index(t)
	for _, fn := range fx.onCommit {
		fn()
	}
	fx.onCommit = nil
	return t, nil
}

// index places t in its assignee's queue, or drops it when closed or unassigned.
func (m *Manager) index(t *schema.Task) {
	if prev, ok := m.owner[t.ID]; ok && prev != t.Assignee {
		if q := m.queues[prev]; q != nil {
			q.Remove(t.ID)
		}
		delete(m.owner, t.ID)
	}
	if t.Status.IsTerminal() || t.Assignee == "" {
		if q := m.queues[t.Assignee]; q != nil {
			q.Remove(t.ID)
		}
		delete(m.owner, t.ID)
		return
	}
	q := m.queues[t.Assignee]
	if q == nil {
		q = &Queue{}
		m.queues[t.Assignee] = q
	}
	q.Upsert(t)
	m.owner[t.ID] = t.Assignee
}

// flush publishes collected events, workload updates and notifications.
func (m *Manager) flush(ctx context.Context, fx *effects) {
	for _, u := range fx.workload {
		wl, err := m.GetUserWorkload(ctx, u)
		if err != nil {
			m.logger.Warn("workload refresh failed", slog.String("user_id", u), slog.String("error", err.Error()))
			continue
		}
		fx.emit(schema.Event{
			Type:   schema.EventWorkloadUpdated,
			UserID: u,
			Payload: map[string]any{
				"assigned":    wl.Assigned,
				"in_progress": wl.InProgress,
				"overdue":     wl.Overdue,
				"utilization": wl.Utilization,
			},
			At: m.clock.Now(),
		})
	}
	for _, ev := range fx.events {
		if err := m.hub.Publish(ctx, ev); err != nil {
			m.logger.Warn("event publish failed", slog.String("event_type", ev.Type), slog.String("error", err.Error()))
		}
	}
	for _, n := range fx.notes {
		nctx := logging.WithTaskID(ctx, n.TaskID)
		if err := m.notifier.Send(nctx, n); err != nil {
			logging.LogWith(nctx, m.logger).Error("notification failed",
				slog.String("event", n.Event),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *Manager) checkUser(ctx context.Context, userID string) error {
	if m.identity == nil || userID == "" {
		return nil
	}
	ok, err := m.identity.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown user %q", userID).
			WithDetails(map[string]any{"user_id": userID})
	}
	return nil
}
