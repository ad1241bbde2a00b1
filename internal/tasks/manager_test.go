package tasks

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Send(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) all() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notification(nil), r.sent...)
}

type eventLog struct {
	mu     sync.Mutex
	events []schema.Event
}

func (l *eventLog) record(ev schema.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) types(taskID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, ev := range l.events {
		if taskID == "" || ev.TaskID == taskID {
			out = append(out, ev.Type)
		}
	}
	return out
}

type fixture struct {
	mgr      *Manager
	clock    *clock.Mock
	store    *store.MemoryStore
	notifier *recordingNotifier
	events   *eventLog
}

func testDirectory() *identity.StaticDirectory {
	return identity.NewStaticDirectory(
		identity.User{ID: "alice", Roles: []string{"agent"}, Manager: "mia"},
		identity.User{ID: "bob", Roles: []string{"support"}},
		identity.User{ID: "carol", Roles: []string{"support"}},
		identity.User{ID: "mia", Roles: []string{"lead"}},
	)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    clock.NewMock(),
		store:    store.NewMemoryStore(),
		notifier: &recordingNotifier{},
		events:   &eventLog{},
	}
	f.clock.Set(base)
	f.mgr = newManagerOn(t, f)
	return f
}

func newManagerOn(t *testing.T, f *fixture) *Manager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr, err := New(Config{Clock: f.clock, Logger: logger}, Deps{
		Store:    f.store,
		Hub:      streaming.NewMemoryHub(logger),
		Notifier: f.notifier,
		Identity: testDirectory(),
	})
	require.NoError(t, err)
	mgr.On(streaming.AllEvents, f.events.record)
	t.Cleanup(mgr.Close)
	return mgr
}

func (f *fixture) task(t *testing.T, id string) *schema.Task {
	t.Helper()
	task, err := f.mgr.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestCreateTask_Defaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:     "Review contract",
		Checklist: []schema.ChecklistItem{{Label: "read"}, {ID: "sign", Label: "sign", Required: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusPending, task.Status)
	assert.Equal(t, schema.PriorityNormal, task.Priority)
	assert.Equal(t, schema.SLANotApplicable, task.SLAStatus)
	assert.Equal(t, "item-1", task.Checklist[0].ID)
	assert.Equal(t, "sign", task.Checklist[1].ID)
	assert.Equal(t, base, task.CreatedAt)
	assert.Equal(t, []string{schema.EventTaskCreated}, f.events.types(task.ID))

	assigned, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "Call back", Assignee: "alice"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusAssigned, assigned.Status)
	assert.Len(t, f.mgr.GetPriorityQueue("alice"), 1)
}

func TestCreateTask_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "x", Assignee: "mallory"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = f.mgr.CreateTask(ctx, CreateTaskParams{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = f.mgr.CreateTask(ctx, CreateTaskParams{Title: "x", Priority: "SOMEDAY"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:     "x",
		Checklist: []schema.ChecklistItem{{ID: "a"}, {ID: "a"}},
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	list, err := f.store.ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLifecycle_StartAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "Ship", Assignee: "bob"})
	require.NoError(t, err)

	_, err = f.mgr.CompleteTask(ctx, task.ID, "bob", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	started, err := f.mgr.StartTask(ctx, task.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusInProgress, started.Status)
	require.NotNil(t, started.StartedAt)

	f.clock.Add(45 * time.Minute)
	done, err := f.mgr.CompleteTask(ctx, task.ID, "bob", map[string]any{"tracking": "XZ1"})
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, done.Status)
	assert.Equal(t, "bob", done.CompletedBy)
	assert.Equal(t, "XZ1", done.Output["tracking"])
	assert.Empty(t, f.mgr.GetPriorityQueue("bob"))

	_, err = f.mgr.CancelTask(ctx, task.ID, "late")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	assert.Equal(t, []string{
		schema.EventTaskCreated,
		schema.EventTaskAssigned,
		schema.EventTaskStarted,
		schema.EventTaskCompleted,
	}, f.events.types(task.ID))

	wl, err := f.mgr.GetUserWorkload(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, wl.Completed)
	assert.InDelta(t, 45.0, wl.AvgCompletionMinutes, 0.001)
}

func TestStartTask_ClaimsUnassigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "Triage", CandidateGroup: "support"})
	require.NoError(t, err)

	_, err = f.mgr.StartTask(ctx, task.ID, "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	started, err := f.mgr.StartTask(ctx, task.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", started.Assignee)
	assert.Len(t, f.mgr.GetPriorityQueue("carol"), 1)
}

func TestCompleteTask_ChecklistGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Onboard",
		Assignee: "alice",
		Checklist: []schema.ChecklistItem{
			{ID: "badge", Label: "Issue badge", Required: true},
			{ID: "coffee", Label: "Show coffee machine"},
		},
	})
	require.NoError(t, err)
	_, err = f.mgr.StartTask(ctx, task.ID, "alice")
	require.NoError(t, err)

	_, err = f.mgr.CompleteTask(ctx, task.ID, "alice", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeChecklistIncomplete))
	assert.Equal(t, schema.TaskStatusInProgress, f.task(t, task.ID).Status)

	_, err = f.mgr.UpdateChecklistItem(ctx, task.ID, "missing", true, "alice")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	updated, err := f.mgr.UpdateChecklistItem(ctx, task.ID, "badge", true, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", updated.Checklist[0].CompletedBy)

	done, err := f.mgr.CompleteTask(ctx, task.ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, done.Status)
}

func TestAssignReassignDelegate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title: "Audit",
		SLA:   &schema.SLAConfig{ResolutionTime: 120},
	})
	require.NoError(t, err)

	_, err = f.mgr.DelegateTask(ctx, task.ID, "mia", "bob", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeInvalidTransition))

	_, err = f.mgr.AssignTask(ctx, task.ID, "alice")
	require.NoError(t, err)
	_, err = f.mgr.AssignTask(ctx, task.ID, "bob")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	timersBefore := f.mgr.PendingTimers()
	delegated, err := f.mgr.DelegateTask(ctx, task.ID, "alice", "bob", "on leave")
	require.NoError(t, err)
	assert.Equal(t, "bob", delegated.Assignee)
	require.NotNil(t, delegated.Delegation)
	assert.Equal(t, "alice", delegated.Delegation.OriginalAssignee)
	assert.Equal(t, timersBefore, f.mgr.PendingTimers())
	assert.Empty(t, f.mgr.GetPriorityQueue("alice"))
	assert.Len(t, f.mgr.GetPriorityQueue("bob"), 1)

	again, err := f.mgr.DelegateTask(ctx, task.ID, "bob", "carol", "")
	require.NoError(t, err)
	assert.Equal(t, "alice", again.Delegation.OriginalAssignee)

	reassigned, err := f.mgr.ReassignTask(ctx, task.ID, "alice", "back from leave")
	require.NoError(t, err)
	assert.Equal(t, "alice", reassigned.Assignee)

	_, err = f.mgr.ReassignTask(ctx, task.ID, "mallory", "")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestPriorityQueue_OrdersAndResorts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	low, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "low", Priority: schema.PriorityLow, Assignee: "bob"})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	high, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "high", Priority: schema.PriorityHigh, Assignee: "bob"})
	require.NoError(t, err)
	f.clock.Add(time.Minute)
	highDue, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title: "high due", Priority: schema.PriorityHigh, Assignee: "bob", DueDate: at(600),
	})
	require.NoError(t, err)

	ids := func() []string {
		var out []string
		for _, task := range f.mgr.GetPriorityQueue("bob") {
			out = append(out, task.ID)
		}
		return out
	}
	assert.Equal(t, []string{highDue.ID, high.ID, low.ID}, ids())

	_, err = f.mgr.UpdatePriority(ctx, low.ID, schema.PriorityCritical)
	require.NoError(t, err)
	assert.Equal(t, []string{low.ID, highDue.ID, high.ID}, ids())
	assert.Equal(t, low.ID, f.mgr.NextTask("bob").ID)

	_, err = f.mgr.UpdatePriority(ctx, low.ID, "SOMEDAY")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	list, err := f.mgr.GetTasksByAssignee(ctx, "bob", TaskQuery{Statuses: []schema.TaskStatus{schema.TaskStatusAssigned}})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, low.ID, list[0].ID)
}

func TestEscalation_RaisesPriorityAndNotifiesManager(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Customer complaint",
		Assignee: "alice",
		SLA: &schema.SLAConfig{
			ResponseTime: 10,
			EscalationLevels: []schema.EscalationLevel{{
				Level:                1,
				TriggerAfter:         30,
				Actions:              []schema.EscalationAction{schema.ActionIncreasePriority, schema.ActionNotifyManager},
				NotificationTemplate: "complaint-escalated",
			}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.SLAMet, task.SLAStatus)

	f.clock.Add(10 * time.Minute)
	assert.Eventually(t, func() bool {
		return f.task(t, task.ID).SLAStatus == schema.SLAAtRisk
	}, time.Second, 5*time.Millisecond)

	f.clock.Add(20 * time.Minute)
	assert.Eventually(t, func() bool {
		return f.task(t, task.ID).Status == schema.TaskStatusEscalated
	}, time.Second, 5*time.Millisecond)

	got := f.task(t, task.ID)
	assert.Equal(t, schema.SLABreached, got.SLAStatus)
	assert.Equal(t, schema.PriorityHigh, got.Priority)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, schema.PriorityNormal, got.Escalations[0].OldPriority)

	assert.Eventually(t, func() bool { return len(f.notifier.all()) == 1 }, time.Second, 5*time.Millisecond)
	note := f.notifier.all()[0]
	assert.Equal(t, []string{"mia"}, note.Recipients)
	assert.Equal(t, "complaint-escalated", note.Template)
	assert.Eventually(t, func() bool {
		types := f.events.types(task.ID)
		return assert.ObjectsAreEqual(types[len(types)-2:], []string{schema.EventTaskEscalated, schema.EventSLABreached})
	}, time.Second, 5*time.Millisecond)

	// escalated tasks can still be worked and closed
	_, err = f.mgr.StartTask(ctx, task.ID, "alice")
	require.NoError(t, err)
	done, err := f.mgr.CompleteTask(ctx, task.ID, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SLABreached, done.SLAStatus)
	assert.Zero(t, f.mgr.PendingTimers())
}

func TestEscalation_ReassignsToLeastLoaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "backlog", Assignee: "bob", EstimatedMinutes: 240})
	require.NoError(t, err)
	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Outage follow-up",
		Assignee: "alice",
		SLA: &schema.SLAConfig{EscalationLevels: []schema.EscalationLevel{{
			TriggerAfter: 15,
			EscalateTo:   []string{"support"},
			Actions:      []schema.EscalationAction{schema.ActionReassign},
		}}},
	})
	require.NoError(t, err)

	f.clock.Add(15 * time.Minute)
	assert.Eventually(t, func() bool {
		return f.task(t, task.ID).Assignee == "carol"
	}, time.Second, 5*time.Millisecond)

	got := f.task(t, task.ID)
	assert.Equal(t, schema.TaskStatusEscalated, got.Status)
	require.Len(t, got.Escalations, 1)
	assert.Equal(t, 1, got.Escalations[0].Level)
	assert.Equal(t, "alice", got.Escalations[0].FromUser)
	assert.Equal(t, "carol", got.Escalations[0].ToUser)
	assert.Empty(t, f.mgr.GetPriorityQueue("alice"))
}

func TestSLA_ClosedTaskLeavesNoTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Refund",
		Assignee: "bob",
		SLA: &schema.SLAConfig{
			ResponseTime:   5,
			ResolutionTime: 60,
			EscalationLevels: []schema.EscalationLevel{
				{TriggerAfter: 30, Actions: []schema.EscalationAction{schema.ActionIncreasePriority}},
			},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, f.mgr.PendingTimers())

	_, err = f.mgr.StartTask(ctx, task.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, f.mgr.PendingTimers())

	done, err := f.mgr.CompleteTask(ctx, task.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SLAMet, done.SLAStatus)
	assert.Zero(t, f.mgr.PendingTimers())

	f.clock.Add(2 * time.Hour)
	got := f.task(t, task.ID)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.Equal(t, schema.SLAMet, got.SLAStatus)
	assert.Equal(t, schema.PriorityNormal, got.Priority)
	assert.Empty(t, got.Escalations)
}

func TestSLA_ResolutionBreach(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Invoice",
		Assignee: "carol",
		SLA:      &schema.SLAConfig{ResolutionTime: 60},
	})
	require.NoError(t, err)
	_, err = f.mgr.StartTask(ctx, task.ID, "carol")
	require.NoError(t, err)

	f.clock.Add(61 * time.Minute)
	assert.Eventually(t, func() bool {
		return f.task(t, task.ID).SLAStatus == schema.SLABreached
	}, time.Second, 5*time.Millisecond)

	done, err := f.mgr.CompleteTask(ctx, task.ID, "carol", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SLABreached, done.SLAStatus)
}

func TestSLA_AtRiskSurvivesOnTimeCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Callback",
		Assignee: "bob",
		SLA:      &schema.SLAConfig{ResponseTime: 5, ResolutionTime: 60},
	})
	require.NoError(t, err)

	f.clock.Add(6 * time.Minute)
	assert.Eventually(t, func() bool {
		return f.task(t, task.ID).SLAStatus == schema.SLAAtRisk
	}, time.Second, 5*time.Millisecond)

	_, err = f.mgr.StartTask(ctx, task.ID, "bob")
	require.NoError(t, err)
	done, err := f.mgr.CompleteTask(ctx, task.ID, "bob", nil)
	require.NoError(t, err)
	assert.Equal(t, schema.SLAAtRisk, done.SLAStatus)
	assert.Equal(t, schema.SLAAtRisk, f.task(t, task.ID).SLAStatus)
}

func TestRestore_RearmsPendingLevelsOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{
		Title:    "Migration",
		Assignee: "bob",
		SLA: &schema.SLAConfig{EscalationLevels: []schema.EscalationLevel{
			{Level: 1, TriggerAfter: 10, Actions: []schema.EscalationAction{schema.ActionIncreasePriority}},
			{Level: 2, TriggerAfter: 40, Actions: []schema.EscalationAction{schema.ActionIncreasePriority}},
		}},
	})
	require.NoError(t, err)

	f.clock.Add(10 * time.Minute)
	assert.Eventually(t, func() bool {
		return len(f.task(t, task.ID).Escalations) == 1
	}, time.Second, 5*time.Millisecond)
	f.mgr.Close()

	restored := newManagerOn(t, f)
	require.NoError(t, restored.Restore(ctx))
	assert.Equal(t, 1, restored.PendingTimers())
	assert.Len(t, restored.GetPriorityQueue("bob"), 1)

	f.clock.Add(30 * time.Minute)
	assert.Eventually(t, func() bool {
		return len(f.task(t, task.ID).Escalations) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.PriorityUrgent, f.task(t, task.ID).Priority)
}

func TestLoadBalancingAndMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "a", Assignee: "bob", EstimatedMinutes: 120})
	require.NoError(t, err)
	_, err = f.mgr.CreateTask(ctx, CreateTaskParams{Title: "b", Assignee: "carol", EstimatedMinutes: 30, DueDate: at(-5)})
	require.NoError(t, err)

	wl, err := f.mgr.GetUserWorkload(ctx, "bob")
	require.NoError(t, err)
	assert.InDelta(t, 0.25, wl.Utilization, 0.0001)

	user, err := f.mgr.FindLeastLoadedUser(ctx, []string{"bob", "carol"})
	require.NoError(t, err)
	assert.Equal(t, "carol", user)

	_, err = f.mgr.FindLeastLoadedUser(ctx, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	task, err := f.mgr.CreateTask(ctx, CreateTaskParams{Title: "c", EstimatedMinutes: 60})
	require.NoError(t, err)
	assigned, err := f.mgr.AssignLoadBalanced(ctx, task.ID, []string{"support"})
	require.NoError(t, err)
	assert.Equal(t, "carol", assigned.Assignee)

	metrics, err := f.mgr.GetTaskMetrics(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, metrics.Total)
	assert.Equal(t, 3, metrics.ByStatus[schema.TaskStatusAssigned])
	assert.Equal(t, 1, metrics.Overdue)
	assert.Equal(t, 3, metrics.SLA[schema.SLANotApplicable])
}

func TestUnknownTask(t *testing.T) {
	f := newFixture(t)
	_, err := f.mgr.StartTask(context.Background(), "nope", "bob")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	_, err = f.mgr.AddComment(context.Background(), "nope", "bob", "hi")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}
