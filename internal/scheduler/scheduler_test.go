package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var base = time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

// fakeStarter records StartWorkflow calls.
type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	err   error
}

type startCall struct {
	DefinitionID string
	Opts         engine.StartOptions
}

func (f *fakeStarter) StartWorkflow(_ context.Context, definitionID string, opts engine.StartOptions) (*schema.WorkflowInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, startCall{DefinitionID: definitionID, Opts: opts})
	if f.err != nil {
		return nil, f.err
	}
	return &schema.WorkflowInstance{ID: "inst-" + definitionID, Status: schema.InstanceStatusRunning}, nil
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeStarter) definitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.DefinitionID
	}
	return ids
}

func newTestScheduler(t *testing.T, starter WorkflowStarter) (*Scheduler, *store.MemoryStore, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(base)
	ms := store.NewMemoryStore()
	return New(Config{Clock: mock, Interval: time.Hour}, ms, starter), ms, mock
}

func at(t time.Time) *time.Time { return &t }

func addJob(t *testing.T, ms *store.MemoryStore, job store.ScheduledJob) {
	t.Helper()
	if job.CronExpression == "" {
		job.CronExpression = "0 * * * *"
	}
	require.NoError(t, ms.CreateScheduledJob(context.Background(), &job))
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeStarter{})

	tests := []struct {
		name string
		expr string
		want time.Time
	}{
		{"hourly", "0 * * * *", time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC)},
		{"every 15 minutes", "*/15 * * * *", time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC)},
		{"daily at midnight", "0 0 * * *", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
		{"descriptor", "@daily", time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := sched.CalculateNextRun(tt.expr, base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, next)
		})
	}

	_, err := sched.CalculateNextRun("invalid cron", base)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestCreateJob(t *testing.T) {
	sched, ms, _ := newTestScheduler(t, &fakeStarter{})
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, &store.ScheduledJob{
		DefinitionID:   "nightly-review",
		CronExpression: "*/15 * * * *",
		Variables:      map[string]any{"region": "eu"},
		Initiator:      "ops",
		Enabled:        true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	require.NotNil(t, job.NextRunAt)
	assert.Equal(t, base.Add(15*time.Minute), *job.NextRunAt)

	got, err := ms.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-review", got.DefinitionID)
	assert.Equal(t, "eu", got.Variables["region"])

	_, err = sched.CreateJob(ctx, &store.ScheduledJob{DefinitionID: "x", CronExpression: "nope"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = sched.CreateJob(ctx, &store.ScheduledJob{CronExpression: "0 * * * *"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestTickRunsDueJobs(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)
	ctx := context.Background()

	addJob(t, ms, store.ScheduledJob{
		ID:           "job-1",
		DefinitionID: "deploy",
		Variables:    map[string]any{"env": "staging"},
		Initiator:    "agent-1",
		Enabled:      true,
		NextRunAt:    at(base.Add(-time.Hour)),
	})

	assert.Equal(t, 1, sched.Tick(ctx))
	require.Equal(t, 1, starter.callCount())

	call := starter.calls[0]
	assert.Equal(t, "deploy", call.DefinitionID)
	assert.Equal(t, "agent-1", call.Opts.Context.Initiator)
	assert.Equal(t, "job-1", call.Opts.Context.Links["scheduled_job"])
	assert.Equal(t, "staging", call.Opts.Variables["env"])

	got, err := ms.GetScheduledJob(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, base, *got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, base.Add(time.Hour), *got.NextRunAt)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
}

func TestTickSkipsNotDueAndDisabledJobs(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)

	addJob(t, ms, store.ScheduledJob{ID: "future", DefinitionID: "a", Enabled: true, NextRunAt: at(base.Add(time.Hour))})
	addJob(t, ms, store.ScheduledJob{ID: "disabled", DefinitionID: "b", Enabled: false, NextRunAt: at(base.Add(-time.Hour))})

	assert.Equal(t, 0, sched.Tick(context.Background()))
	assert.Equal(t, 0, starter.callCount())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)

	// Never scheduled: treated as overdue.
	addJob(t, ms, store.ScheduledJob{ID: "fresh", DefinitionID: "deploy", Enabled: true})

	sched.Tick(context.Background())
	assert.Equal(t, 1, starter.callCount())
}

func TestJobRunFailureRecordsError(t *testing.T) {
	starter := &fakeStarter{err: assert.AnError}
	sched, ms, _ := newTestScheduler(t, starter)
	ctx := context.Background()

	addJob(t, ms, store.ScheduledJob{ID: "job-fail", DefinitionID: "deploy", Enabled: true, NextRunAt: at(base.Add(-time.Hour))})

	sched.Tick(ctx)

	got, err := ms.GetScheduledJob(ctx, "job-fail")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.LastRunStatus)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(base))
}

func TestRecoverMissed(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)
	ctx := context.Background()

	addJob(t, ms, store.ScheduledJob{ID: "missed", DefinitionID: "cleanup", Enabled: true, NextRunAt: at(base.Add(-2 * time.Hour))})
	addJob(t, ms, store.ScheduledJob{ID: "unscheduled", DefinitionID: "other", Enabled: true})

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, []string{"cleanup"}, starter.definitions())
	got, err := ms.GetScheduledJob(ctx, "missed")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
	assert.True(t, got.NextRunAt.After(base))
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)
	ctx := context.Background()

	addJob(t, ms, store.ScheduledJob{ID: "job-dedup", DefinitionID: "deploy", Enabled: true, NextRunAt: at(base.Add(-time.Hour))})

	release, ok := sched.claim("job-dedup")
	require.True(t, ok)
	_, ok = sched.claim("job-dedup")
	assert.False(t, ok)

	sched.Tick(ctx)
	assert.Equal(t, 0, starter.callCount())

	release()
	sched.Tick(ctx)
	assert.Equal(t, 1, starter.callCount())

	// Released after the run: due again once NextRunAt is rewound.
	require.NoError(t, ms.UpdateScheduledJob(ctx, "job-dedup", store.ScheduledJobUpdate{NextRunAt: at(base.Add(-time.Minute))}))
	sched.Tick(ctx)
	assert.Equal(t, 2, starter.callCount())
}

func TestMultipleJobsSomeDue(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, _ := newTestScheduler(t, starter)

	addJob(t, ms, store.ScheduledJob{ID: "due-1", DefinitionID: "alpha", Enabled: true, NextRunAt: at(base.Add(-time.Hour))})
	addJob(t, ms, store.ScheduledJob{ID: "not-due", DefinitionID: "beta", Enabled: true, NextRunAt: at(base.Add(time.Hour))})
	addJob(t, ms, store.ScheduledJob{ID: "due-2", DefinitionID: "gamma", Enabled: true})

	assert.Equal(t, 2, sched.Tick(context.Background()))
	assert.ElementsMatch(t, []string{"alpha", "gamma"}, starter.definitions())
}

func TestStartStop(t *testing.T) {
	sched, _, _ := newTestScheduler(t, &fakeStarter{})
	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())
	// Stop again is a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickerRunsJobWhenDue(t *testing.T) {
	starter := &fakeStarter{}
	sched, _, mock := newTestScheduler(t, starter)
	ctx := context.Background()

	_, err := sched.CreateJob(ctx, &store.ScheduledJob{DefinitionID: "hourly", CronExpression: "0 * * * *", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, sched.Start(ctx))
	defer func() { require.NoError(t, sched.Stop()) }()

	mock.Add(time.Hour)
	assert.Eventually(t, func() bool { return starter.callCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return starter.callCount() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestSchedulerStartsEngineWorkflow(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(base)
	ms := store.NewMemoryStore()
	eng, err := engine.New(engine.Config{Clock: mock}, engine.Deps{Store: ms})
	require.NoError(t, err)
	defer eng.Close()

	ctx := context.Background()
	_, err = eng.RegisterDefinition(ctx, &schema.WorkflowDefinition{
		ID:   "ping",
		Name: "ping",
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{{ID: "start-end", Source: "start", Target: "end"}},
	})
	require.NoError(t, err)

	sched := New(Config{Clock: mock}, ms, eng)
	addJob(t, ms, store.ScheduledJob{ID: "ping-job", DefinitionID: "ping", Initiator: "cron", Enabled: true})

	assert.Equal(t, 1, sched.Tick(ctx))

	insts, err := eng.ListInstances(ctx, store.InstanceFilter{})
	require.NoError(t, err)
	require.Len(t, insts, 1)
	assert.Equal(t, schema.InstanceStatusCompleted, insts[0].Status)
	assert.Equal(t, "cron", insts[0].Context.Initiator)

	got, err := ms.GetScheduledJob(ctx, "ping-job")
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, got.LastRunStatus)
}

func TestPauseResumeAndDelete(t *testing.T) {
	starter := &fakeStarter{}
	sched, ms, mock := newTestScheduler(t, starter)
	ctx := context.Background()

	job, err := sched.CreateJob(ctx, &store.ScheduledJob{DefinitionID: "report", CronExpression: "0 * * * *", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, sched.SetEnabled(ctx, job.ID, false))
	mock.Add(3 * time.Hour)
	assert.Equal(t, 0, sched.Tick(ctx))

	// Resuming skips the runs missed while paused.
	require.NoError(t, sched.SetEnabled(ctx, job.ID, true))
	got, err := ms.GetScheduledJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, base.Add(4*time.Hour), *got.NextRunAt)
	assert.Equal(t, 0, sched.Tick(ctx))

	jobs, err := sched.Jobs(ctx, store.ScheduledJobFilter{DefinitionID: "report"})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	require.NoError(t, sched.DeleteJob(ctx, job.ID))
	_, err = ms.GetScheduledJob(ctx, job.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(sched.SetEnabled(ctx, job.ID, true), schema.ErrCodeNotFound))
}
