package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

func newLibSQLTestStore(t *testing.T) Store {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func newMemoryTestStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

var implementations = map[string]func(t *testing.T) Store{
	"memory": newMemoryTestStore,
	"libsql": newLibSQLTestStore,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range implementations {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func sampleDefinition(version int) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:      "approval",
		Name:    "Approval",
		Version: version,
		Nodes: []schema.Node{
			{ID: "start", Type: schema.NodeTypeStart},
			{ID: "end", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.Edge{{ID: "e1", Source: "start", Target: "end"}},
	}
}

func sampleInstance() *schema.WorkflowInstance {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &schema.WorkflowInstance{
		ID:           uuid.New().String(),
		DefinitionID: "approval",
		Status:       schema.InstanceStatusRunning,
		Variables:    map[string]any{"amount": 150.0},
		CurrentNodes: []string{},
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

func TestStore_Definitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(1)))
		require.NoError(t, s.SaveDefinition(ctx, sampleDefinition(2)))

		latest, err := s.GetDefinition(ctx, "approval")
		require.NoError(t, err)
		assert.Equal(t, 2, latest.Version)
		assert.Len(t, latest.Nodes, 2)

		v1, err := s.GetDefinitionVersion(ctx, "approval", 1)
		require.NoError(t, err)
		assert.Equal(t, 1, v1.Version)

		all, err := s.ListDefinitions(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Equal(t, 2, all[0].Version)

		_, err = s.GetDefinition(ctx, "missing")
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_UpdateInstanceIsAtomic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := sampleInstance()
		require.NoError(t, s.CreateInstance(ctx, inst))

		updated, err := s.UpdateInstance(ctx, inst.ID, func(i *schema.WorkflowInstance) error {
			i.Status = schema.InstanceStatusWaiting
			i.Variables["approved"] = true
			i.AddCurrent("review")
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusWaiting, updated.Status)

		boom := errors.New("boom")
		_, err = s.UpdateInstance(ctx, inst.ID, func(i *schema.WorkflowInstance) error {
			i.Status = schema.InstanceStatusFailed
			return boom
		})
		assert.ErrorIs(t, err, boom)

		got, err := s.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStatusWaiting, got.Status)
		assert.Equal(t, true, got.Variables["approved"])
		assert.Equal(t, []string{"review"}, got.CurrentNodes)

		_, err = s.UpdateInstance(ctx, "nope", func(*schema.WorkflowInstance) error { return nil })
		assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	})
}

func TestStore_ListInstancesFilter(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		a, b := sampleInstance(), sampleInstance()
		b.Status = schema.InstanceStatusCompleted
		require.NoError(t, s.CreateInstance(ctx, a))
		require.NoError(t, s.CreateInstance(ctx, b))

		completed := schema.InstanceStatusCompleted
		list, err := s.ListInstances(ctx, InstanceFilter{Status: &completed})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, b.ID, list[0].ID)

		all, err := s.ListInstances(ctx, InstanceFilter{DefinitionID: "approval"})
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})
}

func TestStore_ExecutionsKeepOrderAndUpsert(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		inst := sampleInstance()
		require.NoError(t, s.CreateInstance(ctx, inst))

		first := &schema.NodeExecution{ID: "x1", InstanceID: inst.ID, NodeID: "start", Status: schema.ExecutionStatusRunning, StartedAt: inst.StartedAt}
		second := &schema.NodeExecution{ID: "x2", InstanceID: inst.ID, NodeID: "end", Status: schema.ExecutionStatusRunning, StartedAt: inst.StartedAt}
		require.NoError(t, s.SaveExecution(ctx, first))
		require.NoError(t, s.SaveExecution(ctx, second))

		first.Status = schema.ExecutionStatusCompleted
		first.Attempts = 1
		require.NoError(t, s.SaveExecution(ctx, first))

		list, err := s.ListExecutions(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "x1", list[0].ID)
		assert.Equal(t, schema.ExecutionStatusCompleted, list[0].Status)
		assert.Equal(t, "x2", list[1].ID)
	})
}

func TestStore_Tasks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)
		t1 := &schema.Task{ID: "t1", Title: "one", Status: schema.TaskStatusAssigned, Priority: schema.PriorityNormal, Assignee: "alice", CreatedAt: now, UpdatedAt: now}
		t2 := &schema.Task{ID: "t2", Title: "two", Status: schema.TaskStatusPending, Priority: schema.PriorityLow, CreatedAt: now.Add(time.Second), UpdatedAt: now}
		require.NoError(t, s.CreateTask(ctx, t1))
		require.NoError(t, s.CreateTask(ctx, t2))

		err := s.CreateTask(ctx, t1)
		assert.Error(t, err)

		_, err = s.UpdateTask(ctx, "t2", func(task *schema.Task) error {
			task.Assignee = "alice"
			task.Status = schema.TaskStatusInProgress
			return nil
		})
		require.NoError(t, err)

		list, err := s.ListTasks(ctx, TaskFilter{Assignee: "alice"})
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "t1", list[0].ID)

		inProgress, err := s.ListTasks(ctx, TaskFilter{Statuses: []schema.TaskStatus{schema.TaskStatusInProgress}})
		require.NoError(t, err)
		require.Len(t, inProgress, 1)
		assert.Equal(t, "t2", inProgress[0].ID)
	})
}

func TestStore_ScheduledJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		job := &ScheduledJob{
			ID:             "nightly",
			DefinitionID:   "approval",
			CronExpression: "0 2 * * *",
			Variables:      map[string]any{"batch": true},
			Enabled:        true,
		}
		require.NoError(t, s.CreateScheduledJob(ctx, job))

		next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
		require.NoError(t, s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{NextRunAt: &next, LastRunStatus: "success"}))

		got, err := s.GetScheduledJob(ctx, "nightly")
		require.NoError(t, err)
		assert.Equal(t, "success", got.LastRunStatus)
		require.NotNil(t, got.NextRunAt)
		assert.True(t, next.Equal(*got.NextRunAt))
		assert.Equal(t, true, got.Variables["batch"])

		disabled := false
		require.NoError(t, s.UpdateScheduledJob(ctx, "nightly", ScheduledJobUpdate{Enabled: &disabled}))
		enabled := true
		list, err := s.ListScheduledJobs(ctx, ScheduledJobFilter{Enabled: &enabled})
		require.NoError(t, err)
		assert.Empty(t, list)

		require.NoError(t, s.DeleteScheduledJob(ctx, "nightly"))
		assert.True(t, schema.IsCode(s.DeleteScheduledJob(ctx, "nightly"), schema.ErrCodeNotFound))
	})
}

func TestStore_Events(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := NewEventRecorder(s, nil)
		rec.Record(schema.Event{Type: schema.EventTaskCreated, TaskID: "t1", Payload: map[string]any{"priority": "HIGH"}})
		rec.Record(schema.Event{Type: schema.EventWorkflowStarted, InstanceID: "i1"})
		rec.Record(schema.Event{Type: schema.EventTaskCompleted, TaskID: "t1"})

		events, err := s.ListEvents(ctx, EventFilter{TaskID: "t1"})
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, schema.EventTaskCreated, events[0].Type)
		assert.Equal(t, "HIGH", events[0].Payload["priority"])
		assert.Equal(t, schema.EventTaskCompleted, events[1].Type)

		started, err := s.ListEvents(ctx, EventFilter{Type: schema.EventWorkflowStarted})
		require.NoError(t, err)
		require.Len(t, started, 1)
		assert.Equal(t, "i1", started[0].InstanceID)
	})
}

func TestStore_Secrets(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.StoreSecret(ctx, "stripe", []byte{0x01, 0x02}))
		require.NoError(t, s.StoreSecret(ctx, "github", []byte("v1")))
		require.NoError(t, s.StoreSecret(ctx, "github", []byte("v2")))

		got, err := s.GetSecret(ctx, "github")
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), got)

		keys, err := s.ListSecrets(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"github", "stripe"}, keys)

		require.NoError(t, s.DeleteSecret(ctx, "stripe"))
		_, err = s.GetSecret(ctx, "stripe")
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
		assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(s.DeleteSecret(ctx, "stripe")))
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	inst := sampleInstance()
	require.NoError(t, s.CreateInstance(ctx, inst))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	got.Variables["amount"] = 1.0

	again, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 150.0, again.Variables["amount"])
}

func TestSQLStatements(t *testing.T) {
	stmts := sqlStatements("-- comment; with a semicolon\nCREATE TABLE a (x INT);\n\nCREATE INDEX i ON a(x);")
	assert.Equal(t, []string{"CREATE TABLE a (x INT)", "CREATE INDEX i ON a(x)"}, stmts)
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations(migrationFiles)
	require.NoError(t, err)
	require.NotEmpty(t, ms)
	assert.Equal(t, 1, ms[0].version)
	for i := 1; i < len(ms); i++ {
		assert.Less(t, ms[i-1].version, ms[i].version)
	}

	bad := fstest.MapFS{"migrations/init.sql": {Data: []byte("SELECT 1;")}}
	_, err = loadMigrations(bad)
	assert.Error(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newLibSQLTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
