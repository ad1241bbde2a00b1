package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// MemoryStore is an in-process Store. Values are deep-copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]map[int]*schema.WorkflowDefinition
	instances   map[string]*schema.WorkflowInstance
	executions  map[string][]*schema.NodeExecution // by instance, start order
	tasks       map[string]*schema.Task
	jobs        map[string]*ScheduledJob
	events      []*schema.Event
	secrets     map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]map[int]*schema.WorkflowDefinition),
		instances:   make(map[string]*schema.WorkflowInstance),
		executions:  make(map[string][]*schema.NodeExecution),
		tasks:       make(map[string]*schema.Task),
		jobs:        make(map[string]*ScheduledJob),
		secrets:     make(map[string][]byte),
	}
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// --- Definitions ---

func (s *MemoryStore) SaveDefinition(_ context.Context, def *schema.WorkflowDefinition) error {
	c, err := cloneDefinition(def)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.definitions[def.ID]
	if !ok {
		versions = make(map[int]*schema.WorkflowDefinition)
		s.definitions[def.ID] = versions
	}
	versions[def.Version] = c
	return nil
}

func (s *MemoryStore) GetDefinition(_ context.Context, id string) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions, ok := s.definitions[id]
	if !ok || len(versions) == 0 {
		return nil, storeNotFound("definition", id)
	}
	latest := -1
	for v := range versions {
		if v > latest {
			latest = v
		}
	}
	return cloneDefinition(versions[latest])
}

func (s *MemoryStore) GetDefinitionVersion(_ context.Context, id string, version int) (*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id][version]
	if !ok {
		return nil, storeNotFound("definition", id)
	}
	return cloneDefinition(def)
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.definitions))
	for id := range s.definitions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)

	out := make([]*schema.WorkflowDefinition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}

// --- Instances ---

func (s *MemoryStore) CreateInstance(_ context.Context, inst *schema.WorkflowInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "instance %q already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *MemoryStore) GetInstance(_ context.Context, id string) (*schema.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	return inst.Clone(), nil
}

func (s *MemoryStore) UpdateInstance(_ context.Context, id string, mutate func(*schema.WorkflowInstance) error) (*schema.WorkflowInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	working := inst.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.instances[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error) {
	s.mu.RLock()
	var out []*schema.WorkflowInstance
	for _, inst := range s.instances {
		if filter.Match(inst) {
			out = append(out, inst.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Offset, filter.Limit), nil
}

func (s *MemoryStore) SaveExecution(_ context.Context, exec *schema.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.executions[exec.InstanceID]
	for i, e := range list {
		if e.ID == exec.ID {
			list[i] = exec.Clone()
			return nil
		}
	}
	s.executions[exec.InstanceID] = append(list, exec.Clone())
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, instanceID string) ([]*schema.NodeExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.executions[instanceID]
	out := make([]*schema.NodeExecution, len(list))
	for i, e := range list {
		out[i] = e.Clone()
	}
	return out, nil
}

// --- Tasks ---

func (s *MemoryStore) CreateTask(_ context.Context, task *schema.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.ID)
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *MemoryStore) GetTask(_ context.Context, id string) (*schema.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	return task.Clone(), nil
}

func (s *MemoryStore) UpdateTask(_ context.Context, id string, mutate func(*schema.Task) error) (*schema.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, storeNotFound("task", id)
	}
	working := task.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	s.tasks[id] = working
	return working.Clone(), nil
}

func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*schema.Task, error) {
	s.mu.RLock()
	var out []*schema.Task
	for _, task := range s.tasks {
		if filter.Match(task) {
			out = append(out, task.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, filter.Limit), nil
}

// --- Scheduled Jobs ---

func (s *MemoryStore) CreateScheduledJob(_ context.Context, job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "scheduled job %q already exists", job.ID)
	}
	c := job.clone()
	c.CreatedAt = timeOrNow(c.CreatedAt)
	s.jobs[job.ID] = c
	return nil
}

func (s *MemoryStore) GetScheduledJob(_ context.Context, id string) (*ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, storeNotFound("scheduled job", id)
	}
	return job.clone(), nil
}

func (s *MemoryStore) UpdateScheduledJob(_ context.Context, id string, update ScheduledJobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return storeNotFound("scheduled job", id)
	}
	update.apply(job)
	return nil
}

func (s *MemoryStore) ListScheduledJobs(_ context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error) {
	s.mu.RLock()
	var out []*ScheduledJob
	for _, job := range s.jobs {
		if filter.Match(job) {
			out = append(out, job.clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, 0, filter.Limit), nil
}

func (s *MemoryStore) DeleteScheduledJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return storeNotFound("scheduled job", id)
	}
	delete(s.jobs, id)
	return nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *schema.Event) error {
	c := *event
	c.Payload = schema.CloneMap(event.Payload)
	c.At = timeOrNow(c.At)
	s.mu.Lock()
	s.events = append(s.events, &c)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, filter EventFilter) ([]*schema.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.Event
	for _, ev := range s.events {
		if filter.Match(ev) {
			c := *ev
			c.Payload = schema.CloneMap(ev.Payload)
			out = append(out, &c)
		}
	}
	return page(out, 0, filter.Limit), nil
}

// --- Secrets ---

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = bytes.Clone(value)
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return bytes.Clone(v), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneDefinition(def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error) {
	b, err := json.Marshal(def)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "encode definition %q: %s", def.ID, err.Error()).WithCause(err)
	}
	var c schema.WorkflowDefinition
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode definition %q: %s", def.ID, err.Error()).WithCause(err)
	}
	return &c, nil
}

var _ Store = (*MemoryStore)(nil)
