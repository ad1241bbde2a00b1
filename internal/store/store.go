package store

import (
	"context"

	"github.com/rendis/taskflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Update methods run the
// mutate closure as an atomic read-modify-write of one entity; when the closure
// returns an error nothing is written.
type Store interface {
	DefinitionStore
	InstanceStore
	TaskStore
	JobStore
	EventStore
	SecretStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// DefinitionStore persists workflow definitions by id and version.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, def *schema.WorkflowDefinition) error
	// GetDefinition returns the highest version of a definition.
	GetDefinition(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	GetDefinitionVersion(ctx context.Context, id string, version int) (*schema.WorkflowDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.WorkflowDefinition, error)
}

// InstanceStore persists workflow instances and their node executions.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *schema.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, id string, mutate func(*schema.WorkflowInstance) error) (*schema.WorkflowInstance, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*schema.WorkflowInstance, error)

	// SaveExecution inserts or replaces a node execution by id.
	SaveExecution(ctx context.Context, exec *schema.NodeExecution) error
	// ListExecutions returns the executions of an instance in start order.
	ListExecutions(ctx context.Context, instanceID string) ([]*schema.NodeExecution, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	UpdateTask(ctx context.Context, id string, mutate func(*schema.Task) error) (*schema.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error)
}

// JobStore persists cron-scheduled workflow starts.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *ScheduledJob) error
	GetScheduledJob(ctx context.Context, id string) (*ScheduledJob, error)
	UpdateScheduledJob(ctx context.Context, id string, update ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter ScheduledJobFilter) ([]*ScheduledJob, error)
	DeleteScheduledJob(ctx context.Context, id string) error
}

// EventStore is the append-only audit log of published events.
type EventStore interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]*schema.Event, error)
}

// SecretStore keeps opaque secret blobs by name. Values arrive already
// encrypted; the store never sees plaintext.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	// ListSecrets returns the secret names in ascending order.
	ListSecrets(ctx context.Context) ([]string, error)
}
