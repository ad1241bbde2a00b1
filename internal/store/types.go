package store

import (
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// ScheduledJob is a cron-triggered workflow start.
type ScheduledJob struct {
	ID             string         `json:"id"`
	DefinitionID   string         `json:"definition_id"`
	CronExpression string         `json:"cron_expression"`
	Variables      map[string]any `json:"variables,omitempty"`
	Initiator      string         `json:"initiator,omitempty"`
	Enabled        bool           `json:"enabled"`
	LastRunAt      *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus  string         `json:"last_run_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// --- Filter and update types ---

// InstanceFilter specifies criteria for listing instances.
type InstanceFilter struct {
	DefinitionID string                 `json:"definition_id,omitempty"`
	Status       *schema.InstanceStatus `json:"status,omitempty"`
	Since        *time.Time             `json:"since,omitempty"`
	Limit        int                    `json:"limit,omitempty"`
	Offset       int                    `json:"offset,omitempty"`
}

// Match reports whether inst satisfies the filter, ignoring Limit and Offset.
func (f InstanceFilter) Match(inst *schema.WorkflowInstance) bool {
	if f.DefinitionID != "" && inst.DefinitionID != f.DefinitionID {
		return false
	}
	if f.Status != nil && inst.Status != *f.Status {
		return false
	}
	if f.Since != nil && inst.StartedAt.Before(*f.Since) {
		return false
	}
	return true
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Assignee   string              `json:"assignee,omitempty"`
	Statuses   []schema.TaskStatus `json:"statuses,omitempty"`
	InstanceID string              `json:"instance_id,omitempty"`
	Limit      int                 `json:"limit,omitempty"`
}

// Match reports whether task satisfies the filter, ignoring Limit.
func (f TaskFilter) Match(task *schema.Task) bool {
	if f.Assignee != "" && task.Assignee != f.Assignee {
		return false
	}
	if f.InstanceID != "" && task.InstanceID != f.InstanceID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if task.Status == s {
			return true
		}
	}
	return false
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	InstanceID string     `json:"instance_id,omitempty"`
	TaskID     string     `json:"task_id,omitempty"`
	Type       string     `json:"type,omitempty"`
	Since      *time.Time `json:"since,omitempty"`
	Limit      int        `json:"limit,omitempty"`
}

// Match reports whether ev satisfies the filter, ignoring Limit.
func (f EventFilter) Match(ev *schema.Event) bool {
	if f.InstanceID != "" && ev.InstanceID != f.InstanceID {
		return false
	}
	if f.TaskID != "" && ev.TaskID != f.TaskID {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	if f.Since != nil && ev.At.Before(*f.Since) {
		return false
	}
	return true
}

// ScheduledJobUpdate specifies mutable fields of a scheduled job.
type ScheduledJobUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledJobFilter specifies criteria for listing scheduled jobs.
type ScheduledJobFilter struct {
	Enabled      *bool  `json:"enabled,omitempty"`
	DefinitionID string `json:"definition_id,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// Match reports whether job satisfies the filter, ignoring Limit.
func (f ScheduledJobFilter) Match(job *ScheduledJob) bool {
	if f.Enabled != nil && job.Enabled != *f.Enabled {
		return false
	}
	return f.DefinitionID == "" || job.DefinitionID == f.DefinitionID
}

func (u ScheduledJobUpdate) apply(job *ScheduledJob) {
	if u.Enabled != nil {
		job.Enabled = *u.Enabled
	}
	if u.LastRunAt != nil {
		t := *u.LastRunAt
		job.LastRunAt = &t
	}
	if u.NextRunAt != nil {
		t := *u.NextRunAt
		job.NextRunAt = &t
	}
	if u.LastRunStatus != "" {
		job.LastRunStatus = u.LastRunStatus
	}
}

func (j *ScheduledJob) clone() *ScheduledJob {
	c := *j
	c.Variables = schema.CloneMap(j.Variables)
	if j.LastRunAt != nil {
		t := *j.LastRunAt
		c.LastRunAt = &t
	}
	if j.NextRunAt != nil {
		t := *j.NextRunAt
		c.NextRunAt = &t
	}
	return &c
}
