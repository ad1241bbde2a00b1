package schema

import (
	"slices"
	"time"
)

// Task is an independently tracked unit of work, optionally linked to a
// TASK or APPROVAL node of a workflow instance.
type Task struct {
	ID               string             `json:"id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Status           TaskStatus         `json:"status"`
	Priority         Priority           `json:"priority"`
	Assignee         string             `json:"assignee,omitempty"`
	CandidateGroup   string             `json:"candidate_group,omitempty"`
	DueDate          *time.Time         `json:"due_date,omitempty"`
	EstimatedMinutes int                `json:"estimated_minutes,omitempty"`
	Checklist        []ChecklistItem    `json:"checklist,omitempty"`
	SLA              *SLAConfig         `json:"sla,omitempty"`
	SLAStatus        SLAStatus          `json:"sla_status"`
	Escalations      []EscalationRecord `json:"escalations,omitempty"`
	Comments         []Comment          `json:"comments,omitempty"`
	Delegation       *Delegation        `json:"delegation,omitempty"`
	InstanceID       string             `json:"instance_id,omitempty"`
	NodeID           string             `json:"node_id,omitempty"`
	Metadata         map[string]any     `json:"metadata,omitempty"`
	Output           map[string]any     `json:"output,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
	StartedAt        *time.Time         `json:"started_at,omitempty"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	CompletedBy      string             `json:"completed_by,omitempty"`
	CancelledAt      *time.Time         `json:"cancelled_at,omitempty"`
	CancelReason     string             `json:"cancel_reason,omitempty"`
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "PENDING"
	TaskStatusAssigned   TaskStatus = "ASSIGNED"
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	TaskStatusCompleted  TaskStatus = "COMPLETED"
	TaskStatusCancelled  TaskStatus = "CANCELLED"
	TaskStatusEscalated  TaskStatus = "ESCALATED"
)

// IsTerminal reports whether the task can no longer change or escalate.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// Priority is the urgency of a task.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
)

// priorityScale is ordered from lowest to highest.
var priorityScale = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent, PriorityCritical}

// Weight returns the ordering weight of p; unknown priorities weigh as NORMAL.
func (p Priority) Weight() int {
	if i := slices.Index(priorityScale, p); i >= 0 {
		return i + 1
	}
	return 2
}

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	return slices.Contains(priorityScale, p)
}

// Next returns the priority one level up, capped at CRITICAL.
func (p Priority) Next() Priority {
	w := p.Weight()
	if w >= len(priorityScale) {
		return PriorityCritical
	}
	return priorityScale[w]
}

// SLAStatus tracks a task against its service-level agreement.
type SLAStatus string

const (
	SLANotApplicable SLAStatus = "NOT_APPLICABLE"
	SLAMet           SLAStatus = "MET"
	SLAAtRisk        SLAStatus = "AT_RISK"
	SLABreached      SLAStatus = "BREACHED"
)

// EscalationAction is an action fired by an escalation level.
type EscalationAction string

const (
	ActionNotifyManager    EscalationAction = "NOTIFY_MANAGER"
	ActionIncreasePriority EscalationAction = "INCREASE_PRIORITY"
	ActionReassign         EscalationAction = "REASSIGN"
)

// ChecklistItem is one ordered step of a task checklist.
type ChecklistItem struct {
	ID          string     `json:"id"`
	Label       string     `json:"label"`
	Required    bool       `json:"required,omitempty"`
	Completed   bool       `json:"completed,omitempty"`
	CompletedBy string     `json:"completed_by,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SLAConfig holds response and resolution budgets in minutes plus escalation rules.
type SLAConfig struct {
	ResponseTime     int               `json:"response_time" validate:"gte=0"`
	ResolutionTime   int               `json:"resolution_time" validate:"gte=0"`
	EscalationLevels []EscalationLevel `json:"escalation_levels,omitempty" validate:"dive"`
}

// EscalationLevel is a timed rule fired when a task overruns its SLA.
type EscalationLevel struct {
	Level                int                `json:"level"`
	TriggerAfter         int                `json:"trigger_after" validate:"gte=0"` // minutes after creation
	EscalateTo           []string           `json:"escalate_to,omitempty"`
	Actions              []EscalationAction `json:"actions" validate:"dive,oneof=NOTIFY_MANAGER INCREASE_PRIORITY REASSIGN"`
	NotificationTemplate string             `json:"notification_template,omitempty"`
}

// EscalationRecord is an entry of a task's escalation history.
type EscalationRecord struct {
	ID          string             `json:"id"`
	Level       int                `json:"level"`
	Actions     []EscalationAction `json:"actions"`
	FromUser    string             `json:"from_user,omitempty"`
	ToUser      string             `json:"to_user,omitempty"`
	OldPriority Priority           `json:"old_priority,omitempty"`
	NewPriority Priority           `json:"new_priority,omitempty"`
	At          time.Time          `json:"at"`
}

// Comment is a free-text note on a task.
type Comment struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Text   string    `json:"text"`
	At     time.Time `json:"at"`
}

// Delegation records the provenance of a delegated task.
type Delegation struct {
	OriginalAssignee string    `json:"original_assignee"`
	DelegatedBy      string    `json:"delegated_by"`
	Notes            string    `json:"notes,omitempty"`
	At               time.Time `json:"at"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.DueDate = cloneTime(t.DueDate)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.CancelledAt = cloneTime(t.CancelledAt)
	c.Metadata = CloneMap(t.Metadata)
	c.Output = CloneMap(t.Output)
	if t.Checklist != nil {
		c.Checklist = make([]ChecklistItem, len(t.Checklist))
		for i, item := range t.Checklist {
			item.CompletedAt = cloneTime(item.CompletedAt)
			c.Checklist[i] = item
		}
	}
	if t.SLA != nil {
		sla := *t.SLA
		sla.EscalationLevels = append([]EscalationLevel(nil), t.SLA.EscalationLevels...)
		c.SLA = &sla
	}
	c.Escalations = append([]EscalationRecord(nil), t.Escalations...)
	c.Comments = append([]Comment(nil), t.Comments...)
	if t.Delegation != nil {
		d := *t.Delegation
		c.Delegation = &d
	}
	return &c
}

// OpenRequired returns the ids of required checklist items not yet completed.
func (t *Task) OpenRequired() []string {
	var ids []string
	for _, item := range t.Checklist {
		if item.Required && !item.Completed {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// IsOverdue reports whether an open task is past its due date at now.
func (t *Task) IsOverdue(now time.Time) bool {
	return !t.Status.IsTerminal() && t.DueDate != nil && now.After(*t.DueDate)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// UserWorkload is derived from the live task set of one user.
type UserWorkload struct {
	UserID               string  `json:"user_id"`
	Assigned             int     `json:"assigned"`
	InProgress           int     `json:"in_progress"`
	Completed            int     `json:"completed"`
	Overdue              int     `json:"overdue"`
	AvgCompletionMinutes float64 `json:"avg_completion_minutes"`
	OpenEstimatedMinutes int     `json:"open_estimated_minutes"`
	Utilization          float64 `json:"utilization"`
}

// TaskMetrics summarizes a set of tasks.
type TaskMetrics struct {
	Total                int                `json:"total"`
	ByStatus             map[TaskStatus]int `json:"by_status"`
	ByPriority           map[Priority]int   `json:"by_priority"`
	SLA                  map[SLAStatus]int  `json:"sla"`
	Overdue              int                `json:"overdue"`
	Escalated            int                `json:"escalated"`
	AvgCompletionMinutes float64            `json:"avg_completion_minutes"`
}
