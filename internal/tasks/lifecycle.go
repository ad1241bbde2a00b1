package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// transitions lists the statuses each status may move to by an explicit operation.
// ESCALATED is entered only by SLA escalation.
var transitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:    {schema.TaskStatusAssigned, schema.TaskStatusInProgress, schema.TaskStatusCancelled},
	schema.TaskStatusAssigned:   {schema.TaskStatusInProgress, schema.TaskStatusCancelled},
	schema.TaskStatusInProgress: {schema.TaskStatusCompleted, schema.TaskStatusCancelled},
	schema.TaskStatusEscalated:  {schema.TaskStatusInProgress, schema.TaskStatusCompleted, schema.TaskStatusCancelled},
}

// CanTransition reports whether a task in status from may move to status to.
func CanTransition(from, to schema.TaskStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(t *schema.Task, to schema.TaskStatus) error {
	if CanTransition(t.Status, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot move task from %s to %s", t.Status, to).
		WithTask(t.ID).
		WithDetails(map[string]any{"from": string(t.Status), "to": string(to)})
}

func checkOpen(t *schema.Task) error {
	if t.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "task is %s", t.Status).WithTask(t.ID)
	}
	return nil
}

// CreateTask validates params and stores a new task. A task created with an
// assignee starts ASSIGNED, otherwise PENDING.
func (m *Manager) CreateTask(ctx context.Context, p CreateTaskParams) (*schema.Task, error) {
	if err := m.validate.Struct(p); err != nil {
		return nil, validationError(err)
	}
	if p.SLA != nil {
		if err := m.validate.Struct(p.SLA); err != nil {
			return nil, validationError(err)
		}
	}
	if err := m.checkUser(ctx, p.Assignee); err != nil {
		return nil, err
	}

	now := m.clock.Now()
	t := &schema.Task{
		ID:               uuid.NewString(),
		Title:            p.Title,
		Description:      p.Description,
		Status:           schema.TaskStatusPending,
		Priority:         p.Priority,
		CandidateGroup:   p.CandidateGroup,
		EstimatedMinutes: p.EstimatedMinutes,
		SLAStatus:        schema.SLANotApplicable,
		InstanceID:       p.InstanceID,
		NodeID:           p.NodeID,
		Metadata:         schema.CloneMap(p.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if t.Priority == "" {
		t.Priority = schema.PriorityNormal
	}
	if p.DueDate != nil {
		due := *p.DueDate
		t.DueDate = &due
	}
	checklist, err := buildChecklist(p.Checklist)
	if err != nil {
		return nil, err
	}
	t.Checklist = checklist
	if p.SLA != nil {
		sla := *p.SLA
		sla.EscalationLevels = append([]schema.EscalationLevel(nil), p.SLA.EscalationLevels...)
		t.SLA = &sla
		t.SLAStatus = schema.SLAMet
	}
	if p.Assignee != "" {
		t.Assignee = p.Assignee
		t.Status = schema.TaskStatusAssigned
	}

	fx := &effects{}
	m.mu.Lock()
	if err := m.store.CreateTask(ctx, t); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.index(t)
	m.armSLA(t)
	m.mu.Unlock()

	fx.emit(m.event(t, schema.EventTaskCreated, map[string]any{
		"title":    t.Title,
		"priority": string(t.Priority),
		"assignee": t.Assignee,
	}))
	if t.Assignee != "" {
		fx.emit(m.event(t, schema.EventTaskAssigned, map[string]any{"assignee": t.Assignee}))
		fx.touch(t.Assignee)
	}
	m.flush(ctx, fx)

	logging.LogWith(logging.WithTaskID(ctx, t.ID), m.logger).Info("task created",
		slog.String("priority", string(t.Priority)),
		slog.String("assignee", t.Assignee),
	)
	return t.Clone(), nil
}

func buildChecklist(items []schema.ChecklistItem) ([]schema.ChecklistItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]schema.ChecklistItem, len(items))
	seen := make(map[string]bool, len(items))
	for i, item := range items {
		if item.ID == "" {
			item.ID = fmt.Sprintf("item-%d", i+1)
		}
		if seen[item.ID] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate checklist item %q", item.ID)
		}
		seen[item.ID] = true
		item.Completed = false
		item.CompletedBy = ""
		item.CompletedAt = nil
		out[i] = item
	}
	return out, nil
}

// GetTask returns a task by id.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*schema.Task, error) {
	return m.store.GetTask(ctx, taskID)
}

// ListTasks returns the tasks matching filter in priority order.
func (m *Manager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*schema.Task, error) {
	list, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	SortTasks(list)
	return list, nil
}

// AssignTask assigns an unassigned task to userID.
func (m *Manager) AssignTask(ctx context.Context, taskID, userID string) (*schema.Task, error) {
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assignee is required").WithTask(taskID)
	}
	if err := m.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkOpen(t); err != nil {
			return err
		}
		if t.Assignee != "" {
			return schema.NewErrorf(schema.ErrCodeConflict, "task already assigned to %s", t.Assignee).
				WithDetails(map[string]any{"assignee": t.Assignee})
		}
		t.Assignee = userID
		if t.Status == schema.TaskStatusPending {
			t.Status = schema.TaskStatusAssigned
		}
		fx.emit(m.event(t, schema.EventTaskAssigned, map[string]any{"assignee": userID}))
		fx.touch(userID)
		return nil
	})
}

// ReassignTask moves an open task to another user.
func (m *Manager) ReassignTask(ctx context.Context, taskID, userID, reason string) (*schema.Task, error) {
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "assignee is required").WithTask(taskID)
	}
	if err := m.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkOpen(t); err != nil {
			return err
		}
		if t.Assignee == userID {
			return schema.NewErrorf(schema.ErrCodeConflict, "task already assigned to %s", userID)
		}
		from := t.Assignee
		t.Assignee = userID
		if t.Status == schema.TaskStatusPending {
			t.Status = schema.TaskStatusAssigned
		}
		fx.emit(m.event(t, schema.EventTaskReassigned, map[string]any{
			"from":   from,
			"to":     userID,
			"reason": reason,
		}))
		fx.touch(from, userID)
		return nil
	})
}

// DelegateTask hands an assigned task to another user while recording who
// originally owned it. SLA timers keep running from the original creation time.
func (m *Manager) DelegateTask(ctx context.Context, taskID, delegator, toUser, notes string) (*schema.Task, error) {
	if toUser == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "delegate is required").WithTask(taskID)
	}
	if err := m.checkUser(ctx, toUser); err != nil {
		return nil, err
	}
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkOpen(t); err != nil {
			return err
		}
		if t.Assignee == "" {
			return schema.NewError(schema.ErrCodeInvalidTransition, "only an assigned task can be delegated")
		}
		if t.Assignee == toUser {
			return schema.NewErrorf(schema.ErrCodeConflict, "task already assigned to %s", toUser)
		}
		from := t.Assignee
		original := from
		if t.Delegation != nil {
			original = t.Delegation.OriginalAssignee
		}
		t.Delegation = &schema.Delegation{
			OriginalAssignee: original,
			DelegatedBy:      delegator,
			Notes:            notes,
			At:               m.clock.Now(),
		}
		t.Assignee = toUser
		fx.emit(m.event(t, schema.EventTaskDelegated, map[string]any{
			"from":              from,
			"to":                toUser,
			"original_assignee": original,
			"delegated_by":      delegator,
		}))
		fx.touch(from, toUser)
		return nil
	})
}

// StartTask moves a task to IN_PROGRESS. An unassigned task is claimed by userID.
func (m *Manager) StartTask(ctx context.Context, taskID, userID string) (*schema.Task, error) {
	if err := m.checkUser(ctx, userID); err != nil {
		return nil, err
	}
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkTransition(t, schema.TaskStatusInProgress); err != nil {
			return err
		}
		if t.Assignee == "" {
			if userID == "" {
				return schema.NewError(schema.ErrCodeInvalidTransition, "unassigned task must be claimed by a user")
			}
			t.Assignee = userID
		}
		now := m.clock.Now()
		t.Status = schema.TaskStatusInProgress
		if t.StartedAt == nil {
			t.StartedAt = &now
		}
		id := t.ID
		fx.commit(func() { m.timers.Cancel(responseTimerID(id)) })
		fx.emit(m.event(t, schema.EventTaskStarted, map[string]any{"started_by": userID}))
		fx.touch(t.Assignee)
		return nil
	})
}

// CompleteTask closes a task with its output. Every required checklist item
// must be done first; otherwise CHECKLIST_INCOMPLETE is returned and the task
// is left untouched.
func (m *Manager) CompleteTask(ctx context.Context, taskID, userID string, output map[string]any) (*schema.Task, error) {
	t, err := m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkTransition(t, schema.TaskStatusCompleted); err != nil {
			return err
		}
		if open := t.OpenRequired(); len(open) > 0 {
			return schema.NewErrorf(schema.ErrCodeChecklistIncomplete,
				"required checklist items open: %s", strings.Join(open, ", ")).
				WithDetails(map[string]any{"items": open})
		}
		now := m.clock.Now()
		t.Status = schema.TaskStatusCompleted
		t.CompletedAt = &now
		t.CompletedBy = userID
		t.Output = schema.CloneMap(output)
		// MET and AT_RISK are kept as they stand; only a late finish changes them.
		if t.SLA != nil && t.SLAStatus != schema.SLABreached &&
			t.SLA.ResolutionTime > 0 && now.Sub(t.CreatedAt) > minutes(t.SLA.ResolutionTime) {
			t.SLAStatus = schema.SLABreached
			fx.emit(m.event(t, schema.EventSLABreached, map[string]any{"reason": "resolution_time"}))
		}
		m.clearSLAOnCommit(t.ID, fx)
		fx.emit(m.event(t, schema.EventTaskCompleted, map[string]any{
			"completed_by": userID,
			"output":       schema.CloneMap(output),
			"sla_status":   string(t.SLAStatus),
		}))
		fx.touch(t.Assignee)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.LogWith(logging.WithTaskID(ctx, taskID), m.logger).Info("task completed",
		slog.String("completed_by", userID),
		slog.String("sla_status", string(t.SLAStatus)),
	)
	return t, nil
}

// CancelTask closes an open task without output.
func (m *Manager) CancelTask(ctx context.Context, taskID, reason string) (*schema.Task, error) {
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkTransition(t, schema.TaskStatusCancelled); err != nil {
			return err
		}
		now := m.clock.Now()
		t.Status = schema.TaskStatusCancelled
		t.CancelledAt = &now
		t.CancelReason = reason
		m.clearSLAOnCommit(t.ID, fx)
		fx.emit(m.event(t, schema.EventTaskCancelled, map[string]any{"reason": reason}))
		fx.touch(t.Assignee)
		return nil
	})
}

// UpdatePriority changes the priority of an open task and re-sorts its queue.
func (m *Manager) UpdatePriority(ctx context.Context, taskID string, p schema.Priority) (*schema.Task, error) {
	if !p.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown priority %q", p).WithTask(taskID)
	}
	t, err := m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkOpen(t); err != nil {
			return err
		}
		if t.Priority == p {
			return errSkip
		}
		old := t.Priority
		t.Priority = p
		fx.emit(m.event(t, schema.EventTaskPriorityChanged, map[string]any{
			"old": string(old),
			"new": string(p),
		}))
		return nil
	})
	if errors.Is(err, errSkip) {
		return m.store.GetTask(ctx, taskID)
	}
	return t, err
}

// UpdateChecklistItem marks one checklist item done or not done.
func (m *Manager) UpdateChecklistItem(ctx context.Context, taskID, itemID string, completed bool, userID string) (*schema.Task, error) {
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		if err := checkOpen(t); err != nil {
			return err
		}
		idx := -1
		for i := range t.Checklist {
			if t.Checklist[i].ID == itemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return schema.NewErrorf(schema.ErrCodeNotFound, "checklist item %q not found", itemID)
		}
		item := &t.Checklist[idx]
		item.Completed = completed
		if completed {
			now := m.clock.Now()
			item.CompletedBy = userID
			item.CompletedAt = &now
		} else {
			item.CompletedBy = ""
			item.CompletedAt = nil
		}
		fx.emit(m.event(t, schema.EventTaskChecklistUpdated, map[string]any{
			"item_id":       itemID,
			"completed":     completed,
			"open_required": len(t.OpenRequired()),
		}))
		return nil
	})
}

// AddComment appends a comment. Closed tasks accept comments too.
func (m *Manager) AddComment(ctx context.Context, taskID, userID, text string) (*schema.Task, error) {
	if strings.TrimSpace(text) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "comment text is required").WithTask(taskID)
	}
	return m.update(ctx, taskID, func(t *schema.Task, fx *effects) error {
		c := schema.Comment{ID: uuid.NewString(), UserID: userID, Text: text, At: m.clock.Now()}
		t.Comments = append(t.Comments, c)
		fx.emit(m.event(t, schema.EventTaskCommentAdded, map[string]any{
			"comment_id": c.ID,
			"user_id":    userID,
		}))
		return nil
	})
}

// GetTasksByAssignee returns a user's tasks in priority order.
func (m *Manager) GetTasksByAssignee(ctx context.Context, userID string, q TaskQuery) ([]*schema.Task, error) {
	list, err := m.store.ListTasks(ctx, store.TaskFilter{Assignee: userID, Statuses: q.Statuses})
	if err != nil {
		return nil, err
	}
	SortTasks(list)
	return list, nil
}

// GetPriorityQueue returns the open tasks assigned to userID, highest priority first.
func (m *Manager) GetPriorityQueue(userID string) []*schema.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[userID]
	if q == nil {
		return []*schema.Task{}
	}
	return q.Items()
}

// NextTask returns the head of userID's queue, or nil.
func (m *Manager) NextTask(userID string) *schema.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[userID]; q != nil {
		return q.Peek()
	}
	return nil
}
