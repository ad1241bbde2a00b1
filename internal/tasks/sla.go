package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/pkg/schema"
)

func minutes(n int) time.Duration {
	return time.Duration(n) * time.Minute
}

func slaPrefix(taskID string) string {
	return "sla/" + taskID + "/"
}

func responseTimerID(taskID string) string {
	return slaPrefix(taskID) + "response"
}

func resolutionTimerID(taskID string) string {
	return slaPrefix(taskID) + "resolution"
}

func escalationTimerID(taskID string, idx int) string {
	return fmt.Sprintf("%sescalation/%d", slaPrefix(taskID), idx)
}

// levelNumber is the declared level, or its 1-based position when unset.
func levelNumber(idx int, lvl schema.EscalationLevel) int {
	if lvl.Level > 0 {
		return lvl.Level
	}
	return idx + 1
}

func escalatedAt(t *schema.Task, level int) bool {
	for _, rec := range t.Escalations {
		if rec.Level == level {
			return true
		}
	}
	return false
}

// armSLA schedules the response, resolution and escalation timers of t,
// measured from its creation time. Must be called with m.mu held.
func (m *Manager) armSLA(t *schema.Task) {
	if t.SLA == nil || t.Status.IsTerminal() {
		return
	}
	id := t.ID
	sla := t.SLA
	if sla.ResponseTime > 0 && t.SLAStatus == schema.SLAMet &&
		(t.Status == schema.TaskStatusPending || t.Status == schema.TaskStatusAssigned) {
		m.timers.ScheduleAt(responseTimerID(id), t.CreatedAt.Add(minutes(sla.ResponseTime)), func() {
			m.onResponseDue(id)
		})
	}
	if sla.ResolutionTime > 0 && t.SLAStatus != schema.SLABreached {
		m.timers.ScheduleAt(resolutionTimerID(id), t.CreatedAt.Add(minutes(sla.ResolutionTime)), func() {
			m.onResolutionDue(id)
		})
	}
	for i, lvl := range sla.EscalationLevels {
		if escalatedAt(t, levelNumber(i, lvl)) {
			continue
		}
		m.timers.ScheduleAt(escalationTimerID(id, i), t.CreatedAt.Add(minutes(lvl.TriggerAfter)), func() {
			m.onEscalationDue(id, i)
		})
	}
}

// clearSLAOnCommit cancels every SLA timer of a task once its closing update commits.
func (m *Manager) clearSLAOnCommit(taskID string, fx *effects) {
	fx.commit(func() { m.timers.CancelPrefix(slaPrefix(taskID)) })
}

// slaUpdate runs a timer-driven change. errSkip from fn means the timer is stale.
func (m *Manager) slaUpdate(taskID string, fn func(*schema.Task, *effects) error) {
	ctx := logging.WithTaskID(context.Background(), taskID)
	_, err := m.update(ctx, taskID, fn)
	if err != nil && !errors.Is(err, errSkip) {
		logging.LogWith(ctx, m.logger).Error("sla update failed", slog.String("error", err.Error()))
	}
}

func (m *Manager) onResponseDue(taskID string) {
	m.slaUpdate(taskID, func(t *schema.Task, fx *effects) error {
		if t.Status != schema.TaskStatusPending && t.Status != schema.TaskStatusAssigned {
			return errSkip
		}
		if t.SLAStatus != schema.SLAMet {
			return errSkip
		}
		t.SLAStatus = schema.SLAAtRisk
		fx.emit(m.event(t, schema.EventSLAAtRisk, map[string]any{"response_time": t.SLA.ResponseTime}))
		return nil
	})
}

func (m *Manager) onResolutionDue(taskID string) {
	m.slaUpdate(taskID, func(t *schema.Task, fx *effects) error {
		if t.Status.IsTerminal() || t.SLAStatus == schema.SLABreached {
			return errSkip
		}
		t.SLAStatus = schema.SLABreached
		fx.emit(m.event(t, schema.EventSLABreached, map[string]any{
			"reason":          "resolution_time",
			"resolution_time": t.SLA.ResolutionTime,
		}))
		return nil
	})
}

// onEscalationDue fires escalation level idx. The reassignment target and
// notification recipients are resolved before the store update.
func (m *Manager) onEscalationDue(taskID string, idx int) {
	ctx := logging.WithTaskID(context.Background(), taskID)
	log := logging.LogWith(ctx, m.logger)

	fx := &effects{}
	m.mu.Lock()
	cur, err := m.store.GetTask(ctx, taskID)
	if err != nil || cur.Status.IsTerminal() || cur.SLA == nil || idx >= len(cur.SLA.EscalationLevels) {
		m.mu.Unlock()
		return
	}
	lvl := cur.SLA.EscalationLevels[idx]
	level := levelNumber(idx, lvl)
	var target string
	if slices.Contains(lvl.Actions, schema.ActionReassign) {
		target = m.escalationTarget(ctx, cur, lvl)
	}
	var recipients []string
	if slices.Contains(lvl.Actions, schema.ActionNotifyManager) {
		recipients = m.escalationRecipients(ctx, cur, lvl)
	}

	t, err := m.updateLocked(ctx, taskID, fx, func(t *schema.Task, fx *effects) error {
		if t.Status.IsTerminal() || escalatedAt(t, level) {
			return errSkip
		}
		rec := schema.EscalationRecord{
			ID:       uuid.NewString(),
			Level:    level,
			Actions:  append([]schema.EscalationAction(nil), lvl.Actions...),
			FromUser: t.Assignee,
			At:       m.clock.Now(),
		}
		wasBreached := t.SLAStatus == schema.SLABreached
		t.Status = schema.TaskStatusEscalated
		t.SLAStatus = schema.SLABreached

		for _, action := range lvl.Actions {
			switch action {
			case schema.ActionIncreasePriority:
				old := t.Priority
				t.Priority = old.Next()
				rec.OldPriority, rec.NewPriority = old, t.Priority
				if old != t.Priority {
					fx.emit(m.event(t, schema.EventTaskPriorityChanged, map[string]any{
						"old":    string(old),
						"new":    string(t.Priority),
						"reason": "escalation",
					}))
				}
			case schema.ActionReassign:
				if target == "" || target == t.Assignee {
					continue
				}
				from := t.Assignee
				t.Assignee = target
				rec.ToUser = target
				fx.emit(m.event(t, schema.EventTaskReassigned, map[string]any{
					"from":   from,
					"to":     target,
					"reason": "escalation",
				}))
				fx.touch(from, target)
			case schema.ActionNotifyManager:
				fx.notes = append(fx.notes, notify.Notification{
					Event:      schema.EventTaskEscalated,
					Recipients: recipients,
					Template:   lvl.NotificationTemplate,
					InstanceID: t.InstanceID,
					TaskID:     t.ID,
					Variables: map[string]any{
						"task_id":  t.ID,
						"title":    t.Title,
						"level":    level,
						"assignee": t.Assignee,
						"priority": string(t.Priority),
					},
				})
			}
		}
		t.Escalations = append(t.Escalations, rec)
		fx.emit(m.event(t, schema.EventTaskEscalated, map[string]any{
			"level":     level,
			"actions":   actionNames(lvl.Actions),
			"from_user": rec.FromUser,
			"to_user":   rec.ToUser,
		}))
		if !wasBreached {
			fx.emit(m.event(t, schema.EventSLABreached, map[string]any{
				"reason": "escalation",
				"level":  level,
			}))
		}
		fx.touch(t.Assignee)
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		if !errors.Is(err, errSkip) {
			log.Error("escalation failed", slog.Int("level", level), slog.String("error", err.Error()))
		}
		return
	}
	m.flush(ctx, fx)
	log.Warn("task escalated",
		slog.Int("level", level),
		slog.String("assignee", t.Assignee),
		slog.String("priority", string(t.Priority)),
	)
}

// escalationTarget picks the least-utilized candidate of a REASSIGN level,
// preferring someone other than the current assignee.
func (m *Manager) escalationTarget(ctx context.Context, t *schema.Task, lvl schema.EscalationLevel) string {
	candidates := lvl.EscalateTo
	if m.identity != nil {
		expanded, err := identity.ExpandCandidates(ctx, m.identity, lvl.EscalateTo)
		if err != nil {
			m.logger.Warn("escalation candidates unresolved", slog.String("task_id", t.ID), slog.String("error", err.Error()))
			return ""
		}
		candidates = expanded
	}
	if others := slices.DeleteFunc(slices.Clone(candidates), func(u string) bool { return u == t.Assignee }); len(others) > 0 {
		candidates = others
	}
	if len(candidates) == 0 {
		return ""
	}
	target, err := m.FindLeastLoadedUser(ctx, candidates)
	if err != nil {
		m.logger.Warn("escalation target lookup failed", slog.String("task_id", t.ID), slog.String("error", err.Error()))
		return ""
	}
	return target
}

// escalationRecipients are the assignee's manager plus the level's escalate_to users.
func (m *Manager) escalationRecipients(ctx context.Context, t *schema.Task, lvl schema.EscalationLevel) []string {
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}
	if m.identity == nil {
		add(lvl.EscalateTo...)
		return out
	}
	if t.Assignee != "" {
		if mgr, err := m.identity.Manager(ctx, t.Assignee); err == nil {
			add(mgr)
		}
	}
	if expanded, err := identity.ExpandCandidates(ctx, m.identity, lvl.EscalateTo); err == nil {
		add(expanded...)
	} else {
		add(lvl.EscalateTo...)
	}
	return out
}

func actionNames(actions []schema.EscalationAction) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}
