package tasks

import (
	"context"
	"sort"
	"time"

	"github.com/rendis/taskflow/internal/identity"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// GetUserWorkload derives the workload of one user from their tasks.
func (m *Manager) GetUserWorkload(ctx context.Context, userID string) (*schema.UserWorkload, error) {
	list, err := m.store.ListTasks(ctx, store.TaskFilter{Assignee: userID})
	if err != nil {
		return nil, err
	}
	return computeWorkload(userID, list, m.clock.Now(), m.cfg.DailyCapacityMinutes), nil
}

// computeWorkload counts open work and averages completion time. Utilization
// is open estimated minutes over the daily capacity.
func computeWorkload(userID string, list []*schema.Task, now time.Time, capacity int) *schema.UserWorkload {
	wl := &schema.UserWorkload{UserID: userID}
	var total time.Duration
	for _, t := range list {
		switch t.Status {
		case schema.TaskStatusAssigned, schema.TaskStatusPending, schema.TaskStatusEscalated:
			wl.Assigned++
		case schema.TaskStatusInProgress:
			wl.InProgress++
		case schema.TaskStatusCompleted:
			wl.Completed++
			if t.CompletedAt != nil {
				total += t.CompletedAt.Sub(t.CreatedAt)
			}
		}
		if t.IsOverdue(now) {
			wl.Overdue++
		}
		if !t.Status.IsTerminal() {
			wl.OpenEstimatedMinutes += t.EstimatedMinutes
		}
	}
	if wl.Completed > 0 {
		wl.AvgCompletionMinutes = total.Minutes() / float64(wl.Completed)
	}
	if capacity > 0 {
		wl.Utilization = float64(wl.OpenEstimatedMinutes) / float64(capacity)
	}
	return wl
}

// FindLeastLoadedUser returns the candidate with the lowest utilization.
// Ties go to the earlier candidate.
func (m *Manager) FindLeastLoadedUser(ctx context.Context, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", schema.NewError(schema.ErrCodeValidation, "no candidates to choose from")
	}
	type load struct {
		user string
		util float64
		open int
	}
	loads := make([]load, 0, len(candidates))
	for _, u := range candidates {
		wl, err := m.GetUserWorkload(ctx, u)
		if err != nil {
			return "", err
		}
		loads = append(loads, load{user: u, util: wl.Utilization, open: wl.Assigned + wl.InProgress})
	}
	sort.SliceStable(loads, func(i, j int) bool {
		if loads[i].util != loads[j].util {
			return loads[i].util < loads[j].util
		}
		return loads[i].open < loads[j].open
	})
	return loads[0].user, nil
}

// AssignLoadBalanced assigns (or reassigns) a task to the least-loaded candidate.
// Candidates may name users, roles or groups when a directory is configured.
func (m *Manager) AssignLoadBalanced(ctx context.Context, taskID string, candidates []string) (*schema.Task, error) {
	if m.identity != nil {
		expanded, err := identity.ExpandCandidates(ctx, m.identity, candidates)
		if err != nil {
			return nil, err
		}
		candidates = expanded
	}
	user, err := m.FindLeastLoadedUser(ctx, candidates)
	if err != nil {
		return nil, err
	}
	t, err := m.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Assignee == user {
		return t, nil
	}
	if t.Assignee != "" {
		return m.ReassignTask(ctx, taskID, user, "load_balanced")
	}
	return m.AssignTask(ctx, taskID, user)
}

// GetTaskMetrics summarizes the tasks matching filter.
func (m *Manager) GetTaskMetrics(ctx context.Context, filter store.TaskFilter) (*schema.TaskMetrics, error) {
	list, err := m.store.ListTasks(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now()
	out := &schema.TaskMetrics{
		ByStatus:   make(map[schema.TaskStatus]int),
		ByPriority: make(map[schema.Priority]int),
		SLA:        make(map[schema.SLAStatus]int),
	}
	var total time.Duration
	completed := 0
	for _, t := range list {
		out.Total++
		out.ByStatus[t.Status]++
		out.ByPriority[t.Priority]++
		out.SLA[t.SLAStatus]++
		if t.IsOverdue(now) {
			out.Overdue++
		}
		if len(t.Escalations) > 0 {
			out.Escalated++
		}
		if t.Status == schema.TaskStatusCompleted && t.CompletedAt != nil {
			total += t.CompletedAt.Sub(t.CreatedAt)
			completed++
		}
	}
	if completed > 0 {
		out.AvgCompletionMinutes = total.Minutes() / float64(completed)
	}
	return out, nil
}
