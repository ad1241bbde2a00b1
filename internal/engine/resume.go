package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/pkg/schema"
)

// CompleteTask resumes a suspended TASK, APPROVAL or WAIT node. output is
// merged into the instance variables and execution continues from the node.
// The returned instance is a snapshot taken once every path suspended again
// or the instance terminated.
func (e *Engine) CompleteTask(ctx context.Context, instanceID, nodeID string, output map[string]any) (*schema.WorkflowInstance, error) {
	r, n, err := e.suspended(ctx, instanceID, nodeID)
	if err != nil {
		return nil, err
	}
	return e.resumeRun(ctx, r, n, "", output, output)
}

// Approve resumes an APPROVAL node with a decision, stored under the node's
// decision variable.
func (e *Engine) Approve(ctx context.Context, instanceID, nodeID string, approved bool, comment string) (*schema.WorkflowInstance, error) {
	r, n, err := e.suspended(ctx, instanceID, nodeID)
	if err != nil {
		return nil, err
	}
	if n.Type != schema.NodeTypeApproval {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s is %s, not APPROVAL", nodeID, n.Type).WithNode(nodeID)
	}
	cfg, err := schema.DecodeConfig[schema.ApprovalConfig](*n)
	if err != nil {
		return nil, err
	}
	output := map[string]any{"approved": approved, "comment": comment}
	vars := map[string]any{decisionVariable(cfg): approved}
	return e.resumeRun(ctx, r, n, "", output, vars)
}

func (e *Engine) suspended(ctx context.Context, instanceID, nodeID string) (*run, *schema.Node, error) {
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}
	n, err := r.graph.Node(nodeID)
	if err != nil {
		return nil, nil, err
	}
	return r, n, nil
}

// resumeRun claims an awaiting node and drives it to completion. A non-empty
// taskID must match the task the node is waiting on.
func (e *Engine) resumeRun(ctx context.Context, r *run, n *schema.Node, taskID string, output, vars map[string]any) (*schema.WorkflowInstance, error) {
	err := e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"instance %s is %s", r.id, r.inst.Status).WithNode(n.ID)
		}
		if !r.awaiting[n.ID] {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"node %s of instance %s is not waiting for completion", n.ID, r.id).WithNode(n.ID)
		}
		if exec := r.execs[n.ID]; taskID != "" && exec != nil && exec.TaskID != taskID {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"node %s is waiting on task %s, not %s", n.ID, exec.TaskID, taskID).WithNode(n.ID).WithTask(taskID)
		}
		delete(r.awaiting, n.ID)
		e.timers.Cancel(waitTimerID(r.id, n.ID))
		e.enterLocked(ctx, r)
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.LogWith(logging.WithNodeID(logging.WithInstanceID(ctx, r.id), n.ID), e.logger).Info("node resumed")
	e.proceed(ctx, r, n, schema.CloneMap(output), schema.CloneMap(vars), nil)
	e.leave(ctx, r)
	return e.store.GetInstance(ctx, r.id)
}

// AbortNode fails an awaiting node with cause, as if its handler had
// returned it. The node's retry policy applies. Aborting a node of a
// terminated instance is a no-op.
func (e *Engine) AbortNode(ctx context.Context, instanceID, nodeID string, cause error) error {
	r, n, err := e.suspended(ctx, instanceID, nodeID)
	if err != nil {
		return err
	}
	err = e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return errSkip
		}
		if !r.awaiting[n.ID] {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"node %s of instance %s is not waiting for completion", n.ID, r.id).WithNode(n.ID)
		}
		delete(r.awaiting, n.ID)
		e.timers.Cancel(waitTimerID(r.id, n.ID))
		e.enterLocked(ctx, r)
		return nil
	})
	if errors.Is(err, errSkip) {
		return nil
	}
	if err != nil {
		return err
	}
	e.fail(ctx, r, n, cause)
	e.leave(ctx, r)
	return nil
}

// CancelWorkflow terminates an instance. Pending timers are stopped, open
// executions are closed and tasks the instance was waiting on are cancelled.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, reason string) (*schema.WorkflowInstance, error) {
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled"
	}

	var orphans []string
	err = e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"instance %s is already %s", r.id, r.inst.Status)
		}
		var err error
		orphans, err = e.finish(ctx, r, schema.InstanceStatusCancelled, &schema.InstanceError{
			Code:    schema.ErrCodeCancelled,
			Message: reason,
			At:      e.clock.Now(),
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	e.cancelTasks(ctx, orphans, reason)
	return e.store.GetInstance(ctx, instanceID)
}

// fireWait resumes a WAIT node whose timer fired.
func (e *Engine) fireWait(instanceID, nodeID string) {
	ctx := logging.WithInstanceID(context.Background(), instanceID)
	r, n, err := e.suspended(ctx, instanceID, nodeID)
	if err != nil {
		e.logger.Warn("wait lookup", slog.String("instance_id", instanceID), slog.String("error", err.Error()))
		return
	}
	output := map[string]any{"resumed_at": e.clock.Now().UTC().Format(time.RFC3339)}
	if _, err := e.resumeRun(ctx, r, n, "", output, nil); err != nil &&
		!schema.IsCode(err, schema.ErrCodeConflict) && !schema.IsCode(err, schema.ErrCodeInvalidTransition) {
		e.logger.Warn("wait resume", slog.String("instance_id", instanceID), slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
}

// Restore reloads every RUNNING and WAITING instance from the store, re-arms
// retry and wait timers and re-runs nodes that were executing when the
// previous process stopped. It returns the number of instances restored.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	var live []*schema.WorkflowInstance
	for _, st := range []schema.InstanceStatus{schema.InstanceStatusRunning, schema.InstanceStatusWaiting} {
		status := st
		list, err := e.store.ListInstances(ctx, store.InstanceFilter{Status: &status})
		if err != nil {
			return 0, err
		}
		live = append(live, list...)
	}

	restored := 0
	for _, inst := range live {
		r, err := e.lookup(ctx, inst.ID)
		if err != nil {
			e.logger.Warn("restore instance", slog.String("instance_id", inst.ID), slog.String("error", err.Error()))
			continue
		}
		restored++

		type pending struct {
			node    *schema.Node
			attempt int
		}
		var rerun []pending
		_ = e.withRun(ctx, r, func() error {
			for nodeID, exec := range r.execs {
				n := r.graph.Nodes[nodeID]
				if n == nil {
					continue
				}
				instanceID, nid := r.id, nodeID
				switch {
				case exec.Status == schema.ExecutionStatusRetrying:
					e.timers.Schedule(retryTimerID(instanceID, nid), ComputeBackoff(n.Retry, exec.Attempts), func() {
						e.fireRetry(instanceID, nid)
					})
				case exec.Status != schema.ExecutionStatusRunning:
				case r.awaiting[nodeID] && n.Type == schema.NodeTypeWait:
					until, err := waitUntil(n, exec.StartedAt)
					if err != nil {
						continue
					}
					e.timers.ScheduleAt(waitTimerID(instanceID, nid), until, func() {
						e.fireWait(instanceID, nid)
					})
				case !r.awaiting[nodeID]:
					r.active++
					rerun = append(rerun, pending{node: n, attempt: exec.Attempts + 1})
				}
			}
			return nil
		})
		for _, p := range rerun {
			e.logger.Info("re-running interrupted node", slog.String("instance_id", r.id), slog.String("node_id", p.node.ID))
			e.attempt(ctx, r, p.node, p.attempt)
			e.leave(ctx, r)
		}
	}
	e.logger.Info("instances restored", slog.Int("count", restored))
	return restored, nil
}

// ResumeOnTaskCompletion subscribes the engine to a task hub: completing a
// task resumes the node that created it, cancelling one fails that node.
// The returned func removes the subscriptions.
func (e *Engine) ResumeOnTaskCompletion(hub streaming.EventHub) (stop func()) {
	completed := hub.On(schema.EventTaskCompleted, func(ev schema.Event) {
		if ev.InstanceID == "" || ev.NodeID == "" {
			return
		}
		ctx := logging.WithTaskID(logging.WithInstanceID(context.Background(), ev.InstanceID), ev.TaskID)
		r, n, err := e.suspended(ctx, ev.InstanceID, ev.NodeID)
		if err != nil {
			e.logger.Warn("task completion lookup", slog.String("task_id", ev.TaskID), slog.String("error", err.Error()))
			return
		}
		vars, _ := ev.Payload["output"].(map[string]any)
		out := schema.CloneMap(vars)
		if out == nil {
			out = make(map[string]any, 2)
		}
		out["task_id"] = ev.TaskID
		if by, ok := ev.Payload["completed_by"]; ok {
			out["completed_by"] = by
		}
		if n.Type == schema.NodeTypeApproval {
			if v, ok := vars["approved"]; ok {
				cfg, _ := schema.DecodeConfig[schema.ApprovalConfig](*n)
				vars = schema.CloneMap(vars)
				vars[decisionVariable(cfg)] = v
			}
		}
		if _, err := e.resumeRun(ctx, r, n, ev.TaskID, out, vars); err != nil {
			e.logger.Warn("resume on task completion",
				slog.String("instance_id", ev.InstanceID),
				slog.String("node_id", ev.NodeID),
				slog.String("task_id", ev.TaskID),
				slog.String("error", err.Error()))
		}
	})

	cancelled := hub.On(schema.EventTaskCancelled, func(ev schema.Event) {
		if ev.InstanceID == "" || ev.NodeID == "" {
			return
		}
		ctx := logging.WithTaskID(logging.WithInstanceID(context.Background(), ev.InstanceID), ev.TaskID)
		reason, _ := ev.Payload["reason"].(string)
		cause := schema.NewErrorf(schema.ErrCodeCancelled, "task %s cancelled: %s", ev.TaskID, reason).
			WithNode(ev.NodeID).WithTask(ev.TaskID)
		if err := e.AbortNode(ctx, ev.InstanceID, ev.NodeID, cause); err != nil && !schema.IsCode(err, schema.ErrCodeConflict) {
			e.logger.Warn("abort on task cancellation",
				slog.String("instance_id", ev.InstanceID),
				slog.String("node_id", ev.NodeID),
				slog.String("error", err.Error()))
		}
	})

	return func() {
		hub.Off(completed)
		hub.Off(cancelled)
	}
}
