package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// run is the in-memory state of one live instance. Every field below mu is
// guarded by it, and every change to inst goes through the store first, so
// inst is always the last persisted snapshot. Node handlers run without the
// lock.
type run struct {
	id    string
	graph *Graph

	mu        sync.Mutex
	inst      *schema.WorkflowInstance
	execs     map[string]*schema.NodeExecution // latest execution per node
	completed map[string]bool
	awaiting  map[string]bool // nodes suspended on a task, approval or timer
	active    int             // callers currently driving the instance
	events    []schema.Event  // published once the lock is released
}

func newRun(inst *schema.WorkflowInstance, g *Graph) *run {
	return &run{
		id:        inst.ID,
		graph:     g,
		inst:      inst,
		execs:     make(map[string]*schema.NodeExecution),
		completed: make(map[string]bool),
		awaiting:  make(map[string]bool),
	}
}

func (r *run) emit(ev schema.Event) {
	r.events = append(r.events, ev)
}

// barrierMet reports whether every predecessor of a JOIN has completed.
func (r *run) barrierMet(nodeID string) bool {
	for _, src := range r.graph.Predecessors(nodeID) {
		if !r.completed[src] {
			return false
		}
	}
	return true
}

// consumeBarrier clears the predecessor completions a JOIN fired on.
func (r *run) consumeBarrier(nodeID string) {
	for _, src := range r.graph.Predecessors(nodeID) {
		delete(r.completed, src)
	}
}

func (r *run) allAwaiting() bool {
	for _, id := range r.inst.CurrentNodes {
		if !r.awaiting[id] {
			return false
		}
	}
	return len(r.inst.CurrentNodes) > 0
}

// scope snapshots the data visible to expressions, with extra layered over
// the instance variables.
func (r *run) scope(output, extra map[string]any) expressions.Scope {
	r.mu.Lock()
	defer r.mu.Unlock()
	vars := schema.CloneMap(r.inst.Variables)
	if vars == nil {
		vars = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		vars[k] = v
	}
	return expressions.Scope{
		Variables: vars,
		Context:   contextMap(r.inst.Context),
		Output:    output,
	}
}

func contextMap(c schema.InstanceContext) map[string]any {
	links := make(map[string]any, len(c.Links))
	for k, v := range c.Links {
		links[k] = v
	}
	return map[string]any{
		"initiator":      c.Initiator,
		"correlation_id": c.CorrelationID,
		"links":          links,
	}
}

// withRun runs fn under the run lock and publishes the events it queued
// after unlocking.
func (e *Engine) withRun(ctx context.Context, r *run, fn func() error) error {
	r.mu.Lock()
	err := fn()
	events := r.events
	r.events = nil
	r.mu.Unlock()

	e.publish(ctx, events)
	return err
}

// mutate persists a change to the instance. r.mu must be held; fn runs
// inside the store's read-modify-write.
func (e *Engine) mutate(ctx context.Context, r *run, fn func(*schema.WorkflowInstance) error) error {
	inst, err := e.store.UpdateInstance(ctx, r.id, func(i *schema.WorkflowInstance) error {
		if err := fn(i); err != nil {
			return err
		}
		i.UpdatedAt = e.clock.Now()
		return nil
	})
	if err != nil {
		return err
	}
	r.inst = inst
	return nil
}

func (e *Engine) saveExec(ctx context.Context, exec *schema.NodeExecution) error {
	return e.store.SaveExecution(ctx, exec.Clone())
}

// setStatus moves a live instance between RUNNING and WAITING. r.mu must be held.
func (e *Engine) setStatus(ctx context.Context, r *run, to schema.InstanceStatus) error {
	if err := e.mutate(ctx, r, func(i *schema.WorkflowInstance) error {
		return transitionInstance(i, to)
	}); err != nil {
		return err
	}
	r.emit(e.instanceEvent(r, instanceEventType(to), map[string]any{
		"current_nodes": append([]string(nil), r.inst.CurrentNodes...),
	}))
	e.logger.Info("workflow "+string(to), slog.String("instance_id", r.id))
	return nil
}

// enterLocked registers a caller that is about to drive the instance and
// resumes it if it was waiting. r.mu must be held.
func (e *Engine) enterLocked(ctx context.Context, r *run) {
	r.active++
	if r.inst.Status == schema.InstanceStatusWaiting {
		if err := e.setStatus(ctx, r, schema.InstanceStatusRunning); err != nil {
			e.logger.Error("resume instance", slog.String("instance_id", r.id), slog.String("error", err.Error()))
		}
	}
}

// leave unregisters a caller. The last one out settles the instance: WAITING
// when every current node is suspended, FAILED when no path is left.
func (e *Engine) leave(ctx context.Context, r *run) {
	var orphans []string
	_ = e.withRun(ctx, r, func() error {
		r.active--
		if r.active > 0 || r.inst.Status.IsTerminal() {
			return nil
		}
		if len(r.inst.CurrentNodes) == 0 {
			var err error
			orphans, err = e.finish(ctx, r, schema.InstanceStatusFailed, &schema.InstanceError{
				Code:    schema.ErrCodeExecution,
				Message: "no path forward: every branch ended without reaching an END node",
				At:      e.clock.Now(),
			})
			return err
		}
		if r.inst.Status == schema.InstanceStatusRunning && r.allAwaiting() {
			return e.setStatus(ctx, r, schema.InstanceStatusWaiting)
		}
		return nil
	})
	e.cancelTasks(ctx, orphans, "workflow ended")
}

// finish moves the instance to a terminal status, closes open executions,
// stops its timers and returns the ids of tasks that must be cancelled.
// r.mu must be held.
func (e *Engine) finish(ctx context.Context, r *run, to schema.InstanceStatus, instErr *schema.InstanceError) ([]string, error) {
	now := e.clock.Now()
	if err := e.mutate(ctx, r, func(i *schema.WorkflowInstance) error {
		if err := transitionInstance(i, to); err != nil {
			return err
		}
		i.CompletedAt = &now
		i.DurationMs = now.Sub(i.StartedAt).Milliseconds()
		i.Error = instErr
		i.CurrentNodes = []string{}
		return nil
	}); err != nil {
		e.logger.Error("finish instance",
			slog.String("instance_id", r.id), slog.String("status", string(to)), slog.String("error", err.Error()))
		return nil, err
	}

	e.timers.CancelPrefix(waitPrefix(r.id))
	e.timers.CancelPrefix(retryPrefix(r.id))

	var orphans []string
	for nodeID, exec := range r.execs {
		if exec.Status != schema.ExecutionStatusRunning && exec.Status != schema.ExecutionStatusRetrying {
			continue
		}
		if r.awaiting[nodeID] && exec.TaskID != "" {
			orphans = append(orphans, exec.TaskID)
		}
		_ = transitionExecution(exec, schema.ExecutionStatusFailed)
		exec.CompletedAt = &now
		if exec.Error == "" {
			exec.Error = "instance " + string(to)
		}
		if err := e.saveExec(ctx, exec); err != nil {
			e.logger.Warn("close execution", slog.String("instance_id", r.id), slog.String("node_id", nodeID), slog.String("error", err.Error()))
		}
	}
	r.awaiting = make(map[string]bool)

	payload := map[string]any{"duration_ms": r.inst.DurationMs}
	switch to {
	case schema.InstanceStatusCompleted:
		payload["variables"] = schema.CloneMap(r.inst.Variables)
		e.logger.Info("workflow completed", slog.String("instance_id", r.id), slog.Int64("duration_ms", r.inst.DurationMs))
	case schema.InstanceStatusCancelled:
		payload["reason"] = instErr.Message
		e.logger.Info("workflow cancelled", slog.String("instance_id", r.id), slog.String("reason", instErr.Message))
	default:
		payload["node_id"] = instErr.NodeID
		payload["code"] = instErr.Code
		payload["message"] = instErr.Message
		if instErr.Stack != "" {
			payload["stack"] = instErr.Stack
		}
		e.logger.Error("workflow failed",
			slog.String("instance_id", r.id),
			slog.String("node_id", instErr.NodeID),
			slog.String("code", instErr.Code),
			slog.String("error", instErr.Message))
	}
	r.emit(e.instanceEvent(r, instanceEventType(to), payload))

	e.forget(r)
	return orphans, nil
}

// cancelTasks cancels tasks left open by a terminated instance.
func (e *Engine) cancelTasks(ctx context.Context, ids []string, reason string) {
	if e.tasks == nil {
		return
	}
	for _, id := range ids {
		if _, err := e.tasks.CancelTask(ctx, id, reason); err != nil && !schema.IsCode(err, schema.ErrCodeInvalidTransition) {
			e.logger.Warn("cancel task", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}
}

// lookup returns the live run of an instance, loading it from the store
// when this engine has not seen it yet.
func (e *Engine) lookup(ctx context.Context, id string) (*run, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		return r, nil
	}

	inst, err := e.store.GetInstance(ctx, id)
	if err != nil {
		return nil, err
	}
	def, err := e.store.GetDefinitionVersion(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		return nil, err
	}
	g, err := e.graph(def)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.ListExecutions(ctx, id)
	if err != nil {
		return nil, err
	}

	r = newRun(inst, g)
	// Executions come back in start order; replaying them rebuilds the
	// completion flags the JOIN barriers see.
	for _, x := range execs {
		r.execs[x.NodeID] = x
		if n := g.Nodes[x.NodeID]; n != nil && n.Type == schema.NodeTypeJoin {
			r.consumeBarrier(x.NodeID)
		}
		if x.Status == schema.ExecutionStatusCompleted {
			r.completed[x.NodeID] = true
		} else {
			delete(r.completed, x.NodeID)
		}
	}
	for _, nodeID := range inst.CurrentNodes {
		x, n := r.execs[nodeID], g.Nodes[nodeID]
		if x != nil && n != nil && x.Status == schema.ExecutionStatusRunning && suspends(n.Type) {
			r.awaiting[nodeID] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.runs[id]; ok {
		return existing, nil
	}
	if !inst.Status.IsTerminal() {
		e.runs[id] = r
	}
	return r, nil
}

// forget drops a terminated run. Lock order is run then engine.
func (e *Engine) forget(r *run) {
	e.mu.Lock()
	if e.runs[r.id] == r {
		delete(e.runs, r.id)
	}
	e.mu.Unlock()
}

func suspends(t schema.NodeType) bool {
	return t == schema.NodeTypeTask || t == schema.NodeTypeApproval || t == schema.NodeTypeWait
}

func waitPrefix(instanceID string) string  { return "wait/" + instanceID + "/" }
func retryPrefix(instanceID string) string { return "retry/" + instanceID + "/" }

func waitTimerID(instanceID, nodeID string) string  { return waitPrefix(instanceID) + nodeID }
func retryTimerID(instanceID, nodeID string) string { return retryPrefix(instanceID) + nodeID }
