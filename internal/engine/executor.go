package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/pkg/schema"
)

// nodeResult is what a node handler hands back to the executor.
type nodeResult struct {
	output map[string]any
	vars   map[string]any // merged into the instance variables on completion
	await  *await         // set when the node suspends
	events []schema.Event // published with the completion or suspension
}

// await describes what a suspended node is waiting for.
type await struct {
	taskID   string
	assignee string
	until    time.Time // WAIT nodes only
}

// execute begins n and drives it until it suspends, fails or hands off to
// its successors.
func (e *Engine) execute(ctx context.Context, r *run, n *schema.Node) {
	exec, ok := e.begin(ctx, r, n)
	if !ok {
		return
	}
	e.attempt(ctx, r, n, exec.Attempts+1)
}

// begin records a new RUNNING execution of n. A JOIN whose barrier is not yet
// met records nothing; the last predecessor to complete runs it and consumes
// the predecessor completions, so a loop back through the fan-out arms it again.
func (e *Engine) begin(ctx context.Context, r *run, n *schema.Node) (*schema.NodeExecution, bool) {
	var exec *schema.NodeExecution
	err := e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return errSkip
		}
		if n.Type == schema.NodeTypeJoin {
			if !r.barrierMet(n.ID) {
				e.logger.Debug("join barrier not met",
					slog.String("instance_id", r.id), slog.String("node_id", n.ID))
				return errSkip
			}
		}

		input, err := json.Marshal(r.inst.Variables)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "snapshot variables").WithNode(n.ID).WithCause(err)
		}
		exec = &schema.NodeExecution{
			ID:         uuid.NewString(),
			InstanceID: r.id,
			NodeID:     n.ID,
			NodeType:   n.Type,
			Status:     schema.ExecutionStatusRunning,
			Input:      input,
			StartedAt:  e.clock.Now(),
		}
		if err := e.saveExec(ctx, exec); err != nil {
			return err
		}
		r.execs[n.ID] = exec
		if n.Type == schema.NodeTypeJoin {
			r.consumeBarrier(n.ID)
		}
		delete(r.completed, n.ID)
		if err := e.mutate(ctx, r, func(i *schema.WorkflowInstance) error {
			i.AddCurrent(n.ID)
			return nil
		}); err != nil {
			return err
		}
		r.emit(e.nodeEvent(r, n.ID, executionEventType(schema.ExecutionStatusRunning), map[string]any{
			"type":    string(n.Type),
			"attempt": 1,
		}))
		return nil
	})
	if err != nil {
		e.logSkip(r, n.ID, "begin node", err)
		return nil, false
	}
	return exec, true
}

// attempt runs the handler of n once and routes the outcome.
func (e *Engine) attempt(ctx context.Context, r *run, n *schema.Node, attempt int) {
	res, err := e.invoke(ctx, r, n, attempt)
	switch {
	case err != nil:
		e.fail(ctx, r, n, err)
	case res.await != nil:
		e.suspend(ctx, r, n, res)
	default:
		e.proceed(ctx, r, n, res.output, res.vars, res.events)
	}
}

// invoke calls the node handler inside a span, with the node timeout applied
// and panics converted into EXECUTION_ERRORs.
func (e *Engine) invoke(ctx context.Context, r *run, n *schema.Node, attempt int) (res *nodeResult, err error) {
	ctx = logging.WithNodeID(logging.WithInstanceID(ctx, r.id), n.ID)
	ctx, span := e.tracer.Start(ctx, "taskflow.node "+string(n.Type), trace.WithAttributes(
		attribute.String("taskflow.instance_id", r.id),
		attribute.String("taskflow.node_id", n.ID),
		attribute.Int("taskflow.attempt", attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if n.Timeout != "" {
		if d, perr := time.ParseDuration(n.Timeout); perr == nil && d > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	defer func() {
		if p := recover(); p != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "node panicked: %v", p).
				WithNode(n.ID).
				WithStack(string(goerrors.Wrap(p, 2).Stack()))
		}
	}()

	logging.LogWith(ctx, e.logger).Debug("dispatch node", slog.String("type", string(n.Type)), slog.Int("attempt", attempt))
	res, err = e.dispatch(ctx, r, n)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = context.DeadlineExceeded
	}
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !schema.IsCode(err, schema.ErrCodeTimeout) {
		err = schema.NewErrorf(schema.ErrCodeTimeout, "node %s timed out after %s", n.ID, n.Timeout).WithNode(n.ID).WithCause(err)
	}
	if err != nil {
		return nil, withNode(err, n.ID)
	}
	if res == nil {
		res = &nodeResult{}
	}
	return res, nil
}

// suspend parks n until CompleteTask, Approve or its wait timer resumes it.
func (e *Engine) suspend(ctx context.Context, r *run, n *schema.Node, res *nodeResult) {
	var orphan string
	err := e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			orphan = res.await.taskID
			return errSkip
		}
		exec := r.execs[n.ID]
		exec.TaskID = res.await.taskID
		exec.Assignee = res.await.assignee
		if err := e.saveExec(ctx, exec); err != nil {
			return err
		}
		r.awaiting[n.ID] = true
		if !res.await.until.IsZero() {
			instanceID, nodeID := r.id, n.ID
			e.timers.ScheduleAt(waitTimerID(instanceID, nodeID), res.await.until, func() {
				e.fireWait(instanceID, nodeID)
			})
		}
		for _, ev := range res.events {
			r.emit(ev)
		}
		return nil
	})
	e.logSkip(r, n.ID, "suspend node", err)
	if orphan != "" {
		e.cancelTasks(ctx, []string{orphan}, "workflow no longer running")
	}
}

// proceed completes n with its output and follows its outgoing edges.
func (e *Engine) proceed(ctx context.Context, r *run, n *schema.Node, output, vars map[string]any, events []schema.Event) {
	if len(n.OutputMapping) > 0 {
		mapped, err := e.mapper.Apply(ctx, n.OutputMapping, output)
		if err != nil {
			e.fail(ctx, r, n, err)
			return
		}
		if vars == nil {
			vars = make(map[string]any, len(mapped))
		}
		for k, v := range mapped {
			vars[k] = v
		}
	}

	next, err := e.route(ctx, r, n, output, vars)
	if err != nil {
		e.fail(ctx, r, n, err)
		return
	}
	if n.Type == schema.NodeTypeDecision && len(next) == 1 {
		output = map[string]any{"branch": next[0].ID, "target": next[0].Target}
	}

	if !e.complete(ctx, r, n, output, vars, events) {
		return
	}
	e.advance(ctx, r, n, next)
}

// route picks the edges to follow after n. DECISION takes the first edge
// whose condition holds, or its default edge. PARALLEL takes its declared
// branches. Every other node follows all edges whose condition holds.
func (e *Engine) route(ctx context.Context, r *run, n *schema.Node, output, vars map[string]any) ([]schema.Edge, error) {
	if n.Type == schema.NodeTypeEnd {
		return nil, nil
	}
	scope := r.scope(output, vars)
	edges := r.graph.Outgoing[n.ID]

	switch n.Type {
	case schema.NodeTypeDecision:
		for _, edge := range edges {
			ok, err := e.conditions.Evaluate(ctx, edge.Condition, scope)
			if err != nil {
				return nil, edgeError(err, n.ID, edge.ID)
			}
			if ok {
				return []schema.Edge{edge}, nil
			}
		}
		cfg, err := schema.DecodeConfig[schema.DecisionConfig](*n)
		if err != nil {
			return nil, err
		}
		if def, ok := r.graph.Edges[cfg.Default]; ok && def.Source == n.ID {
			return []schema.Edge{*def}, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeNoMatchingBranch,
			"no outgoing edge of decision %s matched", n.ID).WithNode(n.ID)

	case schema.NodeTypeParallel:
		cfg, err := schema.DecodeConfig[schema.ParallelConfig](*n)
		if err != nil {
			return nil, err
		}
		if len(cfg.Branches) > 0 {
			edges = selectEdges(edges, cfg.Branches)
		}
	}

	var next []schema.Edge
	for _, edge := range edges {
		ok, err := e.conditions.Evaluate(ctx, edge.Condition, scope)
		if err != nil {
			return nil, edgeError(err, n.ID, edge.ID)
		}
		if ok {
			next = append(next, edge)
		}
	}
	return next, nil
}

func selectEdges(edges []schema.Edge, ids []string) []schema.Edge {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make([]schema.Edge, 0, len(ids))
	for _, e := range edges {
		if want[e.ID] {
			out = append(out, e)
		}
	}
	return out
}

// complete marks n COMPLETED and merges vars. Completing an END node
// completes the instance. It reports whether execution should continue.
func (e *Engine) complete(ctx context.Context, r *run, n *schema.Node, output, vars map[string]any, events []schema.Event) bool {
	var orphans []string
	cont := false
	err := e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return errSkip
		}
		exec := r.execs[n.ID]
		if err := transitionExecution(exec, schema.ExecutionStatusCompleted); err != nil {
			return err
		}
		now := e.clock.Now()
		exec.Output = schema.CloneMap(output)
		exec.CompletedAt = &now
		exec.Error = ""
		if err := e.saveExec(ctx, exec); err != nil {
			return err
		}
		r.completed[n.ID] = true
		delete(r.awaiting, n.ID)

		if err := e.mutate(ctx, r, func(i *schema.WorkflowInstance) error {
			i.RemoveCurrent(n.ID)
			if i.Variables == nil {
				i.Variables = make(map[string]any, len(vars))
			}
			for k, v := range schema.CloneMap(vars) {
				i.Variables[k] = v
			}
			return nil
		}); err != nil {
			return err
		}

		for _, ev := range events {
			r.emit(ev)
		}
		r.emit(e.nodeEvent(r, n.ID, executionEventType(schema.ExecutionStatusCompleted), map[string]any{
			"type":   string(n.Type),
			"output": schema.CloneMap(output),
		}))

		if n.Type == schema.NodeTypeEnd {
			var err error
			orphans, err = e.finish(ctx, r, schema.InstanceStatusCompleted, nil)
			return err
		}
		cont = true
		return nil
	})
	e.logSkip(r, n.ID, "complete node", err)
	e.cancelTasks(ctx, orphans, "workflow completed")
	return cont
}

// advance runs the successors of n. PARALLEL fans its branches out on their
// own goroutines and returns once every branch has suspended or ended.
func (e *Engine) advance(ctx context.Context, r *run, n *schema.Node, next []schema.Edge) {
	if n.Type == schema.NodeTypeParallel && len(next) > 1 {
		group := NewBranchGroup(e.cfg.MaxParallelBranches)
		for _, edge := range next {
			target := r.graph.Nodes[edge.Target]
			if err := group.Go(ctx, func(ctx context.Context) { e.execute(ctx, r, target) }); err != nil {
				e.logger.Warn("parallel branch not started",
					slog.String("instance_id", r.id), slog.String("edge_id", edge.ID), slog.String("error", err.Error()))
				break
			}
		}
		for _, p := range group.Wait() {
			e.logger.Error("parallel branch panicked", slog.String("instance_id", r.id), slog.String("panic", p))
		}
		return
	}
	for _, edge := range next {
		e.execute(ctx, r, r.graph.Nodes[edge.Target])
	}
}

// fail counts a failed attempt of n. While the retry policy allows another
// attempt the execution goes RETRYING and a timer re-runs it after the
// backoff; otherwise the execution and the instance fail.
func (e *Engine) fail(ctx context.Context, r *run, n *schema.Node, cause error) {
	cause = withNode(cause, n.ID)
	var orphans []string
	err := e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return errSkip
		}
		exec := r.execs[n.ID]
		if exec == nil || exec.Status != schema.ExecutionStatusRunning {
			return errSkip
		}
		exec.Attempts++
		exec.Error = cause.Error()
		delete(r.awaiting, n.ID)

		maxAttempts := 1
		if n.Retry != nil && n.Retry.MaxAttempts > 1 {
			maxAttempts = n.Retry.MaxAttempts
		}

		if IsRetryableError(cause) && exec.Attempts < maxAttempts {
			if err := transitionExecution(exec, schema.ExecutionStatusRetrying); err != nil {
				return err
			}
			if err := e.saveExec(ctx, exec); err != nil {
				return err
			}
			delay := ComputeBackoff(n.Retry, exec.Attempts)
			instanceID, nodeID := r.id, n.ID
			e.timers.Schedule(retryTimerID(instanceID, nodeID), delay, func() {
				e.fireRetry(instanceID, nodeID)
			})
			r.emit(e.nodeEvent(r, n.ID, executionEventType(schema.ExecutionStatusRetrying), map[string]any{
				"attempt":      exec.Attempts,
				"max_attempts": maxAttempts,
				"delay_ms":     delay.Milliseconds(),
				"error":        cause.Error(),
			}))
			e.logger.Warn("node retrying",
				slog.String("instance_id", r.id),
				slog.String("node_id", n.ID),
				slog.Int("attempt", exec.Attempts),
				slog.Duration("delay", delay),
				slog.String("error", cause.Error()))
			return nil
		}

		if err := transitionExecution(exec, schema.ExecutionStatusFailed); err != nil {
			return err
		}
		now := e.clock.Now()
		exec.CompletedAt = &now
		if err := e.saveExec(ctx, exec); err != nil {
			return err
		}
		code := codeOf(cause)
		r.emit(e.nodeEvent(r, n.ID, executionEventType(schema.ExecutionStatusFailed), map[string]any{
			"attempts": exec.Attempts,
			"code":     code,
			"error":    cause.Error(),
		}))

		var err error
		orphans, err = e.finish(ctx, r, schema.InstanceStatusFailed, &schema.InstanceError{
			NodeID:  n.ID,
			Code:    code,
			Message: messageOf(cause),
			Stack:   stackOf(cause),
			At:      now,
		})
		return err
	})
	e.logSkip(r, n.ID, "fail node", err)
	e.cancelTasks(ctx, orphans, "workflow failed")
}

// fireRetry re-runs a RETRYING node once its backoff elapsed.
func (e *Engine) fireRetry(instanceID, nodeID string) {
	ctx := logging.WithInstanceID(context.Background(), instanceID)
	r, err := e.lookup(ctx, instanceID)
	if err != nil {
		e.logger.Warn("retry lookup", slog.String("instance_id", instanceID), slog.String("error", err.Error()))
		return
	}
	n := r.graph.Nodes[nodeID]
	if n == nil {
		return
	}

	attempt := 0
	err = e.withRun(ctx, r, func() error {
		if r.inst.Status.IsTerminal() {
			return errSkip
		}
		exec := r.execs[nodeID]
		if exec == nil || exec.Status != schema.ExecutionStatusRetrying {
			return errSkip
		}
		if err := transitionExecution(exec, schema.ExecutionStatusRunning); err != nil {
			return err
		}
		if err := e.saveExec(ctx, exec); err != nil {
			return err
		}
		attempt = exec.Attempts + 1
		e.enterLocked(ctx, r)
		r.emit(e.nodeEvent(r, nodeID, executionEventType(schema.ExecutionStatusRunning), map[string]any{
			"type":    string(n.Type),
			"attempt": attempt,
		}))
		return nil
	})
	if err != nil {
		e.logSkip(r, nodeID, "retry node", err)
		return
	}
	e.attempt(ctx, r, n, attempt)
	e.leave(ctx, r)
}

func (e *Engine) logSkip(r *run, nodeID, op string, err error) {
	if err == nil || errors.Is(err, errSkip) {
		return
	}
	e.logger.Error(op,
		slog.String("instance_id", r.id),
		slog.String("node_id", nodeID),
		slog.String("error", err.Error()))
}

func withNode(err error, nodeID string) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.NodeID == "" {
		fe.WithNode(nodeID)
	}
	return err
}

func edgeError(err error, nodeID, edgeID string) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "evaluate edge %s: %s", edgeID, messageOf(err)).
		WithNode(nodeID).WithCause(err)
}

func codeOf(err error) string {
	if code := schema.CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrCodeTimeout
	}
	return schema.ErrCodeExecution
}

func messageOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}

// stackOf returns the stack captured with err, if any.
func stackOf(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) && fe.Stack != "" {
		return fe.Stack
	}
	var ge *goerrors.Error
	if errors.As(err, &ge) {
		return string(ge.Stack())
	}
	return ""
}
