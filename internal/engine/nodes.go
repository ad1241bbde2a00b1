package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/httpcall"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/tasks"
	"github.com/rendis/taskflow/pkg/schema"
)

// dispatch runs the handler for the node type. Control nodes produce an
// empty result; routing happens in the executor.
func (e *Engine) dispatch(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	switch n.Type {
	case schema.NodeTypeStart, schema.NodeTypeEnd, schema.NodeTypeDecision,
		schema.NodeTypeParallel, schema.NodeTypeJoin:
		return &nodeResult{}, nil
	case schema.NodeTypeTask:
		return e.runTask(ctx, r, n)
	case schema.NodeTypeApproval:
		return e.runApproval(ctx, r, n)
	case schema.NodeTypeWait:
		return e.runWait(r, n)
	case schema.NodeTypeAPICall:
		return e.runAPICall(ctx, r, n)
	case schema.NodeTypeNotification:
		return e.runNotification(ctx, r, n)
	case schema.NodeTypeScript:
		return e.runScript(ctx, r, n)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unsupported node type %q", n.Type).WithNode(n.ID)
	}
}

// runTask creates a task for the resolved assignee and suspends the node
// until the task is completed.
func (e *Engine) runTask(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	cfg, err := schema.DecodeConfig[schema.TaskConfig](*n)
	if err != nil {
		return nil, err
	}
	scope := r.scope(nil, nil)

	assignee, group, err := e.resolveAssignee(ctx, cfg.Assignment, scope)
	if err != nil {
		return nil, err
	}
	title, description, err := e.describe(n, cfg.Title, cfg.Description, scope)
	if err != nil {
		return nil, err
	}

	params := tasks.CreateTaskParams{
		Title:            title,
		Description:      description,
		Priority:         cfg.Priority,
		Assignee:         assignee,
		CandidateGroup:   group,
		EstimatedMinutes: cfg.EstimatedMinutes,
		Checklist:        cfg.Checklist,
		SLA:              cfg.SLA,
		InstanceID:       r.id,
		NodeID:           n.ID,
		Metadata:         map[string]any{"definition_id": r.graph.Definition.ID},
	}
	if cfg.DueIn != "" {
		d, err := time.ParseDuration(cfg.DueIn)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "invalid due_in %q", cfg.DueIn).WithNode(n.ID).WithCause(err)
		}
		due := e.clock.Now().Add(d)
		params.DueDate = &due
	}

	res := &nodeResult{await: &await{assignee: assignee}}
	if e.tasks == nil {
		// Without a task manager the engine announces the task itself.
		res.await.taskID = uuid.NewString()
		ev := e.nodeEvent(r, n.ID, schema.EventTaskCreated, map[string]any{
			"title":           params.Title,
			"description":     params.Description,
			"priority":        string(params.Priority),
			"assignee":        assignee,
			"candidate_group": group,
		})
		ev.TaskID = res.await.taskID
		res.events = append(res.events, ev)
		return res, nil
	}

	t, err := e.tasks.CreateTask(ctx, params)
	if err != nil {
		return nil, err
	}
	res.await.taskID = t.ID
	res.await.assignee = t.Assignee
	logging.LogWith(logging.WithTaskID(ctx, t.ID), e.logger).Info("task created for node",
		slog.String("assignee", t.Assignee))
	return res, nil
}

// runApproval requests a decision from the resolved approvers. No queue task
// is created; Approve or CompleteTask resumes the node.
func (e *Engine) runApproval(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	cfg, err := schema.DecodeConfig[schema.ApprovalConfig](*n)
	if err != nil {
		return nil, err
	}
	scope := r.scope(nil, nil)

	approvers, err := e.resolveUsers(ctx, cfg.Approvers, scope)
	if err != nil {
		return nil, err
	}
	title, description, err := e.describe(n, cfg.Title, cfg.Description, scope)
	if err != nil {
		return nil, err
	}

	assignee := ""
	if len(approvers) == 1 {
		assignee = approvers[0]
	}
	return &nodeResult{
		await: &await{assignee: assignee},
		events: []schema.Event{e.nodeEvent(r, n.ID, schema.EventApprovalRequested, map[string]any{
			"title":             title,
			"description":       description,
			"approvers":         approvers,
			"decision_variable": decisionVariable(cfg),
		})},
	}, nil
}

func decisionVariable(cfg schema.ApprovalConfig) string {
	if cfg.DecisionVariable == "" {
		return "approved"
	}
	return cfg.DecisionVariable
}

// runWait suspends the node until its timer fires. Durations count from the
// start of the execution so a restored WAIT keeps its original deadline.
func (e *Engine) runWait(r *run, n *schema.Node) (*nodeResult, error) {
	r.mu.Lock()
	started := r.execs[n.ID].StartedAt
	r.mu.Unlock()
	until, err := waitUntil(n, started)
	if err != nil {
		return nil, err
	}
	return &nodeResult{await: &await{until: until}}, nil
}

// waitUntil computes when a WAIT node started at from resumes.
func waitUntil(n *schema.Node, from time.Time) (time.Time, error) {
	cfg, err := schema.DecodeConfig[schema.WaitConfig](*n)
	if err != nil {
		return time.Time{}, err
	}
	if cfg.Until != nil {
		return *cfg.Until, nil
	}
	if cfg.Duration == "" {
		return time.Time{}, schema.NewError(schema.ErrCodeDefinition, "wait node needs duration or until").WithNode(n.ID)
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeDefinition, "invalid wait duration %q", cfg.Duration).WithNode(n.ID).WithCause(err)
	}
	return from.Add(d), nil
}

// runAPICall performs the outbound request. A status outside the accepted
// set fails the node and goes through the retry policy like any other failure.
func (e *Engine) runAPICall(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	cfg, err := schema.DecodeConfig[schema.APICallConfig](*n)
	if err != nil {
		return nil, err
	}
	scope := r.scope(nil, nil)

	url, err := e.interp.String(ctx, cfg.URL, scope)
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		if headers[k], err = e.interp.String(ctx, v, scope); err != nil {
			return nil, err
		}
	}
	body, err := e.interp.Value(ctx, cfg.Body, scope)
	if err != nil {
		return nil, err
	}

	resp, err := e.http.Do(ctx, httpcall.Request{
		Method:  cfg.Method,
		URL:     url,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, err
	}
	if err := httpcall.CheckStatus(resp.Status, cfg.ExpectStatus, cfg.NonRetryableStatus); err != nil {
		return nil, err
	}
	return &nodeResult{output: resp.Output()}, nil
}

// runNotification hands a message to the notifier. Delivery problems are
// logged and never fail the node.
func (e *Engine) runNotification(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	cfg, err := schema.DecodeConfig[schema.NotificationConfig](*n)
	if err != nil {
		return nil, err
	}
	scope := r.scope(nil, nil)

	recipients := make([]string, 0, len(cfg.Recipients))
	for _, raw := range cfg.Recipients {
		v, err := expressions.Interpolate(raw, scope)
		if err != nil {
			v = raw
		}
		recipients = append(recipients, v)
	}

	note := notify.Notification{
		Event:      cfg.Event,
		Recipients: recipients,
		Template:   cfg.Template,
		Variables:  scope.Variables,
		InstanceID: r.id,
	}
	delivered := true
	if err := e.notifier.Send(ctx, note); err != nil {
		delivered = false
		logging.LogWith(ctx, e.logger).Warn("notification failed",
			slog.String("event", cfg.Event), slog.String("error", err.Error()))
	}

	return &nodeResult{
		output: map[string]any{
			"event":      cfg.Event,
			"recipients": recipients,
			"delivered":  delivered,
		},
		events: []schema.Event{e.nodeEvent(r, n.ID, schema.EventNotificationRequest, map[string]any{
			"event":      cfg.Event,
			"recipients": recipients,
			"template":   cfg.Template,
		})},
	}, nil
}

// runScript evaluates the node expression against variables and context.
// A map result is merged into the variables; anything else lands in the
// result variable when one is configured.
func (e *Engine) runScript(ctx context.Context, r *run, n *schema.Node) (*nodeResult, error) {
	cfg, err := schema.DecodeConfig[schema.ScriptConfig](*n)
	if err != nil {
		return nil, err
	}
	if cfg.Script == "" {
		return nil, schema.NewError(schema.ErrCodeDefinition, "script node has no script").WithNode(n.ID)
	}
	scope := r.scope(nil, nil)

	v, err := e.scripts.Evaluate(ctx, cfg.Script, scope.Data())
	if err != nil {
		return nil, err
	}

	res := &nodeResult{output: map[string]any{"result": v}}
	switch {
	case cfg.ResultVariable != "":
		res.vars = map[string]any{cfg.ResultVariable: v}
	default:
		if m, ok := v.(map[string]any); ok {
			res.vars = m
		}
	}
	return res, nil
}

// describe interpolates a title and description, falling back to the node
// name for an empty title.
func (e *Engine) describe(n *schema.Node, title, description string, scope expressions.Scope) (string, string, error) {
	t, err := expressions.Interpolate(title, scope)
	if err != nil {
		return "", "", err
	}
	d, err := expressions.Interpolate(description, scope)
	if err != nil {
		return "", "", err
	}
	if t == "" {
		t = n.Name
	}
	if t == "" {
		t = n.ID
	}
	return t, d, nil
}

// resolveAssignee picks one user for a TASK node. ROLE and GROUP pools go to
// the least loaded member; a pool the directory cannot resolve leaves the
// task unassigned with the pool as its candidate group.
func (e *Engine) resolveAssignee(ctx context.Context, a *schema.Assignment, scope expressions.Scope) (assignee, group string, err error) {
	if a == nil {
		return "", "", nil
	}
	switch a.Type {
	case schema.AssignUser:
		user, err := expressions.Interpolate(a.Value, scope)
		return user, "", err

	case schema.AssignRole, schema.AssignGroup:
		if e.identity == nil {
			return "", a.Value, nil
		}
		users, err := e.identity.ResolveAssignment(ctx, a.Type, a.Value)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				return "", a.Value, nil
			}
			return "", "", err
		}
		user, err := e.pick(ctx, users)
		return user, a.Value, err

	case schema.AssignDynamic:
		users, err := e.dynamicUsers(ctx, a.Value, scope)
		if err != nil {
			return "", "", err
		}
		user, err := e.pick(ctx, users)
		return user, "", err

	default:
		return "", "", schema.NewErrorf(schema.ErrCodeDefinition, "unknown assignment type %q", a.Type)
	}
}

// resolveUsers returns every user an assignment names.
func (e *Engine) resolveUsers(ctx context.Context, a *schema.Assignment, scope expressions.Scope) ([]string, error) {
	if a == nil {
		return nil, nil
	}
	switch a.Type {
	case schema.AssignUser:
		user, err := expressions.Interpolate(a.Value, scope)
		if err != nil {
			return nil, err
		}
		return []string{user}, nil
	case schema.AssignRole, schema.AssignGroup:
		if e.identity == nil {
			return []string{a.Value}, nil
		}
		users, err := e.identity.ResolveAssignment(ctx, a.Type, a.Value)
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return []string{a.Value}, nil
		}
		return users, err
	case schema.AssignDynamic:
		return e.dynamicUsers(ctx, a.Value, scope)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "unknown assignment type %q", a.Type)
	}
}

// dynamicUsers evaluates a DYNAMIC assignment expression. It must yield a
// user id or a list of them.
func (e *Engine) dynamicUsers(ctx context.Context, expr string, scope expressions.Scope) ([]string, error) {
	v, err := e.scripts.Evaluate(ctx, expr, scope.Data())
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case string:
		if x == "" {
			return nil, nil
		}
		return []string{x}, nil
	case []string:
		return x, nil
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			s, ok := item.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeScript, "assignment expression %q returned non-string element %v", expr, item)
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeScript, "assignment expression %q returned %s", expr, fmt.Sprintf("%T", v))
	}
}

// pick returns the least loaded of users, or the first when no task manager
// is wired.
func (e *Engine) pick(ctx context.Context, users []string) (string, error) {
	switch len(users) {
	case 0:
		return "", nil
	case 1:
		return users[0], nil
	}
	if e.tasks == nil {
		return users[0], nil
	}
	return e.tasks.FindLeastLoadedUser(ctx, users)
}
