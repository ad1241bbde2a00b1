package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/tasks"
	"github.com/rendis/taskflow/pkg/schema"
)

// handleDefine validates a definition and, unless dry_run, registers it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var def schema.WorkflowDefinition
	if err := decodeArg(req, "definition", &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	if req.GetBool("dry_run", false) {
		return marshalResult(s.engine.Validate(&def))
	}

	stored, err := s.engine.RegisterDefinition(ctx, &def)
	if err != nil {
		return toolError("register failed", err), nil
	}
	return marshalResult(map[string]any{
		"id":      stored.ID,
		"version": stored.Version,
	})
}

// handleStart starts an instance of a registered definition.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	// Capture session mapping for notifications.
	s.captureSession(ctx, userID)

	inst, err := s.engine.StartWorkflow(ctx, definitionID, engine.StartOptions{
		Context: schema.InstanceContext{
			Initiator:     userID,
			CorrelationID: req.GetString("correlation_id", ""),
		},
		Variables: mcp.ParseStringMap(req, "variables", nil),
		Version:   req.GetInt("version", 0),
	})
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(inst)
}

// handleStatus returns an instance with its node executions.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, err := s.engine.GetInstance(ctx, instanceID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	execs, err := s.engine.GetNodeExecutions(ctx, instanceID)
	if err != nil {
		return toolError("status query failed", err), nil
	}
	return marshalResult(map[string]any{
		"instance":   inst,
		"executions": execs,
	})
}

// handleComplete resumes a suspended node with output.
func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}

	inst, err := s.engine.CompleteTask(ctx, instanceID, nodeID, mcp.ParseStringMap(req, "output", nil))
	if err != nil {
		return toolError("complete failed", err), nil
	}
	return marshalResult(inst)
}

// handleApprove decides an APPROVAL node.
func (s *Server) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	nodeID, err := req.RequireString("node_id")
	if err != nil {
		return mcp.NewToolResultError("node_id is required"), nil
	}
	approved, err := req.RequireBool("approved")
	if err != nil {
		return mcp.NewToolResultError("approved is required"), nil
	}
	if userID := req.GetString("user_id", ""); userID != "" {
		s.captureSession(ctx, userID)
	}

	inst, err := s.engine.Approve(ctx, instanceID, nodeID, approved, req.GetString("comment", ""))
	if err != nil {
		return toolError("approve failed", err), nil
	}
	return marshalResult(inst)
}

// handleCancel cancels an instance.
func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}

	inst, err := s.engine.CancelWorkflow(ctx, instanceID, req.GetString("reason", ""))
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(inst)
}

// handleQuery lists instances, definitions, tasks or events.
func (s *Server) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "instances":
		return s.queryInstances(ctx, filter)
	case "definitions":
		defs, err := s.engine.ListDefinitions(ctx)
		if err != nil {
			return toolError("query failed", err), nil
		}
		return marshalResult(map[string]any{"definitions": defs})
	case "tasks":
		return s.queryTasks(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Task tools ---

func (s *Server) handleTaskCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	title, err := req.RequireString("title")
	if err != nil {
		return mcp.NewToolResultError("title is required"), nil
	}

	p := tasks.CreateTaskParams{
		Title:            title,
		Description:      req.GetString("description", ""),
		Priority:         schema.Priority(req.GetString("priority", "")),
		Assignee:         req.GetString("assignee", ""),
		CandidateGroup:   req.GetString("candidate_group", ""),
		EstimatedMinutes: req.GetInt("estimated_minutes", 0),
	}
	if due := req.GetString("due_date", ""); due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid due_date: %v", err)), nil
		}
		p.DueDate = &t
	}
	if _, ok := req.GetArguments()["sla"]; ok {
		var sla schema.SLAConfig
		if err := decodeArg(req, "sla", &sla); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid sla: %v", err)), nil
		}
		p.SLA = &sla
	}

	task, err := s.tasks.CreateTask(ctx, p)
	if err != nil {
		return toolError("create failed", err), nil
	}
	return marshalResult(task)
}

func (s *Server) handleTaskTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	userID := req.GetString("user_id", "")
	if userID != "" {
		s.captureSession(ctx, userID)
	}

	var task *schema.Task
	switch action {
	case "start":
		task, err = s.tasks.StartTask(ctx, taskID, userID)
	case "complete":
		task, err = s.tasks.CompleteTask(ctx, taskID, userID, mcp.ParseStringMap(req, "output", nil))
	case "cancel":
		task, err = s.tasks.CancelTask(ctx, taskID, req.GetString("reason", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return toolError(action+" failed", err), nil
	}
	return marshalResult(task)
}

func (s *Server) handleTaskAssign(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	taskID, err := req.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("task_id is required"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	reason := req.GetString("reason", "")

	var task *schema.Task
	switch mode := req.GetString("mode", "assign"); mode {
	case "assign":
		task, err = s.tasks.AssignTask(ctx, taskID, userID)
	case "reassign":
		task, err = s.tasks.ReassignTask(ctx, taskID, userID, reason)
	case "delegate":
		from := req.GetString("from_user", "")
		if from == "" {
			return mcp.NewToolResultError("from_user is required to delegate"), nil
		}
		s.captureSession(ctx, from)
		task, err = s.tasks.DelegateTask(ctx, taskID, from, userID, reason)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown mode: %s", mode)), nil
	}
	if err != nil {
		return toolError("assign failed", err), nil
	}
	return marshalResult(task)
}

func (s *Server) handleTaskQueue(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	s.captureSession(ctx, userID)

	queue := s.tasks.GetPriorityQueue(userID)
	result := map[string]any{"user_id": userID, "tasks": queue}
	if len(queue) > 0 {
		result["next"] = queue[0].ID
	}
	return marshalResult(result)
}

func (s *Server) handleTaskWorkload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	userID, err := req.RequireString("user_id")
	if err != nil {
		return mcp.NewToolResultError("user_id is required"), nil
	}

	w, err := s.tasks.GetUserWorkload(ctx, userID)
	if err != nil {
		return toolError("workload query failed", err), nil
	}
	return marshalResult(w)
}

func (s *Server) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler not configured"), nil
	}
	definitionID, err := req.RequireString("definition_id")
	if err != nil {
		return mcp.NewToolResultError("definition_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	if _, err := s.engine.GetDefinition(ctx, definitionID); err != nil {
		return toolError("definition lookup failed", err), nil
	}

	job, err := s.scheduler.CreateJob(ctx, &store.ScheduledJob{
		DefinitionID:   definitionID,
		CronExpression: cronExpr,
		Variables:      mcp.ParseStringMap(req, "variables", nil),
		Initiator:      req.GetString("user_id", ""),
		Enabled:        true,
	})
	if err != nil {
		return toolError("schedule failed", err), nil
	}
	return marshalResult(job)
}

// --- Query helpers ---

func (s *Server) queryInstances(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.InstanceFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		st := schema.InstanceStatus(status)
		f.Status = &st
	}
	if defID, ok := filter["definition_id"].(string); ok {
		f.DefinitionID = defID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}

	instances, err := s.engine.ListInstances(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"instances": instances})
}

func (s *Server) queryTasks(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.tasks == nil {
		return mcp.NewToolResultError("task manager not configured"), nil
	}
	f := store.TaskFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if assignee, ok := filter["assignee"].(string); ok {
		f.Assignee = assignee
	}
	if instanceID, ok := filter["instance_id"].(string); ok {
		f.InstanceID = instanceID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		f.Statuses = []schema.TaskStatus{schema.TaskStatus(status)}
	}

	metrics, err := s.tasks.GetTaskMetrics(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	list, err := s.tasks.ListTasks(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"tasks": list, "metrics": metrics})
}

func (s *Server) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	if s.events == nil {
		return mcp.NewToolResultError("event log not configured"), nil
	}
	f := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if instanceID, ok := filter["instance_id"].(string); ok {
		f.InstanceID = instanceID
	}
	if taskID, ok := filter["task_id"].(string); ok {
		f.TaskID = taskID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		f.Type = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			f.Since = &t
		}
	}
	if f.InstanceID == "" && f.TaskID == "" && f.Type == "" {
		return mcp.NewToolResultError("event query requires 'instance_id', 'task_id' or 'event_type' in filter"), nil
	}

	events, err := s.events.ListEvents(ctx, f)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// decodeArg converts an object argument into out via JSON.
func decodeArg(req mcp.CallToolRequest, key string, out any) error {
	raw := mcp.ParseStringMap(req, key, nil)
	if raw == nil {
		return fmt.Errorf("%s is required", key)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *Server) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError reports err as a tool result, keeping the FlowError code visible.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if code := schema.CodeOf(err); code != "" {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %v", prefix, code, err))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
