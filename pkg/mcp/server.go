package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/tasks"
)

// ServerDeps holds the dependencies for creating a Server. Engine is
// required; tools backed by a nil dependency report an error result.
type ServerDeps struct {
	Engine    *engine.Engine
	Tasks     *tasks.Manager
	Scheduler *scheduler.Scheduler
	Events    store.EventStore
	Sessions  *SessionRegistry
	Logger    *slog.Logger
}

// Server wraps an MCP server with taskflow tool handlers.
type Server struct {
	engine    *engine.Engine
	tasks     *tasks.Manager
	scheduler *scheduler.Scheduler
	events    store.EventStore
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}

	s := &Server{
		engine:    deps.Engine,
		tasks:     deps.Tasks,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		sessions:  sessions,
		logger:    logger.With(slog.String("component", "mcp")),
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"taskflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Taskflow runs human-in-the-loop workflows. Use workflow.define and workflow.start to run a definition, workflow.status to inspect it, workflow.complete_task or workflow.approve to resume a suspended node, and the task.* tools to work a user's task queue."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the user to session registry fed by tool calls.
func (s *Server) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: taskCreateTool(), Handler: s.handleTaskCreate},
		{Tool: taskTransitionTool(), Handler: s.handleTaskTransition},
		{Tool: taskAssignTool(), Handler: s.handleTaskAssign},
		{Tool: taskQueueTool(), Handler: s.handleTaskQueue},
		{Tool: taskWorkloadTool(), Handler: s.handleTaskWorkload},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object (id, name, nodes, edges, variables)")),
		mcp.WithBoolean("dry_run", mcp.Description("Only validate, do not register")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("workflow.start",
		mcp.WithDescription("Start a workflow instance from a registered definition"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithNumber("version", mcp.Description("Definition version (default: latest)")),
		mcp.WithObject("variables", mcp.Description("Initial variables, merged over the definition defaults")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the initiating user")),
		mcp.WithString("correlation_id", mcp.Description("Caller correlation id")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("workflow.status",
		mcp.WithDescription("Get a workflow instance and its node executions"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("workflow.complete_task",
		mcp.WithDescription("Complete a suspended TASK, APPROVAL or WAIT node and continue the instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the suspended node")),
		mcp.WithObject("output", mcp.Description("Output merged into the instance variables")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("workflow.approve",
		mcp.WithDescription("Decide a pending APPROVAL node"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("node_id", mcp.Required(), mcp.Description("ID of the APPROVAL node")),
		mcp.WithBoolean("approved", mcp.Required(), mcp.Description("Decision")),
		mcp.WithString("comment", mcp.Description("Decision comment")),
		mcp.WithString("user_id", mcp.Description("ID of the deciding user")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("workflow.cancel",
		mcp.WithDescription("Cancel a running workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the workflow instance")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("workflow.query",
		mcp.WithDescription("Query instances, definitions, tasks or events"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("instances", "definitions", "tasks", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, definition_id, instance_id, task_id, assignee, event_type, since, limit)")),
	)
}

func taskCreateTool() mcp.Tool {
	return mcp.NewTool("task.create",
		mcp.WithDescription("Create a standalone task"),
		mcp.WithString("title", mcp.Required(), mcp.Description("Task title")),
		mcp.WithString("description", mcp.Description("Task description")),
		mcp.WithString("priority", mcp.Enum("LOW", "NORMAL", "HIGH", "URGENT", "CRITICAL"), mcp.Description("Priority (default: NORMAL)")),
		mcp.WithString("assignee", mcp.Description("User to assign")),
		mcp.WithString("candidate_group", mcp.Description("Group whose members may claim the task")),
		mcp.WithString("due_date", mcp.Description("RFC3339 due date")),
		mcp.WithNumber("estimated_minutes", mcp.Description("Estimated effort in minutes")),
		mcp.WithObject("sla", mcp.Description("SLA configuration (response_time, resolution_time, escalation_levels)")),
	)
}

func taskTransitionTool() mcp.Tool {
	return mcp.NewTool("task.transition",
		mcp.WithDescription("Start, complete or cancel a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("start", "complete", "cancel"),
			mcp.Description("Lifecycle action"),
		),
		mcp.WithString("user_id", mcp.Description("Acting user (required for start and complete)")),
		mcp.WithObject("output", mcp.Description("Completion output")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func taskAssignTool() mcp.Tool {
	return mcp.NewTool("task.assign",
		mcp.WithDescription("Assign, reassign or delegate a task"),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("User receiving the task")),
		mcp.WithString("mode", mcp.Enum("assign", "reassign", "delegate"), mcp.Description("Assignment mode (default: assign)")),
		mcp.WithString("from_user", mcp.Description("Delegating user (delegate mode)")),
		mcp.WithString("reason", mcp.Description("Reassignment reason or delegation notes")),
	)
}

func taskQueueTool() mcp.Tool {
	return mcp.NewTool("task.queue",
		mcp.WithDescription("List a user's open tasks in priority order"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user")),
	)
}

func taskWorkloadTool() mcp.Tool {
	return mcp.NewTool("task.workload",
		mcp.WithDescription("Get a user's workload and utilization"),
		mcp.WithString("user_id", mcp.Required(), mcp.Description("ID of the user")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("workflow.schedule",
		mcp.WithDescription("Start a definition on a cron schedule"),
		mcp.WithString("definition_id", mcp.Required(), mcp.Description("ID of the workflow definition")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression or descriptor (@daily)")),
		mcp.WithObject("variables", mcp.Description("Variables passed to every started instance")),
		mcp.WithString("user_id", mcp.Description("Initiator recorded on started instances")),
	)
}
