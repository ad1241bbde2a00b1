// Package api serves the engine and task manager over JSON HTTP with a
// server-sent event stream.
package api

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/streaming"
	"github.com/rendis/taskflow/internal/tasks"
)

// Deps holds the dependencies for the API server. Routes backed by a nil
// dependency answer 501.
type Deps struct {
	Engine    *engine.Engine
	Tasks     *tasks.Manager
	Scheduler *scheduler.Scheduler
	Events    store.EventStore
	Hub       streaming.EventHub
	Logger    *slog.Logger
}

// Server serves the HTTP API.
type Server struct {
	deps Deps
}

// NewServer creates an API server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	deps.Logger = deps.Logger.With(slog.String("component", "api"))
	return &Server{deps: deps}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Definitions.
	mux.HandleFunc("GET /api/definitions", s.handleListDefinitions)
	mux.HandleFunc("POST /api/definitions", s.handleRegisterDefinition)
	mux.HandleFunc("GET /api/definitions/{id}", s.handleGetDefinition)
	mux.HandleFunc("GET /api/definitions/{id}/diagram", s.handleDefinitionDiagram)

	// Instances.
	mux.HandleFunc("GET /api/instances", s.handleListInstances)
	mux.HandleFunc("POST /api/instances", s.handleStartInstance)
	mux.HandleFunc("GET /api/instances/{id}", s.handleGetInstance)
	mux.HandleFunc("GET /api/instances/{id}/diagram", s.handleInstanceDiagram)
	mux.HandleFunc("POST /api/instances/{id}/cancel", s.handleCancelInstance)
	mux.HandleFunc("POST /api/instances/{id}/nodes/{node}/complete", s.handleCompleteNode)
	mux.HandleFunc("POST /api/instances/{id}/nodes/{node}/approve", s.handleApproveNode)

	// Tasks.
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/metrics", s.handleTaskMetrics)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /api/tasks/{id}/{action}", s.handleTaskAction)
	mux.HandleFunc("GET /api/users/{id}/queue", s.handleUserQueue)
	mux.HandleFunc("GET /api/users/{id}/workload", s.handleUserWorkload)

	// Scheduler.
	mux.HandleFunc("GET /api/schedules", s.handleListJobs)
	mux.HandleFunc("POST /api/schedules", s.handleCreateJob)
	mux.HandleFunc("PUT /api/schedules/{id}", s.handleUpdateJob)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteJob)

	// Event log and streams.
	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /sse/events", s.eventStream(allEvents))
	mux.HandleFunc("GET /sse/instances/{id}", s.eventStream(instanceEvents))
	mux.HandleFunc("GET /sse/tasks/{id}", s.eventStream(taskEvents))

	return mux
}
