package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/tasks"
	"github.com/rendis/taskflow/pkg/schema"
)

func (s *Server) requireTasks(w http.ResponseWriter) bool {
	if s.deps.Tasks == nil {
		writeError(w, http.StatusNotImplemented, "task manager not configured")
		return false
	}
	return true
}

func taskFilter(r *http.Request) store.TaskFilter {
	q := r.URL.Query()
	f := store.TaskFilter{
		Assignee:   q.Get("assignee"),
		InstanceID: q.Get("instance_id"),
		Limit:      queryInt(r, "limit", 0),
	}
	for _, st := range splitList(r.URL.Query().Get("status")) {
		f.Statuses = append(f.Statuses, schema.TaskStatus(strings.ToUpper(st)))
	}
	return f
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	var p tasks.CreateTaskParams
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Tasks.CreateTask(r.Context(), p)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	list, err := s.deps.Tasks.ListTasks(r.Context(), taskFilter(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	task, err := s.deps.Tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	metrics, err := s.deps.Tasks.GetTaskMetrics(r.Context(), taskFilter(r))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// taskActionRequest is the union of fields the task actions read.
type taskActionRequest struct {
	UserID     string          `json:"user_id"`
	ToUser     string          `json:"to_user"`
	Candidates []string        `json:"candidates"`
	Reason     string          `json:"reason"`
	Notes      string          `json:"notes"`
	Output     map[string]any  `json:"output"`
	Priority   schema.Priority `json:"priority"`
	ItemID     string          `json:"item_id"`
	Completed  bool            `json:"completed"`
	Text       string          `json:"text"`
}

type taskAction func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error)

var taskActions = map[string]taskAction{
	"start": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.StartTask(ctx, id, req.UserID)
	},
	"complete": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.CompleteTask(ctx, id, req.UserID, req.Output)
	},
	"cancel": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.CancelTask(ctx, id, req.Reason)
	},
	"assign": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		if req.UserID == "" && len(req.Candidates) > 0 {
			return m.AssignLoadBalanced(ctx, id, req.Candidates)
		}
		return m.AssignTask(ctx, id, req.UserID)
	},
	"reassign": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.ReassignTask(ctx, id, req.UserID, req.Reason)
	},
	"delegate": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.DelegateTask(ctx, id, req.UserID, req.ToUser, req.Notes)
	},
	"priority": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.UpdatePriority(ctx, id, req.Priority)
	},
	"checklist": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.UpdateChecklistItem(ctx, id, req.ItemID, req.Completed, req.UserID)
	},
	"comment": func(ctx context.Context, m *tasks.Manager, id string, req taskActionRequest) (*schema.Task, error) {
		return m.AddComment(ctx, id, req.UserID, req.Text)
	},
}

// handleTaskAction dispatches POST /api/tasks/{id}/{action}.
func (s *Server) handleTaskAction(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	action, ok := taskActions[r.PathValue("action")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown task action: "+r.PathValue("action"))
		return
	}
	var req taskActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := action(r.Context(), s.deps.Tasks, r.PathValue("id"), req)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleUserQueue(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	user := r.PathValue("id")
	out := map[string]any{
		"user_id": user,
		"tasks":   s.deps.Tasks.GetPriorityQueue(user),
	}
	if next := s.deps.Tasks.NextTask(user); next != nil {
		out["next"] = next.ID
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUserWorkload(w http.ResponseWriter, r *http.Request) {
	if !s.requireTasks(w) {
		return
	}
	wl, err := s.deps.Tasks.GetUserWorkload(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wl)
}
