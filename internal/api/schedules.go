package api

import (
	"net/http"

	"github.com/rendis/taskflow/internal/store"
)

func (s *Server) requireScheduler(w http.ResponseWriter) bool {
	if s.deps.Scheduler == nil {
		writeError(w, http.StatusNotImplemented, "scheduler not configured")
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	filter := store.ScheduledJobFilter{
		DefinitionID: r.URL.Query().Get("definition_id"),
		Limit:        queryInt(r, "limit", 0),
	}
	if v := r.URL.Query().Get("enabled"); v != "" {
		enabled := v == "true"
		filter.Enabled = &enabled
	}
	jobs, err := s.deps.Scheduler.Jobs(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req struct {
		DefinitionID   string         `json:"definition_id"`
		CronExpression string         `json:"cron_expression"`
		Variables      map[string]any `json:"variables"`
		Initiator      string         `json:"initiator"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DefinitionID == "" || req.CronExpression == "" {
		writeError(w, http.StatusBadRequest, "definition_id and cron_expression are required")
		return
	}
	if _, err := s.deps.Engine.GetDefinition(r.Context(), req.DefinitionID); err != nil {
		writeFlowError(w, err)
		return
	}
	job, err := s.deps.Scheduler.CreateJob(r.Context(), &store.ScheduledJob{
		DefinitionID:   req.DefinitionID,
		CronExpression: req.CronExpression,
		Variables:      req.Variables,
		Initiator:      req.Initiator,
		Enabled:        true,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	id := r.PathValue("id")
	if err := s.deps.Scheduler.SetEnabled(r.Context(), id, *req.Enabled); err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": *req.Enabled})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireScheduler(w) {
		return
	}
	if err := s.deps.Scheduler.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeFlowError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
