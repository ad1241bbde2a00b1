package api

import (
	"io"
	"net/http"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Definitions ---

func (s *Server) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Engine.ListDefinitions(r.Context())
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// handleRegisterDefinition accepts a JSON or YAML document. ?dry_run=true
// only validates.
func (s *Server) handleRegisterDefinition(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	name := "definition.json"
	if ct := r.Header.Get("Content-Type"); ct == "application/yaml" || ct == "application/x-yaml" || ct == "text/yaml" {
		name = "definition.yaml"
	}
	def, err := schema.ParseDefinition(body, name)
	if err != nil {
		writeFlowError(w, err)
		return
	}

	if r.URL.Query().Get("dry_run") == "true" {
		res := s.deps.Engine.Validate(def)
		status := http.StatusOK
		if !res.Valid() {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, res)
		return
	}

	stored, err := s.deps.Engine.RegisterDefinition(r.Context(), def)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

func (s *Server) handleGetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Engine.GetDefinition(r.Context(), r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

// --- Instances ---

type startRequest struct {
	DefinitionID string                 `json:"definition_id"`
	Version      int                    `json:"version,omitempty"`
	Variables    map[string]any         `json:"variables,omitempty"`
	Context      schema.InstanceContext `json:"context"`
}

func (s *Server) handleStartInstance(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.DefinitionID == "" {
		writeError(w, http.StatusBadRequest, "definition_id is required")
		return
	}
	inst, err := s.deps.Engine.StartWorkflow(r.Context(), req.DefinitionID, engine.StartOptions{
		Context:   req.Context,
		Variables: req.Variables,
		Version:   req.Version,
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{
		DefinitionID: r.URL.Query().Get("definition_id"),
		Since:        queryTime(r, "since"),
		Limit:        queryInt(r, "limit", 50),
		Offset:       queryInt(r, "offset", 0),
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := schema.InstanceStatus(st)
		filter.Status = &status
	}
	insts, err := s.deps.Engine.ListInstances(r.Context(), filter)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": insts})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	inst, err := s.deps.Engine.GetInstance(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	execs, err := s.deps.Engine.GetNodeExecutions(r.Context(), id)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"instance":        inst,
		"node_executions": execs,
	})
}

func (s *Server) handleCancelInstance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.deps.Engine.CancelWorkflow(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleCompleteNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Output map[string]any `json:"output"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	inst, err := s.deps.Engine.CompleteTask(r.Context(), r.PathValue("id"), r.PathValue("node"), req.Output)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleApproveNode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approved *bool  `json:"approved"`
		Comment  string `json:"comment"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}
	inst, err := s.deps.Engine.Approve(r.Context(), r.PathValue("id"), r.PathValue("node"), *req.Approved, req.Comment)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// --- Event log ---

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusNotImplemented, "event log not configured")
		return
	}
	q := r.URL.Query()
	events, err := s.deps.Events.ListEvents(r.Context(), store.EventFilter{
		InstanceID: q.Get("instance_id"),
		TaskID:     q.Get("task_id"),
		Type:       q.Get("type"),
		Since:      queryTime(r, "since"),
		Limit:      queryInt(r, "limit", 100),
	})
	if err != nil {
		writeFlowError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}
