package api

import (
	"net/http"

	"github.com/rendis/taskflow/internal/diagram"
	"github.com/rendis/taskflow/pkg/schema"
)

// handleDefinitionDiagram renders a definition. ?format= mermaid (default),
// ascii, png or svg; ?version= pins a version.
func (s *Server) handleDefinitionDiagram(w http.ResponseWriter, r *http.Request) {
	def, err := s.deps.Engine.GetDefinitionVersion(r.Context(), r.PathValue("id"), queryInt(r, "version", 0))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.writeDiagram(w, r, def, nil, nil)
}

// handleInstanceDiagram renders the definition of an instance overlaid with its progress.
func (s *Server) handleInstanceDiagram(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, err := s.deps.Engine.GetInstance(ctx, r.PathValue("id"))
	if err != nil {
		writeFlowError(w, err)
		return
	}
	def, err := s.deps.Engine.GetDefinitionVersion(ctx, inst.DefinitionID, inst.DefinitionVersion)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	execs, err := s.deps.Engine.GetNodeExecutions(ctx, inst.ID)
	if err != nil {
		writeFlowError(w, err)
		return
	}
	s.writeDiagram(w, r, def, inst, execs)
}

func (s *Server) writeDiagram(w http.ResponseWriter, r *http.Request, def *schema.WorkflowDefinition, inst *schema.WorkflowInstance, execs []*schema.NodeExecution) {
	model, err := diagram.Build(def, inst, execs)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	format := r.URL.Query().Get("format")
	switch format {
	case "", "mermaid":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderMermaid(model)))
	case "ascii":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(diagram.RenderASCII(model)))
	case diagram.FormatPNG, diagram.FormatSVG:
		img, err := diagram.RenderImage(r.Context(), model, format)
		if err != nil {
			s.deps.Logger.Error("diagram render failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if format == diagram.FormatPNG {
			w.Header().Set("Content-Type", "image/png")
		} else {
			w.Header().Set("Content-Type", "image/svg+xml")
		}
		w.Write(img)
	default:
		writeError(w, http.StatusBadRequest, "unknown diagram format: "+format)
	}
}
