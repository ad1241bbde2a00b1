package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/taskflow/internal/streaming"
)

// sseKeepAlive is how often an idle stream gets a comment line so proxies
// keep the connection open.
const sseKeepAlive = 15 * time.Second

// eventStream serves a text/event-stream of hub events selected by scope.
// Every stream also honours ?types=a,b. Frames carry a per-stream sequence
// number as their id.
func (s *Server) eventStream(scope func(r *http.Request) streaming.EventFilter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Hub == nil {
			writeError(w, http.StatusNotImplemented, "event hub not configured")
			return
		}
		rc := http.NewResponseController(w)

		filter := scope(r)
		filter.EventTypes = splitList(r.URL.Query().Get("types"))
		events, unsubscribe, err := s.deps.Hub.Subscribe(r.Context(), filter)
		if err != nil {
			s.deps.Logger.Error("event stream subscribe", "error", err)
			writeError(w, http.StatusInternalServerError, "subscribe failed")
			return
		}
		defer unsubscribe()

		h := w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		if err := rc.Flush(); err != nil {
			return
		}

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		for seq := 1; ; {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
			case ev, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					s.deps.Logger.Warn("event stream encode", "event_type", ev.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", ev.Type, seq, data)
				seq++
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func allEvents(*http.Request) streaming.EventFilter { return streaming.EventFilter{} }

func instanceEvents(r *http.Request) streaming.EventFilter {
	return streaming.EventFilter{InstanceID: r.PathValue("id")}
}

func taskEvents(r *http.Request) streaming.EventFilter {
	return streaming.EventFilter{TaskID: r.PathValue("id")}
}

// splitList splits a comma separated query value, dropping blanks.
func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
