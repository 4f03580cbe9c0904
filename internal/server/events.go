package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sells-group/aio-analyzer/internal/model"
	"github.com/sells-group/aio-analyzer/internal/pipeline"
)

// events streams a project's progress as server-sent events. The stream
// opens with a "project" snapshot, carries "progress" events and ends after
// the project reaches a terminal status.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	events, unsubscribe := s.runner.Subscribe()
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "project", projectResponse{
		Project:  p,
		Progress: p.ProgressPercentage(),
		Running:  s.runner.Running(p.ID),
	}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.ProjectID != p.ID {
				continue
			}
			if err := writeEvent(w, "progress", e); err != nil {
				return
			}
			flusher.Flush()
			if terminal(e) {
				return
			}
		}
	}
}

// terminal reports whether e is a project-level transition to a final status.
func terminal(e pipeline.Event) bool {
	if e.Stage != "" {
		return false
	}
	switch e.ProjectStatus {
	case model.ProjectStatusCompleted, model.ProjectStatusFailed, model.ProjectStatusCancelled:
		return true
	default:
		return false
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("server: encode event", zap.Error(err))
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
