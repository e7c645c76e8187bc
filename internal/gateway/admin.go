package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/observability"
)

func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	name := s.valves.String("pipeline_name")
	if name == "" {
		name = "relay"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        name,
		"description": "agent-orchestration gateway",
		"version":     s.version,
		"pipeline_id": s.cfg.PipelineID,
		"pipelines":   true,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type modelEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// handleModels lists the routable agents plus the auto pseudo-model. The
// shadow observer is deliberately absent: it is not invocable.
func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	created := s.startTime.Unix()
	data := []modelEntry{{
		ID: autoModel, Name: "Automatic Routing", Object: "model",
		Created: created, OwnedBy: "relay",
	}}
	for _, desc := range s.agents {
		if desc.ID == agent.ShadowObserverID {
			continue
		}
		data = append(data, modelEntry{
			ID: desc.ID, Name: desc.Name, Object: "model",
			Created: created, OwnedBy: "relay",
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object":    "list",
		"data":      data,
		"pipelines": true,
	})
}

func (s *Server) handleValveSpec(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.valves.Spec())
}

func (s *Server) handleValveGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.valves.Current())
}

func (s *Server) handleValveUpdate(w http.ResponseWriter, r *http.Request) {
	var updates map[string]any
	if err := json.NewDecoder(r.Body).Decode(&updates); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	writeJSON(w, http.StatusOK, s.valves.Update(r.Context(), updates))
}

func (s *Server) handleValveReset(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.valves.Reset(r.Context()))
}

// handleLogs projects the ring buffer. Raw records are only exposed when the
// expose_logs_ui valve is on; otherwise the endpoint reports counts.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	window := s.retentionWindow(r)

	maxLines := s.valves.Int("log_max_lines")
	if v := queryInt(r, "max_lines"); v > 0 && (maxLines <= 0 || v < maxLines) {
		maxLines = v
	}

	filter := observability.Filter{
		MinLevel: r.URL.Query().Get("level"),
		MaxLines: maxLines,
	}
	if window > 0 {
		filter.Since = time.Now().Add(-window)
	}
	records := s.ring.Query(filter)

	if !s.valves.Bool("expose_logs_ui") {
		byLevel := make(map[string]int)
		for _, rec := range records {
			byLevel[rec.Level]++
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"count":    len(records),
			"by_level": byLevel,
			"window":   window.String(),
			"detail":   "enable the expose_logs_ui valve for raw records",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  len(records),
		"window": window.String(),
		"logs":   records,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	window := s.retentionWindow(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"pipeline_id":    s.cfg.PipelineID,
		"version":        s.version,
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"tools":          s.registry.Names(),
		"turn_states":    s.tracker.Counts(window),
		"window":         window.String(),
	})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.diag.Scan(s.retentionWindow(r)))
}

// retentionWindow resolves the projection window: the minutes query parameter
// when present, else the log_retention_minutes valve.
func (s *Server) retentionWindow(r *http.Request) time.Duration {
	if v := queryInt(r, "minutes"); v > 0 {
		return time.Duration(v) * time.Minute
	}
	if v := s.valves.Int("log_retention_minutes"); v > 0 {
		return time.Duration(v) * time.Minute
	}
	return time.Hour
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
