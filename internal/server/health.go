package server

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"client-file-vault/internal/logging"
)

// ComponentHealth is the readiness of one dependency.
type ComponentHealth struct {
	Status    string  `json:"status"`
	Message   string  `json:"message,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// handleLive is the liveness probe: the process is up.
func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady pings every registered dependency and answers 503 when any
// of them is down.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ok", http.StatusOK
	components := make(map[string]ComponentHealth, len(names))
	for _, name := range names {
		start := time.Now()
		err := s.checks[name].Ping(ctx)
		ch := ComponentHealth{Status: "up", LatencyMs: float64(time.Since(start).Microseconds()) / 1000}
		if err != nil {
			ch.Status = "down"
			ch.Message = "unavailable"
			status, code = "not_ready", http.StatusServiceUnavailable
			logging.FromContext(r.Context(), s.logger).Warn("readiness check failed",
				zap.String("component", name), zap.Error(err))
		}
		components[name] = ch
	}

	writeJSON(w, code, map[string]any{
		"status":     status,
		"version":    s.cfg.Version,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
	})
}
