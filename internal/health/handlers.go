package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/zsiec/cadence/pkg/version"
)

// Sessions is the view of the session manager the probes report on.
type Sessions interface {
	SessionCounter
	// Ready reports whether the configured sessions were created and new
	// ones are accepted.
	Ready() bool
}

// SessionSummary is the session part of a probe response.
type SessionSummary struct {
	Ready  bool `json:"ready"`
	Total  int  `json:"total"`
	Failed int  `json:"failed"`
}

// Response is the /health body.
type Response struct {
	Status        Status            `json:"status"`
	Timestamp     time.Time         `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Sessions      *SessionSummary   `json:"sessions,omitempty"`
	Checks        map[string]*Check `json:"checks,omitempty"`
}

// ReadyResponse is the /ready body. Reason is set when not ready.
type ReadyResponse struct {
	Ready     bool            `json:"ready"`
	Status    Status          `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	Sessions  *SessionSummary `json:"sessions,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler serves the probe endpoints.
type Handler struct {
	manager   *Manager
	sessions  Sessions
	startTime time.Time
}

// NewHandler builds the probe handler. sessions may be nil, in which case
// readiness only follows the checkers.
func NewHandler(manager *Manager, sessions Sessions) *Handler {
	return &Handler{
		manager:   manager,
		sessions:  sessions,
		startTime: time.Now(),
	}
}

// HandleHealth runs every checker and reports them with the session counts.
// Degraded still answers 200.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	checks := h.manager.RunChecks(ctx)
	status := h.manager.GetOverallStatus()
	uptime := time.Since(h.startTime)

	resp := Response{
		Status:        status,
		Timestamp:     time.Now(),
		Version:       version.Version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: int64(uptime.Seconds()),
		Sessions:      h.summary(),
		Checks:        checks,
	}

	code := http.StatusOK
	if status == StatusDown {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// HandleReady answers 503 until the session manager has started and while
// the last checker results are down. It does not run the checkers.
func (h *Handler) HandleReady(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{
		Status:    h.manager.GetOverallStatus(),
		Sessions:  h.summary(),
		Timestamp: time.Now(),
	}

	switch {
	case h.sessions != nil && !h.sessions.Ready():
		resp.Reason = "sessions not started"
	case resp.Status == StatusDown:
		resp.Reason = "health checks failing"
	default:
		resp.Ready = true
	}

	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// HandleLive answers 200 while the process serves HTTP.
func (h *Handler) HandleLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

func (h *Handler) summary() *SessionSummary {
	if h.sessions == nil {
		return nil
	}
	total, failed := h.sessions.Counts()
	return &SessionSummary{Ready: h.sessions.Ready(), Total: total, Failed: failed}
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.manager.logger.WithError(err).Error("Failed to encode health response")
	}
}
