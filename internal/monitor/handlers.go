package monitor

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/wakewatch/internal/wake"
	"go.uber.org/zap"
)

// Handler exposes the monitor's status and lifecycle controls over HTTP.
type Handler struct {
	mon    *Monitor
	manual *wake.ManualSource
	logger *zap.Logger
}

// NewHandler creates a Handler. manual may be nil, which disables the wake
// trigger endpoint.
func NewHandler(mon *Monitor, manual *wake.ManualSource, logger *zap.Logger) *Handler {
	return &Handler{mon: mon, manual: manual, logger: logger}
}

// RegisterRoutes registers the monitor routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/monitor/status", h.handleStatus)
	mux.HandleFunc("POST /api/v1/monitor/pause", h.handlePause)
	mux.HandleFunc("POST /api/v1/monitor/resume", h.handleResume)
	mux.HandleFunc("POST /api/v1/monitor/restart", h.handleRestart)
	mux.HandleFunc("POST /api/v1/monitor/wake", h.handleWake)
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.Status())
}

func (h *Handler) handlePause(w http.ResponseWriter, _ *http.Request) {
	if h.mon.State() != Running {
		writeError(w, http.StatusConflict, "monitoring is not running")
		return
	}
	h.mon.Pause()
	writeJSON(w, http.StatusOK, h.mon.Status())
}

func (h *Handler) handleResume(w http.ResponseWriter, _ *http.Request) {
	h.mon.Resume()
	writeJSON(w, http.StatusOK, h.mon.Status())
}

func (h *Handler) handleRestart(w http.ResponseWriter, _ *http.Request) {
	h.logger.Info("restart requested via API")
	h.mon.Restart()
	writeJSON(w, http.StatusOK, h.mon.Status())
}

// handleWake injects a manual wake event. The debouncer still applies, so
// the response only confirms the event was queued.
func (h *Handler) handleWake(w http.ResponseWriter, _ *http.Request) {
	if h.manual == nil {
		writeError(w, http.StatusNotFound, "manual wake trigger disabled")
		return
	}
	if !h.manual.Trigger("api") {
		writeError(w, http.StatusConflict, "monitoring is not running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// -- helpers --

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
