// Package settings provides HTTP handlers for the effective configuration.
package settings

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/wakewatch/internal/config"
	"go.uber.org/zap"
)

// Redacted replaces secret values in responses.
const Redacted = "********"

// Source supplies the current typed settings.
type Source interface {
	Settings() config.Settings
}

// ReloadFunc re-reads the config file and applies it.
type ReloadFunc func() error

// EffectiveSettings is the response body of GET /api/v1/settings.
type EffectiveSettings struct {
	Device      DeviceSettings      `json:"device"`
	SmartThings SmartThingsSettings `json:"smartthings"`
	Monitor     MonitorSettings     `json:"monitor"`
	ConfigFile  string              `json:"config_file,omitempty"`
}

// DeviceSettings mirrors the DeviceMonitor section.
type DeviceSettings struct {
	DeviceIP      string `json:"device_ip"`
	CheckInterval string `json:"check_interval"`
	PingTimeout   string `json:"ping_timeout"`
	Privileged    bool   `json:"privileged"`
}

// SmartThingsSettings mirrors the SmartThings section with the token redacted.
type SmartThingsSettings struct {
	AccessToken        string `json:"access_token"`
	DeviceID           string `json:"tv_device_id"`
	BaseURL            string `json:"base_url"`
	RequestTimeout     string `json:"request_timeout"`
	MinRequestInterval string `json:"min_request_interval"`
	Configured         bool   `json:"configured"`
}

// MonitorSettings mirrors the Monitor section.
type MonitorSettings struct {
	MaxAttempts    int    `json:"max_attempts"`
	RetryDelay     string `json:"retry_delay"`
	DebounceWindow string `json:"debounce_window"`
	SettleDelay    string `json:"settle_delay"`
	ResumeSignal   bool   `json:"resume_signal"`
}

// Handler provides HTTP handlers for settings endpoints.
type Handler struct {
	source     Source
	configFile func() string
	reload     ReloadFunc
	logger     *zap.Logger
}

// NewHandler creates a settings Handler. A nil reload disables
// POST /api/v1/settings/reload.
func NewHandler(store *config.Store, reload ReloadFunc, logger *zap.Logger) *Handler {
	return &Handler{
		source:     store,
		configFile: store.ConfigFile,
		reload:     reload,
		logger:     logger,
	}
}

// RegisterRoutes registers settings endpoints on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/settings", h.handleGet)
	mux.HandleFunc("POST /api/v1/settings/reload", h.handleReload)
}

func (h *Handler) handleGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.effective())
}

func (h *Handler) handleReload(w http.ResponseWriter, _ *http.Request) {
	if h.reload == nil {
		writeSettingsError(w, http.StatusNotFound, "reload is not available")
		return
	}
	if err := h.reload(); err != nil {
		h.logger.Warn("config reload failed", zap.Error(err))
		writeSettingsError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.logger.Info("config reloaded via API")
	writeJSON(w, http.StatusOK, h.effective())
}

func (h *Handler) effective() EffectiveSettings {
	st := h.source.Settings()
	token := ""
	if st.AccessToken != "" {
		token = Redacted
	}
	out := EffectiveSettings{
		Device: DeviceSettings{
			DeviceIP:      st.DeviceIP,
			CheckInterval: st.CheckInterval.String(),
			PingTimeout:   st.PingTimeout.String(),
			Privileged:    st.Privileged,
		},
		SmartThings: SmartThingsSettings{
			AccessToken:        token,
			DeviceID:           st.DeviceID,
			BaseURL:            st.BaseURL,
			RequestTimeout:     st.RequestTimeout.String(),
			MinRequestInterval: st.MinRequestInterval.String(),
			Configured:         st.Configured(),
		},
		Monitor: MonitorSettings{
			MaxAttempts:    st.MaxAttempts,
			RetryDelay:     st.RetryDelay.String(),
			DebounceWindow: st.DebounceWindow.String(),
			SettleDelay:    st.SettleDelay.String(),
			ResumeSignal:   st.ResumeSignal,
		},
	}
	if h.configFile != nil {
		out.ConfigFile = h.configFile()
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeSettingsError writes an RFC 7807 problem response.
func writeSettingsError(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  http.StatusText(status),
		"status": status,
		"detail": detail,
	})
}
