// Package ws streams monitor events to WebSocket clients.
package ws

import (
	"encoding/json"
	"net/http"

	"github.com/HerbHall/wakewatch/internal/event"
	"github.com/coder/websocket"
	"go.uber.org/zap"
)

// Handler provides the WebSocket endpoint for the live event feed.
type Handler struct {
	hub    *Hub
	logger *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a feed handler following bus. bus and status may be
// nil.
func NewHandler(bus event.Subscriber, status StatusFunc, logger *zap.Logger) *Handler {
	h := &Handler{hub: NewHub(status, logger), logger: logger}
	if bus != nil {
		h.hub.Follow(bus)
	}
	return h
}

// RegisterRoutes registers WebSocket routes on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/ws/events", h.handleEvents)
}

// Close stops forwarding bus events and disconnects all clients.
func (h *Handler) Close() {
	h.hub.Close()
}

// handleEvents upgrades the connection and streams events until either
// side goes away. ?topics= narrows the stream to the listed types.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	topics, err := ParseTopics(r.URL.Query().Get("topics"))
	if err != nil {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":   "about:blank",
			"title":  http.StatusText(http.StatusBadRequest),
			"status": http.StatusBadRequest,
			"detail": err.Error(),
		})
		return
	}

	// Default options reject cross-origin browsers.
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}

	client := newClient(conn, r.RemoteAddr, topics, h.logger)
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}

	// The feed is one-way: CloseRead discards client frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	code := client.writePump(ctx)

	h.hub.Unregister(client)
	conn.Close(code, "")
}
