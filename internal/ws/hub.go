package ws

import (
	"context"
	"sync"
	"time"

	"github.com/HerbHall/wakewatch/internal/event"
	"github.com/HerbHall/wakewatch/internal/monitor"
	"github.com/HerbHall/wakewatch/internal/presence"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

// retained lists the message types the hub remembers and replays, in
// order, to clients that connect later. Lifecycle and presence are
// already covered by the status snapshot.
var retained = []MessageType{MessageWakeProcessed}

// StatusFunc returns the snapshot sent to each client on connect.
type StatusFunc func() any

// Client is one connected feed subscriber.
type Client struct {
	conn   *websocket.Conn
	remote string
	topics map[MessageType]bool // nil selects every type
	send   chan Message
	logger *zap.Logger
}

func newClient(conn *websocket.Conn, remote string, topics map[MessageType]bool, logger *zap.Logger) *Client {
	return &Client{
		conn:   conn,
		remote: remote,
		topics: topics,
		send:   make(chan Message, sendBuffer),
		logger: logger,
	}
}

func (c *Client) wants(t MessageType) bool {
	return c.topics == nil || c.topics[t]
}

// Hub fans monitor events out to feed clients. A new client first gets a
// status snapshot and the retained messages, then live events. A client
// whose buffer fills up is disconnected rather than silently missing
// events.
type Hub struct {
	status StatusFunc
	logger *zap.Logger

	mu          sync.Mutex
	clients     map[*Client]struct{}
	latest      map[MessageType]Message
	unsubscribe []func()
	closed      bool
}

// NewHub creates a hub. status may be nil.
func NewHub(status StatusFunc, logger *zap.Logger) *Hub {
	return &Hub{
		status:  status,
		logger:  logger,
		clients: make(map[*Client]struct{}),
		latest:  make(map[MessageType]Message),
	}
}

// Follow subscribes the hub to the monitor's bus topics. Payloads of an
// unexpected type are ignored.
func (h *Hub) Follow(bus event.Subscriber) {
	unsubs := []func(){
		bus.Subscribe(monitor.TopicStateChanged, func(_ context.Context, e event.Event) {
			if sc, ok := e.Payload.(monitor.StateChange); ok {
				h.Broadcast(stateChangedMessage(e.Timestamp, sc))
			}
		}),
		bus.Subscribe(presence.TopicChanged, func(_ context.Context, e event.Event) {
			if change, ok := e.Payload.(presence.Change); ok {
				h.Broadcast(Message{Type: MessagePresence, Timestamp: e.Timestamp, Data: change})
			}
		}),
		bus.Subscribe(monitor.TopicWakeProcessed, func(_ context.Context, e event.Event) {
			if res, ok := e.Payload.(monitor.WakeResult); ok {
				h.Broadcast(wakeProcessedMessage(e.Timestamp, res))
			}
		}),
	}

	h.mu.Lock()
	h.unsubscribe = append(h.unsubscribe, unsubs...)
	h.mu.Unlock()
}

// Register adds c and queues its opening messages. Both happen under the
// hub lock, so no live event can overtake the snapshot.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(c.send)
		return false
	}
	h.clients[c] = struct{}{}

	if h.status != nil && c.wants(MessageStatus) {
		c.send <- Message{Type: MessageStatus, Timestamp: time.Now(), Data: h.status()}
	}
	for _, t := range retained {
		if msg, ok := h.latest[t]; ok && c.wants(t) {
			c.send <- msg
		}
	}
	h.logger.Debug("feed client connected", zap.String("remote", c.remote), zap.Int("clients", len(h.clients)))
	return true
}

// Unregister removes c and closes its send channel. Safe to call twice.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removeLocked(c) {
		h.logger.Debug("feed client disconnected", zap.String("remote", c.remote))
	}
}

// Broadcast delivers msg to every client that selected its type and
// remembers it if the type is retained.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, t := range retained {
		if msg.Type == t {
			h.latest[t] = msg
		}
	}
	for c := range h.clients {
		if !c.wants(msg.Type) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("feed client too slow, disconnecting",
				zap.String("remote", c.remote),
				zap.String("type", string(msg.Type)))
			h.removeLocked(c)
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close stops following the bus and disconnects every client. Later
// registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, unsub := range h.unsubscribe {
		unsub()
	}
	h.unsubscribe = nil
	for c := range h.clients {
		h.removeLocked(c)
	}
	h.closed = true
}

func (h *Hub) removeLocked(c *Client) bool {
	if _, ok := h.clients[c]; !ok {
		return false
	}
	delete(h.clients, c)
	close(c.send)
	return true
}

// writePump writes queued messages and keepalive pings until ctx ends,
// the hub drops the client, or a write fails. It returns the close status
// to send.
func (c *Client) writePump(ctx context.Context) websocket.StatusCode {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure
		case msg, ok := <-c.send:
			if !ok {
				// Dropped by the hub: too slow, or shutting down.
				return websocket.StatusGoingAway
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write error", zap.String("remote", c.remote), zap.Error(err))
				return websocket.StatusInternalError
			}
		case <-ping.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("websocket ping failed", zap.String("remote", c.remote), zap.Error(err))
				return websocket.StatusGoingAway
			}
		}
	}
}
