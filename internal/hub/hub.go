// Package hub accepts WebSocket channels for one peer kind, frames the wire
// protocol, and fans inbound envelopes into the kernel. Connections are
// owned by their hub; the kernel addresses peers only through opaque
// connection ids and Send.
package hub

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

var (
	// ErrConnectionNotFound is returned by Send for unknown connection ids.
	ErrConnectionNotFound = errors.New("hub: connection not found")
	// ErrHubClosed is returned once the hub stopped accepting connections.
	ErrHubClosed = errors.New("hub: closed")
)

// Handler receives connection lifecycle events and inbound messages. All
// callbacks for one connection run on that connection's read loop, so a
// handler observes each channel's messages in FIFO order.
type Handler interface {
	OnConnect(origin protocol.Origin, connectionID string)
	OnMessage(origin protocol.Origin, connectionID string, msg *protocol.Message)
	OnDisconnect(origin protocol.Origin, connectionID string)
}

// Hub manages all connections of one peer kind.
type Hub struct {
	origin   protocol.Origin
	version  string
	handler  Handler
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	logger *logger.Logger
}

// New creates a hub for the given peer kind.
func New(origin protocol.Origin, version string, handler Handler, log *logger.Logger) *Hub {
	return &Hub{
		origin:  origin,
		version: version,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns:  make(map[string]*conn),
		logger: log.WithFields(zap.String("hub", string(origin))),
	}
}

// ServeHTTP upgrades the request and attaches the channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	h.Attach(ws)
}

// Attach registers a new channel, sends the welcome message, and starts the
// read and write pumps. Returns the minted connection id, or "" when the hub
// is already closed.
func (h *Hub) Attach(ws *websocket.Conn) string {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = ws.Close()
		return ""
	}
	c := newConn(protocol.NewID(), ws, h)
	h.conns[c.id] = c
	h.mu.Unlock()

	h.logger.Debug("Connection attached", zap.String("connection_id", c.id))
	h.handler.OnConnect(h.origin, c.id)

	welcome, _ := protocol.NewMessage(protocol.TypeWelcome, protocol.WelcomeContent{
		ConnectionID:        c.id,
		OrchestratorVersion: h.version,
	})
	_ = h.Send(c.id, welcome)

	go c.writePump()
	go c.readPump()
	return c.id
}

// Send serializes the message to the given connection. The timestamp is
// assigned here, on egress. Safe for concurrent callers.
func (h *Hub) Send(connectionID string, msg *protocol.Message) error {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrConnectionNotFound
	}
	if msg.ID == "" {
		msg.ID = protocol.NewID()
	}
	msg.Timestamp = protocol.Now()
	return c.enqueue(msg)
}

// Close terminates a single connection.
func (h *Hub) Close(connectionID string) {
	h.mu.RLock()
	c, ok := h.conns[connectionID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Shutdown stops accepting connections and closes every live channel.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.logger.Info("Hub shut down", zap.Int("connections_closed", len(conns)))
}

// detach removes the connection and notifies the handler. Called exactly
// once per connection, from its read pump.
func (h *Hub) detach(c *conn) {
	h.mu.Lock()
	_, ok := h.conns[c.id]
	if ok {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	h.logger.Debug("Connection detached", zap.String("connection_id", c.id))
	h.handler.OnDisconnect(h.origin, c.id)
}
