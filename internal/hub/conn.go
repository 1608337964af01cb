package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hivegrid/hivegrid/pkg/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB
)

// conn is a single live channel. The read pump feeds the hub handler; the
// write pump drains the buffered send channel.
type conn struct {
	id   string
	ws   *websocket.Conn
	hub  *Hub
	send chan []byte
}

func newConn(id string, ws *websocket.Conn, h *Hub) *conn {
	return &conn{
		id:   id,
		ws:   ws,
		hub:  h,
		send: make(chan []byte, 256),
	}
}

// enqueue queues a marshaled message for the write pump.
func (c *conn) enqueue(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.hub.logger.Warn("Send buffer full, dropping message",
			zap.String("connection_id", c.id),
			zap.String("type", msg.Type))
		return nil
	}
}

// close tears down the websocket. The send channel is never closed so that
// concurrent Send calls stay safe; both pumps exit on the closed socket.
func (c *conn) close() {
	_ = c.ws.Close()
}

// readPump pumps frames from the channel into the hub handler. Malformed
// frames are answered with an error envelope and the channel stays open.
func (c *conn) readPump() {
	defer func() {
		c.close()
		c.hub.detach(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("WebSocket read error",
					zap.String("connection_id", c.id),
					zap.Error(err))
			}
			return
		}

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.hub.logger.Debug("Malformed frame",
				zap.String("connection_id", c.id),
				zap.Error(err))
			reply := protocol.NewErrorReply(probeID(data), protocol.ErrCodeInvalidPayload, "malformed message envelope")
			_ = c.hub.Send(c.id, reply)
			continue
		}
		if msg.Type == "" {
			reply := protocol.NewErrorReply(msg.ID, protocol.ErrCodeInvalidPayload, "message type is required")
			_ = c.hub.Send(c.id, reply)
			continue
		}

		c.hub.handler.OnMessage(c.hub.origin, c.id, &msg)
	}
}

// writePump drains the send channel to the channel with keepalive pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// probeID extracts the envelope id from an unparseable frame, if the frame
// is at least valid enough to carry one.
func probeID(data []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.ID
}
