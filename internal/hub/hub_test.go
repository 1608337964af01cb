package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivegrid/hivegrid/internal/common/logger"
	"github.com/hivegrid/hivegrid/pkg/protocol"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

// recordingHandler captures lifecycle callbacks and inbound messages.
type recordingHandler struct {
	mu           sync.Mutex
	connected    []string
	disconnected []string
	messages     []*protocol.Message
}

func (h *recordingHandler) OnConnect(origin protocol.Origin, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connected = append(h.connected, connID)
}

func (h *recordingHandler) OnMessage(origin protocol.Origin, connID string, msg *protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, msg)
}

func (h *recordingHandler) OnDisconnect(origin protocol.Origin, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = append(h.disconnected, connID)
}

func (h *recordingHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

func (h *recordingHandler) disconnectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.disconnected)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readEnvelope(t *testing.T, ws *websocket.Conn) *protocol.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func newTestHub(t *testing.T) (*Hub, *recordingHandler, *httptest.Server) {
	t.Helper()
	handler := &recordingHandler{}
	h := New(protocol.OriginAgent, "test-version", handler, testLogger(t))
	srv := httptest.NewServer(http.HandlerFunc(h.ServeHTTP))
	t.Cleanup(srv.Close)
	t.Cleanup(h.Shutdown)
	return h, handler, srv
}

func TestWelcomeOnConnect(t *testing.T) {
	h, handler, srv := newTestHub(t)
	ws := dial(t, srv)

	welcome := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.ID)
	assert.NotEmpty(t, welcome.Timestamp)

	var content protocol.WelcomeContent
	require.NoError(t, welcome.ParseContent(&content))
	assert.NotEmpty(t, content.ConnectionID)
	assert.Equal(t, "test-version", content.OrchestratorVersion)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.connected, 1)
	assert.Equal(t, handler.connected[0], content.ConnectionID)
	assert.Equal(t, 1, h.Count())
}

func TestInboundReachesHandlerAndSendReplies(t *testing.T) {
	h, handler, srv := newTestHub(t)
	ws := dial(t, srv)

	welcome := readEnvelope(t, ws)
	var wc protocol.WelcomeContent
	require.NoError(t, welcome.ParseContent(&wc))

	ping, err := protocol.NewMessage(protocol.TypePing, protocol.PingContent{})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(ping))

	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	handler.mu.Lock()
	got := handler.messages[0]
	handler.mu.Unlock()
	assert.Equal(t, ping.ID, got.ID)
	assert.Equal(t, protocol.TypePing, got.Type)

	// Send assigns the timestamp on egress.
	pong, err := protocol.NewReply(ping.ID, protocol.TypePong, protocol.PongContent{Timestamp: protocol.Now()})
	require.NoError(t, err)
	require.NoError(t, h.Send(wc.ConnectionID, pong))

	reply := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypePong, reply.Type)
	assert.Equal(t, ping.ID, reply.RequestID)
	assert.NotEmpty(t, reply.Timestamp)
}

func TestMalformedFrameAnswered(t *testing.T) {
	_, handler, srv := newTestHub(t)
	ws := dial(t, srv)
	readEnvelope(t, ws) // welcome

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))

	reply := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, protocol.ErrCodeInvalidPayload, reply.ErrorString())

	// The channel survives a bad frame.
	ping, err := protocol.NewMessage(protocol.TypePing, protocol.PingContent{})
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(ping))
	require.Eventually(t, func() bool { return handler.messageCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestMissingTypeRejected(t *testing.T) {
	_, _, srv := newTestHub(t)
	ws := dial(t, srv)
	readEnvelope(t, ws) // welcome

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"id":"m1","content":{}}`)))

	reply := readEnvelope(t, ws)
	assert.Equal(t, protocol.TypeError, reply.Type)
	assert.Equal(t, protocol.ErrCodeInvalidPayload, reply.ErrorString())
	assert.Equal(t, "m1", reply.RequestID)
}

func TestDisconnectDetaches(t *testing.T) {
	h, handler, srv := newTestHub(t)
	ws := dial(t, srv)
	welcome := readEnvelope(t, ws)
	var wc protocol.WelcomeContent
	require.NoError(t, welcome.ParseContent(&wc))

	require.NoError(t, ws.Close())

	require.Eventually(t, func() bool { return handler.disconnectCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Count())
	assert.ErrorIs(t, h.Send(wc.ConnectionID, &protocol.Message{Type: protocol.TypePong}), ErrConnectionNotFound)
}

func TestSendUnknownConnection(t *testing.T) {
	h, _, _ := newTestHub(t)
	err := h.Send("nope", &protocol.Message{Type: protocol.TypePong})
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestShutdownClosesConnections(t *testing.T) {
	h, handler, srv := newTestHub(t)
	ws := dial(t, srv)
	readEnvelope(t, ws) // welcome

	h.Shutdown()

	require.Eventually(t, func() bool { return handler.disconnectCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.Count())

	// New channels are refused after shutdown.
	require.NoError(t, ws.Close())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws2, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		// The upgrade may still succeed; the hub closes the socket right away.
		defer ws2.Close()
		require.NoError(t, ws2.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, rerr := ws2.ReadMessage()
		assert.Error(t, rerr)
	}
	if resp != nil {
		resp.Body.Close()
	}
}
