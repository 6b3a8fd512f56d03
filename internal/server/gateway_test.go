package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
)

func serveGateway(t *testing.T, node *Node, cfg GatewayConfig) (*ChatGateway, string) {
	t.Helper()
	gw := NewChatGateway(node, cfg, log.NewNop())
	srv := httptest.NewServer(gw)
	t.Cleanup(func() {
		_ = gw.Close()
		srv.Close()
	})
	return gw, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialChat(t *testing.T, url string, node *Node) *websocket.Conn {
	t.Helper()
	before := node.Stats().Subscribers
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return node.Stats().Subscribers == before+1 }, time.Second, time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn, typ string) ChatEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var ev ChatEvent
		require.NoError(t, conn.ReadJSON(&ev))
		if ev.Type == typ {
			return ev
		}
	}
}

func TestChatGateway_SendAndReceive(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())
	bob := joinNode(t, hub, 2, fastConfig())

	_, aliceURL := serveGateway(t, alice, DefaultGatewayConfig())
	_, bobURL := serveGateway(t, bob, DefaultGatewayConfig())

	aliceConn := dialChat(t, aliceURL, alice)
	bobConn := dialChat(t, bobURL, bob)

	text := longText()
	require.NoError(t, aliceConn.WriteJSON(ChatRequest{To: 2, Text: text}))

	queued := readEvent(t, aliceConn, chatQueued)
	assert.Equal(t, "!00000001", queued.From)
	assert.Equal(t, "!00000002", queued.To)
	require.NotEmpty(t, queued.ID)

	sent := readEvent(t, aliceConn, string(EventSent))
	assert.Equal(t, queued.ID, sent.ID)
	assert.Equal(t, sent.Segments, sent.Acked)
	assert.Zero(t, sent.Code)

	delivered := readEvent(t, bobConn, string(EventDelivered))
	assert.Equal(t, queued.ID, delivered.ID)
	assert.Equal(t, text, delivered.Text)
	assert.Equal(t, "!00000001", delivered.From)
}

func TestChatGateway_AcceptsTextAddresses(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())
	joinNode(t, hub, 2, fastConfig())

	_, url := serveGateway(t, alice, DefaultGatewayConfig())
	conn := dialChat(t, url, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"to":"!00000002","text":"hi"}`)))
	assert.Equal(t, "!00000002", readEvent(t, conn, chatQueued).To)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"to":"^all","text":"hi all"}`)))
	assert.Equal(t, "^all", readEvent(t, conn, chatQueued).To)
}

func TestChatGateway_AcceptsNumericAddress(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())
	joinNode(t, hub, 2, fastConfig())

	_, url := serveGateway(t, alice, DefaultGatewayConfig())
	conn := dialChat(t, url, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"to":2,"text":"hi"}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev ChatEvent
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, chatQueued, ev.Type, ev.Error)
	assert.Equal(t, "!00000002", ev.To)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"to":-2,"text":"hi"}`)))
	assert.Contains(t, readEvent(t, conn, chatError).Error, "bad node id")
}

func TestChatGateway_BadRequests(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())

	_, url := serveGateway(t, alice, DefaultGatewayConfig())
	conn := dialChat(t, url, alice)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	ev := readEvent(t, conn, chatError)
	assert.Contains(t, ev.Error, ErrInvalidMessage.Error())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"to":"nobody","text":"x"}`)))
	ev = readEvent(t, conn, chatError)
	assert.Contains(t, ev.Error, "bad node id")
}

func TestChatGateway_FailedDeliveryEvent(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())

	_, url := serveGateway(t, alice, DefaultGatewayConfig())
	conn := dialChat(t, url, alice)

	require.NoError(t, conn.WriteJSON(ChatRequest{To: 9, Text: "is anyone there"}))
	failed := readEvent(t, conn, string(EventFailed))
	assert.Equal(t, int(protocol.ErrorCodePartialDelivery), failed.Code)
	assert.Zero(t, failed.Acked)
	assert.NotEmpty(t, failed.Error)
}

func TestChatGateway_Token(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())

	cfg := DefaultGatewayConfig()
	cfg.Token = "s3cret"
	_, url := serveGateway(t, alice, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=wrong", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dialChat(t, url+"?token=s3cret", alice)
}

func TestChatGateway_CloseDisconnectsClients(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())

	gw, url := serveGateway(t, alice, DefaultGatewayConfig())
	conn := dialChat(t, url, alice)
	require.Equal(t, 1, gw.Clients())

	require.NoError(t, gw.Close())
	assert.Zero(t, gw.Clients())
	assert.Zero(t, alice.Stats().Subscribers)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestChatGateway_RateLimit(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())
	joinNode(t, hub, 2, fastConfig())

	cfg := DefaultGatewayConfig()
	cfg.RateLimit = 1
	cfg.RateWindow = time.Hour
	_, url := serveGateway(t, alice, cfg)
	conn := dialChat(t, url, alice)

	require.NoError(t, conn.WriteJSON(ChatRequest{To: 2, Text: "first"}))
	readEvent(t, conn, chatQueued)

	require.NoError(t, conn.WriteJSON(ChatRequest{To: 2, Text: "second"}))
	ev := readEvent(t, conn, chatError)
	assert.Equal(t, ErrRateLimited.Error(), ev.Error)
}

func TestChatGateway_RequestSizeLimit(t *testing.T) {
	hub := newHub()
	alice := joinNode(t, hub, 1, fastConfig())

	cfg := DefaultGatewayConfig()
	cfg.MaxRequestBytes = 64
	gw, url := serveGateway(t, alice, cfg)
	conn := dialChat(t, url, alice)

	big, err := json.Marshal(ChatRequest{To: 2, Text: strings.Repeat("x", 200)})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, big))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return gw.Clients() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, alice.Stats().Transmit.Attempts)
}
