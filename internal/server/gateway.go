package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
)

// ChatRequest is what a chat client sends to transmit a message.
type ChatRequest struct {
	To   protocol.NodeID `json:"to"`
	Text string          `json:"text"`
}

// ChatEvent is what a chat client receives. Type is one of the node event
// types, "queued" once a request was accepted, or "error" for a bad request.
// Replies come in request order, and a queued reply precedes every event of
// its message.
type ChatEvent struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
	Text     string `json:"text,omitempty"`
	Segments int    `json:"segments,omitempty"`
	Acked    int    `json:"acked,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
	Code     int    `json:"code,omitempty"`
	At       int64  `json:"at"`
}

const (
	chatQueued = "queued"
	chatError  = "error"
)

func chatEventFrom(ev Event) ChatEvent {
	out := ChatEvent{
		Type:     string(ev.Type),
		ID:       ev.CorrelationID.String(),
		From:     ev.From.String(),
		To:       ev.To.String(),
		Text:     ev.Text,
		Segments: ev.Segments,
		Acked:    ev.SegmentsAcked,
		Attempts: ev.Attempts,
		At:       ev.At.UnixMilli(),
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
		out.Code = int(protocol.GetErrorCode(ev.Err))
	}
	return out
}

// GatewayConfig configures the chat endpoint.
type GatewayConfig struct {
	// Token, when set, must be passed as the "token" query parameter.
	Token        string
	WriteTimeout time.Duration
	EventBuffer  int
	// MaxRequestBytes closes connections sending a larger request.
	MaxRequestBytes int64

	// RateLimit caps chat requests per client per RateWindow; zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		WriteTimeout:    10 * time.Second,
		EventBuffer:     64,
		MaxRequestBytes: 64 << 10,
		RateWindow:      time.Minute,
	}
}

// ChatGateway exposes a Node to chat and bot clients over websocket. Every
// connected client receives every node event.
type ChatGateway struct {
	node     *Node
	cfg      GatewayConfig
	upgrader websocket.Upgrader
	logger   log.Log

	mu      sync.Mutex
	clients map[*chatClient]struct{}
	wg      sync.WaitGroup
	closed  bool
}

type chatClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	timeout time.Duration
	limiter *rateLimiter
}

func (c *chatClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeLocked(v)
}

func (c *chatClient) writeLocked(v any) error {
	if c.timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.conn.WriteJSON(v)
}

func NewChatGateway(node *Node, cfg GatewayConfig, logger log.Log) *ChatGateway {
	if logger == nil {
		logger = log.Provide()
	}
	def := DefaultGatewayConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.MaxRequestBytes <= 0 {
		cfg.MaxRequestBytes = def.MaxRequestBytes
	}
	return &ChatGateway{
		node: node,
		cfg:  cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With(log.String("component", "chat_gateway")),
		clients: make(map[*chatClient]struct{}),
	}
}

func (g *ChatGateway) authorize(r *http.Request) bool {
	if g.cfg.Token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	return subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.Token)) == 1
}

func (g *ChatGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.authorize(r) {
		g.logger.Warn("Rejected unauthorized chat client", log.String("remote_addr", r.RemoteAddr))
		http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("WebSocket upgrade failed", log.Error(err))
		return
	}
	conn.SetReadLimit(g.cfg.MaxRequestBytes)

	client := &chatClient{
		conn:    conn,
		timeout: g.cfg.WriteTimeout,
		limiter: newRateLimiter(g.cfg.RateLimit, g.cfg.RateWindow),
	}
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.clients[client] = struct{}{}
	g.wg.Add(1)
	g.mu.Unlock()

	g.logger.Info("Chat client connected", log.String("remote_addr", conn.RemoteAddr().String()))
	g.handleClient(client)
}

func (g *ChatGateway) handleClient(client *chatClient) {
	events, unsubscribe := g.node.Subscribe(g.cfg.EventBuffer)

	defer func() {
		unsubscribe()
		g.mu.Lock()
		delete(g.clients, client)
		g.mu.Unlock()
		_ = client.conn.Close()
		g.logger.Info("Chat client disconnected", log.String("remote_addr", client.conn.RemoteAddr().String()))
		g.wg.Done()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for ev := range events {
			if err := client.writeJSON(chatEventFrom(ev)); err != nil {
				g.logger.Debug("Failed to write chat event", log.Error(err))
				_ = client.conn.Close()
				return
			}
		}
	}()

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				g.logger.Warn("Chat request too large",
					log.String("remote_addr", client.conn.RemoteAddr().String()),
					log.Int64("limit", g.cfg.MaxRequestBytes))
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				g.logger.Error("Chat websocket error", log.Error(err))
			}
			break
		}
		g.handleRequest(client, data)
	}

	unsubscribe()
	<-writerDone
}

func (g *ChatGateway) handleRequest(client *chatClient, data []byte) {
	var req ChatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		g.reply(client, ChatEvent{Type: chatError, Error: ErrInvalidMessage.Error() + ": " + err.Error()})
		return
	}
	if !client.limiter.allow(time.Now()) {
		g.logger.Warn("Rate limit exceeded",
			log.String("remote_addr", client.conn.RemoteAddr().String()),
			log.Int("limit", g.cfg.RateLimit))
		g.reply(client, ChatEvent{Type: chatError, Error: ErrRateLimited.Error()})
		return
	}

	// The queued reply must reach the client before any event of the
	// message, and those are written by the same client.
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	id, err := g.node.SendAsync(req.To, req.Text)
	if err != nil {
		g.replyLocked(client, ChatEvent{Type: chatError, Error: err.Error(), Code: int(protocol.GetErrorCode(err))})
		return
	}

	g.logger.Debug("Chat message queued",
		log.Stringer("correlation_id", id), log.Stringer("to", req.To))
	g.replyLocked(client, ChatEvent{
		Type: chatQueued,
		ID:   id.String(),
		From: g.node.LocalNode().String(),
		To:   req.To.String(),
		Text: req.Text,
	})
}

func (g *ChatGateway) reply(client *chatClient, ev ChatEvent) {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	g.replyLocked(client, ev)
}

func (g *ChatGateway) replyLocked(client *chatClient, ev ChatEvent) {
	ev.At = time.Now().UnixMilli()
	if err := client.writeLocked(ev); err != nil {
		g.logger.Debug("Failed to write chat reply", log.Error(err))
	}
}

// Clients reports the number of connected chat clients.
func (g *ChatGateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

// Close disconnects every client and waits for their handlers.
func (g *ChatGateway) Close() error {
	g.mu.Lock()
	g.closed = true
	for client := range g.clients {
		client.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway closing")
		_ = client.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		client.writeMu.Unlock()
		_ = client.conn.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
	return nil
}
