// Package client provides a Go client for the meshtext chat gateway.
package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/server"
)

// Client is one chat gateway connection. A Client connects once; create a
// new one to reconnect.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	// Replies to requests arrive in request order.
	pendingMu sync.Mutex
	pending   []*request
	outcomes  map[string]*request

	// Event handlers
	eventHandlers map[EventType][]EventHandler
	handlerMutex  sync.RWMutex

	// Lifecycle
	connected atomic.Bool
	closed    atomic.Bool
	done      chan struct{}

	config Config
	logger log.Log

	workerGroup sync.WaitGroup
}

// Config holds configuration for the client
type Config struct {
	// URL of the gateway, e.g. ws://localhost:8080/chat
	URL            string
	Token          string
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	LogLevel       log.Level
}

func DefaultClientConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/chat",
		ConnectTimeout: 10 * time.Second,
		WriteTimeout:   10 * time.Second,
		LogLevel:       log.LevelInfo,
	}
}

// EventType is the type field of a gateway event.
type EventType string

const (
	EventTypeQueued    EventType = "queued"
	EventTypeError     EventType = "error"
	EventTypeDelivered EventType = EventType(server.EventDelivered)
	EventTypeSent      EventType = EventType(server.EventSent)
	EventTypeFailed    EventType = EventType(server.EventFailed)
	EventTypeExpired   EventType = EventType(server.EventExpired)

	// EventTypeAny matches every event.
	EventTypeAny EventType = "*"
)

// EventHandler is called from the receiving goroutine in arrival order and
// should return quickly.
type EventHandler func(event server.ChatEvent) error

type request struct {
	ack     chan server.ChatEvent
	outcome chan server.ChatEvent
}

func NewClient(config Config) *Client {
	return &Client{
		outcomes:      make(map[string]*request),
		eventHandlers: make(map[EventType][]EventHandler),
		done:          make(chan struct{}),
		config:        config,
		logger:        log.New(config.LogLevel).With(log.String("component", "chat_client")),
	}
}

// Connect dials the gateway and starts receiving events. It must not be
// called concurrently.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	if c.connected.Load() {
		return ErrAlreadyConnected
	}

	target, err := c.endpoint()
	if err != nil {
		return err
	}

	if c.config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConnectTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return ErrUnauthorized
		}
		c.logger.Error("Failed to connect to gateway", log.String("url", c.config.URL), log.Error(err))
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}
	c.conn = conn
	c.connected.Store(true)

	c.logger.Info("Connected to gateway", log.String("remote_addr", conn.RemoteAddr().String()))

	c.workerGroup.Add(1)
	go func() {
		defer c.workerGroup.Done()
		c.messageReceiver()
	}()
	return nil
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.config.Token != "" {
		q := u.Query()
		q.Set("token", c.config.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Send queues text for dest on the gateway's node and returns the message
// correlation id once the gateway accepted it.
func (c *Client) Send(ctx context.Context, dest protocol.NodeID, text string) (string, error) {
	r, err := c.submit(dest, text, false)
	if err != nil {
		return "", err
	}
	ack, err := c.await(ctx, r.ack)
	if err != nil {
		return "", err
	}
	return ack.ID, nil
}

// SendAndWait is Send followed by waiting for the transmission outcome. A
// failed transmission returns the failed event together with an error
// wrapping ErrDeliveryFailed.
func (c *Client) SendAndWait(ctx context.Context, dest protocol.NodeID, text string) (server.ChatEvent, error) {
	r, err := c.submit(dest, text, true)
	if err != nil {
		return server.ChatEvent{}, err
	}
	if _, err = c.await(ctx, r.ack); err != nil {
		return server.ChatEvent{}, err
	}
	ev, err := c.await(ctx, r.outcome)
	if err != nil {
		return server.ChatEvent{}, err
	}
	if EventType(ev.Type) == EventTypeFailed {
		return ev, fmt.Errorf("%w: %s", ErrDeliveryFailed, ev.Error)
	}
	return ev, nil
}

func (c *Client) submit(dest protocol.NodeID, text string, wait bool) (*request, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	r := &request{ack: make(chan server.ChatEvent, 1)}
	if wait {
		r.outcome = make(chan server.ChatEvent, 1)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.pendingMu.Lock()
	c.pending = append(c.pending, r)
	c.pendingMu.Unlock()

	if c.config.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}
	if err := c.conn.WriteJSON(server.ChatRequest{To: dest, Text: text}); err != nil {
		c.dropPending(r)
		return nil, fmt.Errorf("send request: %w", err)
	}
	return r, nil
}

// dropPending removes a request whose write failed, so it cannot take the
// reply of a later one.
func (c *Client) dropPending(r *request) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if i := slices.Index(c.pending, r); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
	}
}

func (c *Client) await(ctx context.Context, ch <-chan server.ChatEvent) (server.ChatEvent, error) {
	select {
	case ev := <-ch:
		if EventType(ev.Type) == EventTypeError {
			return ev, fmt.Errorf("%w: %s", ErrRejected, ev.Error)
		}
		return ev, nil
	case <-ctx.Done():
		return server.ChatEvent{}, ctx.Err()
	case <-c.done:
		return server.ChatEvent{}, ErrNotConnected
	}
}

// OnEvent registers handler for events of the given type, or for every
// event with EventTypeAny.
func (c *Client) OnEvent(eventType EventType, handler EventHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	c.eventHandlers[eventType] = append(c.eventHandlers[eventType], handler)
}

func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and waits for the receiver to stop.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("Closing client")
	if c.conn != nil {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.conn.Close()
	} else {
		close(c.done)
	}
	c.workerGroup.Wait()
	return nil
}

func (c *Client) messageReceiver() {
	c.logger.Debug("Message receiver started")
	defer func() {
		c.connected.Store(false)
		close(c.done)
		c.logger.Debug("Message receiver stopped")
	}()

	for {
		var ev server.ChatEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			if !c.closed.Load() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure) {
				c.logger.Warn("Gateway connection lost", log.Error(err))
			}
			return
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev server.ChatEvent) {
	c.logger.Debug("Handling event", log.String("type", ev.Type), log.String("id", ev.ID))

	switch EventType(ev.Type) {
	case EventTypeQueued, EventTypeError:
		c.pendingMu.Lock()
		var r *request
		if len(c.pending) > 0 {
			r, c.pending = c.pending[0], c.pending[1:]
			if r.outcome != nil && EventType(ev.Type) == EventTypeQueued {
				c.outcomes[ev.ID] = r
			}
		}
		c.pendingMu.Unlock()
		if r != nil {
			r.ack <- ev
		}

	case EventTypeSent, EventTypeFailed:
		c.pendingMu.Lock()
		r, ok := c.outcomes[ev.ID]
		delete(c.outcomes, ev.ID)
		c.pendingMu.Unlock()
		if ok {
			r.outcome <- ev
		}
	}

	c.emitEvent(ev)
}

func (c *Client) emitEvent(ev server.ChatEvent) {
	c.handlerMutex.RLock()
	handlers := slices.Concat(c.eventHandlers[EventType(ev.Type)], c.eventHandlers[EventTypeAny])
	c.handlerMutex.RUnlock()

	for _, handler := range handlers {
		if err := handler(ev); err != nil {
			c.logger.Error("Event handler error", log.String("type", ev.Type), log.Error(err))
		}
	}
}
