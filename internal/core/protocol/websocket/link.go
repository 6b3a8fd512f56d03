// Package websocket carries meshtext frames between two nodes over a single
// gorilla websocket connection, one binary message per packet.
package websocket

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
)

// Config holds the websocket link settings.
type Config struct {
	Peer         link.PeerConfig
	WriteTimeout time.Duration
	PingInterval time.Duration
	BufferSize   int
}

func DefaultConfig() Config {
	return Config{
		Peer:         link.DefaultPeerConfig(),
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
		BufferSize:   1024,
	}
}

// Link is a link.Link over one websocket connection. Inbound packets are
// dispatched from the read loop, so handlers must not block on Send.
type Link struct {
	*link.Peer

	conn   *websocket.Conn
	cfg    Config
	logger log.Log

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	done      chan struct{}
	group     *errgroup.Group
}

var _ link.Link = (*Link)(nil)

func newLink(conn *websocket.Conn, local protocol.NodeID, cfg Config, logger log.Log) *Link {
	if logger == nil {
		logger = log.Provide()
	}
	l := &Link{
		conn: conn,
		cfg:  cfg,
		logger: logger.With(
			log.String("link", "websocket"),
			log.String("remote_addr", conn.RemoteAddr().String()),
		),
		done:  make(chan struct{}),
		group: &errgroup.Group{},
	}
	l.Peer = link.NewPeer(local, cfg.Peer, l.write, l.logger)

	conn.SetReadLimit(int64(link.PacketOverhead + l.Peer.MaxPayload()))
	conn.SetPongHandler(func(string) error { return nil })

	l.group.Go(l.readLoop)
	if cfg.PingInterval > 0 {
		l.group.Go(l.pingLoop)
	}

	l.logger.Info("Websocket link established", log.Stringer("local", local))
	return l
}

// Dial connects to a websocket link endpoint at url.
func Dial(ctx context.Context, url string, local protocol.NodeID, cfg Config, logger log.Log) (*Link, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   cfg.BufferSize,
		WriteBufferSize:  cfg.BufferSize,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", url)
	}
	return newLink(conn, local, cfg, logger), nil
}

// Acceptor upgrades HTTP requests into Links and hands each one to onLink.
type Acceptor struct {
	local    protocol.NodeID
	cfg      Config
	logger   log.Log
	upgrader websocket.Upgrader
	onLink   func(*Link)
}

var _ http.Handler = (*Acceptor)(nil)

func NewAcceptor(local protocol.NodeID, cfg Config, logger log.Log, onLink func(*Link)) *Acceptor {
	if logger == nil {
		logger = log.Provide()
	}
	return &Acceptor{
		local:  local,
		cfg:    cfg,
		logger: logger.With(log.String("link", "websocket")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.BufferSize,
			WriteBufferSize: cfg.BufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		onLink: onLink,
	}
}

func (a *Acceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Error("Websocket upgrade failed", log.Error(err))
		return
	}
	l := newLink(conn, a.local, a.cfg, a.logger)
	if a.onLink != nil {
		a.onLink(l)
	}
}

func (l *Link) write(b []byte) error {
	if l.closed.Load() {
		return link.ErrClosed
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.cfg.WriteTimeout > 0 {
		_ = l.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	}
	if err := l.conn.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return errors.Wrap(err, "failed to write packet")
	}
	return nil
}

func (l *Link) readLoop() error {
	defer l.shutdown()

	for {
		messageType, data, err := l.conn.ReadMessage()
		if err != nil {
			if l.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error("Websocket read failed", log.Error(err))
			return errors.Wrap(err, "failed to read packet")
		}
		if messageType != websocket.BinaryMessage {
			l.logger.Debug("Ignoring non-binary websocket message")
			continue
		}
		if err = l.Peer.Dispatch(data); err != nil {
			l.logger.Warn("Dropping malformed packet", log.Error(err))
		}
	}
}

func (l *Link) pingLoop() error {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(l.cfg.WriteTimeout))
			l.writeMu.Unlock()
			if err != nil {
				l.logger.Debug("Failed to send ping", log.Error(err))
				return nil
			}
		case <-l.done:
			return nil
		}
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.Peer.Close()

		l.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "link closed")
		_ = l.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		l.writeMu.Unlock()

		_ = l.conn.Close()
		close(l.done)
		l.logger.Info("Websocket link closed")
	})
}

// Done is closed once the connection is gone, from either side.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close shuts the connection and waits for the read and ping loops.
func (l *Link) Close() error {
	l.shutdown()
	return l.group.Wait()
}
