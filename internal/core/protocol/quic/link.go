// Package quic carries meshtext frames between two nodes as QUIC datagrams.
// Datagrams are unreliable and size-bounded like the radio itself, so the
// acknowledgment and retry logic above the link is exercised for real.
package quic

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
)

const (
	DefaultIdleTimeout = 30 * time.Second
	DefaultKeepAlive   = 10 * time.Second
)

// Config holds the QUIC link settings.
type Config struct {
	Peer        link.PeerConfig
	TLSConfig   *tls.Config
	IdleTimeout time.Duration
	KeepAlive   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Peer:        link.DefaultPeerConfig(),
		IdleTimeout: DefaultIdleTimeout,
		KeepAlive:   DefaultKeepAlive,
	}
}

func (c Config) quicConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  c.IdleTimeout,
		KeepAlivePeriod: c.KeepAlive,
	}
}

// Link is a link.Link over the datagram channel of one QUIC connection.
type Link struct {
	*link.Peer

	conn   *quic.Conn
	logger log.Log

	closeOnce sync.Once
	done      chan struct{}
	group     errgroup.Group
}

var _ link.Link = (*Link)(nil)

func newLink(conn *quic.Conn, local protocol.NodeID, cfg Config, logger log.Log) *Link {
	if logger == nil {
		logger = log.Provide()
	}
	l := &Link{
		conn: conn,
		logger: logger.With(
			log.String("link", "quic"),
			log.String("remote_addr", conn.RemoteAddr().String()),
		),
		done: make(chan struct{}),
	}
	l.Peer = link.NewPeer(local, cfg.Peer, l.write, l.logger)
	l.group.Go(l.readLoop)

	l.logger.Info("QUIC link established", log.Stringer("local", local))
	return l
}

// Dial connects to a Listener at addr.
func Dial(ctx context.Context, addr string, local protocol.NodeID, cfg Config, logger log.Log) (*Link, error) {
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = insecureClientTLS()
	}
	tlsConfig = tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			tlsConfig.ServerName = host
		} else {
			tlsConfig.ServerName = addr
		}
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConfig, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial %s", addr)
	}
	return newLink(conn, local, cfg, logger), nil
}

// Listener accepts QUIC links.
type Listener struct {
	listener *quic.Listener
	local    protocol.NodeID
	cfg      Config
	logger   log.Log
}

// Listen starts accepting connections on addr. A self-signed certificate is
// generated when cfg.TLSConfig is nil.
func Listen(addr string, local protocol.NodeID, cfg Config, logger log.Log) (*Listener, error) {
	if logger == nil {
		logger = log.Provide()
	}
	tlsConfig := cfg.TLSConfig
	if tlsConfig == nil {
		var err error
		if tlsConfig, err = GenerateSelfSignedTLS(); err != nil {
			return nil, err
		}
	}

	ln, err := quic.ListenAddr(addr, tlsConfig, cfg.quicConfig())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to listen on %s", addr)
	}

	logger.Info("QUIC listener created", log.String("addr", ln.Addr().String()))
	return &Listener{
		listener: ln,
		local:    local,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Accept blocks until a peer connects or ctx ends.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to accept QUIC connection")
	}
	return newLink(conn, l.local, l.cfg, l.logger), nil
}

func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

func (l *Listener) Close() error {
	return l.listener.Close()
}

func (l *Link) write(b []byte) error {
	select {
	case <-l.done:
		return link.ErrClosed
	default:
	}
	if err := l.conn.SendDatagram(b); err != nil {
		return errors.Wrap(err, "failed to send datagram")
	}
	return nil
}

func (l *Link) readLoop() error {
	defer l.shutdown()

	ctx := l.conn.Context()
	for {
		data, err := l.conn.ReceiveDatagram(ctx)
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			l.logger.Debug("QUIC connection ended", log.Error(err))
			return nil
		}
		if err = l.Peer.Dispatch(data); err != nil {
			l.logger.Warn("Dropping malformed packet", log.Error(err))
		}
	}
}

func (l *Link) shutdown() {
	l.closeOnce.Do(func() {
		close(l.done)
		l.Peer.Close()
		_ = l.conn.CloseWithError(0, "link closed")
		l.logger.Info("QUIC link closed")
	})
}

// Done is closed once the connection is gone, from either side.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Close tears down the connection and waits for the read loop.
func (l *Link) Close() error {
	l.shutdown()
	return l.group.Wait()
}
