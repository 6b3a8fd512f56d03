package injector

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/google/wire"
	"github.com/pkg/errors"

	"github.com/zeusync/meshtext/internal/config"
	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
	"github.com/zeusync/meshtext/internal/core/protocol/quic"
	"github.com/zeusync/meshtext/internal/core/protocol/websocket"
	"github.com/zeusync/meshtext/internal/server"
)

// LinkPath is where a listening websocket link accepts its peer.
const LinkPath = "/link"

// ProviderSet builds a Runtime from a validated config.Config.
var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideLink,
	ProvideNode,
	ProvideGateway,
	wire.Struct(new(Runtime), "*"),
)

// Runtime is one running meshtext node and its chat gateway.
type Runtime struct {
	Config  config.Config
	Logger  log.Log
	Link    link.Link
	Node    *server.Node
	Gateway *server.ChatGateway
}

// Handler serves the chat gateway on the configured path and node counters
// on /stats.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(r.Config.Gateway.Path, r.Gateway)
	mux.HandleFunc("/stats", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.Node.Stats()); err != nil {
			r.Logger.Debug("Failed to write stats", log.Error(err))
		}
	})
	return mux
}

func ProvideLogger(cfg config.Config) (log.Log, error) {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return log.New(level).With(log.Stringer("node", cfg.Node.ID)), nil
}

// ProvideLink opens the configured link. A listening adapter blocks until
// its first peer connects or ctx is done; later peers are refused.
func ProvideLink(ctx context.Context, cfg config.Config, logger log.Log) (link.Link, func(), error) {
	peer := link.PeerConfig{
		AckTimeout: cfg.Protocol.AckTimeout,
		MaxPayload: cfg.LinkMaxPayload(),
	}

	switch cfg.Link.Kind {
	case config.LinkMemory:
		hub := link.NewHub(link.HubConfig{
			LossRate:   cfg.Link.LossRate,
			Latency:    cfg.Link.Latency,
			AckTimeout: cfg.Protocol.AckTimeout,
			MaxPayload: peer.MaxPayload,
			Seed:       cfg.Link.Seed,
		})
		ep, err := hub.Join(cfg.Node.ID)
		if err != nil {
			return nil, nil, err
		}
		return ep, func() { _ = ep.Close() }, nil

	case config.LinkWebsocket:
		wsCfg := websocket.DefaultConfig()
		wsCfg.Peer = peer
		if cfg.Link.Peer != "" {
			l, err := websocket.Dial(ctx, cfg.Link.Peer, cfg.Node.ID, wsCfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return l, func() { _ = l.Close() }, nil
		}
		return acceptWebsocket(ctx, cfg.Link.Listen, cfg.Node.ID, wsCfg, logger)

	case config.LinkQUIC:
		qCfg := quic.DefaultConfig()
		qCfg.Peer = peer
		if cfg.Link.Peer != "" {
			l, err := quic.Dial(ctx, cfg.Link.Peer, cfg.Node.ID, qCfg, logger)
			if err != nil {
				return nil, nil, err
			}
			return l, func() { _ = l.Close() }, nil
		}
		ln, err := quic.Listen(cfg.Link.Listen, cfg.Node.ID, qCfg, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Waiting for quic peer", log.String("addr", ln.Addr().String()))
		l, err := ln.Accept(ctx)
		if err != nil {
			_ = ln.Close()
			return nil, nil, err
		}
		return l, func() {
			_ = l.Close()
			_ = ln.Close()
		}, nil
	}

	return nil, nil, errors.Wrapf(protocol.ErrInvalidConfiguration, "unknown link kind %q", cfg.Link.Kind)
}

func acceptWebsocket(ctx context.Context, addr string, local protocol.NodeID, cfg websocket.Config, logger log.Log) (link.Link, func(), error) {
	links := make(chan *websocket.Link, 1)
	mux := http.NewServeMux()
	mux.Handle(LinkPath, websocket.NewAcceptor(local, cfg, logger, func(l *websocket.Link) {
		select {
		case links <- l:
		default:
			logger.Warn("Link already has a peer, refusing another")
			_ = l.Close()
		}
	}))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listen %s", addr)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() { _ = srv.Serve(ln) }()

	stop := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	logger.Info("Waiting for websocket peer", log.String("addr", ln.Addr().String()), log.String("path", LinkPath))
	select {
	case l := <-links:
		return l, func() {
			_ = l.Close()
			stop()
		}, nil
	case <-ctx.Done():
		stop()
		return nil, nil, errors.Wrap(ctx.Err(), "accept websocket peer")
	}
}

func ProvideNode(l link.Link, cfg config.Config, logger log.Log) (*server.Node, func(), error) {
	node, err := server.NewNode(l, cfg.Protocol, logger)
	if err != nil {
		return nil, nil, err
	}
	return node, func() { _ = node.Close() }, nil
}

func ProvideGateway(node *server.Node, cfg config.Config, logger log.Log) (*server.ChatGateway, func()) {
	gwCfg := server.DefaultGatewayConfig()
	gwCfg.Token = cfg.Gateway.Token
	gwCfg.RateLimit = cfg.Gateway.RateLimit
	gwCfg.RateWindow = cfg.Gateway.RateWindow
	gw := server.NewChatGateway(node, gwCfg, logger)
	return gw, func() { _ = gw.Close() }
}
