package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
)

// PeerConfig holds the settings shared by networked adapters.
type PeerConfig struct {
	// AckTimeout bounds the wait for a unicast acknowledgment.
	AckTimeout time.Duration
	// MaxPayload is the frame ceiling, excluding the packet envelope.
	MaxPayload int
}

// DefaultPeerConfig fits one meshtext frame per packet.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		AckTimeout: 15 * time.Second,
		MaxPayload: protocol.DefaultByteLimit + protocol.FrameHeaderLen,
	}
}

// WriteFunc puts one encoded packet on the wire.
type WriteFunc func(b []byte) error

// Peer implements the addressing and acknowledgment half of Link on top of
// any datagram-like connection. Adapters own the connection, feed every
// inbound datagram to Dispatch and pass their write path to NewPeer.
type Peer struct {
	local protocol.NodeID
	cfg   PeerConfig
	write WriteFunc

	nextID  atomic.Uint32
	handler atomic.Pointer[Handler]

	mu      sync.Mutex
	pending map[uint32]chan struct{}

	closed    chan struct{}
	closeOnce sync.Once

	logger log.Log
}

// NewPeer creates a Peer sending through write.
func NewPeer(local protocol.NodeID, cfg PeerConfig, write WriteFunc, logger log.Log) *Peer {
	def := DefaultPeerConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	if logger == nil {
		logger = log.Provide()
	}
	return &Peer{
		local:   local,
		cfg:     cfg,
		write:   write,
		pending: make(map[uint32]chan struct{}),
		closed:  make(chan struct{}),
		logger:  logger,
	}
}

func (p *Peer) LocalNode() protocol.NodeID {
	return p.local
}

func (p *Peer) MaxPayload() int {
	return p.cfg.MaxPayload
}

func (p *Peer) OnReceive(h Handler) {
	p.handler.Store(&h)
}

// Send writes a data packet and, for acknowledged unicast, blocks until the
// matching ack is dispatched, the ack timeout passes, ctx ends or the peer closes.
func (p *Peer) Send(ctx context.Context, payload []byte, dest protocol.NodeID, wantAck bool) error {
	select {
	case <-p.closed:
		return ErrClosed
	default:
	}
	if len(payload) > p.cfg.MaxPayload {
		return ErrPayloadTooLarge
	}

	awaitAck := wantAck && !dest.IsBroadcast()
	pkt := packet{
		kind:    packetData,
		wantAck: awaitAck,
		id:      p.nextID.Add(1),
		from:    p.local,
		to:      dest,
		payload: payload,
	}

	var acked chan struct{}
	if awaitAck {
		acked = make(chan struct{})
		p.mu.Lock()
		p.pending[pkt.id] = acked
		p.mu.Unlock()
		defer p.forget(pkt.id)
	}

	if err := p.write(pkt.marshal()); err != nil {
		return err
	}
	if !awaitAck {
		return nil
	}

	timer := time.NewTimer(p.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case <-acked:
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closed:
		return ErrClosed
	}
}

// Dispatch handles one inbound datagram. Malformed input is returned to the
// adapter, which decides whether to log or drop the connection.
func (p *Peer) Dispatch(raw []byte) error {
	pkt, err := parsePacket(raw)
	if err != nil {
		return err
	}

	switch pkt.kind {
	case packetAck:
		if pkt.to == p.local {
			p.resolve(pkt.id)
		}
	case packetData:
		if pkt.to != p.local && !pkt.to.IsBroadcast() {
			p.logger.Debug("Ignoring packet for another node",
				log.Stringer("to", pkt.to), log.Stringer("from", pkt.from))
			return nil
		}
		if h := p.handler.Load(); h != nil && *h != nil {
			(*h)(pkt.from, pkt.payload)
		}
		if pkt.wantAck && pkt.to == p.local {
			ack := packet{kind: packetAck, id: pkt.id, from: p.local, to: pkt.from}
			if err := p.write(ack.marshal()); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close fails every pending Send with ErrClosed.
func (p *Peer) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

func (p *Peer) resolve(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.pending[id]; ok {
		close(ch)
		delete(p.pending, id)
	}
}

func (p *Peer) forget(id uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}
