package link

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

// HubConfig shapes the simulated radio channel.
type HubConfig struct {
	// LossRate is the probability in [0,1] that any packet (data or ack) is lost.
	LossRate float64
	// Latency is the one-way delay of every delivered packet.
	Latency time.Duration
	// AckTimeout is how long a sender waits for an ack that never comes.
	AckTimeout time.Duration
	// MaxPayload is the per-frame ceiling.
	MaxPayload int
	// Seed makes loss reproducible.
	Seed int64
}

// DefaultHubConfig is a lossless, instant channel sized for meshtext frames.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		AckTimeout: 200 * time.Millisecond,
		MaxPayload: protocol.DefaultByteLimit + protocol.FrameHeaderLen,
		Seed:       1,
	}
}

// DropFunc decides whether a packet is lost. ack is true for the
// acknowledgment travelling back from the addressee.
type DropFunc func(from, to protocol.NodeID, payload []byte, ack bool) bool

// HubStats counts channel activity.
type HubStats struct {
	Sent      uint64
	Delivered uint64
	Dropped   uint64
	Acked     uint64
}

// Hub is an in-process shared radio channel connecting Endpoints.
type Hub struct {
	cfg HubConfig

	mu    sync.RWMutex
	nodes map[protocol.NodeID]*Endpoint
	drop  DropFunc

	rngMu sync.Mutex
	rng   *rand.Rand

	sent      atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	acked     atomic.Uint64
}

// NewHub creates an empty channel.
func NewHub(cfg HubConfig) *Hub {
	def := DefaultHubConfig()
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = def.MaxPayload
	}
	return &Hub{
		cfg:   cfg,
		nodes: make(map[protocol.NodeID]*Endpoint),
		rng:   rand.New(rand.NewSource(cfg.Seed)),
	}
}

// SetDropFunc installs a deterministic loss hook, consulted before LossRate.
func (h *Hub) SetDropFunc(f DropFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.drop = f
}

// Join attaches a new endpoint with the given address.
func (h *Hub) Join(id protocol.NodeID) (*Endpoint, error) {
	if id.IsBroadcast() {
		return nil, ErrInvalidNode
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.nodes[id]; exists {
		return nil, ErrNodeExists
	}
	ep := &Endpoint{hub: h, id: id}
	h.nodes[id] = ep
	return ep, nil
}

// Stats returns a snapshot of the channel counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Sent:      h.sent.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Acked:     h.acked.Load(),
	}
}

func (h *Hub) leave(id protocol.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.nodes, id)
}

func (h *Hub) lost(from, to protocol.NodeID, payload []byte, ack bool) bool {
	h.mu.RLock()
	drop := h.drop
	h.mu.RUnlock()

	if drop != nil && drop(from, to, payload, ack) {
		h.dropped.Add(1)
		return true
	}
	if h.cfg.LossRate <= 0 {
		return false
	}

	h.rngMu.Lock()
	lost := h.rng.Float64() < h.cfg.LossRate
	h.rngMu.Unlock()
	if lost {
		h.dropped.Add(1)
	}
	return lost
}

func (h *Hub) receivers(from, dest protocol.NodeID) []*Endpoint {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !dest.IsBroadcast() {
		if ep, ok := h.nodes[dest]; ok {
			return []*Endpoint{ep}
		}
		return nil
	}

	out := make([]*Endpoint, 0, len(h.nodes))
	for id, ep := range h.nodes {
		if id != from {
			out = append(out, ep)
		}
	}
	return out
}

// Endpoint is one node's radio on a Hub.
type Endpoint struct {
	hub     *Hub
	id      protocol.NodeID
	handler atomic.Pointer[Handler]
	closed  atomic.Bool
}

var _ Link = (*Endpoint)(nil)

func (e *Endpoint) LocalNode() protocol.NodeID {
	return e.id
}

func (e *Endpoint) MaxPayload() int {
	return e.hub.cfg.MaxPayload
}

func (e *Endpoint) OnReceive(h Handler) {
	e.handler.Store(&h)
}

func (e *Endpoint) deliver(from protocol.NodeID, payload []byte) {
	if e.closed.Load() {
		return
	}
	if h := e.handler.Load(); h != nil && *h != nil {
		(*h)(from, append([]byte(nil), payload...))
	}
}

// Send delivers payload synchronously to the receivers' handlers after the
// configured latency, then resolves the acknowledgment.
func (e *Endpoint) Send(ctx context.Context, payload []byte, dest protocol.NodeID, wantAck bool) error {
	if e.closed.Load() {
		return ErrClosed
	}
	if len(payload) > e.hub.cfg.MaxPayload {
		return ErrPayloadTooLarge
	}
	e.hub.sent.Add(1)

	if err := sleepContext(ctx, e.hub.cfg.Latency); err != nil {
		return err
	}

	awaitAck := wantAck && !dest.IsBroadcast()
	acked := false
	for _, rx := range e.hub.receivers(e.id, dest) {
		if e.hub.lost(e.id, rx.id, payload, false) {
			continue
		}
		rx.deliver(e.id, payload)
		e.hub.delivered.Add(1)

		if awaitAck && !rx.closed.Load() && !e.hub.lost(rx.id, e.id, nil, true) {
			acked = true
		}
	}

	if !awaitAck {
		return nil
	}
	if acked {
		if err := sleepContext(ctx, e.hub.cfg.Latency); err != nil {
			return err
		}
		e.hub.acked.Add(1)
		return nil
	}
	if err := sleepContext(ctx, e.hub.cfg.AckTimeout); err != nil {
		return err
	}
	return ErrAckTimeout
}

func (e *Endpoint) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.hub.leave(e.id)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
