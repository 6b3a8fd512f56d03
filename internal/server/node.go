package server

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zeusync/meshtext/internal/core/events/bus"
	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
	"github.com/zeusync/meshtext/internal/core/protocol/reassembly"
	"github.com/zeusync/meshtext/internal/core/protocol/transmit"
)

// EventType names what happened to a message.
type EventType string

const (
	EventDelivered EventType = "delivered"
	EventSent      EventType = "sent"
	EventFailed    EventType = "failed"
	EventExpired   EventType = "expired"
)

// Event is published to subscribers for every outgoing message outcome and
// every inbound message completion or expiry.
type Event struct {
	Type          EventType
	CorrelationID protocol.CorrelationID
	From          protocol.NodeID
	To            protocol.NodeID
	Text          string
	Segments      int
	SegmentsAcked int
	Attempts      int
	Err           error
	At            time.Time
}

// Stats aggregates both directions of a Node.
type Stats struct {
	Transmit    transmit.Stats
	Reassembly  reassembly.Stats
	Subscribers int
	Dropped     uint64
}

// Node binds one link to a Transmitter and a Reassembler.
type Node struct {
	link   link.Link
	tx     *transmit.Transmitter
	rx     *reassembly.Reassembler
	logger log.Log

	events  *bus.Bus[Event]
	slowLog *slowSubscribers

	// mu orders SendAsync against Close.
	mu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	sends  errgroup.Group

	closed atomic.Bool
}

// NewNode wires l to a new Transmitter and Reassembler built from cfg and
// starts handling inbound frames.
func NewNode(l link.Link, cfg protocol.Config, logger log.Log) (*Node, error) {
	if logger == nil {
		logger = log.Provide()
	}
	logger = logger.With(log.Stringer("node", l.LocalNode()))

	n := &Node{
		link:   l,
		logger: logger.With(log.String("component", "node")),
		events: bus.New[Event](),
	}

	tx, err := transmit.New(l, cfg, logger)
	if err != nil {
		return nil, err
	}
	rx, err := reassembly.New(cfg, logger, reassembly.WithExpiryHandler(n.onExpired))
	if err != nil {
		return nil, err
	}
	n.tx, n.rx = tx, rx
	n.slowLog = &slowSubscribers{logger: n.logger}
	n.events.AddObserver(n.slowLog)
	n.ctx, n.cancel = context.WithCancel(context.Background())

	l.OnReceive(n.onFrame)

	n.logger.Info("Node started", log.Int("byte_limit", cfg.ByteLimit))
	return n, nil
}

func (n *Node) LocalNode() protocol.NodeID {
	return n.link.LocalNode()
}

// Send transmits text to dest and blocks until it is delivered or fails.
func (n *Node) Send(ctx context.Context, dest protocol.NodeID, text string) (transmit.Receipt, error) {
	return n.send(ctx, protocol.NewMessage(dest, text))
}

// SendAsync starts transmitting text to dest and returns its correlation id
// at once. The outcome is published as an EventSent or EventFailed.
func (n *Node) SendAsync(dest protocol.NodeID, text string) (protocol.CorrelationID, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed.Load() {
		return protocol.CorrelationID{}, ErrNodeClosed
	}

	msg := protocol.NewMessage(dest, text)
	n.sends.Go(func() error {
		_, _ = n.send(n.ctx, msg)
		return nil
	})
	return msg.CorrelationID, nil
}

func (n *Node) send(ctx context.Context, msg protocol.Message) (transmit.Receipt, error) {
	if n.closed.Load() {
		return transmit.Receipt{}, ErrNodeClosed
	}

	receipt, err := n.tx.Send(ctx, msg)
	event := Event{
		Type:          EventSent,
		CorrelationID: msg.CorrelationID,
		From:          n.LocalNode(),
		To:            msg.Destination,
		Text:          msg.Payload,
		Segments:      receipt.Segments,
		SegmentsAcked: receipt.Segments,
		Attempts:      receipt.Attempts,
		At:            time.Now(),
	}

	if err != nil {
		event.Type = EventFailed
		event.Err = err
		event.SegmentsAcked = segmentsAcked(err)
		n.logger.Warn("Message not delivered",
			log.Stringer("correlation_id", msg.CorrelationID),
			log.Stringer("destination", msg.Destination),
			log.Error(err))
	}

	n.publish(event)
	return receipt, err
}

func segmentsAcked(err error) int {
	var partial *protocol.PartialDeliveryError
	if errors.As(err, &partial) {
		return partial.SegmentsAcked
	}
	var cancelled *protocol.CancelledError
	if errors.As(err, &cancelled) {
		return cancelled.SegmentsAcked
	}
	return 0
}

func (n *Node) onFrame(from protocol.NodeID, raw []byte) {
	delivery, err := n.rx.AcceptFrame(from, raw)
	if err != nil {
		n.logger.Warn("Rejected inbound frame",
			log.Stringer("from", from),
			log.Int("code", int(protocol.GetErrorCode(err))),
			log.Error(err))
		return
	}
	if delivery == nil {
		return
	}
	if delivery.Destination != n.LocalNode() && !delivery.Destination.IsBroadcast() {
		n.logger.Debug("Dropping message for another node",
			log.Stringer("correlation_id", delivery.CorrelationID),
			log.Stringer("destination", delivery.Destination))
		return
	}

	n.logger.Info("Message received",
		log.Stringer("correlation_id", delivery.CorrelationID),
		log.Stringer("from", delivery.From),
		log.Int("segments", delivery.Segments))

	n.publish(Event{
		Type:          EventDelivered,
		CorrelationID: delivery.CorrelationID,
		From:          delivery.From,
		To:            delivery.Destination,
		Text:          delivery.Payload,
		Segments:      delivery.Segments,
		SegmentsAcked: delivery.Segments,
		At:            delivery.CompletedAt,
	})
}

func (n *Node) onExpired(err *protocol.IncompleteMessageError) {
	n.publish(Event{
		Type:          EventExpired,
		CorrelationID: err.CorrelationID,
		From:          err.From,
		To:            n.LocalNode(),
		Segments:      err.ExpectedTotal,
		SegmentsAcked: err.ReceivedCount,
		Err:           err,
		At:            time.Now(),
	})
}

// Subscribe registers a new event stream with the given buffer, limited to
// the given types when any are named. Events are dropped for subscribers
// that fall behind. Call the returned func to unsubscribe; the channel is
// closed afterwards.
func (n *Node) Subscribe(buffer int, types ...EventType) (<-chan Event, func()) {
	var filters []bus.Filter[Event]
	if len(types) > 0 {
		filters = append(filters, func(ev Event) bool { return slices.Contains(types, ev.Type) })
	}
	ch, sub := n.events.Subscribe(buffer, filters...)
	return ch, func() { _ = sub.Cancel() }
}

func (n *Node) publish(event Event) {
	n.events.Publish(event)
}

// slowSubscribers logs events lost to full subscriber channels.
type slowSubscribers struct {
	logger log.Log
}

func (s *slowSubscribers) OnPublish(event Event, _, dropped int) {
	if dropped == 0 {
		return
	}
	s.logger.Warn("Subscriber too slow, dropping event",
		log.String("type", string(event.Type)),
		log.Stringer("correlation_id", event.CorrelationID),
		log.Int("subscribers", dropped))
}

func (n *Node) InFlight() []transmit.InFlight {
	return n.tx.InFlight()
}

func (n *Node) Pending() []reassembly.BufferInfo {
	return n.rx.Pending()
}

func (n *Node) Stats() Stats {
	m := n.events.Metrics()
	return Stats{
		Transmit:    n.tx.Stats(),
		Reassembly:  n.rx.Stats(),
		Subscribers: m.SubscribersActive,
		Dropped:     m.Dropped,
	}
}

// Close cancels pending sends, waits for them, then closes the reassembler,
// the link and every subscription.
func (n *Node) Close() error {
	n.mu.Lock()
	if !n.closed.CompareAndSwap(false, true) {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	n.cancel()
	_ = n.sends.Wait()

	err := errors.Join(n.rx.Close(), n.link.Close())
	n.events.RemoveObserver(n.slowLog)
	n.events.Close()

	n.logger.Info("Node stopped")
	return err
}
