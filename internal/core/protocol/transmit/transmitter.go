// Package transmit delivers segmented messages over a link, one segment at
// a time, with per-segment acknowledgment, bounded retries and pacing.
package transmit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
	"github.com/zeusync/meshtext/internal/core/protocol/link"
)

// ErrDuplicateSend is returned when a correlation id is already in flight.
var ErrDuplicateSend = errors.New("transmit: correlation id already in flight")

// Receipt describes a fully delivered Message.
type Receipt struct {
	CorrelationID protocol.CorrelationID
	Destination   protocol.NodeID
	Segments      int
	Attempts      int
	Broadcast     bool
	Elapsed       time.Duration
}

// Stats counts transmitter activity since construction.
type Stats struct {
	MessagesDelivered uint64
	MessagesFailed    uint64
	MessagesCancelled uint64
	SegmentsAcked     uint64
	Attempts          uint64
	Retries           uint64
}

// Option customizes a Transmitter.
type Option func(*Transmitter)

// WithFrameCodec replaces the default binary frame format.
func WithFrameCodec(codec protocol.FrameCodec) Option {
	return func(t *Transmitter) {
		t.codec = codec
	}
}

// Transmitter sends Messages over one shared link. It is safe for
// concurrent use: each Message is sent sequentially, and the link is held
// for exactly one segment's send and acknowledgment at a time, so segments
// of concurrent Messages interleave only between segments.
type Transmitter struct {
	link    link.Link
	codec   protocol.FrameCodec
	cfg     protocol.Config
	channel *semaphore.Weighted
	outbox  *Outbox
	logger  log.Log

	delivered atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	acked     atomic.Uint64
	attempts  atomic.Uint64
	retries   atomic.Uint64
}

// New validates cfg against the link and returns a Transmitter.
func New(l link.Link, cfg protocol.Config, logger log.Log, opts ...Option) (*Transmitter, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: transmitter needs a link", protocol.ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}

	t := &Transmitter{
		link:    l,
		cfg:     cfg,
		channel: semaphore.NewWeighted(1),
		outbox:  NewOutbox(),
		logger:  logger.With(log.String("component", "transmitter")),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.codec == nil {
		t.codec = protocol.BinaryFrameCodec{MaxPayload: cfg.ByteLimit}
	}

	if framed := cfg.ByteLimit + t.codec.Overhead(); framed > l.MaxPayload() {
		return nil, fmt.Errorf("%w: byte limit %d plus %d header bytes exceeds link payload %d",
			protocol.ErrInvalidConfiguration, cfg.ByteLimit, t.codec.Overhead(), l.MaxPayload())
	}

	return t, nil
}

// SendText wraps payload in a new Message and sends it.
func (t *Transmitter) SendText(ctx context.Context, dest protocol.NodeID, payload string) (Receipt, error) {
	return t.Send(ctx, protocol.NewMessage(dest, payload))
}

// Send segments, frames and delivers msg. It returns a Receipt once every
// segment was acknowledged (or, for broadcast, submitted). Failures are
// *protocol.PartialDeliveryError when a segment exhausted its retries and
// *protocol.CancelledError when ctx ended first; acknowledged segments are
// never resent in either case.
func (t *Transmitter) Send(ctx context.Context, msg protocol.Message) (Receipt, error) {
	if limit := t.cfg.MaxMessageBytes; limit > 0 && len(msg.Payload) > limit {
		return Receipt{}, protocol.NewProtocolError(protocol.ErrorCodeMessageTooLarge, "send", protocol.ErrMessageTooLarge).
			WithContext("bytes", len(msg.Payload)).
			WithContext("limit", limit)
	}
	chunks, err := protocol.Encode(msg.Payload, t.cfg.ByteLimit)
	if err != nil {
		return Receipt{}, err
	}
	segments, err := protocol.Frame(chunks, msg.CorrelationID, msg.Destination)
	if err != nil {
		return Receipt{}, err
	}

	frames := make([][]byte, len(segments))
	for i, seg := range segments {
		if frames[i], err = t.codec.MarshalSegment(seg); err != nil {
			return Receipt{}, err
		}
	}

	start := time.Now()
	total := len(frames)
	if !t.outbox.Open(msg, total, start) {
		return Receipt{}, fmt.Errorf("%w: %s", ErrDuplicateSend, msg.CorrelationID)
	}
	defer t.outbox.Remove(msg.CorrelationID)

	logger := t.logger.With(
		log.Stringer("correlation_id", msg.CorrelationID),
		log.Stringer("destination", msg.Destination),
		log.Int("segments", total),
	)
	logger.Debug("Sending message")

	receipt := Receipt{
		CorrelationID: msg.CorrelationID,
		Destination:   msg.Destination,
		Segments:      total,
		Broadcast:     msg.Destination.IsBroadcast(),
	}

	acked := 0
	for i, frame := range frames {
		if err = ctx.Err(); err != nil {
			return receipt, t.cancel(logger, msg, acked, total, err)
		}

		n, err := t.deliver(ctx, logger, msg, i, frame)
		receipt.Attempts += n
		if err != nil {
			if ctx.Err() != nil {
				return receipt, t.cancel(logger, msg, acked, total, ctx.Err())
			}
			t.failed.Add(1)
			logger.Error("Segment retries exhausted",
				log.Int("index", i), log.Int("acked", acked), log.Error(err))
			return receipt, &protocol.PartialDeliveryError{
				CorrelationID: msg.CorrelationID,
				SegmentsAcked: acked,
				SegmentsTotal: total,
				Cause:         err,
			}
		}

		acked++
		t.acked.Add(1)
		t.outbox.MarkAcked(msg.CorrelationID)

		if i < total-1 {
			if err = sleepContext(ctx, t.cfg.PacingDelay); err != nil {
				return receipt, t.cancel(logger, msg, acked, total, err)
			}
		}
	}

	receipt.Elapsed = time.Since(start)
	t.delivered.Add(1)
	logger.Debug("Message delivered", log.Int("attempts", receipt.Attempts), log.Duration("elapsed", receipt.Elapsed))
	return receipt, nil
}

// deliver submits one frame, retrying up to MaxRetries times. Each attempt
// is bounded by AckTimeout whatever the link does. It returns the number of
// attempts made.
func (t *Transmitter) deliver(ctx context.Context, logger log.Log, msg protocol.Message, index int, frame []byte) (int, error) {
	wantAck := !msg.Destination.IsBroadcast()

	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			t.retries.Add(1)
			logger.Warn("Retrying segment",
				log.Int("index", index), log.Int("attempt", attempt+1), log.Error(lastErr))
		}

		attempts++
		t.attempts.Add(1)
		err := t.sendOnce(ctx, frame, msg.Destination, wantAck)
		t.outbox.MarkAttempt(msg.CorrelationID, index, time.Now(), err)
		if err == nil {
			return attempts, nil
		}
		lastErr = err

		if ctx.Err() != nil || permanent(err) {
			return attempts, err
		}
	}
	return attempts, lastErr
}

func (t *Transmitter) sendOnce(ctx context.Context, frame []byte, dest protocol.NodeID, wantAck bool) error {
	if err := t.channel.Acquire(ctx, 1); err != nil {
		return err
	}
	defer t.channel.Release(1)

	attemptCtx, cancel := context.WithTimeout(ctx, t.cfg.AckTimeout)
	defer cancel()

	err := t.link.Send(attemptCtx, frame, dest, wantAck)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
		return fmt.Errorf("%w: no answer within %s", link.ErrAckTimeout, t.cfg.AckTimeout)
	}
	return err
}

func (t *Transmitter) cancel(logger log.Log, msg protocol.Message, acked, total int, cause error) error {
	t.cancelled.Add(1)
	logger.Warn("Send cancelled", log.Int("acked", acked), log.Error(cause))
	return &protocol.CancelledError{
		CorrelationID: msg.CorrelationID,
		SegmentsAcked: acked,
		SegmentsTotal: total,
		Cause:         cause,
	}
}

// InFlight lists the sends currently on the air.
func (t *Transmitter) InFlight() []InFlight {
	return t.outbox.List()
}

func (t *Transmitter) Stats() Stats {
	return Stats{
		MessagesDelivered: t.delivered.Load(),
		MessagesFailed:    t.failed.Load(),
		MessagesCancelled: t.cancelled.Load(),
		SegmentsAcked:     t.acked.Load(),
		Attempts:          t.attempts.Load(),
		Retries:           t.retries.Load(),
	}
}

// permanent errors cannot be cured by resending the same frame.
func permanent(err error) bool {
	return errors.Is(err, link.ErrClosed) || errors.Is(err, link.ErrPayloadTooLarge)
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
