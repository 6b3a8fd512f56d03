// Package reassembly collects segments arriving in any order and rebuilds the
// original text once every index of a correlation id is present.
package reassembly

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/zeusync/meshtext/internal/core/observability/log"
	"github.com/zeusync/meshtext/internal/core/protocol"
)

const (
	defaultShards = 16
	pruneInterval = time.Second
)

// ExpiryHandler receives buffers that timed out before completing.
type ExpiryHandler func(err *protocol.IncompleteMessageError)

// Option customizes a Reassembler.
type Option func(*Reassembler)

// WithExpiryHandler sets the callback for timed-out buffers. It runs on a
// timer goroutine and must not block for long.
func WithExpiryHandler(h ExpiryHandler) Option {
	return func(r *Reassembler) {
		r.onExpire = h
	}
}

// WithFrameCodec replaces the codec used by AcceptFrame.
func WithFrameCodec(codec protocol.FrameCodec) Option {
	return func(r *Reassembler) {
		r.codec = codec
	}
}

// WithShards sets the number of independently locked buffer shards.
func WithShards(n int) Option {
	return func(r *Reassembler) {
		if n > 0 {
			r.shardCount = n
		}
	}
}

// WithCompletedTTL sets how long finished ids are remembered to drop late
// retransmissions. Zero disables suppression. Defaults to the reassembly timeout.
func WithCompletedTTL(d time.Duration) Option {
	return func(r *Reassembler) {
		r.completedTTL = d
	}
}

// BufferInfo is a snapshot of one incomplete message.
type BufferInfo struct {
	CorrelationID protocol.CorrelationID
	From          protocol.NodeID
	Destination   protocol.NodeID
	Received      int
	Total         int
	FirstSeenAt   time.Time
	LastSeenAt    time.Time
	Deadline      time.Time
}

// Stats counts reassembler activity since construction.
type Stats struct {
	Segments       uint64
	Duplicates     uint64
	LateDuplicates uint64
	Delivered      uint64
	Expired        uint64
	Inconsistent   uint64
	Rejected       uint64
	Pending        int
}

type buffer struct {
	id          protocol.CorrelationID
	from        protocol.NodeID
	destination protocol.NodeID
	parts       [][]byte
	present     []bool
	received    int
	firstSeenAt time.Time
	lastSeenAt  time.Time
	deadline    time.Time
	timer       *time.Timer
}

func (b *buffer) info() BufferInfo {
	return BufferInfo{
		CorrelationID: b.id,
		From:          b.from,
		Destination:   b.destination,
		Received:      b.received,
		Total:         len(b.parts),
		FirstSeenAt:   b.firstSeenAt,
		LastSeenAt:    b.lastSeenAt,
		Deadline:      b.deadline,
	}
}

type shard struct {
	mu        sync.Mutex
	buffers   map[protocol.CorrelationID]*buffer
	completed map[protocol.CorrelationID]time.Time
	lastPrune time.Time
}

// Reassembler holds one buffer per correlation id. It is safe for concurrent
// use by link callbacks.
type Reassembler struct {
	cfg          protocol.Config
	codec        protocol.FrameCodec
	onExpire     ExpiryHandler
	completedTTL time.Duration
	shardCount   int
	shards       []*shard
	logger       log.Log

	closed  atomic.Bool
	pending atomic.Int64

	segments       atomic.Uint64
	duplicates     atomic.Uint64
	lateDuplicates atomic.Uint64
	delivered      atomic.Uint64
	expired        atomic.Uint64
	inconsistent   atomic.Uint64
	rejected       atomic.Uint64
}

// New validates cfg and returns an empty Reassembler.
func New(cfg protocol.Config, logger log.Log, opts ...Option) (*Reassembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Provide()
	}

	r := &Reassembler{
		cfg:          cfg,
		completedTTL: cfg.ReassemblyTimeout,
		shardCount:   defaultShards,
		logger:       logger.With(log.String("component", "reassembler")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.codec == nil {
		r.codec = protocol.BinaryFrameCodec{MaxPayload: cfg.ByteLimit}
	}

	r.shards = make([]*shard, r.shardCount)
	for i := range r.shards {
		r.shards[i] = &shard{
			buffers:   make(map[protocol.CorrelationID]*buffer),
			completed: make(map[protocol.CorrelationID]time.Time),
		}
	}
	return r, nil
}

func (r *Reassembler) shardFor(id protocol.CorrelationID) *shard {
	return r.shards[xxhash.Sum64(id[:])%uint64(len(r.shards))]
}

// AcceptFrame decodes raw with the frame codec and passes it to Accept.
func (r *Reassembler) AcceptFrame(from protocol.NodeID, raw []byte) (*protocol.Delivery, error) {
	seg, err := r.codec.UnmarshalSegment(raw)
	if err != nil {
		r.rejected.Add(1)
		return nil, err
	}
	return r.Accept(from, seg)
}

// Accept stores seg and returns the Delivery once the message is complete,
// or nil while segments are still missing.
//
// A segment whose Total disagrees with the buffer fails with
// ErrInconsistentFraming and discards the buffer. A repeated index
// overwrites the stored bytes. Segments of recently completed ids are
// dropped.
func (r *Reassembler) Accept(from protocol.NodeID, seg protocol.Segment) (*protocol.Delivery, error) {
	if r.closed.Load() {
		return nil, protocol.ErrClosed
	}
	id, index, total, payload, dest, err := protocol.Unframe(seg)
	if err != nil {
		r.rejected.Add(1)
		return nil, err
	}
	r.segments.Add(1)

	now := time.Now()
	sh := r.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	r.pruneCompleted(sh, now)
	if until, done := sh.completed[id]; done && now.Before(until) {
		r.lateDuplicates.Add(1)
		r.logger.Debug("Dropping late segment of completed message",
			log.Stringer("correlation_id", id), log.Uint16("index", index))
		return nil, nil
	}

	buf, ok := sh.buffers[id]
	if !ok {
		if buf, err = r.open(sh, id, from, dest, total, now); err != nil {
			return nil, err
		}
	}

	if int(total) != len(buf.parts) || dest != buf.destination {
		r.inconsistent.Add(1)
		r.discard(sh, buf)
		r.logger.Warn("Discarding buffer on inconsistent framing",
			log.Stringer("correlation_id", id),
			log.Int("expected_total", len(buf.parts)),
			log.Uint16("total", total),
			log.Stringer("destination", dest))
		return nil, fmt.Errorf("%w: segment %d of %s claims total %d to %s, buffer expects %d to %s",
			protocol.ErrInconsistentFraming, index, id, total, dest, len(buf.parts), buf.destination)
	}

	if buf.present[index] {
		r.duplicates.Add(1)
	} else {
		buf.present[index] = true
		buf.received++
	}
	buf.parts[index] = payload
	buf.lastSeenAt = now
	if r.cfg.ExtendOnSegment {
		buf.deadline = now.Add(r.cfg.ReassemblyTimeout)
	}

	if buf.received < len(buf.parts) {
		return nil, nil
	}

	r.discard(sh, buf)
	if r.completedTTL > 0 {
		sh.completed[id] = now.Add(r.completedTTL)
	}

	text, err := protocol.Decode(buf.parts)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Error("Reassembled message is not valid UTF-8",
			log.Stringer("correlation_id", id), log.Error(err))
		return nil, err
	}

	r.delivered.Add(1)
	r.logger.Debug("Message reassembled",
		log.Stringer("correlation_id", id), log.Int("segments", len(buf.parts)))

	return &protocol.Delivery{
		CorrelationID: id,
		From:          buf.from,
		Destination:   buf.destination,
		Payload:       text,
		Segments:      len(buf.parts),
		FirstSeenAt:   buf.firstSeenAt,
		CompletedAt:   now,
	}, nil
}

// open creates a buffer. The caller holds sh.mu.
func (r *Reassembler) open(sh *shard, id protocol.CorrelationID, from, dest protocol.NodeID, total uint16, now time.Time) (*buffer, error) {
	if limit := r.cfg.MaxSegmentsPerMessage(); int(total) > limit {
		r.rejected.Add(1)
		r.logger.Warn("Rejecting oversized message",
			log.Stringer("correlation_id", id), log.Uint16("total", total), log.Int("limit", limit))
		return nil, fmt.Errorf("%w: %d segments exceed %d", protocol.ErrMessageTooLarge, total, limit)
	}
	if limit := int64(r.cfg.MaxPendingBuffers); limit > 0 {
		if n := r.pending.Add(1); n > limit {
			r.pending.Add(-1)
			r.rejected.Add(1)
			r.logger.Warn("Reassembly buffer limit reached",
				log.Stringer("correlation_id", id), log.Int("limit", r.cfg.MaxPendingBuffers))
			return nil, fmt.Errorf("%w: %d reassembly buffers pending", protocol.ErrResourceExhausted, limit)
		}
	} else {
		r.pending.Add(1)
	}

	buf := &buffer{
		id:          id,
		from:        from,
		destination: dest,
		parts:       make([][]byte, total),
		present:     make([]bool, total),
		firstSeenAt: now,
		lastSeenAt:  now,
		deadline:    now.Add(r.cfg.ReassemblyTimeout),
	}
	buf.timer = time.AfterFunc(r.cfg.ReassemblyTimeout, func() { r.expire(sh, buf) })
	sh.buffers[id] = buf

	r.logger.Debug("Reassembly buffer opened",
		log.Stringer("correlation_id", id), log.Stringer("from", from), log.Uint16("total", total))
	return buf, nil
}

// discard removes buf and stops its timer. The caller holds sh.mu.
func (r *Reassembler) discard(sh *shard, buf *buffer) {
	if sh.buffers[buf.id] != buf {
		return
	}
	buf.timer.Stop()
	delete(sh.buffers, buf.id)
	r.pending.Add(-1)
}

func (r *Reassembler) expire(sh *shard, buf *buffer) {
	sh.mu.Lock()
	if sh.buffers[buf.id] != buf {
		sh.mu.Unlock()
		return
	}
	if wait := time.Until(buf.deadline); wait > 0 {
		buf.timer.Reset(wait)
		sh.mu.Unlock()
		return
	}
	r.discard(sh, buf)
	incomplete := &protocol.IncompleteMessageError{
		CorrelationID: buf.id,
		From:          buf.from,
		ReceivedCount: buf.received,
		ExpectedTotal: len(buf.parts),
		FirstSeenAt:   buf.firstSeenAt,
	}
	sh.mu.Unlock()

	r.expired.Add(1)
	r.logger.Warn("Reassembly timed out",
		log.Stringer("correlation_id", buf.id),
		log.Stringer("from", buf.from),
		log.Int("received", incomplete.ReceivedCount),
		log.Int("total", incomplete.ExpectedTotal))

	if r.onExpire != nil {
		r.onExpire(incomplete)
	}
}

// pruneCompleted forgets finished ids whose suppression window ended. The
// caller holds sh.mu.
func (r *Reassembler) pruneCompleted(sh *shard, now time.Time) {
	if now.Sub(sh.lastPrune) < pruneInterval {
		return
	}
	sh.lastPrune = now
	for id, until := range sh.completed {
		if !now.Before(until) {
			delete(sh.completed, id)
		}
	}
}

// Pending lists incomplete buffers, oldest first.
func (r *Reassembler) Pending() []BufferInfo {
	var out []BufferInfo
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, buf := range sh.buffers {
			out = append(out, buf.info())
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstSeenAt.Before(out[j].FirstSeenAt)
	})
	return out
}

func (r *Reassembler) Stats() Stats {
	return Stats{
		Segments:       r.segments.Load(),
		Duplicates:     r.duplicates.Load(),
		LateDuplicates: r.lateDuplicates.Load(),
		Delivered:      r.delivered.Load(),
		Expired:        r.expired.Load(),
		Inconsistent:   r.inconsistent.Load(),
		Rejected:       r.rejected.Load(),
		Pending:        int(r.pending.Load()),
	}
}

// Close stops every timer and drops all buffers without reporting them.
// Later calls to Accept fail with protocol.ErrClosed.
func (r *Reassembler) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, sh := range r.shards {
		sh.mu.Lock()
		for _, buf := range sh.buffers {
			r.discard(sh, buf)
		}
		sh.completed = make(map[protocol.CorrelationID]time.Time)
		sh.mu.Unlock()
	}
	return nil
}
