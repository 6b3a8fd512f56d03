package transmit

import (
	"sort"
	"sync"
	"time"

	"github.com/zeusync/meshtext/internal/core/protocol"
)

// InFlight tracks one Message while its segments are on the air.
type InFlight struct {
	CorrelationID protocol.CorrelationID
	Destination   protocol.NodeID
	SegmentsTotal int
	SegmentsSent  int
	SegmentsAcked int
	Attempts      int
	StartedAt     time.Time
	LastAttemptAt time.Time
	LastError     string
}

// Outbox stores in-flight sends by correlation id.
type Outbox struct {
	mu    sync.RWMutex
	items map[protocol.CorrelationID]InFlight
}

func NewOutbox() *Outbox {
	return &Outbox{
		items: make(map[protocol.CorrelationID]InFlight),
	}
}

// Open registers a send. It reports false if the id is already in flight.
func (o *Outbox) Open(msg protocol.Message, total int, at time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.items[msg.CorrelationID]; exists {
		return false
	}
	o.items[msg.CorrelationID] = InFlight{
		CorrelationID: msg.CorrelationID,
		Destination:   msg.Destination,
		SegmentsTotal: total,
		StartedAt:     at,
	}
	return true
}

// MarkAttempt records one submission of segment index.
func (o *Outbox) MarkAttempt(id protocol.CorrelationID, index int, at time.Time, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return
	}
	item.Attempts++
	item.LastAttemptAt = at
	if index+1 > item.SegmentsSent {
		item.SegmentsSent = index + 1
	}
	item.LastError = ""
	if err != nil {
		item.LastError = err.Error()
	}
	o.items[id] = item
}

func (o *Outbox) MarkAcked(id protocol.CorrelationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[id]
	if !ok {
		return
	}
	item.SegmentsAcked++
	o.items[id] = item
}

func (o *Outbox) Remove(id protocol.CorrelationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.items, id)
}

// List returns every in-flight send, oldest first.
func (o *Outbox) List() []InFlight {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]InFlight, 0, len(o.items))
	for _, item := range o.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
