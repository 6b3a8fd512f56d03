// Package bus is an in-process fan-out of events to buffered channels.
//
// Publish never blocks: a subscriber whose buffer is full loses the event and
// the loss is counted. Every subscriber sees events in publish order.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type subscription[E any] struct {
	id      string
	ch      chan E
	filters []Filter[E]
	active  atomic.Bool
	cancel  func()
}

func (s *subscription[E]) ID() string     { return s.id }
func (s *subscription[E]) IsActive() bool { return s.active.Load() }
func (s *subscription[E]) Cancel() error {
	s.cancel()
	return nil
}

func (s *subscription[E]) accepts(event E) bool {
	for _, f := range s.filters {
		if !f(event) {
			return false
		}
	}
	return true
}

// Bus is safe for concurrent use.
type Bus[E any] struct {
	mu        sync.RWMutex
	subs      map[string]*subscription[E]
	observers map[Observer[E]]struct{}
	closed    bool

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func New[E any]() *Bus[E] {
	return &Bus[E]{
		subs:      make(map[string]*subscription[E]),
		observers: make(map[Observer[E]]struct{}),
	}
}

// Subscribe registers a channel with the given buffer. Only events passing
// every filter are delivered to it. On a closed bus the channel is returned
// already closed.
func (b *Bus[E]) Subscribe(buffer int, filters ...Filter[E]) (<-chan E, Subscription) {
	s := &subscription[E]{
		id:      uuid.NewString(),
		ch:      make(chan E, buffer),
		filters: filters,
	}

	var once sync.Once
	s.cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[s.id]; ok {
				delete(b.subs, s.id)
				s.active.Store(false)
				close(s.ch)
			}
		})
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s.ch, s
	}
	s.active.Store(true)
	b.subs[s.id] = s
	return s.ch, s
}

// Publish offers event to every matching subscriber and reports how many
// received it and how many were too slow.
func (b *Bus[E]) Publish(event E) (delivered, dropped int) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, 0
	}

	for _, s := range b.subs {
		if !s.accepts(event) {
			continue
		}
		select {
		case s.ch <- event:
			delivered++
		default:
			dropped++
		}
	}

	b.published.Add(1)
	b.delivered.Add(uint64(delivered))
	b.dropped.Add(uint64(dropped))
	for obs := range b.observers {
		obs.OnPublish(event, delivered, dropped)
	}
	return delivered, dropped
}

func (b *Bus[E]) AddObserver(obs Observer[E]) {
	b.mu.Lock()
	b.observers[obs] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus[E]) RemoveObserver(obs Observer[E]) {
	b.mu.Lock()
	delete(b.observers, obs)
	b.mu.Unlock()
}

func (b *Bus[E]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus[E]) Metrics() Metrics {
	return Metrics{
		Published:         b.published.Load(),
		Delivered:         b.delivered.Load(),
		Dropped:           b.dropped.Load(),
		SubscribersActive: b.Subscribers(),
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.active.Store(false)
		close(s.ch)
	}
}
