package bus

// Subscription represents a registered subscriber channel.
// Use Cancel to stop receiving events; the channel is closed afterwards.
type Subscription interface {
	// ID is a unique identifier for this subscription.
	ID() string
	// IsActive reports whether this subscription is still registered.
	IsActive() bool
	// Cancel de-registers the subscriber. Multiple calls are safe.
	Cancel() error
}

// Filter decides whether an event is delivered to one subscriber.
type Filter[E any] func(event E) bool

// Observer is notified about every publish. Observers should return quickly.
type Observer[E any] interface {
	OnPublish(event E, delivered, dropped int)
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	Published         uint64
	Delivered         uint64
	Dropped           uint64
	SubscribersActive int
}
