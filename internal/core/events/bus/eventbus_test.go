package bus

import (
	"sync"
	"testing"
)

type testObserver struct {
	mu        sync.Mutex
	published int
	dropped   int
}

func (o *testObserver) OnPublish(_ int, _, dropped int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.published++
	o.dropped += dropped
}

func TestBasicPublishSubscribe(t *testing.T) {
	b := New[int]()
	ch, sub := b.Subscribe(1)
	defer sub.Cancel()

	if delivered, dropped := b.Publish(123); delivered != 1 || dropped != 0 {
		t.Fatalf("publish: delivered=%d dropped=%d", delivered, dropped)
	}
	if got := <-ch; got != 123 {
		t.Fatalf("got %d, want 123", got)
	}
}

func TestFullSubscriberDropsEvents(t *testing.T) {
	b := New[int]()
	slow, slowSub := b.Subscribe(1)
	defer slowSub.Cancel()
	fast, fastSub := b.Subscribe(3)
	defer fastSub.Cancel()

	for i := 0; i < 3; i++ {
		b.Publish(i)
	}

	if got := <-slow; got != 0 {
		t.Fatalf("slow subscriber got %d, want 0", got)
	}
	for want := 0; want < 3; want++ {
		if got := <-fast; got != want {
			t.Fatalf("fast subscriber got %d, want %d", got, want)
		}
	}
	m := b.Metrics()
	if m.Published != 3 || m.Delivered != 4 || m.Dropped != 2 {
		t.Fatalf("unexpected metrics: %+v", m)
	}
}

func TestFilters(t *testing.T) {
	b := New[int]()
	even, sub := b.Subscribe(4, func(v int) bool { return v%2 == 0 })
	defer sub.Cancel()

	for i := 0; i < 4; i++ {
		b.Publish(i)
	}
	if len(even) != 2 {
		t.Fatalf("filtered subscriber holds %d events, want 2", len(even))
	}
	if got := <-even; got != 0 {
		t.Fatalf("got %d, want 0", got)
	}
	if got := <-even; got != 2 {
		t.Fatalf("got %d, want 2", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := New[int]()
	ch, sub := b.Subscribe(1)
	if !sub.IsActive() || sub.ID() == "" {
		t.Fatal("subscription should be active with an id")
	}

	_ = sub.Cancel()
	_ = sub.Cancel()
	if sub.IsActive() {
		t.Fatal("subscription still active after cancel")
	}
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("subscribers = %d, want 0", b.Subscribers())
	}
	if delivered, _ := b.Publish(1); delivered != 0 {
		t.Fatalf("delivered to a cancelled subscriber")
	}
}

func TestClose(t *testing.T) {
	b := New[int]()
	ch, sub := b.Subscribe(1)
	b.Close()
	b.Close()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	_ = sub.Cancel()

	late, _ := b.Subscribe(1)
	if _, ok := <-late; ok {
		t.Fatal("subscribing to a closed bus should return a closed channel")
	}
	if delivered, dropped := b.Publish(1); delivered != 0 || dropped != 0 {
		t.Fatal("publish on a closed bus should be ignored")
	}
}

func TestObserver(t *testing.T) {
	b := New[int]()
	obs := &testObserver{}
	b.AddObserver(obs)

	_, sub := b.Subscribe(0)
	defer sub.Cancel()
	b.Publish(1)

	b.RemoveObserver(obs)
	b.Publish(2)

	if obs.published != 1 || obs.dropped != 1 {
		t.Fatalf("observer saw published=%d dropped=%d", obs.published, obs.dropped)
	}
}

func TestConcurrentPublish(t *testing.T) {
	b := New[int]()
	ch, sub := b.Subscribe(1000)
	defer sub.Cancel()

	var wg sync.WaitGroup
	for p := 0; p < 10; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Publish(i)
			}
		}()
	}
	wg.Wait()

	if len(ch) != 1000 {
		t.Fatalf("received %d events, want 1000", len(ch))
	}
}
