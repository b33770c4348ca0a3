package feed

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"tenebrinet/internal/event"
)

// Broadcaster fans persisted attacks out to live subscribers. Delivery is
// at-least-once per subscriber in publish order; a subscriber that cannot
// keep up loses its oldest pending attacks, never the newest, and the loss
// is counted rather than silent.
type Broadcaster struct {
	logger *zap.Logger
	buffer int

	mu          sync.RWMutex
	subscribers map[uint64]*Subscriber
	nextID      uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool
}

// Subscriber is one feed consumer. Receive from C; call Close when done.
type Subscriber struct {
	id uint64
	b  *Broadcaster

	// mu serializes Publish's drop-oldest against itself. The channel is
	// the buffer; the mutex is what keeps "drop one, push one" atomic.
	mu sync.Mutex
	ch chan *event.Attack

	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewBroadcaster creates a broadcaster with the given per-subscriber
// buffer size.
func NewBroadcaster(logger *zap.Logger, buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 256
	}
	return &Broadcaster{
		logger:      logger,
		buffer:      buffer,
		subscribers: make(map[uint64]*Subscriber),
	}
}

// Subscribe registers a new feed consumer. Subscribers see only attacks
// published after they join.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscriber{
		id: b.nextID,
		b:  b,
		ch: make(chan *event.Attack, b.buffer),
	}
	b.subscribers[sub.id] = sub
	return sub
}

// Publish delivers an attack to every current subscriber. It never blocks
// on a slow consumer.
func (b *Broadcaster) Publish(attack *event.Attack) {
	if b.closed.Load() {
		return
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		sub.push(attack)
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Published returns the total number of attacks published.
func (b *Broadcaster) Published() uint64 { return b.published.Load() }

// Dropped returns the total number of deliveries lost to full buffers,
// summed across all subscribers.
func (b *Broadcaster) Dropped() uint64 { return b.dropped.Load() }

// Close unsubscribes everyone and stops accepting publishes.
func (b *Broadcaster) Close() {
	if !b.closed.CompareAndSwap(false, true) {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subs = append(subs, sub)
	}
	b.subscribers = make(map[uint64]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
}

// C is the subscriber's receive channel. It is closed when the subscriber
// or the broadcaster closes.
func (s *Subscriber) C() <-chan *event.Attack { return s.ch }

// Dropped returns how many attacks this subscriber lost to backpressure.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscriber from the feed.
func (s *Subscriber) Close() {
	s.b.mu.Lock()
	delete(s.b.subscribers, s.id)
	s.b.mu.Unlock()
	s.closeChannel()
}

func (s *Subscriber) closeChannel() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.ch)
	})
}

// push enqueues one attack, evicting the oldest pending one if the buffer
// is full.
func (s *Subscriber) push(attack *event.Attack) {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case s.ch <- attack:
		return
	default:
	}

	// Buffer full: evict the oldest, count it, deliver the newest.
	select {
	case <-s.ch:
		s.dropped.Add(1)
		s.b.dropped.Add(1)
	default:
	}

	select {
	case s.ch <- attack:
	default:
		s.dropped.Add(1)
		s.b.dropped.Add(1)
	}
}
