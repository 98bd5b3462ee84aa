package stream

import (
	"sync"
)

// Default per-subscriber queue sizing.
const (
	DefaultQueueCapacity = 16
	DefaultQueueLimit    = 1024
)

// Broadcaster fans values out to all current subscribers.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription[T]
	nextID uint64
	closed bool

	queueCapacity int
	queueLimit    int

	// State streams replay the latest value to new subscribers.
	replay    bool
	latest    T
	hasLatest bool
}

// NewBroadcaster creates an event stream. Subscribers only see values
// published after they subscribed. A limit <= 0 uses DefaultQueueLimit.
func NewBroadcaster[T any](limit int) *Broadcaster[T] {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Broadcaster[T]{
		subs:          make(map[uint64]*Subscription[T]),
		queueCapacity: min(DefaultQueueCapacity, limit),
		queueLimit:    limit,
	}
}

// NewStateBroadcaster creates a state stream seeded with initial.
// Every new subscriber first receives the latest value.
func NewStateBroadcaster[T any](initial T, limit int) *Broadcaster[T] {
	b := NewBroadcaster[T](limit)
	b.replay = true
	b.latest = initial
	b.hasLatest = true
	return b
}

// Publish delivers v to every subscriber.
// Returns false if the broadcaster is closed.
func (b *Broadcaster[T]) Publish(v T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	if b.replay {
		b.latest = v
		b.hasLatest = true
	}

	for _, s := range b.subs {
		s.queue.Send(v)
	}
	return true
}

// Latest returns the most recent value of a state stream.
func (b *Broadcaster[T]) Latest() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Subscribe registers a new observer. On a closed broadcaster the returned
// subscription is already closed (after replaying the latest value, if any).
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := &Subscription[T]{
		queue:  NewQueue[T](b.queueCapacity, b.queueLimit),
		ch:     make(chan T),
		done:   make(chan struct{}),
		parent: b,
	}
	if b.replay && b.hasLatest {
		s.queue.Send(b.latest)
	}

	if b.closed {
		s.queue.Close()
	} else {
		s.id = b.nextID
		b.nextID++
		b.subs[s.id] = s
	}

	go s.pump()
	return s
}

// Len returns the number of active subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close ends the stream. Subscribers receive buffered values, then their
// channel is closed.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, s := range b.subs {
		s.queue.Close()
		delete(b.subs, id)
	}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Subscription is one observer's view of a Broadcaster.
type Subscription[T any] struct {
	id     uint64
	queue  *Queue[T]
	ch     chan T
	done   chan struct{}
	once   sync.Once
	parent *Broadcaster[T]
}

// C returns the channel values are delivered on. It is closed when the
// subscription or its broadcaster is closed.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close detaches the observer. Safe to call more than once.
func (s *Subscription[T]) Close() {
	s.once.Do(func() {
		s.parent.remove(s.id)
		s.queue.Close()
		close(s.done)
	})
}

// Dropped returns how many values were discarded because this observer
// fell behind.
func (s *Subscription[T]) Dropped() int64 {
	return s.queue.Stats().Dropped
}

// pump moves values from the queue to the channel.
func (s *Subscription[T]) pump() {
	defer close(s.ch)

	for {
		v, ok := s.queue.Receive()
		if !ok {
			return
		}
		select {
		case s.ch <- v:
		case <-s.done:
			return
		}
	}
}
