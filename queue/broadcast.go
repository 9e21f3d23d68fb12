package queue

import "sync"

// Broadcaster fans events out to subscribers. Each subscriber has its own
// unbounded buffer, so Publish never blocks and nothing is dropped; a slow
// reader only grows its own backlog.
type Broadcaster[T any] struct {
	mu     sync.Mutex
	subs   map[int]*subscriber[T]
	nextID int
	closed bool
}

type subscriber[T any] struct {
	mu      sync.Mutex
	pending []T
	closing bool

	out    chan T
	notify chan struct{}
	cancel chan struct{}
	once   sync.Once
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[int]*subscriber[T])}
}

// Subscribe returns a channel receiving every event published from now on
// and a function that ends the subscription. The channel is closed after
// unsubscribe or after Close once the backlog has drained.
func (b *Broadcaster[T]) Subscribe() (<-chan T, func()) {
	s := &subscriber[T]{
		out:    make(chan T, 16),
		notify: make(chan struct{}, 1),
		cancel: make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.out)
		return s.out, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	go s.pump()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		s.once.Do(func() { close(s.cancel) })
	}
	return s.out, unsubscribe
}

func (b *Broadcaster[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subs {
		s.push(v)
	}
}

// Close flushes every subscriber and closes their channels
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		s.close()
		delete(b.subs, id)
	}
}

func (s *subscriber[T]) push(v T) {
	s.mu.Lock()
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.wake()
}

func (s *subscriber[T]) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		batch, closing := s.pending, s.closing
		s.pending = nil
		s.mu.Unlock()

		if len(batch) == 0 {
			if closing {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.cancel:
				return
			}
		}

		for _, v := range batch {
			select {
			case s.out <- v:
			case <-s.cancel:
				return
			}
		}
	}
}
