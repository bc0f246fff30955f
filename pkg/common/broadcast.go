package common

import "sync"

// Broadcaster is a multi-consumer event stream with a one-slot cache of the
// most recently published value. A subscriber that registers after a value
// has already been published immediately receives that cached value, so a
// late observer (e.g. UI attaching after the call has already entered) sees
// the current state rather than waiting for the next change.
//
// Modeled on the mutex-guarded channel bookkeeping of Worker in worker.go,
// generalized from single-consumer to fan-out-to-many.
type Broadcaster[T any] struct {
	mutex       sync.Mutex
	subscribers map[int]chan T
	nextID      int
	hasLatest   bool
	latest      T
}

func NewBroadcaster[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subscribers: make(map[int]chan T)}
}

// Subscription is a handle that a caller uses to read published values and
// to cancel the subscription once it's no longer needed.
type Subscription[T any] struct {
	Channel <-chan T
	id      int
	b       *Broadcaster[T]
}

// Cancel stops delivery to this subscription and releases its channel.
// Safe to call more than once.
func (s *Subscription[T]) Cancel() {
	s.b.mutex.Lock()
	defer s.b.mutex.Unlock()

	if ch, ok := s.b.subscribers[s.id]; ok {
		delete(s.b.subscribers, s.id)
		close(ch)
	}
}

// Subscribe registers a new observer. If a value has already been published,
// the observer's channel is immediately seeded with it.
func (b *Broadcaster[T]) Subscribe() *Subscription[T] {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	ch := make(chan T, UnboundedChannelSize)
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch

	if b.hasLatest {
		ch <- b.latest
	}

	return &Subscription[T]{Channel: ch, id: id, b: b}
}

// Publish delivers value to every current subscriber (non-blocking: a
// subscriber that isn't keeping up drops the value rather than stalling the
// publisher) and caches it for subscribers that join later.
func (b *Broadcaster[T]) Publish(value T) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.hasLatest = true
	b.latest = value

	for _, ch := range b.subscribers {
		select {
		case ch <- value:
		default:
		}
	}
}

// Close tears down every live subscription. Further Publish calls still
// update the cached latest value but have nobody to deliver to.
func (b *Broadcaster[T]) Close() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
