// Package bus implements the best-effort event broadcast used for lifecycle,
// batch, and automation events. Delivery to a given subscriber preserves the
// producer's emission order; there is no cross-producer ordering. A
// subscriber that stops draining its channel is pruned on the next send
// rather than requiring explicit unsubscribe.
package bus

import (
	"sync"
)

// DefaultBufferSize is the channel buffer handed to subscribers.
const DefaultBufferSize = 256

// Bus broadcasts values of type T to all current subscribers.
type Bus[T any] struct {
	mu          sync.Mutex
	subscribers []chan T
	bufferSize  int
}

// New creates a bus with the default subscriber buffer size.
func New[T any]() *Bus[T] {
	return NewWithBuffer[T](DefaultBufferSize)
}

// NewWithBuffer creates a bus whose subscriber channels hold up to size
// pending events.
func NewWithBuffer[T any](size int) *Bus[T] {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Bus[T]{bufferSize: size}
}

// Subscribe registers a new subscriber and returns its receive channel.
// The channel is closed when the bus is closed.
func (b *Bus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.bufferSize)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers event to every subscriber that can accept it. A
// subscriber whose buffer is full is dropped and its channel closed; events
// are observability data, and a stuck consumer must not block the producers.
func (b *Bus[T]) Publish(event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	alive := b.subscribers[:0]
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
			alive = append(alive, ch)
		default:
			close(ch)
		}
	}
	b.subscribers = alive
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus[T]) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels and drops them.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = nil
}
