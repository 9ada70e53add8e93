// Package eventbus fans out change notifications to independent subscribers.
package eventbus

import "sync"

// Bus is a type-safe publish/subscribe bus. Each subscriber has a bounded
// buffer; when it is full the oldest pending event is dropped so a slow
// reader always ends up with the most recent one.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   []chan T
	size   int
	closed bool
}

// New creates a Bus whose subscriber channels buffer size events.
func New[T any](size int) *Bus[T] {
	if size <= 0 {
		size = 1
	}
	return &Bus[T]{size: size}
}

// Publish delivers e to every subscriber without blocking.
func (b *Bus[T]) Publish(e T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		for {
			select {
			case ch <- e:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a subscriber and returns its channel.
func (b *Bus[T]) Subscribe() <-chan T {
	ch := make(chan T, b.size)
	b.mu.Lock()
	if b.closed {
		close(ch)
	} else {
		b.subs = append(b.subs, ch)
	}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes the subscriber and closes its channel.
func (b *Bus[T]) Unsubscribe(sub <-chan T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, ch := range b.subs {
		if ch == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
