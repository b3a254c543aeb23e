package eventloop

import "time"

// AsyncQueue is a pollable tied to a wake channel whose drain callback
// receives one request at a time. Each component owns exactly one
// AsyncQueue of its own request type; pushing to it from any goroutine
// enqueues work that the owning worker drains on the Loop's goroutine,
// one item at a time, in push order.
type AsyncQueue[T any] struct {
	items   chan T
	source  *Source
	handler func(T)
}

// NewAsyncQueue creates a queue of the given capacity and priority,
// registers it with loop, and arranges for handler to be invoked with
// each pushed item on the loop's own goroutine.
func NewAsyncQueue[T any](loop *Loop, name string, priority Priority, capacity int, handler func(T)) *AsyncQueue[T] {
	q := &AsyncQueue[T]{
		items:   make(chan T, capacity),
		handler: handler,
	}
	ready := make(chan func())
	q.source = NewSource(name, priority, ready)
	loop.Register(q.source)

	go func() {
		for {
			select {
			case <-q.source.done:
				return
			default:
			}
			select {
			case item := <-q.items:
				select {
				case ready <- func() { q.handler(item) }:
				case <-q.source.done:
					return
				}
			case <-q.source.done:
				return
			}
		}
	}()

	return q
}

// Push enqueues item for later delivery. It blocks if the queue is at
// capacity, exerting backpressure on the producer rather than growing
// without bound.
func (q *AsyncQueue[T]) Push(item T) {
	q.items <- item
}

// Len reports the number of items currently queued but not yet
// delivered to the handler, for metrics.QueueDepth reporting.
func (q *AsyncQueue[T]) Len() int {
	return len(q.items)
}

// Close stops delivering further items and removes the queue's source
// from its loop.
func (q *AsyncQueue[T]) Close(loop *Loop) {
	loop.Remove(q.source)
}

// NewTimer registers a periodic source firing fn every interval.
func NewTimer(loop *Loop, name string, priority Priority, interval time.Duration, fn func()) *Source {
	ready := make(chan func())
	src := NewSource(name, priority, ready)
	loop.Register(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-src.done:
				return
			case <-ticker.C:
				select {
				case ready <- fn:
				case <-src.done:
					return
				}
			}
		}
	}()

	return src
}

// UserEvent is an externally-triggerable, no-argument source. Repeated
// Trigger calls before the previous one has been delivered coalesce
// into a single delivery, matching eventfd semantics.
type UserEvent struct {
	source  *Source
	trigger chan struct{}
}

// NewUserEvent registers a user-event source invoking fn each time it
// fires.
func NewUserEvent(loop *Loop, name string, priority Priority, fn func()) *UserEvent {
	ready := make(chan func())
	src := NewSource(name, priority, ready)
	loop.Register(src)

	ue := &UserEvent{source: src, trigger: make(chan struct{}, 1)}

	go func() {
		for {
			select {
			case <-src.done:
				return
			case <-ue.trigger:
				select {
				case ready <- fn:
				case <-src.done:
					return
				}
			}
		}
	}()

	return ue
}

// Trigger schedules one delivery of the event's callback.
func (u *UserEvent) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}
