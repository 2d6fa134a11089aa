// Package queue provides an order-preserving channel adapter whose sender
// never blocks.
package queue

import "sync"

// Unbounded buffers values pushed with Push and delivers them, in order, on
// the channel returned by Out. Push never blocks regardless of how slow the
// consumer is.
type Unbounded[T any] struct {
	mu     sync.Mutex
	buf    []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	closed bool
}

// New starts the delivery goroutine. Call Close to stop it.
func New[T any]() *Unbounded[T] {
	q := &Unbounded[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Push enqueues v. Values pushed after Close are dropped.
func (q *Unbounded[T]) Push(v T) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Out returns the delivery channel. It is closed after Close once the
// remaining buffered values have been drained or discarded.
func (q *Unbounded[T]) Out() <-chan T {
	return q.out
}

// Len reports the number of buffered, undelivered values.
func (q *Unbounded[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Close stops delivery. Buffered values not yet received are discarded.
func (q *Unbounded[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
}

func (q *Unbounded[T]) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		if len(q.buf) == 0 {
			q.mu.Unlock()
			select {
			case <-q.signal:
				continue
			case <-q.done:
				return
			}
		}
		v := q.buf[0]
		var zero T
		q.buf[0] = zero
		q.buf = q.buf[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-q.done:
			return
		}
	}
}
