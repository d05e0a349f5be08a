package main

import (
	"errors"
	"sync"
)

var (
	ErrQueueClosed   = errors.New("send queue closed")
	ErrQueueOverflow = errors.New("send queue limit exceeded")
)

// queueItem is either a value or a stop signal carrying the reason.
type queueItem[T any] struct {
	value T
	err   error
}

// sendQueue is a multi-producer, single-consumer FIFO. Push never blocks the
// producer: with limit 0 the queue grows without bound, otherwise exceeding
// the limit closes the queue.
type sendQueue[T any] struct {
	mu     sync.Mutex
	items  []queueItem[T]
	closed bool
	limit  int
	notify chan struct{} // capacity 1, signals the consumer
}

func newSendQueue[T any](limit int) *sendQueue[T] {
	return &sendQueue[T]{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

// Push appends v to the queue.
func (q *sendQueue[T]) Push(v T) error {
	return q.push(queueItem[T]{value: v})
}

// Stop enqueues a stop signal. The consumer sees err after everything pushed
// before it.
func (q *sendQueue[T]) Stop(err error) error {
	if err == nil {
		err = ErrQueueClosed
	}
	return q.push(queueItem[T]{err: err})
}

func (q *sendQueue[T]) push(item queueItem[T]) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.limit > 0 && item.err == nil && len(q.items) >= q.limit {
		q.closed = true
		q.items = append(q.items, queueItem[T]{err: ErrQueueOverflow})
		q.mu.Unlock()
		q.wake()
		return ErrQueueOverflow
	}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *sendQueue[T]) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting new items. Items already queued are still delivered.
// Calling Close more than once is a no-op.
func (q *sendQueue[T]) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of undelivered items.
func (q *sendQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready returns a channel that is signalled whenever items may be available.
// It lets the consumer select on the queue alongside other events.
func (q *sendQueue[T]) Ready() <-chan struct{} {
	return q.notify
}

// TryNext returns the next item without blocking. ok is false when the queue
// is empty; closed reports that nothing more will ever arrive.
func (q *sendQueue[T]) TryNext() (item queueItem[T], ok bool, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 {
		item = q.items[0]
		q.items[0] = queueItem[T]{}
		q.items = q.items[1:]
		return item, true, false
	}
	return item, false, q.closed
}
