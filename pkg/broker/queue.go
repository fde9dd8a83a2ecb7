// Package broker holds the two queues shared between the connection loop's
// I/O goroutines and the host's single-threaded tick consumer. The queues
// are the only state crossing that boundary; callers need no locking of
// their own.
package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/unvm/unvm/pkg/wire"
)

// ErrClosed is returned by Pop once the queue is closed and drained.
var ErrClosed = errors.New("broker: queue closed")

// Queue is an unbounded FIFO safe for concurrent producers and consumers.
type Queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
}

// NewQueue returns an empty open queue.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends v. Pushes after Close are dropped.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, v)
	q.cond.Broadcast()
}

// TryPop removes and returns the oldest item without blocking.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// Pop blocks until an item is available, the queue is closed and drained,
// or ctx is done. The write task parks here between responses, so the
// writer never busy-polls.
func (q *Queue[T]) Pop(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	var zero T
	for len(q.items) == 0 {
		if q.closed {
			return zero, ErrClosed
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		q.cond.Wait()
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, nil
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close wakes blocked consumers. Items already queued can still be popped.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// Broker owns the inbound and outbound queues for one server instance.
// The connection loop is the sole producer into Receive and sole consumer
// of Send; the dispatcher is the sole consumer of Receive and sole producer
// into Send.
type Broker struct {
	Receive *Queue[*wire.Request]
	Send    *Queue[*wire.Response]
}

// New constructs a broker with empty queues. One broker is built at startup
// and passed explicitly to the server and dispatcher; there is no package
// state.
func New() *Broker {
	return &Broker{
		Receive: NewQueue[*wire.Request](),
		Send:    NewQueue[*wire.Response](),
	}
}

// Close closes both queues.
func (b *Broker) Close() {
	b.Receive.Close()
	b.Send.Close()
}
