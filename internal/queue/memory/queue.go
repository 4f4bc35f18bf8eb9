// Package memory provides the in-process tick queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/answerability-auditor/internal/queue"
)

// ErrFull is returned when the queue has no free capacity.
var ErrFull = errors.New("queue full")

// Queue is a bounded FIFO that holds at most one pending tick per audit.
// Ticks for an audit already waiting are coalesced, which keeps the
// scheduler and self-chaining from piling up duplicate work. An item leaves
// the queue and its pending marker in the same critical section, so an
// Enqueue never coalesces into an item a worker has already taken.
type Queue struct {
	mu       sync.Mutex
	items    []queue.Item
	capacity int
	pending  map[string]struct{}
	closed   bool
	// ready holds a token while items may be waiting.
	ready chan struct{}
	// taken runs after an item is popped, outside the lock.
	taken func(queue.Item)
}

var _ queue.Queue = (*Queue)(nil)

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]queue.Item, 0, capacity),
		capacity: capacity,
		pending:  make(map[string]struct{}),
		ready:    make(chan struct{}, 1),
	}
}

// Enqueue adds item unless a tick for the same audit is already pending.
// It never blocks; a full queue returns ErrFull and the next schedule pass
// picks the audit up again.
func (q *Queue) Enqueue(ctx context.Context, item queue.Item) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	if item.AuditID == "" {
		return errors.New("audit id is required")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return queue.ErrClosed
	}
	if _, dup := q.pending[item.AuditID]; dup {
		return nil
	}
	if len(q.items) >= q.capacity {
		return ErrFull
	}
	q.items = append(q.items, item)
	q.pending[item.AuditID] = struct{}{}
	q.signal()
	return nil
}

// Dequeue pops the next item, respecting context cancellation. Once the
// queue is closed it drains the remaining items before returning ErrClosed.
func (q *Queue) Dequeue(ctx context.Context) (queue.Item, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = queue.Item{}
			q.items = q.items[1:]
			delete(q.pending, item.AuditID)
			if len(q.items) > 0 {
				q.signal()
			}
			taken := q.taken
			q.mu.Unlock()
			if taken != nil {
				taken(item)
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return queue.Item{}, queue.ErrClosed
		}

		select {
		case <-ctx.Done():
			return queue.Item{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

// signal wakes one waiting Dequeue. Callers hold q.mu.
func (q *Queue) signal() {
	if q.closed {
		return
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len reports the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting items. Items already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ready)
}
