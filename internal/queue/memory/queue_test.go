package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answerability-auditor/internal/queue"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	result := make(chan queue.Item, 1)
	errCh := make(chan error, 1)
	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	require.NoError(t, q.Enqueue(context.Background(), queue.Item{AuditID: "a1", Reason: "api"}))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, "a1", got.AuditID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return item")
	}
}

func TestQueueCoalescesPendingAudit(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1"}))
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1"}))
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a2"}))
	require.Equal(t, 2, q.Len())

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a1", item.AuditID)

	// Once dequeued the audit may be queued again.
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1"}))
	require.Equal(t, 2, q.Len())
}

func TestQueueAcceptsAuditAsSoonAsItIsTaken(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	ctx := context.Background()
	q.taken = func(item queue.Item) {
		// A worker finishing a chained tick re-enqueues while Dequeue returns.
		require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: item.AuditID, Reason: "chain"}))
	}
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1", Reason: "api"}))

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "api", item.Reason)
	require.Equal(t, 1, q.Len())

	q.taken = nil
	item, err = q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "chain", item.Reason)
	require.Zero(t, q.Len())
}

func TestQueueWakesEveryWaitingWorker(t *testing.T) {
	t.Parallel()

	q := NewQueue(8)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	const workers = 4
	got := make(chan string, workers)
	for range workers {
		go func() {
			item, err := q.Dequeue(ctx)
			if err != nil {
				got <- ""
				return
			}
			got <- item.AuditID
		}()
	}
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: id}))
	}

	seen := map[string]bool{}
	for range workers {
		seen[<-got] = true
	}
	require.Equal(t, map[string]bool{"a1": true, "a2": true, "a3": true, "a4": true}, seen)
}

func TestQueueFullAndClosed(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1"}))
	require.ErrorIs(t, q.Enqueue(ctx, queue.Item{AuditID: "a2"}), ErrFull)
	require.Error(t, q.Enqueue(ctx, queue.Item{}))

	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(ctx, queue.Item{AuditID: "a3"}), queue.ErrClosed)

	item, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, "a1", item.AuditID)
	_, err = q.Dequeue(ctx)
	require.ErrorIs(t, err, queue.ErrClosed)
}

func TestQueueDequeueHonorsContext(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
