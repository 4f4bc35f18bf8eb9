package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/queue"
	"github.com/JakeFAU/answerability-auditor/internal/queue/memory"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
)

type scriptedTicker struct {
	mu      sync.Mutex
	calls   []string
	results []runner.Outcome
	err     error
	done    chan struct{}
}

func (s *scriptedTicker) Tick(_ context.Context, auditID string) (runner.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, auditID)
	if s.err != nil {
		return runner.Outcome{}, s.err
	}
	if len(s.results) == 0 {
		if s.done != nil {
			close(s.done)
			s.done = nil
		}
		return runner.Outcome{AuditID: auditID}, nil
	}
	out := s.results[0]
	s.results = s.results[1:]
	return out, nil
}

func (s *scriptedTicker) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func TestWorkerChainsContinuingTicks(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	done := make(chan struct{})
	ticker := &scriptedTicker{
		results: []runner.Outcome{{Continue: true}, {Continue: true}},
		done:    done,
	}
	w := New(q, ticker, Config{ChainDelay: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1", Reason: "api"}))

	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("chained ticks did not run")
	}
	require.Equal(t, []string{"a1", "a1", "a1"}, ticker.Calls())

	cancel()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerDoesNotChainFailedTicks(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	ticker := &scriptedTicker{err: errors.New("boom")}
	w := New(q, ticker, Config{}, nil)

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, queue.Item{AuditID: "a1"}))
	q.Close()
	w.Run(ctx)

	require.Equal(t, []string{"a1"}, ticker.Calls())
	require.Zero(t, q.Len())
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(1)
	w := New(q, &scriptedTicker{}, Config{}, nil)
	q.Close()

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on closed queue")
	}
}
