// Package dispatcher fans tick work out to a pool of workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/queue"
	"github.com/JakeFAU/answerability-auditor/internal/worker"
)

// Config sizes the pool.
type Config struct {
	Workers    int
	ChainDelay time.Duration
	// TickTimeout bounds each tick run by a worker.
	TickTimeout time.Duration
}

// Dispatcher owns the worker pool and the queue it drains.
type Dispatcher struct {
	queue   queue.Queue
	workers []*worker.Worker
	now     func() time.Time
}

// New creates a Dispatcher with cfg.Workers workers sharing ticker.
func New(q queue.Queue, ticker worker.Ticker, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := make([]*worker.Worker, 0, cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		workers = append(workers, worker.New(q, ticker, worker.Config{
			ChainDelay:  cfg.ChainDelay,
			TickTimeout: cfg.TickTimeout,
		}, logger.With(zap.Int("worker", i))))
	}
	return &Dispatcher{queue: q, workers: workers, now: time.Now}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue schedules a tick for auditID.
func (d *Dispatcher) Enqueue(ctx context.Context, auditID, reason string) error {
	if err := d.queue.Enqueue(ctx, queue.Item{AuditID: auditID, Reason: reason, EnqueuedAt: d.now()}); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
