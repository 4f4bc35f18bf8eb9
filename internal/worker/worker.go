// Package worker runs audit ticks pulled from the tick queue.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/queue"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
)

// Ticker runs one tick for an audit.
type Ticker interface {
	Tick(ctx context.Context, auditID string) (runner.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	// ChainDelay is the pause before re-enqueueing an audit whose tick asked
	// to continue.
	ChainDelay time.Duration
	// TickTimeout bounds a single tick; zero means no extra bound.
	TickTimeout time.Duration
}

// Worker consumes queue items and runs ticks.
type Worker struct {
	queue  queue.Queue
	ticker Ticker
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	chains sync.WaitGroup
}

// New constructs a Worker.
func New(q queue.Queue, ticker Ticker, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:  q,
		ticker: ticker,
		cfg:    cfg,
		logger: logger.Named("worker"),
		now:    time.Now,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes. Pending chain re-enqueues are abandoned on shutdown.
func (w *Worker) Run(ctx context.Context) {
	defer w.chains.Wait()
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.process(ctx, item)
	}
}

func (w *Worker) process(ctx context.Context, item queue.Item) {
	telemetry.IncActiveWorkers()
	defer telemetry.DecActiveWorkers()

	tickCtx := ctx
	if w.cfg.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, w.cfg.TickTimeout)
		defer cancel()
	}

	out, err := w.ticker.Tick(tickCtx, item.AuditID)
	if err != nil {
		// The runner already logged the failure; the watchdog owns recovery.
		w.logger.Debug("tick failed", zap.String("audit_id", item.AuditID), zap.Error(err))
		return
	}
	w.logger.Debug("tick finished",
		zap.String("audit_id", item.AuditID),
		zap.String("reason", item.Reason),
		zap.String("phase", string(out.Phase)),
		zap.Bool("continue", out.Continue),
	)
	if out.Continue {
		w.chain(ctx, item.AuditID)
	}
}

// chain re-enqueues auditID after ChainDelay without blocking the worker.
func (w *Worker) chain(ctx context.Context, auditID string) {
	w.chains.Add(1)
	go func() {
		defer w.chains.Done()
		if w.cfg.ChainDelay > 0 {
			timer := time.NewTimer(w.cfg.ChainDelay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		err := w.queue.Enqueue(ctx, queue.Item{AuditID: auditID, Reason: "chain", EnqueuedAt: w.now()})
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("chain re-enqueue failed", zap.String("audit_id", auditID), zap.Error(err))
		}
	}()
}
