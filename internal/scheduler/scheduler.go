// Package scheduler is the in-process trigger. It enqueues a tick for every
// running audit on one cron schedule and sweeps the watchdog on another.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/watchdog"
)

// Lister finds running audits.
type Lister interface {
	ListAudits(ctx context.Context, status audit.Status, limit int) ([]audit.Audit, error)
}

// Enqueuer schedules a tick.
type Enqueuer interface {
	Enqueue(ctx context.Context, auditID, reason string) error
}

// Sweeper runs one watchdog pass.
type Sweeper interface {
	Sweep(ctx context.Context) (watchdog.Report, error)
}

// Config holds cron specs. Descriptors such as "@every 5s" are accepted.
type Config struct {
	TickSpec         string
	WatchdogSpec     string
	MaxAuditsPerTick int
}

// Deps are the scheduler's collaborators. Sweeper may be nil to disable the
// watchdog schedule.
type Deps struct {
	Audits   Lister
	Enqueuer Enqueuer
	Sweeper  Sweeper
	Logger   *zap.Logger
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cron     *cron.Cron
	audits   Lister
	enqueuer Enqueuer
	sweeper  Sweeper
	logger   *zap.Logger
	cfg      Config

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New validates the specs and registers the jobs. Nothing runs until Start.
func New(deps Deps, cfg Config) (*Scheduler, error) {
	if deps.Audits == nil || deps.Enqueuer == nil {
		return nil, errors.New("scheduler requires an audit lister and enqueuer")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("scheduler")
	s := &Scheduler{
		audits:   deps.Audits,
		enqueuer: deps.Enqueuer,
		sweeper:  deps.Sweeper,
		logger:   logger,
		cfg:      cfg,
		ctx:      context.Background(),
	}
	cronLog := cronLogger{logger: logger}
	s.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if _, err := s.cron.AddFunc(cfg.TickSpec, func() {
		if _, err := s.EnqueueRunning(s.context()); err != nil {
			s.logger.Error("enqueue running audits failed", zap.Error(err))
		}
	}); err != nil {
		return nil, fmt.Errorf("parse tick spec %q: %w", cfg.TickSpec, err)
	}
	if s.sweeper != nil {
		if _, err := s.cron.AddFunc(cfg.WatchdogSpec, func() { s.RunWatchdog(s.context()) }); err != nil {
			return nil, fmt.Errorf("parse watchdog spec %q: %w", cfg.WatchdogSpec, err)
		}
	}
	return s, nil
}

// Start begins firing jobs. Jobs see a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("tick_spec", s.cfg.TickSpec),
		zap.String("watchdog_spec", s.cfg.WatchdogSpec),
	)
}

// Stop halts the schedule and waits for running jobs or ctx, whichever
// comes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// EnqueueRunning enqueues one tick per running audit and returns how many
// were accepted. Enqueue failures are logged and skipped.
func (s *Scheduler) EnqueueRunning(ctx context.Context) (int, error) {
	running, err := s.audits.ListAudits(ctx, audit.StatusRunning, s.cfg.MaxAuditsPerTick)
	if err != nil {
		return 0, fmt.Errorf("list running audits: %w", err)
	}
	n := 0
	for _, a := range running {
		if err := s.enqueuer.Enqueue(ctx, a.ID, "schedule"); err != nil {
			s.logger.Warn("enqueue tick failed", zap.String("audit_id", a.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Debug("enqueued scheduled ticks", zap.Int("count", n))
	}
	return n, nil
}

// RunWatchdog runs one sweep and logs its summary.
func (s *Scheduler) RunWatchdog(ctx context.Context) {
	if s.sweeper == nil {
		return
	}
	rep, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("watchdog sweep failed", zap.Error(err))
		return
	}
	if rep.Stuck > 0 || len(rep.Alerts) > 0 {
		s.logger.Info("watchdog sweep",
			zap.Int("scanned", rep.Scanned),
			zap.Int("stuck", rep.Stuck),
			zap.Int("resets", len(rep.Resets)),
			zap.Int("failures", len(rep.Failures)),
			zap.Int("alerts", len(rep.Alerts)),
		)
	}
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, append(keysAndValues, "error", err)...)
}
