// Package frontier runs one crawl tick: lease a URL from the durable
// frontier, fetch it, persist the page, and decide whether to keep going.
package frontier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/discovery"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
)

// Store is the slice of the durable store the crawler writes to.
type Store interface {
	audit.AuditStore
	audit.FrontierStore
	audit.PageStore
}

// Config controls tick bounds.
type Config struct {
	LockTTL      time.Duration
	VisitingTTL  time.Duration
	FetchTimeout time.Duration
	SoftDeadline time.Duration
	MaxChain     int
	// SelfChain enables the chain window. When false every tick yields.
	SelfChain bool
	MaxDepth  int
	// LinkExpansion seeds same-site links found on crawled pages.
	LinkExpansion bool
	LinkLimit     int
}

// DefaultConfig mirrors the production timing bounds.
func DefaultConfig() Config {
	return Config{
		LockTTL:       20 * time.Second,
		VisitingTTL:   60 * time.Second,
		FetchTimeout:  5 * time.Second,
		SoftDeadline:  18 * time.Second,
		MaxChain:      10,
		SelfChain:     true,
		MaxDepth:      2,
		LinkExpansion: true,
		LinkLimit:     50,
	}
}

// Result reports what one tick did.
type Result struct {
	// Contended means another tick held the lock and nothing was done.
	Contended bool
	Demoted   int
	Leased    *audit.FrontierURL
	Page      *audit.PageRecord
	Seeded    int
	// NoMoreWork means no pending row could be leased.
	NoMoreWork bool
	// Advanced means this tick moved the audit to citations.
	Advanced bool
	// Continue asks the caller to schedule another tick promptly.
	Continue     bool
	Remaining    int
	PagesCrawled int
}

// Deps are the crawler's collaborators. Locker may be NoLock for the
// unlocked variant.
type Deps struct {
	Store   Store
	Locker  audit.Locker
	Fetcher audit.Fetcher
	Clock   audit.Clock
	IDs     audit.IDGenerator
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Crawler processes one frontier URL per tick.
type Crawler struct {
	store   Store
	locker  audit.Locker
	fetcher audit.Fetcher
	clock   audit.Clock
	ids     audit.IDGenerator
	emitter progress.Emitter
	logger  *zap.Logger
	cfg     Config
}

// New constructs a Crawler.
func New(deps Deps, cfg Config) (*Crawler, error) {
	if deps.Store == nil || deps.Locker == nil || deps.Fetcher == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("frontier crawler requires store, locker, fetcher, clock, and id generator")
	}
	if cfg.LockTTL <= 0 || cfg.VisitingTTL <= 0 || cfg.FetchTimeout <= 0 {
		return nil, errors.New("frontier crawler requires positive lock, visiting, and fetch durations")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Crawler{
		store:   deps.Store,
		locker:  deps.Locker,
		fetcher: deps.Fetcher,
		clock:   deps.Clock,
		ids:     deps.IDs,
		emitter: deps.Emitter,
		logger:  deps.Logger.Named("frontier"),
		cfg:     cfg,
	}, nil
}

// Tick processes at most one URL for a. The lock is always released, even
// when the tick fails or ctx is cancelled.
func (c *Crawler) Tick(ctx context.Context, a audit.Audit) (res Result, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "frontier.Tick", trace.WithAttributes(
		attribute.String("audit.id", a.ID),
		attribute.String("audit.domain", a.Domain),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !a.Running() || a.Phase != audit.PhaseCrawl {
		return Result{}, nil
	}

	token, err := c.ids.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate lock token: %w", err)
	}
	acquired, err := c.locker.Acquire(ctx, a.ID, token, c.clock.Now(), c.cfg.LockTTL)
	if err != nil {
		return Result{}, fmt.Errorf("acquire crawl lock: %w", err)
	}
	if !acquired {
		telemetry.ObserveLockContention()
		span.SetAttributes(attribute.Bool("crawl.contended", true))
		return Result{Contended: true, Continue: true}, nil
	}
	defer func() {
		if relErr := c.locker.Release(context.WithoutCancel(ctx), a.ID, token); relErr != nil {
			c.logger.Warn("release crawl lock failed", zap.String("audit_id", a.ID), zap.Error(relErr))
		}
	}()

	return c.step(ctx, a)
}

func (c *Crawler) step(ctx context.Context, a audit.Audit) (Result, error) {
	var res Result
	now := c.clock.Now()

	demoted, err := c.store.DemoteStaleLeases(ctx, a.ID, now.Add(-c.cfg.VisitingTTL), now)
	if err != nil {
		return res, fmt.Errorf("demote stale leases: %w", err)
	}
	if demoted > 0 {
		res.Demoted = demoted
		telemetry.ObserveStaleLeases(demoted)
		c.logger.Info("demoted stale leases", zap.String("audit_id", a.ID), zap.Int("count", demoted))
	}

	res.PagesCrawled = a.PagesCrawled
	if a.PagesCrawled >= a.MaxPages {
		res.NoMoreWork = true
		return res, c.advance(ctx, a, &res, "page cap reached")
	}

	lease, ok, err := c.store.LeaseNext(ctx, a.ID, now)
	if err != nil {
		return res, fmt.Errorf("lease frontier url: %w", err)
	}
	if !ok {
		res.NoMoreWork = true
		counts, err := c.store.FrontierCounts(ctx, a.ID)
		if err != nil {
			return res, fmt.Errorf("count frontier: %w", err)
		}
		if counts.Visiting > 0 {
			return res, nil
		}
		return res, c.advance(ctx, a, &res, "frontier exhausted")
	}
	res.Leased = &lease

	fetched := c.fetcher.Fetch(ctx, lease.URL, c.cfg.FetchTimeout)
	saved, err := c.persist(ctx, a, lease, fetched)
	if err != nil {
		return res, err
	}
	page := saved.PageRecord
	res.Page = &page
	res.PagesCrawled = saved.crawled
	res.Seeded = saved.seeded

	counts, err := c.store.FrontierCounts(ctx, a.ID)
	if err != nil {
		return res, fmt.Errorf("count frontier: %w", err)
	}
	res.Remaining = counts.Pending
	if res.Remaining > 0 && res.PagesCrawled < a.MaxPages {
		cont, err := c.chain(ctx, a)
		if err != nil {
			return res, err
		}
		res.Continue = cont
	}
	return res, nil
}

type persisted struct {
	audit.PageRecord
	crawled int
	seeded  int
}

func (c *Crawler) persist(ctx context.Context, a audit.Audit, lease audit.FrontierURL, fetched audit.FetchResult) (persisted, error) {
	now := c.clock.Now()
	out := persisted{PageRecord: audit.PageRecord{
		AuditID:     a.ID,
		URL:         lease.URL,
		StatusCode:  fetched.StatusCode,
		LoadMS:      fetched.Elapsed.Milliseconds(),
		ContentType: fetched.ContentType,
		Body:        fetched.Body,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}
	if fetched.Err != nil {
		c.logger.Debug("fetch failed", zap.String("audit_id", a.ID), zap.String("url", lease.URL), zap.Error(fetched.Err))
	}
	if err := c.store.UpsertPage(ctx, out.PageRecord); err != nil {
		return out, fmt.Errorf("upsert page: %w", err)
	}
	crawled, err := c.store.RecordCrawlProgress(ctx, a.ID, now)
	if err != nil {
		return out, fmt.Errorf("record crawl progress: %w", err)
	}
	out.crawled = crawled
	if err := c.store.MarkDone(ctx, a.ID, lease.URL, now); err != nil {
		return out, fmt.Errorf("mark url done: %w", err)
	}

	c.emitter.Emit(progress.Event{
		AuditID:     a.ID,
		TS:          now,
		Stage:       progress.StageFetchDone,
		Phase:       string(audit.PhaseCrawl),
		Site:        a.Domain,
		URL:         lease.URL,
		Bytes:       int64(len(fetched.Body)),
		StatusClass: progress.ClassifyStatus(fetched.StatusCode),
		Dur:         fetched.Elapsed,
	})

	if c.shouldExpand(lease, fetched, crawled, a.MaxPages) {
		seeded, err := c.expand(ctx, a, lease, fetched.Body, now)
		if err != nil {
			return out, err
		}
		out.seeded = seeded
	}
	return out, nil
}

func (c *Crawler) shouldExpand(lease audit.FrontierURL, fetched audit.FetchResult, crawled, maxPages int) bool {
	if !c.cfg.LinkExpansion || lease.Depth >= c.cfg.MaxDepth || crawled >= maxPages {
		return false
	}
	if fetched.StatusCode < 200 || fetched.StatusCode >= 300 || len(fetched.Body) == 0 {
		return false
	}
	return fetched.ContentType == "" || strings.Contains(strings.ToLower(fetched.ContentType), "html")
}

func (c *Crawler) expand(ctx context.Context, a audit.Audit, lease audit.FrontierURL, body []byte, now time.Time) (int, error) {
	links, err := discovery.ExtractLinks(lease.URL, body, c.cfg.LinkLimit)
	if err != nil {
		c.logger.Debug("link extraction failed", zap.String("url", lease.URL), zap.Error(err))
		return 0, nil
	}
	if len(links) == 0 {
		return 0, nil
	}
	rows := make([]audit.FrontierURL, 0, len(links))
	for _, link := range links {
		rows = append(rows, audit.FrontierURL{
			AuditID:   a.ID,
			URL:       link,
			Depth:     lease.Depth + 1,
			Priority:  lease.Depth + 1,
			Status:    audit.FrontierPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	seeded, err := c.store.SeedFrontier(ctx, rows)
	if err != nil {
		return 0, fmt.Errorf("seed discovered links: %w", err)
	}
	return seeded, nil
}

// chain applies the chain window and persists it. It reports whether the
// caller may self-continue.
func (c *Crawler) chain(ctx context.Context, a audit.Audit) (bool, error) {
	if !c.cfg.SelfChain {
		return false, nil
	}
	now := c.clock.Now()
	state := a.PhaseState
	window := state.Chain
	if window.StartedAt.IsZero() {
		window.StartedAt = now
	}
	cont := true
	if now.Sub(window.StartedAt) >= c.cfg.SoftDeadline || window.Count >= c.cfg.MaxChain {
		window = audit.ChainWindow{}
		cont = false
	} else {
		window.Count++
	}
	state.Chain = window
	saved, err := c.store.SavePhaseState(ctx, audit.StateSave{
		AuditID:        a.ID,
		ExpectPhase:    audit.PhaseCrawl,
		ExpectAttempts: a.PhaseAttempts,
		State:          state,
		Now:            now,
	})
	if err != nil {
		return false, fmt.Errorf("save chain window: %w", err)
	}
	if !saved {
		c.logger.Info("audit moved on during tick; not chaining", zap.String("audit_id", a.ID))
		return false, nil
	}
	return cont, nil
}

func (c *Crawler) advance(ctx context.Context, a audit.Audit, res *Result, reason string) error {
	now := c.clock.Now()
	state := a.PhaseState
	state.Chain = audit.ChainWindow{}
	ok, err := c.store.TransitionPhase(ctx, audit.Transition{
		AuditID:        a.ID,
		From:           audit.PhaseCrawl,
		To:             audit.PhaseCitations,
		ExpectAttempts: a.PhaseAttempts,
		State:          state,
		ResetAttempts:  state.ResetsAttempts(audit.PhaseCrawl),
		Now:            now,
	})
	if err != nil {
		return fmt.Errorf("advance to citations: %w", err)
	}
	if !ok {
		return nil
	}
	res.Advanced = true
	telemetry.ObservePhaseTransition(string(audit.PhaseCrawl), string(audit.PhaseCitations))
	c.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StagePhaseAdvance,
		Phase:   string(audit.PhaseCrawl),
		To:      string(audit.PhaseCitations),
		Note:    reason,
	})
	c.logger.Info("crawl complete",
		zap.String("audit_id", a.ID),
		zap.String("reason", reason),
		zap.Int("pages_crawled", res.PagesCrawled),
	)
	return nil
}

// NoLock is a Locker that always grants the lock. lock.backend=none selects
// it; overlapping ticks are then kept safe by the conditional store writes.
type NoLock struct{}

// Acquire implements audit.Locker.
func (NoLock) Acquire(context.Context, string, string, time.Time, time.Duration) (bool, error) {
	return true, nil
}

// Release implements audit.Locker.
func (NoLock) Release(context.Context, string, string) error {
	return nil
}
