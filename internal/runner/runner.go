// Package runner is the audit phase state machine. Each Tick reads the
// audit's phase from the store, performs one bounded unit of work for that
// phase, and returns.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/citation"
	"github.com/JakeFAU/answerability-auditor/internal/frontier"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
)

// Store is the slice of the durable store the runner uses.
type Store interface {
	audit.AuditStore
	audit.FrontierStore
	audit.PageStore
}

// Crawler runs one frontier tick.
type Crawler interface {
	Tick(ctx context.Context, a audit.Audit) (frontier.Result, error)
}

// Citations answers a batch of queries.
type Citations interface {
	Batch(ctx context.Context, queries []string) citation.BatchResult
}

// Detector flags JS-dependent pages.
type Detector interface {
	JSDependent(res audit.FetchResult) bool
}

// Config bounds the per-phase work.
type Config struct {
	FetchTimeout    time.Duration
	SeedLinkLimit   int
	SitemapURLLimit int
	SynthBatchSize  int
	MaxQueries      int
	QueryTemplates  []string
	ReportPrefix    string
}

// Deps are the runner's collaborators.
type Deps struct {
	Store     Store
	Crawler   Crawler
	Fetcher   audit.Fetcher
	Detector  Detector
	Citations Citations
	Analyzer  audit.Analyzer
	Blobs     audit.BlobStore
	Clock     audit.Clock
	Emitter   progress.Emitter
	Logger    *zap.Logger
}

// Outcome reports what one tick did.
type Outcome struct {
	AuditID   string      `json:"audit_id"`
	Phase     audit.Phase `json:"phase"`
	NextPhase audit.Phase `json:"next_phase,omitempty"`
	Advanced  bool        `json:"advanced"`
	Rewound   bool        `json:"rewound"`
	Completed bool        `json:"completed"`
	// Skipped means the audit was not running and nothing was done.
	Skipped bool `json:"skipped"`
	// Continue asks the dispatcher for a prompt follow-up tick.
	Continue bool             `json:"continue"`
	Crawl    *frontier.Result `json:"crawl,omitempty"`
}

func (o Outcome) label(err error) string {
	switch {
	case err != nil:
		return "error"
	case o.Skipped:
		return "skipped"
	case o.Completed:
		return "completed"
	case o.Rewound:
		return "rewound"
	case o.Advanced:
		return "advanced"
	case o.Crawl != nil && o.Crawl.Contended:
		return "contended"
	default:
		return "progress"
	}
}

// Runner executes audit ticks.
type Runner struct {
	store     Store
	crawler   Crawler
	fetcher   audit.Fetcher
	detector  Detector
	citations Citations
	analyzer  audit.Analyzer
	blobs     audit.BlobStore
	clock     audit.Clock
	emitter   progress.Emitter
	logger    *zap.Logger
	cfg       Config
}

// New constructs a Runner.
func New(deps Deps, cfg Config) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("runner requires a store")
	case deps.Crawler == nil || deps.Fetcher == nil:
		return nil, errors.New("runner requires a crawler and fetcher")
	case deps.Citations == nil || deps.Analyzer == nil || deps.Blobs == nil:
		return nil, errors.New("runner requires citations, analyzer, and blob store")
	case deps.Clock == nil:
		return nil, errors.New("runner requires a clock")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.SynthBatchSize <= 0 {
		cfg.SynthBatchSize = 10
	}
	return &Runner{
		store:     deps.Store,
		crawler:   deps.Crawler,
		fetcher:   deps.Fetcher,
		detector:  deps.Detector,
		citations: deps.Citations,
		analyzer:  deps.Analyzer,
		blobs:     deps.Blobs,
		clock:     deps.Clock,
		emitter:   deps.Emitter,
		logger:    deps.Logger.Named("runner"),
		cfg:       cfg,
	}, nil
}

// Tick performs at most one bounded unit of work for the audit's current
// phase. Errors and panics are logged and returned without advancing; the
// runner never fails an audit.
func (r *Runner) Tick(ctx context.Context, auditID string) (out Outcome, err error) {
	start := time.Now()
	out.AuditID = auditID
	ctx, span := telemetry.Tracer().Start(ctx, "runner.Tick", trace.WithAttributes(attribute.String("audit.id", auditID)))
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("phase %s panicked: %v", out.Phase, rec)
			r.logger.Error("phase step panicked",
				zap.String("audit_id", auditID),
				zap.String("phase", string(out.Phase)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()),
			)
		} else if err != nil {
			r.logger.Error("phase step failed",
				zap.String("audit_id", auditID),
				zap.String("phase", string(out.Phase)),
				zap.Error(err),
			)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.String("audit.phase", string(out.Phase)),
			attribute.String("tick.outcome", out.label(err)),
		)
		span.End()
		telemetry.ObserveTick(string(out.Phase), out.label(err), time.Since(start))
	}()

	a, err := r.store.GetAudit(ctx, auditID)
	if err != nil {
		return out, fmt.Errorf("load audit %s: %w", auditID, err)
	}
	out.Phase = a.Phase
	if !a.Running() {
		out.Skipped = true
		return out, nil
	}

	switch a.Phase {
	case audit.PhaseInit:
		err = r.advance(ctx, a, a.PhaseState, &out)
	case audit.PhaseDiscovery:
		err = r.discover(ctx, a, &out)
	case audit.PhaseRobots:
		err = r.robots(ctx, a, &out)
	case audit.PhaseSitemap:
		err = r.sitemap(ctx, a, &out)
	case audit.PhaseProbes:
		err = r.probes(ctx, a, &out)
	case audit.PhaseCrawl:
		err = r.crawl(ctx, a, &out)
	case audit.PhaseCitations:
		err = r.runCitations(ctx, a, &out)
	case audit.PhaseSynth:
		err = r.synth(ctx, a, &out)
	case audit.PhaseFinalize:
		err = r.finalize(ctx, a, &out)
	default:
		err = fmt.Errorf("unknown phase %q", a.Phase)
	}
	return out, err
}

// advance moves a to the next phase with state, conditioned on the phase
// the tick observed. Losing the race is not an error.
func (r *Runner) advance(ctx context.Context, a audit.Audit, state audit.PhaseState, out *Outcome) error {
	next, ok := a.Phase.Next()
	if !ok {
		return fmt.Errorf("phase %s has no successor", a.Phase)
	}
	reset := state.ResetsAttempts(a.Phase)
	if reset {
		state.RetryPhase = ""
	}
	now := r.clock.Now()
	applied, err := r.store.TransitionPhase(ctx, audit.Transition{
		AuditID:        a.ID,
		From:           a.Phase,
		To:             next,
		ExpectAttempts: a.PhaseAttempts,
		State:          state,
		ResetAttempts:  reset,
		Now:            now,
	})
	if err != nil {
		return fmt.Errorf("advance %s to %s: %w", a.Phase, next, err)
	}
	if !applied {
		r.logger.Debug("phase advance lost race", zap.String("audit_id", a.ID), zap.String("phase", string(a.Phase)))
		return nil
	}
	out.Advanced = true
	out.NextPhase = next
	out.Continue = true
	telemetry.ObservePhaseTransition(string(a.Phase), string(next))
	r.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StagePhaseAdvance,
		Phase:   string(a.Phase),
		To:      string(next),
		Dur:     now.Sub(a.PhaseStartedAt),
	})
	return nil
}

// crawlComplete is the bounce-back guard for phases after crawl. The crawl is
// complete when the frontier has no pending or visiting rows, or the page cap
// is reached. Otherwise the audit is rewound to crawl and false returned.
func (r *Runner) crawlComplete(ctx context.Context, a audit.Audit, out *Outcome) (bool, error) {
	counts, err := r.store.FrontierCounts(ctx, a.ID)
	if err != nil {
		return false, fmt.Errorf("count frontier: %w", err)
	}
	if counts.Outstanding() == 0 || a.PagesCrawled >= a.MaxPages {
		return true, nil
	}

	state := a.PhaseState
	state.Chain = audit.ChainWindow{}
	now := r.clock.Now()
	applied, err := r.store.TransitionPhase(ctx, audit.Transition{
		AuditID:        a.ID,
		From:           a.Phase,
		To:             audit.PhaseCrawl,
		ExpectAttempts: a.PhaseAttempts,
		State:          state,
		Now:            now,
	})
	if err != nil {
		return false, fmt.Errorf("rewind %s to crawl: %w", a.Phase, err)
	}
	if applied {
		out.Rewound = true
		out.NextPhase = audit.PhaseCrawl
		out.Continue = true
		telemetry.ObservePhaseTransition(string(a.Phase), string(audit.PhaseCrawl))
		r.emitter.Emit(progress.Event{
			AuditID: a.ID,
			TS:      now,
			Stage:   progress.StagePhaseRewind,
			Phase:   string(a.Phase),
			To:      string(audit.PhaseCrawl),
			Note:    fmt.Sprintf("pending=%d visiting=%d pages=%d/%d", counts.Pending, counts.Visiting, a.PagesCrawled, a.MaxPages),
		})
		r.logger.Warn("crawl incomplete; rewinding",
			zap.String("audit_id", a.ID),
			zap.String("phase", string(a.Phase)),
			zap.Int("pending", counts.Pending),
			zap.Int("visiting", counts.Visiting),
		)
	}
	return false, nil
}

func (r *Runner) crawl(ctx context.Context, a audit.Audit, out *Outcome) error {
	res, err := r.crawler.Tick(ctx, a)
	if err != nil {
		return fmt.Errorf("crawl tick: %w", err)
	}
	out.Crawl = &res
	out.Continue = res.Continue || res.Advanced
	if res.Advanced {
		out.Advanced = true
		out.NextPhase = audit.PhaseCitations
	}
	return nil
}
