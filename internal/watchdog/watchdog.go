// Package watchdog detects audits whose phase stopped making progress and
// restarts them a bounded number of times before failing them.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
)

// Alert kinds.
const (
	AlertHeartbeatLost    = "HEARTBEAT_LOST"
	AlertRecurringFailure = "RECURRING_FAILURE"
	AlertSlowPhase        = "SLOW_PHASE"
)

// FailureCodePrefix precedes the stuck phase in terminal failure codes.
const FailureCodePrefix = "WATCHDOG_MAX_ATTEMPTS_"

// Config holds stuck thresholds and alert rules.
type Config struct {
	CrawlTimeout     time.Duration
	GeneralTimeout   time.Duration
	HardCap          time.Duration
	MaxAttempts      int
	FailureWindow    time.Duration
	FailureThreshold int
	SlowPhases       []audit.Phase
	SlowP95          time.Duration
	SlowWindow       time.Duration
	// ScanLimit bounds the running audits inspected per sweep; 0 means all.
	ScanLimit int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		CrawlTimeout:     90 * time.Second,
		GeneralTimeout:   5 * time.Minute,
		HardCap:          2 * time.Minute,
		MaxAttempts:      3,
		FailureWindow:    10 * time.Minute,
		FailureThreshold: 3,
		SlowPhases:       []audit.Phase{audit.PhaseCitations},
		SlowP95:          45 * time.Second,
		SlowWindow:       time.Hour,
	}
}

// Action is what the watchdog did to one stuck audit.
type Action struct {
	AuditID  string      `json:"audit_id"`
	Phase    audit.Phase `json:"phase"`
	Attempts int         `json:"attempts"`
	Reason   string      `json:"reason"`
	// Applied is false when another writer changed the audit first.
	Applied bool `json:"applied"`
}

// Alert is a raised operator alert.
type Alert struct {
	Kind    string        `json:"kind"`
	AuditID string        `json:"audit_id,omitempty"`
	Phase   audit.Phase   `json:"phase,omitempty"`
	Code    string        `json:"code,omitempty"`
	Count   int           `json:"count,omitempty"`
	P95     time.Duration `json:"p95,omitempty"`
	Detail  string        `json:"detail"`
}

// Report summarizes one sweep.
type Report struct {
	Scanned  int      `json:"scanned"`
	Stuck    int      `json:"stuck"`
	Resets   []Action `json:"resets"`
	Failures []Action `json:"failures"`
	Alerts   []Alert  `json:"alerts"`
}

// Deps are the watchdog's collaborators.
type Deps struct {
	Store   audit.AuditStore
	Clock   audit.Clock
	Emitter progress.Emitter
	Logger  *zap.Logger
}

// Watchdog sweeps running audits.
type Watchdog struct {
	store   audit.AuditStore
	clock   audit.Clock
	emitter progress.Emitter
	logger  *zap.Logger
	cfg     Config
}

// New constructs a Watchdog.
func New(deps Deps, cfg Config) (*Watchdog, error) {
	if deps.Store == nil || deps.Clock == nil {
		return nil, errors.New("watchdog requires a store and clock")
	}
	if cfg.CrawlTimeout <= 0 || cfg.GeneralTimeout <= 0 || cfg.HardCap <= 0 {
		return nil, errors.New("watchdog timeouts must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, errors.New("watchdog max attempts must be positive")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Watchdog{
		store:   deps.Store,
		clock:   deps.Clock,
		emitter: deps.Emitter,
		logger:  deps.Logger.Named("watchdog"),
		cfg:     cfg,
	}, nil
}

// Sweep inspects every running audit once. Every write is conditioned on the
// state the sweep observed, so concurrent sweeps and ticks are safe.
func (w *Watchdog) Sweep(ctx context.Context) (rep Report, err error) {
	ctx, span := telemetry.Tracer().Start(ctx, "watchdog.Sweep")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(
			attribute.Int("watchdog.scanned", rep.Scanned),
			attribute.Int("watchdog.stuck", rep.Stuck),
		)
		span.End()
	}()

	running, err := w.store.ListAudits(ctx, audit.StatusRunning, w.cfg.ScanLimit)
	if err != nil {
		return rep, fmt.Errorf("list running audits: %w", err)
	}
	rep.Scanned = len(running)
	now := w.clock.Now()

	for _, a := range running {
		reason, critical, stuck := w.evaluate(a, now)
		if !stuck {
			continue
		}
		rep.Stuck++
		if critical {
			w.raise(&rep, Alert{
				Kind:    AlertHeartbeatLost,
				AuditID: a.ID,
				Phase:   a.Phase,
				Detail:  reason,
			}, now)
		}
		if err := w.remediate(ctx, &rep, a, reason, now); err != nil {
			return rep, err
		}
	}

	if err := w.failurePatterns(ctx, &rep, now); err != nil {
		return rep, err
	}
	if err := w.slowPhases(ctx, &rep, now); err != nil {
		return rep, err
	}
	return rep, nil
}

// evaluate reports whether a is stuck, why, and whether its heartbeat is
// missing or older than the hard cap.
func (w *Watchdog) evaluate(a audit.Audit, now time.Time) (string, bool, bool) {
	var reasons []string
	critical := false

	if a.PhaseHeartbeatAt == nil {
		critical = true
		reasons = append(reasons, "no heartbeat recorded")
	} else if age := now.Sub(*a.PhaseHeartbeatAt); age > w.cfg.HardCap {
		critical = true
		reasons = append(reasons, fmt.Sprintf("heartbeat age %s exceeds hard cap %s", age.Round(time.Second), w.cfg.HardCap))
	}

	if a.Phase == audit.PhaseCrawl {
		if a.PhaseHeartbeatAt != nil {
			if age := now.Sub(*a.PhaseHeartbeatAt); age > w.cfg.CrawlTimeout {
				reasons = append(reasons, fmt.Sprintf("crawl heartbeat age %s exceeds %s", age.Round(time.Second), w.cfg.CrawlTimeout))
			}
		}
	} else if age := now.Sub(a.PhaseStartedAt); age > w.cfg.GeneralTimeout {
		reasons = append(reasons, fmt.Sprintf("phase %s running for %s exceeds %s", a.Phase, age.Round(time.Second), w.cfg.GeneralTimeout))
	}

	if len(reasons) == 0 {
		return "", false, false
	}
	return strings.Join(reasons, "; "), critical, true
}

func (w *Watchdog) remediate(ctx context.Context, rep *Report, a audit.Audit, reason string, now time.Time) error {
	act := Action{AuditID: a.ID, Phase: a.Phase, Attempts: a.PhaseAttempts, Reason: reason}

	if a.PhaseAttempts < w.cfg.MaxAttempts {
		state := a.PhaseState.WithRetryPhase(a.Phase)
		state.Chain = audit.ChainWindow{}
		applied, err := w.store.ResetForRetry(ctx, audit.RetryReset{
			AuditID:        a.ID,
			ExpectPhase:    a.Phase,
			ExpectAttempts: a.PhaseAttempts,
			State:          state,
			Now:            now,
		})
		if err != nil {
			return fmt.Errorf("reset audit %s: %w", a.ID, err)
		}
		act.Applied = applied
		rep.Resets = append(rep.Resets, act)
		if !applied {
			return nil
		}
		telemetry.ObserveWatchdogAction("reset", string(a.Phase))
		w.emitter.Emit(progress.Event{
			AuditID: a.ID,
			TS:      now,
			Stage:   progress.StageWatchdogReset,
			Phase:   string(a.Phase),
			To:      string(audit.PhaseInit),
			Note:    reason,
		})
		w.logger.Warn("restarting stuck audit",
			zap.String("audit_id", a.ID),
			zap.String("phase", string(a.Phase)),
			zap.Int("attempt", a.PhaseAttempts+1),
			zap.String("reason", reason),
		)
		return nil
	}

	code := FailureCodePrefix + strings.ToUpper(string(a.Phase))
	detail := fmt.Sprintf("phase %s stuck after %d attempts: %s", a.Phase, a.PhaseAttempts, reason)
	applied, err := w.store.FailAudit(ctx, a.ID, code, detail, now)
	if err != nil {
		return fmt.Errorf("fail audit %s: %w", a.ID, err)
	}
	act.Applied = applied
	rep.Failures = append(rep.Failures, act)
	if !applied {
		return nil
	}
	telemetry.ObserveWatchdogAction("fail", string(a.Phase))
	w.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StageWatchdogFail,
		Phase:   string(a.Phase),
		Site:    a.Domain,
		Dur:     now.Sub(a.CreatedAt),
		Code:    code,
		Note:    detail,
	})
	w.logger.Error("audit failed by watchdog",
		zap.String("audit_id", a.ID),
		zap.String("failure_code", code),
		zap.String("detail", detail),
	)
	return nil
}

func (w *Watchdog) failurePatterns(ctx context.Context, rep *Report, now time.Time) error {
	if w.cfg.FailureThreshold <= 0 || w.cfg.FailureWindow <= 0 {
		return nil
	}
	counts, err := w.store.FailureCounts(ctx, now.Add(-w.cfg.FailureWindow))
	if err != nil {
		return fmt.Errorf("count recent failures: %w", err)
	}
	failureCodes := make([]string, 0, len(counts))
	for code := range counts {
		failureCodes = append(failureCodes, code)
	}
	sort.Strings(failureCodes)
	for _, code := range failureCodes {
		n := counts[code]
		if n < w.cfg.FailureThreshold {
			continue
		}
		w.raise(rep, Alert{
			Kind:   AlertRecurringFailure,
			Code:   code,
			Count:  n,
			Detail: fmt.Sprintf("%d audits failed with %s in the last %s", n, code, w.cfg.FailureWindow),
		}, now)
	}
	return nil
}

func (w *Watchdog) slowPhases(ctx context.Context, rep *Report, now time.Time) error {
	if w.cfg.SlowP95 <= 0 || w.cfg.SlowWindow <= 0 {
		return nil
	}
	for _, phase := range w.cfg.SlowPhases {
		p95, samples, err := w.store.PhaseDurationP95(ctx, phase, now.Add(-w.cfg.SlowWindow))
		if err != nil {
			return fmt.Errorf("phase %s p95: %w", phase, err)
		}
		if samples == 0 || p95 <= w.cfg.SlowP95 {
			continue
		}
		w.raise(rep, Alert{
			Kind:   AlertSlowPhase,
			Phase:  phase,
			Count:  samples,
			P95:    p95,
			Detail: fmt.Sprintf("p95 for %s is %s over %d transitions (threshold %s)", phase, p95.Round(time.Millisecond), samples, w.cfg.SlowP95),
		}, now)
	}
	return nil
}

// raise records an alert on rep and emits it. The publisher sink forwards
// ALERT events as watchdog.alert messages.
func (w *Watchdog) raise(rep *Report, al Alert, now time.Time) {
	rep.Alerts = append(rep.Alerts, al)
	telemetry.ObserveAlert(al.Kind)
	w.emitter.Emit(progress.Event{
		AuditID: al.AuditID,
		TS:      now,
		Stage:   progress.StageAlert,
		Phase:   string(al.Phase),
		Dur:     al.P95,
		Code:    al.Kind,
		Note:    al.Detail,
	})
	w.logger.Error("watchdog alert",
		zap.String("kind", al.Kind),
		zap.String("audit_id", al.AuditID),
		zap.String("phase", string(al.Phase)),
		zap.String("code", al.Code),
		zap.Int("count", al.Count),
		zap.String("detail", al.Detail),
	)
}
