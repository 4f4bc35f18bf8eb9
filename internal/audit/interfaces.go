package audit

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Transition describes a conditional phase change. It applies only while the
// audit is running, currently in From, and still at ExpectAttempts.
type Transition struct {
	AuditID        string
	From           Phase
	To             Phase
	ExpectAttempts int
	State          PhaseState
	ResetAttempts  bool
	Now            time.Time
}

// RetryReset describes a watchdog restart. It applies only while the audit is
// running and still matches the observed phase and attempt count.
type RetryReset struct {
	AuditID        string
	ExpectPhase    Phase
	ExpectAttempts int
	State          PhaseState
	Now            time.Time
}

// StateSave persists mid-phase scratch state. It applies only while the
// audit is running and still in ExpectPhase at ExpectAttempts, so a tick
// that outlived a watchdog reset cannot overwrite the reset's state.
type StateSave struct {
	AuditID        string
	ExpectPhase    Phase
	ExpectAttempts int
	State          PhaseState
	Now            time.Time
}

// PageStats aggregates page rows for scoring.
type PageStats struct {
	Total     int     `json:"total"`
	OK        int     `json:"ok"`
	AvgLoadMS float64 `json:"avg_load_ms"`
}

// AuditStore persists audit rows. Every mutating call is conditioned on
// status=running and reports false when the precondition did not hold.
type AuditStore interface {
	CreateAudit(ctx context.Context, a Audit) error
	GetAudit(ctx context.Context, id string) (Audit, error)
	ListAudits(ctx context.Context, status Status, limit int) ([]Audit, error)
	TransitionPhase(ctx context.Context, t Transition) (bool, error)
	SavePhaseState(ctx context.Context, s StateSave) (bool, error)
	Heartbeat(ctx context.Context, id string, now time.Time) (bool, error)
	// RecordCrawlProgress recomputes pages_crawled from page rows and
	// refreshes the heartbeat, returning the new count.
	RecordCrawlProgress(ctx context.Context, id string, now time.Time) (int, error)
	CompleteAudit(ctx context.Context, id string, scores Scores, reportURI string, now time.Time) (bool, error)
	ResetForRetry(ctx context.Context, r RetryReset) (bool, error)
	FailAudit(ctx context.Context, id, code, detail string, now time.Time) (bool, error)
	// FailureCounts groups failed audits finished since the cutoff by code.
	FailureCounts(ctx context.Context, since time.Time) (map[string]int, error)
	// PhaseDurationP95 returns the 95th percentile time spent in phase for
	// transitions ending after since, plus the sample size.
	PhaseDurationP95(ctx context.Context, phase Phase, since time.Time) (time.Duration, int, error)
}

// FrontierStore persists the URL frontier.
type FrontierStore interface {
	// SeedFrontier inserts rows, ignoring URLs already known for the audit.
	SeedFrontier(ctx context.Context, urls []FrontierURL) (int, error)
	// DemoteStaleLeases returns visiting rows last updated before cutoff to pending.
	DemoteStaleLeases(ctx context.Context, auditID string, cutoff, now time.Time) (int, error)
	// LeaseNext atomically marks the best pending row visiting.
	LeaseNext(ctx context.Context, auditID string, now time.Time) (FrontierURL, bool, error)
	MarkDone(ctx context.Context, auditID, url string, now time.Time) error
	FrontierCounts(ctx context.Context, auditID string) (FrontierCounts, error)
	ListFrontier(ctx context.Context, auditID string, limit int) ([]FrontierURL, error)
}

// PageStore persists page records and their downstream products.
type PageStore interface {
	UpsertPage(ctx context.Context, page PageRecord) error
	PageStats(ctx context.Context, auditID string) (PageStats, error)
	ListUnanalyzedPages(ctx context.Context, auditID string, limit int) ([]PageRecord, error)
	SaveAnalysis(ctx context.Context, analysis PageAnalysis) error
	ListAnalyses(ctx context.Context, auditID string) ([]PageAnalysis, error)
	SaveCitations(ctx context.Context, results []CitationResult) error
	ListCitations(ctx context.Context, auditID string) ([]CitationResult, error)
}

// Locker is the per-audit single-flight lock. Holders identify themselves by
// token; a row older than ttl is acquirable regardless of holder.
type Locker interface {
	Acquire(ctx context.Context, auditID, token string, now time.Time, ttl time.Duration) (bool, error)
	Release(ctx context.Context, auditID, token string) error
}

// Store is the full durable store.
type Store interface {
	AuditStore
	FrontierStore
	PageStore
	Locker
	Close()
}

// FetchResult is the outcome of one bounded GET. A failed fetch has
// StatusCode 0 and an empty body; Err is informational only.
type FetchResult struct {
	URL         string
	OK          bool
	StatusCode  int
	ContentType string
	Body        []byte
	Elapsed     time.Duration
	Err         error
}

// Fetcher performs bounded GETs and never returns an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string, timeout time.Duration) FetchResult
}

// Analyzer is the content analysis collaborator used during synth.
type Analyzer interface {
	Analyze(page PageRecord) PageAnalysis
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces audit IDs and lock tokens.
type IDGenerator interface {
	NewID() (string, error)
}
