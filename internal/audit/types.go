// Package audit defines the core types shared across the orchestration engine:
// audits, frontier rows, page records, and the collaborator interfaces the
// runner, crawler, and watchdog are written against.
package audit

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Status represents the lifecycle state of an audit.
type Status string

// Audit status values persisted in the store.
const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Phase names one step of the audit pipeline.
type Phase string

// Pipeline phases in execution order.
const (
	PhaseInit      Phase = "init"
	PhaseDiscovery Phase = "discovery"
	PhaseRobots    Phase = "robots"
	PhaseSitemap   Phase = "sitemap"
	PhaseProbes    Phase = "probes"
	PhaseCrawl     Phase = "crawl"
	PhaseCitations Phase = "citations"
	PhaseSynth     Phase = "synth"
	PhaseFinalize  Phase = "finalize"
)

var phaseOrder = []Phase{
	PhaseInit,
	PhaseDiscovery,
	PhaseRobots,
	PhaseSitemap,
	PhaseProbes,
	PhaseCrawl,
	PhaseCitations,
	PhaseSynth,
	PhaseFinalize,
}

// Phases returns the pipeline phases in order.
func Phases() []Phase {
	return append([]Phase(nil), phaseOrder...)
}

// Index returns the position of p in the pipeline, or -1 when unknown.
func (p Phase) Index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// Next returns the phase after p. The final phase has no successor.
func (p Phase) Next() (Phase, bool) {
	idx := p.Index()
	if idx < 0 || idx+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[idx+1], true
}

// ParsePhase converts a string into a Phase.
func ParsePhase(raw string) (Phase, error) {
	p := Phase(strings.ToLower(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown phase %q", raw)
	}
	return p, nil
}

// FrontierStatus is the lease state of a frontier URL.
type FrontierStatus string

// Frontier row states.
const (
	FrontierPending  FrontierStatus = "pending"
	FrontierVisiting FrontierStatus = "visiting"
	FrontierDone     FrontierStatus = "done"
)

// Audit is one site-audit run.
type Audit struct {
	ID               string     `json:"id"`
	Domain           string     `json:"domain"`
	Status           Status     `json:"status"`
	Phase            Phase      `json:"phase"`
	PhaseStartedAt   time.Time  `json:"phase_started_at"`
	PhaseHeartbeatAt *time.Time `json:"phase_heartbeat_at,omitempty"`
	PhaseAttempts    int        `json:"phase_attempts"`
	PagesCrawled     int        `json:"pages_crawled"`
	MaxPages         int        `json:"max_pages"`
	PhaseState       PhaseState `json:"phase_state"`
	Queries          []string   `json:"queries,omitempty"`
	Scores           *Scores    `json:"scores,omitempty"`
	ReportURI        string     `json:"report_uri,omitempty"`
	FailureCode      string     `json:"failure_code,omitempty"`
	FailureDetail    string     `json:"failure_detail,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

// New returns a running audit in init with its heartbeat set to now.
func New(id, domain string, maxPages int, queries []string, now time.Time) Audit {
	return Audit{
		ID:               id,
		Domain:           domain,
		Status:           StatusRunning,
		Phase:            PhaseInit,
		PhaseStartedAt:   now,
		PhaseHeartbeatAt: &now,
		MaxPages:         maxPages,
		Queries:          queries,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// NormalizeDomain accepts a bare host or a URL and returns the lowercased host.
func NormalizeDomain(raw string) string {
	raw = strings.TrimSpace(raw)
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil {
			raw = u.Hostname()
		}
	}
	return strings.TrimSuffix(strings.ToLower(raw), ".")
}

// Running reports whether the audit can still be mutated by phase handlers.
func (a Audit) Running() bool {
	return a.Status == StatusRunning
}

// HomeURL returns the canonical https root for the audit's domain.
func (a Audit) HomeURL() string {
	return "https://" + a.Domain + "/"
}

// FrontierURL is one discovered URL awaiting or finished processing.
type FrontierURL struct {
	AuditID   string         `json:"audit_id"`
	URL       string         `json:"url"`
	Depth     int            `json:"depth"`
	Priority  int            `json:"priority"`
	Status    FrontierStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// FrontierCounts summarizes frontier rows by status.
type FrontierCounts struct {
	Pending  int `json:"pending"`
	Visiting int `json:"visiting"`
	Done     int `json:"done"`
}

// Outstanding is the number of rows not yet done.
func (c FrontierCounts) Outstanding() int {
	return c.Pending + c.Visiting
}

// PageRecord is persisted for every attempted fetch.
type PageRecord struct {
	AuditID     string    `json:"audit_id"`
	URL         string    `json:"url"`
	StatusCode  int       `json:"status_code"`
	LoadMS      int64     `json:"load_ms"`
	ContentType string    `json:"content_type"`
	Body        []byte    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// PageAnalysis is the structural analysis of one page body.
type PageAnalysis struct {
	AuditID         string    `json:"audit_id"`
	URL             string    `json:"url"`
	Title           string    `json:"title"`
	MetaDescription string    `json:"meta_description"`
	H1Count         int       `json:"h1_count"`
	WordCount       int       `json:"word_count"`
	HasJSONLD       bool      `json:"has_json_ld"`
	HasCanonical    bool      `json:"has_canonical"`
	Score           float64   `json:"score"`
	AnalyzedAt      time.Time `json:"analyzed_at"`
}

// CitationResult records the outcome of one citation query.
type CitationResult struct {
	AuditID   string    `json:"audit_id"`
	Query     string    `json:"query"`
	Answer    string    `json:"answer,omitempty"`
	Provider  string    `json:"provider,omitempty"`
	Degraded  bool      `json:"degraded"`
	Sources   []string  `json:"sources,omitempty"`
	Cited     bool      `json:"cited"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PhaseTransition records how long an audit spent in a phase.
type PhaseTransition struct {
	AuditID   string        `json:"audit_id"`
	Phase     Phase         `json:"phase"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
}

// Scores is the final audit scorecard. All ratios are in [0,1].
type Scores struct {
	CrawlHealth   float64 `json:"crawl_health"`
	AvgLoadMS     float64 `json:"avg_load_ms"`
	Content       float64 `json:"content"`
	CitationRate  float64 `json:"citation_rate"`
	AIAccess      float64 `json:"ai_access"`
	Overall       float64 `json:"overall"`
	PagesCrawled  int     `json:"pages_crawled"`
	PagesAnalyzed int     `json:"pages_analyzed"`
	// Queries counts answered queries. Rows that recorded a provider error
	// are excluded from it and from CitationRate.
	Queries     int `json:"queries"`
	QueryErrors int `json:"query_errors"`
}

// Report is the archived artifact written at finalize.
type Report struct {
	Audit     Audit            `json:"audit"`
	Scores    Scores           `json:"scores"`
	Citations []CitationResult `json:"citations"`
	Pages     []PageAnalysis   `json:"pages"`
	Generated time.Time        `json:"generated_at"`
}
