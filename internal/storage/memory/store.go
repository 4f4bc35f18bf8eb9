package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

// Store is an in-memory audit.Store for development and tests. Conditional
// writes mirror the Postgres store: a write whose precondition fails returns
// false without error.
type Store struct {
	mu          sync.RWMutex
	audits      map[string]audit.Audit
	frontier    map[string]map[string]*frontierRow
	seq         int64
	locks       map[string]lockRow
	pages       map[string]map[string]audit.PageRecord
	analyses    map[string]map[string]audit.PageAnalysis
	citations   map[string]map[string]audit.CitationResult
	transitions []audit.PhaseTransition
}

type frontierRow struct {
	audit.FrontierURL
	seq int64
}

type lockRow struct {
	token      string
	acquiredAt time.Time
}

var _ audit.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		audits:    make(map[string]audit.Audit),
		frontier:  make(map[string]map[string]*frontierRow),
		locks:     make(map[string]lockRow),
		pages:     make(map[string]map[string]audit.PageRecord),
		analyses:  make(map[string]map[string]audit.PageAnalysis),
		citations: make(map[string]map[string]audit.CitationResult),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

// CreateAudit stores a new audit.
func (s *Store) CreateAudit(_ context.Context, a audit.Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		return errors.New("audit id is required")
	}
	if _, exists := s.audits[a.ID]; exists {
		return fmt.Errorf("audit %s already exists", a.ID)
	}
	s.audits[a.ID] = cloneAudit(a)
	return nil
}

// GetAudit fetches an audit by ID.
func (s *Store) GetAudit(_ context.Context, id string) (audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.audits[id]
	if !ok {
		return audit.Audit{}, audit.ErrNotFound
	}
	return cloneAudit(a), nil
}

// ListAudits returns audits with the given status, oldest first.
func (s *Store) ListAudits(_ context.Context, status audit.Status, limit int) ([]audit.Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.Audit, 0, len(s.audits))
	for _, a := range s.audits {
		if status != "" && a.Status != status {
			continue
		}
		out = append(out, cloneAudit(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// TransitionPhase moves a running audit from t.From to t.To.
func (s *Store) TransitionPhase(_ context.Context, t audit.Transition) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[t.AuditID]
	if !ok || !a.Running() || a.Phase != t.From || a.PhaseAttempts != t.ExpectAttempts {
		return false, nil
	}
	s.transitions = append(s.transitions, audit.PhaseTransition{
		AuditID:   a.ID,
		Phase:     a.Phase,
		StartedAt: a.PhaseStartedAt,
		EndedAt:   t.Now,
		Duration:  t.Now.Sub(a.PhaseStartedAt),
	})
	a.Phase = t.To
	a.PhaseStartedAt = t.Now
	a.PhaseHeartbeatAt = pointerTime(t.Now)
	if t.ResetAttempts {
		a.PhaseAttempts = 0
	}
	a.PhaseState = clonePhaseState(t.State)
	a.UpdatedAt = t.Now
	s.audits[a.ID] = a
	return true, nil
}

// SavePhaseState replaces the scratch state of a running audit that is still
// in the observed phase and attempt.
func (s *Store) SavePhaseState(_ context.Context, save audit.StateSave) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[save.AuditID]
	if !ok || !a.Running() || a.Phase != save.ExpectPhase || a.PhaseAttempts != save.ExpectAttempts {
		return false, nil
	}
	a.PhaseState = clonePhaseState(save.State)
	a.UpdatedAt = save.Now
	s.audits[a.ID] = a
	return true, nil
}

// Heartbeat refreshes phase_heartbeat_at for a running audit.
func (s *Store) Heartbeat(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok || !a.Running() {
		return false, nil
	}
	a.PhaseHeartbeatAt = pointerTime(now)
	a.UpdatedAt = now
	s.audits[id] = a
	return true, nil
}

// RecordCrawlProgress recomputes pages_crawled and refreshes the heartbeat.
func (s *Store) RecordCrawlProgress(_ context.Context, id string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.pages[id])
	a, ok := s.audits[id]
	if ok && a.Running() {
		a.PagesCrawled = count
		a.PhaseHeartbeatAt = pointerTime(now)
		a.UpdatedAt = now
		s.audits[id] = a
	}
	return count, nil
}

// CompleteAudit marks a running audit in finalize as completed.
func (s *Store) CompleteAudit(
	_ context.Context,
	id string,
	scores audit.Scores,
	reportURI string,
	now time.Time,
) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok || !a.Running() || a.Phase != audit.PhaseFinalize {
		return false, nil
	}
	s.transitions = append(s.transitions, audit.PhaseTransition{
		AuditID:   a.ID,
		Phase:     a.Phase,
		StartedAt: a.PhaseStartedAt,
		EndedAt:   now,
		Duration:  now.Sub(a.PhaseStartedAt),
	})
	sc := scores
	a.Status = audit.StatusCompleted
	a.Scores = &sc
	a.ReportURI = reportURI
	a.PhaseHeartbeatAt = pointerTime(now)
	a.FinishedAt = pointerTime(now)
	a.UpdatedAt = now
	s.audits[id] = a
	return true, nil
}

// ResetForRetry restarts a running audit at init if it still matches what the
// watchdog observed.
func (s *Store) ResetForRetry(_ context.Context, r audit.RetryReset) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[r.AuditID]
	if !ok || !a.Running() || a.Phase != r.ExpectPhase || a.PhaseAttempts != r.ExpectAttempts {
		return false, nil
	}
	a.Phase = audit.PhaseInit
	a.PhaseStartedAt = r.Now
	a.PhaseHeartbeatAt = pointerTime(r.Now)
	a.PhaseAttempts++
	a.PhaseState = clonePhaseState(r.State)
	a.FailureCode = ""
	a.FailureDetail = ""
	a.UpdatedAt = r.Now
	s.audits[a.ID] = a
	return true, nil
}

// FailAudit terminally fails a running audit.
func (s *Store) FailAudit(_ context.Context, id, code, detail string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.audits[id]
	if !ok || !a.Running() {
		return false, nil
	}
	a.Status = audit.StatusFailed
	a.FailureCode = code
	a.FailureDetail = detail
	a.FinishedAt = pointerTime(now)
	a.UpdatedAt = now
	s.audits[id] = a
	return true, nil
}

// FailureCounts groups recent failures by code.
func (s *Store) FailureCounts(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, a := range s.audits {
		if a.Status != audit.StatusFailed || a.FailureCode == "" || a.FinishedAt == nil {
			continue
		}
		if a.FinishedAt.Before(since) {
			continue
		}
		out[a.FailureCode]++
	}
	return out, nil
}

// PhaseDurationP95 computes the continuous 95th percentile of phase durations.
func (s *Store) PhaseDurationP95(_ context.Context, phase audit.Phase, since time.Time) (time.Duration, int, error) {
	s.mu.RLock()
	var samples []float64
	for _, tr := range s.transitions {
		if tr.Phase == phase && !tr.EndedAt.Before(since) {
			samples = append(samples, float64(tr.Duration))
		}
	}
	s.mu.RUnlock()
	if len(samples) == 0 {
		return 0, 0, nil
	}
	sort.Float64s(samples)
	return time.Duration(percentile(samples, 0.95)), len(samples), nil
}

// percentile interpolates linearly between closest ranks, like percentile_cont.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Transitions returns recorded phase transitions for an audit.
func (s *Store) Transitions(auditID string) []audit.PhaseTransition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.PhaseTransition
	for _, tr := range s.transitions {
		if tr.AuditID == auditID {
			out = append(out, tr)
		}
	}
	return out
}

// SeedFrontier inserts new frontier rows and ignores known URLs.
func (s *Store) SeedFrontier(_ context.Context, urls []audit.FrontierURL) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := 0
	for _, u := range urls {
		rows, ok := s.frontier[u.AuditID]
		if !ok {
			rows = make(map[string]*frontierRow)
			s.frontier[u.AuditID] = rows
		}
		if _, exists := rows[u.URL]; exists {
			continue
		}
		if u.Status == "" {
			u.Status = audit.FrontierPending
		}
		s.seq++
		rows[u.URL] = &frontierRow{FrontierURL: u, seq: s.seq}
		inserted++
	}
	return inserted, nil
}

// DemoteStaleLeases returns abandoned visiting rows to pending.
func (s *Store) DemoteStaleLeases(_ context.Context, auditID string, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	demoted := 0
	for _, row := range s.frontier[auditID] {
		if row.Status == audit.FrontierVisiting && row.UpdatedAt.Before(cutoff) {
			row.Status = audit.FrontierPending
			row.UpdatedAt = now
			demoted++
		}
	}
	return demoted, nil
}

// LeaseNext marks the best pending row visiting.
func (s *Store) LeaseNext(_ context.Context, auditID string, now time.Time) (audit.FrontierURL, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *frontierRow
	for _, row := range s.frontier[auditID] {
		if row.Status != audit.FrontierPending {
			continue
		}
		if best == nil || leaseBefore(row, best) {
			best = row
		}
	}
	if best == nil {
		return audit.FrontierURL{}, false, nil
	}
	best.Status = audit.FrontierVisiting
	best.UpdatedAt = now
	return best.FrontierURL, true, nil
}

func leaseBefore(a, b *frontierRow) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// MarkDone completes a frontier row.
func (s *Store) MarkDone(_ context.Context, auditID, url string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.frontier[auditID][url]
	if !ok {
		return audit.ErrNotFound
	}
	row.Status = audit.FrontierDone
	row.UpdatedAt = now
	return nil
}

// FrontierCounts tallies frontier rows by status.
func (s *Store) FrontierCounts(_ context.Context, auditID string) (audit.FrontierCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c audit.FrontierCounts
	for _, row := range s.frontier[auditID] {
		switch row.Status {
		case audit.FrontierPending:
			c.Pending++
		case audit.FrontierVisiting:
			c.Visiting++
		case audit.FrontierDone:
			c.Done++
		}
	}
	return c, nil
}

// ListFrontier returns frontier rows in lease order.
func (s *Store) ListFrontier(_ context.Context, auditID string, limit int) ([]audit.FrontierURL, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := make([]*frontierRow, 0, len(s.frontier[auditID]))
	for _, row := range s.frontier[auditID] {
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return leaseBefore(rows[i], rows[j]) })
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]audit.FrontierURL, len(rows))
	for i, row := range rows {
		out[i] = row.FrontierURL
	}
	return out, nil
}

// UpsertPage inserts or replaces a page record.
func (s *Store) UpsertPage(_ context.Context, page audit.PageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pages, ok := s.pages[page.AuditID]
	if !ok {
		pages = make(map[string]audit.PageRecord)
		s.pages[page.AuditID] = pages
	}
	if existing, ok := pages[page.URL]; ok {
		page.CreatedAt = existing.CreatedAt
	}
	page.Body = append([]byte(nil), page.Body...)
	pages[page.URL] = page
	return nil
}

// PageStats aggregates page rows for an audit.
func (s *Store) PageStats(_ context.Context, auditID string) (audit.PageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats audit.PageStats
	var totalLoad int64
	for _, p := range s.pages[auditID] {
		stats.Total++
		if p.StatusCode >= 200 && p.StatusCode < 400 {
			stats.OK++
			totalLoad += p.LoadMS
		}
	}
	if stats.OK > 0 {
		stats.AvgLoadMS = float64(totalLoad) / float64(stats.OK)
	}
	return stats, nil
}

// ListUnanalyzedPages returns up to limit pages without an analysis row.
func (s *Store) ListUnanalyzedPages(_ context.Context, auditID string, limit int) ([]audit.PageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	done := s.analyses[auditID]
	var out []audit.PageRecord
	for url, p := range s.pages[auditID] {
		if _, analyzed := done[url]; analyzed {
			continue
		}
		p.Body = append([]byte(nil), p.Body...)
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].URL < out[j].URL
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveAnalysis upserts an analysis keyed by (audit_id, url).
func (s *Store) SaveAnalysis(_ context.Context, analysis audit.PageAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.analyses[analysis.AuditID]
	if !ok {
		rows = make(map[string]audit.PageAnalysis)
		s.analyses[analysis.AuditID] = rows
	}
	rows[analysis.URL] = analysis
	return nil
}

// ListAnalyses returns analyses ordered by URL.
func (s *Store) ListAnalyses(_ context.Context, auditID string) ([]audit.PageAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.PageAnalysis, 0, len(s.analyses[auditID]))
	for _, a := range s.analyses[auditID] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// SaveCitations upserts citation results keyed by (audit_id, query).
func (s *Store) SaveCitations(_ context.Context, results []audit.CitationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		rows, ok := s.citations[r.AuditID]
		if !ok {
			rows = make(map[string]audit.CitationResult)
			s.citations[r.AuditID] = rows
		}
		r.Sources = append([]string(nil), r.Sources...)
		rows[r.Query] = r
	}
	return nil
}

// ListCitations returns citation results ordered by query.
func (s *Store) ListCitations(_ context.Context, auditID string) ([]audit.CitationResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]audit.CitationResult, 0, len(s.citations[auditID]))
	for _, r := range s.citations[auditID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i].Query) < strings.ToLower(out[j].Query) })
	return out, nil
}

// Acquire takes the per-audit lock, first clearing a row older than ttl.
func (s *Store) Acquire(_ context.Context, auditID, token string, now time.Time, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.locks[auditID]; ok && row.acquiredAt.Before(now.Add(-ttl)) {
		delete(s.locks, auditID)
	}
	if _, held := s.locks[auditID]; held {
		return false, nil
	}
	s.locks[auditID] = lockRow{token: token, acquiredAt: now}
	return true, nil
}

// Release drops the lock if token still holds it.
func (s *Store) Release(_ context.Context, auditID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok := s.locks[auditID]; ok && row.token == token {
		delete(s.locks, auditID)
	}
	return nil
}

// LockHolder reports the token currently holding the audit lock.
func (s *Store) LockHolder(auditID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.locks[auditID]
	return row.token, ok
}

func cloneAudit(a audit.Audit) audit.Audit {
	a.Queries = append([]string(nil), a.Queries...)
	if a.Scores != nil {
		sc := *a.Scores
		a.Scores = &sc
	}
	if a.PhaseHeartbeatAt != nil {
		a.PhaseHeartbeatAt = pointerTime(*a.PhaseHeartbeatAt)
	}
	if a.FinishedAt != nil {
		a.FinishedAt = pointerTime(*a.FinishedAt)
	}
	a.PhaseState = clonePhaseState(a.PhaseState)
	return a
}

func clonePhaseState(s audit.PhaseState) audit.PhaseState {
	s.Robots.Sitemaps = append([]string(nil), s.Robots.Sitemaps...)
	if s.Robots.AIAgents != nil {
		agents := make(map[string]bool, len(s.Robots.AIAgents))
		for k, v := range s.Robots.AIAgents {
			agents[k] = v
		}
		s.Robots.AIAgents = agents
	}
	return s
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
