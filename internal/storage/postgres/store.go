// Package postgres provides the Postgres-backed durable store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// Store implements audit.Store on Postgres. Every phase write is a single
// conditional statement, so correctness never depends on the advisory lock.
type Store struct {
	pool pool
}

var _ audit.Store = (*Store)(nil)

// New connects a pool using the provided config.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const auditColumns = `id, domain, status, phase, phase_started_at, phase_heartbeat_at, phase_attempts,
	pages_crawled, max_pages, phase_state, queries, scores, report_uri, failure_code, failure_detail,
	created_at, updated_at, finished_at`

// CreateAudit inserts a new audit row.
func (s *Store) CreateAudit(ctx context.Context, a audit.Audit) error {
	state, err := a.PhaseState.Marshal()
	if err != nil {
		return err
	}
	queries := a.Queries
	if queries == nil {
		queries = []string{}
	}
	queriesJSON, err := json.Marshal(queries)
	if err != nil {
		return fmt.Errorf("marshal queries: %w", err)
	}
	var scoresJSON []byte
	if a.Scores != nil {
		if scoresJSON, err = json.Marshal(a.Scores); err != nil {
			return fmt.Errorf("marshal scores: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO audits (`+auditColumns+`) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
)`,
		a.ID,
		a.Domain,
		string(a.Status),
		string(a.Phase),
		a.PhaseStartedAt,
		a.PhaseHeartbeatAt,
		a.PhaseAttempts,
		a.PagesCrawled,
		a.MaxPages,
		state,
		queriesJSON,
		scoresJSON,
		a.ReportURI,
		a.FailureCode,
		a.FailureDetail,
		a.CreatedAt,
		a.UpdatedAt,
		a.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// GetAudit fetches an audit by ID.
func (s *Store) GetAudit(ctx context.Context, id string) (audit.Audit, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+auditColumns+` FROM audits WHERE id = $1`, id)
	a, err := scanAudit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.Audit{}, audit.ErrNotFound
	}
	if err != nil {
		return audit.Audit{}, fmt.Errorf("get audit: %w", err)
	}
	return a, nil
}

// ListAudits returns audits with the given status (all when empty), oldest first.
func (s *Store) ListAudits(ctx context.Context, status audit.Status, limit int) ([]audit.Audit, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+auditColumns+` FROM audits
WHERE ($1 = '' OR status = $1)
ORDER BY created_at, id
LIMIT NULLIF($2, 0)`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	defer rows.Close()
	var out []audit.Audit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return out, nil
}

// TransitionPhase moves a running audit out of t.From and records how long
// it spent there, in one statement.
func (s *Store) TransitionPhase(ctx context.Context, t audit.Transition) (bool, error) {
	state, err := t.State.Marshal()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
WITH prev AS (
	SELECT id, phase, phase_started_at FROM audits
	WHERE id = $1 AND status = 'running' AND phase = $2 AND phase_attempts = $7
	FOR UPDATE
), moved AS (
	UPDATE audits a SET
		phase = $3,
		phase_started_at = $4::timestamptz,
		phase_heartbeat_at = $4::timestamptz,
		phase_attempts = CASE WHEN $5::boolean THEN 0 ELSE a.phase_attempts END,
		phase_state = $6::jsonb,
		updated_at = $4::timestamptz
	FROM prev
	WHERE a.id = prev.id
	RETURNING prev.id, prev.phase, prev.phase_started_at
)
INSERT INTO phase_transitions (audit_id, phase, started_at, ended_at, duration_ms)
SELECT id, phase, phase_started_at, $4::timestamptz,
	(EXTRACT(EPOCH FROM ($4::timestamptz - phase_started_at)) * 1000)::bigint
FROM moved`,
		t.AuditID, string(t.From), string(t.To), t.Now, t.ResetAttempts, state, t.ExpectAttempts,
	)
	if err != nil {
		return false, fmt.Errorf("transition phase: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SavePhaseState replaces the scratch state of a running audit that is still
// in the observed phase and attempt.
func (s *Store) SavePhaseState(ctx context.Context, save audit.StateSave) (bool, error) {
	data, err := save.State.Marshal()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE audits SET phase_state = $4, updated_at = $5
WHERE id = $1 AND status = 'running' AND phase = $2 AND phase_attempts = $3`,
		save.AuditID, string(save.ExpectPhase), save.ExpectAttempts, data, save.Now,
	)
	if err != nil {
		return false, fmt.Errorf("save phase state: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat refreshes phase_heartbeat_at for a running audit.
func (s *Store) Heartbeat(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE audits SET phase_heartbeat_at = $2, updated_at = $2
WHERE id = $1 AND status = 'running'`, id, now)
	if err != nil {
		return false, fmt.Errorf("heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RecordCrawlProgress recomputes pages_crawled from page rows and refreshes
// the heartbeat. The count is returned even when the audit is no longer running.
func (s *Store) RecordCrawlProgress(ctx context.Context, id string, now time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
WITH c AS (
	SELECT count(*)::int AS n FROM pages WHERE audit_id = $1
), u AS (
	UPDATE audits SET pages_crawled = (SELECT n FROM c), phase_heartbeat_at = $2, updated_at = $2
	WHERE id = $1 AND status = 'running'
)
SELECT n FROM c`, id, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("record crawl progress: %w", err)
	}
	return count, nil
}

// CompleteAudit marks a running audit in finalize as completed.
func (s *Store) CompleteAudit(
	ctx context.Context,
	id string,
	scores audit.Scores,
	reportURI string,
	now time.Time,
) (bool, error) {
	scoresJSON, err := json.Marshal(scores)
	if err != nil {
		return false, fmt.Errorf("marshal scores: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
WITH prev AS (
	SELECT id, phase, phase_started_at FROM audits
	WHERE id = $1 AND status = 'running' AND phase = 'finalize'
	FOR UPDATE
), done AS (
	UPDATE audits a SET
		status = 'completed',
		scores = $2::jsonb,
		report_uri = $3,
		phase_heartbeat_at = $4::timestamptz,
		finished_at = $4::timestamptz,
		updated_at = $4::timestamptz
	FROM prev
	WHERE a.id = prev.id
	RETURNING prev.id, prev.phase, prev.phase_started_at
)
INSERT INTO phase_transitions (audit_id, phase, started_at, ended_at, duration_ms)
SELECT id, phase, phase_started_at, $4::timestamptz,
	(EXTRACT(EPOCH FROM ($4::timestamptz - phase_started_at)) * 1000)::bigint
FROM done`, id, scoresJSON, reportURI, now)
	if err != nil {
		return false, fmt.Errorf("complete audit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetForRetry restarts a running audit at init when it still matches the
// phase and attempt count the watchdog observed.
func (s *Store) ResetForRetry(ctx context.Context, r audit.RetryReset) (bool, error) {
	state, err := r.State.Marshal()
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE audits SET
	phase = 'init',
	phase_started_at = $4,
	phase_heartbeat_at = $4,
	phase_attempts = phase_attempts + 1,
	phase_state = $5,
	failure_code = '',
	failure_detail = '',
	updated_at = $4
WHERE id = $1 AND status = 'running' AND phase = $2 AND phase_attempts = $3`,
		r.AuditID, string(r.ExpectPhase), r.ExpectAttempts, r.Now, state,
	)
	if err != nil {
		return false, fmt.Errorf("reset audit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailAudit terminally fails a running audit.
func (s *Store) FailAudit(ctx context.Context, id, code, detail string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE audits SET status = 'failed', failure_code = $2, failure_detail = $3, finished_at = $4, updated_at = $4
WHERE id = $1 AND status = 'running'`, id, code, detail, now)
	if err != nil {
		return false, fmt.Errorf("fail audit: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailureCounts groups failures finished since the cutoff by code.
func (s *Store) FailureCounts(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `
SELECT failure_code, count(*)::int FROM audits
WHERE status = 'failed' AND failure_code <> '' AND finished_at >= $1
GROUP BY failure_code`, since)
	if err != nil {
		return nil, fmt.Errorf("failure counts: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, fmt.Errorf("scan failure count: %w", err)
		}
		out[code] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failure counts: %w", err)
	}
	return out, nil
}

// PhaseDurationP95 returns the continuous 95th percentile duration for phase.
func (s *Store) PhaseDurationP95(ctx context.Context, phase audit.Phase, since time.Time) (time.Duration, int, error) {
	var p95ms float64
	var n int
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(percentile_cont(0.95) WITHIN GROUP (ORDER BY duration_ms), 0)::float8, count(*)::int
FROM phase_transitions
WHERE phase = $1 AND ended_at >= $2`, string(phase), since).Scan(&p95ms, &n)
	if err != nil {
		return 0, 0, fmt.Errorf("phase duration p95: %w", err)
	}
	return time.Duration(p95ms * float64(time.Millisecond)), n, nil
}

// SeedFrontier inserts pending rows, ignoring URLs the audit already knows.
func (s *Store) SeedFrontier(ctx context.Context, urls []audit.FrontierURL) (int, error) {
	if len(urls) == 0 {
		return 0, nil
	}
	auditIDs := make([]string, len(urls))
	links := make([]string, len(urls))
	depths := make([]int32, len(urls))
	priorities := make([]int32, len(urls))
	created := make([]time.Time, len(urls))
	for i, u := range urls {
		auditIDs[i] = u.AuditID
		links[i] = u.URL
		depths[i] = int32(u.Depth)       //nolint:gosec // depth is bounded by crawl.max_depth
		priorities[i] = int32(u.Priority) //nolint:gosec // priority is a small rank
		created[i] = u.CreatedAt
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO frontier_urls (audit_id, url, depth, priority, status, created_at, updated_at)
SELECT u.audit_id, u.url, u.depth, u.priority, 'pending', u.created_at, u.created_at
FROM unnest($1::text[], $2::text[], $3::int4[], $4::int4[], $5::timestamptz[])
	AS u(audit_id, url, depth, priority, created_at)
ON CONFLICT (audit_id, url) DO NOTHING`,
		auditIDs, links, depths, priorities, created,
	)
	if err != nil {
		return 0, fmt.Errorf("seed frontier: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DemoteStaleLeases returns visiting rows last touched before cutoff to pending.
func (s *Store) DemoteStaleLeases(ctx context.Context, auditID string, cutoff, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE frontier_urls SET status = 'pending', updated_at = $3
WHERE audit_id = $1 AND status = 'visiting' AND updated_at < $2`, auditID, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("demote stale leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LeaseNext atomically marks the best pending row visiting.
func (s *Store) LeaseNext(ctx context.Context, auditID string, now time.Time) (audit.FrontierURL, bool, error) {
	row := s.pool.QueryRow(ctx, `
UPDATE frontier_urls f SET status = 'visiting', updated_at = $2
WHERE (f.audit_id, f.url) = (
	SELECT audit_id, url FROM frontier_urls
	WHERE audit_id = $1 AND status = 'pending'
	ORDER BY priority, depth, created_at, url
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING f.audit_id, f.url, f.depth, f.priority, f.status, f.created_at, f.updated_at`, auditID, now)
	u, err := scanFrontier(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return audit.FrontierURL{}, false, nil
	}
	if err != nil {
		return audit.FrontierURL{}, false, fmt.Errorf("lease frontier url: %w", err)
	}
	return u, true, nil
}

// MarkDone completes a frontier row.
func (s *Store) MarkDone(ctx context.Context, auditID, url string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE frontier_urls SET status = 'done', updated_at = $3
WHERE audit_id = $1 AND url = $2`, auditID, url, now)
	if err != nil {
		return fmt.Errorf("mark frontier done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return audit.ErrNotFound
	}
	return nil
}

// FrontierCounts tallies frontier rows by status.
func (s *Store) FrontierCounts(ctx context.Context, auditID string) (audit.FrontierCounts, error) {
	var c audit.FrontierCounts
	err := s.pool.QueryRow(ctx, `
SELECT
	count(*) FILTER (WHERE status = 'pending')::int,
	count(*) FILTER (WHERE status = 'visiting')::int,
	count(*) FILTER (WHERE status = 'done')::int
FROM frontier_urls WHERE audit_id = $1`, auditID).Scan(&c.Pending, &c.Visiting, &c.Done)
	if err != nil {
		return audit.FrontierCounts{}, fmt.Errorf("frontier counts: %w", err)
	}
	return c, nil
}

// ListFrontier returns frontier rows in lease order.
func (s *Store) ListFrontier(ctx context.Context, auditID string, limit int) ([]audit.FrontierURL, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
SELECT audit_id, url, depth, priority, status, created_at, updated_at
FROM frontier_urls WHERE audit_id = $1
ORDER BY priority, depth, created_at, url
LIMIT NULLIF($2, 0)`, auditID, limit)
	if err != nil {
		return nil, fmt.Errorf("list frontier: %w", err)
	}
	defer rows.Close()
	var out []audit.FrontierURL
	for rows.Next() {
		u, err := scanFrontier(rows)
		if err != nil {
			return nil, fmt.Errorf("scan frontier url: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list frontier: %w", err)
	}
	return out, nil
}

// UpsertPage inserts or refreshes a page record.
func (s *Store) UpsertPage(ctx context.Context, page audit.PageRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO pages (audit_id, url, status_code, load_ms, content_type, body, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (audit_id, url) DO UPDATE SET
	status_code = EXCLUDED.status_code,
	load_ms = EXCLUDED.load_ms,
	content_type = EXCLUDED.content_type,
	body = EXCLUDED.body,
	updated_at = EXCLUDED.updated_at`,
		page.AuditID,
		page.URL,
		page.StatusCode,
		page.LoadMS,
		page.ContentType,
		page.Body,
		page.CreatedAt,
		page.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert page: %w", err)
	}
	return nil
}

// PageStats aggregates page rows for scoring.
func (s *Store) PageStats(ctx context.Context, auditID string) (audit.PageStats, error) {
	var st audit.PageStats
	err := s.pool.QueryRow(ctx, `
SELECT
	count(*)::int,
	count(*) FILTER (WHERE status_code BETWEEN 200 AND 399)::int,
	COALESCE(avg(load_ms) FILTER (WHERE status_code BETWEEN 200 AND 399), 0)::float8
FROM pages WHERE audit_id = $1`, auditID).Scan(&st.Total, &st.OK, &st.AvgLoadMS)
	if err != nil {
		return audit.PageStats{}, fmt.Errorf("page stats: %w", err)
	}
	return st, nil
}

// ListUnanalyzedPages returns up to limit pages lacking an analysis row.
func (s *Store) ListUnanalyzedPages(ctx context.Context, auditID string, limit int) ([]audit.PageRecord, error) {
	if limit < 0 {
		limit = 0
	}
	rows, err := s.pool.Query(ctx, `
SELECT p.audit_id, p.url, p.status_code, p.load_ms, p.content_type, p.body, p.created_at, p.updated_at
FROM pages p
LEFT JOIN page_analyses a ON a.audit_id = p.audit_id AND a.url = p.url
WHERE p.audit_id = $1 AND a.url IS NULL
ORDER BY p.created_at, p.url
LIMIT NULLIF($2, 0)`, auditID, limit)
	if err != nil {
		return nil, fmt.Errorf("list unanalyzed pages: %w", err)
	}
	defer rows.Close()
	var out []audit.PageRecord
	for rows.Next() {
		var p audit.PageRecord
		if err := rows.Scan(
			&p.AuditID, &p.URL, &p.StatusCode, &p.LoadMS, &p.ContentType, &p.Body, &p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list unanalyzed pages: %w", err)
	}
	return out, nil
}

// SaveAnalysis upserts an analysis keyed by (audit_id, url).
func (s *Store) SaveAnalysis(ctx context.Context, a audit.PageAnalysis) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO page_analyses (
	audit_id, url, title, meta_description, h1_count, word_count, has_json_ld, has_canonical, score, analyzed_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (audit_id, url) DO UPDATE SET
	title = EXCLUDED.title,
	meta_description = EXCLUDED.meta_description,
	h1_count = EXCLUDED.h1_count,
	word_count = EXCLUDED.word_count,
	has_json_ld = EXCLUDED.has_json_ld,
	has_canonical = EXCLUDED.has_canonical,
	score = EXCLUDED.score,
	analyzed_at = EXCLUDED.analyzed_at`,
		a.AuditID, a.URL, a.Title, a.MetaDescription, a.H1Count, a.WordCount,
		a.HasJSONLD, a.HasCanonical, a.Score, a.AnalyzedAt,
	)
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

// ListAnalyses returns analyses ordered by URL.
func (s *Store) ListAnalyses(ctx context.Context, auditID string) ([]audit.PageAnalysis, error) {
	rows, err := s.pool.Query(ctx, `
SELECT audit_id, url, title, meta_description, h1_count, word_count, has_json_ld, has_canonical, score, analyzed_at
FROM page_analyses WHERE audit_id = $1 ORDER BY url`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []audit.PageAnalysis
	for rows.Next() {
		var a audit.PageAnalysis
		if err := rows.Scan(
			&a.AuditID, &a.URL, &a.Title, &a.MetaDescription, &a.H1Count, &a.WordCount,
			&a.HasJSONLD, &a.HasCanonical, &a.Score, &a.AnalyzedAt,
		); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	return out, nil
}

// SaveCitations upserts citation results keyed by (audit_id, query).
func (s *Store) SaveCitations(ctx context.Context, results []audit.CitationResult) error {
	for _, r := range results {
		sources := r.Sources
		if sources == nil {
			sources = []string{}
		}
		sourcesJSON, err := json.Marshal(sources)
		if err != nil {
			return fmt.Errorf("marshal sources: %w", err)
		}
		_, err = s.pool.Exec(ctx, `
INSERT INTO citation_results (audit_id, query, answer, provider, degraded, sources, cited, error, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (audit_id, query) DO UPDATE SET
	answer = EXCLUDED.answer,
	provider = EXCLUDED.provider,
	degraded = EXCLUDED.degraded,
	sources = EXCLUDED.sources,
	cited = EXCLUDED.cited,
	error = EXCLUDED.error,
	created_at = EXCLUDED.created_at`,
			r.AuditID, r.Query, r.Answer, r.Provider, r.Degraded, sourcesJSON, r.Cited, r.Error, r.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("save citation: %w", err)
		}
	}
	return nil
}

// ListCitations returns citation results ordered by query.
func (s *Store) ListCitations(ctx context.Context, auditID string) ([]audit.CitationResult, error) {
	rows, err := s.pool.Query(ctx, `
SELECT audit_id, query, answer, provider, degraded, sources, cited, error, created_at
FROM citation_results WHERE audit_id = $1 ORDER BY lower(query)`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	defer rows.Close()
	var out []audit.CitationResult
	for rows.Next() {
		var r audit.CitationResult
		var sources []byte
		if err := rows.Scan(
			&r.AuditID, &r.Query, &r.Answer, &r.Provider, &r.Degraded, &sources, &r.Cited, &r.Error, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan citation: %w", err)
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &r.Sources); err != nil {
				return nil, fmt.Errorf("decode citation sources: %w", err)
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list citations: %w", err)
	}
	return out, nil
}

// Acquire deletes an expired lock row for the audit, then inserts a fresh one
// if none remains.
func (s *Store) Acquire(ctx context.Context, auditID, token string, now time.Time, ttl time.Duration) (bool, error) {
	if _, err := s.pool.Exec(ctx, `
DELETE FROM audit_locks WHERE audit_id = $1 AND acquired_at < $2`, auditID, now.Add(-ttl)); err != nil {
		return false, fmt.Errorf("expire audit lock: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO audit_locks (audit_id, token, acquired_at) VALUES ($1,$2,$3)
ON CONFLICT (audit_id) DO NOTHING`, auditID, token, now)
	if err != nil {
		return false, fmt.Errorf("acquire audit lock: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release deletes the lock row if token still holds it.
func (s *Store) Release(ctx context.Context, auditID, token string) error {
	if _, err := s.pool.Exec(ctx, `
DELETE FROM audit_locks WHERE audit_id = $1 AND token = $2`, auditID, token); err != nil {
		return fmt.Errorf("release audit lock: %w", err)
	}
	return nil
}

func scanAudit(row pgx.Row) (audit.Audit, error) {
	var (
		a                      audit.Audit
		status, phase          string
		state, queries, scores []byte
	)
	err := row.Scan(
		&a.ID,
		&a.Domain,
		&status,
		&phase,
		&a.PhaseStartedAt,
		&a.PhaseHeartbeatAt,
		&a.PhaseAttempts,
		&a.PagesCrawled,
		&a.MaxPages,
		&state,
		&queries,
		&scores,
		&a.ReportURI,
		&a.FailureCode,
		&a.FailureDetail,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.FinishedAt,
	)
	if err != nil {
		return audit.Audit{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	a.Status = audit.Status(status)
	a.Phase = audit.Phase(phase)
	if a.PhaseState, err = audit.UnmarshalPhaseState(state); err != nil {
		return audit.Audit{}, err
	}
	if len(queries) > 0 {
		if err := json.Unmarshal(queries, &a.Queries); err != nil {
			return audit.Audit{}, fmt.Errorf("decode queries: %w", err)
		}
	}
	if len(scores) > 0 {
		var sc audit.Scores
		if err := json.Unmarshal(scores, &sc); err != nil {
			return audit.Audit{}, fmt.Errorf("decode scores: %w", err)
		}
		a.Scores = &sc
	}
	return a, nil
}

func scanFrontier(row pgx.Row) (audit.FrontierURL, error) {
	var u audit.FrontierURL
	var status string
	if err := row.Scan(&u.AuditID, &u.URL, &u.Depth, &u.Priority, &status, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return audit.FrontierURL{}, err //nolint:wrapcheck // callers wrap and match pgx.ErrNoRows
	}
	u.Status = audit.FrontierStatus(status)
	return u, nil
}
