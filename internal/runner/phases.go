package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/discovery"
	"github.com/JakeFAU/answerability-auditor/internal/progress"
)

func (r *Runner) discover(ctx context.Context, a audit.Audit, out *Outcome) error {
	home := a.HomeURL()
	res := r.fetcher.Fetch(ctx, home, r.cfg.FetchTimeout)
	now := r.clock.Now()

	rows := []audit.FrontierURL{{
		AuditID: a.ID, URL: home, Depth: 0, Priority: 0,
		Status: audit.FrontierPending, CreatedAt: now, UpdatedAt: now,
	}}
	if res.StatusCode >= 200 && res.StatusCode < 300 && len(res.Body) > 0 {
		links, err := discovery.ExtractLinks(home, res.Body, r.cfg.SeedLinkLimit)
		if err != nil {
			r.logger.Debug("homepage link extraction failed", zap.String("audit_id", a.ID), zap.Error(err))
		}
		for _, link := range links {
			if link == home {
				continue
			}
			rows = append(rows, audit.FrontierURL{
				AuditID: a.ID, URL: link, Depth: 1, Priority: 1,
				Status: audit.FrontierPending, CreatedAt: now, UpdatedAt: now,
			})
		}
	} else {
		r.logger.Info("homepage fetch unsuccessful", zap.String("audit_id", a.ID), zap.Int("status", res.StatusCode), zap.Error(res.Err))
	}
	if _, err := r.store.SeedFrontier(ctx, rows); err != nil {
		return fmt.Errorf("seed homepage links: %w", err)
	}

	state := a.PhaseState
	if r.detector != nil {
		state.JSDependent = r.detector.JSDependent(res)
	}
	return r.advance(ctx, a, state, out)
}

func (r *Runner) robots(ctx context.Context, a audit.Audit, out *Outcome) error {
	res := r.fetcher.Fetch(ctx, discovery.Resolve(a.Domain, "/robots.txt"), r.cfg.FetchTimeout)
	state := a.PhaseState
	state.Robots = audit.RobotsReport{StatusCode: res.StatusCode}
	if res.StatusCode != 0 {
		parsed, err := discovery.ParseRobots(res.StatusCode, res.Body)
		if err != nil {
			r.logger.Info("robots.txt unreadable", zap.String("audit_id", a.ID), zap.Error(err))
		} else {
			state.Robots.Fetched = true
			state.Robots.Sitemaps = parsed.Sitemaps
			state.Robots.AIAgents = parsed.Agents
		}
	}
	return r.advance(ctx, a, state, out)
}

func (r *Runner) sitemap(ctx context.Context, a audit.Audit, out *Outcome) error {
	target := discovery.Resolve(a.Domain, "/sitemap.xml")
	for _, sm := range a.PhaseState.Robots.Sitemaps {
		if discovery.SameSite(sm, a.Domain) {
			target = sm
			break
		}
	}

	state := a.PhaseState
	state.Sitemap = audit.SitemapState{URL: target}
	parsed := r.readSitemap(ctx, a, target)
	if len(parsed.URLs) == 0 && len(parsed.Children) > 0 {
		state.Sitemap.URL = parsed.Children[0]
		parsed = r.readSitemap(ctx, a, parsed.Children[0])
	}

	if len(parsed.URLs) > 0 {
		now := r.clock.Now()
		rows := make([]audit.FrontierURL, 0, len(parsed.URLs))
		for _, u := range parsed.URLs {
			rows = append(rows, audit.FrontierURL{
				AuditID: a.ID, URL: u, Depth: 1, Priority: 2,
				Status: audit.FrontierPending, CreatedAt: now, UpdatedAt: now,
			})
		}
		seeded, err := r.store.SeedFrontier(ctx, rows)
		if err != nil {
			return fmt.Errorf("seed sitemap urls: %w", err)
		}
		state.Sitemap.Seeded = seeded
	}
	return r.advance(ctx, a, state, out)
}

func (r *Runner) readSitemap(ctx context.Context, a audit.Audit, target string) discovery.Sitemap {
	res := r.fetcher.Fetch(ctx, target, r.cfg.FetchTimeout)
	if res.StatusCode != 200 || len(res.Body) == 0 {
		return discovery.Sitemap{}
	}
	parsed, err := discovery.ParseSitemap(res.Body, a.Domain, r.cfg.SitemapURLLimit)
	if err != nil {
		r.logger.Info("sitemap unreadable", zap.String("audit_id", a.ID), zap.String("url", target), zap.Error(err))
		return discovery.Sitemap{}
	}
	return parsed
}

func (r *Runner) probes(ctx context.Context, a audit.Audit, out *Outcome) error {
	res := r.fetcher.Fetch(ctx, discovery.Resolve(a.Domain, "/llms.txt"), r.cfg.FetchTimeout)
	state := a.PhaseState
	// Soft 404s serve the HTML shell with a 200.
	state.LLMsTxt = res.StatusCode == 200 &&
		len(bytes.TrimSpace(res.Body)) > 0 &&
		!strings.Contains(strings.ToLower(res.ContentType), "html")
	return r.advance(ctx, a, state, out)
}

func (r *Runner) runCitations(ctx context.Context, a audit.Audit, out *Outcome) error {
	complete, err := r.crawlComplete(ctx, a, out)
	if err != nil || !complete {
		return err
	}

	queries := r.queries(a)
	batch := r.citations.Batch(ctx, queries)
	now := r.clock.Now()
	results := make([]audit.CitationResult, 0, len(batch.Answers)+len(batch.Errors))
	for _, ans := range batch.Answers {
		results = append(results, audit.CitationResult{
			AuditID:   a.ID,
			Query:     ans.Query,
			Answer:    ans.Text,
			Provider:  ans.Provider,
			Degraded:  ans.Degraded,
			Sources:   ans.Sources,
			Cited:     citesDomain(ans.Sources, a.Domain),
			CreatedAt: now,
		})
	}
	for _, qe := range batch.Errors {
		if qe.Query == "" {
			continue
		}
		results = append(results, audit.CitationResult{
			AuditID:   a.ID,
			Query:     qe.Query,
			Error:     qe.Err.Error(),
			CreatedAt: now,
		})
	}
	if len(results) > 0 {
		if err := r.store.SaveCitations(ctx, results); err != nil {
			return fmt.Errorf("save citations: %w", err)
		}
	}
	return r.advance(ctx, a, a.PhaseState, out)
}

// queries returns the caller-supplied queries or the rendered templates,
// capped at MaxQueries.
func (r *Runner) queries(a audit.Audit) []string {
	var qs []string
	if len(a.Queries) > 0 {
		qs = append(qs, a.Queries...)
	} else {
		for _, tmpl := range r.cfg.QueryTemplates {
			qs = append(qs, strings.ReplaceAll(tmpl, "{domain}", a.Domain))
		}
	}
	if r.cfg.MaxQueries > 0 && len(qs) > r.cfg.MaxQueries {
		qs = qs[:r.cfg.MaxQueries]
	}
	return qs
}

func citesDomain(sources []string, domain string) bool {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	for _, src := range sources {
		u, err := url.Parse(src)
		if err != nil {
			continue
		}
		host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}

func (r *Runner) synth(ctx context.Context, a audit.Audit, out *Outcome) error {
	complete, err := r.crawlComplete(ctx, a, out)
	if err != nil || !complete {
		return err
	}

	pages, err := r.store.ListUnanalyzedPages(ctx, a.ID, r.cfg.SynthBatchSize)
	if err != nil {
		return fmt.Errorf("list unanalyzed pages: %w", err)
	}
	if len(pages) == 0 {
		if err := r.advance(ctx, a, a.PhaseState, out); err != nil || !out.Advanced {
			return err
		}
		// Finalize is cheap and runs in the same tick.
		fresh, err := r.store.GetAudit(ctx, a.ID)
		if err != nil {
			return fmt.Errorf("reload audit for finalize: %w", err)
		}
		if !fresh.Running() || fresh.Phase != audit.PhaseFinalize {
			return nil
		}
		return r.finalize(ctx, fresh, out)
	}

	for _, page := range pages {
		if err := r.store.SaveAnalysis(ctx, r.analyzer.Analyze(page)); err != nil {
			return fmt.Errorf("save analysis for %s: %w", page.URL, err)
		}
	}
	if _, err := r.store.Heartbeat(ctx, a.ID, r.clock.Now()); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	out.Continue = true
	return nil
}

func (r *Runner) finalize(ctx context.Context, a audit.Audit, out *Outcome) error {
	complete, err := r.crawlComplete(ctx, a, out)
	if err != nil || !complete {
		return err
	}

	stats, err := r.store.PageStats(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("page stats: %w", err)
	}
	analyses, err := r.store.ListAnalyses(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list analyses: %w", err)
	}
	citations, err := r.store.ListCitations(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("list citations: %w", err)
	}
	scores := ComputeScores(a, stats, analyses, citations)

	now := r.clock.Now()
	report := audit.Report{Audit: a, Scores: scores, Citations: citations, Pages: analyses, Generated: now}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	uri, err := r.blobs.PutObject(ctx, r.reportPath(a.ID), "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("store report: %w", err)
	}

	applied, err := r.store.CompleteAudit(ctx, a.ID, scores, uri, now)
	if err != nil {
		return fmt.Errorf("complete audit: %w", err)
	}
	if !applied {
		return nil
	}
	out.Completed = true
	out.Continue = false
	r.emitter.Emit(progress.Event{
		AuditID: a.ID,
		TS:      now,
		Stage:   progress.StageAuditDone,
		Phase:   string(audit.PhaseFinalize),
		Site:    a.Domain,
		Dur:     now.Sub(a.CreatedAt),
		Note:    fmt.Sprintf("overall=%.2f", scores.Overall),
	})
	r.logger.Info("audit completed",
		zap.String("audit_id", a.ID),
		zap.String("domain", a.Domain),
		zap.Float64("overall", scores.Overall),
		zap.String("report_uri", uri),
	)
	return nil
}

func (r *Runner) reportPath(auditID string) string {
	prefix := strings.Trim(r.cfg.ReportPrefix, "/")
	if prefix == "" {
		return "audits/" + auditID + "/report.json"
	}
	return prefix + "/audits/" + auditID + "/report.json"
}
