package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/answerability-auditor/internal/analysis"
	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/citation"
	"github.com/JakeFAU/answerability-auditor/internal/clock/manual"
	"github.com/JakeFAU/answerability-auditor/internal/frontier"
	"github.com/JakeFAU/answerability-auditor/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const homeHTML = `<html><head><title>Example</title></head><body>
<h1>Example</h1>
<a href="/about">About</a> <a href="/contact">Contact</a>
</body></html>`

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]audit.FetchResult
	calls     []string
}

func (f *fakeFetcher) Fetch(_ context.Context, url string, _ time.Duration) audit.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if res, ok := f.responses[url]; ok {
		res.URL = url
		return res
	}
	return audit.FetchResult{
		URL:         url,
		OK:          true,
		StatusCode:  200,
		ContentType: "text/html",
		Body:        []byte("<html><head><title>Page</title></head><body><h1>Page</h1></body></html>"),
		Elapsed:     30 * time.Millisecond,
	}
}

func ok(contentType, body string) audit.FetchResult {
	return audit.FetchResult{OK: true, StatusCode: 200, ContentType: contentType, Body: []byte(body)}
}

type fakeCitations struct {
	mu      sync.Mutex
	queries []string
	result  citation.BatchResult
}

func (f *fakeCitations) Batch(_ context.Context, queries []string) citation.BatchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queries...)
	return f.result
}

type fakeCrawler struct {
	calls int
}

func (f *fakeCrawler) Tick(context.Context, audit.Audit) (frontier.Result, error) {
	f.calls++
	return frontier.Result{Continue: true, Remaining: 1}, nil
}

type panicAnalyzer struct{}

func (panicAnalyzer) Analyze(audit.PageRecord) audit.PageAnalysis {
	panic("analyzer exploded")
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("tok-%d", s.n), nil
}

type fixture struct {
	store     *memory.Store
	blobs     *memory.BlobStore
	clock     *manual.Clock
	fetcher   *fakeFetcher
	citations *fakeCitations
	runner    *Runner
}

func newFixture(t *testing.T, mutate func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		store: memory.NewStore(),
		blobs: memory.NewBlobStore(),
		clock: manual.New(epoch),
		fetcher: &fakeFetcher{responses: map[string]audit.FetchResult{
			"https://example.com/": ok("text/html", homeHTML),
			"https://example.com/robots.txt": ok("text/plain",
				"User-agent: GPTBot\nDisallow: /\n\nSitemap: https://example.com/sitemap.xml\n"),
			"https://example.com/sitemap.xml": ok("application/xml",
				`<urlset><url><loc>https://example.com/docs</loc></url><url><loc>https://other.org/x</loc></url></urlset>`),
			"https://example.com/llms.txt": ok("text/plain", "# Example\n"),
		}},
		citations: &fakeCitations{result: citation.BatchResult{
			Answers: []citation.Answer{
				{Query: "q1", Text: "see example", Sources: []string{"https://www.example.com/about"}, Provider: "web+gemini"},
				{Query: "q2", Text: "elsewhere", Sources: []string{"https://other.org/"}, Provider: "web+gemini"},
			},
			Errors: []citation.QueryError{{Query: "q3", Err: errors.New("quota")}},
		}},
	}
	crawlCfg := frontier.DefaultConfig()
	crawlCfg.LinkExpansion = false
	crawler, err := frontier.New(frontier.Deps{
		Store:   f.store,
		Locker:  f.store,
		Fetcher: f.fetcher,
		Clock:   f.clock,
		IDs:     &seqIDs{},
	}, crawlCfg)
	require.NoError(t, err)

	deps := Deps{
		Store:     f.store,
		Crawler:   crawler,
		Fetcher:   f.fetcher,
		Citations: f.citations,
		Analyzer:  analysis.New(f.clock.Now),
		Blobs:     f.blobs,
		Clock:     f.clock,
	}
	if mutate != nil {
		mutate(&deps)
	}
	r, err := New(deps, Config{SeedLinkLimit: 20, SitemapURLLimit: 20, SynthBatchSize: 2, MaxQueries: 5})
	require.NoError(t, err)
	f.runner = r
	return f
}

func (f *fixture) create(t *testing.T, a audit.Audit) {
	t.Helper()
	if a.ID == "" {
		a.ID = "audit-1"
	}
	if a.Domain == "" {
		a.Domain = "example.com"
	}
	if a.Status == "" {
		a.Status = audit.StatusRunning
	}
	if a.Phase == "" {
		a.Phase = audit.PhaseInit
	}
	if a.MaxPages == 0 {
		a.MaxPages = 10
	}
	a.PhaseStartedAt = epoch
	a.CreatedAt = epoch
	a.UpdatedAt = epoch
	require.NoError(t, f.store.CreateAudit(context.Background(), a))
}

func (f *fixture) audit(t *testing.T, id string) audit.Audit {
	t.Helper()
	a, err := f.store.GetAudit(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestTickDrivesAuditToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.create(t, audit.Audit{Queries: []string{"q1", "q2", "q3"}})
	ctx := context.Background()

	completed := false
	for i := 0; i < 40 && !completed; i++ {
		out, err := f.runner.Tick(ctx, "audit-1")
		require.NoError(t, err)
		completed = out.Completed
		f.clock.Advance(time.Second)
	}
	require.True(t, completed, "audit did not complete within 40 ticks")

	a := f.audit(t, "audit-1")
	require.Equal(t, audit.StatusCompleted, a.Status)
	require.Equal(t, 4, a.PagesCrawled)
	require.NotNil(t, a.Scores)
	require.InDelta(t, 1.0, a.Scores.CrawlHealth, 1e-9)
	require.InDelta(t, 0.5, a.Scores.CitationRate, 1e-9)
	require.Equal(t, 2, a.Scores.Queries)
	require.Equal(t, 1, a.Scores.QueryErrors)
	require.InDelta(t, 0.9, a.Scores.AIAccess, 1e-9)
	require.Equal(t, "memory://audits/audit-1/report.json", a.ReportURI)
	require.True(t, a.PhaseState.LLMsTxt)
	require.False(t, a.PhaseState.Robots.AIAgents["GPTBot"])
	require.Equal(t, 1, a.PhaseState.Sitemap.Seeded)

	data, contentType, found := f.blobs.Object("audits/audit-1/report.json")
	require.True(t, found)
	require.Equal(t, "application/json", contentType)
	var report audit.Report
	require.NoError(t, json.Unmarshal(data, &report))
	require.Len(t, report.Pages, 4)
	require.Len(t, report.Citations, 3)

	citations, err := f.store.ListCitations(ctx, "audit-1")
	require.NoError(t, err)
	byQuery := map[string]audit.CitationResult{}
	for _, c := range citations {
		byQuery[c.Query] = c
	}
	require.True(t, byQuery["q1"].Cited)
	require.False(t, byQuery["q2"].Cited)
	require.Equal(t, "quota", byQuery["q3"].Error)

	var phases []audit.Phase
	for _, tr := range f.store.Transitions("audit-1") {
		phases = append(phases, tr.Phase)
	}
	require.Equal(t, audit.Phases(), phases)
}

func TestDiscoverySeedsHomepageEvenWhenFetchFails(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.responses["https://example.com/"] = audit.FetchResult{Err: errors.New("dial tcp: timeout")}
	f.create(t, audit.Audit{Phase: audit.PhaseDiscovery})

	out, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.True(t, out.Advanced)
	require.Equal(t, audit.PhaseRobots, out.NextPhase)

	rows, err := f.store.ListFrontier(context.Background(), "audit-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "https://example.com/", rows[0].URL)
}

func TestRobotsUnreachableRecordsNotFetched(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.responses["https://example.com/robots.txt"] = audit.FetchResult{Err: errors.New("refused")}
	f.create(t, audit.Audit{Phase: audit.PhaseRobots})

	_, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	a := f.audit(t, "audit-1")
	require.Equal(t, audit.PhaseSitemap, a.Phase)
	require.False(t, a.PhaseState.Robots.Fetched)
	require.Empty(t, a.PhaseState.Robots.AIAgents)
}

func TestSitemapIndexFollowsFirstChild(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.responses["https://example.com/sitemap.xml"] = ok("application/xml",
		`<sitemapindex><sitemap><loc>https://example.com/pages.xml</loc></sitemap></sitemapindex>`)
	f.fetcher.responses["https://example.com/pages.xml"] = ok("application/xml",
		`<urlset><url><loc>https://example.com/a</loc></url><url><loc>https://example.com/b</loc></url></urlset>`)
	f.create(t, audit.Audit{Phase: audit.PhaseSitemap})

	_, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	a := f.audit(t, "audit-1")
	require.Equal(t, audit.PhaseProbes, a.Phase)
	require.Equal(t, "https://example.com/pages.xml", a.PhaseState.Sitemap.URL)
	require.Equal(t, 2, a.PhaseState.Sitemap.Seeded)
}

func TestProbesRejectsHTMLSoft404(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.fetcher.responses["https://example.com/llms.txt"] = ok("text/html; charset=utf-8", "<html>not found</html>")
	f.create(t, audit.Audit{Phase: audit.PhaseProbes})

	_, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.False(t, f.audit(t, "audit-1").PhaseState.LLMsTxt)
}

func TestLaterPhaseRewindsWhenCrawlIncomplete(t *testing.T) {
	t.Parallel()

	for _, phase := range []audit.Phase{audit.PhaseCitations, audit.PhaseSynth, audit.PhaseFinalize} {
		t.Run(string(phase), func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, nil)
			f.create(t, audit.Audit{Phase: phase, PhaseAttempts: 2})
			_, err := f.store.SeedFrontier(context.Background(), []audit.FrontierURL{{
				AuditID: "audit-1", URL: "https://example.com/late", Status: audit.FrontierPending,
				CreatedAt: epoch, UpdatedAt: epoch,
			}})
			require.NoError(t, err)

			out, err := f.runner.Tick(context.Background(), "audit-1")
			require.NoError(t, err)
			require.True(t, out.Rewound)
			require.False(t, out.Advanced)
			require.True(t, out.Continue)

			a := f.audit(t, "audit-1")
			require.Equal(t, audit.PhaseCrawl, a.Phase)
			require.Equal(t, audit.StatusRunning, a.Status)
			require.Equal(t, 2, a.PhaseAttempts)
			require.Empty(t, f.citations.queries)
		})
	}
}

func TestLaterPhaseProceedsWhenCapReached(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.create(t, audit.Audit{Phase: audit.PhaseCitations, MaxPages: 1, PagesCrawled: 1})
	_, err := f.store.SeedFrontier(context.Background(), []audit.FrontierURL{{
		AuditID: "audit-1", URL: "https://example.com/extra", Status: audit.FrontierPending,
		CreatedAt: epoch, UpdatedAt: epoch,
	}})
	require.NoError(t, err)

	out, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.False(t, out.Rewound)
	require.True(t, out.Advanced)
	require.Equal(t, audit.PhaseSynth, f.audit(t, "audit-1").Phase)
}

func TestCitationsUseTemplatesWhenNoQueries(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.runner.cfg.QueryTemplates = []string{"What does {domain} sell?", "Is {domain} legit?"}
	f.runner.cfg.MaxQueries = 1
	f.create(t, audit.Audit{Phase: audit.PhaseCitations})

	_, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Equal(t, []string{"What does example.com sell?"}, f.citations.queries)
}

func TestSynthAnalyzesInBatchesThenFinalizesSameTick(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.create(t, audit.Audit{Phase: audit.PhaseSynth, PagesCrawled: 3})
	ctx := context.Background()
	for _, path := range []string{"/", "/a", "/b"} {
		require.NoError(t, f.store.UpsertPage(ctx, audit.PageRecord{
			AuditID: "audit-1", URL: "https://example.com" + path, StatusCode: 200,
			ContentType: "text/html", Body: []byte("<html><title>x</title></html>"), LoadMS: 10,
			CreatedAt: epoch, UpdatedAt: epoch,
		}))
	}

	out, err := f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	require.False(t, out.Advanced)
	require.True(t, out.Continue)

	out, err = f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	require.True(t, out.Continue)
	require.Equal(t, audit.PhaseSynth, f.audit(t, "audit-1").Phase)

	out, err = f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	require.True(t, out.Advanced)
	require.True(t, out.Completed)
	require.False(t, out.Continue)
	require.Equal(t, audit.StatusCompleted, f.audit(t, "audit-1").Status)
}

func TestTickSkipsFinishedAudits(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.create(t, audit.Audit{Status: audit.StatusFailed, Phase: audit.PhaseCrawl})

	out, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.True(t, out.Skipped)
	require.Empty(t, f.fetcher.calls)
}

func TestTickUnknownAudit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.runner.Tick(context.Background(), "missing")
	require.ErrorIs(t, err, audit.ErrNotFound)
}

func TestTickRecoversPanicsWithoutFailingAudit(t *testing.T) {
	t.Parallel()

	f := newFixture(t, func(d *Deps) { d.Analyzer = panicAnalyzer{} })
	f.create(t, audit.Audit{Phase: audit.PhaseSynth, PagesCrawled: 1})
	require.NoError(t, f.store.UpsertPage(context.Background(), audit.PageRecord{
		AuditID: "audit-1", URL: "https://example.com/", StatusCode: 200, CreatedAt: epoch, UpdatedAt: epoch,
	}))

	_, err := f.runner.Tick(context.Background(), "audit-1")
	require.Error(t, err)
	require.Contains(t, err.Error(), "analyzer exploded")

	a := f.audit(t, "audit-1")
	require.Equal(t, audit.StatusRunning, a.Status)
	require.Equal(t, audit.PhaseSynth, a.Phase)
}

func TestFastForwardPreservesAttemptsUntilRetryPhase(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	f.create(t, audit.Audit{
		Phase:         audit.PhaseInit,
		PhaseAttempts: 2,
		PhaseState:    audit.PhaseState{RetryPhase: audit.PhaseRobots},
	})
	ctx := context.Background()

	_, err := f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	a := f.audit(t, "audit-1")
	require.Equal(t, audit.PhaseDiscovery, a.Phase)
	require.Equal(t, 2, a.PhaseAttempts)

	_, err = f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	a = f.audit(t, "audit-1")
	require.Equal(t, audit.PhaseRobots, a.Phase)
	require.Equal(t, 2, a.PhaseAttempts)
	require.Equal(t, audit.PhaseRobots, a.PhaseState.RetryPhase)

	_, err = f.runner.Tick(ctx, "audit-1")
	require.NoError(t, err)
	a = f.audit(t, "audit-1")
	require.Equal(t, audit.PhaseSitemap, a.Phase)
	require.Equal(t, 0, a.PhaseAttempts)
	require.Empty(t, a.PhaseState.RetryPhase)
}

func TestCrawlDelegatesToCrawler(t *testing.T) {
	t.Parallel()

	crawler := &fakeCrawler{}
	f := newFixture(t, func(d *Deps) { d.Crawler = crawler })
	f.create(t, audit.Audit{Phase: audit.PhaseCrawl})

	out, err := f.runner.Tick(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Equal(t, 1, crawler.calls)
	require.True(t, out.Continue)
	require.NotNil(t, out.Crawl)
}

func TestNewValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.Error(t, err)
}

func TestComputeScores(t *testing.T) {
	t.Parallel()

	a := audit.Audit{PhaseState: audit.PhaseState{
		JSDependent: true,
		LLMsTxt:     true,
		Robots:      audit.RobotsReport{AIAgents: map[string]bool{"GPTBot": true, "CCBot": false}},
	}}
	s := ComputeScores(a,
		audit.PageStats{Total: 4, OK: 3, AvgLoadMS: 120},
		[]audit.PageAnalysis{{Score: 0.5}, {Score: 1}},
		[]audit.CitationResult{{Cited: true}, {}, {}, {}},
	)
	require.InDelta(t, 0.75, s.CrawlHealth, 1e-9)
	require.InDelta(t, 0.75, s.Content, 1e-9)
	require.InDelta(t, 0.25, s.CitationRate, 1e-9)
	require.InDelta(t, 0.35, s.AIAccess, 1e-9)
	require.InDelta(t, 0.25*0.75+0.3*0.75+0.3*0.25+0.15*0.35, s.Overall, 1e-3)
	require.Equal(t, 4, s.Queries)

	withErrors := ComputeScores(a, audit.PageStats{}, nil, []audit.CitationResult{
		{Cited: true}, {}, {Error: "quota"}, {Error: "timeout", Cited: true},
	})
	require.InDelta(t, 0.5, withErrors.CitationRate, 1e-9)
	require.Equal(t, 2, withErrors.Queries)
	require.Equal(t, 2, withErrors.QueryErrors)

	allFailed := ComputeScores(a, audit.PageStats{}, nil, []audit.CitationResult{{Error: "quota"}})
	require.Zero(t, allFailed.CitationRate)
	require.Zero(t, allFailed.Queries)
	require.Equal(t, 1, allFailed.QueryErrors)

	empty := ComputeScores(audit.Audit{}, audit.PageStats{}, nil, nil)
	require.Zero(t, empty.CrawlHealth)
	require.InDelta(t, 1.0, empty.AIAccess, 1e-9)
}

func TestCitesDomain(t *testing.T) {
	t.Parallel()

	require.True(t, citesDomain([]string{"https://docs.example.com/x"}, "example.com"))
	require.True(t, citesDomain([]string{"https://example.com"}, "www.example.com"))
	require.False(t, citesDomain([]string{"https://notexample.com/"}, "example.com"))
	require.False(t, citesDomain(nil, "example.com"))
}
