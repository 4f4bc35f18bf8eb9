package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/clock/manual"
	"github.com/JakeFAU/answerability-auditor/internal/dispatcher"
	queueMemory "github.com/JakeFAU/answerability-auditor/internal/queue/memory"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
	"github.com/JakeFAU/answerability-auditor/internal/storage/memory"
	"github.com/JakeFAU/answerability-auditor/internal/watchdog"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeIDGen struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeIDGen) NewID() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.ids) == 0 {
		return "id-default", nil
	}
	id := f.ids[0]
	f.ids = f.ids[1:]
	return id, nil
}

type fakeTicker struct {
	out runner.Outcome
	err error
}

func (f *fakeTicker) Tick(_ context.Context, auditID string) (runner.Outcome, error) {
	out := f.out
	out.AuditID = auditID
	return out, f.err
}

type fakeSweeper struct {
	rep watchdog.Report
	err error
}

func (f *fakeSweeper) Sweep(context.Context) (watchdog.Report, error) {
	return f.rep, f.err
}

type harness struct {
	store  *memory.Store
	queue  *queueMemory.Queue
	ticker *fakeTicker
	server *Server
}

func newHarness(t *testing.T, cfg Config, ids ...string) *harness {
	t.Helper()
	h := &harness{
		store:  memory.NewStore(),
		queue:  queueMemory.NewQueue(8),
		ticker: &fakeTicker{out: runner.Outcome{Phase: audit.PhaseInit, Advanced: true}},
	}
	srv, err := NewServer(Deps{
		Store:    h.store,
		Enqueuer: dispatcher.New(h.queue, h.ticker, dispatcher.Config{}, nil),
		Ticker:   h.ticker,
		Sweeper:  &fakeSweeper{rep: watchdog.Report{Scanned: 2, Stuck: 1}},
		IDs:      &fakeIDGen{ids: ids},
		Clock:    manual.New(epoch),
		Logger:   zap.NewNop(),
	}, cfg)
	require.NoError(t, err)
	h.server = srv
	return h
}

func (h *harness) do(method, path string, body []byte, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateAuditStoresAndEnqueues(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxPagesDefault: 20, MaxPagesLimit: 100}, "audit-1")
	rec := h.do(http.MethodPost, "/v1/audits",
		[]byte(`{"domain":"https://WWW.Example.com/about","queries":["best widgets"]}`))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), `"audit_id":"audit-1"`)

	a, err := h.store.GetAudit(context.Background(), "audit-1")
	require.NoError(t, err)
	require.Equal(t, "www.example.com", a.Domain)
	require.Equal(t, audit.PhaseInit, a.Phase)
	require.Equal(t, audit.StatusRunning, a.Status)
	require.Equal(t, 20, a.MaxPages)
	require.Equal(t, []string{"best widgets"}, a.Queries)
	require.NotNil(t, a.PhaseHeartbeatAt)

	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	require.Equal(t, "audit-1", item.AuditID)
	require.Equal(t, "api", item.Reason)
}

func TestCreateAuditValidation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxPagesDefault: 20, MaxPagesLimit: 100})
	cases := map[string]struct {
		body string
		want string
	}{
		"invalid json":   {body: `{`, want: "invalid JSON"},
		"missing domain": {body: `{}`, want: "domain is required"},
		"not a domain":   {body: `{"domain":"localhost"}`, want: "fully qualified"},
		"zero pages":     {body: `{"domain":"example.com","max_pages":0}`, want: "max_pages"},
		"too many pages": {body: `{"domain":"example.com","max_pages":101}`, want: "max_pages must be <= 100"},
		"empty query":    {body: `{"domain":"example.com","queries":[""]}`, want: "queries[0]"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			rec := h.do(http.MethodPost, "/v1/audits", []byte(tc.body))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			require.Contains(t, rec.Body.String(), tc.want)
		})
	}
	require.Zero(t, h.queue.Len())
}

func TestGetAuditAndSubresources(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.store.CreateAudit(ctx, audit.Audit{
		ID: "a1", Domain: "example.com", Status: audit.StatusRunning, Phase: audit.PhaseCrawl,
		PhaseStartedAt: epoch, MaxPages: 10, CreatedAt: epoch, UpdatedAt: epoch,
	}))
	_, err := h.store.SeedFrontier(ctx, []audit.FrontierURL{
		{AuditID: "a1", URL: "https://example.com/", Status: audit.FrontierPending, CreatedAt: epoch, UpdatedAt: epoch},
		{AuditID: "a1", URL: "https://example.com/about", Depth: 1, Priority: 1, Status: audit.FrontierPending, CreatedAt: epoch, UpdatedAt: epoch},
	})
	require.NoError(t, err)
	require.NoError(t, h.store.SaveCitations(ctx, []audit.CitationResult{{AuditID: "a1", Query: "q", Cited: true, CreatedAt: epoch}}))

	rec := h.do(http.MethodGet, "/v1/audits/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Audit    audit.Audit          `json:"audit"`
		Frontier audit.FrontierCounts `json:"frontier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, audit.PhaseCrawl, body.Audit.Phase)
	require.Equal(t, 2, body.Frontier.Pending)

	rec = h.do(http.MethodGet, "/v1/audits/a1/frontier?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var frontier struct {
		Frontier []audit.FrontierURL `json:"frontier"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &frontier))
	require.Len(t, frontier.Frontier, 1)

	rec = h.do(http.MethodGet, "/v1/audits/a1/citations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"cited":true`)

	rec = h.do(http.MethodGet, "/v1/audits?status=running", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"id":"a1"`)

	rec = h.do(http.MethodGet, "/v1/audits?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/v1/audits/a1/frontier?limit=-3", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodGet, "/v1/audits/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTickEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(http.MethodPost, "/v1/audits/a1/tick", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out runner.Outcome
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "a1", out.AuditID)
	require.True(t, out.Advanced)

	h.ticker.err = audit.ErrNotFound
	rec = h.do(http.MethodPost, "/v1/audits/a1/tick", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	h.ticker.err = errors.New("store down")
	rec = h.do(http.MethodPost, "/v1/audits/a1/tick", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "store down")
}

func TestSweepEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(http.MethodPost, "/v1/watchdog/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"stuck":1`)
}

func TestAPIKeyMiddlewareGuardsV1Only(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{AuthEnabled: true, APIKey: "secret"})

	rec := h.do(http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodPost, "/v1/watchdog/sweep", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.do(http.MethodPost, "/v1/watchdog/sweep", nil, "X-API-Key", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyzReportsDependencyFailure(t *testing.T) {
	t.Parallel()

	srv, err := NewServer(Deps{
		Store: memory.NewStore(),
		IDs:   &fakeIDGen{},
		Clock: manual.New(epoch),
		Ready: func(context.Context) error { return errors.New("db down") },
	}, Config{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/audits/a1/tick", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpointServesPrometheus(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	rec := h.do(http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = h.do(http.MethodGet, "/healthz", nil, "X-Request-ID", "abc")
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

func TestNewServerValidatesDeps(t *testing.T) {
	t.Parallel()

	_, err := NewServer(Deps{}, Config{})
	require.Error(t, err)
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return nil
	}
	return h.client.Close()
}
