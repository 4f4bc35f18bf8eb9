package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
	"github.com/JakeFAU/answerability-auditor/internal/runner"
	"github.com/JakeFAU/answerability-auditor/internal/telemetry"
	"github.com/JakeFAU/answerability-auditor/internal/watchdog"
)

// Store is the slice of the durable store the API reads and writes.
type Store interface {
	CreateAudit(ctx context.Context, a audit.Audit) error
	GetAudit(ctx context.Context, id string) (audit.Audit, error)
	ListAudits(ctx context.Context, status audit.Status, limit int) ([]audit.Audit, error)
	FrontierCounts(ctx context.Context, auditID string) (audit.FrontierCounts, error)
	ListFrontier(ctx context.Context, auditID string, limit int) ([]audit.FrontierURL, error)
	ListCitations(ctx context.Context, auditID string) ([]audit.CitationResult, error)
}

// Enqueuer schedules a background tick.
type Enqueuer interface {
	Enqueue(ctx context.Context, auditID, reason string) error
}

// Ticker runs a tick synchronously.
type Ticker interface {
	Tick(ctx context.Context, auditID string) (runner.Outcome, error)
}

// Sweeper runs the watchdog.
type Sweeper interface {
	Sweep(ctx context.Context) (watchdog.Report, error)
}

// Config controls request handling.
type Config struct {
	AuthEnabled     bool
	APIKey          string
	MaxPagesDefault int
	MaxPagesLimit   int
	RequestTimeout  time.Duration
}

// Deps are the server's collaborators. Ready may be nil.
type Deps struct {
	Store    Store
	Enqueuer Enqueuer
	Ticker   Ticker
	Sweeper  Sweeper
	IDs      audit.IDGenerator
	Clock    audit.Clock
	Ready    func(ctx context.Context) error
	Logger   *zap.Logger
}

// Server wires HTTP handlers to the store, queue, and runner.
type Server struct {
	router   chi.Router
	store    Store
	enqueuer Enqueuer
	ticker   Ticker
	sweeper  Sweeper
	ids      audit.IDGenerator
	clock    audit.Clock
	ready    func(ctx context.Context) error
	validate *validator.Validate
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config) (*Server, error) {
	if deps.Store == nil || deps.IDs == nil || deps.Clock == nil {
		return nil, errors.New("api server requires store, id generator, and clock")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.MaxPagesDefault <= 0 {
		cfg.MaxPagesDefault = 50
	}
	if cfg.MaxPagesLimit < cfg.MaxPagesDefault {
		cfg.MaxPagesLimit = cfg.MaxPagesDefault
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		store:    deps.Store,
		enqueuer: deps.Enqueuer,
		ticker:   deps.Ticker,
		sweeper:  deps.Sweeper,
		ids:      deps.IDs,
		clock:    deps.Clock,
		ready:    deps.Ready,
		validate: newValidator(),
		cfg:      cfg,
		logger:   deps.Logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout))
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/audits", func(r chi.Router) {
			r.Post("/", s.createAudit)
			r.Get("/", s.listAudits)
			r.Route("/{audit_id}", func(r chi.Router) {
				r.Get("/", s.getAudit)
				r.Get("/frontier", s.listFrontier)
				r.Get("/citations", s.listCitations)
				r.Post("/tick", s.tick)
			})
		})
		r.Post("/watchdog/sweep", s.sweep)
	})

	s.router = r
	return s, nil
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
