package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/answerability-auditor/internal/audit"
)

const (
	defaultListLimit     = 50
	maxListLimit         = 500
	defaultFrontierLimit = 200
	maxFrontierLimit     = 2000
	enqueueTimeout       = 5 * time.Second
)

type createAuditRequest struct {
	Domain   string   `json:"domain" validate:"required,fqdn"`
	MaxPages *int     `json:"max_pages" validate:"omitempty,min=1"`
	Queries  []string `json:"queries" validate:"omitempty,max=25,dive,required,max=500"`
}

type createAuditResponse struct {
	AuditID string `json:"audit_id"`
	Status  string `json:"status"`
	Phase   string `json:"phase"`
}

// createAudit handles POST /v1/audits. The audit starts in init and a tick
// is enqueued; if the queue refuses it the scheduler picks the audit up.
func (s *Server) createAudit(w http.ResponseWriter, r *http.Request) {
	var req createAuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.Domain = audit.NormalizeDomain(req.Domain)
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	maxPages := s.cfg.MaxPagesDefault
	if req.MaxPages != nil {
		maxPages = *req.MaxPages
	}
	if maxPages > s.cfg.MaxPagesLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("max_pages must be <= %d", s.cfg.MaxPagesLimit))
		return
	}

	id, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate audit id")
		return
	}
	a := audit.New(id, req.Domain, maxPages, req.Queries, s.clock.Now())
	if err := s.store.CreateAudit(r.Context(), a); err != nil {
		s.logger.Error("create audit failed", zap.String("domain", a.Domain), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create audit")
		return
	}
	if s.enqueuer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
		defer cancel()
		if err := s.enqueuer.Enqueue(ctx, id, "api"); err != nil {
			s.logger.Warn("initial tick not enqueued", zap.String("audit_id", id), zap.Error(err))
		}
	}
	s.logger.Info("audit created", zap.String("audit_id", id), zap.String("domain", a.Domain), zap.Int("max_pages", maxPages))
	writeJSON(w, http.StatusAccepted, createAuditResponse{AuditID: id, Status: string(a.Status), Phase: string(a.Phase)})
}

// listAudits handles GET /v1/audits?status=&limit=.
func (s *Server) listAudits(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	audits, err := s.store.ListAudits(r.Context(), status, limit)
	if err != nil {
		s.logger.Error("list audits failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list audits")
		return
	}
	if audits == nil {
		audits = []audit.Audit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": audits})
}

// getAudit handles GET /v1/audits/{audit_id}.
func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	counts, err := s.store.FrontierCounts(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("frontier counts failed", zap.String("audit_id", a.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to count frontier")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": a, "frontier": counts})
}

// listFrontier handles GET /v1/audits/{audit_id}/frontier?limit=.
func (s *Server) listFrontier(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultFrontierLimit, maxFrontierLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListFrontier(r.Context(), a.ID, limit)
	if err != nil {
		s.logger.Error("list frontier failed", zap.String("audit_id", a.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list frontier")
		return
	}
	if rows == nil {
		rows = []audit.FrontierURL{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"frontier": rows})
}

// listCitations handles GET /v1/audits/{audit_id}/citations.
func (s *Server) listCitations(w http.ResponseWriter, r *http.Request) {
	a, ok := s.loadAudit(w, r)
	if !ok {
		return
	}
	results, err := s.store.ListCitations(r.Context(), a.ID)
	if err != nil {
		s.logger.Error("list citations failed", zap.String("audit_id", a.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list citations")
		return
	}
	if results == nil {
		results = []audit.CitationResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"citations": results})
}

// tick handles POST /v1/audits/{audit_id}/tick and runs one tick inline.
func (s *Server) tick(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		writeError(w, http.StatusServiceUnavailable, "tick runner unavailable")
		return
	}
	id := chi.URLParam(r, "audit_id")
	out, err := s.ticker.Tick(r.Context(), id)
	switch {
	case errors.Is(err, audit.ErrNotFound):
		writeError(w, http.StatusNotFound, "audit not found")
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "outcome": out})
	default:
		writeJSON(w, http.StatusOK, out)
	}
}

// sweep handles POST /v1/watchdog/sweep.
func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "watchdog unavailable")
		return
	}
	rep, err := s.sweeper.Sweep(r.Context())
	if err != nil {
		s.logger.Error("watchdog sweep failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "watchdog sweep failed")
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) loadAudit(w http.ResponseWriter, r *http.Request) (audit.Audit, bool) {
	id := chi.URLParam(r, "audit_id")
	a, err := s.store.GetAudit(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, http.StatusNotFound, "audit not found")
		return audit.Audit{}, false
	}
	if err != nil {
		s.logger.Error("get audit failed", zap.String("audit_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load audit")
		return audit.Audit{}, false
	}
	return a, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "fqdn":
		return field + " must be a fully qualified domain name"
	case "min", "max":
		return fmt.Sprintf("%s fails %s=%s", field, fe.Tag(), fe.Param())
	default:
		return field + " is invalid"
	}
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	if val > maxLimit {
		val = maxLimit
	}
	return val, nil
}

func parseStatus(input string) (audit.Status, error) {
	switch strings.ToLower(input) {
	case "", "running":
		return audit.StatusRunning, nil
	case "completed":
		return audit.StatusCompleted, nil
	case "failed":
		return audit.StatusFailed, nil
	default:
		return "", errors.New("invalid status")
	}
}
