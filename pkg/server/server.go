// Package server is the HTTP API in front of the auditor.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sameehj/sextant/pkg/decision"
	"github.com/sameehj/sextant/pkg/isr"
	"github.com/sameehj/sextant/pkg/store"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 20
)

// Auditor is implemented by *isr.Auditor.
type Auditor interface {
	Audit(ctx context.Context, auditContext, proposedDecision string) (isr.Result, error)
}

// Recorder is implemented by *store.FileStore.
type Recorder interface {
	Save(rec *store.Record) error
	Load(id string) (*store.Record, error)
	List(limit int) ([]store.Record, error)
}

// Options wires the optional collaborators. Nil fields disable the routes
// that need them.
type Options struct {
	Source   decision.Source
	Recorder Recorder
	Gatherer prometheus.Gatherer
	MCP      http.Handler
	Version  string
}

type Server struct {
	addr    string
	auditor Auditor
	opts    Options
	started time.Time
	logger  *slog.Logger
	router  *mux.Router
}

func New(addr string, auditor Auditor, opts Options) *Server {
	s := &Server{addr: addr, auditor: auditor, opts: opts, started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	if s.opts.MCP != nil {
		r.Handle("/mcp", s.opts.MCP).Methods(http.MethodPost)
	}

	api := r.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/audit", s.handleAudit).Methods(http.MethodPost)
	api.HandleFunc("/decide", s.handleDecide).Methods(http.MethodPost)
	api.HandleFunc("/audits", s.handleListAudits).Methods(http.MethodGet)
	api.HandleFunc("/audits/{id}", s.handleGetAudit).Methods(http.MethodGet)

	r.Use(s.logRequests)
	return r
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logError("http_shutdown_failed", "error", err)
		}
	}()

	s.logInfo("http_listening", "addr", s.addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type auditRequest struct {
	Context          string `json:"context"`
	ProposedDecision string `json:"proposed_decision"`
}

type auditResponse struct {
	AuditID string `json:"audit_id,omitempty"`
	isr.Result
}

type decideRequest struct {
	Case decision.Case `json:"case"`
}

type decideResponse struct {
	AuditID  string            `json:"audit_id,omitempty"`
	Proposal decision.Proposal `json:"proposal"`
	Audit    isr.Result        `json:"audit"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.opts.Version,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := s.auditor.Audit(r.Context(), req.Context, req.ProposedDecision)
	if err != nil {
		s.writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, auditResponse{
		AuditID: s.record("http", req.Context, req.ProposedDecision, res),
		Result:  res,
	})
}

func (s *Server) handleDecide(w http.ResponseWriter, r *http.Request) {
	if s.opts.Source == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no decision source configured"))
		return
	}
	var req decideRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	proposal, err := s.opts.Source.Decide(r.Context(), req.Case)
	if err != nil {
		s.logWarn("decide_failed", "case", req.Case.ID, "error", err)
		writeError(w, http.StatusBadGateway, err)
		return
	}
	auditContext := req.Case.Describe()
	res, err := s.auditor.Audit(r.Context(), auditContext, proposal.Decision)
	if err != nil {
		s.writeAuditError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decideResponse{
		AuditID:  s.record("http", auditContext, proposal.Decision, res),
		Proposal: proposal,
		Audit:    res,
	})
}

func (s *Server) handleListAudits(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, errors.New("audit store disabled"))
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}
	records, err := s.opts.Recorder.List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if records == nil {
		records = []store.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"audits": records})
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Recorder == nil {
		writeError(w, http.StatusNotFound, errors.New("audit store disabled"))
		return
	}
	rec, err := s.opts.Recorder.Load(mux.Vars(r)["id"])
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// record persists the audit and returns its ID, or "" when the store is
// disabled or the write failed.
func (s *Server) record(origin, auditContext, proposed string, res isr.Result) string {
	if s.opts.Recorder == nil {
		return ""
	}
	rec := store.NewRecord(origin, auditContext, proposed, res)
	if err := s.opts.Recorder.Save(&rec); err != nil {
		s.logError("audit_record_failed", "error", err)
		return ""
	}
	return rec.ID
}

func (s *Server) writeAuditError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, isr.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, isr.ErrTimeout):
		status = http.StatusGatewayTimeout
	}
	s.logWarn("audit_request_failed", "status", status, "error", err)
	writeError(w, status, err)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/health") {
			return
		}
		s.logInfo("http_request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

func (s *Server) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Server) logWarn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Server) logError(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, args...)
	}
}
