package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/auditchain/pkg/audit"
	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
	"github.com/Mindburn-Labs/auditchain/pkg/observability"
)

const maxBodyBytes = 1 << 20

// Server routes HTTP requests to an audit.Service.
type Server struct {
	svc      *audit.Service
	limiter  *TenantRateLimiter
	provider *observability.Provider
	logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimiter enables per-tenant rate limiting.
func WithRateLimiter(rl *TenantRateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithProvider records spans and metrics for every tenant request.
func WithProvider(p *observability.Provider) ServerOption {
	return func(s *Server) { s.provider = p }
}

// WithServerLogger sets the logger used for internal errors.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates a Server over svc.
func NewServer(svc *audit.Service, opts ...ServerOption) *Server {
	s := &Server{svc: svc, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusNotFound, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusMethodNotAllowed, "method not supported for this route")
	})

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1/tenants/{tenantID}", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if s.provider != nil {
				r.Use(tracing(s.provider))
			}
			r.Use(s.limiter.Middleware)

			r.Post("/events", s.handleAppend)
			r.Get("/events", s.handleEvents)
			r.Get("/tip", s.handleTip)
			r.Get("/verify", s.handleVerify)
			r.Get("/export", s.handleExport)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// appendBody is the POST /events body. The tenant comes from the path.
type appendBody struct {
	EventType ledger.EventType `json:"event_type"`
	Payload   ledger.Payload   `json:"payload"`
	Timestamp *time.Time       `json:"timestamp,omitempty"`
	ID        string           `json:"id,omitempty"`
	Genesis   bool             `json:"genesis,omitempty"`
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()

	var body appendBody
	if err := dec.Decode(&body); err != nil {
		WriteError(w, r, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		WriteError(w, r, http.StatusBadRequest, "invalid request body: trailing data after JSON object")
		return
	}

	req := ledger.AppendRequest{
		TenantID:  chi.URLParam(r, "tenantID"),
		EventType: body.EventType,
		Payload:   body.Payload,
		ID:        body.ID,
		Genesis:   body.Genesis,
	}
	if body.Timestamp != nil {
		req.Timestamp = *body.Timestamp
	}

	ev, err := s.svc.Append(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

// window holds the from/to/limit query parameters.
type window struct {
	from, to *time.Time
	limit    int
}

func parseWindow(r *http.Request) (window, error) {
	q := r.URL.Query()
	var win window
	var err error
	if win.from, err = parseTime(q.Get("from")); err != nil {
		return window{}, fmt.Errorf("from: %w", err)
	}
	if win.to, err = parseTime(q.Get("to")); err != nil {
		return window{}, fmt.Errorf("to: %w", err)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return window{}, fmt.Errorf("limit: %q is not a non-negative integer", v)
		}
		win.limit = n
	}
	return win, nil
}

func parseTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.svc.Events(r.Context(), chi.URLParam(r, "tenantID"), win.from, win.to, win.limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleTip(w http.ResponseWriter, r *http.Request) {
	tip, err := s.svc.Tip(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tip.IsZero() {
		WriteError(w, r, http.StatusNotFound, "tenant has no events")
		return
	}
	writeJSON(w, http.StatusOK, tip)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.svc.Verify(r.Context(), audit.VerifyRequest{
		TenantID: chi.URLParam(r, "tenantID"),
		From:     win.from,
		To:       win.to,
		Limit:    win.limit,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	// An invalid chain is a successful verification with findings.
	writeJSON(w, http.StatusOK, resp.Result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(export.FormatCSV)
	}

	resp, err := s.svc.Export(r.Context(), audit.ExportRequest{
		TenantID: chi.URLParam(r, "tenantID"),
		Format:   export.Format(format),
		From:     win.from,
		To:       win.to,
		Limit:    win.limit,
		Filter:   r.URL.Query().Get("filter"),
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": resp.Filename}))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.Header().Set("X-Audit-Event-Count", strconv.Itoa(resp.EventCount))
	if resp.Checksum != "" {
		w.Header().Set("X-Audit-Checksum", "sha256:"+resp.Checksum)
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Body); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.WarnContext(r.Context(), "export write failed", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
