// Package api serves the audit chain over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Mindburn-Labs/auditchain/pkg/audit"
	"github.com/Mindburn-Labs/auditchain/pkg/canonicalize"
	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
)

// ProblemDetail is an RFC 7807 error body. Every error response uses it.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request ID assigned by the router.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes a problem detail for r.
func WriteError(w http.ResponseWriter, r *http.Request, status int, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://auditchain.dev/errors/%d", status),
		Title:  http.StatusText(status),
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = middleware.GetReqID(r.Context())
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteTooManyRequests writes a 429 with a Retry-After header in seconds.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "rate limit exceeded for tenant")
}

// WriteInternal logs err and writes a 500 that does not reveal it.
func WriteInternal(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "an unexpected error occurred")
}

// statusFor maps a domain error to its HTTP status. Zero means internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrUnknownTenant):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrConcurrentAppendConflict),
		errors.Is(err, ledger.ErrNonMonotonicTimestamp),
		errors.Is(err, ledger.ErrDuplicateEventID):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrEmptyTenant),
		errors.Is(err, ledger.ErrEmptyEventType),
		errors.Is(err, ledger.ErrTenantMismatch),
		errors.Is(err, ledger.ErrInvalidQuery),
		errors.Is(err, ledger.ErrInvalidTimestamp),
		errors.Is(err, canonicalize.ErrSerialization),
		errors.Is(err, audit.ErrEmptyTenantID),
		errors.Is(err, audit.ErrInvalidTimeRange),
		errors.Is(err, export.ErrUnsupportedFormat),
		errors.Is(err, export.ErrInvalidFilter):
		return http.StatusBadRequest
	}
	return 0
}

// writeServiceError writes the problem detail for an error returned by the
// audit service.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if status := statusFor(err); status != 0 {
		WriteError(w, r, status, err.Error())
		return
	}
	WriteInternal(w, r, s.logger, err)
}
