package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Mindburn-Labs/auditchain/pkg/audit"
	"github.com/Mindburn-Labs/auditchain/pkg/export"
	"github.com/Mindburn-Labs/auditchain/pkg/ledger"
)

func TestWriteError_ContentType(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/verify", nil)
	w := httptest.NewRecorder()
	WriteError(w, req, http.StatusBadRequest, "field is missing")

	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("expected Content-Type 'application/problem+json', got %q", ct)
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	var problem ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Status != 400 || problem.Title != "Bad Request" {
		t.Errorf("unexpected problem %+v", problem)
	}
	if problem.Detail != "field is missing" {
		t.Errorf("expected detail 'field is missing', got %q", problem.Detail)
	}
	if problem.Instance != "/v1/tenants/t1/verify" {
		t.Errorf("expected instance to be the request path, got %q", problem.Instance)
	}
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/tenants/t1/tip", nil)
	w := httptest.NewRecorder()
	WriteInternal(w, req, nil, errors.New("pq: connection refused to host=10.0.0.1"))

	var problem ProblemDetail
	if err := json.NewDecoder(w.Body).Decode(&problem); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if problem.Detail == "pq: connection refused to host=10.0.0.1" {
		t.Error("internal error details leaked to client")
	}
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	WriteTooManyRequests(w, req, 30)

	if ra := w.Header().Get("Retry-After"); ra != "30" {
		t.Errorf("expected Retry-After '30', got %q", ra)
	}
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", w.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", ledger.ErrUnknownTenant), http.StatusNotFound},
		{ledger.ErrConcurrentAppendConflict, http.StatusConflict},
		{ledger.ErrNonMonotonicTimestamp, http.StatusConflict},
		{fmt.Errorf("append: %w", ledger.ErrDuplicateEventID), http.StatusConflict},
		{ledger.ErrInvalidTimestamp, http.StatusBadRequest},
		{ledger.ErrEmptyEventType, http.StatusBadRequest},
		{ledger.ErrInvalidQuery, http.StatusBadRequest},
		{audit.ErrInvalidTimeRange, http.StatusBadRequest},
		{export.ErrUnsupportedFormat, http.StatusBadRequest},
		{export.ErrInvalidFilter, http.StatusBadRequest},
		{errors.New("disk on fire"), 0},
	}
	for _, tc := range tests {
		if got := statusFor(tc.err); got != tc.want {
			t.Errorf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
