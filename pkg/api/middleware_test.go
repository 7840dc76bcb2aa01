package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantRateLimiter_PerTenantBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewTenantRateLimiter(1, 2)
	rl.now = func() time.Time { return now }

	// Burst of two for each tenant.
	for i := 0; i < 2; i++ {
		ok, _ := rl.Allow("tenant-a")
		assert.True(t, ok, "within burst")
	}
	ok, wait := rl.Allow("tenant-a")
	assert.False(t, ok, "exceeded burst")
	assert.Greater(t, wait, time.Duration(0))

	ok, _ = rl.Allow("tenant-b")
	assert.True(t, ok, "other tenants have their own bucket")

	now = now.Add(1100 * time.Millisecond)
	ok, _ = rl.Allow("tenant-a")
	assert.True(t, ok, "token refilled")
}

func TestTenantRateLimiter_Disabled(t *testing.T) {
	rl := NewTenantRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		ok, _ := rl.Allow("t")
		require.True(t, ok)
	}
	var nilLimiter *TenantRateLimiter
	ok, _ := nilLimiter.Allow("t")
	assert.True(t, ok)
}

func TestTenantRateLimiter_Evict(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewTenantRateLimiter(5, 5)
	rl.now = func() time.Time { return now }

	rl.Allow("old")
	now = now.Add(2 * time.Minute)
	rl.Allow("recent")
	require.Equal(t, 2, rl.size())

	rl.evict(now.Add(2 * time.Minute))
	assert.Equal(t, 1, rl.size())
}

func TestTenantRateLimiter_Middleware(t *testing.T) {
	rl := NewTenantRateLimiter(1, 1)
	r := chi.NewRouter()
	r.With(rl.Middleware).Get("/v1/tenants/{tenantID}/tip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	do := func(tenant string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/tenants/"+tenant+"/tip", nil))
		return w
	}

	assert.Equal(t, http.StatusOK, do("t1").Code)
	limited := do("t1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusOK, do("t2").Code)
}
