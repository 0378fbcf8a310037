package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.gearno.de/throttle/memstore"
	"go.gearno.de/throttle/policy"
	"go.gearno.de/throttle/ratelimit"
)

func newTestLimiter(t *testing.T, maxRequests int, window time.Duration) *ratelimit.Limiter {
	t.Helper()

	registry, err := policy.NewRegistry(
		policy.Policy{Classification: policy.DefaultClassification, MaxRequests: maxRequests, Window: window},
		policy.Policy{Classification: "auth", MaxRequests: 1, Window: window},
	)
	require.NoError(t, err)

	return ratelimit.NewLimiter(
		registry,
		memstore.New(),
		ratelimit.WithRegisterer(prometheus.NewRegistry()),
	)
}

func TestRateLimit_HeadersOnEveryResponse(t *testing.T) {
	limiter := newTestLimiter(t, 3, time.Minute)
	classifier := policy.NewClassifier(policy.DefaultRoutes()...)

	handler := RateLimit(limiter, classifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/things", nil)
	req.RemoteAddr = "192.0.2.1:51234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimit_RejectsWith429(t *testing.T) {
	limiter := newTestLimiter(t, 1, time.Minute)
	classifier := policy.NewClassifier(policy.DefaultRoutes()...)

	handlerCalls := 0
	handler := RateLimit(limiter, classifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalls++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/things", nil)
	req.RemoteAddr = "192.0.2.1:51234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// The second request exceeds the quota and must not reach the
	// wrapped handler.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 1, handlerCalls)
	assert.Equal(t, "application/json; charset=utf-8", rec.Header().Get("content-type"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Rate limit exceeded", body["error"])
	assert.Contains(t, body["message"], "retry in 60s")
	assert.Equal(t, float64(60), body["retryAfter"])
}

func TestRateLimit_ClassifiesByPath(t *testing.T) {
	limiter := newTestLimiter(t, 100, time.Minute)
	classifier := policy.NewClassifier(policy.DefaultRoutes()...)

	handler := RateLimit(limiter, classifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// The auth policy in the test registry allows a single request.
	req := httptest.NewRequest("POST", "/api/auth/login", nil)
	req.RemoteAddr = "192.0.2.1:51234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// The generous default policy still admits the same caller on
	// unclassified paths.
	req = httptest.NewRequest("GET", "/api/things", nil)
	req.RemoteAddr = "192.0.2.1:51234"

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_UserIDPartitionsCounters(t *testing.T) {
	limiter := newTestLimiter(t, 1, time.Minute)
	classifier := policy.NewClassifier(policy.DefaultRoutes()...)

	handler := RateLimit(
		limiter,
		classifier,
		WithUserIDFunc(func(r *http.Request) string {
			return r.Header.Get("x-user-id")
		}),
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Two authenticated users behind the same address get separate
	// windows.
	for _, user := range []string{"alice", "bob"} {
		req := httptest.NewRequest("GET", "/api/things", nil)
		req.RemoteAddr = "192.0.2.1:51234"
		req.Header.Set("x-user-id", user)

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "first request for %s", user)

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code, "second request for %s", user)
	}
}
