package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/sigil/internal/httputil"
)

func scopedRouter(mw func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/v1/orgs/{org}", func(r chi.Router) {
		r.Use(mw)
		r.Post("/templates", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
	})
	return r
}

func TestMiddleware_AllowsRequest(t *testing.T) {
	limiter := NewLimiter(nil)
	handler := scopedRouter(Middleware(limiter, 100, time.Minute, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/orgs/org-1/templates", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-1")

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}

	// Check rate limit headers
	if h := rec.Header().Get(headerRateLimitRequests); h != "100" {
		t.Errorf("expected X-RateLimit-Limit-Requests=100, got %s", h)
	}
	if h := rec.Header().Get(headerRateLimitRemainingRequests); h == "" {
		t.Error("expected X-RateLimit-Remaining-Requests header")
	}
	if h := rec.Header().Get(headerRateLimitReset); h == "" {
		t.Error("expected X-RateLimit-Reset-Requests header")
	}
}

func TestMiddleware_DefaultLimit(t *testing.T) {
	limiter := NewLimiter(nil)
	// Zero limit and window fall back to the defaults
	handler := scopedRouter(Middleware(limiter, 0, 0, nil))

	req := httptest.NewRequest(http.MethodPost, "/v1/orgs/org-1/templates", nil)
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-ID", "req-2")

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "60" {
		t.Errorf("expected default limit 60, got %s", h)
	}
}

func TestMiddleware_NoScope_PassThrough(t *testing.T) {
	limiter := NewLimiter(nil)
	mw := Middleware(limiter, 10, time.Minute, nil)

	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	// No chi route context, so there is no {org} param to key on
	req := httptest.NewRequest(http.MethodPost, "/v1/templates", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if !called {
		t.Error("expected handler to be called when no scope param")
	}
	if h := rec.Header().Get(headerRateLimitRequests); h != "" {
		t.Errorf("expected no rate limit headers without a scope, got %s", h)
	}
}

func TestMiddleware_RateLimitErrorFormat(t *testing.T) {
	// With nil Redis the limiter never denies. Check the deny response
	// format by calling the writer directly.
	rec := httptest.NewRecorder()
	httputil.WriteRateLimitError(rec, "req-3", "Rate limit exceeded: 60 requests per 1m0s")

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}

	var apiErr httputil.APIError
	if err := json.NewDecoder(rec.Body).Decode(&apiErr); err != nil {
		t.Fatalf("failed to decode error: %v", err)
	}
	if apiErr.Error.Code != "rate_limit_exceeded" {
		t.Errorf("expected code 'rate_limit_exceeded', got %s", apiErr.Error.Code)
	}
}

func TestMiddleware_ScopesAreIndependentBuckets(t *testing.T) {
	limiter := NewLimiter(nil)
	handler := scopedRouter(Middleware(limiter, 5, time.Minute, nil))

	for _, org := range []string{"org-a", "org-b"} {
		req := httptest.NewRequest(http.MethodPost, "/v1/orgs/"+org+"/templates", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusCreated {
			t.Errorf("org %s: expected 201, got %d", org, rec.Code)
		}
	}
}
