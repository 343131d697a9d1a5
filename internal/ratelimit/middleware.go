package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/af-corp/sigil/internal/httputil"
	"github.com/af-corp/sigil/internal/telemetry"
)

const (
	defaultLimit  = 60
	defaultWindow = time.Minute

	headerRateLimitRequests          = "X-RateLimit-Limit-Requests"
	headerRateLimitRemainingRequests = "X-RateLimit-Remaining-Requests"
	headerRateLimitReset             = "X-RateLimit-Reset-Requests"
	headerRetryAfter                 = "Retry-After"
)

// Middleware returns chi middleware that throttles requests per scope. The
// scope comes from the {org} route parameter, so the middleware must sit
// inside a route that carries one.
func Middleware(limiter *Limiter, limit int64, window time.Duration, metrics *telemetry.Metrics) func(http.Handler) http.Handler {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := w.Header().Get("X-Request-ID")

			scope := chi.URLParam(r, "org")
			if scope == "" {
				// No scope in the route, nothing to key the bucket on.
				next.ServeHTTP(w, r)
				return
			}

			key := fmt.Sprintf("mint:%s", scope)
			result, _ := limiter.Check(r.Context(), key, limit, window)

			// Always set rate limit headers
			w.Header().Set(headerRateLimitRequests, strconv.FormatInt(limit, 10))
			w.Header().Set(headerRateLimitRemainingRequests, strconv.FormatInt(result.Remaining, 10))
			w.Header().Set(headerRateLimitReset, result.ResetAt.Format(time.RFC3339))

			if !result.Allowed {
				slog.Warn("rate limit exceeded",
					"request_id", reqID,
					"scope", scope,
					"limit", limit,
				)
				if metrics != nil {
					metrics.RecordRateLimitHit(scope)
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(int(result.RetryAfter.Seconds())))
				httputil.WriteRateLimitError(w, reqID,
					fmt.Sprintf("Rate limit exceeded: %d requests per %s. Retry after %s", limit, window, result.ResetAt.Format(time.RFC3339)))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
