package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/tabprep/internal/api/response"
	"github.com/kiranshivaraju/tabprep/internal/metrics"
	"github.com/kiranshivaraju/tabprep/internal/ratelimit"
)

// RateLimit applies the per-plan fixed window limit to authenticated tenants.
type RateLimit struct {
	limiter ratelimit.Limiter
	limits  ratelimit.Limits
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRateLimit creates a new RateLimit middleware. m may be nil.
func NewRateLimit(l ratelimit.Limiter, limits ratelimit.Limits, m *metrics.Metrics) *RateLimit {
	return &RateLimit{limiter: l, limits: limits, metrics: m, now: time.Now}
}

// Limit counts the request against the tenant set by the auth middleware.
func (rl *RateLimit) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := GetTenantID(r)
		if !ok {
			// auth did not run
			next.ServeHTTP(w, r)
			return
		}

		plan := GetPlan(r)
		limit := rl.limits.For(plan)
		d, err := rl.limiter.Allow(r.Context(), tenantID.String(), limit)
		if err != nil {
			// fail open
			slog.Warn("rate limiter unavailable", "client_id", tenantID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			if rl.metrics != nil {
				rl.metrics.RateLimited.WithLabelValues(plan).Inc()
			}
			retry := d.RetryAfter(rl.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			response.Error(w, http.StatusTooManyRequests,
				"RATE_LIMITED", "Too many requests", map[string]any{
					"limit":       d.Limit,
					"retry_after": int(retry / time.Second),
				})
			return
		}

		next.ServeHTTP(w, r)
	})
}
