package middleware

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/rate"
)

// ownerWriteLimit and ownerWriteWindow bound how many spatial writes
// (register/release) a single authenticated owner may make, independent of
// and in addition to the per-IP limit WithRateLimit already applies.
const (
	ownerWriteLimit  = 30
	ownerWriteWindow = time.Minute
)

// WithOwnerRateLimit throttles per-owner-subject on top of whatever
// per-IP/per-identity limit already ran earlier in the chain, so rotating
// source addresses can't be used to outrun the limit on a single stolen or
// abused identity. Runs after the auth middleware so GetIdentity is set; a
// request with no identity in context (shouldn't happen behind
// RequireAuth) passes through untouched.
func WithOwnerRateLimit(limiter rate.MultiLimiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := GetIdentity(r.Context())
			if limiter == nil || id == nil {
				next.ServeHTTP(w, r)
				return
			}

			res, err := limiter.AllowWithLimits(r.Context(), "owner:"+id.Subject, ownerWriteLimit, ownerWriteWindow)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
				apierr.WriteError(w, apierr.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithRateLimit throttles per-client-IP (or, once authenticated, per
// identity subject) using the shared fixed-window limiter.
func WithRateLimit(limiter rate.Limiter) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := clientIP(r)
			if id := GetIdentity(r.Context()); id != nil {
				key = id.Subject
			}

			res, err := limiter.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
			if !res.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())))
				apierr.WriteError(w, apierr.ErrRateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
