package middleware

import (
	"net/http"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/observability/logger"
)

// WithRecover converts a panic in a handler into a 500 internal response
// instead of tearing down the whole server process.
func WithRecover() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.From(r.Context()).Error("panic recovered", logger.Any("panic", rec))
					apierr.WriteError(w, apierr.ErrInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
