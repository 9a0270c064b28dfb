package middleware

import (
	"context"

	"github.com/mrs-federation/mrs/internal/auth"
)

type ctxKey int

const (
	ctxKeyRequestID ctxKey = iota
	ctxKeyIdentity
)

func setRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// GetRequestID returns the request id stashed by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyRequestID).(string)
	return v
}

func setIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// GetIdentity returns the caller identity attached by RequireAuth,
// RequireAdmin, or RequirePeerSignature, or nil if the request carries
// none.
func GetIdentity(ctx context.Context) *auth.Identity {
	v, _ := ctx.Value(ctxKeyIdentity).(*auth.Identity)
	return v
}
