// Package router wires every controller onto the public HTTP surface:
// spatial registration, federated sync, local identity, and well-known
// discovery, each behind the middleware chain its auth tier requires.
package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	adminctl "github.com/mrs-federation/mrs/internal/http/controller/admin"
	authctl "github.com/mrs-federation/mrs/internal/http/controller/auth"
	registryctl "github.com/mrs-federation/mrs/internal/http/controller/registry"
	syncctl "github.com/mrs-federation/mrs/internal/http/controller/sync"
	wellknownctl "github.com/mrs-federation/mrs/internal/http/controller/wellknown"
	"github.com/mrs-federation/mrs/internal/http/middleware"

	"github.com/mrs-federation/mrs/internal/auth"
	"github.com/mrs-federation/mrs/internal/rate"
	"github.com/mrs-federation/mrs/internal/store"
)

// Deps bundles everything routes need: one controller per domain surface,
// the shared auth service for token/signature verification, and the
// cross-cutting concerns (CORS origins, rate limiter, admin allowlist).
type Deps struct {
	Registry  *registryctl.Controller
	WellKnown *wellknownctl.Controller
	Auth      *authctl.Controller
	Sync      *syncctl.Controller
	Admin     *adminctl.Controller

	AuthService *auth.Service
	Users       store.UserStore
	AdminEmail  string

	CORSOrigins  []string
	RateLimiter  rate.Limiter
	MultiLimiter rate.MultiLimiter
}

// New builds the MRS HTTP surface: one net/http.ServeMux, wired per the
// route table (method, path, auth tier) with Recover/RequestID/Logging on
// every route and RateLimit on the registry (/register, /release, /search)
// and /auth/* routes; the well-known, sync and admin routes are not rate
// limited.
func New(d Deps) http.Handler {
	mux := http.NewServeMux()

	base := []middleware.Middleware{middleware.WithRecover(), middleware.WithRequestID(), middleware.WithLogging()}
	withRate := append(append([]middleware.Middleware{}, base...), middleware.WithRateLimit(d.RateLimiter))
	required := append(append([]middleware.Middleware{}, withRate...), middleware.RequireAuth(d.AuthService))
	peer := append(append([]middleware.Middleware{}, base...), middleware.RequirePeerSignature(d.AuthService))
	admin := append(append([]middleware.Middleware{}, base...), middleware.RequireAdmin(d.AuthService, d.Users, d.AdminEmail))

	// /register and /release additionally get a second, owner-scoped limit
	// tier on top of the per-IP one withRate already applies, so one
	// compromised client identity can't outrun the rate limit by rotating
	// source addresses.
	write := append(append([]middleware.Middleware{}, required...), middleware.WithOwnerRateLimit(d.MultiLimiter))

	mux.Handle("POST /register", middleware.Chain(http.HandlerFunc(d.Registry.Register), write...))
	mux.Handle("POST /release", middleware.Chain(http.HandlerFunc(d.Registry.Release), write...))
	mux.Handle("POST /search", middleware.Chain(http.HandlerFunc(d.Registry.Search), withRate...))

	mux.Handle("GET /.well-known/mrs", middleware.Chain(http.HandlerFunc(d.WellKnown.Metadata), base...))
	mux.Handle("GET /.well-known/mrs/keys/{identity}", middleware.Chain(http.HandlerFunc(d.WellKnown.Keys), base...))

	mux.Handle("POST /auth/register", middleware.Chain(http.HandlerFunc(d.Auth.Register), withRate...))
	mux.Handle("POST /auth/login", middleware.Chain(http.HandlerFunc(d.Auth.Login), withRate...))
	mux.Handle("GET /auth/me", middleware.Chain(http.HandlerFunc(d.Auth.Me), required...))

	mux.Handle("GET /sync/snapshot", middleware.Chain(http.HandlerFunc(d.Sync.Snapshot), peer...))
	mux.Handle("GET /sync/changes", middleware.Chain(http.HandlerFunc(d.Sync.Changes), peer...))

	mux.Handle("POST /admin/peers", middleware.Chain(http.HandlerFunc(d.Admin.AddPeer), admin...))

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	if len(d.CORSOrigins) > 0 {
		handler = middleware.WithCORS(d.CORSOrigins)(handler)
	}
	return handler
}
