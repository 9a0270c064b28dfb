package middleware

import (
	"net/http"
	"strings"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/auth"
)

// RequireAuth validates either an Authorization: Bearer token or an RFC
// 9421 HTTP Message Signature, whichever the caller presents, and attaches
// the resulting Identity to the context. Every protected operation besides
// peer-to-peer sync (which also binds the caller to a specific peer via
// RequirePeerSignature) goes through this rather than a bearer-only check,
// so a federated identity can act without ever holding a bearer token.
func RequireAuth(svc *auth.Service) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := strings.TrimSpace(r.Header.Get("Authorization"))
			if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				raw := strings.TrimSpace(ah[len("Bearer "):])
				id, err := svc.AuthenticateBearer(r.Context(), raw)
				if err != nil {
					w.Header().Set("WWW-Authenticate", `Bearer realm="mrs", error="invalid_token"`)
					apierr.WriteError(w, apierr.ErrUnauthorized.WithCause(err))
					return
				}
				next.ServeHTTP(w, r.WithContext(setIdentity(r.Context(), id)))
				return
			}

			if r.Header.Get("Signature-Input") != "" {
				id, err := svc.VerifySignature(r.Context(), r)
				if err != nil {
					apierr.WriteError(w, apierr.ErrUnauthorized.WithCause(err))
					return
				}
				next.ServeHTTP(w, r.WithContext(setIdentity(r.Context(), id)))
				return
			}

			w.Header().Set("WWW-Authenticate", `Bearer realm="mrs"`)
			apierr.WriteError(w, apierr.ErrUnauthorized)
		})
	}
}

// RequirePeerSignature validates the RFC 9421 HTTP Message Signature on an
// inbound federation request, claiming originServer as the caller's
// identity. Used by the sync snapshot/delta endpoints.
func RequirePeerSignature(svc *auth.Service) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claimed := strings.TrimSpace(r.Header.Get("X-MRS-Origin-Server"))
			if claimed == "" {
				apierr.WriteError(w, apierr.ErrUnauthorized)
				return
			}
			id, err := svc.VerifyPeerSignature(r.Context(), r, claimed)
			if err != nil {
				apierr.WriteError(w, apierr.ErrUnauthorized.WithCause(err))
				return
			}
			next.ServeHTTP(w, r.WithContext(setIdentity(r.Context(), id)))
		})
	}
}
