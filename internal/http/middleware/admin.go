package middleware

import (
	"net/http"
	"strings"

	"github.com/mrs-federation/mrs/internal/apierr"
	"github.com/mrs-federation/mrs/internal/auth"
	"github.com/mrs-federation/mrs/internal/store"
)

// RequireAdmin authenticates the bearer token, then
// additionally restricts access to the local user whose email's local part
// matches adminEmail's local part — an explicit single-operator allowlist
// rather than a scope or role stored alongside the account.
func RequireAdmin(svc *auth.Service, users store.UserStore, adminEmail string) Middleware {
	adminLocal := localPart(adminEmail)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ah := strings.TrimSpace(r.Header.Get("Authorization"))
			if ah == "" || !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mrs"`)
				apierr.WriteError(w, apierr.ErrUnauthorized)
				return
			}
			raw := strings.TrimSpace(ah[len("Bearer "):])

			id, err := svc.AuthenticateBearer(r.Context(), raw)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="mrs", error="invalid_token"`)
				apierr.WriteError(w, apierr.ErrUnauthorized.WithCause(err))
				return
			}

			if adminLocal == "" {
				apierr.WriteError(w, apierr.ErrForbidden)
				return
			}

			u, err := users.GetUserBySubject(r.Context(), id.Subject)
			if err != nil || localPart(u.Email) != adminLocal {
				apierr.WriteError(w, apierr.ErrForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(setIdentity(r.Context(), id)))
		})
	}
}

func localPart(email string) string {
	i := strings.IndexByte(email, '@')
	if i < 0 {
		return strings.ToLower(email)
	}
	return strings.ToLower(email[:i])
}
