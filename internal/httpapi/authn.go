package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"datacat.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth requires a bearer token and attaches the resolved principal.
func (a *API) withAuth(next http.Handler) http.Handler {
	return Authenticate(a.deps.Identity, a.handleAuthError)(next)
}

// Authenticate resolves the bearer token with authn. Failures go to onError.
func Authenticate(authn auth.Authenticator, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r.Header.Get(authHeader))
			if err != nil {
				unauthorized(w, r, err.Error())
				return
			}
			principal, err := authn.WhoAmI(r.Context(), token)
			if err != nil {
				if errors.Is(err, auth.ErrUnauthorized) {
					unauthorized(w, r, "invalid token")
					return
				}
				onError(w, r, err)
				return
			}
			ctx := auth.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects principals without role. It must run after Authenticate.
func RequireRole(role auth.RoleKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, err := auth.RequireRoleFromContext(r.Context(), role); err != nil {
				if errors.Is(err, auth.ErrUnauthorized) {
					unauthorized(w, r, "unauthorized")
					return
				}
				w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
				writeError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
