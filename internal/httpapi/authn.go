package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"gatehouse.dev/internal/identity"
)

const (
	authHeader    = "Authorization"
	bearer        = "Bearer "
	sessionCookie = "gatehouse_session"
)

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/signup",
	"/login",
	"/logout",
	"/token",
	"/refresh",
	"/verify-email",
	"/password-reset/request",
	"/password-reset/confirm",
	"/",
}

// withAuth resolves the caller's principal from a bearer token or the
// session cookie. Requests to non-public paths without a valid
// credential stop here with 401.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if header := r.Header.Get(authHeader); header != "" {
			raw, err := extractBearerToken(header)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err.Error())
				return
			}
			principal, err := a.svc.AuthenticateAPIToken(raw)
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
			ctx := identity.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			principal, err := a.svc.AuthenticateSession(c.Value)
			if err != nil {
				handleIdentityError(w, r, err)
				return
			}
			ctx := identity.ContextWithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		writeError(w, r, http.StatusUnauthorized, "missing credentials")
	})
}

// requirePrincipal returns the authenticated caller, writing 401 when
// the request carried none.
func requirePrincipal(w http.ResponseWriter, r *http.Request) (identity.Principal, bool) {
	principal, ok := identity.PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "missing credentials")
		return identity.Principal{}, false
	}
	return principal, true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
