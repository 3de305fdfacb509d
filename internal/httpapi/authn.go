package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"anonchat.org/internal/identity"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

var publicPaths = []string{
	"/",
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/auth",
	"/v1/auth/dev",
	"/v1/auth/refresh",
	"/v1/users/check-name",
}

// withAuth resolves the bearer token into a live user record and installs it
// on the request context. The embedded status snapshot is never trusted; the
// record read here is.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := a.cfg.Tokens.VerifyAccess(raw)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		u, err := a.cfg.Users.FindByID(r.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, identity.ErrNotFound) {
				writeError(w, r, http.StatusUnauthorized, "unknown user")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		next.ServeHTTP(w, r.WithContext(identity.ContextWithUser(r.Context(), u)))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	raw := strings.TrimSpace(header[len(bearer):])
	if raw == "" {
		return "", errors.New("missing bearer token")
	}
	return raw, nil
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
