package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"carelink.org/internal/auth"
	"carelink.org/internal/authz"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth verifies the bearer token and stores the caller identity in the
// request context. Role assignments are resolved per request by the access
// pipeline, never taken from the token.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="carelink"`)
			writeAuthzError(w, r, authz.Errorf(authz.KindAuthenticationRequired, "%s", err.Error()))
			return
		}

		claims, err := a.tokens.ParseAndValidate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="carelink", error="invalid_token"`)
			writeAuthzError(w, r, authz.Errorf(authz.KindAuthenticationRequired, "invalid token"))
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requirePlatformAdmin admits callers holding a global platform admin
// assignment.
func (a *API) requirePlatformAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := auth.UserIDFromContext(r.Context())
		if !ok || userID == "" {
			writeAuthzError(w, r, authz.Errorf(authz.KindAuthenticationRequired, "caller identity is required"))
			return
		}
		admin, err := a.svc.IsPlatformAdmin(r.Context(), userID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if !admin {
			writeAuthzError(w, r, authz.Errorf(authz.KindInsufficientPermissions, "platform admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	userID, _ := auth.UserIDFromContext(r.Context())
	return userID
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
