package httpapi

import (
	"context"
	"errors"
	"net/http"

	"telemedic.org/internal/auth"
)

const authHeader = "Authorization"

// Gateway validates bearer credentials. *auth.Validator is the production
// implementation.
type Gateway interface {
	Authorize(ctx context.Context, header string) (*auth.Claims, error)
}

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/",
}

func (a *API) withAuth(next http.Handler) http.Handler {
	if a == nil || a.gate == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := a.gate.Authorize(r.Context(), r.Header.Get(authHeader))
		if err != nil {
			unauthorized(w, r, err)
			return
		}

		ctx := auth.ContextWithClaims(r.Context(), claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireScope enforces a scope on an already authenticated request. With
// the gateway disabled every request passes.
func (a *API) requireScope(w http.ResponseWriter, r *http.Request, scope string) bool {
	if a.gate == nil {
		return true
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, &auth.Error{Kind: auth.KindInvalidClaims, Message: "no verified claims"})
		return false
	}
	if !claims.HasScope(scope) {
		writeError(w, r, http.StatusForbidden, "insufficient scope: "+scope+" is required")
		return false
	}
	return true
}

// unauthorized maps every gateway rejection to 401 with the machine-readable
// kind; the message never echoes token contents.
func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	kind, ok := auth.KindOf(err)
	if !ok {
		kind = auth.KindInvalidClaims
	}
	msg := "invalid token"
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		msg = authErr.Message
	}
	payload := map[string]any{
		"error": msg,
		"code":  string(kind),
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeJSON(w, http.StatusUnauthorized, payload)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
