package httpx

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/deploygate/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Operator string
	Roles    []string
}

const contextKeyAuth authContextKey = "deploygate-auth-info"

// Operator roles.
const (
	RoleAdmin    = "admin"
	RoleApprover = "approver"
)

type contextSetter interface {
	SetContext(context.Context)
}

// requireAuth ensures the request carries a valid operator token before invoking the handler.
func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, _, ok := r.ensureAuth(w, req)
		if !ok {
			return
		}
		if setter, ok := w.(contextSetter); ok {
			setter.SetContext(ctx)
		}
		next(w, req.WithContext(ctx))
	}
}

// requireRole rejects operators holding none of roles. It expects requireAuth upstream.
func (r *Router) requireRole(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, ok := authInfoFromContext(req.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !info.hasAny(roles...) {
			r.logger.Warn("operator lacks role", "operator", info.Operator, "path", req.URL.Path, "required", roles)
			writeError(w, http.StatusForbidden, "operator not permitted")
			return
		}
		next(w, req)
	}
}

// ensureAuth validates the bearer token and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request) (context.Context, authInfo, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil && isStreamPath(req.URL.Path) {
		// Browsers cannot set headers on websocket or EventSource requests.
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" {
			token, err = q, nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), authInfo{}, false
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), authInfo{}, false
	}
	info := authInfo{Operator: claims.Operator, Roles: claims.Roles}
	ctx := context.WithValue(req.Context(), contextKeyAuth, info)
	return ctx, info, true
}

// verifyExecutorToken ensures executor calls include the configured secret.
func (r *Router) verifyExecutorToken(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		expected := r.executorToken
		if expected == "" {
			r.logger.Error("executor token not configured", "path", req.URL.Path)
			writeError(w, http.StatusInternalServerError, "executor authentication misconfigured")
			return
		}
		token := strings.TrimSpace(req.Header.Get("X-Executor-Token"))
		if token == "" {
			token, _ = bearerToken(req.Header.Get("Authorization"))
		}
		if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			r.logger.Warn("executor token mismatch", "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, "invalid executor token")
			return
		}
		next(w, req)
	}
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	value := ctx.Value(contextKeyAuth)
	if value == nil {
		return authInfo{}, false
	}
	info, ok := value.(authInfo)
	return info, ok
}

func (a authInfo) hasAny(roles ...string) bool {
	for _, have := range a.Roles {
		if have == RoleAdmin {
			return true
		}
		for _, want := range roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func isStreamPath(path string) bool {
	return path == "/ws/events" || path == "/sse/events"
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}
