// Package rbac guards administrative routes with decisions from the
// authorization engine itself.
package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/platform/httpx"
)

// Identity headers set by the gateway for service-to-service calls.
const (
	UserHeader   = "X-User-Id"
	TenantHeader = "X-Tenant-Id"
)

// Authorizer answers coarse permission checks for the middleware.
type Authorizer interface {
	HasPermission(ctx context.Context, userID, tenantID uuid.UUID, resource, action string) bool
}

// Middleware wires permission checks for HTTP handlers. Required permissions
// are written as "TYPE:ACTION" names.
type Middleware struct {
	Authorizer Authorizer
	Logger     *slog.Logger
}

// RequireAny admits callers holding at least one of the required permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, false)
}

// RequireAll admits callers holding every required permission.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.require(perms, true)
}

func (m Middleware) require(perms []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(perms) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, tenantID, ok := m.identity(r)
			if !ok {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized",
					"missing or invalid identity headers")
				return
			}

			held := 0
			for _, perm := range perms {
				resource, action, ok := strings.Cut(perm, ":")
				if !ok {
					continue
				}
				if m.Authorizer.HasPermission(r.Context(), userID, tenantID, resource, action) {
					held++
					if !all {
						break
					}
				} else if all {
					break
				}
			}
			allowed := held > 0
			if all {
				allowed = held == len(perms)
			}
			if !allowed {
				if m.Logger != nil {
					m.Logger.Warn("request forbidden",
						"user_id", userID, "tenant_id", tenantID,
						"required", strings.Join(perms, ","), "path", r.URL.Path)
				}
				httpx.Problem(w, http.StatusForbidden, "Forbidden",
					"missing permission "+strings.Join(perms, " or "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (m Middleware) identity(r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	userID, err := uuid.Parse(r.Header.Get(UserHeader))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	tenantID, err := uuid.Parse(r.Header.Get(TenantHeader))
	if err != nil {
		return uuid.Nil, uuid.Nil, false
	}
	return userID, tenantID, true
}
