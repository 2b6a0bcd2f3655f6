package rbac

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klinika/klinika/internal/platform/httpx"
	"github.com/klinika/klinika/internal/shared"
)

// Middleware is the authoritative enforcement point for HTTP handlers.
// A denial is answered before the wrapped handler runs.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAny lets the request through when the principal holds at least one of perms.
func (m Middleware) RequireAny(perms ...Permission) func(http.Handler) http.Handler {
	required := m.normalize(perms)
	return m.guard("rbac require any", required, m.Service.HasPermission)
}

// RequireAll lets the request through only when the principal holds every one of perms.
func (m Middleware) RequireAll(perms ...Permission) func(http.Handler) http.Handler {
	required := m.normalize(perms)
	return m.guard("rbac require all", required, m.Service.HasAllPermissions)
}

// RequireAuthenticated only checks that a principal with a known role is present.
func (m Middleware) RequireAuthenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromRequest(r); !ok {
			forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type checkFunc func(ctx context.Context, principal Principal, required ...Permission) (bool, error)

func (m Middleware) guard(op string, required []Permission, check checkFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromRequest(r)
			if !ok {
				forbidden(w)
				return
			}
			allowed, err := check(r.Context(), principal, required...)
			if err != nil {
				m.logger().Error(op, slog.String("role", string(principal.Role)), slog.Any("error", err))
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !allowed {
				m.logger().Debug("rbac denied",
					slog.String("user", principal.UserID),
					slog.String("role", string(principal.Role)),
					slog.String("path", r.URL.Path))
				forbidden(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// normalize panics on identifiers outside the catalog so a misspelled guard
// fails when routes are mounted instead of silently denying every request.
func (m Middleware) normalize(perms []Permission) []Permission {
	seen := make(map[Permission]struct{}, len(perms))
	out := make([]Permission, 0, len(perms))
	for _, p := range perms {
		p = normalizePermission(string(p))
		if !m.Service.Catalog().Contains(p) {
			panic("rbac: guard references unknown permission " + string(p))
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		panic("rbac: guard without permissions")
	}
	return out
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// PrincipalFromRequest reads the principal stored in the request session.
func PrincipalFromRequest(r *http.Request) (Principal, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return Principal{}, false
	}
	user := strings.TrimSpace(sess.User())
	if user == "" {
		return Principal{}, false
	}
	role, err := ParseRole(sess.Role())
	if err != nil {
		return Principal{}, false
	}
	return Principal{UserID: user, Role: role}, true
}

// forbidden writes the uniform denial; it never names the missing permission.
func forbidden(w http.ResponseWriter) {
	httpx.Problem(w, http.StatusForbidden, "Forbidden", "access denied")
}
