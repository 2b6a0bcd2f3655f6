// Package view holds the presentation layer. Everything here is advisory:
// it decides what to show, never what is allowed. Server-side routes keep
// their own rbac.Middleware guard.
package view

import (
	"context"
	"sync"

	"github.com/klinika/klinika/internal/rbac"
)

// Resolver yields the effective permissions of a principal.
type Resolver interface {
	Resolve(ctx context.Context, principal rbac.Principal) (rbac.PermissionSet, error)
}

// PermissionContext is the resolved permission snapshot of one principal,
// passed down explicitly to whatever renders affordances.
// It is re-fetched when the principal changes (login, logout, role change).
type PermissionContext struct {
	resolver Resolver

	mu        sync.RWMutex
	principal rbac.Principal
	perms     rbac.PermissionSet
	loaded    bool
}

// NewPermissionContext resolves principal once. On failure the context is
// empty, so every affordance stays hidden, and the error is returned for logging.
func NewPermissionContext(ctx context.Context, resolver Resolver, principal rbac.Principal) (*PermissionContext, error) {
	pc := &PermissionContext{resolver: resolver, perms: rbac.NewPermissionSet()}
	err := pc.Refresh(ctx, principal)
	return pc, err
}

// Refresh re-fetches the snapshot when principal differs from the current one.
func (pc *PermissionContext) Refresh(ctx context.Context, principal rbac.Principal) error {
	pc.mu.RLock()
	same := pc.loaded && pc.principal == principal
	pc.mu.RUnlock()
	if same {
		return nil
	}
	return pc.load(ctx, principal)
}

// Reload re-fetches the snapshot unconditionally.
func (pc *PermissionContext) Reload(ctx context.Context) error {
	pc.mu.RLock()
	principal := pc.principal
	pc.mu.RUnlock()
	return pc.load(ctx, principal)
}

func (pc *PermissionContext) load(ctx context.Context, principal rbac.Principal) error {
	perms := rbac.NewPermissionSet()
	var err error
	if principal.Authenticated() && pc.resolver != nil {
		var resolved rbac.PermissionSet
		resolved, err = pc.resolver.Resolve(ctx, principal)
		if err == nil {
			perms = resolved
		}
	}
	pc.mu.Lock()
	pc.principal = principal
	pc.perms = perms
	pc.loaded = err == nil
	pc.mu.Unlock()
	return err
}

// Can reports whether any of perms is granted. A nil context grants nothing.
func (pc *PermissionContext) Can(perms ...rbac.Permission) bool {
	if pc == nil {
		return false
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.perms.HasAny(perms...)
}

// Principal returns the principal the snapshot was built for.
func (pc *PermissionContext) Principal() rbac.Principal {
	if pc == nil {
		return rbac.Principal{}
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.principal
}

// Permissions returns the snapshot.
func (pc *PermissionContext) Permissions() rbac.PermissionSet {
	if pc == nil {
		return rbac.NewPermissionSet()
	}
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return pc.perms
}

type permissionContextKey struct{}

// WithPermissionContext stores pc in ctx.
func WithPermissionContext(ctx context.Context, pc *PermissionContext) context.Context {
	return context.WithValue(ctx, permissionContextKey{}, pc)
}

// PermissionContextFrom returns the context stored by WithPermissionContext, or nil.
func PermissionContextFrom(ctx context.Context) *PermissionContext {
	pc, _ := ctx.Value(permissionContextKey{}).(*PermissionContext)
	return pc
}
