package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// fillTimeout bounds a shared store read once it no longer follows the caller's context.
const fillTimeout = 5 * time.Second

// Recorder receives authorization telemetry. Implementations must be safe for concurrent use.
type Recorder interface {
	AuthzDecision(allowed bool)
	AuthzCache(hit bool)
}

type noopRecorder struct{}

func (noopRecorder) AuthzDecision(bool) {}
func (noopRecorder) AuthzCache(bool)    {}

// ServiceConfig carries optional collaborators of the Service.
type ServiceConfig struct {
	Logger      *slog.Logger
	Recorder    Recorder
	Invalidator *Invalidator
	CacheSize   int
}

// Service resolves and maintains role permissions.
type Service struct {
	store       Store
	catalog     *Catalog
	cache       *roleCache
	logger      *slog.Logger
	recorder    Recorder
	invalidator *Invalidator
}

// NewService constructs a Service. A nil catalog is refused: nothing can be
// authorized against an unknown set of permissions.
func NewService(store Store, catalog *Catalog, cfg ServiceConfig) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store required")
	}
	if catalog == nil {
		return nil, errors.New("rbac: catalog required")
	}
	cache, err := newRoleCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var recorder Recorder = noopRecorder{}
	if cfg.Recorder != nil {
		recorder = cfg.Recorder
	}
	return &Service{
		store:       store,
		catalog:     catalog,
		cache:       cache,
		logger:      logger,
		recorder:    recorder,
		invalidator: cfg.Invalidator,
	}, nil
}

// Catalog exposes the catalog the service validates against.
func (s *Service) Catalog() *Catalog {
	return s.catalog
}

// SetRolePermissions replaces the permission set of role with the catalog members of raw.
// Unknown identifiers are dropped and logged; the remainder is still persisted.
// The cached entry for role is invalidated before the call returns.
func (s *Service) SetRolePermissions(ctx context.Context, role Role, raw []string) (SetResult, error) {
	if !role.Valid() {
		return SetResult{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
	}
	kept, dropped := s.catalog.Filter(raw)
	for _, d := range dropped {
		s.logger.Warn("rbac dropped unknown permission",
			slog.String("role", string(role)),
			slog.String("permission", d))
	}
	err := s.store.SetRolePermissions(ctx, role, kept)
	// The write may have committed even when an error is reported, so the
	// entry is dropped either way.
	s.cache.invalidate(role)
	if pubErr := s.invalidator.Publish(ctx, role); pubErr != nil {
		s.logger.Warn("rbac publish invalidation", slog.String("role", string(role)), slog.Any("error", pubErr))
	}
	if err != nil {
		return SetResult{}, err
	}
	s.logger.Info("rbac role permissions replaced",
		slog.String("role", string(role)),
		slog.Int("granted", kept.Len()),
		slog.Int("dropped", len(dropped)))
	return SetResult{Role: role, Granted: kept, Dropped: dropped}, nil
}

// RolePermissions returns the current permission set of role.
func (s *Service) RolePermissions(ctx context.Context, role Role) (PermissionSet, error) {
	if !role.Valid() {
		return NewPermissionSet(), nil
	}
	if set, ok := s.cache.get(role); ok {
		s.recorder.AuthzCache(true)
		return set, nil
	}
	s.recorder.AuthzCache(false)
	gen := s.cache.generation(role)
	// The shared read must outlive the request that started it; every caller
	// still gives up when its own context ends.
	ch := s.cache.group.DoChan(flightKey(role, gen), func() (any, error) {
		fillCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fillTimeout)
		defer cancel()
		set, err := s.store.GetRolePermissions(fillCtx, role)
		if err != nil {
			return nil, err
		}
		s.cache.fill(role, gen, set)
		return set, nil
	})
	select {
	case <-ctx.Done():
		return PermissionSet{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return PermissionSet{}, res.Err
		}
		return res.Val.(PermissionSet), nil
	}
}

// Resolve returns the effective permissions of principal. Roles are flat:
// only the principal's own role is consulted.
func (s *Service) Resolve(ctx context.Context, principal Principal) (PermissionSet, error) {
	return s.RolePermissions(ctx, principal.Role)
}

// HasPermission reports whether principal holds at least one of required.
// An empty required list is never satisfied.
func (s *Service) HasPermission(ctx context.Context, principal Principal, required ...Permission) (bool, error) {
	granted, err := s.Resolve(ctx, principal)
	if err != nil {
		return false, err
	}
	allowed := granted.HasAny(required...)
	s.recorder.AuthzDecision(allowed)
	return allowed, nil
}

// HasAllPermissions reports whether principal holds every one of required.
func (s *Service) HasAllPermissions(ctx context.Context, principal Principal, required ...Permission) (bool, error) {
	granted, err := s.Resolve(ctx, principal)
	if err != nil {
		return false, err
	}
	allowed := granted.HasAll(required...)
	s.recorder.AuthzDecision(allowed)
	return allowed, nil
}

// RolesWithPermission answers which roles currently hold perm.
func (s *Service) RolesWithPermission(ctx context.Context, perm Permission) ([]Role, error) {
	if !s.catalog.Contains(perm) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, perm)
	}
	return s.store.RolesWithPermission(ctx, perm)
}

// Matrix returns the stored set of every role, read directly from the store.
func (s *Service) Matrix(ctx context.Context) (map[Role]PermissionSet, error) {
	assignments, err := s.store.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	grouped := make(map[Role][]Permission, len(roleLabels))
	for _, a := range assignments {
		grouped[a.Role] = append(grouped[a.Role], a.Permission)
	}
	out := make(map[Role]PermissionSet, len(roleLabels))
	for _, role := range Roles() {
		out[role] = NewPermissionSet(grouped[role]...)
	}
	return out, nil
}

// Invalidate drops cached entries locally: one role, or all when role is empty.
func (s *Service) Invalidate(role Role) {
	if role == "" {
		s.cache.invalidateAll()
		return
	}
	s.cache.invalidate(role)
}

// ListenForInvalidation drops local entries whenever a peer announces a change.
func (s *Service) ListenForInvalidation(ctx context.Context) error {
	return s.invalidator.Listen(ctx, s.Invalidate)
}
