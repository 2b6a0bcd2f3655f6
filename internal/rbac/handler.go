package rbac

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/klinika/klinika/internal/platform/httpx"
)

// Handler exposes the permission administration and self-service endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      Middleware
	matrix    func() Matrix
	validator *validator.Validate
}

// NewHandler builds Handler instance. matrix supplies the declared matrix for
// the sync endpoint; nil means DefaultMatrix.
func NewHandler(logger *slog.Logger, service *Service, rbac Middleware, matrix func() Matrix) *Handler {
	if matrix == nil {
		matrix = DefaultMatrix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbac,
		matrix:    matrix,
		validator: validator.New(),
	}
}

// MountAdminRoutes registers the matrix management routes. Every route requires
// permission_manage.
func (h *Handler) MountAdminRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermPermissionManage))
		r.Get("/permissions", h.listPermissions)
		r.Get("/permissions/{permission}/roles", h.rolesWithPermission)
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{role}/permissions", h.getRolePermissions)
		r.Put("/roles/{role}/permissions", h.setRolePermissions)
		r.Post("/matrix/sync", h.syncMatrix)
	})
}

// MountSelfRoutes registers the principal-facing routes.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAuthenticated)
		r.Get("/permissions", h.myPermissions)
	})
}

type roleView struct {
	Role        Role          `json:"role"`
	Label       string        `json:"label"`
	Permissions PermissionSet `json:"permissions"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions" validate:"required,dive,required"`
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, map[string]any{"domains": h.service.Catalog().Domains()})
}

func (h *Handler) rolesWithPermission(w http.ResponseWriter, r *http.Request) {
	perm, ok := h.service.Catalog().Lookup(chi.URLParam(r, "permission"))
	if !ok {
		httpx.RespondError(w, fmt.Errorf("%w: permission", httpx.ErrNotFound))
		return
	}
	roles, err := h.service.RolesWithPermission(r.Context(), perm)
	if err != nil {
		h.fail(w, "rbac roles with permission", err)
		return
	}
	if roles == nil {
		roles = []Role{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permission": perm, "roles": roles})
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	matrix, err := h.service.Matrix(r.Context())
	if err != nil {
		h.fail(w, "rbac list roles", err)
		return
	}
	views := make([]roleView, 0, len(matrix))
	for _, role := range Roles() {
		views = append(views, roleView{Role: role, Label: role.Label(), Permissions: matrix[role]})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": views})
}

func (h *Handler) getRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, ok := roleParam(w, r)
	if !ok {
		return
	}
	perms, err := h.service.RolePermissions(r.Context(), role)
	if err != nil {
		h.fail(w, "rbac get role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, roleView{Role: role, Label: role.Label(), Permissions: perms})
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	role, ok := roleParam(w, r)
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body", httpx.ErrValidation))
		return
	}
	if err := h.validator.Struct(req); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			httpx.RespondError(w, fmt.Errorf("%w: %s", httpx.ErrValidation, fieldErrs[0].Namespace()))
			return
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	res, err := h.service.SetRolePermissions(r.Context(), role, req.Permissions)
	if err != nil {
		h.fail(w, "rbac set role permissions", err)
		return
	}
	if res.Dropped == nil {
		res.Dropped = []string{}
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) syncMatrix(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.ApplyMatrix(r.Context(), h.matrix())
	if err != nil {
		h.fail(w, "rbac sync matrix", err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromRequest(r)
	perms, err := h.service.Resolve(r.Context(), principal)
	if err != nil {
		h.fail(w, "rbac resolve principal", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.UserID,
		"role":        principal.Role,
		"permissions": perms,
	})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func roleParam(w http.ResponseWriter, r *http.Request) (Role, bool) {
	role, err := ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: role", httpx.ErrNotFound))
		return "", false
	}
	return role, true
}
