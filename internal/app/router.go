package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klinika/klinika/internal/observability"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/internal/shared"
	"github.com/klinika/klinika/internal/view"
	"github.com/klinika/klinika/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	RBACService    *rbac.Service
	RBACMiddleware rbac.Middleware
	RBACHandler    *rbac.Handler
	ViewHandler    *view.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Klinika defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}

		r.Route("/admin", func(r chi.Router) {
			if params.RBACHandler != nil {
				params.RBACHandler.MountAdminRoutes(r)
			}
			if params.JobHandler != nil && params.RBACMiddleware.Service != nil {
				r.Route("/jobs", func(r chi.Router) {
					r.Use(params.RBACMiddleware.RequireAny(rbac.PermPermissionManage))
					params.JobHandler.MountRoutes(r)
				})
			}
		})
		r.Route("/me", func(r chi.Router) {
			if params.RBACHandler != nil {
				params.RBACHandler.MountSelfRoutes(r)
			}
			if params.ViewHandler != nil {
				r.Group(func(r chi.Router) {
					r.Use(view.Attach(params.RBACService, params.Logger))
					params.ViewHandler.MountSelfRoutes(r)
				})
			}
		})
		if params.ViewHandler != nil {
			r.Group(func(r chi.Router) {
				r.Use(view.Attach(params.RBACService, params.Logger))
				params.ViewHandler.MountRoutes(r)
			})
		}
	})

	return r
}
