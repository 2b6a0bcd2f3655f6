package view

import (
	"bytes"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/klinika/klinika/internal/platform/httpx"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/internal/shared"
)

// Attach builds the PermissionContext of the request principal and stores it
// in the request context. Resolution failures are logged and leave an empty context.
func Attach(resolver Resolver, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := rbac.PrincipalFromRequest(r)
			pc, err := NewPermissionContext(r.Context(), resolver, principal)
			if err != nil && logger != nil {
				logger.Warn("view resolve permissions", slog.String("role", string(principal.Role)), slog.Any("error", err))
			}
			next.ServeHTTP(w, r.WithContext(WithPermissionContext(r.Context(), pc)))
		})
	}
}

// Handler serves presentation endpoints.
type Handler struct {
	logger    *slog.Logger
	templates *Engine
	csrf      *shared.CSRFManager
	menu      Menu
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, templates *Engine, csrf *shared.CSRFManager, menu Menu) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, templates: templates, csrf: csrf, menu: menu}
}

// MountRoutes registers the page routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.home)
}

// MountSelfRoutes registers the principal-facing presentation routes under /me.
func (h *Handler) MountSelfRoutes(r chi.Router) {
	r.Get("/menu", h.myMenu)
}

func (h *Handler) myMenu(w http.ResponseWriter, r *http.Request) {
	pc := PermissionContextFrom(r.Context())
	httpx.JSON(w, http.StatusOK, map[string]any{"items": h.menu.Visible(pc)})
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	pc := PermissionContextFrom(r.Context())
	var csrfToken string
	if h.csrf != nil {
		csrfToken, _ = h.csrf.EnsureToken(r.Context(), shared.SessionFromContext(r.Context()))
	}
	data := TemplateData{
		Title:       "Klinika",
		CSRFToken:   csrfToken,
		CurrentPath: r.URL.Path,
		Menu:        h.menu.Visible(pc),
	}
	var buf bytes.Buffer
	rec := &bufferWriter{header: w.Header(), buf: &buf}
	if err := h.templates.Render(rec, "home.html", data, pc); err != nil {
		h.logger.Error("render home", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

// bufferWriter keeps a failed render from emitting a partial page.
type bufferWriter struct {
	header http.Header
	buf    *bytes.Buffer
}

func (b *bufferWriter) Header() http.Header         { return b.header }
func (b *bufferWriter) Write(p []byte) (int, error) { return b.buf.Write(p) }
func (b *bufferWriter) WriteHeader(int)             {}
