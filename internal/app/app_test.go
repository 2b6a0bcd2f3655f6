package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinika/klinika/internal/observability"
	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/internal/shared"
	"github.com/klinika/klinika/internal/view"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 16, cfg.RBACCacheSize)
	assert.Equal(t, 12*time.Hour, cfg.SessionTTL)
	assert.False(t, cfg.RBACSyncOnStart)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigRequiresSecrets(t *testing.T) {
	t.Setenv("SESSION_SECRET", "")
	t.Setenv("CSRF_SECRET", "")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadCacheSize(t *testing.T) {
	t.Setenv("SESSION_SECRET", "s")
	t.Setenv("CSRF_SECRET", "c")
	t.Setenv("RBAC_CACHE_SIZE", "0")
	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestNewLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("role", "admin"))

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(out)), &entry))
	assert.Equal(t, "shown", entry["msg"])
	assert.Equal(t, "admin", entry["role"])

	assert.Equal(t, slog.LevelInfo, parseLevel(nil))
	assert.Equal(t, slog.LevelDebug, parseLevel(&Config{LogLevel: "DEBUG"}))
}

type mapStore struct {
	mu   sync.Mutex
	rows map[rbac.Role]rbac.PermissionSet
}

func (m *mapStore) SetRolePermissions(ctx context.Context, role rbac.Role, perms rbac.PermissionSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[role] = perms
	return nil
}

func (m *mapStore) GetRolePermissions(ctx context.Context, role rbac.Role) (rbac.PermissionSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[role], nil
}

func (m *mapStore) RolesWithPermission(ctx context.Context, perm rbac.Permission) ([]rbac.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rbac.Role
	for _, role := range rbac.Roles() {
		if m.rows[role].Has(perm) {
			out = append(out, role)
		}
	}
	return out, nil
}

func (m *mapStore) ListAssignments(ctx context.Context) ([]rbac.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []rbac.Assignment
	for role, set := range m.rows {
		for _, p := range set.Slice() {
			out = append(out, rbac.Assignment{Role: role, Permission: p})
		}
	}
	return out, nil
}

type routerFixture struct {
	handler  http.Handler
	sessions *shared.SessionManager
	store    *mapStore
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := rbac.MustLoadCatalog()
	store := &mapStore{rows: map[rbac.Role]rbac.PermissionSet{
		rbac.RoleAdmin:        rbac.NewPermissionSet(rbac.PermPermissionManage, rbac.PermDashboardView),
		rbac.RoleGestionnaire: rbac.NewPermissionSet(rbac.PermBillingView, rbac.PermBillingCreate),
	}}
	metrics := observability.NewMetrics()
	service, err := rbac.NewService(store, catalog, rbac.ServiceConfig{Logger: logger, Recorder: metrics})
	require.NoError(t, err)

	sessions := shared.NewSessionManager(client, "session-secret", "klinika_session", time.Hour, false)
	csrf := shared.NewCSRFManager("csrf-secret")
	engine, err := view.NewEngine(catalog)
	require.NoError(t, err)
	mw := rbac.Middleware{Service: service, Logger: logger}

	handler := NewRouter(RouterParams{
		Logger:         logger,
		Config:         &Config{AppEnv: "test", AppRateLimit: 1000},
		SessionManager: sessions,
		CSRFManager:    csrf,
		RBACService:    service,
		RBACMiddleware: mw,
		RBACHandler:    rbac.NewHandler(logger, service, mw, nil),
		ViewHandler:    view.NewHandler(logger, engine, csrf, view.DefaultMenu()),
		Metrics:        metrics,
	})
	return routerFixture{handler: handler, sessions: sessions, store: store}
}

func (f routerFixture) cookieFor(t *testing.T, userID string, role rbac.Role) *http.Cookie {
	t.Helper()
	sess, err := f.sessions.Issue(context.Background(), userID, string(role))
	require.NoError(t, err)
	return &http.Cookie{Name: f.sessions.CookieName(), Value: f.sessions.CookieValue(sess)}
}

func (f routerFixture) serve(req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

var csrfMeta = regexp.MustCompile(`name="csrf-token" content="([^"]+)"`)

func (f routerFixture) csrfToken(t *testing.T, cookie *http.Cookie) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rr := f.serve(req)
	require.Equal(t, http.StatusOK, rr.Code)
	match := csrfMeta.FindStringSubmatch(rr.Body.String())
	require.Len(t, match, 2)
	return match[1]
}

func TestRouterHealthAndMetrics(t *testing.T) {
	f := newRouterFixture(t)

	rr := f.serve(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = f.serve(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRouterAdminGuard(t *testing.T) {
	f := newRouterFixture(t)

	rr := f.serve(httptest.NewRequest(http.MethodGet, "/admin/roles", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/roles", nil)
	req.AddCookie(f.cookieFor(t, "g-1", rbac.RoleGestionnaire))
	rr = f.serve(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Contains(t, rr.Body.String(), "access denied")

	req = httptest.NewRequest(http.MethodGet, "/admin/roles", nil)
	req.AddCookie(f.cookieFor(t, "a-1", rbac.RoleAdmin))
	rr = f.serve(req)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Frame-Options"))
}

func TestRouterWriteNeedsCSRFToken(t *testing.T) {
	f := newRouterFixture(t)
	cookie := f.cookieFor(t, "a-1", rbac.RoleAdmin)
	body := `{"permissions":["billing_view"]}`

	req := httptest.NewRequest(http.MethodPut, "/admin/roles/gestionnaire/permissions", strings.NewReader(body))
	req.AddCookie(cookie)
	rr := f.serve(req)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.True(t, f.store.rows[rbac.RoleGestionnaire].Has(rbac.PermBillingCreate))

	token := f.csrfToken(t, cookie)
	req = httptest.NewRequest(http.MethodPut, "/admin/roles/gestionnaire/permissions", strings.NewReader(body))
	req.AddCookie(cookie)
	req.Header.Set(shared.CSRFHeader, token)
	rr = f.serve(req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/me/permissions", nil)
	req.AddCookie(f.cookieFor(t, "g-1", rbac.RoleGestionnaire))
	rr = f.serve(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"permissions":["billing_view"]`)
}

func TestRouterSelfRoutes(t *testing.T) {
	f := newRouterFixture(t)
	cookie := f.cookieFor(t, "g-1", rbac.RoleGestionnaire)

	req := httptest.NewRequest(http.MethodGet, "/me/menu", nil)
	req.AddCookie(cookie)
	rr := f.serve(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "Facturation")
	assert.NotContains(t, rr.Body.String(), "Pharmacie")

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	rr = f.serve(req)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `id="new-invoice"`)

	rr = f.serve(httptest.NewRequest(http.MethodGet, "/me/permissions", nil))
	assert.Equal(t, http.StatusForbidden, rr.Code)
}
