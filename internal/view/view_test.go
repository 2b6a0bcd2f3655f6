package view

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klinika/klinika/internal/rbac"
)

type stubResolver struct {
	mu    sync.Mutex
	sets  map[rbac.Role]rbac.PermissionSet
	err   error
	calls int
}

func (s *stubResolver) Resolve(ctx context.Context, principal rbac.Principal) (rbac.PermissionSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return rbac.PermissionSet{}, s.err
	}
	return s.sets[principal.Role], nil
}

func newResolver() *stubResolver {
	return &stubResolver{sets: map[rbac.Role]rbac.PermissionSet{
		rbac.RoleGestionnaire: rbac.NewPermissionSet(
			rbac.PermDashboardView, rbac.PermPatientView, rbac.PermPatientEdit,
			rbac.PermBillingView, rbac.PermBillingCreate,
		),
		rbac.RolePharmacien: rbac.NewPermissionSet(
			rbac.PermDashboardView, rbac.PermInventoryView, rbac.PermInventoryManage,
		),
	}}
}

var (
	gestionnaire = rbac.Principal{UserID: "g-1", Role: rbac.RoleGestionnaire}
	pharmacien   = rbac.Principal{UserID: "p-1", Role: rbac.RolePharmacien}
)

func TestPermissionContextCan(t *testing.T) {
	pc, err := NewPermissionContext(context.Background(), newResolver(), gestionnaire)
	require.NoError(t, err)

	assert.True(t, pc.Can(rbac.PermBillingCreate, rbac.PermBillingEdit))
	assert.False(t, pc.Can(rbac.PermInventoryManage))
	assert.False(t, pc.Can())
	assert.Equal(t, gestionnaire, pc.Principal())

	var nilPC *PermissionContext
	assert.False(t, nilPC.Can(rbac.PermDashboardView))
	assert.Zero(t, nilPC.Permissions().Len())
}

func TestPermissionContextRefreshOnPrincipalChange(t *testing.T) {
	resolver := newResolver()
	ctx := context.Background()
	pc, err := NewPermissionContext(ctx, resolver, gestionnaire)
	require.NoError(t, err)

	require.NoError(t, pc.Refresh(ctx, gestionnaire))
	assert.Equal(t, 1, resolver.calls)

	require.NoError(t, pc.Refresh(ctx, pharmacien))
	assert.Equal(t, 2, resolver.calls)
	assert.True(t, pc.Can(rbac.PermInventoryManage))
	assert.False(t, pc.Can(rbac.PermBillingCreate))

	require.NoError(t, pc.Refresh(ctx, rbac.Principal{}))
	assert.Equal(t, 2, resolver.calls)
	assert.Zero(t, pc.Permissions().Len())

	require.NoError(t, pc.Refresh(ctx, pharmacien))
	require.NoError(t, pc.Reload(ctx))
	assert.Equal(t, 4, resolver.calls)
}

func TestPermissionContextFailureHidesEverything(t *testing.T) {
	resolver := newResolver()
	resolver.err = errors.New("store down")
	ctx := context.Background()

	pc, err := NewPermissionContext(ctx, resolver, gestionnaire)
	require.Error(t, err)
	assert.False(t, pc.Can(rbac.PermDashboardView))

	resolver.err = nil
	require.NoError(t, pc.Refresh(ctx, gestionnaire))
	assert.True(t, pc.Can(rbac.PermDashboardView))
}

func TestMenuVisible(t *testing.T) {
	pc, err := NewPermissionContext(context.Background(), newResolver(), pharmacien)
	require.NoError(t, err)

	labels := func(m Menu) []string {
		out := make([]string, 0, len(m))
		for _, item := range m {
			out = append(out, item.Label)
		}
		return out
	}
	assert.Equal(t, []string{"Tableau de bord", "Pharmacie"}, labels(DefaultMenu().Visible(pc)))
	assert.Empty(t, DefaultMenu().Visible(nil))
}

func TestDefaultMenuUsesCatalogIdentifiers(t *testing.T) {
	catalog := rbac.MustLoadCatalog()
	for _, item := range DefaultMenu() {
		require.NotEmpty(t, item.Any, item.Label)
		for _, p := range item.Any {
			assert.True(t, catalog.Contains(p), "%s: %s", item.Label, p)
		}
	}
}

func TestEngineRendersAffordancesPerPrincipal(t *testing.T) {
	engine, err := NewEngine(rbac.MustLoadCatalog())
	require.NoError(t, err)
	resolver := newResolver()

	render := func(principal rbac.Principal) string {
		pc, err := NewPermissionContext(context.Background(), resolver, principal)
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		require.NoError(t, engine.Render(rr, "home.html", TemplateData{Title: "Klinika", Menu: DefaultMenu().Visible(pc)}, pc))
		return rr.Body.String()
	}

	page := render(gestionnaire)
	assert.Contains(t, page, `id="new-invoice"`)
	assert.NotContains(t, page, `id="new-patient"`)
	assert.NotContains(t, page, `id="stock-entry"`)
	assert.Contains(t, page, `href="/billing"`)

	page = render(pharmacien)
	assert.Contains(t, page, `id="stock-entry"`)
	assert.NotContains(t, page, `id="new-invoice"`)
	assert.NotContains(t, page, `href="/billing"`)

	page = render(rbac.Principal{})
	assert.NotContains(t, page, `class="button"`)
}

func TestCanRejectsUnknownIdentifier(t *testing.T) {
	pc, err := NewPermissionContext(context.Background(), newResolver(), gestionnaire)
	require.NoError(t, err)

	tpl := template.Must(template.New("t").Funcs(FuncMap(rbac.MustLoadCatalog(), pc)).Parse(`{{if can "billing_creat"}}x{{end}}`))
	var buf bytes.Buffer
	err = tpl.Execute(&buf, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "billing_creat")
}

func TestNewEngineRequiresCatalog(t *testing.T) {
	_, err := NewEngine(nil)
	assert.Error(t, err)
}

func TestMenuEndpointWithoutPrincipal(t *testing.T) {
	engine, err := NewEngine(rbac.MustLoadCatalog())
	require.NoError(t, err)
	h := NewHandler(nil, engine, nil, DefaultMenu())

	r := chi.NewRouter()
	r.Use(Attach(newResolver(), nil))
	h.MountSelfRoutes(r)
	h.MountRoutes(r)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/menu", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Items []MenuItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Empty(t, body.Items)

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "<title>Klinika</title>")
}
