package view

import (
	"fmt"
	"html/template"
	"net/http"

	"github.com/klinika/klinika/internal/rbac"
	"github.com/klinika/klinika/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
	catalog   *rbac.Catalog
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	CurrentPath string
	Menu        Menu
	Data        any
}

// NewEngine parses the embedded templates.
func NewEngine(catalog *rbac.Catalog) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("view: catalog required")
	}
	// Placeholder so templates parse; Render installs the per-request version.
	funcMap := FuncMap(catalog, nil)
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl, catalog: catalog}, nil
}

// FuncMap exposes the advisory "can" helper bound to pc. Unknown identifiers
// make rendering fail, so a misspelled check surfaces instead of hiding a button.
func FuncMap(catalog *rbac.Catalog, pc *PermissionContext) template.FuncMap {
	return template.FuncMap{
		"can": func(names ...string) (bool, error) {
			perms := make([]rbac.Permission, 0, len(names))
			for _, name := range names {
				p, ok := catalog.Lookup(name)
				if !ok {
					return false, fmt.Errorf("view: unknown permission %q", name)
				}
				perms = append(perms, p)
			}
			return pc.Can(perms...), nil
		},
	}
}

// Render executes a named template for the principal behind pc.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData, pc *PermissionContext) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	tpl, err := e.templates.Clone()
	if err != nil {
		return err
	}
	tpl.Funcs(FuncMap(e.catalog, pc))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tpl.ExecuteTemplate(w, name, data)
}
