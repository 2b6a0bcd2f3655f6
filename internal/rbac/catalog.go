package rbac

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Catalog permissions.
const (
	PermDashboardView Permission = "dashboard_view"

	PermPatientView   Permission = "patient_view"
	PermPatientCreate Permission = "patient_create"
	PermPatientEdit   Permission = "patient_edit"
	PermPatientDelete Permission = "patient_delete"

	PermConsultationView   Permission = "consultation_view"
	PermConsultationCreate Permission = "consultation_create"
	PermConsultationEdit   Permission = "consultation_edit"

	PermPrescriptionView   Permission = "prescription_view"
	PermPrescriptionCreate Permission = "prescription_create"

	PermLabView     Permission = "lab_view"
	PermLabCreate   Permission = "lab_create"
	PermLabValidate Permission = "lab_validate"

	PermAppointmentView   Permission = "appointment_view"
	PermAppointmentCreate Permission = "appointment_create"
	PermAppointmentEdit   Permission = "appointment_edit"
	PermAppointmentCancel Permission = "appointment_cancel"

	PermBillingView   Permission = "billing_view"
	PermBillingCreate Permission = "billing_create"
	PermBillingEdit   Permission = "billing_edit"
	PermBillingDelete Permission = "billing_delete"

	PermInventoryView    Permission = "inventory_view"
	PermInventoryManage  Permission = "inventory_manage"
	PermPharmacyDispense Permission = "pharmacy_dispense"

	PermRecordViewOwn Permission = "record_view_own"

	PermReportView Permission = "report_view"
	PermAuditView  Permission = "audit_view"

	PermUserView         Permission = "user_view"
	PermUserManage       Permission = "user_manage"
	PermPermissionManage Permission = "permission_manage"
)

// Definition describes one catalog entry.
type Definition struct {
	Permission  Permission `json:"permission"`
	Description string     `json:"description"`
}

var definitions = []Definition{
	{PermDashboardView, "View the dashboard"},
	{PermPatientView, "View patient records"},
	{PermPatientCreate, "Create patient records"},
	{PermPatientEdit, "Edit patient records"},
	{PermPatientDelete, "Delete patient records"},
	{PermConsultationView, "View consultations"},
	{PermConsultationCreate, "Record consultations"},
	{PermConsultationEdit, "Edit consultations"},
	{PermPrescriptionView, "View prescriptions"},
	{PermPrescriptionCreate, "Write prescriptions"},
	{PermLabView, "View laboratory requests and results"},
	{PermLabCreate, "Request laboratory analyses"},
	{PermLabValidate, "Validate laboratory results"},
	{PermAppointmentView, "View appointments"},
	{PermAppointmentCreate, "Book appointments"},
	{PermAppointmentEdit, "Reschedule appointments"},
	{PermAppointmentCancel, "Cancel appointments"},
	{PermBillingView, "View invoices and payments"},
	{PermBillingCreate, "Issue invoices and record payments"},
	{PermBillingEdit, "Edit invoices"},
	{PermBillingDelete, "Void invoices"},
	{PermInventoryView, "View pharmacy stock"},
	{PermInventoryManage, "Manage pharmacy stock"},
	{PermPharmacyDispense, "Dispense medication"},
	{PermRecordViewOwn, "View one's own medical record"},
	{PermReportView, "View activity reports"},
	{PermAuditView, "View the audit trail"},
	{PermUserView, "View user accounts"},
	{PermUserManage, "Manage user accounts"},
	{PermPermissionManage, "Manage the role permission matrix"},
}

var (
	// ErrCatalogEmpty is returned when no permission is defined.
	ErrCatalogEmpty = errors.New("rbac: permission catalog is empty")
	// ErrInvalidPermission flags a malformed identifier in the catalog.
	ErrInvalidPermission = errors.New("rbac: invalid permission identifier")
	// ErrDuplicatePermission flags an identifier defined twice.
	ErrDuplicatePermission = errors.New("rbac: duplicate permission identifier")
)

// Domain groups catalog entries sharing an identifier prefix.
type Domain struct {
	Name        string       `json:"name"`
	Permissions []Definition `json:"permissions"`
}

// Catalog is the authoritative set of permission identifiers.
type Catalog struct {
	set          PermissionSet
	descriptions map[Permission]string
	domains      []Domain
}

// LoadCatalog validates the compiled-in definitions and returns the catalog.
func LoadCatalog() (*Catalog, error) {
	return NewCatalog(definitions)
}

var (
	defaultCatalogOnce sync.Once
	defaultCatalog     *Catalog
	defaultCatalogErr  error
)

// DefaultCatalog returns a process-wide catalog, loaded once.
func DefaultCatalog() (*Catalog, error) {
	defaultCatalogOnce.Do(func() {
		defaultCatalog, defaultCatalogErr = LoadCatalog()
	})
	return defaultCatalog, defaultCatalogErr
}

// MustLoadCatalog is LoadCatalog that panics on error.
func MustLoadCatalog() *Catalog {
	c, err := DefaultCatalog()
	if err != nil {
		panic(err)
	}
	return c
}

// NewCatalog validates defs and builds a catalog from them.
func NewCatalog(defs []Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, ErrCatalogEmpty
	}
	descriptions := make(map[Permission]string, len(defs))
	perms := make([]Permission, 0, len(defs))
	byDomain := make(map[string][]Definition)
	for _, def := range defs {
		if !def.Permission.wellFormed() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPermission, def.Permission)
		}
		if _, dup := descriptions[def.Permission]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicatePermission, def.Permission)
		}
		descriptions[def.Permission] = def.Description
		perms = append(perms, def.Permission)
		byDomain[def.Permission.Domain()] = append(byDomain[def.Permission.Domain()], def)
	}
	domains := make([]Domain, 0, len(byDomain))
	for name, entries := range byDomain {
		sort.Slice(entries, func(i, j int) bool { return entries[i].Permission < entries[j].Permission })
		domains = append(domains, Domain{Name: name, Permissions: entries})
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].Name < domains[j].Name })
	return &Catalog{
		set:          NewPermissionSet(perms...),
		descriptions: descriptions,
		domains:      domains,
	}, nil
}

// Permissions returns every identifier in the catalog.
func (c *Catalog) Permissions() PermissionSet {
	return c.set
}

// Contains reports whether p is a catalog identifier.
func (c *Catalog) Contains(p Permission) bool {
	return c != nil && c.set.Has(p)
}

// Lookup normalizes raw and returns it when it names a catalog entry.
func (c *Catalog) Lookup(raw string) (Permission, bool) {
	p := normalizePermission(raw)
	if !c.Contains(p) {
		return "", false
	}
	return p, true
}

// Describe returns the human description of p.
func (c *Catalog) Describe(p Permission) string {
	return c.descriptions[p]
}

// Domains returns catalog entries grouped by prefix, sorted by name.
func (c *Catalog) Domains() []Domain {
	out := make([]Domain, len(c.domains))
	copy(out, c.domains)
	return out
}

// Filter keeps the catalog members of raw and reports the rest.
// Blank entries are ignored; dropped identifiers are returned once each, in input order.
func (c *Catalog) Filter(raw []string) (PermissionSet, []string) {
	kept := make([]Permission, 0, len(raw))
	var dropped []string
	seenDropped := make(map[string]struct{})
	for _, r := range raw {
		p := normalizePermission(r)
		if p == "" {
			continue
		}
		if c.Contains(p) {
			kept = append(kept, p)
			continue
		}
		if _, ok := seenDropped[string(p)]; ok {
			continue
		}
		seenDropped[string(p)] = struct{}{}
		dropped = append(dropped, string(p))
	}
	return NewPermissionSet(kept...), dropped
}
