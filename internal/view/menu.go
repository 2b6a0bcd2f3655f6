package view

import "github.com/klinika/klinika/internal/rbac"

// MenuItem is a navigation entry shown when any of Any is granted.
type MenuItem struct {
	Label string            `json:"label"`
	Path  string            `json:"path"`
	Any   []rbac.Permission `json:"-"`
}

// Menu is an ordered list of navigation entries.
type Menu []MenuItem

// DefaultMenu is the application sidebar.
func DefaultMenu() Menu {
	return Menu{
		{Label: "Tableau de bord", Path: "/", Any: []rbac.Permission{rbac.PermDashboardView}},
		{Label: "Patients", Path: "/patients", Any: []rbac.Permission{rbac.PermPatientView}},
		{Label: "Consultations", Path: "/consultations", Any: []rbac.Permission{rbac.PermConsultationView}},
		{Label: "Laboratoire", Path: "/lab", Any: []rbac.Permission{rbac.PermLabView}},
		{Label: "Rendez-vous", Path: "/appointments", Any: []rbac.Permission{rbac.PermAppointmentView}},
		{Label: "Facturation", Path: "/billing", Any: []rbac.Permission{rbac.PermBillingView}},
		{Label: "Pharmacie", Path: "/pharmacy", Any: []rbac.Permission{rbac.PermInventoryView, rbac.PermPharmacyDispense}},
		{Label: "Mon dossier", Path: "/me/record", Any: []rbac.Permission{rbac.PermRecordViewOwn}},
		{Label: "Rapports", Path: "/reports", Any: []rbac.Permission{rbac.PermReportView, rbac.PermAuditView}},
		{Label: "Utilisateurs", Path: "/users", Any: []rbac.Permission{rbac.PermUserView, rbac.PermUserManage}},
		{Label: "Permissions", Path: "/admin/roles", Any: []rbac.Permission{rbac.PermPermissionManage}},
	}
}

// Visible returns the entries pc allows, preserving order.
func (m Menu) Visible(pc *PermissionContext) Menu {
	out := make(Menu, 0, len(m))
	for _, item := range m {
		if pc.Can(item.Any...) {
			out = append(out, item)
		}
	}
	return out
}
