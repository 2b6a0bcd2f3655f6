package rbac

import (
	"context"
	"fmt"
	"log/slog"
)

// Matrix declares the permission identifiers each role should hold.
type Matrix map[Role][]string

// DefaultMatrix returns the shipped role matrix.
func DefaultMatrix() Matrix {
	return Matrix{
		RoleAdmin: permissionNames(definitionPermissions()...),
		RoleMedecin: permissionNames(
			PermDashboardView,
			PermPatientView, PermPatientCreate, PermPatientEdit,
			PermConsultationView, PermConsultationCreate, PermConsultationEdit,
			PermPrescriptionView, PermPrescriptionCreate,
			PermLabView, PermLabCreate,
			PermAppointmentView, PermAppointmentCreate, PermAppointmentEdit,
		),
		RoleBiologiste: permissionNames(
			PermDashboardView,
			PermPatientView,
			PermLabView, PermLabCreate, PermLabValidate,
			PermPrescriptionView,
		),
		RoleInfirmier: permissionNames(
			PermDashboardView,
			PermPatientView, PermPatientEdit,
			PermConsultationView,
			PermPrescriptionView,
			PermLabView,
			PermAppointmentView, PermAppointmentCreate,
		),
		RolePharmacien: permissionNames(
			PermDashboardView,
			PermPrescriptionView,
			PermInventoryView, PermInventoryManage,
			PermPharmacyDispense,
		),
		RoleGestionnaire: permissionNames(
			PermDashboardView,
			PermPatientView, PermPatientEdit,
			PermBillingView, PermBillingCreate,
		),
		RolePatient: permissionNames(
			PermRecordViewOwn,
			PermAppointmentView, PermAppointmentCreate, PermAppointmentCancel,
		),
	}
}

func definitionPermissions() []Permission {
	out := make([]Permission, len(definitions))
	for i, d := range definitions {
		out[i] = d.Permission
	}
	return out
}

func permissionNames(perms ...Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// ApplyMatrix converges every role declared in m to its declared set.
// Roles absent from m are left untouched. It is safe to run repeatedly.
func (s *Service) ApplyMatrix(ctx context.Context, m Matrix) (SyncReport, error) {
	for role := range m {
		if !role.Valid() {
			return SyncReport{}, fmt.Errorf("%w: %q", ErrUnknownRole, role)
		}
	}
	var report SyncReport
	for _, role := range Roles() {
		raw, ok := m[role]
		if !ok {
			continue
		}
		res, err := s.SetRolePermissions(ctx, role, raw)
		if err != nil {
			return report, fmt.Errorf("rbac: apply matrix for %s: %w", role, err)
		}
		report.Results = append(report.Results, res)
	}
	s.logger.Info("rbac matrix applied",
		slog.Int("roles", len(report.Results)),
		slog.Int("dropped", report.Dropped()))
	return report, nil
}
