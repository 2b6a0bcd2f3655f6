package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Role is one of the fixed principal categories.
type Role string

// Known roles.
const (
	RoleAdmin        Role = "admin"
	RoleMedecin      Role = "medecin"
	RoleBiologiste   Role = "biologiste"
	RoleInfirmier    Role = "infirmier"
	RolePharmacien   Role = "pharmacien"
	RoleGestionnaire Role = "gestionnaire"
	RolePatient      Role = "patient"
)

// ErrUnknownRole is returned for a role outside the fixed set.
var ErrUnknownRole = errors.New("rbac: unknown role")

var roleLabels = map[Role]string{
	RoleAdmin:        "Administrator",
	RoleMedecin:      "Clinical physician",
	RoleBiologiste:   "Laboratory physician",
	RoleInfirmier:    "Nurse",
	RolePharmacien:   "Pharmacist",
	RoleGestionnaire: "Manager",
	RolePatient:      "Patient",
}

// Roles returns the fixed set in display order.
func Roles() []Role {
	return []Role{
		RoleAdmin,
		RoleMedecin,
		RoleBiologiste,
		RoleInfirmier,
		RolePharmacien,
		RoleGestionnaire,
		RolePatient,
	}
}

// ParseRole normalizes raw and validates it against the fixed set.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return r, nil
}

// Valid reports whether r belongs to the fixed set.
func (r Role) Valid() bool {
	_, ok := roleLabels[r]
	return ok
}

// Label returns the display name.
func (r Role) Label() string { return roleLabels[r] }

func (r Role) String() string { return string(r) }
