package rbac

import "time"

// Principal describes the authenticated actor.
type Principal struct {
	UserID string
	Role   Role
}

// Authenticated reports whether the principal carries a user and a known role.
func (p Principal) Authenticated() bool {
	return p.UserID != "" && p.Role.Valid()
}

// Assignment ties a permission to a role.
type Assignment struct {
	Role       Role       `json:"role"`
	Permission Permission `json:"permission"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SetResult reports the outcome of a role permission replacement.
type SetResult struct {
	Role    Role          `json:"role"`
	Granted PermissionSet `json:"granted"`
	Dropped []string      `json:"dropped"`
}

// SyncReport aggregates the results of a matrix synchronization.
type SyncReport struct {
	Results []SetResult `json:"results"`
}

// Dropped returns the number of identifiers dropped across all roles.
func (r SyncReport) Dropped() int {
	n := 0
	for _, res := range r.Results {
		n += len(res.Dropped)
	}
	return n
}
