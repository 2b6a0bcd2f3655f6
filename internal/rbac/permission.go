package rbac

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

// Permission is a catalog-defined capability identifier such as "patient_view".
type Permission string

var permissionPattern = regexp.MustCompile(`^[a-z]+(_[a-z]+)+$`)

// Domain returns the grouping prefix of the identifier ("inventory" for "inventory_manage").
func (p Permission) Domain() string {
	s := string(p)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return s[:i]
	}
	return s
}

// Action returns the part after the domain prefix.
func (p Permission) Action() string {
	s := string(p)
	if i := strings.IndexByte(s, '_'); i > 0 {
		return s[i+1:]
	}
	return ""
}

func (p Permission) String() string { return string(p) }

func (p Permission) wellFormed() bool {
	return permissionPattern.MatchString(string(p))
}

func normalizePermission(raw string) Permission {
	return Permission(strings.ToLower(strings.TrimSpace(raw)))
}

// PermissionSet is an immutable set of permissions.
type PermissionSet struct {
	items map[Permission]struct{}
}

// NewPermissionSet builds a set, collapsing duplicates.
func NewPermissionSet(perms ...Permission) PermissionSet {
	items := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		items[p] = struct{}{}
	}
	return PermissionSet{items: items}
}

// Has reports whether p is a member.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s.items[p]
	return ok
}

// HasAny reports whether at least one of perms is a member. Empty input is false.
func (s PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of perms is a member. Empty input is false.
func (s PermissionSet) HasAll(perms ...Permission) bool {
	if len(perms) == 0 {
		return false
	}
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Len returns the number of members.
func (s PermissionSet) Len() int { return len(s.items) }

// Slice returns the members sorted by identifier.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s.items))
	for p := range s.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Strings returns the sorted members as plain strings.
func (s PermissionSet) Strings() []string {
	perms := s.Slice()
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// Equal reports whether both sets hold the same members.
func (s PermissionSet) Equal(other PermissionSet) bool {
	if s.Len() != other.Len() {
		return false
	}
	for p := range s.items {
		if !other.Has(p) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted array.
func (s PermissionSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

// UnmarshalJSON decodes an array of identifiers without catalog validation.
func (s *PermissionSet) UnmarshalJSON(data []byte) error {
	var raw []string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	perms := make([]Permission, 0, len(raw))
	for _, r := range raw {
		perms = append(perms, normalizePermission(r))
	}
	*s = NewPermissionSet(perms...)
	return nil
}
