package security

import (
	"fmt"
	"strings"
)

// OperationKind names the shape of a deletion attempt.
type OperationKind string

const (
	Single  OperationKind = "single"
	Bulk    OperationKind = "bulk"
	Cascade OperationKind = "cascade"
	Cleanup OperationKind = "cleanup"
)

// ParseKind validates a kind string from config, CLI flags or the wire.
func ParseKind(s string) (OperationKind, error) {
	switch k := OperationKind(strings.ToLower(strings.TrimSpace(s))); k {
	case Single, Bulk, Cascade, Cleanup:
		return k, nil
	default:
		return "", fmt.Errorf("unknown operation kind %q (want single|bulk|cascade|cleanup)", s)
	}
}

// Role is the caller's permission tier as reported by the backend session.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleStaff   Role = "staff"
	RoleViewer  Role = "viewer"
)

// PermissionScope is derived from the role on every session refresh and is
// not mutated until the next one.
type PermissionScope struct {
	CanDeleteOwn      bool
	CanDeleteAny      bool
	CanBulkDelete     bool
	CanCascadeDelete  bool
	CanCleanupOrphans bool
	TopTier           bool
	// OwnOnly confines deletions to EntityRestrictions even when it is
	// empty, in which case nothing is owned.
	OwnOnly bool
	// EntityRestrictions limits which entities may be deleted. Empty means
	// unrestricted unless OwnOnly is set.
	EntityRestrictions    map[string]struct{}
	MaxDeletionsPerMinute int
}

// ScopeForRole derives the scope for role. owned lists the entities a
// restricted role may touch; it is ignored for roles that can delete any.
func ScopeForRole(role Role, perMinute map[Role]int, owned []string) PermissionScope {
	var s PermissionScope
	switch role {
	case RoleAdmin:
		s = PermissionScope{CanDeleteOwn: true, CanDeleteAny: true, CanBulkDelete: true,
			CanCascadeDelete: true, CanCleanupOrphans: true, TopTier: true}
	case RoleManager:
		s = PermissionScope{CanDeleteOwn: true, CanDeleteAny: true, CanBulkDelete: true,
			CanCascadeDelete: true}
	case RoleStaff:
		s = PermissionScope{CanDeleteOwn: true}
	}
	s.MaxDeletionsPerMinute = perMinute[role]
	if s.CanDeleteOwn && !s.CanDeleteAny {
		s.OwnOnly = true
		s.EntityRestrictions = make(map[string]struct{}, len(owned))
		for _, id := range owned {
			s.EntityRestrictions[id] = struct{}{}
		}
	}
	return s
}

// Allows reports whether the scope grants kind at all.
func (s PermissionScope) Allows(kind OperationKind) bool {
	switch kind {
	case Single:
		return s.CanDeleteOwn || s.CanDeleteAny
	case Bulk:
		return s.CanBulkDelete
	case Cascade:
		return s.CanCascadeDelete
	case Cleanup:
		return s.CanCleanupOrphans
	}
	return false
}

// CoversEntity reports whether entityID falls inside the restriction set.
// An empty id always passes, as does an empty set on a scope that is not
// own-only.
func (s PermissionScope) CoversEntity(entityID string) bool {
	if entityID == "" || (!s.OwnOnly && len(s.EntityRestrictions) == 0) {
		return true
	}
	_, ok := s.EntityRestrictions[entityID]
	return ok
}

func (s PermissionScope) clone() PermissionScope {
	out := s
	if s.EntityRestrictions != nil {
		out.EntityRestrictions = make(map[string]struct{}, len(s.EntityRestrictions))
		for k := range s.EntityRestrictions {
			out.EntityRestrictions[k] = struct{}{}
		}
	}
	return out
}
