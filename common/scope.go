package common

import "strings"

// Sentinels used in scope keys when a scope dimension is unset.
const (
	GlobalScope   = "global"
	AllUsersScope = "all-users"
)

// Scope narrows which records a channel cares about.
type Scope struct {
	OrganizationID string `json:"organization_id,omitempty" msgpack:"org"`
	UserID         string `json:"user_id,omitempty" msgpack:"user"`
}

// ScopeKey identifies one (entity, organization, user) subscription target.
// Equal inputs always produce the same key.
func ScopeKey(entity string, scope Scope) string {
	org := scope.OrganizationID
	if org == "" {
		org = GlobalScope
	}
	user := scope.UserID
	if user == "" {
		user = AllUsersScope
	}
	return strings.Join([]string{entity, org, user}, ":")
}

// Matches reports whether a record falls inside the scope. Unset dimensions
// match everything; records without the scoped field are rejected.
func (s Scope) Matches(r Record) bool {
	if s.OrganizationID != "" && r.String(FieldOrganizationID) != s.OrganizationID {
		return false
	}
	if s.UserID != "" && r.String(FieldUserID) != s.UserID {
		return false
	}
	return true
}
