package admin

import (
	"fmt"
	"strings"

	"taskd/internal/domain"
)

const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
)

// Principal is the caller of an administrative operation.
type Principal struct {
	User  string
	Roles []string
}

// ParseRoles splits a comma separated role list.
func ParseRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(strings.ToLower(r)); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

type permission string

const (
	permRead  permission = "read"
	permRun   permission = "run"
	permWrite permission = "write"
)

// check returns ErrForbidden unless p holds perm. Admins hold everything,
// operators may read and run.
func (p Principal) check(perm permission, op string) error {
	if p.User != "" {
		if p.HasRole(RoleAdmin) {
			return nil
		}
		if p.HasRole(RoleOperator) && perm != permWrite {
			return nil
		}
	}
	return fmt.Errorf("%w: %s requires %s permission", domain.ErrForbidden, op, perm)
}
