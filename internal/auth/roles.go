package auth

import (
	"fmt"
	"strings"
)

// Role is an operator role on the admin API
type Role string

const (
	// RoleOperator may change experiments, the catalog and the DLQ
	RoleOperator Role = "operator"

	// RoleViewer may read experiments, the catalog, cost projections and
	// the DLQ
	RoleViewer Role = "viewer"
)

// roleRank orders roles by privilege. Unknown roles rank 0.
var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
}

// ParseRole converts a role name, ignoring case and surrounding space.
func ParseRole(name string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(name)))
	if !r.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, name)
	}
	return r, nil
}

func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	return roleRank[r] > 0
}

// HasPermission reports whether r grants everything required grants.
func (r Role) HasPermission(required Role) bool {
	return r.IsValid() && required.IsValid() && roleRank[r] >= roleRank[required]
}
