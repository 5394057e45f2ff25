package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is what a reviewer may do. Each role includes the ones below it.
type Role string

const (
	// RoleViewer reads transactions, the queue and the model.
	RoleViewer Role = "viewer"

	// RoleAuditor also submits transactions and takes and resolves items.
	RoleAuditor Role = "auditor"

	// RoleAdmin also archives items, refits models and manages rules and reviewers.
	RoleAdmin Role = "admin"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleAuditor:
		return 2
	case RoleAdmin:
		return 3
	default:
		return 0
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.rank() > 0
}

// Allows reports whether r covers required.
func (r Role) Allows(required Role) bool {
	return r.Valid() && r.rank() >= required.rank()
}

// ParseRole parses a role name, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: role %q must be viewer, auditor or admin", ErrInvalidInput, s)
	}
	return r, nil
}

// Reviewer is a tenant-scoped identity holding one API key. Its name is
// recorded as the actor of every review action it takes.
type Reviewer struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Role      Role      `json:"role"`
	KeyHash   string    `json:"-"`
	Revoked   bool      `json:"revoked"`
	CreatedAt time.Time `json:"createdAt"`
}
