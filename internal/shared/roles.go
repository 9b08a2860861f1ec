package shared

import (
	"fmt"
	"strings"
)

// Role is the closed set of application roles. The zero value is invalid so
// an unset role never passes an authorization check.
type Role uint8

const (
	roleInvalid Role = iota
	RoleAdmin
	RoleInvoiceManager
	RoleDfcAgent
)

// Roles lists every valid role.
var Roles = []Role{RoleAdmin, RoleInvoiceManager, RoleDfcAgent}

// ParseRole converts a stored role code into a Role.
func ParseRole(code string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "admin":
		return RoleAdmin, nil
	case "invoice_manager":
		return RoleInvoiceManager, nil
	case "dfc_agent":
		return RoleDfcAgent, nil
	}
	return roleInvalid, fmt.Errorf("%w: unknown role %q", ErrValidation, code)
}

// String returns the stored role code.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleInvoiceManager:
		return "invoice_manager"
	case RoleDfcAgent:
		return "dfc_agent"
	case roleInvalid:
		return "invalid"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// MarshalText encodes the role as its stored code.
func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("%w: cannot encode %s", ErrValidation, r)
	}
	return []byte(r.String()), nil
}

// UnmarshalText decodes a stored role code.
func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Valid reports whether r is one of Roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleInvoiceManager, RoleDfcAgent:
		return true
	case roleInvalid:
		return false
	}
	return false
}

// CanReviewInvoices reports whether the role may approve or reject invoices.
func (r Role) CanReviewInvoices() bool {
	switch r {
	case RoleDfcAgent:
		return true
	case RoleAdmin, RoleInvoiceManager, roleInvalid:
		return false
	}
	return false
}

// CanCreateInvoices reports whether the role may register invoices.
func (r Role) CanCreateInvoices() bool {
	switch r {
	case RoleAdmin, RoleInvoiceManager:
		return true
	case RoleDfcAgent, roleInvalid:
		return false
	}
	return false
}

// CanManageFiscalYears reports whether the role may govern the current
// fiscal year.
func (r Role) CanManageFiscalYears() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleInvoiceManager, RoleDfcAgent, roleInvalid:
		return false
	}
	return false
}

// CanManageUsers reports whether the role may list users and migrate roles.
func (r Role) CanManageUsers() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleInvoiceManager, RoleDfcAgent, roleInvalid:
		return false
	}
	return false
}

// CanPurgeAudit reports whether the role may run the administrative audit purge.
func (r Role) CanPurgeAudit() bool {
	switch r {
	case RoleAdmin:
		return true
	case RoleInvoiceManager, RoleDfcAgent, roleInvalid:
		return false
	}
	return false
}

// CanReadAudit reports whether the role may browse the audit trail.
func (r Role) CanReadAudit() bool {
	switch r {
	case RoleAdmin, RoleDfcAgent:
		return true
	case RoleInvoiceManager, roleInvalid:
		return false
	}
	return false
}

// Principal is the authenticated actor behind a request.
type Principal struct {
	UserID     int64
	Role       Role
	RememberMe bool
}
