package users

import (
	"time"

	"github.com/odyssey-erp/fiscaldesk/internal/shared"
)

// User is an account and its live role. Documents that need the role a user
// held at some point copy it; they never join back to this record.
type User struct {
	ID           int64       `json:"id"`
	Email        string      `json:"email"`
	Name         string      `json:"name"`
	Role         shared.Role `json:"role"`
	PasswordHash string      `json:"-"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}
