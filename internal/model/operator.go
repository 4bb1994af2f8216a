package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperatorRole represents the RBAC role assigned to an operator.
type OperatorRole string

const (
	RoleAdmin    OperatorRole = "admin"
	RoleOperator OperatorRole = "operator"
	RoleReader   OperatorRole = "reader"
)

// Operator is a human or automation identity allowed to call the API.
type Operator struct {
	ID         uuid.UUID    `json:"id"`
	OperatorID string       `json:"operator_id"`
	Name       string       `json:"name"`
	Role       OperatorRole `json:"role"`
	APIKeyHash *string      `json:"-"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r OperatorRole) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleReader:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole OperatorRole) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// ValidateOperatorID checks that an operator ID is 1-255 ASCII characters:
// alphanumeric, dots, hyphens, underscores, and @ signs.
func ValidateOperatorID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("operator_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("operator_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("operator_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
