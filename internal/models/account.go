package models

import "time"

// Account roles
const (
	RoleIndividual   = "INDIVIDUAL"
	RoleOrganization = "ORGANIZATION"
	RoleOperator     = "OPERATOR"
)

type Account struct {
	ID             string     `json:"id" db:"id"`
	Email          string     `json:"email" db:"email"`
	Name           string     `json:"name" db:"name"`
	Role           string     `json:"role" db:"role"`
	OrganizationID *string    `json:"organization_id,omitempty" db:"organization_id"` // parent org for member accounts
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	LastLogin      *time.Time `json:"last_login,omitempty" db:"last_login"`
}
