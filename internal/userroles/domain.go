// Package userroles manages assignments of roles to users within a tenant.
package userroles

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/roles"
)

// Assignment binds a user to a role within a tenant.
type Assignment struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	RoleID     uuid.UUID
	TenantID   uuid.UUID
	AssignedBy string
	AssignedAt time.Time
	ExpiresAt  *time.Time
	IsActive   bool
}

// Expired reports whether the assignment's expiry has passed.
func (a Assignment) Expired(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.Before(now)
}

// ActiveRole is one active assignment eagerly joined with its role and the
// role's permission grants. The decision engine consumes this shape.
type ActiveRole struct {
	Assignment Assignment
	Role       roles.Role
	Grants     []roles.GrantedPermission
}

// AssignRequest carries the fields for a new assignment.
type AssignRequest struct {
	UserID    uuid.UUID  `json:"user_id" validate:"required"`
	RoleID    uuid.UUID  `json:"role_id" validate:"required"`
	TenantID  uuid.UUID  `json:"tenant_id" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}
