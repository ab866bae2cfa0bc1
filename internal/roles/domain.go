// Package roles manages tenant-scoped roles, their hierarchy, and their
// permission grants.
package roles

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/shared"
)

// SuperAdminRoleName short-circuits the decision pipeline.
const SuperAdminRoleName = "SUPER_ADMIN"

// MaxHierarchyDepth bounds the parent chain from any role to a root.
const MaxHierarchyDepth = 10

// MaxPermissionsPerRole caps the grants attached to one role.
const MaxPermissionsPerRole = 100

// Role is a named set of permission grants owned by a tenant. TenantID is nil
// for global roles such as SUPER_ADMIN.
type Role struct {
	ID           uuid.UUID
	TenantID     *uuid.UUID
	Name         string
	Description  string
	Priority     int
	MaxUsers     *int
	IsSystem     bool
	IsActive     bool
	ParentRoleID *uuid.UUID
	CreatedBy    string
	UpdatedBy    string
	Version      int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Grant is a permission attached to a role, optionally constrained and
// expiring.
type Grant struct {
	ID           uuid.UUID
	RoleID       uuid.UUID
	PermissionID uuid.UUID
	Constraints  shared.Conditions
	ExpiresAt    *time.Time
	GrantedBy    string
	GrantedAt    time.Time
}

// Expired reports whether the grant's expiry has passed at the given instant.
func (g Grant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && g.ExpiresAt.Before(now)
}

// GrantedPermission pairs a grant with the permission it references.
type GrantedPermission struct {
	Grant      Grant
	Permission permissions.Permission
}

// Hierarchy describes a role together with its parent chain, direct children,
// and the union of inherited permissions.
type Hierarchy struct {
	Role        Role
	ParentChain []Role
	Children    []Role
	Inherited   []permissions.Permission
}

// Statistics summarizes a role for administrative views.
type Statistics struct {
	RoleID          uuid.UUID
	PermissionCount int
	ActiveUsers     int
	ChildRoles      int
}

// ListFilters narrows role listings within a tenant.
type ListFilters struct {
	TenantID *uuid.UUID
	IsActive *bool
	Search   string
}

// CreateRequest carries the fields for a new role.
type CreateRequest struct {
	TenantID      *uuid.UUID  `json:"tenant_id"`
	Name          string      `json:"name" validate:"required,max=100"`
	Description   string      `json:"description" validate:"max=500"`
	Priority      int         `json:"priority" validate:"min=1,max=10000"`
	MaxUsers      *int        `json:"max_users" validate:"omitempty,min=1"`
	ParentRoleID  *uuid.UUID  `json:"parent_role_id"`
	PermissionIDs []uuid.UUID `json:"permission_ids"`
}

// UpdateRequest mutates an existing role. Nil fields are left untouched.
type UpdateRequest struct {
	Name           *string    `json:"name" validate:"omitempty,max=100"`
	Description    *string    `json:"description" validate:"omitempty,max=500"`
	Priority       *int       `json:"priority" validate:"omitempty,min=1,max=10000"`
	MaxUsers       *int       `json:"max_users" validate:"omitempty,min=1"`
	ParentRoleID   *uuid.UUID `json:"parent_role_id"`
	IsActive       *bool      `json:"is_active"`
	Version        int64      `json:"version"`
	SystemOverride bool       `json:"system_override"`
}
