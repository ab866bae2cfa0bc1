// Package crosstenant manages explicit access grants between tenants.
package crosstenant

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/shared"
)

// Access is a grant letting a source tenant act on a target tenant's
// resources of one type.
type Access struct {
	ID             uuid.UUID
	SourceTenantID uuid.UUID
	TargetTenantID uuid.UUID
	ResourceType   string
	ResourceID     *uuid.UUID
	Permissions    []string
	Conditions     shared.Conditions
	GrantedBy      string
	GrantedAt      time.Time
	RevokedBy      *string
	RevokedAt      *time.Time
	ExpiresAt      *time.Time
	IsActive       bool
}

// Valid reports whether the grant is active and unexpired at the instant.
func (a Access) Valid(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	return a.ExpiresAt == nil || a.ExpiresAt.After(now)
}

// Allows reports whether the grant covers the action.
func (a Access) Allows(action string) bool {
	for _, p := range a.Permissions {
		if p == action {
			return true
		}
	}
	return false
}

// GrantRequest carries the fields for a new grant.
type GrantRequest struct {
	SourceTenantID uuid.UUID         `json:"source_tenant_id" validate:"required"`
	TargetTenantID uuid.UUID         `json:"target_tenant_id" validate:"required"`
	ResourceType   string            `json:"resource_type" validate:"required,max=100"`
	ResourceID     *uuid.UUID        `json:"resource_id"`
	Permissions    []string          `json:"permissions" validate:"required,min=1,dive,required"`
	Conditions     shared.Conditions `json:"conditions"`
	ExpiresAt      *time.Time        `json:"expires_at"`
}
