// Package policy implements tenant-scoped access policies and their
// evaluation against authorization requests.
package policy

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/shared"
)

// Policy types.
const (
	TypeResourceBased  = "RESOURCE_BASED"
	TypeIdentityBased  = "IDENTITY_BASED"
	TypeAttributeBased = "ATTRIBUTE_BASED"
	TypeTimeBased      = "TIME_BASED"
	TypeConditional    = "CONDITIONAL"
)

// Effects a policy can contribute.
const (
	EffectAllow = "ALLOW"
	EffectDeny  = "DENY"
)

// Policy is a named, tenant-scoped rule evaluating to an effect or
// not-applicable.
type Policy struct {
	ID          uuid.UUID
	TenantID    uuid.UUID
	Name        string
	Description string
	PolicyType  string
	Effect      string
	Priority    int
	Conditions  shared.Conditions
	StartDate   *time.Time
	EndDate     *time.Time
	IsActive    bool
	CreatedBy   string
	UpdatedBy   string
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time

	// PermissionIDs and ResourceIDs are the policy's reference sets,
	// loaded alongside the row.
	PermissionIDs []uuid.UUID
	ResourceIDs   []uuid.UUID
}

// ActiveAt applies the activation gate: active flag plus the date window.
func (p Policy) ActiveAt(now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.StartDate != nil && now.Before(*p.StartDate) {
		return false
	}
	if p.EndDate != nil && now.After(*p.EndDate) {
		return false
	}
	return true
}

// ListFilters narrows policy listings.
type ListFilters struct {
	TenantID   *uuid.UUID
	PolicyType string
	IsActive   *bool
}

// CreateRequest carries the fields for a new policy.
type CreateRequest struct {
	TenantID      uuid.UUID         `json:"tenant_id" validate:"required"`
	Name          string            `json:"name" validate:"required,max=100"`
	Description   string            `json:"description" validate:"max=500"`
	PolicyType    string            `json:"policy_type" validate:"required,oneof=RESOURCE_BASED IDENTITY_BASED ATTRIBUTE_BASED TIME_BASED CONDITIONAL"`
	Effect        string            `json:"effect" validate:"omitempty,oneof=ALLOW DENY"`
	Priority      int               `json:"priority"`
	Conditions    shared.Conditions `json:"conditions"`
	StartDate     *time.Time        `json:"start_date"`
	EndDate       *time.Time        `json:"end_date"`
	PermissionIDs []uuid.UUID       `json:"permission_ids"`
	ResourceIDs   []uuid.UUID       `json:"resource_ids"`
}

// UpdateRequest mutates an existing policy. Nil fields are left untouched.
type UpdateRequest struct {
	Description *string           `json:"description" validate:"omitempty,max=500"`
	Effect      *string           `json:"effect" validate:"omitempty,oneof=ALLOW DENY"`
	Priority    *int              `json:"priority"`
	Conditions  shared.Conditions `json:"conditions"`
	StartDate   *time.Time        `json:"start_date"`
	EndDate     *time.Time        `json:"end_date"`
	IsActive    *bool             `json:"is_active"`
	Version     int64             `json:"version"`
}

// EvaluationResponse reports a test evaluation of one policy.
type EvaluationResponse struct {
	PolicyID    uuid.UUID `json:"policy_id"`
	PolicyName  string    `json:"policy_name"`
	Effect      string    `json:"effect"`
	Evaluated   bool      `json:"evaluated"`
	Reason      string    `json:"reason"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}
