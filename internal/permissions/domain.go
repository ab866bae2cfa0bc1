// Package permissions manages the (resource_type, action) capability catalog.
package permissions

import (
	"time"

	"github.com/google/uuid"
)

// Risk levels for a permission.
const (
	RiskLow      = "LOW"
	RiskMedium   = "MEDIUM"
	RiskHigh     = "HIGH"
	RiskCritical = "CRITICAL"
)

// Permission is a capability keyed by (resource_type, action). The pair is
// globally unique.
type Permission struct {
	ID               uuid.UUID
	ResourceType     string
	Action           string
	Description      string
	RiskLevel        string
	RequiresMFA      bool
	RequiresApproval bool
	IsSystem         bool
	IsActive         bool
	Version          int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Name returns the canonical "TYPE:ACTION" form used in decision responses
// and policy conditions.
func (p Permission) Name() string {
	return p.ResourceType + ":" + p.Action
}

// ListFilters narrows permission listings.
type ListFilters struct {
	ResourceType string
	Action       string
	IsActive     *bool
	Search       string
}

// CreateRequest carries the fields for a new permission.
type CreateRequest struct {
	ResourceType     string `json:"resource_type" validate:"required,max=100"`
	Action           string `json:"action" validate:"required,max=50"`
	Description      string `json:"description" validate:"max=500"`
	RiskLevel        string `json:"risk_level" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	RequiresMFA      bool   `json:"requires_mfa"`
	RequiresApproval bool   `json:"requires_approval"`
}

// UpdateRequest mutates an existing permission. Nil fields are left untouched.
type UpdateRequest struct {
	Description      *string `json:"description" validate:"omitempty,max=500"`
	RiskLevel        *string `json:"risk_level" validate:"omitempty,oneof=LOW MEDIUM HIGH CRITICAL"`
	RequiresMFA      *bool   `json:"requires_mfa"`
	RequiresApproval *bool   `json:"requires_approval"`
	IsActive         *bool   `json:"is_active"`
	Version          int64   `json:"version"`
}
