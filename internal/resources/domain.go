// Package resources manages protected resources and their policy
// attachments.
package resources

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/shared"
)

// Resource is a protected entity identified globally by its
// resource_identifier.
type Resource struct {
	ID                 uuid.UUID
	ResourceIdentifier string
	ResourceType       string
	TenantID           uuid.UUID
	ParentResourceID   *uuid.UUID
	Attributes         shared.Conditions
	OwnerID            *uuid.UUID
	IsPublic           bool
	IsActive           bool
	Version            int64
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ListFilters narrows resource listings.
type ListFilters struct {
	TenantID     *uuid.UUID
	ResourceType string
	IsActive     *bool
	Search       string
}

// CreateRequest carries the fields for a new resource.
type CreateRequest struct {
	ResourceIdentifier string            `json:"resource_identifier" validate:"required,max=255"`
	ResourceType       string            `json:"resource_type" validate:"required,max=100"`
	TenantID           uuid.UUID         `json:"tenant_id" validate:"required"`
	ParentResourceID   *uuid.UUID        `json:"parent_resource_id"`
	Attributes         shared.Conditions `json:"attributes"`
	OwnerID            *uuid.UUID        `json:"owner_id"`
	IsPublic           bool              `json:"is_public"`
}

// UpdateRequest mutates an existing resource. Nil fields are left untouched.
type UpdateRequest struct {
	ParentResourceID *uuid.UUID        `json:"parent_resource_id"`
	Attributes       shared.Conditions `json:"attributes"`
	OwnerID          *uuid.UUID        `json:"owner_id"`
	IsPublic         *bool             `json:"is_public"`
	IsActive         *bool             `json:"is_active"`
	Version          int64             `json:"version"`
}
