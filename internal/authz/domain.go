// Package authz hosts the authorization decision engine and its cache.
package authz

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/shared"
)

// Request asks whether a user may perform an action on a resource type,
// optionally narrowed to one stored resource.
type Request struct {
	UserID         uuid.UUID         `json:"user_id" validate:"required"`
	TenantID       uuid.UUID         `json:"tenant_id" validate:"required"`
	Resource       string            `json:"resource" validate:"required,max=100"`
	Action         string            `json:"action" validate:"required,max=100"`
	ResourceID     string            `json:"resource_id"`
	TargetTenantID *uuid.UUID        `json:"target_tenant_id"`
	Attributes     shared.Conditions `json:"attributes"`
	IPAddress      string            `json:"ip_address"`
	UserAgent      string            `json:"user_agent"`
}

// Response is the decision returned for a request.
type Response struct {
	Allowed            bool      `json:"allowed"`
	Reason             string    `json:"reason"`
	GrantedPermissions []string  `json:"granted_permissions"`
	Timestamp          time.Time `json:"timestamp"`
}

// Allowed builds an ALLOW response. Permission names are sorted.
func Allowed(reason string, perms []string) Response {
	sorted := append([]string(nil), perms...)
	sort.Strings(sorted)
	return Response{
		Allowed:            true,
		Reason:             reason,
		GrantedPermissions: sorted,
		Timestamp:          time.Now().UTC(),
	}
}

// Denied builds a DENY response.
func Denied(reason string) Response {
	return Response{Reason: reason, Timestamp: time.Now().UTC()}
}
