// Package events carries the audit and tenant lifecycle event traffic between
// this service and the message broker.
package events

import (
	"time"

	"github.com/google/uuid"
)

// SourceService identifies this service in event metadata.
const SourceService = "authorization-service"

// SchemaVersion is stamped on every outbound event.
const SchemaVersion = "1.0"

// Outbound event kinds.
const (
	KindAuthorizationChecked     = "AUTHORIZATION_CHECKED"
	KindRoleCreated              = "ROLE_CREATED"
	KindRoleUpdated              = "ROLE_UPDATED"
	KindRoleDeleted              = "ROLE_DELETED"
	KindRoleAssigned             = "ROLE_ASSIGNED"
	KindRoleRevoked              = "ROLE_REVOKED"
	KindPermissionGranted        = "PERMISSION_GRANTED"
	KindPermissionRevoked        = "PERMISSION_REVOKED"
	KindPolicyCreated            = "POLICY_CREATED"
	KindPolicyEvaluated          = "POLICY_EVALUATED"
	KindCrossTenantAccessGranted = "CROSS_TENANT_ACCESS_GRANTED"
	KindCrossTenantAccessRevoked = "CROSS_TENANT_ACCESS_REVOKED"
)

// Metadata travels with every event.
type Metadata struct {
	EventID       uuid.UUID
	SourceService string
	Version       string
	Timestamp     time.Time
	CorrelationID string
}

// AuditEvent is one outbound audit record. Fields holds the flavor-specific
// attributes as strings.
type AuditEvent struct {
	Metadata Metadata
	Kind     string
	TenantID string
	UserID   string
	Fields   map[string]string
}

// NewAuditEvent stamps fresh metadata onto an event.
func NewAuditEvent(kind, tenantID, userID string, fields map[string]string) AuditEvent {
	return AuditEvent{
		Metadata: Metadata{
			EventID:       uuid.New(),
			SourceService: SourceService,
			Version:       SchemaVersion,
			Timestamp:     time.Now().UTC(),
		},
		Kind:     kind,
		TenantID: tenantID,
		UserID:   userID,
		Fields:   fields,
	}
}

// TenantCreated is the inbound tenant provisioning event.
type TenantCreated struct {
	CorrelationID string
	UserID        string
	TenantID      string
	TenantCode    string
}

// TenantDeactivated is the inbound tenant shutdown event.
type TenantDeactivated struct {
	CorrelationID string
	TenantID      string
}

// Sink accepts events for asynchronous publication. Implementations must not
// block the caller.
type Sink interface {
	Emit(ev AuditEvent)
}
