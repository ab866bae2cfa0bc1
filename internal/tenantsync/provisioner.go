package tenantsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/shared"
	"github.com/meridianstat/authz-service/internal/userroles"
)

const systemActor = "SYSTEM"

// RoleStore is the role persistence surface provisioning needs.
type RoleStore interface {
	GetByName(ctx context.Context, tenantID *uuid.UUID, name string) (roles.Role, error)
	WithTx(ctx context.Context, fn func(q roles.Querier) error) error
	DeactivateForTenant(ctx context.Context, tenantID uuid.UUID) (int64, error)
}

// PermissionStore resolves the permission catalog for a role's scope.
type PermissionStore interface {
	ListByScope(ctx context.Context, resourceTypes []string, actions []string) ([]permissions.Permission, error)
}

// AssignmentStore records user role assignments.
type AssignmentStore interface {
	Insert(ctx context.Context, a userroles.Assignment) (userroles.Assignment, error)
}

// DecisionCache invalidates cached authorization decisions after lifecycle
// changes.
type DecisionCache interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Syncer materializes the default role set for new tenants and shuts roles
// down when a tenant is deactivated. Provisioning is idempotent: roles that
// already exist are left untouched, so replayed lifecycle events are safe.
type Syncer struct {
	roles       RoleStore
	permissions PermissionStore
	assignments AssignmentStore
	cache       DecisionCache
	sink        events.Sink
	logger      *slog.Logger
}

// NewSyncer constructs a tenant lifecycle syncer.
func NewSyncer(roleStore RoleStore, permStore PermissionStore, assignStore AssignmentStore, cache DecisionCache, sink events.Sink, logger *slog.Logger) *Syncer {
	return &Syncer{
		roles:       roleStore,
		permissions: permStore,
		assignments: assignStore,
		cache:       cache,
		sink:        sink,
		logger:      logger,
	}
}

// ProvisionTenant creates the default roles for a freshly created tenant and
// assigns the tenant admin role to the creating user when one is known.
func (s *Syncer) ProvisionTenant(ctx context.Context, tenantID uuid.UUID, creatorID *uuid.UUID) error {
	var adminRoleID uuid.UUID

	for _, spec := range DefaultRoles {
		role, created, err := s.ensureRole(ctx, tenantID, spec)
		if err != nil {
			return fmt.Errorf("provision role %q for tenant %s: %w", spec.Name, tenantID, err)
		}
		if spec.Name == TenantAdminRole {
			adminRoleID = role.ID
		}
		if created {
			s.emitRoleCreated(role)
		}
	}

	if creatorID != nil {
		if adminRoleID == uuid.Nil {
			return fmt.Errorf("tenant %s has no %s role after provisioning: %w",
				tenantID, TenantAdminRole, shared.ErrBusinessRule)
		}
		if err := s.assignAdmin(ctx, tenantID, adminRoleID, *creatorID); err != nil {
			return fmt.Errorf("assign %s to creator %s: %w", TenantAdminRole, *creatorID, err)
		}
	}

	s.logger.Info("tenant provisioned", "tenant_id", tenantID, "roles", len(DefaultRoles))
	return nil
}

// ensureRole creates one default role with its permission grants, or returns
// the existing role when a previous run already created it.
func (s *Syncer) ensureRole(ctx context.Context, tenantID uuid.UUID, spec RoleSpec) (roles.Role, bool, error) {
	tid := tenantID
	existing, err := s.roles.GetByName(ctx, &tid, spec.Name)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, shared.ErrNotFound):
		return roles.Role{}, false, err
	}

	scoped, err := s.permissions.ListByScope(ctx, spec.Scope, spec.Include)
	if err != nil {
		return roles.Role{}, false, err
	}
	granted := scoped[:0:0]
	for _, p := range scoped {
		if spec.Allows(p.Action) {
			granted = append(granted, p)
		}
	}

	role := roles.Role{
		ID:          uuid.New(),
		TenantID:    &tid,
		Name:        spec.Name,
		Description: "Default " + spec.Name + " role",
		Priority:    spec.Priority,
		IsSystem:    true,
		IsActive:    true,
		CreatedBy:   systemActor,
	}
	err = s.roles.WithTx(ctx, func(q roles.Querier) error {
		created, err := q.InsertRole(ctx, role)
		if err != nil {
			return err
		}
		role = created
		for _, p := range granted {
			_, err := q.InsertGrant(ctx, roles.Grant{
				ID:           uuid.New(),
				RoleID:       role.ID,
				PermissionID: p.ID,
				GrantedBy:    systemActor,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// A concurrent run won the insert race.
		if errors.Is(err, shared.ErrDuplicate) {
			existing, getErr := s.roles.GetByName(ctx, &tid, spec.Name)
			if getErr != nil {
				return roles.Role{}, false, getErr
			}
			return existing, false, nil
		}
		return roles.Role{}, false, err
	}

	s.logger.Debug("default role created",
		"tenant_id", tenantID, "role", role.Name, "permissions", len(granted))
	return role, true, nil
}

func (s *Syncer) assignAdmin(ctx context.Context, tenantID, roleID, userID uuid.UUID) error {
	assignment, err := s.assignments.Insert(ctx, userroles.Assignment{
		ID:         uuid.New(),
		UserID:     userID,
		RoleID:     roleID,
		TenantID:   tenantID,
		AssignedBy: systemActor,
		IsActive:   true,
	})
	if err != nil {
		if errors.Is(err, shared.ErrDuplicate) {
			return nil
		}
		return err
	}

	if s.sink != nil {
		s.sink.Emit(events.NewAuditEvent(events.KindRoleAssigned, tenantID.String(), userID.String(), map[string]string{
			"assignment_id": assignment.ID.String(),
			"role_id":       roleID.String(),
			"role_name":     TenantAdminRole,
		}))
	}
	return nil
}

// DeactivateTenant disables every role of the tenant and drops its cached
// decisions.
func (s *Syncer) DeactivateTenant(ctx context.Context, tenantID uuid.UUID) error {
	affected, err := s.roles.DeactivateForTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("deactivate roles for tenant %s: %w", tenantID, err)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
			s.logger.Warn("decision cache invalidation failed", "tenant_id", tenantID, "error", err)
		}
	}
	s.logger.Info("tenant deactivated", "tenant_id", tenantID, "roles_disabled", affected)
	return nil
}

func (s *Syncer) emitRoleCreated(role roles.Role) {
	if s.sink == nil || role.TenantID == nil {
		return
	}
	s.sink.Emit(events.NewAuditEvent(events.KindRoleCreated, role.TenantID.String(), "", map[string]string{
		"role_id":   role.ID.String(),
		"role_name": role.Name,
		"system":    "true",
	}))
}
