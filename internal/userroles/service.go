package userroles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/shared"
)

// RoleSource exposes the role lookups assignment checks need.
type RoleSource interface {
	Get(ctx context.Context, id uuid.UUID) (roles.Role, error)
	CountActiveAssignments(ctx context.Context, roleID uuid.UUID) (int, error)
}

// DecisionCache invalidates cached authorization decisions after mutations.
type DecisionCache interface {
	Invalidate(ctx context.Context, userID, tenantID uuid.UUID) error
}

// Store is the persistence surface the service needs. *Repository satisfies
// it.
type Store interface {
	Insert(ctx context.Context, a Assignment) (Assignment, error)
	Get(ctx context.Context, id uuid.UUID) (Assignment, error)
	Find(ctx context.Context, userID, roleID, tenantID uuid.UUID) (Assignment, error)
	Deactivate(ctx context.Context, id uuid.UUID) error
	Reactivate(ctx context.Context, id uuid.UUID, assignedBy string, expiresAt *time.Time) (Assignment, error)
	ListForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]Assignment, error)
	ListForUserAllTenants(ctx context.Context, userID uuid.UUID) ([]Assignment, error)
	ListForRole(ctx context.Context, roleID uuid.UUID) ([]Assignment, error)
}

// Service provides business logic for user role assignments.
type Service struct {
	repo   Store
	roles  RoleSource
	cache  DecisionCache
	sink   events.Sink
	logger *slog.Logger
}

// NewService constructs a user role service.
func NewService(repo Store, roleSource RoleSource, cache DecisionCache, sink events.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, roles: roleSource, cache: cache, sink: sink, logger: logger}
}

// Assign grants a role to a user within a tenant. Re-assigning a revoked
// pair reactivates it.
func (s *Service) Assign(ctx context.Context, req AssignRequest) (Assignment, error) {
	actor := shared.ActorFromContext(ctx)

	role, err := s.roles.Get(ctx, req.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if !role.IsActive {
		return Assignment{}, fmt.Errorf("role %q is inactive: %w", role.Name, shared.ErrBusinessRule)
	}
	if role.TenantID != nil && *role.TenantID != req.TenantID {
		return Assignment{}, fmt.Errorf("role %q belongs to another tenant: %w", role.Name, shared.ErrTenantIsolation)
	}

	existing, err := s.repo.Find(ctx, req.UserID, req.RoleID, req.TenantID)
	switch {
	case err == nil && existing.IsActive:
		return Assignment{}, fmt.Errorf("user %s already holds role %q: %w", req.UserID, role.Name, shared.ErrDuplicate)
	case err != nil && !errors.Is(err, shared.ErrNotFound):
		return Assignment{}, err
	}

	if role.MaxUsers != nil {
		active, err := s.roles.CountActiveAssignments(ctx, req.RoleID)
		if err != nil {
			return Assignment{}, err
		}
		if active >= *role.MaxUsers {
			return Assignment{}, fmt.Errorf("role %q reached its limit of %d users: %w",
				role.Name, *role.MaxUsers, shared.ErrBusinessRule)
		}
	}

	var assignment Assignment
	if err == nil {
		assignment, err = s.repo.Reactivate(ctx, existing.ID, actor, req.ExpiresAt)
	} else {
		assignment, err = s.repo.Insert(ctx, Assignment{
			ID:         uuid.New(),
			UserID:     req.UserID,
			RoleID:     req.RoleID,
			TenantID:   req.TenantID,
			AssignedBy: actor,
			ExpiresAt:  req.ExpiresAt,
			IsActive:   true,
		})
	}
	if err != nil {
		return Assignment{}, err
	}

	s.invalidate(ctx, req.UserID, req.TenantID)
	s.emit(events.KindRoleAssigned, assignment, role.Name)
	return assignment, nil
}

// Revoke deactivates an assignment.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	assignment, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !assignment.IsActive {
		return fmt.Errorf("assignment %s is already revoked: %w", id, shared.ErrBusinessRule)
	}
	if err := s.repo.Deactivate(ctx, id); err != nil {
		return err
	}

	roleName := ""
	if role, err := s.roles.Get(ctx, assignment.RoleID); err == nil {
		roleName = role.Name
	}

	s.invalidate(ctx, assignment.UserID, assignment.TenantID)
	s.emit(events.KindRoleRevoked, assignment, roleName)
	return nil
}

// RolesForUser lists a user's assignments within one tenant.
func (s *Service) RolesForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]Assignment, error) {
	return s.repo.ListForUser(ctx, userID, tenantID)
}

// RolesForUserAllTenants lists a user's assignments across every tenant.
func (s *Service) RolesForUserAllTenants(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	return s.repo.ListForUserAllTenants(ctx, userID)
}

// UsersForRole lists the assignments of one role.
func (s *Service) UsersForRole(ctx context.Context, roleID uuid.UUID) ([]Assignment, error) {
	return s.repo.ListForRole(ctx, roleID)
}

// UserHasRole reports whether the user actively holds the role.
func (s *Service) UserHasRole(ctx context.Context, userID, roleID, tenantID uuid.UUID) (bool, error) {
	assignment, err := s.repo.Find(ctx, userID, roleID, tenantID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return assignment.IsActive && !assignment.Expired(time.Now()), nil
}

func (s *Service) invalidate(ctx context.Context, userID, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID, tenantID); err != nil {
		s.logger.Warn("decision cache invalidation failed",
			"user_id", userID, "tenant_id", tenantID, "error", err)
	}
}

func (s *Service) emit(kind string, a Assignment, roleName string) {
	if s.sink == nil {
		return
	}
	s.sink.Emit(events.NewAuditEvent(kind, a.TenantID.String(), a.UserID.String(), map[string]string{
		"assignment_id": a.ID.String(),
		"role_id":       a.RoleID.String(),
		"role_name":     roleName,
	}))
}
