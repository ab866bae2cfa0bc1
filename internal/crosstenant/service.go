package crosstenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Store is the persistence surface the service needs. *Repository satisfies
// it.
type Store interface {
	Insert(ctx context.Context, a Access) (Access, error)
	Get(ctx context.Context, id uuid.UUID) (Access, error)
	ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]Access, error)
	Revoke(ctx context.Context, id uuid.UUID, revokedBy string) error
	FindActive(ctx context.Context, sourceTenantID, targetTenantID uuid.UUID, resourceType string) (Access, error)
}

// Service provides business logic for cross-tenant access grants.
type Service struct {
	repo   Store
	sink   events.Sink
	logger *slog.Logger
}

// NewService constructs a cross-tenant access service.
func NewService(repo Store, sink events.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, sink: sink, logger: logger}
}

// Grant creates an access grant from a source tenant to a target tenant.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (Access, error) {
	actor := shared.ActorFromContext(ctx)

	if req.SourceTenantID == req.TargetTenantID {
		return Access{}, fmt.Errorf("source and target tenants are identical: %w", shared.ErrValidation)
	}
	if len(req.Permissions) == 0 {
		return Access{}, fmt.Errorf("a grant needs at least one permitted action: %w", shared.ErrValidation)
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		return Access{}, fmt.Errorf("expiration %s is not in the future: %w",
			req.ExpiresAt.Format(time.RFC3339), shared.ErrValidation)
	}

	created, err := s.repo.Insert(ctx, Access{
		ID:             uuid.New(),
		SourceTenantID: req.SourceTenantID,
		TargetTenantID: req.TargetTenantID,
		ResourceType:   req.ResourceType,
		ResourceID:     req.ResourceID,
		Permissions:    req.Permissions,
		Conditions:     req.Conditions,
		GrantedBy:      actor,
		ExpiresAt:      req.ExpiresAt,
		IsActive:       true,
	})
	if err != nil {
		return Access{}, err
	}

	s.emit(events.KindCrossTenantAccessGranted, created, map[string]string{
		"resource_type": created.ResourceType,
		"permissions":   strings.Join(created.Permissions, ","),
	})
	return created, nil
}

// Get fetches a grant.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Access, error) {
	return s.repo.Get(ctx, id)
}

// ListForTenant returns the grants where the tenant is source or target.
func (s *Service) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]Access, error) {
	return s.repo.ListForTenant(ctx, tenantID)
}

// Revoke deactivates a grant.
func (s *Service) Revoke(ctx context.Context, id uuid.UUID) error {
	actor := shared.ActorFromContext(ctx)

	access, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Revoke(ctx, id, actor); err != nil {
		return err
	}

	s.emit(events.KindCrossTenantAccessRevoked, access, map[string]string{
		"resource_type": access.ResourceType,
		"revoked_by":    actor,
	})
	return nil
}

// Check reports whether an active, unexpired grant from source to target
// covers the action on the resource type.
func (s *Service) Check(ctx context.Context, sourceTenantID, targetTenantID uuid.UUID, resourceType, action string) (bool, error) {
	access, err := s.repo.FindActive(ctx, sourceTenantID, targetTenantID, resourceType)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return access.Valid(time.Now()) && access.Allows(action), nil
}

func (s *Service) emit(kind string, a Access, fields map[string]string) {
	if s.sink == nil {
		return
	}
	fields["access_id"] = a.ID.String()
	fields["source_tenant_id"] = a.SourceTenantID.String()
	fields["target_tenant_id"] = a.TargetTenantID.String()
	s.sink.Emit(events.NewAuditEvent(kind, a.SourceTenantID.String(), "", fields))
}
