package resources

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/shared"
)

// DecisionCache invalidates cached authorization decisions after mutations.
type DecisionCache interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Store is the persistence surface the service needs. *Repository satisfies
// it.
type Store interface {
	Create(ctx context.Context, res Resource) (Resource, error)
	Get(ctx context.Context, id uuid.UUID) (Resource, error)
	GetByIdentifier(ctx context.Context, identifier string) (Resource, error)
	List(ctx context.Context, filters ListFilters) ([]Resource, error)
	Update(ctx context.Context, res Resource) (Resource, error)
	Delete(ctx context.Context, id uuid.UUID) error
	CountChildren(ctx context.Context, id uuid.UUID) (int, error)
	AttachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error
	DetachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error
}

// Service provides business logic for resource administration.
type Service struct {
	repo   Store
	cache  DecisionCache
	logger *slog.Logger
}

// NewService constructs a resource service.
func NewService(repo Store, cache DecisionCache, logger *slog.Logger) *Service {
	return &Service{repo: repo, cache: cache, logger: logger}
}

// Create registers a new resource.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Resource, error) {
	if req.ParentResourceID != nil {
		parent, err := s.repo.Get(ctx, *req.ParentResourceID)
		if err != nil {
			return Resource{}, err
		}
		if parent.TenantID != req.TenantID {
			return Resource{}, fmt.Errorf("parent resource %q belongs to another tenant: %w",
				parent.ResourceIdentifier, shared.ErrTenantIsolation)
		}
	}

	res := Resource{
		ID:                 uuid.New(),
		ResourceIdentifier: req.ResourceIdentifier,
		ResourceType:       req.ResourceType,
		TenantID:           req.TenantID,
		ParentResourceID:   req.ParentResourceID,
		Attributes:         req.Attributes,
		OwnerID:            req.OwnerID,
		IsPublic:           req.IsPublic,
		IsActive:           true,
	}
	return s.repo.Create(ctx, res)
}

// Get fetches a resource by identifier.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Resource, error) {
	return s.repo.Get(ctx, id)
}

// GetByIdentifier resolves a resource by its external identifier.
func (s *Service) GetByIdentifier(ctx context.Context, identifier string) (Resource, error) {
	return s.repo.GetByIdentifier(ctx, identifier)
}

// List returns resources matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Resource, error) {
	return s.repo.List(ctx, filters)
}

// Update applies a partial update guarded by the version counter.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Resource, error) {
	res, err := s.repo.Get(ctx, id)
	if err != nil {
		return Resource{}, err
	}
	if req.ParentResourceID != nil {
		parent, err := s.repo.Get(ctx, *req.ParentResourceID)
		if err != nil {
			return Resource{}, err
		}
		if parent.TenantID != res.TenantID {
			return Resource{}, fmt.Errorf("parent resource %q belongs to another tenant: %w",
				parent.ResourceIdentifier, shared.ErrTenantIsolation)
		}
		res.ParentResourceID = req.ParentResourceID
	}
	if req.Attributes != nil {
		res.Attributes = req.Attributes
	}
	if req.OwnerID != nil {
		res.OwnerID = req.OwnerID
	}
	if req.IsPublic != nil {
		res.IsPublic = *req.IsPublic
	}
	if req.IsActive != nil {
		res.IsActive = *req.IsActive
	}
	res.Version = req.Version

	updated, err := s.repo.Update(ctx, res)
	if err != nil {
		return Resource{}, err
	}
	s.invalidate(ctx, updated.TenantID)
	return updated, nil
}

// Delete removes a resource without children.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	children, err := s.repo.CountChildren(ctx, id)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("resource %q has %d child resources: %w",
			res.ResourceIdentifier, children, shared.ErrBusinessRule)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, res.TenantID)
	return nil
}

// AttachPolicy links a policy to the resource.
func (s *Service) AttachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error {
	res, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if err := s.repo.AttachPolicy(ctx, resourceID, policyID); err != nil {
		return err
	}
	s.invalidate(ctx, res.TenantID)
	return nil
}

// DetachPolicy unlinks a policy from the resource.
func (s *Service) DetachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error {
	res, err := s.repo.Get(ctx, resourceID)
	if err != nil {
		return err
	}
	if err := s.repo.DetachPolicy(ctx, resourceID, policyID); err != nil {
		return err
	}
	s.invalidate(ctx, res.TenantID)
	return nil
}

func (s *Service) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		s.logger.Warn("decision cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}
