package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridianstat/authz-service/internal/shared"
)

const (
	resourceTypesKey = "authz:permissions:resource_types"
	actionsKey       = "authz:permissions:actions"
	enumerationTTL   = 5 * time.Minute
)

// Service provides business logic for the permission catalog. The distinct
// resource-type and action enumerations are cached in Redis; a nil client
// falls back to the store on every call.
type Service struct {
	repo   *Repository
	redis  *redis.Client
	logger *slog.Logger
}

// NewService constructs a permission service.
func NewService(repo *Repository, client *redis.Client, logger *slog.Logger) *Service {
	return &Service{repo: repo, redis: client, logger: logger}
}

// Create registers a new permission.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Permission, error) {
	risk := req.RiskLevel
	if risk == "" {
		risk = RiskLow
	}
	perm := Permission{
		ID:               uuid.New(),
		ResourceType:     req.ResourceType,
		Action:           req.Action,
		Description:      req.Description,
		RiskLevel:        risk,
		RequiresMFA:      req.RequiresMFA,
		RequiresApproval: req.RequiresApproval,
		IsActive:         true,
	}
	created, err := s.repo.Create(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	s.dropEnumerations(ctx)
	return created, nil
}

// Get fetches a permission.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Permission, error) {
	return s.repo.Get(ctx, id)
}

// GetByName resolves a "TYPE:ACTION" pair.
func (s *Service) GetByName(ctx context.Context, resourceType, action string) (Permission, error) {
	return s.repo.GetByTypeAndAction(ctx, resourceType, action)
}

// List returns permissions matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Permission, error) {
	return s.repo.List(ctx, filters)
}

// ListByIDs resolves a set of permission identifiers.
func (s *Service) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error) {
	return s.repo.ListByIDs(ctx, ids)
}

// Update applies a partial update guarded by the version counter.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Permission, error) {
	perm, err := s.repo.Get(ctx, id)
	if err != nil {
		return Permission{}, err
	}
	if perm.IsSystem {
		return Permission{}, fmt.Errorf("permission %q is a system permission: %w", perm.Name(), shared.ErrBusinessRule)
	}

	if req.Description != nil {
		perm.Description = *req.Description
	}
	if req.RiskLevel != nil {
		perm.RiskLevel = *req.RiskLevel
	}
	if req.RequiresMFA != nil {
		perm.RequiresMFA = *req.RequiresMFA
	}
	if req.RequiresApproval != nil {
		perm.RequiresApproval = *req.RequiresApproval
	}
	if req.IsActive != nil {
		perm.IsActive = *req.IsActive
	}
	perm.Version = req.Version

	updated, err := s.repo.Update(ctx, perm)
	if err != nil {
		return Permission{}, err
	}
	s.dropEnumerations(ctx)
	return updated, nil
}

// Delete removes a permission that no role references.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	perm, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if perm.IsSystem {
		return fmt.Errorf("permission %q is a system permission: %w", perm.Name(), shared.ErrBusinessRule)
	}
	inUse, err := s.repo.CountRolesUsing(ctx, id)
	if err != nil {
		return err
	}
	if inUse > 0 {
		return fmt.Errorf("permission %q is granted to %d roles: %w", perm.Name(), inUse, shared.ErrBusinessRule)
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.dropEnumerations(ctx)
	return nil
}

// ResourceTypes enumerates the distinct resource types in the catalog.
func (s *Service) ResourceTypes(ctx context.Context) ([]string, error) {
	return s.enumeration(ctx, resourceTypesKey, s.repo.DistinctResourceTypes)
}

// Actions enumerates the distinct actions in the catalog.
func (s *Service) Actions(ctx context.Context) ([]string, error) {
	return s.enumeration(ctx, actionsKey, s.repo.DistinctActions)
}

func (s *Service) enumeration(ctx context.Context, key string, load func(context.Context) ([]string, error)) ([]string, error) {
	if s.redis != nil {
		payload, err := s.redis.Get(ctx, key).Bytes()
		if err == nil {
			var out []string
			if err := json.Unmarshal(payload, &out); err == nil {
				return out, nil
			}
		} else if err != redis.Nil {
			s.logger.Warn("enumeration cache read failed", "key", key, "error", err)
		}
	}

	out, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if s.redis != nil {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.redis.Set(ctx, key, raw, enumerationTTL).Err(); err != nil {
				s.logger.Warn("enumeration cache write failed", "key", key, "error", err)
			}
		}
	}
	return out, nil
}

func (s *Service) dropEnumerations(ctx context.Context) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, resourceTypesKey, actionsKey).Err(); err != nil {
		s.logger.Warn("enumeration cache invalidation failed", "error", err)
	}
}
