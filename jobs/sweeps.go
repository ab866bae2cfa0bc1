package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridianstat/authz-service/internal/jobs"
)

// PolicyStore deactivates expired policies.
type PolicyStore interface {
	SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// RoleGrantStore removes expired role-permission grants.
type RoleGrantStore interface {
	SweepExpiredGrants(ctx context.Context, now time.Time) (int64, error)
}

// AssignmentStore deactivates expired user role assignments.
type AssignmentStore interface {
	TenantsTouched(ctx context.Context, cutoff time.Time) ([][2]uuid.UUID, error)
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// CrossTenantStore deactivates expired cross-tenant grants.
type CrossTenantStore interface {
	SweepExpired(ctx context.Context, now time.Time) (int64, error)
}

// DecisionCache drops cached authorization decisions invalidated by a sweep.
type DecisionCache interface {
	Invalidate(ctx context.Context, userID, tenantID uuid.UUID) error
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// Sweeper bundles the expiry sweep handlers. Each sweep deactivates or
// removes expired records and then drops the cached decisions they could
// have influenced.
type Sweeper struct {
	policies    PolicyStore
	grants      RoleGrantStore
	assignments AssignmentStore
	crossTenant CrossTenantStore
	cache       DecisionCache
	metrics     *jobmetrics.Metrics
	logger      *slog.Logger
}

// SweeperConfig collects the sweeper's dependencies.
type SweeperConfig struct {
	Policies    PolicyStore
	Grants      RoleGrantStore
	Assignments AssignmentStore
	CrossTenant CrossTenantStore
	Cache       DecisionCache
	Metrics     *jobmetrics.Metrics
	Logger      *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	return &Sweeper{
		policies:    cfg.Policies,
		grants:      cfg.Grants,
		assignments: cfg.Assignments,
		crossTenant: cfg.CrossTenant,
		cache:       cfg.Cache,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// HandleSweepPolicies processes TaskSweepPolicies tasks.
func (s *Sweeper) HandleSweepPolicies(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("sweep_policies")

	tenants, err := s.policies.SweepExpired(ctx, time.Now())
	if err != nil {
		return tracker.End(err)
	}
	s.metrics.AddSwept("policies", int64(len(tenants)))

	seen := make(map[uuid.UUID]struct{}, len(tenants))
	for _, tenantID := range tenants {
		if _, ok := seen[tenantID]; ok {
			continue
		}
		seen[tenantID] = struct{}{}
		if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
			s.logger.Warn("decision cache invalidation failed", "tenant_id", tenantID, "error", err)
		}
	}

	s.logger.Info("expired policies swept", "deactivated", len(tenants), "tenants", len(seen))
	return tracker.End(nil)
}

// HandleSweepRoleGrants processes TaskSweepRoleGrants tasks. Grants can
// belong to global roles, so a hit invalidates the whole decision cache.
func (s *Sweeper) HandleSweepRoleGrants(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("sweep_role_permissions")

	removed, err := s.grants.SweepExpiredGrants(ctx, time.Now())
	if err != nil {
		return tracker.End(err)
	}
	s.metrics.AddSwept("role_permissions", removed)

	if removed > 0 {
		if err := s.cache.InvalidateAll(ctx); err != nil {
			s.logger.Warn("decision cache invalidation failed", "error", err)
		}
	}

	s.logger.Info("expired role grants swept", "removed", removed)
	return tracker.End(nil)
}

// HandleSweepUserRoles processes TaskSweepUserRoles tasks.
func (s *Sweeper) HandleSweepUserRoles(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("sweep_user_roles")

	now := time.Now()
	touched, err := s.assignments.TenantsTouched(ctx, now)
	if err != nil {
		return tracker.End(err)
	}
	deactivated, err := s.assignments.SweepExpired(ctx, now)
	if err != nil {
		return tracker.End(err)
	}
	s.metrics.AddSwept("user_roles", deactivated)

	for _, pair := range touched {
		if err := s.cache.Invalidate(ctx, pair[0], pair[1]); err != nil {
			s.logger.Warn("decision cache invalidation failed",
				"user_id", pair[0], "tenant_id", pair[1], "error", err)
		}
	}

	s.logger.Info("expired user roles swept", "deactivated", deactivated)
	return tracker.End(nil)
}

// HandleSweepCrossTenant processes TaskSweepCrossTenant tasks. Cross-tenant
// checks are evaluated against the store on every call, so no cached
// decisions need dropping.
func (s *Sweeper) HandleSweepCrossTenant(ctx context.Context, t *asynq.Task) error {
	var payload SweepPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := s.metrics.Track("sweep_cross_tenant")

	deactivated, err := s.crossTenant.SweepExpired(ctx, time.Now())
	if err != nil {
		return tracker.End(err)
	}
	s.metrics.AddSwept("cross_tenant", deactivated)

	s.logger.Info("expired cross-tenant grants swept", "deactivated", deactivated)
	return tracker.End(nil)
}
