package policy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/shared"
)

// DecisionCache invalidates cached authorization decisions after mutations.
type DecisionCache interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
}

// Service provides business logic for policy administration.
type Service struct {
	repo      *Repository
	evaluator *Evaluator
	cache     DecisionCache
	sink      events.Sink
	logger    *slog.Logger
}

// NewService constructs a policy service.
func NewService(repo *Repository, evaluator *Evaluator, cache DecisionCache, sink events.Sink, logger *slog.Logger) *Service {
	return &Service{repo: repo, evaluator: evaluator, cache: cache, sink: sink, logger: logger}
}

// Create registers a new policy.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Policy, error) {
	actor := shared.ActorFromContext(ctx)

	if req.StartDate != nil && req.EndDate != nil && req.EndDate.Before(*req.StartDate) {
		return Policy{}, fmt.Errorf("end_date precedes start_date: %w", shared.ErrValidation)
	}
	effect := req.Effect
	if effect == "" {
		effect = EffectDeny
	}

	p := Policy{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		Name:          req.Name,
		Description:   req.Description,
		PolicyType:    req.PolicyType,
		Effect:        effect,
		Priority:      req.Priority,
		Conditions:    req.Conditions,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		IsActive:      true,
		CreatedBy:     actor,
		PermissionIDs: req.PermissionIDs,
		ResourceIDs:   req.ResourceIDs,
	}
	created, err := s.repo.Create(ctx, p)
	if err != nil {
		return Policy{}, err
	}

	s.invalidate(ctx, created.TenantID)
	s.emit(events.KindPolicyCreated, created, map[string]string{
		"policy_name": created.Name,
		"policy_type": created.PolicyType,
		"effect":      created.Effect,
	})
	return created, nil
}

// Get fetches a policy.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Policy, error) {
	return s.repo.Get(ctx, id)
}

// List returns policies matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Policy, error) {
	return s.repo.List(ctx, filters)
}

// Update applies a partial update guarded by the version counter.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Policy, error) {
	actor := shared.ActorFromContext(ctx)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Policy{}, err
	}
	if req.Description != nil {
		p.Description = *req.Description
	}
	if req.Effect != nil {
		p.Effect = *req.Effect
	}
	if req.Priority != nil {
		p.Priority = *req.Priority
	}
	if req.Conditions != nil {
		p.Conditions = req.Conditions
	}
	if req.StartDate != nil {
		p.StartDate = req.StartDate
	}
	if req.EndDate != nil {
		p.EndDate = req.EndDate
	}
	if req.IsActive != nil {
		p.IsActive = *req.IsActive
	}
	if p.StartDate != nil && p.EndDate != nil && p.EndDate.Before(*p.StartDate) {
		return Policy{}, fmt.Errorf("end_date precedes start_date: %w", shared.ErrValidation)
	}
	p.Version = req.Version
	p.UpdatedBy = actor

	updated, err := s.repo.Update(ctx, p)
	if err != nil {
		return Policy{}, err
	}

	s.invalidate(ctx, updated.TenantID)
	return updated, nil
}

// Delete removes a policy.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, p.TenantID)
	return nil
}

// SetActive toggles a policy's activation flag.
func (s *Service) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	actor := shared.ActorFromContext(ctx)

	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.SetActive(ctx, id, active, actor); err != nil {
		return err
	}
	s.invalidate(ctx, p.TenantID)
	return nil
}

// TestEvaluate runs one policy against a request without touching the
// decision path. Intended for administrative dry runs.
func (s *Service) TestEvaluate(ctx context.Context, id uuid.UUID, req Request, perms PermissionSet) (EvaluationResponse, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return EvaluationResponse{}, err
	}

	now := time.Now()
	outcome := s.evaluator.Evaluate(ctx, p, req, perms, now)

	resp := EvaluationResponse{
		PolicyID:    p.ID,
		PolicyName:  p.Name,
		Effect:      p.Effect,
		EvaluatedAt: now,
	}
	switch outcome {
	case OutcomeAllow:
		resp.Evaluated = true
		resp.Reason = "policy allows the request"
	case OutcomeDeny:
		resp.Evaluated = true
		resp.Reason = "policy denies the request"
	default:
		resp.Reason = "policy is not applicable to the request"
	}

	s.emit(events.KindPolicyEvaluated, p, map[string]string{
		"policy_name": p.Name,
		"evaluated":   fmt.Sprintf("%t", resp.Evaluated),
		"reason":      resp.Reason,
	})
	return resp, nil
}

func (s *Service) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateTenant(ctx, tenantID); err != nil {
		s.logger.Warn("decision cache invalidation failed", "tenant_id", tenantID, "error", err)
	}
}

func (s *Service) emit(kind string, p Policy, fields map[string]string) {
	if s.sink == nil {
		return
	}
	fields["policy_id"] = p.ID.String()
	s.sink.Emit(events.NewAuditEvent(kind, p.TenantID.String(), "", fields))
}
