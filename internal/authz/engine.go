package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/meridianstat/authz-service/internal/events"
	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/policy"
	"github.com/meridianstat/authz-service/internal/resources"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/shared"
	"github.com/meridianstat/authz-service/internal/userroles"
)

// WildcardAction grants every action on the permission's resource type.
const WildcardAction = "MANAGE"

// WildcardResourceType grants the permission's action on every resource type.
const WildcardResourceType = "*"

// RoleSource loads a user's active assignments with roles and grants joined.
type RoleSource interface {
	ActiveRolesForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]userroles.ActiveRole, error)
}

// RoleGraph walks the role hierarchy for inherited permission checks.
type RoleGraph interface {
	Get(ctx context.Context, id uuid.UUID) (roles.Role, error)
	Grants(ctx context.Context, roleID uuid.UUID) ([]roles.GrantedPermission, error)
}

// ResourceSource resolves resources by their external identifier.
type ResourceSource interface {
	GetByIdentifier(ctx context.Context, identifier string) (resources.Resource, error)
}

// PolicySource loads the policies relevant to a decision.
type PolicySource interface {
	ForResource(ctx context.Context, resourceID uuid.UUID) ([]policy.Policy, error)
	ActiveForTenant(ctx context.Context, tenantID uuid.UUID, now time.Time) ([]policy.Policy, error)
}

// Metrics records decision outcomes and cache lookups.
type Metrics interface {
	ObserveDecision(effect, layer string, elapsed time.Duration)
	ObserveCacheLookup(hit bool)
}

// Engine runs the layered authorization pipeline. Every evaluation error is
// mapped to a DENY.
type Engine struct {
	userRoles RoleSource
	roleGraph RoleGraph
	resources ResourceSource
	policies  PolicySource
	evaluator *policy.Evaluator
	cache     *Cache
	audit     events.Sink
	metrics   Metrics
	logger    *slog.Logger
	maxDepth  int
	now       func() time.Time
}

// EngineParams collects the engine's collaborators. Cache, Audit, and Metrics
// are optional.
type EngineParams struct {
	UserRoles RoleSource
	RoleGraph RoleGraph
	Resources ResourceSource
	Policies  PolicySource
	Evaluator *policy.Evaluator
	Cache     *Cache
	Audit     events.Sink
	Metrics   Metrics
	Logger    *slog.Logger
	MaxDepth  int
}

// NewEngine constructs the engine.
func NewEngine(p EngineParams) *Engine {
	depth := p.MaxDepth
	if depth <= 0 {
		depth = roles.MaxHierarchyDepth
	}
	return &Engine{
		userRoles: p.UserRoles,
		roleGraph: p.RoleGraph,
		resources: p.Resources,
		policies:  p.Policies,
		evaluator: p.Evaluator,
		cache:     p.Cache,
		audit:     p.Audit,
		metrics:   p.Metrics,
		logger:    p.Logger,
		maxDepth:  depth,
		now:       time.Now,
	}
}

// Authorize runs the pipeline for one request and returns the decision.
func (e *Engine) Authorize(ctx context.Context, req Request) Response {
	start := e.now()
	resp, layer := e.decide(ctx, req)
	effect := "deny"
	if resp.Allowed {
		effect = "allow"
	}
	if e.metrics != nil {
		e.metrics.ObserveDecision(effect, layer, e.now().Sub(start))
	}
	if e.audit != nil {
		e.audit.Emit(decisionEvent(req, resp))
	}
	return resp
}

func decisionEvent(req Request, resp Response) events.AuditEvent {
	fields := map[string]string{
		"resource": req.Resource,
		"action":   req.Action,
		"allowed":  strconv.FormatBool(resp.Allowed),
		"reason":   resp.Reason,
	}
	if req.ResourceID != "" {
		fields["resource_id"] = req.ResourceID
	}
	if req.IPAddress != "" {
		fields["ip_address"] = req.IPAddress
	}
	if req.UserAgent != "" {
		fields["user_agent"] = req.UserAgent
	}
	return events.NewAuditEvent(events.KindAuthorizationChecked, req.TenantID.String(), req.UserID.String(), fields)
}

// HasPermission reports whether the user may perform the action.
func (e *Engine) HasPermission(ctx context.Context, userID, tenantID uuid.UUID, resource, action string) bool {
	return e.Authorize(ctx, Request{
		UserID:   userID,
		TenantID: tenantID,
		Resource: resource,
		Action:   action,
	}).Allowed
}

// BatchAuthorize evaluates each request sequentially.
func (e *Engine) BatchAuthorize(ctx context.Context, reqs []Request) []Response {
	out := make([]Response, len(reqs))
	for i, req := range reqs {
		out[i] = e.Authorize(ctx, req)
	}
	return out
}

func (e *Engine) decide(ctx context.Context, req Request) (Response, string) {
	cached, hit, err := e.cache.Get(ctx, req.UserID, req.TenantID, req.Resource, req.Action)
	if err != nil {
		e.logger.Warn("decision cache read failed", "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveCacheLookup(hit)
	}
	if hit {
		return cached, "cache"
	}

	resp, layer, err := e.evaluate(ctx, req)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "deadline exceeded"
		}
		e.logger.Error("authorization check failed",
			"user_id", req.UserID, "tenant_id", req.TenantID,
			"resource", req.Resource, "action", req.Action, "error", err)
		return Denied("Authorization check failed: " + msg), "error"
	}

	if err := e.cache.Put(ctx, req, resp); err != nil {
		e.logger.Warn("decision cache write failed", "error", err)
	}
	return resp, layer
}

func (e *Engine) evaluate(ctx context.Context, req Request) (Response, string, error) {
	now := e.now()

	active, err := e.userRoles.ActiveRolesForUser(ctx, req.UserID, req.TenantID)
	if err != nil {
		return Response{}, "", fmt.Errorf("load active roles: %w", err)
	}
	if len(active) == 0 {
		return Denied("User has no active roles"), "no_roles", nil
	}

	perms := collectPermissions(active, now)

	for _, ar := range active {
		if ar.Role.Name == roles.SuperAdminRoleName && ar.Role.IsActive {
			return Allowed("Super admin access granted", []string{roles.SuperAdminRoleName}), "super_admin", nil
		}
	}

	if perms.Has(req.Resource, req.Action) {
		return Allowed("Direct permission granted", perms.Names()), "direct", nil
	}

	if perms.Has(req.Resource, WildcardAction) || perms.Has(WildcardResourceType, req.Action) {
		return Allowed("Wildcard permission granted", perms.Names()), "wildcard", nil
	}

	preq := policy.Request{
		UserID:     req.UserID,
		TenantID:   req.TenantID,
		Resource:   req.Resource,
		Action:     req.Action,
		ResourceID: req.ResourceID,
		Attributes: req.Attributes,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
	}

	if req.ResourceID != "" {
		resp, layer, decided, err := e.evaluateResource(ctx, req, preq, perms, now)
		if err != nil {
			return Response{}, "", err
		}
		if decided {
			return resp, layer, nil
		}
	}

	tenantPolicies, err := e.policies.ActiveForTenant(ctx, req.TenantID, now)
	if err != nil {
		return Response{}, "", fmt.Errorf("load tenant policies: %w", err)
	}
	switch e.evaluator.EvaluateAll(ctx, tenantPolicies, preq, perms, now) {
	case policy.OutcomeAllow:
		return Allowed("Tenant policy allows access", perms.Names()), "tenant_policy", nil
	case policy.OutcomeDeny:
		return Denied("Tenant policy denies access"), "tenant_policy", nil
	}

	inherited, err := e.checkInherited(ctx, active, req.Resource, req.Action, now)
	if err != nil {
		return Response{}, "", err
	}
	if inherited {
		return Allowed("Inherited permission granted", perms.Names()), "inherited", nil
	}

	return Denied(fmt.Sprintf("No permission for %s:%s", req.Resource, req.Action)), "default", nil
}

// evaluateResource handles ownership, public reads, and resource policies.
// decided is false when the resource is unknown or no policy spoke.
func (e *Engine) evaluateResource(ctx context.Context, req Request, preq policy.Request, perms policy.PermissionSet, now time.Time) (Response, string, bool, error) {
	res, err := e.resources.GetByIdentifier(ctx, req.ResourceID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Response{}, "", false, nil
		}
		return Response{}, "", false, fmt.Errorf("resolve resource %q: %w", req.ResourceID, err)
	}

	if res.OwnerID != nil && *res.OwnerID == req.UserID {
		return Allowed("Resource owner access granted", []string{"OWNER"}), "resource_owner", true, nil
	}
	if res.IsPublic && isReadOnlyAction(req.Action) {
		return Allowed("Public resource access granted", []string{"PUBLIC_ACCESS"}), "resource_public", true, nil
	}

	attached, err := e.policies.ForResource(ctx, res.ID)
	if err != nil {
		return Response{}, "", false, fmt.Errorf("load resource policies: %w", err)
	}
	preq.ResolvedResourceID = &res.ID
	switch e.evaluator.EvaluateAll(ctx, attached, preq, perms, now) {
	case policy.OutcomeAllow:
		return Allowed("Resource policy allows access", perms.Names()), "resource_policy", true, nil
	case policy.OutcomeDeny:
		return Denied("Resource policy denies access"), "resource_policy", true, nil
	}
	return Response{}, "", false, nil
}

// checkInherited walks each role's parent chain looking for a direct match.
// A visited set guards against cycles and the walk is depth bounded.
func (e *Engine) checkInherited(ctx context.Context, active []userroles.ActiveRole, resource, action string, now time.Time) (bool, error) {
	visited := make(map[uuid.UUID]struct{})
	for _, ar := range active {
		parentID := ar.Role.ParentRoleID
		for depth := 0; parentID != nil && depth < e.maxDepth; depth++ {
			if _, seen := visited[*parentID]; seen {
				break
			}
			visited[*parentID] = struct{}{}

			parent, err := e.roleGraph.Get(ctx, *parentID)
			if err != nil {
				if errors.Is(err, shared.ErrNotFound) {
					break
				}
				return false, fmt.Errorf("walk role hierarchy: %w", err)
			}
			if parent.IsActive {
				grants, err := e.roleGraph.Grants(ctx, parent.ID)
				if err != nil {
					return false, fmt.Errorf("load inherited grants: %w", err)
				}
				for _, g := range grants {
					if g.Grant.Expired(now) || !g.Permission.IsActive {
						continue
					}
					if g.Permission.ResourceType == resource && g.Permission.Action == action {
						return true, nil
					}
				}
			}
			parentID = parent.ParentRoleID
		}
	}
	return false, nil
}

// collectPermissions flattens the valid permissions across all active roles.
func collectPermissions(active []userroles.ActiveRole, now time.Time) policy.PermissionSet {
	seen := make(map[string]struct{})
	var out []permissions.Permission
	for _, ar := range active {
		if !ar.Role.IsActive {
			continue
		}
		for _, g := range ar.Grants {
			if g.Grant.Expired(now) || !g.Permission.IsActive {
				continue
			}
			name := g.Permission.Name()
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, g.Permission)
		}
	}
	return policy.NewPermissionSet(out)
}

func isReadOnlyAction(action string) bool {
	return action == "READ" || action == "VIEW" || action == "LIST"
}
