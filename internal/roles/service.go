package roles

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
	"github.com/meridianstat/authz-service/internal/shared"
)

// PermissionSource resolves permission identifiers during grant validation.
type PermissionSource interface {
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]permissions.Permission, error)
}

// DecisionCache invalidates cached authorization decisions after mutations.
type DecisionCache interface {
	InvalidateTenant(ctx context.Context, tenantID uuid.UUID) error
	InvalidateAll(ctx context.Context) error
}

// Store is the persistence surface the service needs. *Repository satisfies
// it.
type Store interface {
	WithTx(ctx context.Context, fn func(q Querier) error) error
	Get(ctx context.Context, id uuid.UUID) (Role, error)
	GetByName(ctx context.Context, tenantID *uuid.UUID, name string) (Role, error)
	List(ctx context.Context, filters ListFilters) ([]Role, error)
	Update(ctx context.Context, role Role) (Role, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Children(ctx context.Context, id uuid.UUID) ([]Role, error)
	CountChildren(ctx context.Context, id uuid.UUID) (int, error)
	CountActiveAssignments(ctx context.Context, roleID uuid.UUID) (int, error)
	Grants(ctx context.Context, roleID uuid.UUID) ([]GrantedPermission, error)
	AddGrant(ctx context.Context, grant Grant) (Grant, error)
	RemoveGrant(ctx context.Context, roleID, permissionID uuid.UUID) error
	RemoveAllGrants(ctx context.Context, roleID uuid.UUID) (int64, error)
	SetGrantExpiration(ctx context.Context, roleID, permissionID uuid.UUID, expiresAt time.Time) error
	SetGrantConstraints(ctx context.Context, roleID, permissionID uuid.UUID, constraints shared.Conditions) error
	ExpiringGrants(ctx context.Context, roleID uuid.UUID, until time.Time) ([]GrantedPermission, error)
	Statistics(ctx context.Context, roleID uuid.UUID) (Statistics, error)
}

// Service provides business logic for role administration.
type Service struct {
	repo     Store
	perms    PermissionSource
	cache    DecisionCache
	sink     events.Sink
	logger   *slog.Logger
	maxDepth int
	maxPerms int
}

// ServiceParams collects the service's collaborators. Cache and Sink are
// optional.
type ServiceParams struct {
	Repo     Store
	Perms    PermissionSource
	Cache    DecisionCache
	Sink     events.Sink
	Logger   *slog.Logger
	MaxDepth int
	MaxPerms int
}

// NewService constructs a role service.
func NewService(p ServiceParams) *Service {
	depth := p.MaxDepth
	if depth <= 0 {
		depth = MaxHierarchyDepth
	}
	limit := p.MaxPerms
	if limit <= 0 {
		limit = MaxPermissionsPerRole
	}
	return &Service{
		repo:     p.Repo,
		perms:    p.Perms,
		cache:    p.Cache,
		sink:     p.Sink,
		logger:   p.Logger,
		maxDepth: depth,
		maxPerms: limit,
	}
}

// Create creates a role, optionally with an initial permission set.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Role, error) {
	actor := shared.ActorFromContext(ctx)

	if req.ParentRoleID != nil {
		if err := s.checkParent(ctx, *req.ParentRoleID, req.TenantID); err != nil {
			return Role{}, err
		}
	}
	if len(req.PermissionIDs) > s.maxPerms {
		return Role{}, fmt.Errorf("role %q would hold %d permissions, limit is %d: %w",
			req.Name, len(req.PermissionIDs), s.maxPerms, shared.ErrBusinessRule)
	}
	if err := s.resolvePermissions(ctx, req.PermissionIDs); err != nil {
		return Role{}, err
	}

	role := Role{
		ID:           uuid.New(),
		TenantID:     req.TenantID,
		Name:         req.Name,
		Description:  req.Description,
		Priority:     req.Priority,
		MaxUsers:     req.MaxUsers,
		IsActive:     true,
		ParentRoleID: req.ParentRoleID,
		CreatedBy:    actor,
		UpdatedBy:    actor,
	}

	var created Role
	err := s.repo.WithTx(ctx, func(q Querier) error {
		var txErr error
		created, txErr = q.InsertRole(ctx, role)
		if txErr != nil {
			return txErr
		}
		for _, permID := range req.PermissionIDs {
			if _, txErr = q.InsertGrant(ctx, Grant{
				ID:           uuid.New(),
				RoleID:       created.ID,
				PermissionID: permID,
				GrantedBy:    actor,
			}); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	s.emit(events.KindRoleCreated, created, map[string]string{
		"role_name": created.Name,
		"priority":  strconv.Itoa(created.Priority),
	})
	return created, nil
}

// Get fetches a role.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Role, error) {
	return s.repo.Get(ctx, id)
}

// List returns roles matching the filters.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Role, error) {
	return s.repo.List(ctx, filters)
}

// Update applies a partial update guarded by the version counter.
func (s *Service) Update(ctx context.Context, id uuid.UUID, req UpdateRequest) (Role, error) {
	actor := shared.ActorFromContext(ctx)

	role, err := s.repo.Get(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem && !req.SystemOverride {
		return Role{}, fmt.Errorf("role %q is a system role: %w", role.Name, shared.ErrBusinessRule)
	}

	changes := map[string]string{}
	if req.Name != nil && *req.Name != role.Name {
		if _, err := s.repo.GetByName(ctx, role.TenantID, *req.Name); err == nil {
			return Role{}, fmt.Errorf("role %q: %w", *req.Name, shared.ErrDuplicate)
		} else if !errors.Is(err, shared.ErrNotFound) {
			return Role{}, err
		}
		changes["name"] = *req.Name
		role.Name = *req.Name
	}
	if req.Description != nil && *req.Description != role.Description {
		changes["description"] = *req.Description
		role.Description = *req.Description
	}
	if req.Priority != nil && *req.Priority != role.Priority {
		changes["priority"] = strconv.Itoa(*req.Priority)
		role.Priority = *req.Priority
	}
	if req.MaxUsers != nil {
		active, err := s.repo.CountActiveAssignments(ctx, role.ID)
		if err != nil {
			return Role{}, err
		}
		if *req.MaxUsers < active {
			return Role{}, fmt.Errorf("max_users %d below %d active assignments: %w",
				*req.MaxUsers, active, shared.ErrBusinessRule)
		}
		changes["max_users"] = strconv.Itoa(*req.MaxUsers)
		role.MaxUsers = req.MaxUsers
	}
	if req.ParentRoleID != nil {
		if err := s.checkParent(ctx, *req.ParentRoleID, role.TenantID); err != nil {
			return Role{}, err
		}
		changes["parent_role_id"] = req.ParentRoleID.String()
		role.ParentRoleID = req.ParentRoleID
	}
	if req.IsActive != nil && *req.IsActive != role.IsActive {
		changes["is_active"] = strconv.FormatBool(*req.IsActive)
		role.IsActive = *req.IsActive
	}

	role.Version = req.Version
	role.UpdatedBy = actor
	updated, err := s.repo.Update(ctx, role)
	if err != nil {
		return Role{}, err
	}

	s.invalidate(ctx, updated.TenantID)
	s.emit(events.KindRoleUpdated, updated, changes)
	return updated, nil
}

// Delete removes a role that is unused.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	role, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("role %q is a system role: %w", role.Name, shared.ErrBusinessRule)
	}
	active, err := s.repo.CountActiveAssignments(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fmt.Errorf("role %q has %d active assignments: %w", role.Name, active, shared.ErrBusinessRule)
	}
	children, err := s.repo.CountChildren(ctx, id)
	if err != nil {
		return err
	}
	if children > 0 {
		return fmt.Errorf("role %q has %d child roles: %w", role.Name, children, shared.ErrBusinessRule)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}

	s.invalidate(ctx, role.TenantID)
	s.emit(events.KindRoleDeleted, role, map[string]string{"role_name": role.Name})
	return nil
}

// Clone deep-copies a role's permission grants into a new non-system role
// sharing the source's parent.
func (s *Service) Clone(ctx context.Context, sourceID uuid.UUID, newName string, tenantID *uuid.UUID) (Role, error) {
	actor := shared.ActorFromContext(ctx)

	source, err := s.repo.Get(ctx, sourceID)
	if err != nil {
		return Role{}, err
	}
	grants, err := s.repo.Grants(ctx, sourceID)
	if err != nil {
		return Role{}, err
	}

	role := Role{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Name:         newName,
		Description:  source.Description,
		Priority:     source.Priority,
		MaxUsers:     source.MaxUsers,
		IsActive:     true,
		ParentRoleID: source.ParentRoleID,
		CreatedBy:    actor,
		UpdatedBy:    actor,
	}

	var created Role
	err = s.repo.WithTx(ctx, func(q Querier) error {
		var txErr error
		created, txErr = q.InsertRole(ctx, role)
		if txErr != nil {
			return txErr
		}
		for _, g := range grants {
			if _, txErr = q.InsertGrant(ctx, Grant{
				ID:           uuid.New(),
				RoleID:       created.ID,
				PermissionID: g.Permission.ID,
				Constraints:  g.Grant.Constraints.Clone(),
				ExpiresAt:    g.Grant.ExpiresAt,
				GrantedBy:    actor,
			}); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		return Role{}, err
	}

	s.emit(events.KindRoleCreated, created, map[string]string{
		"role_name": created.Name,
		"cloned_of": source.ID.String(),
	})
	return created, nil
}

// AssignPermissions grants the permissions to the role, skipping pairs that
// already exist.
func (s *Service) AssignPermissions(ctx context.Context, roleID uuid.UUID, permIDs []uuid.UUID) error {
	actor := shared.ActorFromContext(ctx)

	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.resolvePermissions(ctx, permIDs); err != nil {
		return err
	}

	existing, err := s.repo.Grants(ctx, roleID)
	if err != nil {
		return err
	}
	held := make(map[uuid.UUID]struct{}, len(existing))
	for _, g := range existing {
		held[g.Permission.ID] = struct{}{}
	}

	var fresh []uuid.UUID
	for _, id := range permIDs {
		if _, ok := held[id]; !ok {
			fresh = append(fresh, id)
			held[id] = struct{}{}
		}
	}
	if len(existing)+len(fresh) > s.maxPerms {
		return fmt.Errorf("role %q would hold %d permissions, limit is %d: %w",
			role.Name, len(existing)+len(fresh), s.maxPerms, shared.ErrBusinessRule)
	}

	for _, permID := range fresh {
		if _, err := s.repo.AddGrant(ctx, Grant{
			ID:           uuid.New(),
			RoleID:       roleID,
			PermissionID: permID,
			GrantedBy:    actor,
		}); err != nil && !errors.Is(err, shared.ErrDuplicate) {
			return err
		}
		s.emit(events.KindPermissionGranted, role, map[string]string{
			"role_name":     role.Name,
			"permission_id": permID.String(),
		})
	}

	if len(fresh) > 0 {
		s.invalidate(ctx, role.TenantID)
	}
	return nil
}

// RemovePermission revokes one permission from the role.
func (s *Service) RemovePermission(ctx context.Context, roleID, permID uuid.UUID) error {
	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.repo.RemoveGrant(ctx, roleID, permID); err != nil {
		return err
	}
	s.invalidate(ctx, role.TenantID)
	s.emit(events.KindPermissionRevoked, role, map[string]string{
		"role_name":     role.Name,
		"permission_id": permID.String(),
	})
	return nil
}

// RemoveAllPermissions revokes every permission from a non-system role.
func (s *Service) RemoveAllPermissions(ctx context.Context, roleID uuid.UUID) (int64, error) {
	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if role.IsSystem {
		return 0, fmt.Errorf("role %q is a system role: %w", role.Name, shared.ErrBusinessRule)
	}
	removed, err := s.repo.RemoveAllGrants(ctx, roleID)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		s.invalidate(ctx, role.TenantID)
		s.emit(events.KindPermissionRevoked, role, map[string]string{
			"role_name": role.Name,
			"removed":   strconv.FormatInt(removed, 10),
		})
	}
	return removed, nil
}

// SetPermissionExpiration schedules a grant's expiry.
func (s *Service) SetPermissionExpiration(ctx context.Context, roleID, permID uuid.UUID, expiresAt time.Time) error {
	if !expiresAt.After(time.Now()) {
		return fmt.Errorf("expiration %s is not in the future: %w", expiresAt.Format(time.RFC3339), shared.ErrValidation)
	}
	if err := s.repo.SetGrantExpiration(ctx, roleID, permID, expiresAt); err != nil {
		return err
	}
	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, role.TenantID)
	return nil
}

// UpdatePermissionConstraints replaces a grant's constraint map.
func (s *Service) UpdatePermissionConstraints(ctx context.Context, roleID, permID uuid.UUID, constraints shared.Conditions) error {
	if err := s.repo.SetGrantConstraints(ctx, roleID, permID, constraints); err != nil {
		return err
	}
	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return err
	}
	s.invalidate(ctx, role.TenantID)
	return nil
}

// GetExpiringPermissions lists grants expiring within daysAhead days.
func (s *Service) GetExpiringPermissions(ctx context.Context, roleID uuid.UUID, daysAhead int) ([]GrantedPermission, error) {
	if daysAhead <= 0 {
		return nil, fmt.Errorf("days_ahead must be positive: %w", shared.ErrValidation)
	}
	until := time.Now().AddDate(0, 0, daysAhead)
	return s.repo.ExpiringGrants(ctx, roleID, until)
}

// GetPermissions lists the role's direct grants.
func (s *Service) GetPermissions(ctx context.Context, roleID uuid.UUID) ([]GrantedPermission, error) {
	if _, err := s.repo.Get(ctx, roleID); err != nil {
		return nil, err
	}
	return s.repo.Grants(ctx, roleID)
}

// GetAllPermissionsIncludingInherited unions the role's grants with those of
// its ancestors, filtering expired grants and inactive permissions.
func (s *Service) GetAllPermissionsIncludingInherited(ctx context.Context, roleID uuid.UUID) ([]permissions.Permission, error) {
	now := time.Now()
	visited := make(map[uuid.UUID]struct{})
	seen := make(map[string]struct{})
	var out []permissions.Permission

	current := &roleID
	for depth := 0; current != nil && depth <= s.maxDepth; depth++ {
		if _, dup := visited[*current]; dup {
			break
		}
		visited[*current] = struct{}{}

		role, err := s.repo.Get(ctx, *current)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				break
			}
			return nil, err
		}
		if role.IsActive {
			grants, err := s.repo.Grants(ctx, role.ID)
			if err != nil {
				return nil, err
			}
			for _, g := range grants {
				if g.Grant.Expired(now) || !g.Permission.IsActive {
					continue
				}
				if _, dup := seen[g.Permission.Name()]; dup {
					continue
				}
				seen[g.Permission.Name()] = struct{}{}
				out = append(out, g.Permission)
			}
		}
		current = role.ParentRoleID
	}
	return out, nil
}

// GetHierarchy returns the role with its parent chain, children, and the
// union of inherited permissions.
func (s *Service) GetHierarchy(ctx context.Context, roleID uuid.UUID) (Hierarchy, error) {
	role, err := s.repo.Get(ctx, roleID)
	if err != nil {
		return Hierarchy{}, err
	}

	var chain []Role
	visited := map[uuid.UUID]struct{}{role.ID: {}}
	parentID := role.ParentRoleID
	for depth := 0; parentID != nil && depth < s.maxDepth; depth++ {
		if _, seen := visited[*parentID]; seen {
			break
		}
		visited[*parentID] = struct{}{}
		parent, err := s.repo.Get(ctx, *parentID)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				break
			}
			return Hierarchy{}, err
		}
		chain = append(chain, parent)
		parentID = parent.ParentRoleID
	}

	children, err := s.repo.Children(ctx, roleID)
	if err != nil {
		return Hierarchy{}, err
	}
	inherited, err := s.GetAllPermissionsIncludingInherited(ctx, roleID)
	if err != nil {
		return Hierarchy{}, err
	}

	return Hierarchy{Role: role, ParentChain: chain, Children: children, Inherited: inherited}, nil
}

// Statistics summarizes the role for administrative views.
func (s *Service) Statistics(ctx context.Context, roleID uuid.UUID) (Statistics, error) {
	if _, err := s.repo.Get(ctx, roleID); err != nil {
		return Statistics{}, err
	}
	return s.repo.Statistics(ctx, roleID)
}

// checkParent verifies the parent exists, shares the tenant, and leaves the
// chain inside the depth bound.
func (s *Service) checkParent(ctx context.Context, parentID uuid.UUID, tenantID *uuid.UUID) error {
	parent, err := s.repo.Get(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.TenantID != nil && (tenantID == nil || *parent.TenantID != *tenantID) {
		return fmt.Errorf("parent role %q belongs to another tenant: %w", parent.Name, shared.ErrTenantIsolation)
	}

	depth := 1
	visited := map[uuid.UUID]struct{}{parentID: {}}
	current := parent.ParentRoleID
	for current != nil {
		if _, seen := visited[*current]; seen {
			break
		}
		visited[*current] = struct{}{}
		depth++
		if depth >= s.maxDepth {
			return fmt.Errorf("role hierarchy exceeds depth %d: %w", s.maxDepth, shared.ErrBusinessRule)
		}
		ancestor, err := s.repo.Get(ctx, *current)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				break
			}
			return err
		}
		current = ancestor.ParentRoleID
	}
	return nil
}

// resolvePermissions verifies every identifier references a stored permission.
func (s *Service) resolvePermissions(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.perms.ListByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(uniqueIDs(ids)) {
		return fmt.Errorf("one or more permissions do not exist: %w", shared.ErrNotFound)
	}
	return nil
}

func uniqueIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	var out []uuid.UUID
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (s *Service) invalidate(ctx context.Context, tenantID *uuid.UUID) {
	if s.cache == nil {
		return
	}
	var err error
	if tenantID != nil {
		err = s.cache.InvalidateTenant(ctx, *tenantID)
	} else {
		err = s.cache.InvalidateAll(ctx)
	}
	if err != nil {
		s.logger.Warn("decision cache invalidation failed", "error", err)
	}
}

func (s *Service) emit(kind string, role Role, fields map[string]string) {
	if s.sink == nil {
		return
	}
	tenant := ""
	if role.TenantID != nil {
		tenant = role.TenantID.String()
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["role_id"] = role.ID.String()
	s.sink.Emit(events.NewAuditEvent(kind, tenant, "", fields))
}
