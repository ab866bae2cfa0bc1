package userroles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/roles"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Repository provides PostgreSQL backed persistence for user-role
// assignments.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const assignmentColumns = `id, user_id, role_id, tenant_id, assigned_by, assigned_at, expires_at, is_active`

func scanAssignment(row pgx.Row) (Assignment, error) {
	var a Assignment
	err := row.Scan(
		&a.ID, &a.UserID, &a.RoleID, &a.TenantID,
		&a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.IsActive,
	)
	return a, err
}

// Insert stores a new assignment.
func (r *Repository) Insert(ctx context.Context, a Assignment) (Assignment, error) {
	const query = `
INSERT INTO user_roles (id, user_id, role_id, tenant_id, assigned_by, assigned_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, now(), $6, true)
RETURNING ` + assignmentColumns
	created, err := scanAssignment(r.pool.QueryRow(ctx, query,
		a.ID, a.UserID, a.RoleID, a.TenantID, a.AssignedBy, a.ExpiresAt,
	))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Assignment{}, fmt.Errorf("assignment %s -> %s: %w", a.RoleID, a.UserID, shared.ErrDuplicate)
		}
		return Assignment{}, err
	}
	return created, nil
}

// Get fetches one assignment.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM user_roles WHERE id = $1`
	a, err := scanAssignment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignment %s: %w", id, shared.ErrNotFound)
		}
		return Assignment{}, err
	}
	return a, nil
}

// Find resolves the unique (user, role, tenant) assignment.
func (r *Repository) Find(ctx context.Context, userID, roleID, tenantID uuid.UUID) (Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 AND role_id = $2 AND tenant_id = $3`
	a, err := scanAssignment(r.pool.QueryRow(ctx, query, userID, roleID, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignment %s -> %s: %w", roleID, userID, shared.ErrNotFound)
		}
		return Assignment{}, err
	}
	return a, nil
}

// Deactivate marks an assignment inactive.
func (r *Repository) Deactivate(ctx context.Context, id uuid.UUID) error {
	const query = `UPDATE user_roles SET is_active = false WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("assignment %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// Reactivate turns an existing assignment back on, refreshing its expiry.
func (r *Repository) Reactivate(ctx context.Context, id uuid.UUID, assignedBy string, expiresAt *time.Time) (Assignment, error) {
	const query = `
UPDATE user_roles SET is_active = true, assigned_by = $2, assigned_at = now(), expires_at = $3
WHERE id = $1
RETURNING ` + assignmentColumns
	a, err := scanAssignment(r.pool.QueryRow(ctx, query, id, assignedBy, expiresAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("assignment %s: %w", id, shared.ErrNotFound)
		}
		return Assignment{}, err
	}
	return a, nil
}

// ListForUser returns assignments for a user within one tenant.
func (r *Repository) ListForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 AND tenant_id = $2 ORDER BY assigned_at`
	return r.listAssignments(ctx, query, userID, tenantID)
}

// ListForUserAllTenants returns a user's assignments across every tenant.
func (r *Repository) ListForUserAllTenants(ctx context.Context, userID uuid.UUID) ([]Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM user_roles WHERE user_id = $1 ORDER BY tenant_id, assigned_at`
	return r.listAssignments(ctx, query, userID)
}

// ListForRole returns the assignments of one role.
func (r *Repository) ListForRole(ctx context.Context, roleID uuid.UUID) ([]Assignment, error) {
	const query = `SELECT ` + assignmentColumns + ` FROM user_roles WHERE role_id = $1 ORDER BY assigned_at`
	return r.listAssignments(ctx, query, roleID)
}

func (r *Repository) listAssignments(ctx context.Context, query string, args ...any) ([]Assignment, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActiveRolesForUser eagerly loads the active assignments of (user, tenant)
// with each role and its permission grants. One query; rows are grouped by
// assignment in memory.
func (r *Repository) ActiveRolesForUser(ctx context.Context, userID, tenantID uuid.UUID) ([]ActiveRole, error) {
	const query = `
SELECT ur.id, ur.user_id, ur.role_id, ur.tenant_id, ur.assigned_by, ur.assigned_at, ur.expires_at, ur.is_active,
       ro.id, ro.tenant_id, ro.name, ro.description, ro.priority, ro.max_users, ro.is_system, ro.is_active,
       ro.parent_role_id, ro.created_by, ro.updated_by, ro.version, ro.created_at, ro.updated_at,
       rp.id, rp.role_id, rp.permission_id, rp.constraints, rp.expires_at, rp.granted_by, rp.granted_at,
       p.id, p.resource_type, p.action, p.description, p.risk_level, p.requires_mfa, p.requires_approval,
       p.is_system, p.is_active, p.version, p.created_at, p.updated_at
FROM user_roles ur
JOIN roles ro ON ro.id = ur.role_id
LEFT JOIN role_permissions rp ON rp.role_id = ro.id
LEFT JOIN permissions p ON p.id = rp.permission_id
WHERE ur.user_id = $1 AND ur.tenant_id = $2 AND ur.is_active
  AND (ur.expires_at IS NULL OR ur.expires_at > now())
ORDER BY ur.assigned_at, p.resource_type, p.action`
	rows, err := r.pool.Query(ctx, query, userID, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActiveRole
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		var a Assignment
		var role roles.Role
		var grantID, grantRoleID, grantPermID *uuid.UUID
		var grantRaw []byte
		var grantExpires *time.Time
		var grantedBy *string
		var grantedAt *time.Time
		var permID *uuid.UUID
		var permResourceType, permAction, permDescription, permRiskLevel *string
		var permRequiresMFA, permRequiresApproval, permIsSystem, permIsActive *bool
		var permVersion *int64
		var permCreatedAt, permUpdatedAt *time.Time

		err := rows.Scan(
			&a.ID, &a.UserID, &a.RoleID, &a.TenantID, &a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.IsActive,
			&role.ID, &role.TenantID, &role.Name, &role.Description, &role.Priority, &role.MaxUsers,
			&role.IsSystem, &role.IsActive, &role.ParentRoleID, &role.CreatedBy, &role.UpdatedBy,
			&role.Version, &role.CreatedAt, &role.UpdatedAt,
			&grantID, &grantRoleID, &grantPermID, &grantRaw, &grantExpires, &grantedBy, &grantedAt,
			&permID, &permResourceType, &permAction, &permDescription, &permRiskLevel,
			&permRequiresMFA, &permRequiresApproval, &permIsSystem, &permIsActive,
			&permVersion, &permCreatedAt, &permUpdatedAt,
		)
		if err != nil {
			return nil, err
		}

		pos, seen := index[a.ID]
		if !seen {
			out = append(out, ActiveRole{Assignment: a, Role: role})
			pos = len(out) - 1
			index[a.ID] = pos
		}

		if grantID == nil || permID == nil {
			continue
		}
		constraints, err := shared.ConditionsFromJSONB(grantRaw)
		if err != nil {
			return nil, err
		}
		gp := roles.GrantedPermission{
			Grant: roles.Grant{
				ID:           *grantID,
				RoleID:       *grantRoleID,
				PermissionID: *grantPermID,
				Constraints:  constraints,
				ExpiresAt:    grantExpires,
			},
			Permission: permissions.Permission{
				ID:               *permID,
				ResourceType:     *permResourceType,
				Action:           *permAction,
				Description:      *permDescription,
				RiskLevel:        *permRiskLevel,
				RequiresMFA:      *permRequiresMFA,
				RequiresApproval: *permRequiresApproval,
				IsSystem:         *permIsSystem,
				IsActive:         *permIsActive,
				Version:          *permVersion,
				CreatedAt:        *permCreatedAt,
				UpdatedAt:        *permUpdatedAt,
			},
		}
		if grantedBy != nil {
			gp.Grant.GrantedBy = *grantedBy
		}
		if grantedAt != nil {
			gp.Grant.GrantedAt = *grantedAt
		}
		out[pos].Grants = append(out[pos].Grants, gp)
	}
	return out, rows.Err()
}

// SweepExpired deactivates assignments whose expiry has passed.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE user_roles SET is_active = false WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// TenantsTouched lists the distinct (user, tenant) pairs with assignments
// expiring before the cutoff. The sweep uses this for cache invalidation.
func (r *Repository) TenantsTouched(ctx context.Context, cutoff time.Time) ([][2]uuid.UUID, error) {
	const query = `
SELECT DISTINCT user_id, tenant_id FROM user_roles
WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`
	rows, err := r.pool.Query(ctx, query, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]uuid.UUID
	for rows.Next() {
		var pair [2]uuid.UUID
		if err := rows.Scan(&pair[0], &pair[1]); err != nil {
			return nil, err
		}
		out = append(out, pair)
	}
	return out, rows.Err()
}
