package roles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianstat/authz-service/internal/permissions"
	"github.com/meridianstat/authz-service/internal/platform/db"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Repository provides PostgreSQL backed persistence for roles and grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx runs fn against a transactional view of the repository.
func (r *Repository) WithTx(ctx context.Context, fn func(q Querier) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(txQuerier{tx: tx})
	})
}

// Querier is the subset of role persistence available inside a transaction.
type Querier interface {
	InsertRole(ctx context.Context, role Role) (Role, error)
	InsertGrant(ctx context.Context, grant Grant) (Grant, error)
}

type txQuerier struct {
	tx pgx.Tx
}

func (q txQuerier) InsertRole(ctx context.Context, role Role) (Role, error) {
	return insertRole(ctx, q.tx, role)
}

func (q txQuerier) InsertGrant(ctx context.Context, grant Grant) (Grant, error) {
	return insertGrant(ctx, q.tx, grant)
}

const roleColumns = `id, tenant_id, name, description, priority, max_users, is_system, is_active, parent_role_id, created_by, updated_by, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (Role, error) {
	var role Role
	err := row.Scan(
		&role.ID, &role.TenantID, &role.Name, &role.Description, &role.Priority,
		&role.MaxUsers, &role.IsSystem, &role.IsActive, &role.ParentRoleID,
		&role.CreatedBy, &role.UpdatedBy, &role.Version, &role.CreatedAt, &role.UpdatedAt,
	)
	return role, err
}

func insertRole(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, role Role) (Role, error) {
	const query = `
INSERT INTO roles (id, tenant_id, name, description, priority, max_users, is_system, is_active, parent_role_id, created_by, updated_by, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10, 1, now(), now())
RETURNING ` + roleColumns
	created, err := scanRole(q.QueryRow(ctx, query,
		role.ID, role.TenantID, role.Name, role.Description, role.Priority,
		role.MaxUsers, role.IsSystem, role.IsActive, role.ParentRoleID, role.CreatedBy,
	))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Role{}, fmt.Errorf("role %q: %w", role.Name, shared.ErrDuplicate)
		}
		return Role{}, err
	}
	return created, nil
}

func insertGrant(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, grant Grant) (Grant, error) {
	constraints, err := grant.Constraints.MarshalJSONB()
	if err != nil {
		return Grant{}, fmt.Errorf("marshal constraints: %w", err)
	}
	const query = `
INSERT INTO role_permissions (id, role_id, permission_id, constraints, expires_at, granted_by, granted_at)
VALUES ($1, $2, $3, $4, $5, $6, now())
RETURNING id, role_id, permission_id, constraints, expires_at, granted_by, granted_at`
	var out Grant
	var raw []byte
	err = q.QueryRow(ctx, query,
		grant.ID, grant.RoleID, grant.PermissionID, constraints, grant.ExpiresAt, grant.GrantedBy,
	).Scan(&out.ID, &out.RoleID, &out.PermissionID, &raw, &out.ExpiresAt, &out.GrantedBy, &out.GrantedAt)
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Grant{}, fmt.Errorf("grant %s -> %s: %w", grant.PermissionID, grant.RoleID, shared.ErrDuplicate)
		}
		return Grant{}, err
	}
	out.Constraints, err = shared.ConditionsFromJSONB(raw)
	if err != nil {
		return Grant{}, err
	}
	return out, nil
}

// Create inserts a role.
func (r *Repository) Create(ctx context.Context, role Role) (Role, error) {
	return insertRole(ctx, r.pool, role)
}

// Get fetches a role by identifier.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles WHERE id = $1`
	role, err := scanRole(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

// GetByName resolves a role by (name, tenant) within a tenant; tenantID nil
// matches global roles.
func (r *Repository) GetByName(ctx context.Context, tenantID *uuid.UUID, name string) (Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles WHERE name = $1 AND tenant_id IS NOT DISTINCT FROM $2`
	role, err := scanRole(r.pool.QueryRow(ctx, query, name, tenantID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %q: %w", name, shared.ErrNotFound)
		}
		return Role{}, err
	}
	return role, nil
}

// List returns roles matching the filters ordered by priority descending.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Role, error) {
	var conditions []string
	var args []any
	argPos := 1

	if filters.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argPos))
		args = append(args, *filters.TenantID)
		argPos++
	}
	if filters.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *filters.IsActive)
		argPos++
	}
	if filters.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", argPos, argPos))
		args = append(args, "%"+filters.Search+"%")
		argPos++
	}

	query := `SELECT ` + roleColumns + ` FROM roles`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority DESC, name"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// Update applies a guarded update using the optimistic version counter.
func (r *Repository) Update(ctx context.Context, role Role) (Role, error) {
	const query = `
UPDATE roles
SET name = $3, description = $4, priority = $5, max_users = $6, is_active = $7,
    parent_role_id = $8, updated_by = $9, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + roleColumns
	updated, err := scanRole(r.pool.QueryRow(ctx, query,
		role.ID, role.Version, role.Name, role.Description, role.Priority,
		role.MaxUsers, role.IsActive, role.ParentRoleID, role.UpdatedBy,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("role %s: %w", role.ID, shared.ErrConflict)
		}
		if shared.IsUniqueViolation(err) {
			return Role{}, fmt.Errorf("role %q: %w", role.Name, shared.ErrDuplicate)
		}
		return Role{}, err
	}
	return updated, nil
}

// Delete removes a role and its grants.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("role %s: %w", id, shared.ErrNotFound)
		}
		return nil
	})
}

// DeactivateForTenant marks every active role of a tenant inactive and
// returns how many were affected.
func (r *Repository) DeactivateForTenant(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	const query = `UPDATE roles SET is_active = false, updated_at = now() WHERE tenant_id = $1 AND is_active`
	tag, err := r.pool.Exec(ctx, query, tenantID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Children returns the direct child roles.
func (r *Repository) Children(ctx context.Context, id uuid.UUID) ([]Role, error) {
	const query = `SELECT ` + roleColumns + ` FROM roles WHERE parent_role_id = $1 ORDER BY name`
	rows, err := r.pool.Query(ctx, query, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

// CountChildren reports how many roles reference id as their parent.
func (r *Repository) CountChildren(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM roles WHERE parent_role_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Grants returns the grants of a role joined with their permissions.
func (r *Repository) Grants(ctx context.Context, roleID uuid.UUID) ([]GrantedPermission, error) {
	const query = `
SELECT rp.id, rp.role_id, rp.permission_id, rp.constraints, rp.expires_at, rp.granted_by, rp.granted_at,
       p.id, p.resource_type, p.action, p.description, p.risk_level, p.requires_mfa, p.requires_approval,
       p.is_system, p.is_active, p.version, p.created_at, p.updated_at
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1
ORDER BY p.resource_type, p.action`
	rows, err := r.pool.Query(ctx, query, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrantedPermission
	for rows.Next() {
		var gp GrantedPermission
		var raw []byte
		err := rows.Scan(
			&gp.Grant.ID, &gp.Grant.RoleID, &gp.Grant.PermissionID, &raw,
			&gp.Grant.ExpiresAt, &gp.Grant.GrantedBy, &gp.Grant.GrantedAt,
			&gp.Permission.ID, &gp.Permission.ResourceType, &gp.Permission.Action,
			&gp.Permission.Description, &gp.Permission.RiskLevel, &gp.Permission.RequiresMFA,
			&gp.Permission.RequiresApproval, &gp.Permission.IsSystem, &gp.Permission.IsActive,
			&gp.Permission.Version, &gp.Permission.CreatedAt, &gp.Permission.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if gp.Grant.Constraints, err = shared.ConditionsFromJSONB(raw); err != nil {
			return nil, err
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

// CountGrants reports how many permissions are attached to the role.
func (r *Repository) CountGrants(ctx context.Context, roleID uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM role_permissions WHERE role_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, roleID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AddGrant attaches a permission to a role.
func (r *Repository) AddGrant(ctx context.Context, grant Grant) (Grant, error) {
	return insertGrant(ctx, r.pool, grant)
}

// RemoveGrant detaches a permission from a role.
func (r *Repository) RemoveGrant(ctx context.Context, roleID, permissionID uuid.UUID) error {
	const query = `DELETE FROM role_permissions WHERE role_id = $1 AND permission_id = $2`
	tag, err := r.pool.Exec(ctx, query, roleID, permissionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s on role %s: %w", permissionID, roleID, shared.ErrNotFound)
	}
	return nil
}

// RemoveAllGrants detaches every permission from a role and returns how many
// were removed.
func (r *Repository) RemoveAllGrants(ctx context.Context, roleID uuid.UUID) (int64, error) {
	const query = `DELETE FROM role_permissions WHERE role_id = $1`
	tag, err := r.pool.Exec(ctx, query, roleID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SetGrantExpiration stamps an expiry on an existing grant.
func (r *Repository) SetGrantExpiration(ctx context.Context, roleID, permissionID uuid.UUID, expiresAt time.Time) error {
	const query = `UPDATE role_permissions SET expires_at = $3 WHERE role_id = $1 AND permission_id = $2`
	tag, err := r.pool.Exec(ctx, query, roleID, permissionID, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s on role %s: %w", permissionID, roleID, shared.ErrNotFound)
	}
	return nil
}

// SetGrantConstraints replaces the constraint map on an existing grant.
func (r *Repository) SetGrantConstraints(ctx context.Context, roleID, permissionID uuid.UUID, constraints shared.Conditions) error {
	raw, err := constraints.MarshalJSONB()
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}
	const query = `UPDATE role_permissions SET constraints = $3 WHERE role_id = $1 AND permission_id = $2`
	tag, err := r.pool.Exec(ctx, query, roleID, permissionID, raw)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s on role %s: %w", permissionID, roleID, shared.ErrNotFound)
	}
	return nil
}

// ExpiringGrants returns grants expiring within the window, joined with their
// permissions.
func (r *Repository) ExpiringGrants(ctx context.Context, roleID uuid.UUID, until time.Time) ([]GrantedPermission, error) {
	const query = `
SELECT rp.id, rp.role_id, rp.permission_id, rp.constraints, rp.expires_at, rp.granted_by, rp.granted_at,
       p.id, p.resource_type, p.action, p.description, p.risk_level, p.requires_mfa, p.requires_approval,
       p.is_system, p.is_active, p.version, p.created_at, p.updated_at
FROM role_permissions rp
JOIN permissions p ON p.id = rp.permission_id
WHERE rp.role_id = $1 AND rp.expires_at IS NOT NULL AND rp.expires_at BETWEEN now() AND $2
ORDER BY rp.expires_at`
	rows, err := r.pool.Query(ctx, query, roleID, until)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GrantedPermission
	for rows.Next() {
		var gp GrantedPermission
		var raw []byte
		err := rows.Scan(
			&gp.Grant.ID, &gp.Grant.RoleID, &gp.Grant.PermissionID, &raw,
			&gp.Grant.ExpiresAt, &gp.Grant.GrantedBy, &gp.Grant.GrantedAt,
			&gp.Permission.ID, &gp.Permission.ResourceType, &gp.Permission.Action,
			&gp.Permission.Description, &gp.Permission.RiskLevel, &gp.Permission.RequiresMFA,
			&gp.Permission.RequiresApproval, &gp.Permission.IsSystem, &gp.Permission.IsActive,
			&gp.Permission.Version, &gp.Permission.CreatedAt, &gp.Permission.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if gp.Grant.Constraints, err = shared.ConditionsFromJSONB(raw); err != nil {
			return nil, err
		}
		out = append(out, gp)
	}
	return out, rows.Err()
}

// CountActiveAssignments reports the active user assignments of a role.
func (r *Repository) CountActiveAssignments(ctx context.Context, roleID uuid.UUID) (int, error) {
	const query = `
SELECT count(*) FROM user_roles
WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())`
	var n int
	if err := r.pool.QueryRow(ctx, query, roleID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// Statistics aggregates counts for one role in a single round trip.
func (r *Repository) Statistics(ctx context.Context, roleID uuid.UUID) (Statistics, error) {
	const query = `
SELECT
  (SELECT count(*) FROM role_permissions WHERE role_id = $1),
  (SELECT count(*) FROM user_roles WHERE role_id = $1 AND is_active AND (expires_at IS NULL OR expires_at > now())),
  (SELECT count(*) FROM roles WHERE parent_role_id = $1)`
	stats := Statistics{RoleID: roleID}
	if err := r.pool.QueryRow(ctx, query, roleID).Scan(&stats.PermissionCount, &stats.ActiveUsers, &stats.ChildRoles); err != nil {
		return Statistics{}, err
	}
	return stats, nil
}

// SweepExpiredGrants deletes role-permission grants whose expiry has passed.
func (r *Repository) SweepExpiredGrants(ctx context.Context, now time.Time) (int64, error) {
	const query = `DELETE FROM role_permissions WHERE expires_at IS NOT NULL AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// PermissionsFor returns the listed permissions ensuring they all exist.
func (r *Repository) PermissionsFor(ctx context.Context, ids []uuid.UUID) ([]permissions.Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `
SELECT id, resource_type, action, description, risk_level, requires_mfa, requires_approval, is_system, is_active, version, created_at, updated_at
FROM permissions WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []permissions.Permission
	for rows.Next() {
		var p permissions.Permission
		err := rows.Scan(
			&p.ID, &p.ResourceType, &p.Action, &p.Description, &p.RiskLevel,
			&p.RequiresMFA, &p.RequiresApproval, &p.IsSystem, &p.IsActive,
			&p.Version, &p.CreatedAt, &p.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
