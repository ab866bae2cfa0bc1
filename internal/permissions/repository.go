package permissions

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianstat/authz-service/internal/shared"
)

// Repository provides PostgreSQL backed persistence for permissions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const permissionColumns = `id, resource_type, action, description, risk_level, requires_mfa, requires_approval, is_system, is_active, version, created_at, updated_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var p Permission
	err := row.Scan(
		&p.ID, &p.ResourceType, &p.Action, &p.Description, &p.RiskLevel,
		&p.RequiresMFA, &p.RequiresApproval, &p.IsSystem, &p.IsActive,
		&p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// Create inserts a permission.
func (r *Repository) Create(ctx context.Context, p Permission) (Permission, error) {
	const query = `
INSERT INTO permissions (id, resource_type, action, description, risk_level, requires_mfa, requires_approval, is_system, is_active, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, now(), now())
RETURNING ` + permissionColumns
	created, err := scanPermission(r.pool.QueryRow(ctx, query,
		p.ID, p.ResourceType, p.Action, p.Description, p.RiskLevel,
		p.RequiresMFA, p.RequiresApproval, p.IsSystem, p.IsActive,
	))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Permission{}, fmt.Errorf("permission %s:%s: %w", p.ResourceType, p.Action, shared.ErrDuplicate)
		}
		return Permission{}, err
	}
	return created, nil
}

// Get fetches a permission by identifier.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Permission, error) {
	const query = `SELECT ` + permissionColumns + ` FROM permissions WHERE id = $1`
	p, err := scanPermission(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("permission %s: %w", id, shared.ErrNotFound)
		}
		return Permission{}, err
	}
	return p, nil
}

// GetByTypeAndAction resolves the unique (resource_type, action) pair.
func (r *Repository) GetByTypeAndAction(ctx context.Context, resourceType, action string) (Permission, error) {
	const query = `SELECT ` + permissionColumns + ` FROM permissions WHERE resource_type = $1 AND action = $2`
	p, err := scanPermission(r.pool.QueryRow(ctx, query, resourceType, action))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("permission %s:%s: %w", resourceType, action, shared.ErrNotFound)
		}
		return Permission{}, err
	}
	return p, nil
}

// List returns permissions matching the filters, ordered by resource type
// then action.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Permission, error) {
	var conditions []string
	var args []any
	argPos := 1

	if filters.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argPos))
		args = append(args, filters.ResourceType)
		argPos++
	}
	if filters.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argPos))
		args = append(args, filters.Action)
		argPos++
	}
	if filters.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *filters.IsActive)
		argPos++
	}
	if filters.Search != "" {
		conditions = append(conditions, fmt.Sprintf("(resource_type ILIKE $%d OR action ILIKE $%d OR description ILIKE $%d)", argPos, argPos, argPos))
		args = append(args, "%"+filters.Search+"%")
		argPos++
	}

	query := `SELECT ` + permissionColumns + ` FROM permissions`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY resource_type, action"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByIDs fetches the given permissions in one round trip.
func (r *Repository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Permission, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT ` + permissionColumns + ` FROM permissions WHERE id = ANY($1)`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListByScope returns active permissions whose resource_type is in scope.
// When actions is non-empty only those actions are returned; excluded actions
// are filtered afterwards by the caller.
func (r *Repository) ListByScope(ctx context.Context, resourceTypes []string, actions []string) ([]Permission, error) {
	if len(resourceTypes) == 0 {
		return nil, nil
	}
	query := `SELECT ` + permissionColumns + ` FROM permissions WHERE is_active AND resource_type = ANY($1)`
	args := []any{resourceTypes}
	if len(actions) > 0 {
		query += ` AND action = ANY($2)`
		args = append(args, actions)
	}
	query += ` ORDER BY resource_type, action`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update applies a guarded update using the optimistic version counter.
func (r *Repository) Update(ctx context.Context, p Permission) (Permission, error) {
	const query = `
UPDATE permissions
SET description = $3, risk_level = $4, requires_mfa = $5, requires_approval = $6, is_active = $7,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + permissionColumns
	updated, err := scanPermission(r.pool.QueryRow(ctx, query,
		p.ID, p.Version, p.Description, p.RiskLevel, p.RequiresMFA, p.RequiresApproval, p.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("permission %s: %w", p.ID, shared.ErrConflict)
		}
		return Permission{}, err
	}
	return updated, nil
}

// Delete removes a permission.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM permissions WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("permission %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// CountRolesUsing reports how many roles currently reference the permission.
func (r *Repository) CountRolesUsing(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM role_permissions WHERE permission_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// DistinctResourceTypes enumerates the resource types present in the catalog.
func (r *Repository) DistinctResourceTypes(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT resource_type FROM permissions WHERE is_active ORDER BY resource_type`
	return r.stringColumn(ctx, query)
}

// DistinctActions enumerates the actions present in the catalog.
func (r *Repository) DistinctActions(ctx context.Context) ([]string, error) {
	const query = `SELECT DISTINCT action FROM permissions WHERE is_active ORDER BY action`
	return r.stringColumn(ctx, query)
}

func (r *Repository) stringColumn(ctx context.Context, query string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
