package resources

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

// Repository provides PostgreSQL backed persistence for resources.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const resourceColumns = `id, resource_identifier, resource_type, tenant_id, parent_resource_id, attributes, owner_id, is_public, is_active, version, created_at, updated_at`

func scanResource(row pgx.Row) (Resource, error) {
	var res Resource
	var raw []byte
	err := row.Scan(
		&res.ID, &res.ResourceIdentifier, &res.ResourceType, &res.TenantID,
		&res.ParentResourceID, &raw, &res.OwnerID, &res.IsPublic, &res.IsActive,
		&res.Version, &res.CreatedAt, &res.UpdatedAt,
	)
	if err != nil {
		return Resource{}, err
	}
	if res.Attributes, err = shared.ConditionsFromJSONB(raw); err != nil {
		return Resource{}, err
	}
	return res, nil
}

// Create inserts a resource.
func (r *Repository) Create(ctx context.Context, res Resource) (Resource, error) {
	attrs, err := res.Attributes.MarshalJSONB()
	if err != nil {
		return Resource{}, fmt.Errorf("marshal attributes: %w", err)
	}
	const query = `
INSERT INTO resources (id, resource_identifier, resource_type, tenant_id, parent_resource_id, attributes, owner_id, is_public, is_active, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, now(), now())
RETURNING ` + resourceColumns
	created, err := scanResource(r.pool.QueryRow(ctx, query,
		res.ID, res.ResourceIdentifier, res.ResourceType, res.TenantID,
		res.ParentResourceID, attrs, res.OwnerID, res.IsPublic, res.IsActive,
	))
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Resource{}, fmt.Errorf("resource %q: %w", res.ResourceIdentifier, shared.ErrDuplicate)
		}
		return Resource{}, err
	}
	return created, nil
}

// Get fetches a resource by identifier.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Resource, error) {
	const query = `SELECT ` + resourceColumns + ` FROM resources WHERE id = $1`
	res, err := scanResource(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, fmt.Errorf("resource %s: %w", id, shared.ErrNotFound)
		}
		return Resource{}, err
	}
	return res, nil
}

// GetByIdentifier resolves the globally unique resource_identifier.
func (r *Repository) GetByIdentifier(ctx context.Context, identifier string) (Resource, error) {
	const query = `SELECT ` + resourceColumns + ` FROM resources WHERE resource_identifier = $1`
	res, err := scanResource(r.pool.QueryRow(ctx, query, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, fmt.Errorf("resource %q: %w", identifier, shared.ErrNotFound)
		}
		return Resource{}, err
	}
	return res, nil
}

// List returns resources matching the filters.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Resource, error) {
	var conditions []string
	var args []any
	argPos := 1

	if filters.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argPos))
		args = append(args, *filters.TenantID)
		argPos++
	}
	if filters.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argPos))
		args = append(args, filters.ResourceType)
		argPos++
	}
	if filters.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *filters.IsActive)
		argPos++
	}
	if filters.Search != "" {
		conditions = append(conditions, fmt.Sprintf("resource_identifier ILIKE $%d", argPos))
		args = append(args, "%"+filters.Search+"%")
		argPos++
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY resource_identifier"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListByIDs returns the listed resources in id order.
func (r *Repository) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]Resource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const query = `SELECT ` + resourceColumns + ` FROM resources WHERE id = ANY($1) ORDER BY id`
	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		res, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Update applies a guarded update using the optimistic version counter.
func (r *Repository) Update(ctx context.Context, res Resource) (Resource, error) {
	attrs, err := res.Attributes.MarshalJSONB()
	if err != nil {
		return Resource{}, fmt.Errorf("marshal attributes: %w", err)
	}
	const query = `
UPDATE resources
SET parent_resource_id = $3, attributes = $4, owner_id = $5, is_public = $6, is_active = $7,
    version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + resourceColumns
	updated, err := scanResource(r.pool.QueryRow(ctx, query,
		res.ID, res.Version, res.ParentResourceID, attrs, res.OwnerID, res.IsPublic, res.IsActive,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Resource{}, fmt.Errorf("resource %s: %w", res.ID, shared.ErrConflict)
		}
		return Resource{}, err
	}
	return updated, nil
}

// Delete removes a resource and its policy links.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM resource_policies WHERE resource_id = $1`, id); err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `DELETE FROM resources WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("resource %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// CountChildren reports how many resources reference id as their parent.
func (r *Repository) CountChildren(ctx context.Context, id uuid.UUID) (int, error) {
	const query = `SELECT count(*) FROM resources WHERE parent_resource_id = $1`
	var n int
	if err := r.pool.QueryRow(ctx, query, id).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// AttachPolicy links a policy to the resource. Duplicate links are absorbed.
func (r *Repository) AttachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error {
	const query = `INSERT INTO resource_policies (resource_id, policy_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`
	_, err := r.pool.Exec(ctx, query, resourceID, policyID)
	return err
}

// DetachPolicy removes a policy link.
func (r *Repository) DetachPolicy(ctx context.Context, resourceID, policyID uuid.UUID) error {
	const query = `DELETE FROM resource_policies WHERE resource_id = $1 AND policy_id = $2`
	tag, err := r.pool.Exec(ctx, query, resourceID, policyID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s on resource %s: %w", policyID, resourceID, shared.ErrNotFound)
	}
	return nil
}

// PolicyIDs lists identifiers of policies attached to the resource.
func (r *Repository) PolicyIDs(ctx context.Context, resourceID uuid.UUID) ([]uuid.UUID, error) {
	const query = `SELECT policy_id FROM resource_policies WHERE resource_id = $1`
	rows, err := r.pool.Query(ctx, query, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
