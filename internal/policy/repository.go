package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianstat/authz-service/internal/platform/db"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Repository provides PostgreSQL backed persistence for policies.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const policyColumns = `id, tenant_id, name, description, policy_type, effect, priority, conditions, start_date, end_date, is_active, created_by, updated_by, version, created_at, updated_at`

func scanPolicy(row pgx.Row) (Policy, error) {
	var p Policy
	var raw []byte
	err := row.Scan(
		&p.ID, &p.TenantID, &p.Name, &p.Description, &p.PolicyType, &p.Effect,
		&p.Priority, &raw, &p.StartDate, &p.EndDate, &p.IsActive,
		&p.CreatedBy, &p.UpdatedBy, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Policy{}, err
	}
	if p.Conditions, err = shared.ConditionsFromJSONB(raw); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Create inserts a policy together with its permission and resource
// reference sets.
func (r *Repository) Create(ctx context.Context, p Policy) (Policy, error) {
	conditions, err := p.Conditions.MarshalJSONB()
	if err != nil {
		return Policy{}, fmt.Errorf("marshal conditions: %w", err)
	}
	var created Policy
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
INSERT INTO policies (id, tenant_id, name, description, policy_type, effect, priority, conditions, start_date, end_date, is_active, created_by, updated_by, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12, 1, now(), now())
RETURNING ` + policyColumns
		var txErr error
		created, txErr = scanPolicy(tx.QueryRow(ctx, query,
			p.ID, p.TenantID, p.Name, p.Description, p.PolicyType, p.Effect,
			p.Priority, conditions, p.StartDate, p.EndDate, p.IsActive, p.CreatedBy,
		))
		if txErr != nil {
			return txErr
		}
		for _, permID := range p.PermissionIDs {
			if _, txErr = tx.Exec(ctx, `INSERT INTO policy_permissions (policy_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, created.ID, permID); txErr != nil {
				return txErr
			}
		}
		for _, resID := range p.ResourceIDs {
			if _, txErr = tx.Exec(ctx, `INSERT INTO resource_policies (resource_id, policy_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, resID, created.ID); txErr != nil {
				return txErr
			}
		}
		return nil
	})
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Policy{}, fmt.Errorf("policy %q: %w", p.Name, shared.ErrDuplicate)
		}
		return Policy{}, err
	}
	created.PermissionIDs = p.PermissionIDs
	created.ResourceIDs = p.ResourceIDs
	return created, nil
}

// Get fetches a policy by identifier including its reference sets.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Policy, error) {
	const query = `SELECT ` + policyColumns + ` FROM policies WHERE id = $1`
	p, err := scanPolicy(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, fmt.Errorf("policy %s: %w", id, shared.ErrNotFound)
		}
		return Policy{}, err
	}
	if err := r.loadReferences(ctx, &p); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (r *Repository) loadReferences(ctx context.Context, p *Policy) error {
	var err error
	p.PermissionIDs, err = r.uuidColumn(ctx, `SELECT permission_id FROM policy_permissions WHERE policy_id = $1`, p.ID)
	if err != nil {
		return err
	}
	p.ResourceIDs, err = r.uuidColumn(ctx, `SELECT resource_id FROM resource_policies WHERE policy_id = $1`, p.ID)
	return err
}

func (r *Repository) uuidColumn(ctx context.Context, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, query, args...)
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

// List returns policies matching the filters ordered by priority descending.
// Reference sets are not loaded.
func (r *Repository) List(ctx context.Context, filters ListFilters) ([]Policy, error) {
	var conditions []string
	var args []any
	argPos := 1

	if filters.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argPos))
		args = append(args, *filters.TenantID)
		argPos++
	}
	if filters.PolicyType != "" {
		conditions = append(conditions, fmt.Sprintf("policy_type = $%d", argPos))
		args = append(args, filters.PolicyType)
		argPos++
	}
	if filters.IsActive != nil {
		conditions = append(conditions, fmt.Sprintf("is_active = $%d", argPos))
		args = append(args, *filters.IsActive)
		argPos++
	}

	query := `SELECT ` + policyColumns + ` FROM policies`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY priority DESC, name"

	return r.listPolicies(ctx, query, args...)
}

// ActiveForTenant returns the tenant's active policies inside their date
// window, priority descending, with reference sets loaded.
func (r *Repository) ActiveForTenant(ctx context.Context, tenantID uuid.UUID, now time.Time) ([]Policy, error) {
	const query = `
SELECT ` + policyColumns + ` FROM policies
WHERE tenant_id = $1 AND is_active
  AND (start_date IS NULL OR start_date <= $2)
  AND (end_date IS NULL OR end_date >= $2)
ORDER BY priority DESC, name`
	policies, err := r.listPolicies(ctx, query, tenantID, now)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if err := r.loadReferences(ctx, &policies[i]); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// ForResource returns the policies attached to a resource, priority
// descending, with reference sets loaded.
func (r *Repository) ForResource(ctx context.Context, resourceID uuid.UUID) ([]Policy, error) {
	const query = `
SELECT ` + policyColumns + ` FROM policies p
JOIN resource_policies rp ON rp.policy_id = p.id
WHERE rp.resource_id = $1
ORDER BY p.priority DESC, p.name`
	policies, err := r.listPolicies(ctx, query, resourceID)
	if err != nil {
		return nil, err
	}
	for i := range policies {
		if err := r.loadReferences(ctx, &policies[i]); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

func (r *Repository) listPolicies(ctx context.Context, query string, args ...any) ([]Policy, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update applies a guarded update using the optimistic version counter.
func (r *Repository) Update(ctx context.Context, p Policy) (Policy, error) {
	conditions, err := p.Conditions.MarshalJSONB()
	if err != nil {
		return Policy{}, fmt.Errorf("marshal conditions: %w", err)
	}
	const query = `
UPDATE policies
SET description = $3, effect = $4, priority = $5, conditions = $6, start_date = $7, end_date = $8,
    is_active = $9, updated_by = $10, version = version + 1, updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + policyColumns
	updated, err := scanPolicy(r.pool.QueryRow(ctx, query,
		p.ID, p.Version, p.Description, p.Effect, p.Priority, conditions,
		p.StartDate, p.EndDate, p.IsActive, p.UpdatedBy,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Policy{}, fmt.Errorf("policy %s: %w", p.ID, shared.ErrConflict)
		}
		return Policy{}, err
	}
	return updated, nil
}

// Delete removes a policy and its reference links.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM policy_permissions WHERE policy_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM resource_policies WHERE policy_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM policies WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("policy %s: %w", id, shared.ErrNotFound)
		}
		return nil
	})
}

// SetActive toggles activation.
func (r *Repository) SetActive(ctx context.Context, id uuid.UUID, active bool, updatedBy string) error {
	const query = `UPDATE policies SET is_active = $2, updated_by = $3, version = version + 1, updated_at = now() WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query, id, active, updatedBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("policy %s: %w", id, shared.ErrNotFound)
	}
	return nil
}

// SweepExpired deactivates policies whose end date has passed and returns the
// tenants touched.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	const query = `
UPDATE policies SET is_active = false, updated_at = now()
WHERE is_active AND end_date IS NOT NULL AND end_date < $1
RETURNING tenant_id`
	rows, err := r.pool.Query(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}
