package crosstenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/meridianstat/authz-service/internal/platform/db"
	"github.com/meridianstat/authz-service/internal/shared"
)

// Repository provides PostgreSQL backed persistence for cross-tenant grants.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const accessColumns = `id, source_tenant_id, target_tenant_id, resource_type, resource_id, conditions, granted_by, granted_at, revoked_by, revoked_at, expires_at, is_active`

func scanAccess(row pgx.Row) (Access, error) {
	var a Access
	var raw []byte
	err := row.Scan(
		&a.ID, &a.SourceTenantID, &a.TargetTenantID, &a.ResourceType, &a.ResourceID,
		&raw, &a.GrantedBy, &a.GrantedAt, &a.RevokedBy, &a.RevokedAt, &a.ExpiresAt, &a.IsActive,
	)
	if err != nil {
		return Access{}, err
	}
	if a.Conditions, err = shared.ConditionsFromJSONB(raw); err != nil {
		return Access{}, err
	}
	return a, nil
}

// Insert stores a grant and its action list.
func (r *Repository) Insert(ctx context.Context, a Access) (Access, error) {
	conditions, err := a.Conditions.MarshalJSONB()
	if err != nil {
		return Access{}, fmt.Errorf("marshal conditions: %w", err)
	}
	var created Access
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
INSERT INTO cross_tenant_access (id, source_tenant_id, target_tenant_id, resource_type, resource_id, conditions, granted_by, granted_at, expires_at, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, true)
RETURNING ` + accessColumns
		var txErr error
		created, txErr = scanAccess(tx.QueryRow(ctx, query,
			a.ID, a.SourceTenantID, a.TargetTenantID, a.ResourceType, a.ResourceID,
			conditions, a.GrantedBy, a.ExpiresAt,
		))
		if txErr != nil {
			return txErr
		}
		for _, action := range a.Permissions {
			if _, txErr = tx.Exec(ctx, `INSERT INTO cross_tenant_permissions (access_id, action) VALUES ($1, $2) ON CONFLICT DO NOTHING`, created.ID, action); txErr != nil {
				return txErr
			}
		}
		const audit = `INSERT INTO cross_tenant_access_audit (id, access_id, operation, actor, occurred_at) VALUES ($1, $2, 'GRANTED', $3, now())`
		_, txErr = tx.Exec(ctx, audit, uuid.New(), created.ID, a.GrantedBy)
		return txErr
	})
	if err != nil {
		if shared.IsUniqueViolation(err) {
			return Access{}, fmt.Errorf("grant %s -> %s on %s: %w", a.SourceTenantID, a.TargetTenantID, a.ResourceType, shared.ErrDuplicate)
		}
		return Access{}, err
	}
	created.Permissions = a.Permissions
	return created, nil
}

// Get fetches a grant with its action list.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Access, error) {
	const query = `SELECT ` + accessColumns + ` FROM cross_tenant_access WHERE id = $1`
	a, err := scanAccess(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Access{}, fmt.Errorf("cross-tenant access %s: %w", id, shared.ErrNotFound)
		}
		return Access{}, err
	}
	if a.Permissions, err = r.actions(ctx, a.ID); err != nil {
		return Access{}, err
	}
	return a, nil
}

func (r *Repository) actions(ctx context.Context, accessID uuid.UUID) ([]string, error) {
	const query = `SELECT action FROM cross_tenant_permissions WHERE access_id = $1 ORDER BY action`
	rows, err := r.pool.Query(ctx, query, accessID)
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

// FindActive resolves the unique active grant for (source, target, type).
func (r *Repository) FindActive(ctx context.Context, sourceTenantID, targetTenantID uuid.UUID, resourceType string) (Access, error) {
	const query = `
SELECT ` + accessColumns + ` FROM cross_tenant_access
WHERE source_tenant_id = $1 AND target_tenant_id = $2 AND resource_type = $3 AND is_active`
	a, err := scanAccess(r.pool.QueryRow(ctx, query, sourceTenantID, targetTenantID, resourceType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Access{}, fmt.Errorf("cross-tenant access %s -> %s on %s: %w", sourceTenantID, targetTenantID, resourceType, shared.ErrNotFound)
		}
		return Access{}, err
	}
	if a.Permissions, err = r.actions(ctx, a.ID); err != nil {
		return Access{}, err
	}
	return a, nil
}

// ListForTenant returns grants where the tenant is source or target.
func (r *Repository) ListForTenant(ctx context.Context, tenantID uuid.UUID) ([]Access, error) {
	const query = `
SELECT ` + accessColumns + ` FROM cross_tenant_access
WHERE source_tenant_id = $1 OR target_tenant_id = $1
ORDER BY granted_at DESC`
	rows, err := r.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Access
	for rows.Next() {
		a, err := scanAccess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Permissions, err = r.actions(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Revoke deactivates a grant and stamps the revocation.
func (r *Repository) Revoke(ctx context.Context, id uuid.UUID, revokedBy string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		const query = `
UPDATE cross_tenant_access
SET is_active = false, revoked_by = $2, revoked_at = now()
WHERE id = $1 AND is_active`
		tag, err := tx.Exec(ctx, query, id, revokedBy)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("cross-tenant access %s: %w", id, shared.ErrNotFound)
		}
		const audit = `INSERT INTO cross_tenant_access_audit (id, access_id, operation, actor, occurred_at) VALUES ($1, $2, 'REVOKED', $3, now())`
		_, err = tx.Exec(ctx, audit, uuid.New(), id, revokedBy)
		return err
	})
}

// SweepExpired deactivates grants whose expiry has passed.
func (r *Repository) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `UPDATE cross_tenant_access SET is_active = false WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
