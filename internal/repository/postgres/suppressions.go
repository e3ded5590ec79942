package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// SuppressionRepo manages the per-tenant suppression list. Lookups happen
// on every enqueue, so the (tenant_id, address) index is load-bearing.
type SuppressionRepo struct {
	db *sql.DB
}

func NewSuppressionRepo(db *sql.DB) *SuppressionRepo {
	return &SuppressionRepo{db: db}
}

// IsSuppressed checks one normalized address for one tenant.
func (r *SuppressionRepo) IsSuppressed(ctx context.Context, tenantID, address string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM suppressions WHERE tenant_id = $1 AND address = $2)`,
		tenantID, domain.NormalizeAddress(address)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("suppression lookup: %w", err)
	}
	return exists, nil
}

// FilterSuppressed returns the subset of addresses that are suppressed for
// the tenant, in one round trip.
func (r *SuppressionRepo) FilterSuppressed(ctx context.Context, tenantID string, addresses []string) (map[string]bool, error) {
	out := make(map[string]bool, len(addresses))
	if len(addresses) == 0 {
		return out, nil
	}
	norm := make([]string, len(addresses))
	for i, a := range addresses {
		norm[i] = domain.NormalizeAddress(a)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT address FROM suppressions
		WHERE tenant_id = $1 AND address = ANY($2)`,
		tenantID, pq.Array(norm))
	if err != nil {
		return nil, fmt.Errorf("suppression filter: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out[a] = true
	}
	return out, rows.Err()
}

// Suppress inserts an entry; a duplicate address is a no-op so bounce
// processing can re-suppress without errors.
func (r *SuppressionRepo) Suppress(ctx context.Context, e *domain.SuppressionEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO suppressions (id, tenant_id, address, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, address) DO NOTHING`,
		e.ID, e.TenantID, domain.NormalizeAddress(e.Address), e.Reason)
	if err != nil {
		return fmt.Errorf("suppress %s: %w", e.Address, err)
	}
	return nil
}

// Remove deletes a suppression entry. Returns ErrNotFound if absent.
func (r *SuppressionRepo) Remove(ctx context.Context, tenantID, address string) error {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM suppressions WHERE tenant_id = $1 AND address = $2`,
		tenantID, domain.NormalizeAddress(address))
	if err != nil {
		return fmt.Errorf("remove suppression %s: %w", address, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns suppression entries for a tenant, newest first, paged by
// offset.
func (r *SuppressionRepo) List(ctx context.Context, tenantID string, limit, offset int) ([]domain.SuppressionEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, address, reason, created_at
		FROM suppressions WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list suppressions: %w", err)
	}
	defer rows.Close()

	var out []domain.SuppressionEntry
	for rows.Next() {
		var e domain.SuppressionEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Address, &e.Reason, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suppression: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
