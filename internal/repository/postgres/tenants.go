package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// TenantRepo reads tenant and credential rows. Writes happen through the
// admin surface only; the hot path is read-only.
type TenantRepo struct {
	db *sql.DB
}

func NewTenantRepo(db *sql.DB) *TenantRepo {
	return &TenantRepo{db: db}
}

// GetTenant loads one tenant by ID.
func (r *TenantRepo) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, plan, active, priority, reputation_tier, created_at, updated_at
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.Active, &t.Priority, &t.ReputationTier, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant %s: %w", id, err)
	}
	return &t, nil
}

// GetCredentialByFingerprint resolves an API key fingerprint to its
// credential row. Only active credentials match.
func (r *TenantRepo) GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*domain.APICredential, error) {
	var (
		c    domain.APICredential
		caps pq.StringArray
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, fingerprint, capabilities, active, last_used_at, created_at
		FROM api_credentials WHERE fingerprint = $1 AND active`, fingerprint,
	).Scan(&c.ID, &c.TenantID, &c.Fingerprint, &caps, &c.Active, &c.LastUsedAt, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrUnauthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.Capabilities = make([]domain.Capability, len(caps))
	for i, s := range caps {
		c.Capabilities[i] = domain.Capability(s)
	}
	return &c, nil
}

// TouchCredentialUsage records the last successful authentication.
// Best-effort; callers ignore the error on the hot path.
func (r *TenantRepo) TouchCredentialUsage(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE api_credentials SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch credential %s: %w", id, err)
	}
	return nil
}

// CreateCredential stores a new credential fingerprint for a tenant.
func (r *TenantRepo) CreateCredential(ctx context.Context, c *domain.APICredential) error {
	caps := make(pq.StringArray, len(c.Capabilities))
	for i, cap := range c.Capabilities {
		caps[i] = string(cap)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO api_credentials (id, tenant_id, fingerprint, capabilities, active)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.TenantID, c.Fingerprint, caps, c.Active)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

// CreateTenant inserts a tenant row.
func (r *TenantRepo) CreateTenant(ctx context.Context, t *domain.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, plan, active, priority, reputation_tier)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Plan, t.Active, t.Priority, t.ReputationTier)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}
