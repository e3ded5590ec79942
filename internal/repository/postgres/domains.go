package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// DomainRepo manages sender domains and their verification state.
type DomainRepo struct {
	db *sql.DB
}

func NewDomainRepo(db *sql.DB) *DomainRepo {
	return &DomainRepo{db: db}
}

func scanDomain(row interface{ Scan(...any) error }) (*domain.SenderDomain, error) {
	var d domain.SenderDomain
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.SPFStatus, &d.DKIMStatus,
		&d.DMARCStatus, &d.LastCheckedAt, &d.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const domainColumns = `id, tenant_id, name, spf_status, dkim_status, dmarc_status, last_checked_at, created_at`

// Create registers a domain for a tenant; verification starts at unknown.
func (r *DomainRepo) Create(ctx context.Context, d *domain.SenderDomain) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO domains (id, tenant_id, name, spf_status, dkim_status, dmarc_status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		d.ID, d.TenantID, d.Name, d.SPFStatus, d.DKIMStatus, d.DMARCStatus)
	if err != nil {
		return fmt.Errorf("create domain %s: %w", d.Name, err)
	}
	return nil
}

// GetByNameForTenant looks up a domain owned by the given tenant. Used on
// the admission path for sender authorization.
func (r *DomainRepo) GetByNameForTenant(ctx context.Context, tenantID, name string) (*domain.SenderDomain, error) {
	d, err := scanDomain(r.db.QueryRowContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE tenant_id = $1 AND name = $2`,
		tenantID, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get domain %s: %w", name, err)
	}
	return d, nil
}

// ListForTenant returns every domain registered to the tenant.
func (r *DomainRepo) ListForTenant(ctx context.Context, tenantID string) ([]domain.SenderDomain, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+domainColumns+` FROM domains WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	defer rows.Close()

	var out []domain.SenderDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// ListStale returns up to limit domains whose last check is older than
// cutoff, oldest first. Never-checked domains sort first.
func (r *DomainRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]domain.SenderDomain, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+domainColumns+` FROM domains
		WHERE last_checked_at IS NULL OR last_checked_at < $1
		ORDER BY last_checked_at NULLS FIRST
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale domains: %w", err)
	}
	defer rows.Close()

	var out []domain.SenderDomain
	for rows.Next() {
		d, err := scanDomain(rows)
		if err != nil {
			return nil, fmt.Errorf("scan domain: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateVerification persists the outcome of a verification pass.
func (r *DomainRepo) UpdateVerification(ctx context.Context, id string, spf, dkim, dmarc domain.RecordStatus, checkedAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE domains
		SET spf_status = $2, dkim_status = $3, dmarc_status = $4, last_checked_at = $5
		WHERE id = $1`,
		id, spf, dkim, dmarc, checkedAt)
	if err != nil {
		return fmt.Errorf("update verification %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
