package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// DkimKeyRepo stores DKIM key pairs. At most one key per domain is active;
// rotation flips the active flag in one transaction so signing never sees
// zero or two active keys.
type DkimKeyRepo struct {
	db *sql.DB
}

func NewDkimKeyRepo(db *sql.DB) *DkimKeyRepo {
	return &DkimKeyRepo{db: db}
}

const dkimColumns = `id, domain_id, selector, private_key_encrypted, public_key,
	key_size, algorithm, header_canon, body_canon, active, created_at`

func scanDkimKey(row interface{ Scan(...any) error }) (*domain.DkimKey, error) {
	var k domain.DkimKey
	err := row.Scan(&k.ID, &k.DomainID, &k.Selector, &k.PrivateKeyEncrypted,
		&k.PublicKey, &k.KeySize, &k.Algorithm, &k.HeaderCanon, &k.BodyCanon,
		&k.Active, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// Create inserts a key pair. New keys start inactive unless they are the
// domain's first key.
func (r *DkimKeyRepo) Create(ctx context.Context, k *domain.DkimKey) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO dkim_keys
			(id, domain_id, selector, private_key_encrypted, public_key,
			 key_size, algorithm, header_canon, body_canon, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		k.ID, k.DomainID, k.Selector, k.PrivateKeyEncrypted, k.PublicKey,
		k.KeySize, k.Algorithm, k.HeaderCanon, k.BodyCanon, k.Active)
	if err != nil {
		return fmt.Errorf("create dkim key %s/%s: %w", k.DomainID, k.Selector, err)
	}
	return nil
}

// ActiveKeyForDomain returns the single active key for a domain.
func (r *DkimKeyRepo) ActiveKeyForDomain(ctx context.Context, domainID string) (*domain.DkimKey, error) {
	k, err := scanDkimKey(r.db.QueryRowContext(ctx,
		`SELECT `+dkimColumns+` FROM dkim_keys WHERE domain_id = $1 AND active`, domainID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("active dkim key for %s: %w", domainID, err)
	}
	return k, nil
}

// Rotate activates the key with the given selector and deactivates the
// previous active key atomically.
func (r *DkimKeyRepo) Rotate(ctx context.Context, domainID, selector string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE dkim_keys SET active = false WHERE domain_id = $1 AND active`, domainID); err != nil {
		return fmt.Errorf("deactivate dkim keys for %s: %w", domainID, err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE dkim_keys SET active = true WHERE domain_id = $1 AND selector = $2`,
		domainID, selector)
	if err != nil {
		return fmt.Errorf("activate dkim key %s/%s: %w", domainID, selector, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

// ListForDomain returns all keys for a domain, newest first.
func (r *DkimKeyRepo) ListForDomain(ctx context.Context, domainID string) ([]domain.DkimKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+dkimColumns+` FROM dkim_keys WHERE domain_id = $1 ORDER BY created_at DESC`,
		domainID)
	if err != nil {
		return nil, fmt.Errorf("list dkim keys: %w", err)
	}
	defer rows.Close()

	var out []domain.DkimKey
	for rows.Next() {
		k, err := scanDkimKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dkim key: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}
