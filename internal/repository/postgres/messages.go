package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// MessageRepo persists messages, their recipients, and the queue job that
// drives delivery. Acceptance is all-or-nothing: the message row, the
// recipient rows, the queue job, and the queued event commit together.
type MessageRepo struct {
	db *sql.DB
}

func NewMessageRepo(db *sql.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

// CreateWithRecipients stores a message with its recipients, enqueues a
// delivery job for the pending ones, and records the queued event, all in
// one transaction. Suppressed recipients are stored terminal and never
// reach the queue. If every recipient is suppressed no job is enqueued.
func (r *MessageRepo) CreateWithRecipients(ctx context.Context, msg *domain.Message, recipients []domain.Recipient, job *domain.QueueJob) error {
	headers, err := json.Marshal(msg.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	if msg.Headers == nil {
		headers = []byte("{}")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create message: %w", err)
	}
	defer tx.Rollback()

	var idemKey sql.NullString
	if msg.IdempotencyKey != "" {
		idemKey = sql.NullString{String: msg.IdempotencyKey, Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages
			(id, tenant_id, from_address, reply_to, subject, html_body, text_body,
			 headers, track_opens, track_clicks, idempotency_key, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		msg.ID, msg.TenantID, msg.FromAddress, msg.ReplyTo, msg.Subject,
		msg.HTMLBody, msg.TextBody, headers, msg.TrackOpens, msg.TrackClicks,
		idemKey, msg.Status)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	for i := range recipients {
		rc := &recipients[i]
		_, err = tx.ExecContext(ctx, `
			INSERT INTO recipients
				(id, message_id, address, domain, state, attempts, last_error, classification)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			rc.ID, rc.MessageID, rc.Address, rc.Domain, rc.State,
			rc.Attempts, rc.LastError, rc.Classification)
		if err != nil {
			return fmt.Errorf("insert recipient %s: %w", rc.Address, err)
		}
	}

	if job != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO queue_jobs (id, tenant_id, message_id, priority, enqueued_at, not_before)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			job.ID, job.TenantID, job.MessageID, job.Priority, job.EnqueuedAt, job.NotBefore)
		if err != nil {
			return fmt.Errorf("insert queue job: %w", err)
		}
	}

	payload, _ := json.Marshal(map[string]any{"recipients": len(recipients)})
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (id, message_id, type, payload, fingerprint)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO NOTHING`,
		uuid.NewString(), msg.ID, domain.EventQueued, payload,
		domain.EventFingerprint(msg.ID, domain.EventQueued, "accept"))
	if err != nil {
		return fmt.Errorf("insert queued event: %w", err)
	}

	return tx.Commit()
}

const messageColumns = `id, tenant_id, from_address, reply_to, subject, html_body, text_body,
	headers, track_opens, track_clicks, COALESCE(idempotency_key, ''), status, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*domain.Message, error) {
	var (
		m       domain.Message
		headers []byte
	)
	err := row.Scan(&m.ID, &m.TenantID, &m.FromAddress, &m.ReplyTo, &m.Subject,
		&m.HTMLBody, &m.TextBody, &headers, &m.TrackOpens, &m.TrackClicks,
		&m.IdempotencyKey, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	return &m, nil
}

// Get loads a message scoped to a tenant. Cross-tenant IDs return
// ErrNotFound, never a different tenant's row.
func (r *MessageRepo) Get(ctx context.Context, tenantID, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1 AND tenant_id = $2`,
		id, tenantID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// GetByID loads a message without tenant scoping. Internal use only
// (delivery workers already hold the job's tenant).
func (r *MessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return m, nil
}

// FindByIdempotencyKey returns the prior message for a duplicate submit.
func (r *MessageRepo) FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Message, error) {
	m, err := scanMessage(r.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find by idempotency key: %w", err)
	}
	return m, nil
}

// Recipients returns every recipient row for a message.
func (r *MessageRepo) Recipients(ctx context.Context, messageID string) ([]domain.Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, address, domain, state, attempts,
		       next_attempt_at, last_error, classification
		FROM recipients WHERE message_id = $1
		ORDER BY address`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.ID, &rc.MessageID, &rc.Address, &rc.Domain,
			&rc.State, &rc.Attempts, &rc.NextAttemptAt, &rc.LastError,
			&rc.Classification); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// UpdateRecipient persists one recipient's delivery outcome.
func (r *MessageRepo) UpdateRecipient(ctx context.Context, rc *domain.Recipient) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE recipients
		SET state = $2, attempts = $3, next_attempt_at = $4, last_error = $5, classification = $6
		WHERE id = $1`,
		rc.ID, rc.State, rc.Attempts, rc.NextAttemptAt, rc.LastError, rc.Classification)
	if err != nil {
		return fmt.Errorf("update recipient %s: %w", rc.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus persists the derived message status.
func (r *MessageRepo) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE messages SET status = $2, updated_at = NOW() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update message status %s: %w", id, err)
	}
	return nil
}

// FindRecipientByAddress resolves a bounce back to its recipient row using
// the message ID and the failed address.
func (r *MessageRepo) FindRecipientByAddress(ctx context.Context, messageID, address string) (*domain.Recipient, error) {
	var rc domain.Recipient
	err := r.db.QueryRowContext(ctx, `
		SELECT id, message_id, address, domain, state, attempts,
		       next_attempt_at, last_error, classification
		FROM recipients WHERE message_id = $1 AND address = $2`,
		messageID, domain.NormalizeAddress(address),
	).Scan(&rc.ID, &rc.MessageID, &rc.Address, &rc.Domain, &rc.State,
		&rc.Attempts, &rc.NextAttemptAt, &rc.LastError, &rc.Classification)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find recipient %s: %w", address, err)
	}
	return &rc, nil
}

// LeasedCountsByTenant reports how many queue jobs each tenant currently
// holds under lease. The semaphore reconciler treats this as ground truth.
func (r *MessageRepo) LeasedCountsByTenant(ctx context.Context, now time.Time) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, COUNT(*) FROM queue_jobs
		WHERE worker_id <> '' AND visibility_deadline > $1 AND NOT dead_letter
		GROUP BY tenant_id`, now)
	if err != nil {
		return nil, fmt.Errorf("leased counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			tenant string
			n      int
		)
		if err := rows.Scan(&tenant, &n); err != nil {
			return nil, fmt.Errorf("scan leased count: %w", err)
		}
		out[tenant] = n
	}
	return out, rows.Err()
}
