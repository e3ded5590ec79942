package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// EventRepo appends to the audit trail. Rows are never updated or
// deleted; duplicates collapse on the fingerprint unique index.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo {
	return &EventRepo{db: db}
}

// Insert appends one event. A fingerprint collision means the event was
// already recorded; the insert is silently dropped and inserted=false.
func (r *EventRepo) Insert(ctx context.Context, e *domain.Event) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO events (id, message_id, type, timestamp, payload, fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (fingerprint) DO NOTHING`,
		e.ID, e.MessageID, e.Type, e.Timestamp, nullableJSON(e.Payload), e.Fingerprint)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListForMessage returns a message's events oldest first.
func (r *EventRepo) ListForMessage(ctx context.Context, messageID string) ([]domain.Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, message_id, type, timestamp, payload, fingerprint
		FROM events WHERE message_id = $1
		ORDER BY timestamp`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var (
			e       domain.Event
			payload sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.Type, &e.Timestamp, &payload, &e.Fingerprint); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if payload.Valid {
			e.Payload = []byte(payload.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
