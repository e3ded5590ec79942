package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// EventType labels entries in the append-only audit trail.
type EventType string

const (
	EventQueued     EventType = "queued"
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
	EventComplained EventType = "complained"
)

// Event is one append-only record. Events are the only durable
// user-visible record of delivery outcome; rows are never updated.
type Event struct {
	ID          string          `json:"id" db:"id"`
	MessageID   string          `json:"message_id" db:"message_id"`
	Type        EventType       `json:"type" db:"type"`
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
	Payload     json.RawMessage `json:"payload,omitempty" db:"payload"`
	Fingerprint string          `json:"-" db:"fingerprint"`
}

// EventFingerprint builds the idempotency key for an event from
// (messageID, type, source). Replays within the dedup window hash to the
// same fingerprint and are dropped on insert.
func EventFingerprint(messageID string, typ EventType, source string) string {
	h := sha256.Sum256([]byte(messageID + "|" + string(typ) + "|" + source))
	return hex.EncodeToString(h[:16])
}
