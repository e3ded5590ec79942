package domain

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// MessageStatus is the terminal-status field on a Message. A message is
// delivered iff every recipient resolved to delivered or suppressed.
type MessageStatus string

const (
	StatusDraft      MessageStatus = "draft"
	StatusQueued     MessageStatus = "queued"
	StatusSending    MessageStatus = "sending"
	StatusDelivered  MessageStatus = "delivered"
	StatusBounced    MessageStatus = "bounced"
	StatusFailed     MessageStatus = "failed"
	StatusSuppressed MessageStatus = "suppressed"
)

// Message is a single submission: envelope sender, header fields, and body
// parts. Recipients are modeled as separate rows keyed by MessageID.
type Message struct {
	ID             string            `json:"id" db:"id"`
	TenantID       string            `json:"tenant_id" db:"tenant_id"`
	FromAddress    string            `json:"from" db:"from_address"`
	ReplyTo        string            `json:"reply_to,omitempty" db:"reply_to"`
	Subject        string            `json:"subject" db:"subject"`
	HTMLBody       string            `json:"html_body,omitempty" db:"html_body"`
	TextBody       string            `json:"text_body,omitempty" db:"text_body"`
	Headers        map[string]string `json:"headers,omitempty" db:"-"`
	TrackOpens     bool              `json:"track_opens" db:"track_opens"`
	TrackClicks    bool              `json:"track_clicks" db:"track_clicks"`
	IdempotencyKey string            `json:"-" db:"idempotency_key"`
	Status         MessageStatus     `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at" db:"updated_at"`
}

// RecipientState is the per-recipient delivery state machine.
//
//	pending -> delivered            (2xx)
//	pending -> pending              (4xx / network; attempts++, backoff)
//	pending -> permanent_failure    (5xx, policy, or attempts >= max)
//	pending -> suppressed           (suppression hit on accept)
type RecipientState string

const (
	RecipientPending          RecipientState = "pending"
	RecipientDelivered        RecipientState = "delivered"
	RecipientPermanentFailure RecipientState = "permanent_failure"
	RecipientSuppressed       RecipientState = "suppressed"
)

// Terminal reports whether the state can never transition again without
// explicit operator action.
func (s RecipientState) Terminal() bool {
	return s == RecipientDelivered || s == RecipientPermanentFailure || s == RecipientSuppressed
}

// Classification distinguishes retryable from terminal delivery failures.
type Classification string

const (
	ClassTransient Classification = "transient"
	ClassPermanent Classification = "permanent"
)

// Recipient is one address on a message, with its own retry state.
type Recipient struct {
	ID             string         `json:"id" db:"id"`
	MessageID      string         `json:"message_id" db:"message_id"`
	Address        string         `json:"address" db:"address"`
	Domain         string         `json:"domain" db:"domain"`
	State          RecipientState `json:"state" db:"state"`
	Attempts       int            `json:"attempts" db:"attempts"`
	NextAttemptAt  *time.Time     `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	Classification Classification `json:"classification,omitempty" db:"classification"`
}

// MessageStatusFor derives the message terminal status from its recipients.
// Returns StatusSending when any recipient is still pending.
func MessageStatusFor(recipients []Recipient) MessageStatus {
	if len(recipients) == 0 {
		return StatusFailed
	}
	delivered, suppressed, failed := 0, 0, 0
	for _, r := range recipients {
		switch r.State {
		case RecipientDelivered:
			delivered++
		case RecipientSuppressed:
			suppressed++
		case RecipientPermanentFailure:
			failed++
		default:
			return StatusSending
		}
	}
	switch {
	case delivered+suppressed == len(recipients) && delivered > 0:
		return StatusDelivered
	case suppressed == len(recipients):
		return StatusSuppressed
	case failed > 0 && delivered == 0:
		return StatusBounced
	default:
		// Mixed outcome with at least one hard failure.
		return StatusFailed
	}
}

// NormalizeAddress lowercases and trims an email address for comparison
// and suppression lookup.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// AddressDomain returns the lowercased domain part of an address, or ""
// if the address has no @.
func AddressDomain(addr string) string {
	i := strings.LastIndex(addr, "@")
	if i < 0 || i == len(addr)-1 {
		return ""
	}
	return strings.ToLower(addr[i+1:])
}

// ValidateAddress parses addr per RFC 5322 and returns the normalized
// bare address, rejecting empty or malformed input.
func ValidateAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	norm := NormalizeAddress(parsed.Address)
	if AddressDomain(norm) == "" {
		return "", fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
	}
	return norm, nil
}
