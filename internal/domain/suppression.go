package domain

import "time"

// SuppressionReason enumerates why an address was suppressed.
type SuppressionReason string

const (
	ReasonBounce    SuppressionReason = "bounce"
	ReasonComplaint SuppressionReason = "complaint"
	ReasonManual    SuppressionReason = "manual"
)

// SuppressionEntry blocks delivery to an address for one tenant.
// Lookup precedes every enqueue; a hit yields a synthetic bounced
// recipient without any network I/O.
type SuppressionEntry struct {
	ID        string            `json:"id" db:"id"`
	TenantID  string            `json:"tenant_id" db:"tenant_id"`
	Address   string            `json:"address" db:"address"`
	Reason    SuppressionReason `json:"reason" db:"reason"`
	CreatedAt time.Time         `json:"created_at" db:"created_at"`
}
