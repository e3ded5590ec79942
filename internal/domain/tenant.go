package domain

import "time"

// Plan enumerates the billing plans a tenant can be on. The plan determines
// queue priority and default quota limits.
type Plan string

const (
	PlanFree       Plan = "free"
	PlanBasic      Plan = "basic"
	PlanPremium    Plan = "premium"
	PlanEnterprise Plan = "enterprise"
)

// Valid reports whether p is a known plan.
func (p Plan) Valid() bool {
	switch p {
	case PlanFree, PlanBasic, PlanPremium, PlanEnterprise:
		return true
	}
	return false
}

// QueuePriority maps a plan to its queue priority class. Higher is served first.
func (p Plan) QueuePriority() int {
	switch p {
	case PlanEnterprise:
		return 3
	case PlanPremium:
		return 2
	case PlanBasic:
		return 1
	default:
		return 0
	}
}

// Tenant is an isolated customer of the platform; the unit of quota,
// priority, and suppression scoping.
type Tenant struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Plan           Plan      `json:"plan" db:"plan"`
	Active         bool      `json:"active" db:"active"`
	Priority       int       `json:"priority" db:"priority"`
	ReputationTier string    `json:"reputation_tier" db:"reputation_tier"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// TenantLimits are the per-window quotas applied at admission and the
// concurrency cap applied before network I/O.
type TenantLimits struct {
	EmailsPerHour        int `json:"emails_per_hour"`
	EmailsPerDay         int `json:"emails_per_day"`
	ConcurrentDeliveries int `json:"concurrent_deliveries"`
}

// Capability is a permission granted to an API credential.
type Capability string

const (
	CapabilitySend          Capability = "send"
	CapabilityRead          Capability = "read"
	CapabilityManageDomains Capability = "manage-domains"
	CapabilityAdmin         Capability = "admin"
)

// APICredential is an opaque tenant token, stored only as a SHA-256
// fingerprint. The raw token never touches persistence.
type APICredential struct {
	ID           string       `json:"id" db:"id"`
	TenantID     string       `json:"tenant_id" db:"tenant_id"`
	Fingerprint  string       `json:"-" db:"fingerprint"`
	Capabilities []Capability `json:"capabilities" db:"capabilities"`
	Active       bool         `json:"active" db:"active"`
	LastUsedAt   *time.Time   `json:"last_used_at,omitempty" db:"last_used_at"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
}

// Has reports whether the credential carries the given capability.
// Admin implies everything.
func (c *APICredential) Has(cap Capability) bool {
	for _, have := range c.Capabilities {
		if have == cap || have == CapabilityAdmin {
			return true
		}
	}
	return false
}
