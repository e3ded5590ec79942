package domain

import "time"

// RecordStatus is the verification state of a single DNS record type.
type RecordStatus string

const (
	RecordUnknown  RecordStatus = "unknown"
	RecordVerified RecordStatus = "verified"
	RecordFailed   RecordStatus = "failed"
)

// DomainStatus is the rolled-up verification state across SPF, DKIM, DMARC.
type DomainStatus string

const (
	DomainUnknown  DomainStatus = "unknown"
	DomainVerified DomainStatus = "verified"
	DomainPartial  DomainStatus = "partial"
	DomainFailed   DomainStatus = "failed"
)

// SenderDomain is a tenant-owned FQDN with per-record verification state.
type SenderDomain struct {
	ID            string       `json:"id" db:"id"`
	TenantID      string       `json:"tenant_id" db:"tenant_id"`
	Name          string       `json:"name" db:"name"`
	SPFStatus     RecordStatus `json:"spf_status" db:"spf_status"`
	DKIMStatus    RecordStatus `json:"dkim_status" db:"dkim_status"`
	DMARCStatus   RecordStatus `json:"dmarc_status" db:"dmarc_status"`
	LastCheckedAt *time.Time   `json:"last_checked_at,omitempty" db:"last_checked_at"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
}

// Status rolls the three record states into the overall domain state:
// verified if all three verified, failed if all three failed, partial if
// mixed with at least one verified, unknown otherwise.
func (d *SenderDomain) Status() DomainStatus {
	verified := 0
	failed := 0
	for _, s := range []RecordStatus{d.SPFStatus, d.DKIMStatus, d.DMARCStatus} {
		switch s {
		case RecordVerified:
			verified++
		case RecordFailed:
			failed++
		}
	}
	switch {
	case verified == 3:
		return DomainVerified
	case failed == 3:
		return DomainFailed
	case verified > 0:
		return DomainPartial
	default:
		return DomainUnknown
	}
}

// CanSendAs reports whether the domain meets the minimum bar for use as an
/// envelope sender: the tenant owns it and SPF is verified.
func (d *SenderDomain) CanSendAs() bool {
	return d.SPFStatus == RecordVerified
}

// DkimKey is an RSA key pair bound to (domain, selector). The private key
// is stored encrypted; only the signer ever sees the plaintext.
type DkimKey struct {
	ID                  string    `json:"id" db:"id"`
	DomainID            string    `json:"domain_id" db:"domain_id"`
	Selector            string    `json:"selector" db:"selector"`
	PrivateKeyEncrypted string    `json:"-" db:"private_key_encrypted"`
	PublicKey           string    `json:"public_key" db:"public_key"` // base64 DER SubjectPublicKeyInfo
	KeySize             int       `json:"key_size" db:"key_size"`
	Algorithm           string    `json:"algorithm" db:"algorithm"`
	HeaderCanon         string    `json:"header_canon" db:"header_canon"`
	BodyCanon           string    `json:"body_canon" db:"body_canon"`
	Active              bool      `json:"active" db:"active"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
