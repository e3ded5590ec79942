package domain

import (
	"errors"
	"fmt"
	"time"
)

// Admission and delivery error taxonomy. Admission errors surface
// synchronously to the caller; delivery errors are recorded as events.
var (
	ErrUnauthenticated    = errors.New("invalid or revoked credential")
	ErrTenantInactive     = errors.New("tenant is not active")
	ErrUnauthorizedSender = errors.New("sender domain not authorized for tenant")
	ErrSuppressed         = errors.New("recipient address is suppressed")
	ErrInvalidAddress     = errors.New("invalid email address")
	ErrInvalidPayload     = errors.New("invalid message payload")
	ErrPayloadTooLarge    = errors.New("message exceeds size limit")
	ErrTooManyRecipients  = errors.New("too many recipients")
	ErrNotFound           = errors.New("not found")

	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
)

// QuotaError is returned when admission rejects a request for quota
// reasons. RetryAfter is the time until the tightest window rolls over.
type QuotaError struct {
	Window     string
	Remaining  int
	RetryAfter time.Duration
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded (%s window), retry after %s", e.Window, e.RetryAfter.Round(time.Second))
}

// IsQuotaError reports whether err is (or wraps) a QuotaError,
// returning it for access to RetryAfter.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// Clock abstracts time for window math and backoff so tests can inject
// a fixed source.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }
