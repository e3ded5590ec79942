// Package submission implements the admission pipeline shared by the HTTP
// API and the SMTP submission port. Every path into the queue runs the
// same checks in the same order: capability, sender authorization,
// payload validation, idempotency, suppression, quota, then the single
// acceptance transaction.
package submission

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
	"github.com/ultrazend/ultrazend/internal/queue"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

// Request is one submission before admission.
type Request struct {
	From           string
	ReplyTo        string
	Subject        string
	HTMLBody       string
	TextBody       string
	Headers        map[string]string
	Recipients     []string
	TrackOpens     bool
	TrackClicks    bool
	IdempotencyKey string
}

// Result is the outcome of an accepted submission.
type Result struct {
	Message    *domain.Message
	Recipients []domain.Recipient
	Duplicate  bool // prior message returned via idempotency key
}

// MessageStore is the persistence surface for acceptance.
type MessageStore interface {
	CreateWithRecipients(ctx context.Context, msg *domain.Message, recipients []domain.Recipient, job *domain.QueueJob) error
	FindByIdempotencyKey(ctx context.Context, tenantID, key string) (*domain.Message, error)
	Recipients(ctx context.Context, messageID string) ([]domain.Recipient, error)
}

// SuppressionStore answers suppression lookups in bulk.
type SuppressionStore interface {
	FilterSuppressed(ctx context.Context, tenantID string, addresses []string) (map[string]bool, error)
}

// QuotaReserver takes admission quota atomically.
type QuotaReserver interface {
	Reserve(ctx context.Context, tenantID string, n int, limits domain.TenantLimits) error
}

// Limits bound a single submission.
type Limits struct {
	MaxMessageSize int64
	MaxRecipients  int
}

// Pipeline validates and persists submissions.
type Pipeline struct {
	messages     MessageStore
	suppressions SuppressionStore
	quota        QuotaReserver
	limits       Limits
	clock        domain.Clock
	log          *logger.Logger
}

func NewPipeline(messages MessageStore, suppressions SuppressionStore, quota QuotaReserver, limits Limits, clock domain.Clock) *Pipeline {
	return &Pipeline{
		messages:     messages,
		suppressions: suppressions,
		quota:        quota,
		limits:       limits,
		clock:        clock,
		log:          logger.Component("submission"),
	}
}

// forbiddenHeaders are fields the platform owns; a submission cannot
// override them through custom headers.
var forbiddenHeaders = map[string]bool{
	"from": true, "to": true, "cc": true, "bcc": true,
	"subject": true, "date": true, "message-id": true,
	"dkim-signature": true, "return-path": true, "received": true,
}

// Submit runs the full admission pipeline. On success the message, its
// recipients, the delivery job, and the queued event are durable before
// return. Quota is only charged for recipients that actually reach the
// queue; suppressed ones are free.
func (p *Pipeline) Submit(ctx context.Context, tc *tenant.Context, req *Request) (*Result, error) {
	if !tc.Credential.Has(domain.CapabilitySend) {
		return nil, domain.ErrUnauthenticated
	}

	from, err := domain.ValidateAddress(req.From)
	if err != nil {
		return nil, err
	}
	if tc.AuthorizedSender(from) == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnauthorizedSender, domain.AddressDomain(from))
	}

	if err := p.validatePayload(req); err != nil {
		return nil, err
	}

	addresses, err := normalizeRecipients(req.Recipients, p.limits.MaxRecipients)
	if err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		prior, err := p.messages.FindByIdempotencyKey(ctx, tc.Tenant.ID, req.IdempotencyKey)
		if err == nil {
			recipients, rerr := p.messages.Recipients(ctx, prior.ID)
			if rerr != nil {
				return nil, rerr
			}
			return &Result{Message: prior, Recipients: recipients, Duplicate: true}, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}

	suppressed, err := p.suppressions.FilterSuppressed(ctx, tc.Tenant.ID, addresses)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, a := range addresses {
		if !suppressed[a] {
			pending++
		}
	}
	if pending > 0 {
		if err := p.quota.Reserve(ctx, tc.Tenant.ID, pending, tc.Limits); err != nil {
			return nil, err
		}
	}

	now := p.clock.Now()
	msg := &domain.Message{
		ID:             uuid.NewString(),
		TenantID:       tc.Tenant.ID,
		FromAddress:    from,
		ReplyTo:        req.ReplyTo,
		Subject:        req.Subject,
		HTMLBody:       req.HTMLBody,
		TextBody:       req.TextBody,
		Headers:        req.Headers,
		TrackOpens:     req.TrackOpens,
		TrackClicks:    req.TrackClicks,
		IdempotencyKey: req.IdempotencyKey,
		Status:         domain.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	recipients := make([]domain.Recipient, 0, len(addresses))
	for _, a := range addresses {
		r := domain.Recipient{
			ID:        uuid.NewString(),
			MessageID: msg.ID,
			Address:   a,
			Domain:    domain.AddressDomain(a),
			State:     domain.RecipientPending,
		}
		if suppressed[a] {
			r.State = domain.RecipientSuppressed
			r.LastError = domain.ErrSuppressed.Error()
			r.Classification = domain.ClassPermanent
		}
		recipients = append(recipients, r)
	}

	var job *domain.QueueJob
	if pending > 0 {
		job = queue.NewJob(tc.Tenant.ID, msg.ID, tc.Tenant.Plan, now)
	} else {
		msg.Status = domain.StatusSuppressed
	}

	if err := p.messages.CreateWithRecipients(ctx, msg, recipients, job); err != nil {
		return nil, err
	}

	p.log.Info("message accepted",
		"message_id", msg.ID, "tenant_id", tc.Tenant.ID,
		"recipients", len(recipients), "suppressed", len(recipients)-pending)
	return &Result{Message: msg, Recipients: recipients}, nil
}

func (p *Pipeline) validatePayload(req *Request) error {
	size := int64(len(req.Subject) + len(req.HTMLBody) + len(req.TextBody))
	for k, v := range req.Headers {
		size += int64(len(k) + len(v))
	}
	if size > p.limits.MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", domain.ErrPayloadTooLarge, size)
	}
	if req.HTMLBody == "" && req.TextBody == "" {
		return fmt.Errorf("%w: message has no body", domain.ErrInvalidPayload)
	}
	if req.ReplyTo != "" {
		if _, err := domain.ValidateAddress(req.ReplyTo); err != nil {
			return err
		}
	}
	for k, v := range req.Headers {
		if strings.ContainsAny(k, "\r\n:") || strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("%w: invalid header %q", domain.ErrInvalidPayload, k)
		}
		if forbiddenHeaders[strings.ToLower(k)] {
			return fmt.Errorf("%w: header %q cannot be overridden", domain.ErrInvalidPayload, k)
		}
	}
	return nil
}

// normalizeRecipients validates, normalizes, and dedupes the recipient
// list while preserving order.
func normalizeRecipients(raw []string, max int) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no recipients", domain.ErrInvalidAddress)
	}
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		addr, err := domain.ValidateAddress(r)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, addr)
	}
	if len(out) > max {
		return nil, fmt.Errorf("%w: %d > %d", domain.ErrTooManyRecipients, len(out), max)
	}
	return out, nil
}
