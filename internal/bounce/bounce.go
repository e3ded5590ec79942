// Package bounce processes inbound mail to the return-path address:
// delivery status notifications (RFC 3464) and abuse feedback reports
// (ARF, RFC 5965). Hard bounces and complaints suppress the recipient and
// append the matching event.
package bounce

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strings"

	"github.com/emersion/go-message"
	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// ErrUnhandled marks inbound mail that is neither a DSN nor an ARF
// report. Callers drop it silently.
var ErrUnhandled = errors.New("not a recognized report")

// MessageStore resolves reports back to our messages and recipients.
type MessageStore interface {
	GetByID(ctx context.Context, id string) (*domain.Message, error)
	FindRecipientByAddress(ctx context.Context, messageID, address string) (*domain.Recipient, error)
	Recipients(ctx context.Context, messageID string) ([]domain.Recipient, error)
	UpdateRecipient(ctx context.Context, rc *domain.Recipient) error
	UpdateStatus(ctx context.Context, id string, status domain.MessageStatus) error
}

// SuppressionStore adds suppression entries.
type SuppressionStore interface {
	Suppress(ctx context.Context, e *domain.SuppressionEntry) error
}

// EventSink appends bounce and complaint events.
type EventSink interface {
	Insert(ctx context.Context, e *domain.Event) (bool, error)
}

// Processor handles one inbound report at a time.
type Processor struct {
	messages     MessageStore
	suppressions SuppressionStore
	events       EventSink
	hostname     string
	clock        domain.Clock
	log          *logger.Logger
}

func NewProcessor(messages MessageStore, suppressions SuppressionStore, events EventSink, hostname string, clock domain.Clock) *Processor {
	return &Processor{
		messages:     messages,
		suppressions: suppressions,
		events:       events,
		hostname:     hostname,
		clock:        clock,
		log:          logger.Component("bounce"),
	}
}

type report struct {
	kind        string // "dsn" or "arf"
	messageID   string
	recipients  []dsnRecipient
	diagnostics string
}

type dsnRecipient struct {
	address    string
	action     string
	status     string
	diagnostic string
}

// Process parses raw and applies its consequences. Reports that cannot be
// tied back to a message we sent are dropped with ErrUnhandled.
func (p *Processor) Process(ctx context.Context, raw io.Reader) error {
	rep, err := p.parse(raw)
	if err != nil {
		return err
	}
	if rep.messageID == "" {
		return fmt.Errorf("%w: no original message reference", ErrUnhandled)
	}

	msg, err := p.messages.GetByID(ctx, rep.messageID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: unknown message %s", ErrUnhandled, rep.messageID)
	}
	if err != nil {
		return err
	}

	switch rep.kind {
	case "arf":
		return p.applyComplaint(ctx, msg, rep)
	default:
		return p.applyDSN(ctx, msg, rep)
	}
}

func (p *Processor) applyDSN(ctx context.Context, msg *domain.Message, rep *report) error {
	for _, dr := range rep.recipients {
		if !strings.EqualFold(dr.action, "failed") {
			continue
		}
		if !strings.HasPrefix(dr.status, "5") {
			// Delayed/relayed notifications are informational.
			continue
		}

		rc, err := p.messages.FindRecipientByAddress(ctx, msg.ID, dr.address)
		if errors.Is(err, domain.ErrNotFound) {
			p.log.Warn("dsn for unknown recipient", "message_id", msg.ID, "recipient", dr.address)
			continue
		}
		if err != nil {
			return err
		}

		rc.State = domain.RecipientPermanentFailure
		rc.Classification = domain.ClassPermanent
		rc.LastError = dr.diagnostic
		rc.NextAttemptAt = nil
		if err := p.messages.UpdateRecipient(ctx, rc); err != nil {
			return err
		}

		if err := p.suppressions.Suppress(ctx, &domain.SuppressionEntry{
			ID:       uuid.NewString(),
			TenantID: msg.TenantID,
			Address:  dr.address,
			Reason:   domain.ReasonBounce,
		}); err != nil {
			return err
		}

		p.appendEvent(ctx, msg.ID, domain.EventBounced, dr.address, map[string]string{
			"recipient":  dr.address,
			"status":     dr.status,
			"diagnostic": dr.diagnostic,
			"source":     "dsn",
		})
		p.log.Info("hard bounce processed", "message_id", msg.ID, "recipient", dr.address, "status", dr.status)
	}
	return p.refreshStatus(ctx, msg.ID)
}

func (p *Processor) applyComplaint(ctx context.Context, msg *domain.Message, rep *report) error {
	recipients, err := p.messages.Recipients(ctx, msg.ID)
	if err != nil {
		return err
	}
	// ARF reports rarely name the recipient reliably; suppress every
	// delivered recipient of the complained-about message.
	for i := range recipients {
		rc := &recipients[i]
		if rc.State != domain.RecipientDelivered {
			continue
		}
		if err := p.suppressions.Suppress(ctx, &domain.SuppressionEntry{
			ID:       uuid.NewString(),
			TenantID: msg.TenantID,
			Address:  rc.Address,
			Reason:   domain.ReasonComplaint,
		}); err != nil {
			return err
		}
		p.appendEvent(ctx, msg.ID, domain.EventComplained, rc.Address, map[string]string{
			"recipient": rc.Address,
			"source":    "arf",
		})
		p.log.Info("complaint processed", "message_id", msg.ID, "recipient", rc.Address)
	}
	return nil
}

func (p *Processor) refreshStatus(ctx context.Context, messageID string) error {
	recipients, err := p.messages.Recipients(ctx, messageID)
	if err != nil {
		return err
	}
	return p.messages.UpdateStatus(ctx, messageID, domain.MessageStatusFor(recipients))
}

func (p *Processor) appendEvent(ctx context.Context, messageID string, typ domain.EventType, source string, payload map[string]string) {
	body, _ := json.Marshal(payload)
	if _, err := p.events.Insert(ctx, &domain.Event{
		ID:          uuid.NewString(),
		MessageID:   messageID,
		Type:        typ,
		Timestamp:   p.clock.Now(),
		Payload:     body,
		Fingerprint: domain.EventFingerprint(messageID, typ, source),
	}); err != nil {
		p.log.Error("append event failed", "message_id", messageID, "type", typ, "error", err)
	}
}

// parse walks the MIME structure of a multipart/report message.
func (p *Processor) parse(raw io.Reader) (*report, error) {
	entity, err := message.Read(raw)
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrUnhandled, err)
	}

	mediaType, params, err := entity.Header.ContentType()
	if err != nil || mediaType != "multipart/report" {
		return nil, ErrUnhandled
	}

	rep := &report{kind: "dsn"}
	if params["report-type"] == "feedback-report" {
		rep.kind = "arf"
	}

	mr := entity.MultipartReader()
	if mr == nil {
		return nil, ErrUnhandled
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnhandled, err)
		}

		partType, _, _ := part.Header.ContentType()
		switch partType {
		case "message/delivery-status":
			rep.recipients = append(rep.recipients, parseDeliveryStatus(part.Body)...)
		case "message/rfc822", "text/rfc822-headers":
			if id := originalMessageID(part.Body, p.hostname); id != "" {
				rep.messageID = id
			}
		}
	}
	return rep, nil
}

// parseDeliveryStatus reads the per-message block then each per-recipient
// block of a delivery-status part.
func parseDeliveryStatus(r io.Reader) []dsnRecipient {
	tp := textproto.NewReader(bufio.NewReader(r))

	// First header group describes the reporting MTA; skip it.
	if _, err := tp.ReadMIMEHeader(); err != nil && !errors.Is(err, io.EOF) {
		return nil
	}

	var out []dsnRecipient
	for {
		h, err := tp.ReadMIMEHeader()
		if len(h) > 0 {
			dr := dsnRecipient{
				address:    stripAddressType(h.Get("Final-Recipient")),
				action:     strings.TrimSpace(h.Get("Action")),
				status:     strings.TrimSpace(h.Get("Status")),
				diagnostic: strings.TrimSpace(h.Get("Diagnostic-Code")),
			}
			if dr.address == "" {
				dr.address = stripAddressType(h.Get("Original-Recipient"))
			}
			if dr.address != "" {
				out = append(out, dr)
			}
		}
		if err != nil {
			return out
		}
	}
}

// stripAddressType turns "rfc822; user@dest.com" into the bare address.
func stripAddressType(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[i+1:]
	}
	return domain.NormalizeAddress(v)
}

// originalMessageID extracts our message ID from the returned copy's
// Message-ID header, which we mint as <uuid@hostname>.
func originalMessageID(r io.Reader, hostname string) string {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return ""
	}
	id := strings.Trim(strings.TrimSpace(entity.Header.Get("Message-Id")), "<>")
	suffix := "@" + hostname
	if !strings.HasSuffix(id, suffix) {
		return ""
	}
	return strings.TrimSuffix(id, suffix)
}
