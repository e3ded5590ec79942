package smtpd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"golang.org/x/time/rate"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

var (
	errAuthRequired = &smtp.SMTPError{
		Code:         530,
		EnhancedCode: smtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
	errAuthFailed = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errTLSRequired = &smtp.SMTPError{
		Code:         538,
		EnhancedCode: smtp.EnhancedCode{5, 7, 11},
		Message:      "Encryption required for authentication",
	}
	errSlowDown = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 7, 0},
		Message:      "Too many commands, slow down",
	}
)

// session is one SMTP connection. Unauthenticated sessions may only
// deliver to the bounce mailbox; authenticated ones submit through the
// shared pipeline.
type session struct {
	backend *Backend
	conn    *smtp.Conn
	ip      string
	limiter *rate.Limiter

	tc       *tenant.Context
	from     string
	rcpts    []string
	messages int
}

func newSession(b *Backend, c *smtp.Conn, ip string) *session {
	cps := b.cfg.CommandsPerSecond
	if cps <= 0 {
		cps = 10
	}
	burst := int(cps)
	if burst < 1 {
		burst = 1
	}
	return &session{
		backend: b,
		conn:    c,
		ip:      ip,
		limiter: rate.NewLimiter(rate.Limit(cps), burst),
	}
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if !s.encrypted() {
			return errTLSRequired
		}
		tc, err := s.backend.tenants.Authenticate(context.Background(), password)
		if err != nil {
			s.backend.log.Warn("smtp auth failed", "ip", s.ip, "error", err)
			return errAuthFailed
		}
		s.tc = tc
		s.backend.log.Info("smtp auth ok", "ip", s.ip, "tenant_id", tc.Tenant.ID)
		return nil
	}), nil
}

// encrypted reports whether auth is safe on this connection: TLS is up,
// or the peer is loopback (local tooling and tests).
func (s *session) encrypted() bool {
	if ip := net.ParseIP(s.ip); ip != nil && ip.IsLoopback() {
		return true
	}
	if s.conn == nil {
		return false
	}
	_, ok := s.conn.TLSConnectionState()
	return ok
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if !s.limiter.Allow() {
		return errSlowDown
	}
	if s.tc == nil && from != "" {
		// Only null-return-path notifications come in unauthenticated.
		return errAuthRequired
	}
	if s.messages >= s.backend.cfg.MaxMessagesPerSession {
		return &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Session message limit reached",
		}
	}
	if s.tc != nil {
		addr, err := domain.ValidateAddress(from)
		if err != nil {
			return &smtp.SMTPError{
				Code:         553,
				EnhancedCode: smtp.EnhancedCode{5, 1, 7},
				Message:      "Invalid sender address",
			}
		}
		if s.tc.AuthorizedSender(addr) == nil {
			return &smtp.SMTPError{
				Code:         550,
				EnhancedCode: smtp.EnhancedCode{5, 7, 1},
				Message:      "Sender domain not authorized",
			}
		}
		from = addr
	}
	s.from = from
	s.rcpts = nil
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if !s.limiter.Allow() {
		return errSlowDown
	}
	if s.tc == nil {
		if !s.isBounceMailbox(to) {
			return errAuthRequired
		}
		s.rcpts = append(s.rcpts, to)
		return nil
	}
	addr, err := domain.ValidateAddress(to)
	if err != nil {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient address",
		}
	}
	if len(s.rcpts) >= s.backend.cfg.MaxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}
	s.rcpts = append(s.rcpts, addr)
	return nil
}

func (s *session) isBounceMailbox(to string) bool {
	addr := domain.NormalizeAddress(to)
	return addr == "bounces@"+strings.ToLower(s.backend.cfg.Hostname)
}

func (s *session) Data(r io.Reader) error {
	if len(s.rcpts) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	if s.tc == nil {
		if err := s.backend.bounces.Process(context.Background(), r); err != nil {
			// Unrecognized reports are accepted and dropped; rejecting
			// them only generates double-bounce loops.
			s.backend.log.Warn("inbound report dropped", "ip", s.ip, "error", err)
		}
		s.messages++
		return nil
	}

	req, err := parseSubmission(r, s.from, s.rcpts)
	if err != nil {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Malformed message content",
		}
	}

	result, err := s.backend.pipeline.Submit(context.Background(), s.tc, req)
	if err != nil {
		return mapSubmitError(err)
	}

	s.messages++
	s.backend.log.Info("smtp submission accepted",
		"message_id", result.Message.ID, "tenant_id", s.tc.Tenant.ID,
		"recipients", len(result.Recipients))
	return nil
}

func mapSubmitError(err error) error {
	if qe, ok := domain.IsQuotaError(err); ok {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 7, 12},
			Message:      fmt.Sprintf("Quota exceeded, retry after %s", qe.RetryAfter.Round(time.Second)),
		}
	}
	switch {
	case errors.Is(err, domain.ErrUnauthorizedSender):
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 7, 1},
			Message:      "Sender domain not authorized",
		}
	case errors.Is(err, domain.ErrPayloadTooLarge):
		return &smtp.SMTPError{
			Code:         552,
			EnhancedCode: smtp.EnhancedCode{5, 3, 4},
			Message:      "Message exceeds size limit",
		}
	case errors.Is(err, domain.ErrInvalidAddress), errors.Is(err, domain.ErrTooManyRecipients):
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Invalid recipient list",
		}
	case errors.Is(err, domain.ErrInvalidPayload):
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Invalid message content",
		}
	default:
		return &smtp.SMTPError{
			Code:         451,
			EnhancedCode: smtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary processing failure",
		}
	}
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	s.backend.releaseIP(s.ip)
	return nil
}
