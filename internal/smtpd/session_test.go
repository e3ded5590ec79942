package smtpd

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/submission"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

type mockAuth struct {
	tokens map[string]*tenant.Context
}

func (m *mockAuth) Authenticate(_ context.Context, token string) (*tenant.Context, error) {
	tc, ok := m.tokens[token]
	if !ok {
		return nil, domain.ErrUnauthenticated
	}
	return tc, nil
}

type mockSubmitter struct {
	requests []*submission.Request
	err      error
}

func (m *mockSubmitter) Submit(_ context.Context, _ *tenant.Context, req *submission.Request) (*submission.Result, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.requests = append(m.requests, req)
	return &submission.Result{
		Message:    &domain.Message{ID: "msg-1", TenantID: "ten-1"},
		Recipients: make([]domain.Recipient, len(req.Recipients)),
	}, nil
}

type mockBounceSink struct {
	raw []string
	err error
}

func (m *mockBounceSink) Process(_ context.Context, r io.Reader) error {
	body, _ := io.ReadAll(r)
	m.raw = append(m.raw, string(body))
	return m.err
}

func testSMTPConfig() config.SMTPConfig {
	return config.SMTPConfig{
		Hostname:              "mail.ultrazend.net",
		SubmissionPort:        587,
		MaxMessageSize:        10 << 20,
		MaxRecipients:         50,
		MaxMessagesPerSession: 3,
		MaxConnsPerIP:         2,
		CommandsPerSecond:     1000,
	}
}

func testTenantContext() *tenant.Context {
	return &tenant.Context{
		Tenant:     &domain.Tenant{ID: "ten-1", Plan: domain.PlanBasic},
		Credential: &domain.APICredential{Capabilities: []domain.Capability{domain.CapabilitySend}},
		Domains: []domain.SenderDomain{{
			Name:      "acme.com",
			SPFStatus: domain.RecordVerified,
		}},
	}
}

func newTestSession(t *testing.T) (*session, *mockSubmitter, *mockBounceSink) {
	t.Helper()
	sub := &mockSubmitter{}
	sink := &mockBounceSink{}
	auth := &mockAuth{tokens: map[string]*tenant.Context{"uz_good": testTenantContext()}}
	b := NewBackend(testSMTPConfig(), auth, sub, sink)
	return newSession(b, nil, "203.0.113.9"), sub, sink
}

func submissionData(t *testing.T) string {
	t.Helper()
	return strings.Join([]string{
		"From: billing@acme.com",
		"To: alice@dest.com",
		"Subject: Invoice #42",
		"X-Campaign: june",
		`Content-Type: multipart/alternative; boundary="ALT"`,
		"",
		"--ALT",
		"Content-Type: text/plain",
		"",
		"Your invoice is attached.",
		"--ALT",
		"Content-Type: text/html",
		"",
		"<p>Your invoice is attached.</p>",
		"--ALT--",
		"",
	}, "\r\n")
}

func authPlain(t *testing.T, s *session, token string) error {
	t.Helper()
	srv, err := s.Auth(sasl.Plain)
	require.NoError(t, err)
	_, done, err := srv.Next([]byte("\x00user\x00" + token))
	if err != nil {
		return err
	}
	require.True(t, done)
	return nil
}

func TestLoopbackPlaintextAuth(t *testing.T) {
	sub := &mockSubmitter{}
	auth := &mockAuth{tokens: map[string]*tenant.Context{"uz_good": testTenantContext()}}
	b := NewBackend(testSMTPConfig(), auth, sub, &mockBounceSink{})
	s := newSession(b, nil, "127.0.0.1")

	require.NoError(t, authPlain(t, s, "uz_good"))
	require.NotNil(t, s.tc)
	assert.Equal(t, "ten-1", s.tc.Tenant.ID)

	s = newSession(b, nil, "127.0.0.1")
	err := authPlain(t, s, "uz_bad")
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 535, serr.Code)
	assert.Nil(t, s.tc)
}

func TestRemotePlaintextAuthRequiresTLS(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := authPlain(t, s, "uz_good")
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 538, serr.Code)
	assert.Nil(t, s.tc)
}

func TestAuthenticatedSubmission(t *testing.T) {
	s, sub, _ := newTestSession(t)
	s.tc = testTenantContext()

	require.NoError(t, s.Mail("billing@acme.com", nil))
	require.NoError(t, s.Rcpt("alice@dest.com", nil))
	require.NoError(t, s.Rcpt("bob@dest.com", nil))
	require.NoError(t, s.Data(strings.NewReader(submissionData(t))))

	require.Len(t, sub.requests, 1)
	req := sub.requests[0]
	assert.Equal(t, "billing@acme.com", req.From)
	assert.Equal(t, []string{"alice@dest.com", "bob@dest.com"}, req.Recipients)
	assert.Equal(t, "Invoice #42", req.Subject)
	assert.Equal(t, "Your invoice is attached.", strings.TrimSpace(req.TextBody))
	assert.Equal(t, "<p>Your invoice is attached.</p>", strings.TrimSpace(req.HTMLBody))
	assert.Equal(t, "june", req.Headers["X-Campaign"])
}

func TestMailRejectsUnauthorizedSenderDomain(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.tc = testTenantContext()

	err := s.Mail("billing@other.com", nil)
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 550, serr.Code)
}

func TestUnauthenticatedMailRequiresNullReturnPath(t *testing.T) {
	s, _, _ := newTestSession(t)

	err := s.Mail("someone@dest.com", nil)
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 530, serr.Code)

	assert.NoError(t, s.Mail("", nil), "null return path carries bounce notifications")
}

func TestUnauthenticatedRcptOnlyBounceMailbox(t *testing.T) {
	s, _, _ := newTestSession(t)
	require.NoError(t, s.Mail("", nil))

	err := s.Rcpt("alice@dest.com", nil)
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 530, serr.Code)

	assert.NoError(t, s.Rcpt("bounces@mail.ultrazend.net", nil))
}

func TestBounceDataFeedsSink(t *testing.T) {
	s, sub, sink := newTestSession(t)
	require.NoError(t, s.Mail("", nil))
	require.NoError(t, s.Rcpt("bounces@mail.ultrazend.net", nil))
	require.NoError(t, s.Data(strings.NewReader("From: mailer-daemon@dest.com\r\n\r\nreport\r\n")))

	require.Len(t, sink.raw, 1)
	assert.Contains(t, sink.raw[0], "mailer-daemon")
	assert.Empty(t, sub.requests)
}

func TestRcptLimit(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.tc = testTenantContext()
	s.backend.cfg.MaxRecipients = 2
	require.NoError(t, s.Mail("billing@acme.com", nil))

	require.NoError(t, s.Rcpt("a@dest.com", nil))
	require.NoError(t, s.Rcpt("b@dest.com", nil))

	err := s.Rcpt("c@dest.com", nil)
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 452, serr.Code)
}

func TestSessionMessageCap(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.tc = testTenantContext()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Mail("billing@acme.com", nil))
		require.NoError(t, s.Rcpt("alice@dest.com", nil))
		require.NoError(t, s.Data(strings.NewReader(submissionData(t))))
	}

	err := s.Mail("billing@acme.com", nil)
	var serr *smtp.SMTPError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, 421, serr.Code)
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"quota", &domain.QuotaError{Window: "hour", RetryAfter: time.Minute}, 452},
		{"unauthorized sender", domain.ErrUnauthorizedSender, 550},
		{"too large", domain.ErrPayloadTooLarge, 552},
		{"bad recipients", domain.ErrTooManyRecipients, 553},
		{"storage down", io.ErrUnexpectedEOF, 451},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, sub, _ := newTestSession(t)
			s.tc = testTenantContext()
			sub.err = tc.err

			require.NoError(t, s.Mail("billing@acme.com", nil))
			require.NoError(t, s.Rcpt("alice@dest.com", nil))

			err := s.Data(strings.NewReader(submissionData(t)))
			var serr *smtp.SMTPError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.code, serr.Code)
		})
	}
}

func TestResetClearsEnvelope(t *testing.T) {
	s, _, _ := newTestSession(t)
	s.tc = testTenantContext()
	require.NoError(t, s.Mail("billing@acme.com", nil))
	require.NoError(t, s.Rcpt("alice@dest.com", nil))

	s.Reset()
	assert.Empty(t, s.from)
	assert.Empty(t, s.rcpts)
}

func TestPerIPConnectionAccounting(t *testing.T) {
	b := NewBackend(testSMTPConfig(), &mockAuth{}, &mockSubmitter{}, &mockBounceSink{})

	b.perIP["198.51.100.7"] = 2
	b.mu.Lock()
	full := b.perIP["198.51.100.7"] >= b.maxPerIP
	b.mu.Unlock()
	assert.True(t, full)

	b.releaseIP("198.51.100.7")
	b.releaseIP("198.51.100.7")
	assert.NotContains(t, b.perIP, "198.51.100.7")

	b.releaseIP("198.51.100.7")
	assert.NotContains(t, b.perIP, "198.51.100.7", "release below zero is a no-op")
}

func TestPlainBodySubmission(t *testing.T) {
	s, sub, _ := newTestSession(t)
	s.tc = testTenantContext()

	raw := "From: billing@acme.com\r\nSubject: plain\r\n\r\njust text\r\n"
	require.NoError(t, s.Mail("billing@acme.com", nil))
	require.NoError(t, s.Rcpt("alice@dest.com", nil))
	require.NoError(t, s.Data(strings.NewReader(raw)))

	require.Len(t, sub.requests, 1)
	assert.Equal(t, "just text", strings.TrimSpace(sub.requests[0].TextBody))
	assert.Empty(t, sub.requests[0].HTMLBody)
}
