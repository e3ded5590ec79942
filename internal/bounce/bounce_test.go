package bounce

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type mockStore struct {
	messages   map[string]*domain.Message
	recipients map[string][]domain.Recipient
	statuses   map[string]domain.MessageStatus
}

func (m *mockStore) GetByID(_ context.Context, id string) (*domain.Message, error) {
	msg, ok := m.messages[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return msg, nil
}

func (m *mockStore) FindRecipientByAddress(_ context.Context, messageID, address string) (*domain.Recipient, error) {
	for i := range m.recipients[messageID] {
		if m.recipients[messageID][i].Address == address {
			return &m.recipients[messageID][i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) Recipients(_ context.Context, messageID string) ([]domain.Recipient, error) {
	return m.recipients[messageID], nil
}

func (m *mockStore) UpdateRecipient(_ context.Context, rc *domain.Recipient) error {
	for i := range m.recipients[rc.MessageID] {
		if m.recipients[rc.MessageID][i].ID == rc.ID {
			m.recipients[rc.MessageID][i] = *rc
		}
	}
	return nil
}

func (m *mockStore) UpdateStatus(_ context.Context, id string, status domain.MessageStatus) error {
	if m.statuses == nil {
		m.statuses = make(map[string]domain.MessageStatus)
	}
	m.statuses[id] = status
	return nil
}

type mockSuppressions struct {
	entries []*domain.SuppressionEntry
}

func (m *mockSuppressions) Suppress(_ context.Context, e *domain.SuppressionEntry) error {
	m.entries = append(m.entries, e)
	return nil
}

type mockEvents struct {
	events []*domain.Event
}

func (m *mockEvents) Insert(_ context.Context, e *domain.Event) (bool, error) {
	m.events = append(m.events, e)
	return true, nil
}

const testHostname = "mail.ultrazend.net"

func dsnMessage(messageID, recipient, status string) string {
	return strings.Join([]string{
		"From: MAILER-DAEMON@dest.com",
		"To: bounces@" + testHostname,
		"Subject: Undelivered Mail Returned to Sender",
		`Content-Type: multipart/report; report-type=delivery-status; boundary="BOUND"`,
		"",
		"--BOUND",
		"Content-Type: text/plain",
		"",
		"Delivery failed.",
		"--BOUND",
		"Content-Type: message/delivery-status",
		"",
		"Reporting-MTA: dns; mx.dest.com",
		"",
		"Final-Recipient: rfc822; " + recipient,
		"Action: failed",
		"Status: " + status,
		"Diagnostic-Code: smtp; 550 5.1.1 user unknown",
		"",
		"--BOUND",
		"Content-Type: message/rfc822",
		"",
		"From: billing@acme.com",
		"To: " + recipient,
		"Message-ID: <" + messageID + "@" + testHostname + ">",
		"Subject: Invoice",
		"",
		"original body",
		"--BOUND--",
		"",
	}, "\r\n")
}

func arfMessage(messageID string) string {
	return strings.Join([]string{
		"From: abuse@dest.com",
		"To: bounces@" + testHostname,
		"Subject: Abuse report",
		`Content-Type: multipart/report; report-type=feedback-report; boundary="BOUND"`,
		"",
		"--BOUND",
		"Content-Type: text/plain",
		"",
		"This is a complaint.",
		"--BOUND",
		"Content-Type: message/feedback-report",
		"",
		"Feedback-Type: abuse",
		"Version: 1",
		"",
		"--BOUND",
		"Content-Type: message/rfc822",
		"",
		"Message-ID: <" + messageID + "@" + testHostname + ">",
		"Subject: Invoice",
		"",
		"original body",
		"--BOUND--",
		"",
	}, "\r\n")
}

func newFixture() (*Processor, *mockStore, *mockSuppressions, *mockEvents) {
	store := &mockStore{
		messages: map[string]*domain.Message{
			"msg-1": {ID: "msg-1", TenantID: "ten-1", FromAddress: "billing@acme.com"},
		},
		recipients: map[string][]domain.Recipient{
			"msg-1": {
				{ID: "rcp-1", MessageID: "msg-1", Address: "gone@dest.com", Domain: "dest.com", State: domain.RecipientPending, Attempts: 1},
				{ID: "rcp-2", MessageID: "msg-1", Address: "ok@dest.com", Domain: "dest.com", State: domain.RecipientDelivered},
			},
		},
	}
	sup := &mockSuppressions{}
	events := &mockEvents{}
	p := NewProcessor(store, sup, events, testHostname, &fakeClock{now: time.Now()})
	return p, store, sup, events
}

func TestProcessHardBounceSuppressesAndBounces(t *testing.T) {
	p, store, sup, events := newFixture()

	err := p.Process(context.Background(), strings.NewReader(dsnMessage("msg-1", "gone@dest.com", "5.1.1")))
	require.NoError(t, err)

	rc := store.recipients["msg-1"][0]
	assert.Equal(t, domain.RecipientPermanentFailure, rc.State)
	assert.Contains(t, rc.LastError, "550 5.1.1")

	require.Len(t, sup.entries, 1)
	assert.Equal(t, "gone@dest.com", sup.entries[0].Address)
	assert.Equal(t, domain.ReasonBounce, sup.entries[0].Reason)
	assert.Equal(t, "ten-1", sup.entries[0].TenantID)

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventBounced, events.events[0].Type)
	assert.Equal(t, domain.StatusFailed, store.statuses["msg-1"], "one delivered, one failed")
}

func TestProcessSoftBounceIsIgnored(t *testing.T) {
	p, store, sup, _ := newFixture()

	err := p.Process(context.Background(), strings.NewReader(dsnMessage("msg-1", "gone@dest.com", "4.2.2")))
	require.NoError(t, err)

	assert.Equal(t, domain.RecipientPending, store.recipients["msg-1"][0].State)
	assert.Empty(t, sup.entries, "soft bounces never suppress")
}

func TestProcessComplaintSuppressesDeliveredRecipients(t *testing.T) {
	p, _, sup, events := newFixture()

	err := p.Process(context.Background(), strings.NewReader(arfMessage("msg-1")))
	require.NoError(t, err)

	require.Len(t, sup.entries, 1)
	assert.Equal(t, "ok@dest.com", sup.entries[0].Address)
	assert.Equal(t, domain.ReasonComplaint, sup.entries[0].Reason)

	require.Len(t, events.events, 1)
	assert.Equal(t, domain.EventComplained, events.events[0].Type)
}

func TestProcessUnknownMessageIsUnhandled(t *testing.T) {
	p, _, _, _ := newFixture()

	err := p.Process(context.Background(), strings.NewReader(dsnMessage("msg-unknown", "gone@dest.com", "5.1.1")))
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestProcessNonReportMailIsUnhandled(t *testing.T) {
	p, _, _, _ := newFixture()

	plain := "From: someone@dest.com\r\nTo: bounces@" + testHostname + "\r\nSubject: hi\r\n\r\nhello\r\n"
	err := p.Process(context.Background(), strings.NewReader(plain))
	assert.ErrorIs(t, err, ErrUnhandled)
}

func TestProcessForeignMessageIDIsUnhandled(t *testing.T) {
	p, _, _, _ := newFixture()

	// A DSN for mail we did not send: Message-ID from another host.
	dsn := strings.Replace(dsnMessage("msg-1", "gone@dest.com", "5.1.1"),
		"@"+testHostname+">", "@other-provider.net>", 1)
	err := p.Process(context.Background(), strings.NewReader(dsn))
	assert.ErrorIs(t, err, ErrUnhandled)
}
