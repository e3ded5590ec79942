package submission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/tenant"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type mockMessages struct {
	created    []*domain.Message
	recipients map[string][]domain.Recipient
	jobs       []*domain.QueueJob
	byIdemKey  map[string]*domain.Message
}

func newMockMessages() *mockMessages {
	return &mockMessages{
		recipients: make(map[string][]domain.Recipient),
		byIdemKey:  make(map[string]*domain.Message),
	}
}

func (m *mockMessages) CreateWithRecipients(_ context.Context, msg *domain.Message, recipients []domain.Recipient, job *domain.QueueJob) error {
	m.created = append(m.created, msg)
	m.recipients[msg.ID] = recipients
	if job != nil {
		m.jobs = append(m.jobs, job)
	}
	if msg.IdempotencyKey != "" {
		m.byIdemKey[msg.TenantID+"|"+msg.IdempotencyKey] = msg
	}
	return nil
}

func (m *mockMessages) FindByIdempotencyKey(_ context.Context, tenantID, key string) (*domain.Message, error) {
	msg, ok := m.byIdemKey[tenantID+"|"+key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return msg, nil
}

func (m *mockMessages) Recipients(_ context.Context, messageID string) ([]domain.Recipient, error) {
	return m.recipients[messageID], nil
}

type mockSuppressions struct {
	addresses map[string]bool
}

func (m *mockSuppressions) FilterSuppressed(_ context.Context, _ string, addresses []string) (map[string]bool, error) {
	out := make(map[string]bool)
	for _, a := range addresses {
		if m.addresses[a] {
			out[a] = true
		}
	}
	return out, nil
}

type mockQuota struct {
	reserved int
	fail     *domain.QuotaError
}

func (m *mockQuota) Reserve(_ context.Context, _ string, n int, _ domain.TenantLimits) error {
	if m.fail != nil {
		return m.fail
	}
	m.reserved += n
	return nil
}

func testTenantContext() *tenant.Context {
	return &tenant.Context{
		Tenant: &domain.Tenant{ID: "ten-1", Plan: domain.PlanPremium, Active: true},
		Credential: &domain.APICredential{
			ID: "cred-1", TenantID: "ten-1", Active: true,
			Capabilities: []domain.Capability{domain.CapabilitySend},
		},
		Limits: domain.TenantLimits{EmailsPerHour: 100, EmailsPerDay: 1000, ConcurrentDeliveries: 5},
		Domains: []domain.SenderDomain{
			{ID: "dom-1", TenantID: "ten-1", Name: "acme.com", SPFStatus: domain.RecordVerified},
		},
	}
}

func testRequest() *Request {
	return &Request{
		From:       "billing@acme.com",
		Subject:    "Invoice",
		TextBody:   "hello",
		Recipients: []string{"a@dest.com", "b@dest.com"},
	}
}

func newTestPipeline(msgs *mockMessages, sup *mockSuppressions, quota *mockQuota) *Pipeline {
	limits := Limits{MaxMessageSize: 1024, MaxRecipients: 3}
	return NewPipeline(msgs, sup, quota, limits, &fakeClock{now: time.Now()})
}

func TestSubmitAcceptsAndEnqueues(t *testing.T) {
	msgs := newMockMessages()
	quota := &mockQuota{}
	p := newTestPipeline(msgs, &mockSuppressions{}, quota)

	res, err := p.Submit(context.Background(), testTenantContext(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusQueued, res.Message.Status)
	assert.Len(t, res.Recipients, 2)
	assert.Equal(t, 2, quota.reserved)
	require.Len(t, msgs.jobs, 1)
	assert.Equal(t, 2, msgs.jobs[0].Priority, "premium plan priority class")
}

func TestSubmitRejectsUnauthorizedSender(t *testing.T) {
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})
	req := testRequest()
	req.From = "spoof@other.com"

	_, err := p.Submit(context.Background(), testTenantContext(), req)
	assert.ErrorIs(t, err, domain.ErrUnauthorizedSender)
}

func TestSubmitRejectsMissingSendCapability(t *testing.T) {
	tc := testTenantContext()
	tc.Credential.Capabilities = []domain.Capability{domain.CapabilityRead}
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})

	_, err := p.Submit(context.Background(), tc, testRequest())
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestSubmitSuppressedRecipientsSkipQuotaAndDelivery(t *testing.T) {
	msgs := newMockMessages()
	quota := &mockQuota{}
	sup := &mockSuppressions{addresses: map[string]bool{"a@dest.com": true}}
	p := newTestPipeline(msgs, sup, quota)

	res, err := p.Submit(context.Background(), testTenantContext(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, 1, quota.reserved, "only the deliverable recipient consumes quota")
	states := map[string]domain.RecipientState{}
	for _, r := range res.Recipients {
		states[r.Address] = r.State
	}
	assert.Equal(t, domain.RecipientSuppressed, states["a@dest.com"])
	assert.Equal(t, domain.RecipientPending, states["b@dest.com"])
}

func TestSubmitAllSuppressedSkipsQueue(t *testing.T) {
	msgs := newMockMessages()
	quota := &mockQuota{}
	sup := &mockSuppressions{addresses: map[string]bool{"a@dest.com": true, "b@dest.com": true}}
	p := newTestPipeline(msgs, sup, quota)

	res, err := p.Submit(context.Background(), testTenantContext(), testRequest())
	require.NoError(t, err)

	assert.Equal(t, domain.StatusSuppressed, res.Message.Status)
	assert.Equal(t, 0, quota.reserved)
	assert.Empty(t, msgs.jobs, "fully suppressed messages never reach the queue")
}

func TestSubmitQuotaExceededRejectsWholeBatch(t *testing.T) {
	msgs := newMockMessages()
	quota := &mockQuota{fail: &domain.QuotaError{Window: "hour", RetryAfter: 5 * time.Minute}}
	p := newTestPipeline(msgs, &mockSuppressions{}, quota)

	_, err := p.Submit(context.Background(), testTenantContext(), testRequest())
	qe, ok := domain.IsQuotaError(err)
	require.True(t, ok)
	assert.Equal(t, "hour", qe.Window)
	assert.Empty(t, msgs.created, "nothing persists on quota rejection")
}

func TestSubmitIdempotencyKeyReturnsPriorMessage(t *testing.T) {
	msgs := newMockMessages()
	quota := &mockQuota{}
	p := newTestPipeline(msgs, &mockSuppressions{}, quota)

	req := testRequest()
	req.IdempotencyKey = "order-42"

	first, err := p.Submit(context.Background(), testTenantContext(), req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	second, err := p.Submit(context.Background(), testTenantContext(), req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, 2, quota.reserved, "the duplicate consumes no quota")
	assert.Len(t, msgs.created, 1)
}

func TestSubmitRejectsTooManyRecipients(t *testing.T) {
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})
	req := testRequest()
	req.Recipients = []string{"a@dest.com", "b@dest.com", "c@dest.com", "d@dest.com"}

	_, err := p.Submit(context.Background(), testTenantContext(), req)
	assert.ErrorIs(t, err, domain.ErrTooManyRecipients)
}

func TestSubmitDedupesRecipients(t *testing.T) {
	msgs := newMockMessages()
	p := newTestPipeline(msgs, &mockSuppressions{}, &mockQuota{})
	req := testRequest()
	req.Recipients = []string{"a@dest.com", "A@Dest.com", " a@dest.com "}

	res, err := p.Submit(context.Background(), testTenantContext(), req)
	require.NoError(t, err)
	assert.Len(t, res.Recipients, 1)
}

func TestSubmitRejectsOversizedPayload(t *testing.T) {
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})
	req := testRequest()
	req.HTMLBody = string(make([]byte, 2048))

	_, err := p.Submit(context.Background(), testTenantContext(), req)
	assert.ErrorIs(t, err, domain.ErrPayloadTooLarge)
}

func TestSubmitRejectsHeaderInjection(t *testing.T) {
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})

	req := testRequest()
	req.Headers = map[string]string{"X-Custom": "ok\r\nBcc: hidden@evil.com"}
	_, err := p.Submit(context.Background(), testTenantContext(), req)
	require.Error(t, err)

	req = testRequest()
	req.Headers = map[string]string{"From": "spoof@other.com"}
	_, err = p.Submit(context.Background(), testTenantContext(), req)
	require.Error(t, err)
}

func TestSubmitRejectsInvalidAddresses(t *testing.T) {
	p := newTestPipeline(newMockMessages(), &mockSuppressions{}, &mockQuota{})

	req := testRequest()
	req.Recipients = []string{"not-an-address"}
	_, err := p.Submit(context.Background(), testTenantContext(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	req = testRequest()
	req.Recipients = nil
	_, err = p.Submit(context.Background(), testTenantContext(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)
}
