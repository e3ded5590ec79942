package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

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

type mockPipeline struct {
	requests []*submission.Request
	err      error
	result   *submission.Result
}

func (m *mockPipeline) Submit(_ context.Context, _ *tenant.Context, req *submission.Request) (*submission.Result, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	if m.result != nil {
		return m.result, nil
	}
	return &submission.Result{
		Message: &domain.Message{ID: "msg-1", Status: domain.StatusQueued},
		Recipients: []domain.Recipient{
			{Address: "alice@dest.com", State: domain.RecipientPending},
		},
	}, nil
}

type mockMessages struct {
	messages   map[string]*domain.Message
	recipients map[string][]domain.Recipient
}

func (m *mockMessages) Get(_ context.Context, tenantID, id string) (*domain.Message, error) {
	msg, ok := m.messages[id]
	if !ok || msg.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return msg, nil
}

func (m *mockMessages) Recipients(_ context.Context, messageID string) ([]domain.Recipient, error) {
	return m.recipients[messageID], nil
}

type mockEventList struct {
	events map[string][]domain.Event
}

func (m *mockEventList) ListForMessage(_ context.Context, messageID string) ([]domain.Event, error) {
	return m.events[messageID], nil
}

type mockSuppressionList struct {
	entries map[string][]domain.SuppressionEntry
	removed []string
}

func (m *mockSuppressionList) List(_ context.Context, tenantID string, limit, offset int) ([]domain.SuppressionEntry, error) {
	all := m.entries[tenantID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (m *mockSuppressionList) Suppress(_ context.Context, e *domain.SuppressionEntry) error {
	if m.entries == nil {
		m.entries = make(map[string][]domain.SuppressionEntry)
	}
	m.entries[e.TenantID] = append(m.entries[e.TenantID], *e)
	return nil
}

func (m *mockSuppressionList) Remove(_ context.Context, tenantID, address string) error {
	m.removed = append(m.removed, address)
	return nil
}

func apiTenantContext() *tenant.Context {
	return &tenant.Context{
		Tenant:     &domain.Tenant{ID: "ten-1", Plan: domain.PlanBasic},
		Credential: &domain.APICredential{Capabilities: []domain.Capability{domain.CapabilitySend}},
	}
}

type fixture struct {
	server   *Server
	pipeline *mockPipeline
	messages *mockMessages
	sups     *mockSuppressionList
}

func newFixture() *fixture {
	pipeline := &mockPipeline{}
	messages := &mockMessages{
		messages:   map[string]*domain.Message{},
		recipients: map[string][]domain.Recipient{},
	}
	sups := &mockSuppressionList{}
	auth := &mockAuth{tokens: map[string]*tenant.Context{"uz_good": apiTenantContext()}}
	events := &mockEventList{events: map[string][]domain.Event{}}

	srv := NewServer(config.ServerConfig{Port: 0}, auth, pipeline, messages, events, sups)
	return &fixture{server: srv, pipeline: pipeline, messages: messages, sups: sups}
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSendRequiresAuth(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "", sendRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "uz_bad", sendRequest{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSendAcceptsViaAPIKeyHeader(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emails/send",
		bytes.NewBufferString(`{"from":"a@acme.com","to":["b@dest.com"],"subject":"s","text":"t"}`))
	req.Header.Set("X-API-Key", "uz_good")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.pipeline.requests, 1)
}

func TestSendReturnsMessage(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "uz_good", sendRequest{
		From: "billing@acme.com", To: []string{"alice@dest.com"},
		Subject: "Invoice", Text: "body", TrackOpens: true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "msg-1", resp.MessageID)
	assert.Equal(t, "queued", resp.Status)
	require.Len(t, resp.Recipients, 1)
	assert.Equal(t, "alice@dest.com", resp.Recipients[0].Address)

	require.Len(t, f.pipeline.requests, 1)
	assert.True(t, f.pipeline.requests[0].TrackOpens)
}

func TestSendPassesIdempotencyKey(t *testing.T) {
	f := newFixture()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/emails/send",
		bytes.NewBufferString(`{"from":"a@acme.com","to":["b@dest.com"],"subject":"s","text":"t"}`))
	req.Header.Set("Authorization", "Bearer uz_good")
	req.Header.Set("Idempotency-Key", "order-42")
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.pipeline.requests, 1)
	assert.Equal(t, "order-42", f.pipeline.requests[0].IdempotencyKey)
}

func TestSendDuplicateReturns200(t *testing.T) {
	f := newFixture()
	f.pipeline.result = &submission.Result{
		Message:   &domain.Message{ID: "msg-prior", Status: domain.StatusQueued},
		Duplicate: true,
	}

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "uz_good", sendRequest{
		From: "a@acme.com", To: []string{"b@dest.com"}, Subject: "s", Text: "t",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msg-prior")
}

func TestSendQuotaExceeded(t *testing.T) {
	f := newFixture()
	f.pipeline.err = &domain.QuotaError{Window: "hour", RetryAfter: 90 * time.Second}

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "uz_good", sendRequest{
		From: "a@acme.com", To: []string{"b@dest.com"}, Subject: "s", Text: "t",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
}

func TestSendErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"unauthorized sender", domain.ErrUnauthorizedSender, http.StatusForbidden},
		{"missing capability", domain.ErrUnauthenticated, http.StatusForbidden},
		{"too large", domain.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{"bad address", domain.ErrInvalidAddress, http.StatusUnprocessableEntity},
		{"too many recipients", domain.ErrTooManyRecipients, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture()
			f.pipeline.err = tc.err

			rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send", "uz_good", sendRequest{
				From: "a@acme.com", To: []string{"b@dest.com"}, Subject: "s", Text: "t",
			})
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

func TestSendBatchReportsPerEnvelope(t *testing.T) {
	f := newFixture()

	batch := []sendRequest{
		{From: "a@acme.com", To: []string{"ok@dest.com"}, Subject: "s", Text: "t"},
		{From: "a@acme.com", To: []string{"bad@dest.com"}, Subject: "s", Text: "t"},
	}

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/emails/send-batch", "uz_good", batch)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Results []struct {
			Index int  `json:"index"`
			OK    bool `json:"ok"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	assert.True(t, resp.Results[1].OK)
	assert.Len(t, f.pipeline.requests, 2)
}

func TestGetMessageScopedToTenant(t *testing.T) {
	f := newFixture()
	f.messages.messages["msg-1"] = &domain.Message{
		ID: "msg-1", TenantID: "ten-1", FromAddress: "a@acme.com",
		Subject: "Invoice", Status: domain.StatusDelivered,
	}
	f.messages.messages["msg-other"] = &domain.Message{ID: "msg-other", TenantID: "ten-2"}
	f.messages.recipients["msg-1"] = []domain.Recipient{
		{Address: "alice@dest.com", State: domain.RecipientDelivered, Attempts: 1},
	}

	rec := doJSON(t, f.server, http.MethodGet, "/api/v1/messages/msg-1", "uz_good", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail messageDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "delivered", detail.Status)
	require.Len(t, detail.Recipients, 1)
	assert.Equal(t, "alice@dest.com", detail.Recipients[0].Address)

	rec = doJSON(t, f.server, http.MethodGet, "/api/v1/messages/msg-other", "uz_good", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "other tenants' messages are invisible")
}

func TestSuppressionCRUD(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/suppressions", "uz_good",
		map[string]string{"address": "Gone@Dest.com"})
	require.Equal(t, http.StatusCreated, rec.Code)

	require.Len(t, f.sups.entries["ten-1"], 1)
	assert.Equal(t, "gone@dest.com", f.sups.entries["ten-1"][0].Address, "addresses normalize on write")
	assert.Equal(t, domain.ReasonManual, f.sups.entries["ten-1"][0].Reason)

	rec = doJSON(t, f.server, http.MethodGet, "/api/v1/suppressions", "uz_good", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gone@dest.com")

	rec = doJSON(t, f.server, http.MethodDelete, "/api/v1/suppressions/gone@dest.com", "uz_good", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"gone@dest.com"}, f.sups.removed)
}

func TestCreateSuppressionRejectsBadAddress(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.server, http.MethodPost, "/api/v1/suppressions", "uz_good",
		map[string]string{"address": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthUnauthenticated(t *testing.T) {
	f := newFixture()

	rec := doJSON(t, f.server, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
