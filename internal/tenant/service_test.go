package tenant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type mockRepo struct {
	tenants     map[string]*domain.Tenant
	credentials map[string]*domain.APICredential
	domains     map[string][]domain.SenderDomain
	loadCount   int
}

func (m *mockRepo) GetTenant(_ context.Context, id string) (*domain.Tenant, error) {
	t, ok := m.tenants[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return t, nil
}

func (m *mockRepo) GetCredentialByFingerprint(_ context.Context, fp string) (*domain.APICredential, error) {
	m.loadCount++
	c, ok := m.credentials[fp]
	if !ok || !c.Active {
		return nil, domain.ErrUnauthenticated
	}
	return c, nil
}

func (m *mockRepo) TouchCredentialUsage(context.Context, string) error { return nil }

func (m *mockRepo) ListForTenant(_ context.Context, tenantID string) ([]domain.SenderDomain, error) {
	return m.domains[tenantID], nil
}

func limitsConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		HourlyPerTier:     map[string]int{"free": 100, "premium": 5000},
		DailyPerTier:      map[string]int{"free": 500, "premium": 50000},
		ConcurrentPerTier: map[string]int{"free": 2, "premium": 20},
	}
}

func newTestService(repo *mockRepo, clock *fakeClock) *Service {
	return NewService(repo, repo, limitsConfig(), clock)
}

func seedRepo(token string) (*mockRepo, string) {
	fp := Fingerprint(token)
	repo := &mockRepo{
		tenants: map[string]*domain.Tenant{
			"ten-1": {ID: "ten-1", Name: "acme", Plan: domain.PlanPremium, Active: true},
		},
		credentials: map[string]*domain.APICredential{
			fp: {ID: "cred-1", TenantID: "ten-1", Fingerprint: fp, Active: true,
				Capabilities: []domain.Capability{domain.CapabilitySend}},
		},
		domains: map[string][]domain.SenderDomain{
			"ten-1": {
				{ID: "dom-1", TenantID: "ten-1", Name: "acme.com", SPFStatus: domain.RecordVerified},
				{ID: "dom-2", TenantID: "ten-1", Name: "pending.acme.com", SPFStatus: domain.RecordUnknown},
			},
		},
	}
	return repo, fp
}

func TestAuthenticateLoadsContextWithPlanLimits(t *testing.T) {
	repo, _ := seedRepo("tok-1")
	svc := newTestService(repo, &fakeClock{now: time.Now()})

	tc, err := svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "ten-1", tc.Tenant.ID)
	assert.Equal(t, 5000, tc.Limits.EmailsPerHour)
	assert.Equal(t, 20, tc.Limits.ConcurrentDeliveries)
}

func TestAuthenticateCachesWithinWindow(t *testing.T) {
	repo, _ := seedRepo("tok-1")
	clock := &fakeClock{now: time.Now()}
	svc := newTestService(repo, clock)

	_, err := svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	_, err = svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 1, repo.loadCount)

	clock.now = clock.now.Add(cacheTTL + time.Second)
	_, err = svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.loadCount)
}

func TestAuthenticateRejectsRevokedAfterInvalidate(t *testing.T) {
	repo, fp := seedRepo("tok-1")
	svc := newTestService(repo, &fakeClock{now: time.Now()})

	_, err := svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)

	repo.credentials[fp].Active = false
	svc.Invalidate(fp)

	_, err = svc.Authenticate(context.Background(), "tok-1")
	assert.ErrorIs(t, err, domain.ErrUnauthenticated)
}

func TestAuthenticateRejectsInactiveTenant(t *testing.T) {
	repo, _ := seedRepo("tok-1")
	repo.tenants["ten-1"].Active = false
	svc := newTestService(repo, &fakeClock{now: time.Now()})

	_, err := svc.Authenticate(context.Background(), "tok-1")
	assert.ErrorIs(t, err, domain.ErrTenantInactive)
}

func TestAuthorizedSenderRequiresVerifiedSPF(t *testing.T) {
	repo, _ := seedRepo("tok-1")
	svc := newTestService(repo, &fakeClock{now: time.Now()})

	tc, err := svc.Authenticate(context.Background(), "tok-1")
	require.NoError(t, err)

	assert.NotNil(t, tc.AuthorizedSender("billing@acme.com"))
	assert.Nil(t, tc.AuthorizedSender("billing@pending.acme.com"))
	assert.Nil(t, tc.AuthorizedSender("billing@other.com"))
	assert.Nil(t, tc.AuthorizedSender("not-an-address"))
}

func TestFingerprintIsStableAndOpaque(t *testing.T) {
	a := Fingerprint("secret-token")
	b := Fingerprint("secret-token")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, "secret")
	assert.Len(t, a, 64)
}
