// Package tenant resolves API credentials to a tenant context: the tenant
// row, its plan limits, and its verified sender domains. Contexts are
// cached in-process for a short window so authentication does not hit the
// database on every request.
package tenant

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ultrazend/ultrazend/internal/config"
	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

const cacheTTL = 60 * time.Second

// Repository is the persistence surface the service needs.
type Repository interface {
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetCredentialByFingerprint(ctx context.Context, fingerprint string) (*domain.APICredential, error)
	TouchCredentialUsage(ctx context.Context, id string) error
}

// DomainLister returns the sender domains registered to a tenant.
type DomainLister interface {
	ListForTenant(ctx context.Context, tenantID string) ([]domain.SenderDomain, error)
}

// Context is everything the admission pipeline needs about a caller,
// loaded once per cache window.
type Context struct {
	Tenant     *domain.Tenant
	Credential *domain.APICredential
	Limits     domain.TenantLimits
	Domains    []domain.SenderDomain
	LoadedAt   time.Time
}

// AuthorizedSender returns the sender domain entry usable for fromAddress,
// or nil when the tenant does not own a verified domain for it.
func (c *Context) AuthorizedSender(fromAddress string) *domain.SenderDomain {
	name := domain.AddressDomain(fromAddress)
	if name == "" {
		return nil
	}
	for i := range c.Domains {
		d := &c.Domains[i]
		if d.Name == name && d.CanSendAs() {
			return d
		}
	}
	return nil
}

// Service authenticates raw API tokens and produces tenant contexts.
type Service struct {
	repo    Repository
	domains DomainLister
	limits  config.RateLimitConfig
	clock   domain.Clock
	log     *logger.Logger

	mu    sync.RWMutex
	cache map[string]*Context // keyed by credential fingerprint
}

func NewService(repo Repository, domains DomainLister, limits config.RateLimitConfig, clock domain.Clock) *Service {
	return &Service{
		repo:    repo,
		domains: domains,
		limits:  limits,
		clock:   clock,
		log:     logger.Component("tenant"),
		cache:   make(map[string]*Context),
	}
}

// Fingerprint hashes a raw API token. Only the fingerprint is ever stored
// or used as a cache key; the raw token is never logged or persisted.
func Fingerprint(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// Authenticate resolves a raw token to a tenant context. Revoked
// credentials and inactive tenants fail closed even when cached, because
// Invalidate is called on every mutation of either.
func (s *Service) Authenticate(ctx context.Context, rawToken string) (*Context, error) {
	if rawToken == "" {
		return nil, domain.ErrUnauthenticated
	}
	fp := Fingerprint(rawToken)

	s.mu.RLock()
	cached, ok := s.cache[fp]
	s.mu.RUnlock()
	if ok && s.clock.Now().Sub(cached.LoadedAt) < cacheTTL {
		return cached, nil
	}

	loaded, err := s.load(ctx, fp)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[fp] = loaded
	s.mu.Unlock()

	// Fire-and-forget last-used bookkeeping; never blocks admission.
	if err := s.repo.TouchCredentialUsage(ctx, loaded.Credential.ID); err != nil {
		s.log.Warn("touch credential usage failed", "credential_id", loaded.Credential.ID, "error", err)
	}
	return loaded, nil
}

func (s *Service) load(ctx context.Context, fingerprint string) (*Context, error) {
	cred, err := s.repo.GetCredentialByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, err
	}
	// Constant-time compare of the stored fingerprint guards against a
	// repository that matches on a prefix index.
	if subtle.ConstantTimeCompare([]byte(cred.Fingerprint), []byte(fingerprint)) != 1 {
		return nil, domain.ErrUnauthenticated
	}
	ten, err := s.repo.GetTenant(ctx, cred.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", cred.TenantID, err)
	}
	if !ten.Active {
		return nil, domain.ErrTenantInactive
	}
	doms, err := s.domains.ListForTenant(ctx, ten.ID)
	if err != nil {
		return nil, fmt.Errorf("load domains for %s: %w", ten.ID, err)
	}

	hourly, daily, concurrent := s.limits.LimitsFor(string(ten.Plan))
	return &Context{
		Tenant:     ten,
		Credential: cred,
		Limits: domain.TenantLimits{
			EmailsPerHour:        hourly,
			EmailsPerDay:         daily,
			ConcurrentDeliveries: concurrent,
		},
		Domains:  doms,
		LoadedAt: s.clock.Now(),
	}, nil
}

// Invalidate drops any cached context for the credential. Called when a
// credential is revoked, a tenant is deactivated, or domain verification
// changes.
func (s *Service) Invalidate(fingerprint string) {
	s.mu.Lock()
	delete(s.cache, fingerprint)
	s.mu.Unlock()
}

// InvalidateAll clears the whole cache. Used after bulk verification
// sweeps rather than tracking which tenants changed.
func (s *Service) InvalidateAll() {
	s.mu.Lock()
	s.cache = make(map[string]*Context)
	s.mu.Unlock()
}
