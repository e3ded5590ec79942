package dkim

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ultrazend/ultrazend/internal/domain"
	"github.com/ultrazend/ultrazend/internal/pkg/logger"
)

// KeyRepository is the persistence surface the keystore needs.
type KeyRepository interface {
	Create(ctx context.Context, k *domain.DkimKey) error
	ActiveKeyForDomain(ctx context.Context, domainID string) (*domain.DkimKey, error)
	Rotate(ctx context.Context, domainID, selector string) error
	ListForDomain(ctx context.Context, domainID string) ([]domain.DkimKey, error)
}

// Keystore generates and rotates per-domain DKIM key pairs.
type Keystore struct {
	repo    KeyRepository
	keybox  *Keybox
	keySize int
	clock   domain.Clock
	log     *logger.Logger
}

func NewKeystore(repo KeyRepository, keybox *Keybox, keySize int, clock domain.Clock) *Keystore {
	if keySize < 1024 {
		keySize = 2048
	}
	return &Keystore{
		repo:    repo,
		keybox:  keybox,
		keySize: keySize,
		clock:   clock,
		log:     logger.Component("dkim"),
	}
}

// Generate creates an RSA key pair for a domain under the given selector.
// The new key is stored inactive unless activate is set, so rotation can
// stage a key, publish its DNS record, and flip later.
func (s *Keystore) Generate(ctx context.Context, domainID, selector string, activate bool) (*domain.DkimKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, s.keySize)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	sealed, err := s.keybox.Seal(privDER)
	if err != nil {
		return nil, fmt.Errorf("seal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	key := &domain.DkimKey{
		ID:                  uuid.NewString(),
		DomainID:            domainID,
		Selector:            selector,
		PrivateKeyEncrypted: sealed,
		PublicKey:           base64.StdEncoding.EncodeToString(pubDER),
		KeySize:             s.keySize,
		Algorithm:           "rsa-sha256",
		HeaderCanon:         "relaxed",
		BodyCanon:           "relaxed",
		Active:              activate,
		CreatedAt:           s.clock.Now(),
	}
	if err := s.repo.Create(ctx, key); err != nil {
		return nil, err
	}
	s.log.Info("dkim key generated",
		"domain_id", domainID, "selector", selector, "key_size", s.keySize, "active", activate)
	return key, nil
}

// Rotate stages a fresh key under newSelector and activates it. The old
// key's DNS record should stay published until in-flight mail signed with
// it has aged out.
func (s *Keystore) Rotate(ctx context.Context, domainID, newSelector string) (*domain.DkimKey, error) {
	key, err := s.Generate(ctx, domainID, newSelector, false)
	if err != nil {
		return nil, err
	}
	if err := s.repo.Rotate(ctx, domainID, newSelector); err != nil {
		return nil, fmt.Errorf("activate rotated key: %w", err)
	}
	key.Active = true
	s.log.Info("dkim key rotated", "domain_id", domainID, "selector", newSelector)
	return key, nil
}

// ActiveKey returns the signing key for a domain.
func (s *Keystore) ActiveKey(ctx context.Context, domainID string) (*domain.DkimKey, error) {
	return s.repo.ActiveKeyForDomain(ctx, domainID)
}

// PrivateKey decrypts and parses a stored key's private half.
func (s *Keystore) PrivateKey(key *domain.DkimKey) (*rsa.PrivateKey, error) {
	der, err := s.keybox.Open(key.PrivateKeyEncrypted)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}

// DNSRecord renders the TXT record value a tenant must publish at
// <selector>._domainkey.<domain>.
func DNSRecord(key *domain.DkimKey) string {
	return fmt.Sprintf("v=DKIM1; k=rsa; p=%s", key.PublicKey)
}

// DefaultSelector builds a date-stamped selector for new keys, so rotation
// produces distinct names without operator input.
func DefaultSelector(now time.Time) string {
	return "uz" + now.UTC().Format("200601")
}
