package dkim

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	msgdkim "github.com/emersion/go-msgauth/dkim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultrazend/ultrazend/internal/domain"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type mockKeyRepo struct {
	keys map[string]*domain.DkimKey // by id
}

func newMockKeyRepo() *mockKeyRepo {
	return &mockKeyRepo{keys: make(map[string]*domain.DkimKey)}
}

func (m *mockKeyRepo) Create(_ context.Context, k *domain.DkimKey) error {
	cp := *k
	m.keys[k.ID] = &cp
	return nil
}

func (m *mockKeyRepo) ActiveKeyForDomain(_ context.Context, domainID string) (*domain.DkimKey, error) {
	for _, k := range m.keys {
		if k.DomainID == domainID && k.Active {
			cp := *k
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockKeyRepo) Rotate(_ context.Context, domainID, selector string) error {
	found := false
	for _, k := range m.keys {
		if k.DomainID == domainID {
			k.Active = k.Selector == selector
			if k.Active {
				found = true
			}
		}
	}
	if !found {
		return domain.ErrNotFound
	}
	return nil
}

func (m *mockKeyRepo) ListForDomain(_ context.Context, domainID string) ([]domain.DkimKey, error) {
	var out []domain.DkimKey
	for _, k := range m.keys {
		if k.DomainID == domainID {
			out = append(out, *k)
		}
	}
	return out, nil
}

func newTestKeystore(t *testing.T) (*Keystore, *mockKeyRepo) {
	t.Helper()
	kb, err := NewKeybox(testMasterKey)
	require.NoError(t, err)
	repo := newMockKeyRepo()
	// 1024-bit keys keep the test fast; production default is 2048.
	return NewKeystore(repo, kb, 1024, &fakeClock{now: time.Now()}), repo
}

func TestKeyboxRoundTrip(t *testing.T) {
	kb, err := NewKeybox(testMasterKey)
	require.NoError(t, err)

	sealed, err := kb.Seal([]byte("private key material"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "enc:"))
	assert.NotContains(t, sealed, "private key material")

	opened, err := kb.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("private key material"), opened)
}

func TestKeyboxRejectsWrongKey(t *testing.T) {
	kb1, err := NewKeybox(testMasterKey)
	require.NoError(t, err)
	kb2, err := NewKeybox("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	sealed, err := kb1.Seal([]byte("secret"))
	require.NoError(t, err)
	_, err = kb2.Open(sealed)
	assert.Error(t, err)
}

func TestKeyboxRejectsBadMasterKey(t *testing.T) {
	_, err := NewKeybox("not-hex")
	assert.Error(t, err)
	_, err = NewKeybox("0011")
	assert.Error(t, err)
}

func TestGenerateStoresSealedKey(t *testing.T) {
	ks, repo := newTestKeystore(t)

	key, err := ks.Generate(context.Background(), "dom-1", "uz202603", true)
	require.NoError(t, err)

	stored := repo.keys[key.ID]
	assert.True(t, strings.HasPrefix(stored.PrivateKeyEncrypted, "enc:"))
	assert.NotEmpty(t, stored.PublicKey)
	assert.True(t, stored.Active)

	priv, err := ks.PrivateKey(key)
	require.NoError(t, err)
	assert.NoError(t, priv.Validate())
}

func TestRotateFlipsActiveKey(t *testing.T) {
	ks, _ := newTestKeystore(t)
	ctx := context.Background()

	first, err := ks.Generate(ctx, "dom-1", "uz202601", true)
	require.NoError(t, err)

	rotated, err := ks.Rotate(ctx, "dom-1", "uz202603")
	require.NoError(t, err)

	active, err := ks.ActiveKey(ctx, "dom-1")
	require.NoError(t, err)
	assert.Equal(t, rotated.ID, active.ID)
	assert.NotEqual(t, first.ID, active.ID)
	assert.Equal(t, "uz202603", active.Selector)
}

const testMessage = "From: billing@acme.com\r\n" +
	"To: customer@dest.com\r\n" +
	"Subject: Invoice 42\r\n" +
	"Date: Tue, 10 Mar 2026 12:00:00 +0000\r\n" +
	"Message-ID: <msg-1@acme.com>\r\n" +
	"\r\n" +
	"Your invoice is attached.\r\n"

func TestSignVerifyRoundTrip(t *testing.T) {
	ks, _ := newTestKeystore(t)
	ctx := context.Background()

	key, err := ks.Generate(ctx, "dom-1", "uz202603", true)
	require.NoError(t, err)

	sd := &domain.SenderDomain{ID: "dom-1", Name: "acme.com", SPFStatus: domain.RecordVerified}
	signer := NewSigner(ks, true)

	signed, err := signer.Sign(ctx, sd, []byte(testMessage))
	require.NoError(t, err)
	assert.Contains(t, string(signed), "DKIM-Signature:")

	verifications, err := msgdkim.VerifyWithOptions(bytes.NewReader(signed), &msgdkim.VerifyOptions{
		LookupTXT: func(name string) ([]string, error) {
			require.Equal(t, "uz202603._domainkey.acme.com", name)
			return []string{DNSRecord(key)}, nil
		},
	})
	require.NoError(t, err)
	require.Len(t, verifications, 1)
	assert.NoError(t, verifications[0].Err)
	assert.Equal(t, "acme.com", verifications[0].Domain)
}

func TestSignOrFailModes(t *testing.T) {
	ks, _ := newTestKeystore(t)
	ctx := context.Background()
	sd := &domain.SenderDomain{ID: "dom-without-key", Name: "nokey.com"}

	strict := NewSigner(ks, true)
	_, err := strict.Sign(ctx, sd, []byte(testMessage))
	assert.ErrorIs(t, err, ErrNoActiveKey)

	lenient := NewSigner(ks, false)
	out, err := lenient.Sign(ctx, sd, []byte(testMessage))
	require.NoError(t, err)
	assert.Equal(t, []byte(testMessage), out, "without a key the message passes through unsigned")
}

func TestDNSRecordFormat(t *testing.T) {
	ks, _ := newTestKeystore(t)
	key, err := ks.Generate(context.Background(), "dom-1", "uz202603", true)
	require.NoError(t, err)

	rec := DNSRecord(key)
	assert.True(t, strings.HasPrefix(rec, "v=DKIM1; k=rsa; p="))
	assert.Contains(t, rec, key.PublicKey)
}

func TestDefaultSelector(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "uz202603", DefaultSelector(now))
}
