package dkim

import (
	"bytes"
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"

	msgdkim "github.com/emersion/go-msgauth/dkim"

	"github.com/ultrazend/ultrazend/internal/domain"
)

// signedHeaders are the header fields covered by every signature.
// Covering From is mandatory per RFC 6376; the rest pin the fields a
// receiver displays.
var signedHeaders = []string{
	"From", "To", "Cc", "Subject", "Date", "Message-ID",
	"Reply-To", "MIME-Version", "Content-Type",
}

// ErrNoActiveKey is returned when a domain has no active signing key.
var ErrNoActiveKey = errors.New("no active dkim key for domain")

// Signer signs outbound messages with the sending domain's active key.
type Signer struct {
	keystore   *Keystore
	signOrFail bool
}

// NewSigner creates a signer. With signOrFail set, a missing or broken
// key aborts the delivery attempt; otherwise the message goes out
// unsigned and the gap is the tenant's deliverability problem.
func NewSigner(keystore *Keystore, signOrFail bool) *Signer {
	return &Signer{keystore: keystore, signOrFail: signOrFail}
}

// Sign returns raw with a DKIM-Signature header prepended, signed by the
// active key of senderDomain. The input must be a complete RFC 5322
// message with CRLF line endings.
func (s *Signer) Sign(ctx context.Context, senderDomain *domain.SenderDomain, raw []byte) ([]byte, error) {
	key, err := s.keystore.ActiveKey(ctx, senderDomain.ID)
	if errors.Is(err, domain.ErrNotFound) {
		if s.signOrFail {
			return nil, fmt.Errorf("%w: %s", ErrNoActiveKey, senderDomain.Name)
		}
		return raw, nil
	}
	if err != nil {
		return nil, err
	}

	priv, err := s.keystore.PrivateKey(key)
	if err != nil {
		if s.signOrFail {
			return nil, fmt.Errorf("unseal key for %s: %w", senderDomain.Name, err)
		}
		return raw, nil
	}

	opts := &msgdkim.SignOptions{
		Domain:                 senderDomain.Name,
		Selector:               key.Selector,
		Signer:                 priv,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: canon(key.HeaderCanon),
		BodyCanonicalization:   canon(key.BodyCanon),
		HeaderKeys:             signedHeaders,
	}

	var out bytes.Buffer
	if err := msgdkim.Sign(&out, bytes.NewReader(raw), opts); err != nil {
		if s.signOrFail {
			return nil, fmt.Errorf("dkim sign %s: %w", senderDomain.Name, err)
		}
		return raw, nil
	}
	return out.Bytes(), nil
}

// Verify checks every DKIM signature on a message. Used by tests and the
// inbound bounce path.
func Verify(r io.Reader) ([]*msgdkim.Verification, error) {
	return msgdkim.Verify(r)
}

func canon(s string) msgdkim.Canonicalization {
	if s == "simple" {
		return msgdkim.CanonicalizationSimple
	}
	return msgdkim.CanonicalizationRelaxed
}
