// Package tracking implements open and click tracking: HMAC-signed
// tokens embedded in outbound mail, HTTP handlers that record hits, and a
// Redis Stream pipeline that turns hits into durable events.
package tracking

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates token types.
type Kind string

const (
	KindOpen  Kind = "open"
	KindClick Kind = "click"
)

// Token is the signed payload carried in tracking URLs. The signature
// covers every field, so a recipient cannot forge hits for another
// message or rewrite a click target.
type Token struct {
	MessageID string `json:"m"`
	Recipient string `json:"r"`
	Kind      Kind   `json:"k"`
	TargetURL string `json:"u,omitempty"`
}

var ErrBadToken = errors.New("invalid tracking token")

// Encode serializes and signs the token: base64url(payload).base64url(mac).
func (t *Token) Encode(secret []byte) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal token: %w", err)
	}
	mac := sign(secret, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac), nil
}

// DecodeToken verifies the signature and returns the payload. Any
// malformation or signature mismatch yields ErrBadToken; callers treat
// all failures identically to avoid an oracle.
func DecodeToken(secret []byte, encoded string) (*Token, error) {
	dot := strings.IndexByte(encoded, '.')
	if dot < 0 {
		return nil, ErrBadToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(encoded[:dot])
	if err != nil {
		return nil, ErrBadToken
	}
	mac, err := base64.RawURLEncoding.DecodeString(encoded[dot+1:])
	if err != nil {
		return nil, ErrBadToken
	}
	if !hmac.Equal(mac, sign(secret, payload)) {
		return nil, ErrBadToken
	}
	var t Token
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, ErrBadToken
	}
	if t.MessageID == "" || (t.Kind != KindOpen && t.Kind != KindClick) {
		return nil, ErrBadToken
	}
	return &t, nil
}

func sign(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// URLBuilder renders tracking URLs for outbound messages.
type URLBuilder struct {
	baseURL string
	secret  []byte
}

func NewURLBuilder(baseURL, secret string) *URLBuilder {
	return &URLBuilder{baseURL: strings.TrimRight(baseURL, "/"), secret: []byte(secret)}
}

// PixelURL returns the open-tracking pixel URL for one recipient.
func (b *URLBuilder) PixelURL(messageID, recipient string) (string, error) {
	tok, err := (&Token{MessageID: messageID, Recipient: recipient, Kind: KindOpen}).Encode(b.secret)
	if err != nil {
		return "", err
	}
	return b.baseURL + "/t/o/" + tok, nil
}

// ClickURL wraps a link target in a tracked redirect.
func (b *URLBuilder) ClickURL(messageID, recipient, target string) (string, error) {
	tok, err := (&Token{MessageID: messageID, Recipient: recipient, Kind: KindClick, TargetURL: target}).Encode(b.secret)
	if err != nil {
		return "", err
	}
	return b.baseURL + "/t/c/" + tok, nil
}

// Secret exposes the signing key to the handler for decode.
func (b *URLBuilder) Secret() []byte { return b.secret }
