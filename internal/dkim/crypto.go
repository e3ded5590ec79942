// Package dkim generates, stores, and applies DKIM signatures. Private
// keys live encrypted at rest; the plaintext exists only inside the
// signer for the duration of a signing call.
package dkim

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const encPrefix = "enc:"

// Keybox seals and opens private key material with AES-256-GCM. The data
// key is derived from the master key via HKDF so rotating the master key
// never reuses an AES key across deployments.
type Keybox struct {
	key [32]byte
}

// NewKeybox derives the sealing key from a hex-encoded 32-byte master key.
func NewKeybox(masterKeyHex string) (*Keybox, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(masterKeyHex))
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(raw))
	}

	kb := &Keybox{}
	r := hkdf.New(sha256.New, raw, nil, []byte("ultrazend/dkim-keystore/v1"))
	if _, err := io.ReadFull(r, kb.key[:]); err != nil {
		return nil, fmt.Errorf("derive sealing key: %w", err)
	}
	return kb, nil
}

// Seal encrypts plaintext and returns "enc:" + base64(nonce || ciphertext).
func (kb *Keybox) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(kb.key[:])
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (kb *Keybox) Open(encoded string) ([]byte, error) {
	if !strings.HasPrefix(encoded, encPrefix) {
		return nil, errors.New("key material is not encrypted")
	}
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encoded, encPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}

	block, err := aes.NewCipher(kb.key[:])
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("key material truncated")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open key material: %w", err)
	}
	return plaintext, nil
}
