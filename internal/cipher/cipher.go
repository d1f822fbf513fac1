// Package cipher implements the AES-256-GCM authenticated cipher keyed
// from synchronized TPM weights. Wire layout is normative:
// base64(nonce[12] || tag[16] || ciphertext).
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rawblock/nexus/internal/tpm"
)

const (
	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// ErrDecryption covers both tag mismatch and malformed ciphertext. The
// server never decrypts relayed messages itself — this is raised only
// to the participant that holds the shared key.
var ErrDecryption = errors.New("cipher: decryption failed")

// Cipher wraps a 32-byte key derived from synchronized TPM weights.
type Cipher struct {
	key [keySize]byte
	gcm cipher.AEAD
}

// New builds a Cipher from an arbitrary-length key. Keys shorter than
// 32 bytes are expanded via SHA-256; longer keys are truncated.
func New(key []byte) (*Cipher, error) {
	var k []byte
	if len(key) < keySize {
		sum := sha256.Sum256(key)
		k = sum[:]
	} else {
		k = key[:keySize]
	}

	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, fmt.Errorf("cipher: new aes block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cipher: new gcm: %w", err)
	}

	c := &Cipher{gcm: gcm}
	copy(c.key[:], k)
	return c, nil
}

// Encrypt returns base64(nonce || tag || ciphertext) for plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cipher: nonce: %w", err)
	}

	// Seal appends ciphertext||tag after the prefix we pass it.
	sealed := c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	combined := make([]byte, 0, nonceSize+tagSize+len(ct))
	combined = append(combined, nonce...)
	combined = append(combined, tag...)
	combined = append(combined, ct...)

	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt parses base64(nonce || tag || ciphertext) and verifies it,
// returning ErrDecryption on any malformed input or tag mismatch.
func (c *Cipher) Decrypt(blob string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", ErrDecryption
	}
	if len(combined) < nonceSize+tagSize {
		return "", ErrDecryption
	}

	nonce := combined[:nonceSize]
	tag := combined[nonceSize : nonceSize+tagSize]
	ct := combined[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Fingerprint returns the upper-case hex of SHA-256(key)[:4], shared
// with the TPM key fingerprint contract.
func (c *Cipher) Fingerprint() string {
	return tpm.Fingerprint(c.key[:])
}
