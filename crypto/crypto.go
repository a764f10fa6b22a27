// Package crypto provides at-rest encryption for stored text fields and
// provider credentials. The key is derived from a master secret with
// PBKDF2; ciphertext is AES-256-GCM with the nonce prepended, base64
// encoded for storage.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Encoding versions for stored fields. Entries written before encryption
// was introduced carry VersionPlaintext and are read back verbatim.
const (
	VersionPlaintext = 0
	VersionAESGCM    = 1
)

const (
	keyIterations = 100_000
	keyLength     = 32
)

// keySalt must never change: existing ciphertext becomes unreadable.
var keySalt = []byte("semcache.store.v1")

// Cipher encrypts and decrypts stored text fields.
type Cipher struct {
	aead cipher.AEAD
}

// New derives the AES key from the master secret and prepares the cipher.
func New(masterSecret string) (*Cipher, error) {
	if masterSecret == "" {
		return nil, fmt.Errorf("empty master secret")
	}
	key := pbkdf2.Key([]byte(masterSecret), keySalt, keyIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fail to create aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fail to create gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext and returns the stored form plus its version flag.
func (c *Cipher) Encrypt(plaintext string) (string, int, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", 0, fmt.Errorf("fail to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), VersionAESGCM, nil
}

// Decrypt opens a stored field. The per-entry version flag selects the
// decode path so pre-encryption plaintext rows stay readable without a
// migration pass.
func (c *Cipher) Decrypt(stored string, version int) (string, error) {
	switch version {
	case VersionPlaintext:
		return stored, nil
	case VersionAESGCM:
		raw, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return "", fmt.Errorf("fail to decode ciphertext: %w", err)
		}
		if len(raw) < c.aead.NonceSize() {
			return "", fmt.Errorf("ciphertext shorter than nonce")
		}
		nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
		plain, err := c.aead.Open(nil, nonce, sealed, nil)
		if err != nil {
			return "", fmt.Errorf("fail to decrypt: %w", err)
		}
		return string(plain), nil
	default:
		return "", fmt.Errorf("unknown encryption version %d", version)
	}
}
