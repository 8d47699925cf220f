// Package vault encrypts the provider credential at rest and guards against
// corrupted or placeholder values being used as a real secret.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stylelab/fitting-service/pkg/logger"
)

// ErrDecryptionFailure covers malformed ciphertext and ciphertext produced
// under a rotated key. It degrades the invoker to "not configured"; it is
// never fatal to the process.
var ErrDecryptionFailure = errors.New("credential decryption failed")

// ErrPlaceholder is returned when a decrypted value matches the UI masking
// pattern. A masked stand-in must never be treated as a usable secret, no
// matter how it ended up encrypted.
var ErrPlaceholder = errors.New("credential is a masked placeholder")

// apiKeyPrefix and apiKeyLength describe the provider's credential shape.
const (
	apiKeyPrefix = "AIza"
	apiKeyLength = 39
)

// maskRunes are the characters UI layers substitute for hidden secrets.
var maskRunes = map[rune]bool{'*': true, '•': true, '●': true, '·': true}

// Cipher is a reversible byte transform.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

type aesCipher struct {
	aead cipher.AEAD
}

// NewAESCipher returns an AES-GCM cipher for a 16, 24 or 32 byte key.
func NewAESCipher(key []byte) (Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &aesCipher{aead: aead}, nil
}

func (c *aesCipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *aesCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, sealed, nil)
}

// Vault performs the store/reveal transform. It holds no state beyond the
// cipher; callers must never log revealed plaintext.
type Vault struct {
	cipher Cipher
	log    *logger.Logger
}

// New constructs a Vault around the given cipher.
func New(c Cipher, log *logger.Logger) *Vault {
	if log == nil {
		log = logger.NewDefault("vault")
	}
	return &Vault{cipher: c, log: log}
}

// Store encrypts a plaintext credential and returns base64 ciphertext.
// Placeholder-shaped input is refused outright: encrypting a masked UI value
// would silently corrupt the stored secret.
func (v *Vault) Store(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errors.New("empty credential")
	}
	if IsPlaceholder(plaintext) {
		return "", ErrPlaceholder
	}

	sealed, err := v.cipher.Encrypt([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("encrypt credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Reveal decrypts base64 ciphertext produced by Store. It fails with
// ErrDecryptionFailure for malformed or rotated-key ciphertext and with
// ErrPlaceholder when the recovered value matches the masking pattern.
func (v *Vault) Reveal(ciphertext string) (string, error) {
	if strings.TrimSpace(ciphertext) == "" {
		return "", ErrDecryptionFailure
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	plain, err := v.cipher.Decrypt(raw)
	if err != nil {
		return "", ErrDecryptionFailure
	}

	value := string(plain)
	if IsPlaceholder(value) {
		v.log.Warn("decrypted credential matches the masked placeholder pattern; treating as absent")
		return "", ErrPlaceholder
	}
	return value, nil
}

// IsPlaceholder reports whether the value is a run of masking characters, the
// stand-in UI layers display instead of a real secret.
func IsPlaceholder(value string) bool {
	if utf8.RuneCountInString(value) < 8 {
		return false
	}
	for _, r := range value {
		if !maskRunes[r] {
			return false
		}
	}
	return true
}

// LooksLikeAPIKey reports whether a revealed value has the provider's
// credential shape. Used for operator diagnostics only; Reveal does not
// enforce it so arbitrary secrets still round-trip.
func LooksLikeAPIKey(value string) bool {
	return len(value) == apiKeyLength && strings.HasPrefix(value, apiKeyPrefix)
}
