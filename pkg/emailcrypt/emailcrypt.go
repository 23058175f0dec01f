// Package emailcrypt encrypts and decrypts the private values stored in the
// team data set: member addresses that must not be published in clear and
// sensitive mailing-list fields.
//
// An encrypted address has the form
//
//	encrypted+<hex(nonce || ciphertext)>@rust-lang.invalid
//
// and an encrypted field value is the bare hex token. Both use
// XChaCha20-Poly1305 with a random 24-byte nonce, so encrypting the same
// value twice never yields the same token. Callers compare decrypted
// values only.
package emailcrypt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the required key length in bytes.
const KeySize = chacha20poly1305.KeySize

const (
	addressPrefix = "encrypted+"
	addressSuffix = "@rust-lang.invalid"
)

// ErrInvalidKey is returned when the key is missing or has the wrong length.
var ErrInvalidKey = errors.New("encryption key must be exactly 32 bytes")

// ErrMalformed is returned when a value cannot be parsed as ciphertext.
var ErrMalformed = errors.New("malformed encrypted value")

// Codec holds the shared symmetric key. It is read-only after
// construction and safe for concurrent use.
type Codec struct {
	key []byte
}

// New creates a codec from the raw key string, as provided in the environment.
func New(key string) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w (got %d)", ErrInvalidKey, len(key))
	}
	return &Codec{key: []byte(key)}, nil
}

// Seal encrypts plaintext and returns the hex token.
func (c *Codec) Seal(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("generating random nonce: %w", err)
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	copy(out, nonce[:])
	out = aead.Seal(out, nonce[:], []byte(plaintext), nil)
	return hex.EncodeToString(out), nil
}

// Open decrypts a hex token produced by Seal.
func (c *Codec) Open(token string) (string, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return "", fmt.Errorf("%w: %d bytes is shorter than nonce and tag", ErrMalformed, len(raw))
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("creating XChaCha20-Poly1305 cipher: %w", err)
	}

	nonce := raw[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed (wrong key or tampered data): %w", err)
	}
	return string(plaintext), nil
}

// IsEncryptedAddress reports whether addr uses the encrypted address form.
func IsEncryptedAddress(addr string) bool {
	return strings.HasPrefix(addr, addressPrefix) && strings.HasSuffix(addr, addressSuffix)
}

// SealAddress encrypts an email address into the encrypted address form.
func (c *Codec) SealAddress(addr string) (string, error) {
	token, err := c.Seal(addr)
	if err != nil {
		return "", err
	}
	return addressPrefix + token + addressSuffix, nil
}

// OpenAddress returns addr decrypted if it is in the encrypted address
// form, and addr unchanged otherwise.
func (c *Codec) OpenAddress(addr string) (string, error) {
	if !IsEncryptedAddress(addr) {
		return addr, nil
	}
	token := strings.TrimSuffix(strings.TrimPrefix(addr, addressPrefix), addressSuffix)
	return c.Open(token)
}
