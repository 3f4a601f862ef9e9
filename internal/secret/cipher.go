// Package secret encrypts credential passwords at rest
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "go-hostlink-credential-secret"

// ErrCiphertextTooShort is returned for input shorter than a GCM nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher encrypts and decrypts secrets with AES-256-GCM. The output is
// base64(nonce || ciphertext).
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from the master passphrase with
// HKDF-SHA256 and the given salt
func NewCipher(masterKey, salt string) (*Cipher, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("master key must be at least 16 characters")
	}

	r := hkdf.New(sha256.New, []byte(masterKey), []byte(salt), []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt
func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	n := c.aead.NonceSize()
	if len(data) < n {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := c.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// Plain stores secrets unencrypted. Development and tests only.
type Plain struct{}

// Encrypt returns plaintext unchanged
func (Plain) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// Decrypt returns s unchanged
func (Plain) Decrypt(s string) (string, error) { return s, nil }

// Box is implemented by Cipher and Plain
type Box interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

var (
	_ Box = (*Cipher)(nil)
	_ Box = Plain{}
)
