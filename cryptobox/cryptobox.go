// Package cryptobox implements the encryption transformer described
// in spec §4.1 ("Encryption transformer"): an authenticated symmetric
// cipher producing nonce ‖ ciphertext ‖ tag, process-local to the key
// supplied at Pool.Open. The construction itself is not the subject of
// this spec (§1, "its cryptographic construction is not redesigned
// here") — this package picks ChaCha20-Poly1305 from
// golang.org/x/crypto, the same AEAD family the reference corpus's
// kcptun/kcp-go stream ciphers draw from, because its Seal output is
// exactly nonce-prefixed ciphertext-with-appended-tag, matching the
// wire shape spec §4.1 names without extra framing.
package cryptobox

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrDecrypt is returned by Open on authentication failure — a wrong
// key, truncated ciphertext, or tampered data (spec §7, DecryptError).
var ErrDecrypt = errors.New("cryptobox: decryption failed")

// KeySize is the required length of the key passed to New.
const KeySize = chacha20poly1305.KeySize

// Box encrypts and decrypts values for one pool.
type Box struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// New builds a Box from a KeySize-byte key.
func New(key []byte) (*Box, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: invalid key: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce ‖ ciphertext ‖ tag.
func (b *Box) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return b.aead.Seal(out, nonce, plaintext, nil), nil
}

// Open authenticates and decrypts a nonce ‖ ciphertext ‖ tag blob
// produced by Seal (by any Box sharing the same key).
func (b *Box) Open(sealed []byte) ([]byte, error) {
	nonceSize := b.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
