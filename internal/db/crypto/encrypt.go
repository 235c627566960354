// Package crypto provides encryption of job configurations at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Encryptor provides AES-256-GCM encryption with a caller-visible nonce.
// The nonce is returned separately so it can be stored next to the
// ciphertext as the job's initialization vector.
type Encryptor struct {
	gcm    cipher.AEAD
	random io.Reader
}

// NewEncryptor creates an Encryptor from a hex-encoded 32-byte key.
func NewEncryptor(hexKey string) (*Encryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Encryptor{gcm: gcm, random: rand.Reader}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext []byte) (ciphertext, iv []byte, err error) {
	iv = make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(e.random, iv); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return e.gcm.Seal(nil, iv, plaintext, nil), iv, nil
}

// Decrypt opens ciphertext sealed with iv.
func (e *Encryptor) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != e.gcm.NonceSize() {
		return nil, fmt.Errorf("initial vector must be %d bytes, got %d", e.gcm.NonceSize(), len(iv))
	}
	plaintext, err := e.gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
