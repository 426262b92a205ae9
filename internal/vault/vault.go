// SPDX-License-Identifier: MIT

// Package vault encrypts upstream API keys at rest with AES-256-GCM.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// blobVersion prefixes every ciphertext blob so the format can evolve.
	blobVersion = 0x01

	keyLen   = 32 // AES-256
	nonceLen = 12 // GCM standard nonce
)

var (
	// ErrSecretKey indicates the process secret key is missing or malformed.
	ErrSecretKey = errors.New("vault: secret key missing or invalid")

	// ErrDecryption indicates a ciphertext failed authentication, most likely
	// because it was produced under a different key.
	ErrDecryption = errors.New("vault: decryption failed")
)

// Vault performs AES-256-GCM encryption with a process-wide immutable key.
type Vault struct {
	aead cipher.AEAD
}

// New derives a Vault from a 64-hex-character secret key string.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil || len(key) != keyLen {
		return nil, ErrSecretKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSecretKey, err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext into a versioned blob: version ‖ nonce ‖ ciphertext‖tag.
// A fresh random nonce is drawn per call.
func (v *Vault) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	blob := make([]byte, 0, 1+nonceLen+len(plaintext)+v.aead.Overhead())
	blob = append(blob, blobVersion)
	blob = append(blob, nonce...)
	blob = v.aead.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. A tag mismatch (wrong key or
// corrupted blob) is reported as ErrDecryption.
func (v *Vault) Decrypt(blob []byte) ([]byte, error) {
	if len(blob) < 1+nonceLen+v.aead.Overhead() {
		return nil, fmt.Errorf("%w: blob too short", ErrDecryption)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrDecryption, blob[0])
	}
	nonce := blob[1 : 1+nonceLen]
	plaintext, err := v.aead.Open(nil, nonce, blob[1+nonceLen:], nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// EncryptString is Encrypt for string credentials.
func (v *Vault) EncryptString(plaintext string) ([]byte, error) {
	return v.Encrypt([]byte(plaintext))
}

// DecryptString is Decrypt for string credentials.
func (v *Vault) DecryptString(blob []byte) (string, error) {
	b, err := v.Decrypt(blob)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
