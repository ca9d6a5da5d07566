package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

// FieldEncryptor encrypts and decrypts individual credential fields before
// they reach the database. Ciphertext is AES-256-GCM with the nonce prepended,
// encoded as URL-safe base64 so it can live in a JSON-serialized row.
type FieldEncryptor struct {
	encryptionKey []byte // 32 bytes for AES-256
}

// NewFieldEncryptor creates a field encryptor with the given encryption key.
// The key must be 32 bytes for AES-256-GCM.
func NewFieldEncryptor(key []byte) (*FieldEncryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(key))
	}

	return &FieldEncryptor{
		encryptionKey: key,
	}, nil
}

// NewFieldEncryptorFromPassphrase creates a field encryptor from an operator
// supplied passphrase. The passphrase is hashed with SHA-256 to derive the key.
func NewFieldEncryptorFromPassphrase(passphrase string) (*FieldEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))
	return NewFieldEncryptor(hash[:])
}

// Encrypt encrypts plaintext bytes using AES-256-GCM.
// Returns encrypted data with nonce prepended.
func (fe *FieldEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("cannot encrypt empty data")
	}

	block, err := aes.NewCipher(fe.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return ciphertext, nil
}

// Decrypt decrypts data encrypted with Encrypt.
// Expects nonce to be prepended to ciphertext.
func (fe *FieldEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("cannot decrypt empty data")
	}

	block, err := aes.NewCipher(fe.encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

// EncryptString encrypts a credential string to base64 ciphertext.
// Empty input stays empty so optional fields round-trip unchanged.
func (fe *FieldEncryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ct, err := fe.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(ct), nil
}

// DecryptString decrypts base64 ciphertext produced by EncryptString
func (fe *FieldEncryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.URLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("invalid ciphertext encoding: %w", err)
	}
	pt, err := fe.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
