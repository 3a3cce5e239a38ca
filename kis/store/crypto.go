package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveEncryptionKey derives a 32-byte AES-256 key from a secret using HKDF-SHA256.
func DeriveEncryptionKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("kis-ticker-settings-encryption-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// encrypt returns hex(nonce || ciphertext || tag).
func encrypt(key []byte, plaintext string) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

var errCiphertext = errors.New("ciphertext rejected")

// decrypt reverses encrypt. Values that are not hex are returned unchanged,
// which covers settings written before encryption was enabled.
func decrypt(key []byte, value string) (string, error) {
	data, err := hex.DecodeString(value)
	if err != nil {
		return value, nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return value, nil
	}
	n := gcm.NonceSize()
	plain, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", errCiphertext
	}
	return string(plain), nil
}
