package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrCrypto marks seal and unseal failures: wrong key, corrupt ciphertext,
// malformed key material. The store itself is never modified on failure.
var ErrCrypto = errors.New("crypto failure")

// SealAlg tags sealed values with the cipher that produced them.
const SealAlg = "aes256-gcm"

const keySize = 32

// GenerateRootKey generates a 32-byte cryptographically secure random root key.
func GenerateRootKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating root key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a 32-byte purpose key from the root key using
// HKDF-SHA256. The same root key and context always yield the same key;
// distinct contexts yield unrelated keys.
func DeriveKey(rootKey []byte, context string) ([]byte, error) {
	if len(rootKey) != keySize {
		return nil, fmt.Errorf("%w: root key must be %d bytes, got %d", ErrCrypto, keySize, len(rootKey))
	}
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, rootKey, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM under a fresh random
// nonce. Returns ciphertext (tag included) and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating AES cipher: %w", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: creating GCM: %w", ErrCrypto, err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext. Authentication failure
// (tampered ciphertext or wrong key) is reported as ErrCrypto.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating AES cipher: %w", ErrCrypto, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %w", ErrCrypto, err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting: %w", ErrCrypto, err)
	}
	return plaintext, nil
}

// ZeroBytes overwrites key material in place. Callers zero every key copy
// once they are done with it.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
