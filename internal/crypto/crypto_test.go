package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateRootKey(t *testing.T) {
	key, err := GenerateRootKey()
	if err != nil {
		t.Fatalf("GenerateRootKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}
	// Keys should be random
	key2, _ := GenerateRootKey()
	if bytes.Equal(key, key2) {
		t.Error("two root keys should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	root, _ := GenerateRootKey()
	key, err := DeriveKey(root, "registry-seal-v1")
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(key) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(key))
	}
	// Same inputs → same key (deterministic)
	key2, _ := DeriveKey(root, "registry-seal-v1")
	if !bytes.Equal(key, key2) {
		t.Error("key derivation should be deterministic")
	}
	// Different context → different key
	key3, _ := DeriveKey(root, "audit-mac-v1")
	if bytes.Equal(key, key3) {
		t.Error("different contexts should yield different keys")
	}
}

func TestDeriveKeyRejectsShortRoot(t *testing.T) {
	_, err := DeriveKey([]byte("too short"), "ctx")
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto for short root key, got %v", err)
	}
}

func TestAESGCMRoundTrip(t *testing.T) {
	key, _ := GenerateRootKey()
	plaintext := []byte("super secret value 12345")

	ciphertext, nonce, err := EncryptAESGCM(plaintext, key)
	if err != nil {
		t.Fatalf("EncryptAESGCM failed: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Error("ciphertext should differ from plaintext")
	}

	decrypted, err := DecryptAESGCM(ciphertext, nonce, key)
	if err != nil {
		t.Fatalf("DecryptAESGCM failed: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted %q != original %q", decrypted, plaintext)
	}
}

func TestAESGCMFreshNonce(t *testing.T) {
	key, _ := GenerateRootKey()
	_, n1, _ := EncryptAESGCM([]byte("v"), key)
	_, n2, _ := EncryptAESGCM([]byte("v"), key)
	if bytes.Equal(n1, n2) {
		t.Error("two seals of the same plaintext should use different nonces")
	}
}

func TestAESGCMWrongKey(t *testing.T) {
	key, _ := GenerateRootKey()
	wrongKey, _ := GenerateRootKey()
	plaintext := []byte("secret data")

	ciphertext, nonce, _ := EncryptAESGCM(plaintext, key)
	_, err := DecryptAESGCM(ciphertext, nonce, wrongKey)
	if err == nil {
		t.Fatal("expected error decrypting with wrong key")
	}
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto, got %v", err)
	}
}

func TestAESGCMTamperedCiphertext(t *testing.T) {
	key, _ := GenerateRootKey()
	ciphertext, nonce, _ := EncryptAESGCM([]byte("secret data"), key)
	ciphertext[0] ^= 0xff

	_, err := DecryptAESGCM(ciphertext, nonce, key)
	if !errors.Is(err, ErrCrypto) {
		t.Errorf("expected ErrCrypto for tampered ciphertext, got %v", err)
	}
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	ZeroBytes(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not zeroed: %d", i, v)
		}
	}
}
