package core

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/org/credbroker/internal/crypto"
)

// Purpose-key derivation contexts. Changing one severs access to everything
// sealed under it.
const (
	ContextRegistry = "registry-seal-v1"
	ContextEnroll   = "totp-seal-v1"
	ContextAuditMAC = "audit-mac-v1"
)

// KeyProvider supplies the broker's root key material.
type KeyProvider interface {
	RootKey() ([]byte, error)
}

// FileKeyProvider reads 32 bytes of root key material from a file, creating
// it with mode 0600 on first use.
type FileKeyProvider struct {
	path string
}

// NewFileKeyProvider creates a FileKeyProvider for the given path.
func NewFileKeyProvider(path string) *FileKeyProvider {
	return &FileKeyProvider{path: path}
}

// RootKey returns the key material, generating and persisting it if the
// file does not exist yet. Creation is check-then-act; callers serialize
// through the broker's state lock so two first runs cannot provision
// divergent roots.
func (p *FileKeyProvider) RootKey() ([]byte, error) {
	key, err := os.ReadFile(p.path)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("key file %s: expected 32 bytes, got %d", p.path, len(key))
		}
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err = crypto.GenerateRootKey()
	if err != nil {
		return nil, err
	}
	if err := atomic.WriteFile(p.path, bytes.NewReader(key)); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Chmod(p.path, 0o600); err != nil {
		return nil, fmt.Errorf("restricting key file mode: %w", err)
	}
	return key, nil
}

// Keyring derives purpose keys from the root key and caches them for the
// life of the process. Key material never leaves memory unsealed elsewhere.
type Keyring struct {
	mu       sync.Mutex
	provider KeyProvider
	keys     map[string][]byte
}

// NewKeyring creates a Keyring over the given provider.
func NewKeyring(provider KeyProvider) *Keyring {
	return &Keyring{
		provider: provider,
		keys:     make(map[string][]byte),
	}
}

// Key returns a copy of the purpose key for the given derivation context.
// Callers zero their copy when done.
func (k *Keyring) Key(context string) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	key, ok := k.keys[context]
	if !ok {
		root, err := k.provider.RootKey()
		if err != nil {
			return nil, err
		}
		defer crypto.ZeroBytes(root)

		key, err = crypto.DeriveKey(root, context)
		if err != nil {
			return nil, err
		}
		k.keys[context] = key
	}

	out := make([]byte, len(key))
	copy(out, key)
	return out, nil
}

// Zero wipes all cached key material. Keys are re-derived on next use.
func (k *Keyring) Zero() {
	k.mu.Lock()
	defer k.mu.Unlock()
	for ctx, key := range k.keys {
		crypto.ZeroBytes(key)
		delete(k.keys, ctx)
	}
}
