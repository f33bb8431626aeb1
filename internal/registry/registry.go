package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/org/credbroker/internal/core"
	"github.com/org/credbroker/internal/crypto"
	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

// Registry is the durable name → secret mapping. Values are sealed under
// the registry purpose key before they touch disk, for every tier.
type Registry struct {
	store storage.Backend
	keys  *core.Keyring
}

// New creates a Registry.
func New(store storage.Backend, keys *core.Keyring) *Registry {
	return &Registry{store: store, keys: keys}
}

// Set seals the value and upserts the named secret. Overwriting re-seals
// under a fresh nonce and preserves the original creation time. Inputs are
// validated by the caller.
func (r *Registry) Set(ctx context.Context, name, value string, tier models.Tier, description string, now time.Time) (*models.Secret, error) {
	secrets, err := r.store.LoadSecrets(ctx)
	if err != nil {
		return nil, err
	}

	key, err := r.keys.Key(core.ContextRegistry)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(key)

	ciphertext, nonce, err := crypto.EncryptAESGCM([]byte(value), key)
	if err != nil {
		return nil, fmt.Errorf("sealing %s: %w", name, err)
	}

	s := &models.Secret{
		Name:        name,
		Tier:        tier,
		Description: description,
		Sealed: models.SealedValue{
			Alg:        crypto.SealAlg,
			Nonce:      nonce,
			Ciphertext: ciphertext,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, ok := secrets[name]; ok {
		s.CreatedAt = existing.CreatedAt
	}
	secrets[name] = s

	if err := r.store.SaveSecrets(ctx, secrets); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the secret record without unsealing it.
func (r *Registry) Get(ctx context.Context, name string) (*models.Secret, error) {
	secrets, err := r.store.LoadSecrets(ctx)
	if err != nil {
		return nil, err
	}
	s, ok := secrets[name]
	if !ok {
		return nil, fmt.Errorf("%w: secret %s", storage.ErrNotFound, name)
	}
	return s, nil
}

// Reveal unseals a secret record and returns the plaintext value.
func (r *Registry) Reveal(ctx context.Context, s *models.Secret) (string, error) {
	key, err := r.keys.Key(core.ContextRegistry)
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(key)

	plaintext, err := crypto.DecryptAESGCM(s.Sealed.Ciphertext, s.Sealed.Nonce, key)
	if err != nil {
		return "", fmt.Errorf("unsealing %s: %w", s.Name, err)
	}
	value := string(plaintext)
	crypto.ZeroBytes(plaintext)
	return value, nil
}

// List returns all secret records ordered by name. Sealed values ride along
// but are never unsealed here.
func (r *Registry) List(ctx context.Context) ([]*models.Secret, error) {
	secrets, err := r.store.LoadSecrets(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Secret, 0, len(secrets))
	for _, s := range secrets {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Delete removes the named secret. Deleting an absent name is ErrNotFound.
func (r *Registry) Delete(ctx context.Context, name string) error {
	secrets, err := r.store.LoadSecrets(ctx)
	if err != nil {
		return err
	}
	if _, ok := secrets[name]; !ok {
		return fmt.Errorf("%w: secret %s", storage.ErrNotFound, name)
	}
	delete(secrets, name)
	return r.store.SaveSecrets(ctx, secrets)
}
