package grant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/credbroker/internal/core"
	"github.com/org/credbroker/internal/crypto"
	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

// ErrInvalidCode is returned when a presented TOTP code does not verify.
var ErrInvalidCode = errors.New("invalid code")

// ErrNotEnrolled is returned when a grant is requested before TOTP setup.
var ErrNotEnrolled = errors.New("totp not enrolled")

// Manager owns the TOTP enrollment and the grant lifecycle. Grants expire
// lazily: nothing sweeps them, validity is computed at read time.
type Manager struct {
	store   storage.Backend
	keys    *core.Keyring
	issuer  string
	account string
}

// NewManager creates a Manager. Issuer and account label the provisioning
// URI shown at enrollment.
func NewManager(store storage.Backend, keys *core.Keyring, issuer, account string) *Manager {
	return &Manager{store: store, keys: keys, issuer: issuer, account: account}
}

// Setup generates a fresh enrollment, sealing it at rest and replacing any
// existing one. All previously provisioned authenticators stop working.
// The returned secret and URI are for one-time display; neither is kept in
// plaintext anywhere.
func (m *Manager) Setup(ctx context.Context, now time.Time) (secret, uri string, err error) {
	secret, uri, err = crypto.GenerateTOTP(m.issuer, m.account)
	if err != nil {
		return "", "", err
	}

	key, err := m.keys.Key(core.ContextEnroll)
	if err != nil {
		return "", "", err
	}
	defer crypto.ZeroBytes(key)

	ciphertext, nonce, err := crypto.EncryptAESGCM([]byte(secret), key)
	if err != nil {
		return "", "", fmt.Errorf("sealing enrollment: %w", err)
	}

	e := &models.Enrollment{
		Sealed: models.SealedValue{
			Alg:        crypto.SealAlg,
			Nonce:      nonce,
			Ciphertext: ciphertext,
		},
		CreatedAt: now,
	}
	if err := m.store.SaveEnrollment(ctx, e); err != nil {
		return "", "", err
	}
	return secret, uri, nil
}

// Enrolled reports whether TOTP setup has completed.
func (m *Manager) Enrolled(ctx context.Context) (bool, error) {
	_, err := m.store.LoadEnrollment(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// VerifyCode checks a TOTP code against the stored enrollment at the given
// instant, tolerating one step of clock drift either side.
func (m *Manager) VerifyCode(ctx context.Context, code string, now time.Time) error {
	e, err := m.store.LoadEnrollment(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return err
	}

	key, err := m.keys.Key(core.ContextEnroll)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(key)

	secret, err := crypto.DecryptAESGCM(e.Sealed.Ciphertext, e.Sealed.Nonce, key)
	if err != nil {
		return fmt.Errorf("unsealing enrollment: %w", err)
	}
	defer crypto.ZeroBytes(secret)

	ok, err := crypto.VerifyTOTP(code, string(secret), now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCode
	}
	return nil
}

// Issue creates a grant for the named secret, replacing any existing one.
// TTLs never stack: the new expiry is now+ttl regardless of prior state.
func (m *Manager) Issue(ctx context.Context, name string, ttl time.Duration, now time.Time) (*models.Grant, error) {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return nil, err
	}
	g := &models.Grant{
		SecretName: name,
		IssuedAt:   now,
		ExpiresAt:  now.Add(ttl),
	}
	grants[name] = g
	if err := m.store.SaveGrants(ctx, grants); err != nil {
		return nil, err
	}
	return g, nil
}

// Active returns the grant for the named secret when one authorizes reads
// at the given instant. The grant record is returned alongside ok=false
// when it exists but has expired, so callers can distinguish expired from
// never-granted.
func (m *Manager) Active(ctx context.Context, name string, now time.Time) (*models.Grant, bool, error) {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return nil, false, err
	}
	g, ok := grants[name]
	if !ok {
		return nil, false, nil
	}
	return g, g.ValidAt(now), nil
}

// Status returns the caller-visible grant state for the named secret.
func (m *Manager) Status(ctx context.Context, name string, now time.Time) (models.GrantStatus, error) {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return models.GrantStatus{}, err
	}
	return models.StatusAt(grants[name], now), nil
}

// Statuses returns the status view of every grant record at the given
// instant, keyed by secret name.
func (m *Manager) Statuses(ctx context.Context, now time.Time) (map[string]models.GrantStatus, error) {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]models.GrantStatus, len(grants))
	for name, g := range grants {
		out[name] = models.StatusAt(g, now)
	}
	return out, nil
}

// Revoke deletes any grant for the named secret. Revoking when no grant
// exists is not an error.
func (m *Manager) Revoke(ctx context.Context, name string) error {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return err
	}
	if _, ok := grants[name]; !ok {
		return nil
	}
	delete(grants, name)
	return m.store.SaveGrants(ctx, grants)
}

// Counts tallies active and expired grants at the given instant.
func (m *Manager) Counts(ctx context.Context, now time.Time) (active, expired int, err error) {
	grants, err := m.store.LoadGrants(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, g := range grants {
		if g.ValidAt(now) {
			active++
		} else {
			expired++
		}
	}
	return active, expired, nil
}
