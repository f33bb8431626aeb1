// Package broker exposes the credential broker's operations. Every
// operation takes the cross-process state lock for its full duration,
// applies tier gating, and appends audit entries for the actions it
// records.
package broker

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/org/credbroker/internal/audit"
	"github.com/org/credbroker/internal/core"
	"github.com/org/credbroker/internal/crypto"
	"github.com/org/credbroker/internal/grant"
	"github.com/org/credbroker/internal/metrics"
	"github.com/org/credbroker/internal/registry"
	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

// ErrValidation is returned for malformed requests: bad secret names,
// oversized values, non-positive grant TTLs. Validation failures are
// rejected before any state is read or written.
var ErrValidation = errors.New("validation failed")

var nameRE = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,256}$`)

// maxValueBytes caps stored secret values at 1 MiB.
const maxValueBytes = 1 << 20

// Config carries the broker's fixed settings.
type Config struct {
	StateDir    string
	TOTPIssuer  string
	TOTPAccount string
}

// Broker is the single entry point for operating on the store.
type Broker struct {
	store    storage.Backend
	keys     *core.Keyring
	registry *registry.Registry
	grants   *grant.Manager
	audit    *audit.Log
	exporter *metrics.Exporter
	cfg      Config
	log      zerolog.Logger

	now func() time.Time
}

// New assembles a Broker over the given backend and keyring. exporter may
// be nil, which disables metrics export. Construction takes the state
// lock once: the first process ever run provisions the root key file, and
// that must not race a concurrent first run.
func New(ctx context.Context, store storage.Backend, keys *core.Keyring, exporter *metrics.Exporter, cfg Config, log zerolog.Logger) (*Broker, error) {
	release, err := store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	macKey, err := keys.Key(core.ContextAuditMAC)
	if err != nil {
		return nil, fmt.Errorf("deriving audit key: %w", err)
	}
	b := &Broker{
		store:    store,
		keys:     keys,
		registry: registry.New(store, keys),
		grants:   grant.NewManager(store, keys, cfg.TOTPIssuer, cfg.TOTPAccount),
		exporter: exporter,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	b.audit = audit.NewLog(store, macKey, func() time.Time { return b.now() })
	crypto.ZeroBytes(macKey)
	return b, nil
}

// Close wipes cached key material. The broker must not be used afterwards.
func (b *Broker) Close() error {
	b.keys.Zero()
	return b.store.Close()
}

// SetSecret creates or overwrites a named secret. Overwriting may change
// the tier; re-tiering to open drops any grant, since open secrets are
// never gated. Creating a name anew also drops any grant record still on
// file for it, so a fresh secret always starts ungranted.
func (b *Broker) SetSecret(ctx context.Context, name, value string, tier models.Tier, description string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("%w: value must not be empty", ErrValidation)
	}
	if len(value) > maxValueBytes {
		return fmt.Errorf("%w: value exceeds %d bytes", ErrValidation, maxValueBytes)
	}
	if _, err := models.ParseTier(string(tier)); err != nil {
		return err
	}

	release, err := b.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := b.now().UTC()
	_, err = b.registry.Get(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	created := errors.Is(err, storage.ErrNotFound)

	// Drop the grant before touching the record: a freshly created name
	// must not inherit a grant left behind by an interrupted delete, and
	// open secrets are never gated. Revoking first means a crash mid-way
	// cannot leave the new incarnation pre-authorized.
	if created || !tier.RequiresGrant() {
		if err := b.grants.Revoke(ctx, name); err != nil {
			return err
		}
	}
	if _, err := b.registry.Set(ctx, name, value, tier, description, now); err != nil {
		return err
	}
	if err := b.audit.Append(ctx, models.ActionSet, name, models.OutcomeSuccess, ""); err != nil {
		return err
	}
	b.export(ctx, now)
	b.log.Debug().Str("secret", name).Str("tier", string(tier)).Msg("secret stored")
	return nil
}

// GetSecret returns the plaintext value of a secret. ok is false both when
// the secret does not exist and when a gated secret has no valid grant;
// callers cannot distinguish the two. The audit log records which it was.
func (b *Broker) GetSecret(ctx context.Context, name string) (value string, ok bool, err error) {
	if err := validateName(name); err != nil {
		return "", false, err
	}

	release, err := b.store.Lock(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()

	now := b.now().UTC()
	s, err := b.registry.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		if aerr := b.audit.Append(ctx, models.ActionDenied, name, models.OutcomeFailure, "unknown secret"); aerr != nil {
			return "", false, aerr
		}
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	if s.Tier.RequiresGrant() {
		g, valid, err := b.grants.Active(ctx, name, now)
		if err != nil {
			return "", false, err
		}
		if !valid {
			reason := "no grant"
			if g != nil {
				reason = "grant expired"
			}
			if aerr := b.audit.Append(ctx, models.ActionDenied, name, models.OutcomeFailure, reason); aerr != nil {
				return "", false, aerr
			}
			return "", false, nil
		}
	}

	value, err = b.registry.Reveal(ctx, s)
	if err != nil {
		if aerr := b.audit.Append(ctx, models.ActionGet, name, models.OutcomeFailure, "unseal failed"); aerr != nil {
			return "", false, errors.Join(err, aerr)
		}
		return "", false, err
	}
	if err := b.audit.Append(ctx, models.ActionGet, name, models.OutcomeSuccess, ""); err != nil {
		return "", false, err
	}
	return value, true, nil
}

// ListSecrets returns metadata for every stored secret, sorted by name.
// Values are never included.
func (b *Broker) ListSecrets(ctx context.Context) ([]models.SecretInfo, error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := b.now().UTC()
	secrets, err := b.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	statuses, err := b.grants.Statuses(ctx, now)
	if err != nil {
		return nil, err
	}

	infos := make([]models.SecretInfo, 0, len(secrets))
	for _, s := range secrets {
		st, ok := statuses[s.Name]
		if !ok {
			st = models.GrantStatus{State: models.GrantNone}
		}
		infos = append(infos, models.SecretInfo{
			Name:        s.Name,
			Tier:        s.Tier,
			Description: s.Description,
			UpdatedAt:   s.UpdatedAt,
			Grant:       st,
		})
	}
	return infos, nil
}

// ExportSecrets reveals every secret readable right now: all open secrets
// plus gated ones holding a valid grant. Gated secrets without one are left
// out. Each revealed value is audited as a get marked "export".
func (b *Broker) ExportSecrets(ctx context.Context) (map[string]string, error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := b.now().UTC()
	secrets, err := b.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(secrets))
	for _, s := range secrets {
		if s.Tier.RequiresGrant() {
			_, valid, err := b.grants.Active(ctx, s.Name, now)
			if err != nil {
				return nil, err
			}
			if !valid {
				continue
			}
		}
		value, err := b.registry.Reveal(ctx, s)
		if err != nil {
			return nil, err
		}
		if err := b.audit.Append(ctx, models.ActionGet, s.Name, models.OutcomeSuccess, "export"); err != nil {
			return nil, err
		}
		out[s.Name] = value
	}
	return out, nil
}

// DeleteSecret removes a secret and any grant attached to it. The grant
// goes first, so an interrupted delete never strands a grant without its
// secret.
func (b *Broker) DeleteSecret(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	release, err := b.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if _, err := b.registry.Get(ctx, name); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			if aerr := b.audit.Append(ctx, models.ActionDelete, name, models.OutcomeFailure, "unknown secret"); aerr != nil {
				return errors.Join(err, aerr)
			}
		}
		return err
	}
	// The grant falls before the record does. A crash in between leaves a
	// grant-less secret; the reverse order could leave a grant that a
	// later re-creation of the name would inherit.
	if err := b.grants.Revoke(ctx, name); err != nil {
		return err
	}
	if err := b.registry.Delete(ctx, name); err != nil {
		return err
	}
	if err := b.audit.Append(ctx, models.ActionDelete, name, models.OutcomeSuccess, ""); err != nil {
		return err
	}
	b.export(ctx, b.now().UTC())
	b.log.Debug().Str("secret", name).Msg("secret deleted")
	return nil
}

// GrantSecret verifies a TOTP code and issues a time-limited grant for a
// gated secret. An existing grant is replaced, never extended. ttl must be
// positive; callers resolve defaults before calling.
func (b *Broker) GrantSecret(ctx context.Context, name, code string, ttl time.Duration) (*models.Grant, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	release, err := b.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	now := b.now().UTC()
	fail := func(reason string, err error) (*models.Grant, error) {
		if aerr := b.audit.Append(ctx, models.ActionGrant, name, models.OutcomeFailure, reason); aerr != nil {
			return nil, errors.Join(err, aerr)
		}
		return nil, err
	}

	if ttl <= 0 {
		return fail("invalid ttl", fmt.Errorf("%w: ttl must be positive", ErrValidation))
	}
	s, err := b.registry.Get(ctx, name)
	if errors.Is(err, storage.ErrNotFound) {
		return fail("unknown secret", err)
	}
	if err != nil {
		return nil, err
	}
	if !s.Tier.RequiresGrant() {
		return fail("tier not gated", fmt.Errorf("%w: %s secrets need no grant", models.ErrInvalidTier, s.Tier))
	}
	if err := b.grants.VerifyCode(ctx, code, now); err != nil {
		switch {
		case errors.Is(err, grant.ErrNotEnrolled):
			return fail("totp not enrolled", err)
		case errors.Is(err, grant.ErrInvalidCode):
			return fail("invalid code", err)
		}
		return nil, err
	}

	g, err := b.grants.Issue(ctx, name, ttl, now)
	if err != nil {
		return nil, err
	}
	if err := b.audit.Append(ctx, models.ActionGrant, name, models.OutcomeSuccess, ""); err != nil {
		return nil, err
	}
	b.export(ctx, now)
	b.log.Debug().Str("secret", name).Time("expires", g.ExpiresAt).Msg("grant issued")
	return g, nil
}

// RevokeSecret drops any grant for the named secret. Revoking a secret
// with no grant succeeds and is still audited.
func (b *Broker) RevokeSecret(ctx context.Context, name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	release, err := b.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := b.grants.Revoke(ctx, name); err != nil {
		return err
	}
	if err := b.audit.Append(ctx, models.ActionRevoke, name, models.OutcomeSuccess, ""); err != nil {
		return err
	}
	b.export(ctx, b.now().UTC())
	return nil
}

// SetupTOTP enrolls a fresh TOTP secret, replacing any previous
// enrollment. It returns the base32 secret and the otpauth:// URI for
// authenticator apps. Grants issued under the old enrollment stay valid
// until they expire.
func (b *Broker) SetupTOTP(ctx context.Context) (secret, uri string, err error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return "", "", err
	}
	defer release()

	now := b.now().UTC()
	prior, err := b.grants.Enrolled(ctx)
	if err != nil {
		return "", "", err
	}
	secret, uri, err = b.grants.Setup(ctx, now)
	if err != nil {
		return "", "", err
	}
	b.export(ctx, now)
	if prior {
		b.log.Info().Msg("totp enrollment replaced")
	} else {
		b.log.Info().Msg("totp enrollment created")
	}
	return secret, uri, nil
}

// Info reports store-wide counters.
func (b *Broker) Info(ctx context.Context) (*models.BrokerInfo, error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	info, err := b.snapshot(ctx, b.now().UTC())
	if err != nil {
		return nil, err
	}
	b.exportInfo(*info)
	return info, nil
}

// VerifyAudit walks the audit chain and returns the number of verified
// entries, or audit.ErrTampered at the first break.
func (b *Broker) VerifyAudit(ctx context.Context) (int, error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	return b.audit.Verify(ctx)
}

// AuditEntries returns the decoded audit log in append order.
func (b *Broker) AuditEntries(ctx context.Context) ([]*models.AuditEntry, error) {
	release, err := b.store.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	return b.audit.Entries(ctx)
}

func (b *Broker) snapshot(ctx context.Context, now time.Time) (*models.BrokerInfo, error) {
	secrets, err := b.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	byTier := make(map[models.Tier]int)
	for _, s := range secrets {
		byTier[s.Tier]++
	}
	active, expired, err := b.grants.Counts(ctx, now)
	if err != nil {
		return nil, err
	}
	enrolled, err := b.grants.Enrolled(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := b.audit.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &models.BrokerInfo{
		StateDir:      b.cfg.StateDir,
		Secrets:       len(secrets),
		SecretsByTier: byTier,
		TOTPEnrolled:  enrolled,
		ActiveGrants:  active,
		ExpiredGrants: expired,
		AuditEntries:  entries,
	}, nil
}

// export refreshes the metrics textfile. Export failures are logged and
// never fail the operation that triggered them.
func (b *Broker) export(ctx context.Context, now time.Time) {
	if b.exporter == nil {
		return
	}
	info, err := b.snapshot(ctx, now)
	if err != nil {
		b.log.Warn().Err(err).Msg("metrics snapshot failed")
		return
	}
	b.exportInfo(*info)
}

func (b *Broker) exportInfo(info models.BrokerInfo) {
	if b.exporter == nil {
		return
	}
	if err := b.exporter.Export(info); err != nil {
		b.log.Warn().Err(err).Msg("metrics export failed")
	}
}

func validateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("%w: secret name must match %s", ErrValidation, nameRE)
	}
	return nil
}
