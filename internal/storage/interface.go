package storage

import (
	"context"
	"errors"

	"github.com/org/credbroker/pkg/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockTimeout is returned when the bounded wait for the state lock is
// exhausted. The caller sees a timeout, never an indefinite hang.
var ErrLockTimeout = errors.New("lock wait timed out")

// ErrStorage marks I/O failures on persisted state.
var ErrStorage = errors.New("storage failure")

// Backend is the persistence surface for broker state. Implementations
// guarantee that state writes are atomic (readers see the old or the new
// file, never a partial one) and that audit appends are flushed before
// returning.
type Backend interface {
	// Lock acquires the exclusive cross-process state lock, waiting at
	// most the configured bound. The release func must be called on every
	// path once acquired.
	Lock(ctx context.Context) (release func(), err error)

	// Secrets
	LoadSecrets(ctx context.Context) (map[string]*models.Secret, error)
	SaveSecrets(ctx context.Context, secrets map[string]*models.Secret) error

	// Grants
	LoadGrants(ctx context.Context) (map[string]*models.Grant, error)
	SaveGrants(ctx context.Context, grants map[string]*models.Grant) error

	// TOTP enrollment (singleton; Load returns ErrNotFound before setup)
	LoadEnrollment(ctx context.Context) (*models.Enrollment, error)
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error

	// Audit log. Append adds one NDJSON line and syncs it to disk;
	// ReadAudit returns all lines in write order.
	AppendAudit(ctx context.Context, line []byte) error
	ReadAudit(ctx context.Context) ([][]byte, error)
	LoadAuditHead(ctx context.Context) (*models.AuditHead, error)
	SaveAuditHead(ctx context.Context, head *models.AuditHead) error

	// Lifecycle
	Close() error
}
