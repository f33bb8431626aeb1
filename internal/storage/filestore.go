package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/org/credbroker/pkg/models"
)

// State file names under the broker directory.
const (
	secretsFile   = "registry.json"
	grantsFile    = "grants.json"
	enrollFile    = "totp.json"
	auditFile     = "audit.log"
	auditHeadFile = "audit.head"
	lockFile      = "broker.lock"
)

const lockRetryDelay = 25 * time.Millisecond

// FileStore persists broker state as files under a single directory.
// Mutations go through a temp file and an atomic rename; the audit log is
// append-only and synced per entry. Cross-process exclusion uses an
// advisory flock on a dedicated lock file.
type FileStore struct {
	dir         string
	lock        *flock.Flock
	lockTimeout time.Duration
}

// NewFileStore opens (creating if needed) the state directory.
func NewFileStore(dir string, lockTimeout time.Duration) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating state dir: %w", ErrStorage, err)
	}
	return &FileStore{
		dir:         dir,
		lock:        flock.New(filepath.Join(dir, lockFile)),
		lockTimeout: lockTimeout,
	}, nil
}

// Dir returns the state directory path.
func (s *FileStore) Dir() string {
	return s.dir
}

// Lock acquires the exclusive state lock, retrying until the configured
// timeout. Contention past the bound surfaces ErrLockTimeout.
func (s *FileStore) Lock(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	ok, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrLockTimeout, s.lockTimeout)
		}
		return nil, fmt.Errorf("%w: acquiring state lock: %w", ErrStorage, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w after %s", ErrLockTimeout, s.lockTimeout)
	}
	return func() {
		_ = s.lock.Unlock()
	}, nil
}

func (s *FileStore) LoadSecrets(ctx context.Context) (map[string]*models.Secret, error) {
	secrets := make(map[string]*models.Secret)
	if err := s.loadJSON(secretsFile, &secrets); err != nil {
		if errors.Is(err, ErrNotFound) {
			return secrets, nil
		}
		return nil, err
	}
	return secrets, nil
}

func (s *FileStore) SaveSecrets(ctx context.Context, secrets map[string]*models.Secret) error {
	return s.saveJSON(secretsFile, secrets)
}

func (s *FileStore) LoadGrants(ctx context.Context) (map[string]*models.Grant, error) {
	grants := make(map[string]*models.Grant)
	if err := s.loadJSON(grantsFile, &grants); err != nil {
		if errors.Is(err, ErrNotFound) {
			return grants, nil
		}
		return nil, err
	}
	return grants, nil
}

func (s *FileStore) SaveGrants(ctx context.Context, grants map[string]*models.Grant) error {
	return s.saveJSON(grantsFile, grants)
}

func (s *FileStore) LoadEnrollment(ctx context.Context) (*models.Enrollment, error) {
	var e models.Enrollment
	if err := s.loadJSON(enrollFile, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *FileStore) SaveEnrollment(ctx context.Context, e *models.Enrollment) error {
	return s.saveJSON(enrollFile, e)
}

// AppendAudit writes one NDJSON line and syncs before returning, so an
// acknowledged entry survives a crash.
func (s *FileStore) AppendAudit(ctx context.Context, line []byte) error {
	path := filepath.Join(s.dir, auditFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: opening audit log: %w", ErrStorage, err)
	}
	defer f.Close()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("%w: appending audit entry: %w", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing audit log: %w", ErrStorage, err)
	}
	return nil
}

func (s *FileStore) ReadAudit(ctx context.Context) ([][]byte, error) {
	path := filepath.Join(s.dir, auditFile)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: opening audit log: %w", ErrStorage, err)
	}
	defer f.Close()

	var lines [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		line := make([]byte, len(b))
		copy(line, b)
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading audit log: %w", ErrStorage, err)
	}
	return lines, nil
}

func (s *FileStore) LoadAuditHead(ctx context.Context) (*models.AuditHead, error) {
	var head models.AuditHead
	if err := s.loadJSON(auditHeadFile, &head); err != nil {
		return nil, err
	}
	return &head, nil
}

func (s *FileStore) SaveAuditHead(ctx context.Context, head *models.AuditHead) error {
	return s.saveJSON(auditHeadFile, head)
}

// Close releases the state lock if this process still holds it.
func (s *FileStore) Close() error {
	if s.lock.Locked() {
		return s.lock.Unlock()
	}
	return nil
}

func (s *FileStore) loadJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return fmt.Errorf("%w: reading %s: %w", ErrStorage, name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parsing %s: %w", ErrStorage, name, err)
	}
	return nil
}

func (s *FileStore) saveJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrStorage, name, err)
	}
	path := filepath.Join(s.dir, name)
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: writing %s: %w", ErrStorage, name, err)
	}
	return nil
}
