package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/org/credbroker/pkg/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir(), 200*time.Millisecond)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSecretsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// A fresh store has no secrets but also no error
	secrets, err := s.LoadSecrets(ctx)
	if err != nil {
		t.Fatalf("LoadSecrets on empty store failed: %v", err)
	}
	if len(secrets) != 0 {
		t.Errorf("expected empty map, got %d entries", len(secrets))
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	secrets["db-pass"] = &models.Secret{
		Name: "db-pass",
		Tier: models.TierRestricted,
		Sealed: models.SealedValue{
			Alg:        "aes256-gcm",
			Nonce:      []byte{1, 2, 3},
			Ciphertext: []byte{4, 5, 6},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveSecrets(ctx, secrets); err != nil {
		t.Fatalf("SaveSecrets failed: %v", err)
	}

	loaded, err := s.LoadSecrets(ctx)
	if err != nil {
		t.Fatalf("LoadSecrets failed: %v", err)
	}
	got, ok := loaded["db-pass"]
	if !ok {
		t.Fatal("saved secret missing after reload")
	}
	if got.Tier != models.TierRestricted {
		t.Errorf("tier = %s, want restricted", got.Tier)
	}
	if !bytes.Equal(got.Sealed.Ciphertext, []byte{4, 5, 6}) {
		t.Error("sealed ciphertext did not round-trip")
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at = %v, want %v", got.CreatedAt, now)
	}
}

func TestStateFileMode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveSecrets(ctx, map[string]*models.Secret{}); err != nil {
		t.Fatalf("SaveSecrets failed: %v", err)
	}
	info, err := os.Stat(filepath.Join(s.Dir(), "registry.json"))
	if err != nil {
		t.Fatal(err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Errorf("state file mode = %o, want 0600", mode)
	}
}

func TestGrantsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	grants := map[string]*models.Grant{
		"db-pass": {SecretName: "db-pass", IssuedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	if err := s.SaveGrants(ctx, grants); err != nil {
		t.Fatalf("SaveGrants failed: %v", err)
	}
	loaded, err := s.LoadGrants(ctx)
	if err != nil {
		t.Fatalf("LoadGrants failed: %v", err)
	}
	g := loaded["db-pass"]
	if g == nil {
		t.Fatal("saved grant missing after reload")
	}
	if !g.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Errorf("expires_at = %v, want %v", g.ExpiresAt, now.Add(time.Hour))
	}
}

func TestEnrollmentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.LoadEnrollment(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound before setup, got %v", err)
	}
}

func TestAuditAppendAndRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lines, err := s.ReadAudit(ctx)
	if err != nil {
		t.Fatalf("ReadAudit on empty store failed: %v", err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines, got %d", len(lines))
	}

	entries := [][]byte{
		[]byte(`{"action":"set"}`),
		[]byte(`{"action":"get"}`),
		[]byte(`{"action":"denied"}`),
	}
	for _, e := range entries {
		if err := s.AppendAudit(ctx, e); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	lines, err = s.ReadAudit(ctx)
	if err != nil {
		t.Fatalf("ReadAudit failed: %v", err)
	}
	if len(lines) != len(entries) {
		t.Fatalf("read %d lines, want %d", len(lines), len(entries))
	}
	for i := range entries {
		if !bytes.Equal(lines[i], entries[i]) {
			t.Errorf("line %d = %s, want %s", i, lines[i], entries[i])
		}
	}
}

func TestAuditHeadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LoadAuditHead(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing head, got %v", err)
	}
	if err := s.SaveAuditHead(ctx, &models.AuditHead{Head: "abc", Count: 3}); err != nil {
		t.Fatalf("SaveAuditHead failed: %v", err)
	}
	head, err := s.LoadAuditHead(ctx)
	if err != nil {
		t.Fatalf("LoadAuditHead failed: %v", err)
	}
	if head.Head != "abc" || head.Count != 3 {
		t.Errorf("head = %+v, want {abc 3}", head)
	}
}

func TestLockExcludesSecondHolder(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := NewFileStore(dir, 200*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	ctx := context.Background()
	release, err := a.Lock(ctx)
	if err != nil {
		t.Fatalf("first Lock failed: %v", err)
	}

	start := time.Now()
	_, err = b.Lock(ctx)
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout while lock held, got %v", err)
	}
	if waited := time.Since(start); waited < 150*time.Millisecond {
		t.Errorf("second Lock returned after %v, expected a bounded wait near 200ms", waited)
	}

	release()

	// After release the lock is free again
	release2, err := b.Lock(ctx)
	if err != nil {
		t.Fatalf("Lock after release failed: %v", err)
	}
	release2()
}

func TestLockReentryAfterRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		release, err := s.Lock(ctx)
		if err != nil {
			t.Fatalf("Lock iteration %d failed: %v", i, err)
		}
		release()
	}
}
