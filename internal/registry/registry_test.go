package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/org/credbroker/internal/core"
	"github.com/org/credbroker/internal/crypto"
	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir, time.Second)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	keys := core.NewKeyring(core.NewFileKeyProvider(filepath.Join(dir, "master.key")))
	t.Cleanup(keys.Zero)
	return New(store, keys)
}

func TestSetAndReveal(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := r.Set(ctx, "db-pass", "s3cr3t", models.TierRestricted, "prod database", now)
	if err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if string(s.Sealed.Ciphertext) == "s3cr3t" {
		t.Error("value stored unsealed")
	}
	if s.Sealed.Alg != "aes256-gcm" {
		t.Errorf("alg = %s, want aes256-gcm", s.Sealed.Alg)
	}

	got, err := r.Get(ctx, "db-pass")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	value, err := r.Reveal(ctx, got)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if value != "s3cr3t" {
		t.Errorf("revealed %q, want s3cr3t", value)
	}
}

func TestSetOverwritePreservesCreatedAt(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	if _, err := r.Set(ctx, "api-key", "v1", models.TierOpen, "", t0); err != nil {
		t.Fatalf("first Set failed: %v", err)
	}
	s, err := r.Set(ctx, "api-key", "v2", models.TierControlled, "rotated", t1)
	if err != nil {
		t.Fatalf("second Set failed: %v", err)
	}
	if !s.CreatedAt.Equal(t0) {
		t.Errorf("created_at = %v, want original %v", s.CreatedAt, t0)
	}
	if !s.UpdatedAt.Equal(t1) {
		t.Errorf("updated_at = %v, want %v", s.UpdatedAt, t1)
	}
	if s.Tier != models.TierControlled {
		t.Errorf("tier = %s, want controlled after overwrite", s.Tier)
	}

	got, _ := r.Get(ctx, "api-key")
	value, err := r.Reveal(ctx, got)
	if err != nil {
		t.Fatalf("Reveal failed: %v", err)
	}
	if value != "v2" {
		t.Errorf("revealed %q, want the last-set value v2", value)
	}
}

func TestGetMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrderedByName(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, name := range []string{"zeta", "alpha", "mid/path"} {
		if _, err := r.Set(ctx, name, "v", models.TierOpen, "", now); err != nil {
			t.Fatalf("Set %s failed: %v", name, err)
		}
	}
	list, err := r.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	want := []string{"alpha", "mid/path", "zeta"}
	if len(list) != len(want) {
		t.Fatalf("got %d secrets, want %d", len(list), len(want))
	}
	for i, name := range want {
		if list[i].Name != name {
			t.Errorf("list[%d] = %s, want %s", i, list[i].Name, name)
		}
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Set(ctx, "tmp", "v", models.TierOpen, "", time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "tmp"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := r.Get(ctx, "tmp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := r.Delete(ctx, "tmp"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound deleting twice, got %v", err)
	}
}

func TestRevealWithWrongKey(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.NewFileStore(dir, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	now := time.Now().UTC()

	keysA := core.NewKeyring(core.NewFileKeyProvider(filepath.Join(dir, "a.key")))
	if _, err := New(store, keysA).Set(ctx, "s", "value", models.TierOpen, "", now); err != nil {
		t.Fatal(err)
	}

	keysB := core.NewKeyring(core.NewFileKeyProvider(filepath.Join(dir, "b.key")))
	rB := New(store, keysB)
	s, err := rB.Get(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rB.Reveal(ctx, s); !errors.Is(err, crypto.ErrCrypto) {
		t.Errorf("expected ErrCrypto with wrong key material, got %v", err)
	}
}
