package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/org/credbroker/internal/storage"
	"github.com/org/credbroker/pkg/models"
)

// ErrTampered is returned by Verify when the log fails its chain check:
// an entry was edited, reordered, removed, or the log was truncated.
var ErrTampered = errors.New("audit log tampered")

const chainGenesis = "genesis"

// Log writes append-only, tamper-evident audit entries. Each entry carries
// an HMAC-SHA256 chain value binding it to its predecessor, so the log can
// be re-verified end to end with the MAC key.
type Log struct {
	store storage.Backend
	mac   []byte
	now   func() time.Time
}

// NewLog creates a Log. The MAC key is the audit purpose key; now is
// injectable for tests and defaults to time.Now.
func NewLog(store storage.Backend, macKey []byte, now func() time.Time) *Log {
	if now == nil {
		now = time.Now
	}
	key := make([]byte, len(macKey))
	copy(key, macKey)
	return &Log{store: store, mac: key, now: now}
}

// Append records one entry, chained to its predecessor, and returns only
// after the entry is synced to disk. Secret values must NEVER be passed
// here: names, outcomes, and short reasons only.
func (l *Log) Append(ctx context.Context, action models.AuditAction, secret string, outcome models.AuditOutcome, reason string) error {
	lines, err := l.store.ReadAudit(ctx)
	if err != nil {
		return err
	}

	// The chain continues from the last entry actually on disk; the head
	// sidecar may lag one entry after a crash and is not trusted here.
	prev := chainGenesis
	if len(lines) > 0 {
		var last models.AuditEntry
		if err := json.Unmarshal(lines[len(lines)-1], &last); err != nil {
			return fmt.Errorf("%w: unparsable tail entry", ErrTampered)
		}
		prev = last.Chain
	}

	entry := &models.AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: l.now().UTC(),
		Action:    action,
		Secret:    secret,
		Outcome:   outcome,
		Reason:    reason,
	}
	entry.Chain = l.chainValue(prev, entry)

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding audit entry: %w", err)
	}
	if err := l.store.AppendAudit(ctx, line); err != nil {
		return err
	}
	n := len(lines) + 1
	return l.store.SaveAuditHead(ctx, &models.AuditHead{
		Head:  entry.Chain,
		Count: n,
		MAC:   l.headMAC(entry.Chain, n),
	})
}

// Verify walks the whole log recomputing the chain and cross-checks the
// head sidecar. It returns the number of verified entries.
func (l *Log) Verify(ctx context.Context) (int, error) {
	lines, err := l.store.ReadAudit(ctx)
	if err != nil {
		return 0, err
	}

	prev := chainGenesis
	beforeLast := chainGenesis
	for i, line := range lines {
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return 0, fmt.Errorf("%w: entry %d unparsable", ErrTampered, i+1)
		}
		if want := l.chainValue(prev, &e); !hmac.Equal([]byte(e.Chain), []byte(want)) {
			return 0, fmt.Errorf("%w: entry %d fails chain check", ErrTampered, i+1)
		}
		beforeLast = prev
		prev = e.Chain
	}

	n := len(lines)
	head, err := l.store.LoadAuditHead(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		// Only an empty log has no sidecar. A crash before the very first
		// head write leaves this state too; the next append rewrites the
		// sidecar and Verify passes again.
		if n > 0 {
			return 0, fmt.Errorf("%w: head sidecar missing", ErrTampered)
		}
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if !hmac.Equal([]byte(head.MAC), []byte(l.headMAC(head.Head, head.Count))) {
		return 0, fmt.Errorf("%w: head sidecar fails its MAC", ErrTampered)
	}

	switch {
	case head.Count == n && head.Head == prev:
		return n, nil
	case head.Count == n-1 && head.Head == beforeLast:
		// A crash between the last append and its head write leaves the
		// sidecar one entry behind. The chain itself already verified.
		return n, nil
	}
	return 0, fmt.Errorf("%w: head records %d entries, log has %d", ErrTampered, head.Count, n)
}

// Entries returns every audit entry in write order.
func (l *Log) Entries(ctx context.Context) ([]*models.AuditEntry, error) {
	lines, err := l.store.ReadAudit(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]*models.AuditEntry, 0, len(lines))
	for i, line := range lines {
		var e models.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing audit entry %d: %w", i+1, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// Count returns the number of entries on disk.
func (l *Log) Count(ctx context.Context) (int, error) {
	lines, err := l.store.ReadAudit(ctx)
	if err != nil {
		return 0, err
	}
	return len(lines), nil
}

// chainValue computes the HMAC chain field over the predecessor's chain and
// the entry's canonical form. The canonical form is order-fixed and
// delimiter-separated so re-verification is byte-exact.
func (l *Log) chainValue(prev string, e *models.AuditEntry) string {
	mac := hmac.New(sha256.New, l.mac)
	fmt.Fprintf(mac, "%s|%s|%d|%s|%s|%s|%s",
		prev, e.ID, e.Timestamp.UnixNano(), e.Action, e.Secret, e.Outcome, e.Reason)
	return hex.EncodeToString(mac.Sum(nil))
}

// headMAC authenticates the sidecar's head and count. The "head|" prefix
// keeps sidecar MACs in a separate domain from entry chain values.
func (l *Log) headMAC(head string, count int) string {
	mac := hmac.New(sha256.New, l.mac)
	fmt.Fprintf(mac, "head|%s|%d", head, count)
	return hex.EncodeToString(mac.Sum(nil))
}
