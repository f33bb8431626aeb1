package models

import "time"

// GrantState is a grant's lifecycle position at some instant.
type GrantState string

const (
	GrantNone    GrantState = "none"
	GrantActive  GrantState = "active"
	GrantExpired GrantState = "expired"
)

// Grant authorizes reads of one gated secret until it expires. A secret has
// at most one grant; issuing a new one replaces the old.
type Grant struct {
	SecretName string    `json:"secret_name"`
	IssuedAt   time.Time `json:"issued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// ValidAt reports whether the grant authorizes reads at the given instant.
// A grant is invalid from the exact expiry instant onward.
func (g *Grant) ValidAt(now time.Time) bool {
	return now.Before(g.ExpiresAt)
}

// StateAt returns the lifecycle state at the given instant. A nil grant is
// GrantNone.
func (g *Grant) StateAt(now time.Time) GrantState {
	switch {
	case g == nil:
		return GrantNone
	case g.ValidAt(now):
		return GrantActive
	default:
		return GrantExpired
	}
}

// GrantStatus is the caller-visible view of a secret's grant.
// RemainingSeconds is whole seconds until expiry, zero unless active.
type GrantStatus struct {
	State            GrantState `json:"state"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	RemainingSeconds int64      `json:"remaining_seconds,omitempty"`
}

// StatusAt builds the status view of a grant at the given instant.
func StatusAt(g *Grant, now time.Time) GrantStatus {
	st := GrantStatus{State: g.StateAt(now)}
	if g != nil {
		exp := g.ExpiresAt
		st.ExpiresAt = &exp
	}
	if st.State == GrantActive {
		st.RemainingSeconds = int64(g.ExpiresAt.Sub(now).Seconds())
	}
	return st
}

// Enrollment is the sealed TOTP enrollment record. The sealed plaintext is
// the base32 shared secret; the provisioning URI is never persisted.
type Enrollment struct {
	Sealed    SealedValue `json:"sealed"`
	CreatedAt time.Time   `json:"created_at"`
}
