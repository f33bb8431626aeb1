package models

import (
	"errors"
	"fmt"
	"time"
)

// Tier classifies how a secret's value may be read.
type Tier string

const (
	// TierOpen secrets are readable without a grant.
	TierOpen Tier = "open"
	// TierControlled and TierRestricted secrets require an active grant.
	TierControlled Tier = "controlled"
	TierRestricted Tier = "restricted"
)

// ErrInvalidTier is returned for tier strings outside the known set, and
// when a grant is requested for a tier that never needs one.
var ErrInvalidTier = errors.New("invalid tier")

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(s); t {
	case TierOpen, TierControlled, TierRestricted:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// RequiresGrant reports whether reads at this tier need an active grant.
func (t Tier) RequiresGrant() bool {
	return t == TierControlled || t == TierRestricted
}

// SealedValue is an encrypted secret value at rest.
type SealedValue struct {
	Alg        string `json:"alg"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Secret is one named credential. The value is stored sealed regardless of
// tier and never appears in listings or logs.
type Secret struct {
	Name        string      `json:"name"`
	Tier        Tier        `json:"tier"`
	Description string      `json:"description,omitempty"`
	Sealed      SealedValue `json:"sealed"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SecretInfo is the metadata view of a secret returned by listings.
type SecretInfo struct {
	Name        string      `json:"name"`
	Tier        Tier        `json:"tier"`
	Description string      `json:"description,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Grant       GrantStatus `json:"grant"`
}
