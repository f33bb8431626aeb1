package models

import "time"

// AuditAction is the closed set of recorded operations.
type AuditAction string

const (
	ActionSet    AuditAction = "set"
	ActionGet    AuditAction = "get"
	ActionGrant  AuditAction = "grant"
	ActionRevoke AuditAction = "revoke"
	ActionDelete AuditAction = "delete"
	ActionDenied AuditAction = "denied"
)

// AuditOutcome records whether the operation took effect.
type AuditOutcome string

const (
	OutcomeSuccess AuditOutcome = "success"
	OutcomeFailure AuditOutcome = "failure"
)

// AuditEntry records a single broker operation. Secret values must NEVER be
// placed in an entry; names and outcomes only. Chain binds the entry to its
// predecessor so edits, reorders, and deletions are detectable.
type AuditEntry struct {
	ID        string       `json:"id"`
	Timestamp time.Time    `json:"ts"`
	Action    AuditAction  `json:"action"`
	Secret    string       `json:"secret,omitempty"`
	Outcome   AuditOutcome `json:"outcome"`
	Reason    string       `json:"reason,omitempty"`
	Chain     string       `json:"chain"`
}

// AuditHead is the persisted chain head, kept beside the log so truncation
// of the log alone is detectable. MAC authenticates the head and count, so
// the sidecar cannot simply be rewritten to match a shortened log.
type AuditHead struct {
	Head  string `json:"head"`
	Count int    `json:"count"`
	MAC   string `json:"mac"`
}

// BrokerInfo is the aggregate state summary returned by the info operation.
type BrokerInfo struct {
	StateDir      string       `json:"state_dir"`
	Secrets       int          `json:"secrets"`
	SecretsByTier map[Tier]int `json:"secrets_by_tier"`
	TOTPEnrolled  bool         `json:"totp_enrolled"`
	ActiveGrants  int          `json:"active_grants"`
	ExpiredGrants int          `json:"expired_grants"`
	AuditEntries  int          `json:"audit_entries"`
}
