package domain

import (
	"strings"
	"time"
	"unicode"
)

type CodeType string

const (
	CodeQR     CodeType = "qr"
	CodeBackup CodeType = "backup"
)

func ParseCodeType(s string) (CodeType, bool) {
	switch CodeType(s) {
	case CodeQR, CodeBackup:
		return CodeType(s), true
	default:
		return "", false
	}
}

type LocalDecision string

const (
	DecisionProvisionalAccept LocalDecision = "provisional_accept"
	DecisionReject            LocalDecision = "reject"
	DecisionAccept            LocalDecision = "accept"
)

type SyncStatus string

const (
	SyncPending    SyncStatus = "pending"
	SyncSynced     SyncStatus = "synced"
	SyncConflicted SyncStatus = "conflicted"
	SyncResolved   SyncStatus = "resolved"
)

func ParseSyncStatus(s string) (SyncStatus, bool) {
	switch SyncStatus(s) {
	case SyncPending, SyncSynced, SyncConflicted, SyncResolved:
		return SyncStatus(s), true
	default:
		return "", false
	}
}

// Terminal reports whether no further reconciliation can move the status.
// Conflicted is not terminal: a manual override may still resolve it.
func (s SyncStatus) Terminal() bool {
	return s == SyncSynced || s == SyncResolved
}

// ScanAttempt is the audit record of one decision. Attempts are never
// deleted; reconciliation only advances their sync status.
type ScanAttempt struct {
	Seq       int64  `json:"seq"`
	AttemptID string `json:"attempt_id"`

	Code     string   `json:"code"`
	CodeType CodeType `json:"code_type"`
	TicketID *int64   `json:"ticket_id,omitempty"`

	DeviceID   string `json:"device_id"`
	OperatorID string `json:"operator_id"`

	LocalTimestamp time.Time     `json:"local_timestamp"`
	LocalDecision  LocalDecision `json:"local_decision"`
	SyncStatus     SyncStatus    `json:"sync_status"`
}

type Outcome string

const (
	OutcomeAccepted          Outcome = "accepted"
	OutcomeProvisionalAccept Outcome = "provisional_accept"
	OutcomeAlreadyUsed       Outcome = "already_used"
	OutcomeInvalid           Outcome = "invalid"
)

// PriorVerifier is surfaced with AlreadyUsed so door staff can judge
// fraud against legitimate re-entry.
type PriorVerifier struct {
	DeviceID   string     `json:"device_id,omitempty"`
	OperatorID string     `json:"operator_id,omitempty"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`
}

// VerificationResult is what a scanning session renders. Confirmed is false
// only for provisional accepts, which the UI must present as
// "accepted, pending sync" rather than a final admission.
type VerificationResult struct {
	Outcome   Outcome `json:"outcome"`
	AttemptID string  `json:"attempt_id,omitempty"`
	TicketID  *int64  `json:"ticket_id,omitempty"`
	EventID   *int64  `json:"event_id,omitempty"`

	Confirmed   bool `json:"confirmed"`
	PendingSync bool `json:"pending_sync"`

	PriorVerifier *PriorVerifier `json:"prior_verifier,omitempty"`
	Reason        string         `json:"reason,omitempty"`
}

const maxCodeLength = 512

// ValidCode checks shape only; whether the code resolves to a ticket is the
// store's call. Malformed codes are rejected before any attempt is recorded.
func ValidCode(code string, codeType CodeType) bool {
	if code == "" || len(code) > maxCodeLength {
		return false
	}
	switch codeType {
	case CodeQR:
		for _, r := range code {
			if r > unicode.MaxASCII || unicode.IsControl(r) || unicode.IsSpace(r) {
				return false
			}
		}
		return true
	case CodeBackup:
		// Human-typable fallback: uppercase alphanumerics with optional
		// dash separators, e.g. 7GKQ-44TN.
		if len(code) < 6 || len(code) > 32 {
			return false
		}
		stripped := strings.ReplaceAll(code, "-", "")
		if len(stripped) < 6 {
			return false
		}
		for _, r := range stripped {
			if !unicode.IsUpper(r) && !unicode.IsDigit(r) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
