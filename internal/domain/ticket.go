package domain

import "time"

type TicketState string

const (
	TicketIssued   TicketState = "issued"
	TicketVerified TicketState = "verified"
	TicketRevoked  TicketState = "revoked"
)

func ParseTicketState(s string) (TicketState, bool) {
	switch TicketState(s) {
	case TicketIssued, TicketVerified, TicketRevoked:
		return TicketState(s), true
	default:
		return "", false
	}
}

// Ticket is the authoritative admission record. It transitions
// issued -> verified exactly once, through CompareAndSetVerified only;
// the only way out of verified is an explicit administrative revoke.
type Ticket struct {
	ID      int64 `json:"id"`
	EventID int64 `json:"event_id"`
	OwnerID int64 `json:"owner_id"`
	TierID  int64 `json:"tier_id"`

	QRCode     string `json:"qr_code"`
	BackupCode string `json:"backup_code"`

	State TicketState `json:"state"`

	VerifiedAt         *time.Time `json:"verified_at,omitempty"`
	VerifiedByDevice   *string    `json:"verified_by_device,omitempty"`
	VerifiedByOperator *string    `json:"verified_by_operator,omitempty"`
	VerifiedByAttempt  *string    `json:"verified_by_attempt,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verifier identifies who carried a verified transition.
type Verifier struct {
	DeviceID   string `json:"device_id"`
	OperatorID string `json:"operator_id"`
	AttemptID  string `json:"attempt_id"`
}

// TicketSnapshot is the locally cached view of a ticket, the only evidence
// available to the offline decision path.
type TicketSnapshot struct {
	TicketID           int64       `json:"ticket_id"`
	EventID            int64       `json:"event_id"`
	Code               string      `json:"code"`
	State              TicketState `json:"state"`
	VerifiedAt         *time.Time  `json:"verified_at,omitempty"`
	VerifiedByDevice   *string     `json:"verified_by_device,omitempty"`
	VerifiedByOperator *string     `json:"verified_by_operator,omitempty"`
	FetchedAt          time.Time   `json:"fetched_at"`
}

func SnapshotOf(t *Ticket, code string, at time.Time) *TicketSnapshot {
	return &TicketSnapshot{
		TicketID:           t.ID,
		EventID:            t.EventID,
		Code:               code,
		State:              t.State,
		VerifiedAt:         t.VerifiedAt,
		VerifiedByDevice:   t.VerifiedByDevice,
		VerifiedByOperator: t.VerifiedByOperator,
		FetchedAt:          at,
	}
}
