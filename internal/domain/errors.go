package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrStoreUnreachable marks timeouts and connection failures against the
	// ticket store. The engine recovers by queueing a provisional decision.
	ErrStoreUnreachable = errors.New("ticket store unreachable")

	// ErrQueueCorrupted means the local scan log cannot be trusted. The
	// device fails closed: no further provisional accepts until storage is
	// restored.
	ErrQueueCorrupted = errors.New("scan queue storage corrupted")

	ErrAttemptNotFound = errors.New("scan attempt not found")
)

// StateConflictError is returned by CompareAndSetVerified when the ticket is
// no longer in the expected state. It carries the current state and, when
// the ticket is verified, the winning verifier.
type StateConflictError struct {
	TicketID     int64
	CurrentState TicketState

	VerifiedAt         *time.Time
	VerifiedByDevice   *string
	VerifiedByOperator *string
	VerifiedByAttempt  *string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("ticket %d state conflict: currently %s", e.TicketID, e.CurrentState)
}

func (e *StateConflictError) Prior() *PriorVerifier {
	p := &PriorVerifier{VerifiedAt: e.VerifiedAt}
	if e.VerifiedByDevice != nil {
		p.DeviceID = *e.VerifiedByDevice
	}
	if e.VerifiedByOperator != nil {
		p.OperatorID = *e.VerifiedByOperator
	}
	return p
}

// WonBy reports whether the conflicting transition was carried by the given
// attempt. Reconciliation uses this to recognize its own earlier replay.
func (e *StateConflictError) WonBy(attemptID string) bool {
	return e.VerifiedByAttempt != nil && *e.VerifiedByAttempt == attemptID
}
