package store

import (
	"context"
	"time"

	"github.com/entryline/gatescan/internal/domain"
)

// TicketStore is the authoritative ticket record. CompareAndSetVerified is
// the sole serialization point across devices: whichever call reaches the
// store first wins, ties broken by store arrival order, never device clocks.
type TicketStore interface {
	// GetTicketByCode resolves a QR or backup code to a ticket.
	// Returns (nil, nil) when the code matches nothing.
	GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error)

	// CompareAndSetVerified transitions the ticket to verified only if it is
	// still in the expected state. On a lost race it returns
	// *domain.StateConflictError carrying the current state and winner.
	// Unreachability is reported as domain.ErrStoreUnreachable (wrapped).
	CompareAndSetVerified(ctx context.Context, ticketID int64, expected domain.TicketState, verifier domain.Verifier, at time.Time) error
}
