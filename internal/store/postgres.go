package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/pkg/logger"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const ticketCols = `id, event_id, owner_id, tier_id,
qr_code, backup_code, state,
verified_at, verified_by_device, verified_by_operator, verified_by_attempt,
created_at, updated_at`

func scanTicket(row pgx.Row) (*domain.Ticket, error) {
	var t domain.Ticket
	err := row.Scan(
		&t.ID, &t.EventID, &t.OwnerID, &t.TierID,
		&t.QRCode, &t.BackupCode, &t.State,
		&t.VerifiedAt, &t.VerifiedByDevice, &t.VerifiedByOperator, &t.VerifiedByAttempt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetTicketByCode(ctx context.Context, code string) (*domain.Ticket, error) {
	const q = `SELECT ` + ticketCols + ` FROM tickets WHERE qr_code = $1 OR backup_code = $1`

	t, err := scanTicket(s.pool.QueryRow(ctx, q, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify(ctx, err)
	}
	return t, nil
}

func (s *PostgresStore) CompareAndSetVerified(ctx context.Context, ticketID int64, expected domain.TicketState, verifier domain.Verifier, at time.Time) error {
	const q = `UPDATE tickets
SET state = 'verified',
    verified_at = $3,
    verified_by_device = $4,
    verified_by_operator = $5,
    verified_by_attempt = $6,
    updated_at = now()
WHERE id = $1 AND state = $2`

	ct, err := s.pool.Exec(ctx, q, ticketID, expected, at, verifier.DeviceID, verifier.OperatorID, verifier.AttemptID)
	if err != nil {
		return classify(ctx, err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	// Lost the race (or the ticket was revoked). Read the current row so the
	// caller can report the winning verifier.
	const cur = `SELECT state, verified_at, verified_by_device, verified_by_operator, verified_by_attempt
FROM tickets WHERE id = $1`

	conflict := &domain.StateConflictError{TicketID: ticketID}
	err = s.pool.QueryRow(ctx, cur, ticketID).Scan(
		&conflict.CurrentState,
		&conflict.VerifiedAt,
		&conflict.VerifiedByDevice,
		&conflict.VerifiedByOperator,
		&conflict.VerifiedByAttempt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("ticket %d disappeared during compare-and-set", ticketID)
	}
	if err != nil {
		return classify(ctx, err)
	}
	return conflict
}

// classify maps transport failures to domain.ErrStoreUnreachable. A
// structured Postgres error means the server answered, so it is logged
// distinctly for operations diagnosis but still treated as unreachable for
// decision purposes: the engine must not guess at store state it could not
// confirm.
func classify(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		logger.ErrorContext(ctx, "Ticket store returned a server error", "code", pgErr.Code, "error", pgErr.Message)
		return fmt.Errorf("%w: server error %s", domain.ErrStoreUnreachable, pgErr.Code)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnreachable, err)
	}

	// pgx surfaces closed pools and broken connections as plain errors;
	// anything we cannot prove is a clean response counts as unreachable.
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrStoreUnreachable, err)
}

var _ TicketStore = (*PostgresStore)(nil)
