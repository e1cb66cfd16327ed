package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the tickets schema. Safe to call multiple times.
// Ticket rows are created upstream by the issuing system; this exists for
// development and test databases.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create ticket schema: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tickets (
    id BIGSERIAL PRIMARY KEY,
    event_id BIGINT NOT NULL,
    owner_id BIGINT NOT NULL,
    tier_id BIGINT NOT NULL,
    qr_code TEXT NOT NULL UNIQUE,
    backup_code TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL DEFAULT 'issued' CHECK (state IN ('issued', 'verified', 'revoked')),
    verified_at TIMESTAMPTZ,
    verified_by_device TEXT,
    verified_by_operator TEXT,
    verified_by_attempt TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_tickets_event_id ON tickets(event_id);
CREATE INDEX IF NOT EXISTS idx_tickets_state ON tickets(state);
`
