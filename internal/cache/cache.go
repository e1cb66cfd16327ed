package cache

import (
	"context"

	"github.com/entryline/gatescan/internal/domain"
)

// TicketCache remembers the last state this device (or venue box) saw for a
// ticket. It is the only evidence the offline decision path has; a miss
// means "no local evidence of prior verification" and yields a provisional
// accept. Cache failures must degrade to a miss, never block a scan.
type TicketCache interface {
	Get(ctx context.Context, code string) (*domain.TicketSnapshot, error)
	Put(ctx context.Context, snapshot *domain.TicketSnapshot) error
}
