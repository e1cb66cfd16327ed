package notify

import (
	"context"

	"github.com/entryline/gatescan/internal/domain"
)

// Notifier carries conflict exceptions to staff out-of-band. A conflicted
// attempt means an attendee may already be inside on a decision that turned
// out to be invalid; delivery channels live behind this boundary.
type Notifier interface {
	NotifyConflict(ctx context.Context, attempt *domain.ScanAttempt, winner *domain.PriorVerifier, reason string) error
}
