package notify

import (
	"context"

	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/pkg/logger"
)

// DevNotifier logs conflicts instead of mailing them. Default in dev mode.
type DevNotifier struct{}

func (DevNotifier) NotifyConflict(ctx context.Context, attempt *domain.ScanAttempt, winner *domain.PriorVerifier, reason string) error {
	args := []any{
		"attempt_id", attempt.AttemptID,
		"device_id", attempt.DeviceID,
		"operator_id", attempt.OperatorID,
		"scanned_at", attempt.LocalTimestamp,
		"reason", reason,
	}
	if winner != nil && winner.DeviceID != "" {
		args = append(args, "winner_device_id", winner.DeviceID, "winner_operator_id", winner.OperatorID)
	}
	logger.WarnContext(ctx, "SCAN CONFLICT requires staff resolution", args...)
	return nil
}

var _ Notifier = DevNotifier{}
