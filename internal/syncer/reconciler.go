package syncer

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/internal/notify"
	"github.com/entryline/gatescan/internal/store"
	"github.com/entryline/gatescan/pkg/events"
	"github.com/entryline/gatescan/pkg/logger"
)

// ScanLog is the slice of the offline queue the reconciler drains.
type ScanLog interface {
	PeekBatch(ctx context.Context, n int) ([]domain.ScanAttempt, error)
	MarkResolved(ctx context.Context, attemptID string, status domain.SyncStatus) error
}

type Options struct {
	BatchSize  int
	Interval   time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Interval <= 0 {
		o.Interval = 15 * time.Second
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 2 * time.Minute
	}
}

// Reconciler replays queued offline decisions against the ticket store,
// converting provisional accepts into authoritative outcomes. It runs
// independently of new scans; both paths meet only at the store's
// compare-and-set.
type Reconciler struct {
	log      ScanLog
	store    store.TicketStore
	audit    events.Publisher
	notifier notify.Notifier
	opts     Options

	kick chan struct{}
}

func New(log ScanLog, ts store.TicketStore, audit events.Publisher, notifier notify.Notifier, opts Options) *Reconciler {
	opts.defaults()
	return &Reconciler{
		log:      log,
		store:    ts,
		audit:    audit,
		notifier: notifier,
		opts:     opts,
		kick:     make(chan struct{}, 1),
	}
}

// Kick requests an immediate reconciliation pass, e.g. when connectivity
// returns or an operator asks for it. Non-blocking; a pass is already due.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run drives reconciliation until ctx is canceled. Failed passes back off
// exponentially with jitter so a venue full of devices reconnecting at once
// does not stampede the store.
func (r *Reconciler) Run(ctx context.Context) error {
	backoff := r.opts.BackoffMin
	timer := time.NewTimer(r.opts.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.kick:
		case <-timer.C:
		}

		err := r.Drain(ctx)
		switch {
		case err == nil:
			backoff = r.opts.BackoffMin
			timer.Reset(r.opts.Interval)
		case errors.Is(err, context.Canceled):
			return err
		default:
			logger.WarnContext(ctx, "Reconciliation pass failed, backing off", "error", err, "retry_in", backoff)
			timer.Reset(jitter(backoff))
			backoff *= 2
			if backoff > r.opts.BackoffMax {
				backoff = r.opts.BackoffMax
			}
		}
	}
}

// Drain replays pending entries in insertion order until the queue is
// empty or the store becomes unreachable. Safe to interrupt at any batch
// boundary: unresolved entries stay pending and are retried next pass,
// with the attempt ID deduplicating any partial replay.
func (r *Reconciler) Drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := r.log.PeekBatch(ctx, r.opts.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for i := range batch {
			if err := r.resolve(ctx, &batch[i]); err != nil {
				return err
			}
		}
	}
}

func (r *Reconciler) resolve(ctx context.Context, a *domain.ScanAttempt) error {
	// Offline rejects applied no state; confirming them is pure bookkeeping.
	if a.LocalDecision != domain.DecisionProvisionalAccept {
		return r.mark(ctx, a, domain.SyncSynced, nil)
	}

	ticket, err := r.store.GetTicketByCode(ctx, a.Code)
	if err != nil {
		return err
	}
	if ticket == nil {
		// The code never resolved to a ticket, yet someone may already be
		// inside on this provisional accept. That is an exception, not a
		// silent drop.
		return r.mark(ctx, a, domain.SyncConflicted, &conflictInfo{reason: "code resolves to no ticket"})
	}

	verifier := domain.Verifier{
		DeviceID:   a.DeviceID,
		OperatorID: a.OperatorID,
		AttemptID:  a.AttemptID,
	}

	err = r.store.CompareAndSetVerified(ctx, ticket.ID, domain.TicketIssued, verifier, a.LocalTimestamp)
	if err == nil {
		r.publish(ctx, events.TicketVerified, events.TicketVerifiedEvent{
			TicketID:   ticket.ID,
			EventID:    ticket.EventID,
			AttemptID:  a.AttemptID,
			DeviceID:   a.DeviceID,
			OperatorID: a.OperatorID,
			VerifiedAt: a.LocalTimestamp,
		})
		return r.mark(ctx, a, domain.SyncSynced, nil)
	}

	var conflict *domain.StateConflictError
	if !errors.As(err, &conflict) {
		return err
	}

	if conflict.WonBy(a.AttemptID) {
		// Our own earlier replay carried the transition; the pass that
		// applied it was interrupted before marking. Idempotent retry.
		return r.mark(ctx, a, domain.SyncSynced, nil)
	}

	info := &conflictInfo{
		reason: "ticket " + string(conflict.CurrentState) + " by another verifier",
		winner: conflict.Prior(),
		ticket: &ticket.ID,
	}
	return r.mark(ctx, a, domain.SyncConflicted, info)
}

type conflictInfo struct {
	reason string
	winner *domain.PriorVerifier
	ticket *int64
}

func (r *Reconciler) mark(ctx context.Context, a *domain.ScanAttempt, status domain.SyncStatus, info *conflictInfo) error {
	if err := r.log.MarkResolved(ctx, a.AttemptID, status); err != nil {
		return err
	}
	a.SyncStatus = status

	if status == domain.SyncSynced {
		r.publish(ctx, events.ScanSynced, events.ScanAttemptEvent{
			AttemptID:  a.AttemptID,
			TicketID:   a.TicketID,
			CodeType:   string(a.CodeType),
			DeviceID:   a.DeviceID,
			OperatorID: a.OperatorID,
			Decision:   string(a.LocalDecision),
			SyncStatus: string(status),
			ScannedAt:  a.LocalTimestamp,
		})
		return nil
	}

	// Conflicted: a retroactively invalid admission. Surface it everywhere
	// staff might look.
	event := events.ScanConflictEvent{
		AttemptID:  a.AttemptID,
		TicketID:   a.TicketID,
		DeviceID:   a.DeviceID,
		OperatorID: a.OperatorID,
		ScannedAt:  a.LocalTimestamp,
		Reason:     info.reason,
	}
	if info.ticket != nil {
		event.TicketID = info.ticket
	}
	if info.winner != nil {
		event.WinnerDeviceID = info.winner.DeviceID
		event.WinnerOperatorID = info.winner.OperatorID
		event.WinnerVerifiedAt = info.winner.VerifiedAt
	}
	r.publish(ctx, events.ScanConflicted, event)

	if err := r.notifier.NotifyConflict(ctx, a, info.winner, info.reason); err != nil {
		logger.ErrorContext(ctx, "Failed to notify staff of scan conflict", "error", err, "attempt_id", a.AttemptID)
	}
	return nil
}

func (r *Reconciler) publish(ctx context.Context, subject string, event interface{}) {
	if err := r.audit.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish audit event", "subject", subject, "error", err)
	}
}

func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int63n(int64(d)/2+1))
}
