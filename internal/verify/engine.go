package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/entryline/gatescan/internal/cache"
	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/internal/store"
	"github.com/entryline/gatescan/pkg/events"
	"github.com/entryline/gatescan/pkg/logger"
)

// ScanLog is the slice of the offline queue the engine needs: durable
// append plus the fail-closed signal.
type ScanLog interface {
	Append(ctx context.Context, a *domain.ScanAttempt) error
	Healthy() bool
}

// ScanRequest carries one decoded code. Device and operator identity are
// passed explicitly; the engine reads no ambient session state.
type ScanRequest struct {
	Code       string
	CodeType   domain.CodeType
	DeviceID   string
	OperatorID string

	// AttemptID is optional. A scanning UI that retries after a crash
	// supplies the same ID so the attempt is recorded once.
	AttemptID string
}

type Engine struct {
	store store.TicketStore
	log   ScanLog
	cache cache.TicketCache
	audit events.Publisher

	// storeTimeout bounds the online path before it falls back to a
	// provisional decision. The fallback must never stall the scanner.
	storeTimeout time.Duration
}

func NewEngine(ts store.TicketStore, log ScanLog, tc cache.TicketCache, audit events.Publisher, storeTimeout time.Duration) *Engine {
	if storeTimeout <= 0 {
		storeTimeout = 3 * time.Second
	}
	return &Engine{
		store:        ts,
		log:          log,
		cache:        tc,
		audit:        audit,
		storeTimeout: storeTimeout,
	}
}

// Verify decides the outcome of a single scanned code.
//
// Online it races the authoritative compare-and-set; offline it falls back
// to the last locally known state and queues a provisional decision for
// reconciliation. Every decision except a malformed code appends exactly
// one attempt to the device log.
func (e *Engine) Verify(ctx context.Context, req ScanRequest) (*domain.VerificationResult, error) {
	if !domain.ValidCode(req.Code, req.CodeType) {
		return &domain.VerificationResult{
			Outcome:   domain.OutcomeInvalid,
			Confirmed: true,
			Reason:    "malformed code",
		}, nil
	}

	attemptID := req.AttemptID
	if attemptID == "" {
		attemptID = uuid.NewString()
	}
	now := time.Now()

	lookupCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	ticket, err := e.store.GetTicketByCode(lookupCtx, req.Code)
	cancel()

	if err != nil {
		if errors.Is(err, domain.ErrStoreUnreachable) {
			return e.verifyOffline(ctx, req, attemptID, now)
		}
		return nil, err
	}

	if ticket == nil {
		// Well-formed code that resolves to nothing. Not queued, but
		// surfaced on the feed for operator visibility.
		e.publish(ctx, events.ScanRejected, events.ScanAttemptEvent{
			AttemptID:  attemptID,
			CodeType:   string(req.CodeType),
			DeviceID:   req.DeviceID,
			OperatorID: req.OperatorID,
			Decision:   string(domain.DecisionReject),
			Outcome:    string(domain.OutcomeInvalid),
			ScannedAt:  now,
		})
		return &domain.VerificationResult{
			Outcome:   domain.OutcomeInvalid,
			AttemptID: attemptID,
			Confirmed: true,
			Reason:    "unknown code",
		}, nil
	}

	e.cacheSnapshot(ctx, ticket, req.Code, now)

	switch ticket.State {
	case domain.TicketRevoked:
		return e.recordFinal(ctx, req, attemptID, now, &ticket.ID, domain.DecisionReject, &domain.VerificationResult{
			Outcome:   domain.OutcomeInvalid,
			AttemptID: attemptID,
			TicketID:  &ticket.ID,
			EventID:   &ticket.EventID,
			Confirmed: true,
			Reason:    "ticket revoked",
		})
	case domain.TicketVerified:
		return e.recordFinal(ctx, req, attemptID, now, &ticket.ID, domain.DecisionReject, &domain.VerificationResult{
			Outcome:   domain.OutcomeAlreadyUsed,
			AttemptID: attemptID,
			TicketID:  &ticket.ID,
			EventID:   &ticket.EventID,
			Confirmed: true,
			PriorVerifier: &domain.PriorVerifier{
				DeviceID:   deref(ticket.VerifiedByDevice),
				OperatorID: deref(ticket.VerifiedByOperator),
				VerifiedAt: ticket.VerifiedAt,
			},
		})
	}

	return e.verifyOnline(ctx, req, attemptID, now, ticket)
}

func (e *Engine) verifyOnline(ctx context.Context, req ScanRequest, attemptID string, now time.Time, ticket *domain.Ticket) (*domain.VerificationResult, error) {
	verifier := domain.Verifier{
		DeviceID:   req.DeviceID,
		OperatorID: req.OperatorID,
		AttemptID:  attemptID,
	}

	casCtx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	err := e.store.CompareAndSetVerified(casCtx, ticket.ID, domain.TicketIssued, verifier, now)
	cancel()

	switch {
	case err == nil:
		verified := *ticket
		verified.State = domain.TicketVerified
		verified.VerifiedAt = &now
		verified.VerifiedByDevice = &req.DeviceID
		verified.VerifiedByOperator = &req.OperatorID
		e.cacheSnapshot(ctx, &verified, req.Code, now)

		e.publish(ctx, events.TicketVerified, events.TicketVerifiedEvent{
			TicketID:   ticket.ID,
			EventID:    ticket.EventID,
			AttemptID:  attemptID,
			DeviceID:   req.DeviceID,
			OperatorID: req.OperatorID,
			VerifiedAt: now,
		})
		return e.recordFinal(ctx, req, attemptID, now, &ticket.ID, domain.DecisionAccept, &domain.VerificationResult{
			Outcome:   domain.OutcomeAccepted,
			AttemptID: attemptID,
			TicketID:  &ticket.ID,
			EventID:   &ticket.EventID,
			Confirmed: true,
		})

	case errors.Is(err, domain.ErrStoreUnreachable):
		// The lookup answered but the compare-and-set did not. Uniqueness
		// is unproven, so this is an offline decision like any other.
		return e.verifyOffline(ctx, req, attemptID, now)

	default:
		var conflict *domain.StateConflictError
		if !errors.As(err, &conflict) {
			return nil, err
		}

		res := &domain.VerificationResult{
			AttemptID: attemptID,
			TicketID:  &ticket.ID,
			EventID:   &ticket.EventID,
			Confirmed: true,
		}
		if conflict.CurrentState == domain.TicketVerified {
			res.Outcome = domain.OutcomeAlreadyUsed
			res.PriorVerifier = conflict.Prior()
		} else {
			res.Outcome = domain.OutcomeInvalid
			res.Reason = fmt.Sprintf("ticket %s", conflict.CurrentState)
		}
		return e.recordFinal(ctx, req, attemptID, now, &ticket.ID, domain.DecisionReject, res)
	}
}

// verifyOffline decides from local evidence only. The attempt is queued
// pending so reconciliation can confirm or invalidate it later.
func (e *Engine) verifyOffline(ctx context.Context, req ScanRequest, attemptID string, now time.Time) (*domain.VerificationResult, error) {
	if !e.log.Healthy() {
		// Fail closed: without a trustworthy queue, an unconfirmed accept
		// could be lost forever.
		return nil, domain.ErrQueueCorrupted
	}

	snap, err := e.cache.Get(ctx, req.Code)
	if err != nil {
		logger.WarnContext(ctx, "Ticket cache read failed, treating as miss", "error", err)
		snap = nil
	}

	attempt := &domain.ScanAttempt{
		AttemptID:      attemptID,
		Code:           req.Code,
		CodeType:       req.CodeType,
		DeviceID:       req.DeviceID,
		OperatorID:     req.OperatorID,
		LocalTimestamp: now,
		SyncStatus:     domain.SyncPending,
	}

	res := &domain.VerificationResult{
		AttemptID:   attemptID,
		PendingSync: true,
	}

	switch {
	case snap != nil && snap.State == domain.TicketVerified:
		attempt.LocalDecision = domain.DecisionReject
		attempt.TicketID = &snap.TicketID
		res.Outcome = domain.OutcomeAlreadyUsed
		res.TicketID = &snap.TicketID
		res.EventID = &snap.EventID
		res.PriorVerifier = &domain.PriorVerifier{
			DeviceID:   deref(snap.VerifiedByDevice),
			OperatorID: deref(snap.VerifiedByOperator),
			VerifiedAt: snap.VerifiedAt,
		}
	case snap != nil && snap.State == domain.TicketRevoked:
		attempt.LocalDecision = domain.DecisionReject
		attempt.TicketID = &snap.TicketID
		res.Outcome = domain.OutcomeInvalid
		res.TicketID = &snap.TicketID
		res.EventID = &snap.EventID
		res.Reason = "ticket revoked"
	default:
		// No local evidence of prior verification.
		attempt.LocalDecision = domain.DecisionProvisionalAccept
		res.Outcome = domain.OutcomeProvisionalAccept
		if snap != nil {
			attempt.TicketID = &snap.TicketID
			res.TicketID = &snap.TicketID
			res.EventID = &snap.EventID
		}
	}

	if err := e.log.Append(ctx, attempt); err != nil {
		return nil, err
	}

	subject := events.ScanProvisional
	if attempt.LocalDecision == domain.DecisionReject {
		subject = events.ScanRejected
	}
	e.publish(ctx, subject, attemptEvent(attempt, res.Outcome))
	e.publish(ctx, events.ScanAttempted, attemptEvent(attempt, res.Outcome))

	return res, nil
}

// recordFinal appends a fully confirmed attempt (already terminal, nothing
// to reconcile) and emits it on the audit feed.
func (e *Engine) recordFinal(ctx context.Context, req ScanRequest, attemptID string, now time.Time, ticketID *int64, decision domain.LocalDecision, res *domain.VerificationResult) (*domain.VerificationResult, error) {
	attempt := &domain.ScanAttempt{
		AttemptID:      attemptID,
		Code:           req.Code,
		CodeType:       req.CodeType,
		TicketID:       ticketID,
		DeviceID:       req.DeviceID,
		OperatorID:     req.OperatorID,
		LocalTimestamp: now,
		LocalDecision:  decision,
		SyncStatus:     domain.SyncSynced,
	}
	if err := e.log.Append(ctx, attempt); err != nil {
		// The authoritative decision already stands; a failed local append
		// must not reverse it, but the device can no longer take
		// provisional accepts.
		logger.ErrorContext(ctx, "Failed to record confirmed attempt locally", "error", err, "attempt_id", attemptID)
	}

	subject := events.ScanAccepted
	if decision == domain.DecisionReject {
		subject = events.ScanRejected
	}
	e.publish(ctx, subject, attemptEvent(attempt, res.Outcome))
	e.publish(ctx, events.ScanAttempted, attemptEvent(attempt, res.Outcome))

	return res, nil
}

func (e *Engine) cacheSnapshot(ctx context.Context, t *domain.Ticket, code string, at time.Time) {
	if err := e.cache.Put(ctx, domain.SnapshotOf(t, code, at)); err != nil {
		logger.WarnContext(ctx, "Failed to cache ticket snapshot", "error", err, "ticket_id", t.ID)
	}
}

func (e *Engine) publish(ctx context.Context, subject string, event interface{}) {
	if err := e.audit.Publish(ctx, subject, event); err != nil {
		logger.WarnContext(ctx, "Failed to publish audit event", "subject", subject, "error", err)
	}
}

func attemptEvent(a *domain.ScanAttempt, outcome domain.Outcome) events.ScanAttemptEvent {
	return events.ScanAttemptEvent{
		AttemptID:  a.AttemptID,
		TicketID:   a.TicketID,
		CodeType:   string(a.CodeType),
		DeviceID:   a.DeviceID,
		OperatorID: a.OperatorID,
		Decision:   string(a.LocalDecision),
		Outcome:    string(outcome),
		SyncStatus: string(a.SyncStatus),
		ScannedAt:  a.LocalTimestamp,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
