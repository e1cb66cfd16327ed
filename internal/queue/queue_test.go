package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/entryline/gatescan/internal/domain"
)

func openTestQueue(t *testing.T) (*Queue, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scan-queue.db")
	q, err := Open(path)
	if err != nil {
		t.Fatalf("Failed to open queue: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q, path
}

func testAttempt(id string) *domain.ScanAttempt {
	return &domain.ScanAttempt{
		AttemptID:      id,
		Code:           "evt7:" + id,
		CodeType:       domain.CodeQR,
		DeviceID:       "device-a",
		OperatorID:     "op-1",
		LocalTimestamp: time.Now().UTC(),
		LocalDecision:  domain.DecisionProvisionalAccept,
		SyncStatus:     domain.SyncPending,
	}
}

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	var last int64
	for i := 0; i < 5; i++ {
		a := testAttempt(fmt.Sprintf("attempt-%d", i))
		if err := q.Append(ctx, a); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if a.Seq <= last {
			t.Fatalf("seq %d not greater than previous %d", a.Seq, last)
		}
		last = a.Seq
	}
}

func TestAppendIsIdempotentPerAttemptID(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	first := testAttempt("attempt-retry")
	if err := q.Append(ctx, first); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	retry := testAttempt("attempt-retry")
	if err := q.Append(ctx, retry); err != nil {
		t.Fatalf("Retried append failed: %v", err)
	}
	if retry.Seq != first.Seq {
		t.Errorf("retry got seq %d, want original %d", retry.Seq, first.Seq)
	}

	batch, err := q.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PeekBatch failed: %v", err)
	}
	if len(batch) != 1 {
		t.Fatalf("expected one entry after retried append, got %d", len(batch))
	}
}

func TestPeekBatchReturnsPendingInInsertionOrder(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if err := q.Append(ctx, testAttempt(fmt.Sprintf("attempt-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// A synced entry must never show up in a reconciliation batch.
	confirmed := testAttempt("attempt-confirmed")
	confirmed.SyncStatus = domain.SyncSynced
	if err := q.Append(ctx, confirmed); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	batch, err := q.PeekBatch(ctx, 2)
	if err != nil {
		t.Fatalf("PeekBatch failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %d", len(batch))
	}
	if batch[0].AttemptID != "attempt-0" || batch[1].AttemptID != "attempt-1" {
		t.Errorf("batch out of order: %s, %s", batch[0].AttemptID, batch[1].AttemptID)
	}

	full, err := q.PeekBatch(ctx, 100)
	if err != nil {
		t.Fatalf("PeekBatch failed: %v", err)
	}
	for _, a := range full {
		if a.AttemptID == "attempt-confirmed" {
			t.Error("synced entry leaked into pending batch")
		}
	}
}

func TestPeekBatchDoesNotRemove(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	if err := q.Append(ctx, testAttempt("attempt-0")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		batch, err := q.PeekBatch(ctx, 10)
		if err != nil {
			t.Fatalf("PeekBatch failed: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("peek %d: expected 1 entry, got %d", i, len(batch))
		}
	}
}

func TestMarkResolvedIsIdempotent(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	if err := q.Append(ctx, testAttempt("attempt-0")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := q.MarkResolved(ctx, "attempt-0", domain.SyncSynced); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}
	// Replaying a partially processed batch marks entries again; that must
	// be a no-op, not an error.
	if err := q.MarkResolved(ctx, "attempt-0", domain.SyncSynced); err != nil {
		t.Fatalf("Repeated MarkResolved failed: %v", err)
	}
	// Even with a different status: the first resolution stands.
	if err := q.MarkResolved(ctx, "attempt-0", domain.SyncConflicted); err != nil {
		t.Fatalf("Conflicting MarkResolved should be a no-op, got: %v", err)
	}

	attempts, err := q.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if attempts[0].SyncStatus != domain.SyncSynced {
		t.Errorf("status = %s, want synced", attempts[0].SyncStatus)
	}
}

func TestMarkResolvedUnknownAttempt(t *testing.T) {
	q, _ := openTestQueue(t)

	err := q.MarkResolved(context.Background(), "nope", domain.SyncSynced)
	if !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}
}

func TestMarkResolvedRejectsInvalidStatus(t *testing.T) {
	q, _ := openTestQueue(t)

	if err := q.MarkResolved(context.Background(), "attempt-0", domain.SyncPending); err == nil {
		t.Error("expected error marking back to pending")
	}
	if err := q.MarkResolved(context.Background(), "attempt-0", domain.SyncResolved); err == nil {
		t.Error("resolved is a manual override, not a reconciliation status")
	}
}

func TestResolveConflict(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	if err := q.Append(ctx, testAttempt("attempt-0")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := q.MarkResolved(ctx, "attempt-0", domain.SyncConflicted); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}

	if err := q.ResolveConflict(ctx, "attempt-0"); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	// Idempotent.
	if err := q.ResolveConflict(ctx, "attempt-0"); err != nil {
		t.Fatalf("Repeated ResolveConflict failed: %v", err)
	}

	if err := q.ResolveConflict(ctx, "missing"); !errors.Is(err, domain.ErrAttemptNotFound) {
		t.Errorf("expected ErrAttemptNotFound, got %v", err)
	}

	// A pending entry cannot be manually resolved.
	if err := q.Append(ctx, testAttempt("attempt-1")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := q.ResolveConflict(ctx, "attempt-1"); err == nil {
		t.Error("expected error resolving a pending entry")
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan-queue.db")
	ctx := context.Background()

	q, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := q.Append(ctx, testAttempt(fmt.Sprintf("attempt-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := q.MarkResolved(ctx, "attempt-0", domain.SyncSynced); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer reopened.Close()

	batch, err := reopened.PeekBatch(ctx, 10)
	if err != nil {
		t.Fatalf("PeekBatch after reopen failed: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 pending entries after reopen, got %d", len(batch))
	}
	if batch[0].AttemptID != "attempt-1" || batch[1].AttemptID != "attempt-2" {
		t.Errorf("order lost across reopen: %s, %s", batch[0].AttemptID, batch[1].AttemptID)
	}

	counts, err := reopened.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts[domain.SyncSynced] != 1 || counts[domain.SyncPending] != 2 {
		t.Errorf("counts = %v, want 1 synced / 2 pending", counts)
	}
}

func TestListFiltersByStatus(t *testing.T) {
	q, _ := openTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Append(ctx, testAttempt(fmt.Sprintf("attempt-%d", i))); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := q.MarkResolved(ctx, "attempt-1", domain.SyncConflicted); err != nil {
		t.Fatalf("MarkResolved failed: %v", err)
	}

	conflicted := domain.SyncConflicted
	attempts, err := q.List(ctx, &conflicted, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(attempts) != 1 || attempts[0].AttemptID != "attempt-1" {
		t.Errorf("filtered list = %+v, want just attempt-1", attempts)
	}

	all, err := q.List(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("unfiltered list has %d entries, want 3", len(all))
	}
}

func TestHealthyFlag(t *testing.T) {
	q, _ := openTestQueue(t)
	if !q.Healthy() {
		t.Fatal("fresh queue should be healthy")
	}

	// Closing the handle makes every subsequent write fail; the queue must
	// trip its corruption flag rather than keep accepting scans.
	q.db.Close()
	err := q.Append(context.Background(), testAttempt("attempt-after-close"))
	if err == nil {
		t.Fatal("expected append to fail on closed storage")
	}
	if !errors.Is(err, domain.ErrQueueCorrupted) {
		t.Errorf("expected ErrQueueCorrupted, got %v", err)
	}
	if q.Healthy() {
		t.Error("queue should fail closed after a storage failure")
	}
}
