package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/entryline/gatescan/internal/domain"
	"github.com/entryline/gatescan/pkg/logger"
)

// Queue is the durable per-device scan log. Every attempt this device
// decides lands here: online decisions arrive already terminal, offline
// decisions arrive pending and are drained by the reconciler in seq order.
// Entries are never deleted; reconciliation only advances sync_status.
//
// Any storage failure trips a sticky corruption flag. While tripped the
// device fails closed: Healthy() reports false and the engine refuses
// further provisional accepts, since it could no longer prove they would
// survive a crash.
type Queue struct {
	db        *sql.DB
	mu        sync.Mutex
	corrupted atomic.Bool
}

// Open opens (or creates) the scan log at path. WAL journaling with full
// synchronous writes: Append must not return success before the entry is
// on stable storage.
func Open(path string) (*Queue, error) {
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open scan queue: %w", err)
	}

	// Single connection: the log has one local writer, and serializing
	// through one handle keeps Enqueue safe against the reconciler.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create scan queue schema: %w", err)
	}

	return &Queue{db: db}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS scan_attempts (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    attempt_id TEXT NOT NULL UNIQUE,
    code TEXT NOT NULL,
    code_type TEXT NOT NULL,
    ticket_id INTEGER,
    device_id TEXT NOT NULL,
    operator_id TEXT NOT NULL,
    local_timestamp TEXT NOT NULL,
    local_decision TEXT NOT NULL,
    sync_status TEXT NOT NULL DEFAULT 'pending'
        CHECK (sync_status IN ('pending', 'synced', 'conflicted', 'resolved'))
);

CREATE INDEX IF NOT EXISTS idx_scan_attempts_status ON scan_attempts(sync_status);
`

func (q *Queue) Close() error {
	return q.db.Close()
}

// Healthy reports whether the log is still trusted for new writes.
func (q *Queue) Healthy() bool {
	return !q.corrupted.Load()
}

func (q *Queue) fail(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	q.corrupted.Store(true)
	logger.ErrorContext(ctx, "Scan queue storage failure, failing closed", "op", op, "error", err)
	return fmt.Errorf("%w: %s: %v", domain.ErrQueueCorrupted, op, err)
}

// Append durably records an attempt and fills in its seq. Appending the
// same attempt_id twice keeps the original entry, so a client retry after
// a crash cannot duplicate the audit trail.
func (q *Queue) Append(ctx context.Context, a *domain.ScanAttempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	const ins = `INSERT INTO scan_attempts
(attempt_id, code, code_type, ticket_id, device_id, operator_id, local_timestamp, local_decision, sync_status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(attempt_id) DO NOTHING`

	res, err := q.db.ExecContext(ctx, ins,
		a.AttemptID, a.Code, string(a.CodeType), a.TicketID,
		a.DeviceID, a.OperatorID,
		a.LocalTimestamp.UTC().Format(time.RFC3339Nano),
		string(a.LocalDecision), string(a.SyncStatus),
	)
	if err != nil {
		return q.fail(ctx, "append", err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Retried attempt: report the original seq.
		err := q.db.QueryRowContext(ctx, `SELECT seq FROM scan_attempts WHERE attempt_id = ?`, a.AttemptID).Scan(&a.Seq)
		if err != nil {
			return q.fail(ctx, "append lookup", err)
		}
		return nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return q.fail(ctx, "append seq", err)
	}
	a.Seq = seq
	return nil
}

const attemptCols = `seq, attempt_id, code, code_type, ticket_id, device_id, operator_id, local_timestamp, local_decision, sync_status`

func scanAttempt(rows *sql.Rows) (domain.ScanAttempt, error) {
	var (
		a  domain.ScanAttempt
		ts string
	)
	err := rows.Scan(
		&a.Seq, &a.AttemptID, &a.Code, &a.CodeType, &a.TicketID,
		&a.DeviceID, &a.OperatorID, &ts, &a.LocalDecision, &a.SyncStatus,
	)
	if err != nil {
		return a, err
	}
	a.LocalTimestamp, err = time.Parse(time.RFC3339Nano, ts)
	return a, err
}

// PeekBatch returns up to n of the oldest pending entries in insertion
// order, without removing them.
func (q *Queue) PeekBatch(ctx context.Context, n int) ([]domain.ScanAttempt, error) {
	if n <= 0 {
		n = 50
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	const sel = `SELECT ` + attemptCols + ` FROM scan_attempts WHERE sync_status = 'pending' ORDER BY seq LIMIT ?`
	rows, err := q.db.QueryContext(ctx, sel, n)
	if err != nil {
		return nil, q.fail(ctx, "peek", err)
	}
	defer rows.Close()

	batch := make([]domain.ScanAttempt, 0, n)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, q.fail(ctx, "peek scan", err)
		}
		batch = append(batch, a)
	}
	if err := rows.Err(); err != nil {
		return nil, q.fail(ctx, "peek rows", err)
	}
	return batch, nil
}

// MarkResolved moves a pending entry to its reconciled status. Marking an
// entry that already left pending is a no-op, so a replayed batch that
// partially succeeded does not error.
func (q *Queue) MarkResolved(ctx context.Context, attemptID string, status domain.SyncStatus) error {
	if status != domain.SyncSynced && status != domain.SyncConflicted {
		return fmt.Errorf("invalid reconciliation status %q", status)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	const upd = `UPDATE scan_attempts SET sync_status = ? WHERE attempt_id = ? AND sync_status = 'pending'`
	res, err := q.db.ExecContext(ctx, upd, string(status), attemptID)
	if err != nil {
		return q.fail(ctx, "mark resolved", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var exists bool
	err = q.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM scan_attempts WHERE attempt_id = ?)`, attemptID).Scan(&exists)
	if err != nil {
		return q.fail(ctx, "mark resolved lookup", err)
	}
	if !exists {
		return domain.ErrAttemptNotFound
	}
	return nil
}

// ResolveConflict records the manual override conflicted -> resolved.
// Resolving an already-resolved entry is a no-op.
func (q *Queue) ResolveConflict(ctx context.Context, attemptID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	const upd = `UPDATE scan_attempts SET sync_status = 'resolved' WHERE attempt_id = ? AND sync_status = 'conflicted'`
	res, err := q.db.ExecContext(ctx, upd, attemptID)
	if err != nil {
		return q.fail(ctx, "resolve conflict", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return nil
	}

	var status string
	err = q.db.QueryRowContext(ctx, `SELECT sync_status FROM scan_attempts WHERE attempt_id = ?`, attemptID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrAttemptNotFound
	}
	if err != nil {
		return q.fail(ctx, "resolve conflict lookup", err)
	}
	if status == string(domain.SyncResolved) {
		return nil
	}
	return fmt.Errorf("attempt %s is %s, not conflicted", attemptID, status)
}

// List pages through the attempt log, newest first, optionally filtered by
// sync status.
func (q *Queue) List(ctx context.Context, status *domain.SyncStatus, limit, offset int) ([]domain.ScanAttempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		const sel = `SELECT ` + attemptCols + ` FROM scan_attempts WHERE sync_status = ? ORDER BY seq DESC LIMIT ? OFFSET ?`
		rows, err = q.db.QueryContext(ctx, sel, string(*status), limit, offset)
	} else {
		const sel = `SELECT ` + attemptCols + ` FROM scan_attempts ORDER BY seq DESC LIMIT ? OFFSET ?`
		rows, err = q.db.QueryContext(ctx, sel, limit, offset)
	}
	if err != nil {
		return nil, q.fail(ctx, "list", err)
	}
	defer rows.Close()

	attempts := make([]domain.ScanAttempt, 0, limit)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, q.fail(ctx, "list scan", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// Counts reports how many attempts sit in each sync status.
func (q *Queue) Counts(ctx context.Context) (map[domain.SyncStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rows, err := q.db.QueryContext(ctx, `SELECT sync_status, COUNT(*) FROM scan_attempts GROUP BY sync_status`)
	if err != nil {
		return nil, q.fail(ctx, "counts", err)
	}
	defer rows.Close()

	counts := make(map[domain.SyncStatus]int64, 4)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, q.fail(ctx, "counts scan", err)
		}
		counts[domain.SyncStatus(status)] = n
	}
	return counts, rows.Err()
}
