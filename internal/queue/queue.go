// Package queue implements the persisted download queue. Entries move
// through a strict state machine; disallowed transitions are caller bugs and
// surface as InvalidStateError.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Status is the scheduling state of a queue entry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Entry is one scheduling record pointing at an item.
type Entry struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	Priority    int        `json:"priority"`
	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ErrAlreadyQueued is returned by Enqueue when the item already has a
// non-terminal entry.
var ErrAlreadyQueued = errors.New("item already queued")

// ErrNotFound is returned when no entry matches the given id.
var ErrNotFound = errors.New("queue entry not found")

// InvalidStateError reports a disallowed state-machine transition. The entry
// is left unchanged.
type InvalidStateError struct {
	Current   Status
	Attempted Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid queue transition from %s to %s", e.Current, e.Attempted)
}

// DefaultMaxAttempts is the retry budget for new entries.
const DefaultMaxAttempts = 5

// backoffTable maps the just-completed attempt number (1-based) to the retry
// delay. The fifth failure is terminal; its slot is never consumed.
var backoffTable = []time.Duration{
	0,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	8 * time.Hour,
}

// Backoff returns the retry delay after the given number of completed
// attempts.
func Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	if attempts > len(backoffTable) {
		return backoffTable[len(backoffTable)-1]
	}
	return backoffTable[attempts-1]
}

const entryColumns = `id, item_id, priority, status, attempts, max_attempts,
	next_retry_at, last_error, created_at, updated_at`

// Queue is the SQLite-backed download queue.
type Queue struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a queue over the shared service database.
func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Enqueue creates a pending entry for the item. Priority is clamped to
// [1,10]; lower is more urgent. Fails with ErrAlreadyQueued when a
// non-terminal entry exists for the item.
func (q *Queue) Enqueue(ctx context.Context, itemID string, priority int) (*Entry, error) {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var active int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_entries
		WHERE item_id = ? AND status IN ('pending', 'in_progress', 'retrying')`,
		itemID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to check active entries: %w", err)
	}
	if active > 0 {
		return nil, ErrAlreadyQueued
	}

	now := q.now()
	entry := &Entry{
		ID:          uuid.New().String(),
		ItemID:      itemID,
		Priority:    priority,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: DefaultMaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO queue_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ItemID, entry.Priority, string(entry.Status), entry.Attempts,
		entry.MaxAttempts, entry.NextRetryAt, entry.LastError, entry.CreatedAt, entry.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	slog.Debug("Queue entry created", "entry_id", entry.ID, "item_id", itemID, "priority", priority)
	return entry, nil
}

// Get loads one entry by id.
func (q *Queue) Get(ctx context.Context, id string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// NextPending returns the pending entry with the smallest priority, then the
// earliest creation time, or nil when the queue is empty.
func (q *Queue) NextPending(ctx context.Context) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// Retryable returns all retrying entries whose next_retry_at has passed,
// ordered by priority then retry time.
func (q *Queue) Retryable(ctx context.Context) ([]*Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE status = 'retrying' AND next_retry_at <= ?
		ORDER BY priority ASC, next_retry_at ASC`,
		q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkInProgress transitions an entry from Pending or Retrying to
// InProgress. Retrying entries are picked up this way once their retry time
// passes.
func (q *Queue) MarkInProgress(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusInProgress, func(e *Entry) error {
		if e.Status != StatusPending && e.Status != StatusRetrying {
			return &InvalidStateError{Current: e.Status, Attempted: StatusInProgress}
		}
		e.Status = StatusInProgress
		e.NextRetryAt = nil
		return nil
	})
}

// MarkCompleted transitions an entry from InProgress to the terminal
// Completed state.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusCompleted, func(e *Entry) error {
		if e.Status != StatusInProgress {
			return &InvalidStateError{Current: e.Status, Attempted: StatusCompleted}
		}
		e.Status = StatusCompleted
		e.NextRetryAt = nil
		return nil
	})
}

// MarkFailed records a failed attempt on an InProgress entry. Below the
// attempt budget the entry moves to Retrying with next_retry_at from the
// backoff table (or retryAt verbatim when supplied); at the budget it moves
// to terminal Failed with next_retry_at cleared.
func (q *Queue) MarkFailed(ctx context.Context, id string, errMsg string, retryAt *time.Time) error {
	return q.transition(ctx, id, StatusFailed, func(e *Entry) error {
		if e.Status != StatusInProgress {
			return &InvalidStateError{Current: e.Status, Attempted: StatusFailed}
		}
		e.Attempts++
		e.LastError = errMsg
		if e.Attempts >= e.MaxAttempts {
			e.Status = StatusFailed
			e.NextRetryAt = nil
			return nil
		}
		e.Status = StatusRetrying
		if retryAt != nil {
			t := retryAt.UTC()
			e.NextRetryAt = &t
		} else {
			t := q.now().Add(Backoff(e.Attempts))
			e.NextRetryAt = &t
		}
		return nil
	})
}

// Abandon moves an InProgress entry straight to terminal Failed, bypassing
// the retry budget. For work that can never succeed, such as an entry whose
// item no longer exists.
func (q *Queue) Abandon(ctx context.Context, id string, errMsg string) error {
	return q.transition(ctx, id, StatusFailed, func(e *Entry) error {
		if e.Status != StatusInProgress {
			return &InvalidStateError{Current: e.Status, Attempted: StatusFailed}
		}
		e.Attempts++
		e.Status = StatusFailed
		e.LastError = errMsg
		e.NextRetryAt = nil
		return nil
	})
}

// RecoverInProgress resets every InProgress entry back to Pending and
// reports how many were reset. Run at startup: an interrupted worker leaves
// its claim behind, and nothing else ever picks an in-progress entry up
// again. Attempts are preserved; an interrupted run was never charged one.
func (q *Queue) RecoverInProgress(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE queue_entries SET status = 'pending', next_retry_at = NULL, updated_at = ?
		WHERE status = 'in_progress'`, q.now())
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-progress entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count recovered entries: %w", err)
	}
	if n > 0 {
		slog.Info("Recovered interrupted queue entries", "count", n)
	}
	return n, nil
}

// Cancel transitions a Pending or Retrying entry to the terminal Cancelled
// state. A running pipeline is cancelled through its context, never through
// queue state.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.transition(ctx, id, StatusCancelled, func(e *Entry) error {
		if e.Status != StatusPending && e.Status != StatusRetrying {
			return &InvalidStateError{Current: e.Status, Attempted: StatusCancelled}
		}
		e.Status = StatusCancelled
		e.NextRetryAt = nil
		return nil
	})
}

// Depth reports the number of pending, in-progress and retrying entries.
func (q *Queue) Depth(ctx context.Context) (pending, inProgress, retrying int64, err error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM queue_entries
		WHERE status IN ('pending', 'in_progress', 'retrying')
		GROUP BY status`)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to query queue depth: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, 0, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			pending = n
		case StatusInProgress:
			inProgress = n
		case StatusRetrying:
			retrying = n
		}
	}
	return pending, inProgress, retrying, rows.Err()
}

// ActiveEntryForItem returns the item's non-terminal entry, or nil.
func (q *Queue) ActiveEntryForItem(ctx context.Context, itemID string) (*Entry, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+` FROM queue_entries
		WHERE item_id = ? AND status IN ('pending', 'in_progress', 'retrying')
		LIMIT 1`, itemID)
	entry, err := scanEntry(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return entry, err
}

// transition loads the entry inside a transaction, applies fn, and writes
// the result back. fn errors abort without modifying the row.
func (q *Queue) transition(ctx context.Context, id string, attempted Status, fn func(*Entry) error) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM queue_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		return err
	}

	if err := fn(entry); err != nil {
		return err
	}

	entry.UpdatedAt = q.now()
	_, err = tx.ExecContext(ctx, `
		UPDATE queue_entries SET status = ?, attempts = ?, next_retry_at = ?,
			last_error = ?, updated_at = ?
		WHERE id = ?`,
		string(entry.Status), entry.Attempts, entry.NextRetryAt, entry.LastError,
		entry.UpdatedAt, entry.ID)
	if err != nil {
		return fmt.Errorf("failed to update queue entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transition: %w", err)
	}

	slog.Debug("Queue entry transitioned", "entry_id", id, "status", entry.Status, "attempts", entry.Attempts)
	return nil
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var status string
	var nextRetry sql.NullTime
	err := row.Scan(&e.ID, &e.ItemID, &e.Priority, &status, &e.Attempts, &e.MaxAttempts,
		&nextRetry, &e.LastError, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan queue entry: %w", err)
	}
	e.Status = Status(status)
	if nextRetry.Valid {
		t := nextRetry.Time.UTC()
		e.NextRetryAt = &t
	}
	return &e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
