package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/matheus3301/courier/internal/status"
)

const queueColumns = `id, client_msg_id, optimistic_id, context_id, context_type,
	kind, body, attachment_ref, sender_id, status, retry_count, last_error,
	retry_after, created_at, updated_at`

// Enqueue persists a new queue entry with status pending and retry_count 0.
// The write is durable before Enqueue returns. Returns the queue id.
func (db *DB) Enqueue(e *QueuedMessage) (int64, error) {
	now := time.Now().UnixMilli()
	if e.CreatedAt == 0 {
		e.CreatedAt = now
	}
	res, err := db.Exec(`
		INSERT INTO queue (client_msg_id, optimistic_id, context_id, context_type,
			kind, body, attachment_ref, sender_id, status, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)`,
		e.ClientMsgID, e.OptimisticID, e.ContextID, e.ContextType,
		e.Kind, e.Body, e.AttachmentRef, e.SenderID, e.CreatedAt, now)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	e.ID = id
	e.Status = status.Pending
	e.UpdatedAt = now
	return id, nil
}

// UpdateStatus is an idempotent partial update. An unknown id is a
// no-op, not an error: the entry may have been confirmed and removed
// between a scheduler scan and this write.
func (db *DB) UpdateStatus(id int64, s status.Status, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(s), lastErr, now, id)
	return err
}

// Remove deletes the entry. Idempotent.
func (db *DB) Remove(id int64) error {
	_, err := db.Exec(`DELETE FROM queue WHERE id = ?`, id)
	return err
}

// Get returns the entry by queue id, or nil if it no longer exists.
func (db *DB) Get(id int64) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE id = ?`, id)
	return scanQueued(row)
}

// FindByOptimisticID returns the entry displayed under the given
// optimistic id, or nil.
func (db *DB) FindByOptimisticID(optimisticID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE optimistic_id = ?`, optimisticID)
	return scanQueued(row)
}

// FindByClientMsgID returns the entry with the given idempotency key, or nil.
func (db *DB) FindByClientMsgID(clientMsgID string) (*QueuedMessage, error) {
	row := db.QueryRow(`SELECT `+queueColumns+` FROM queue WHERE client_msg_id = ?`, clientMsgID)
	return scanQueued(row)
}

// ListPending returns entries with status pending or failed, oldest
// first, optionally scoped to a context. Both the retry scheduler and
// UI restoration on startup read from here.
func (db *DB) ListPending(contextID, contextType string) ([]QueuedMessage, error) {
	query := `SELECT ` + queueColumns + ` FROM queue WHERE status IN ('pending', 'failed')`
	var args []any
	if contextID != "" {
		query += ` AND context_id = ?`
		args = append(args, contextID)
	}
	if contextType != "" {
		query += ` AND context_type = ?`
		args = append(args, contextType)
	}
	query += ` ORDER BY created_at ASC, id ASC`

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var e QueuedMessage
		if err := scanQueuedInto(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// List returns every queue entry oldest first. Startup restoration
// reads from here so entries in any state, including failed_permanently
// and unconfirmed sent, become visible again.
func (db *DB) List() ([]QueuedMessage, error) {
	rows, err := db.Query(`SELECT ` + queueColumns + ` FROM queue ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []QueuedMessage
	for rows.Next() {
		var e QueuedMessage
		if err := scanQueuedInto(rows, &e); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// RequeueInterrupted resets entries left in sending by a previous run
// back to failed so the scheduler picks them up again. Returns the
// number of entries reset.
func (db *DB) RequeueInterrupted() (int64, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE queue SET status = 'failed', last_error = 'interrupted by shutdown', updated_at = ?
		WHERE status = 'sending'`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IncrementRetry records a failed attempt: bumps retry_count, sets
// status failed and the last error.
func (db *DB) IncrementRetry(id int64, lastErr string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET retry_count = retry_count + 1, status = 'failed',
			last_error = ?, updated_at = ?
		WHERE id = ?`, lastErr, now, id)
	return err
}

// MarkPermanentlyFailed demotes the entry to failed_permanently. The
// row stays visible for manual retry or deletion.
func (db *DB) MarkPermanentlyFailed(id int64, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET status = 'failed_permanently', last_error = ?, updated_at = ?
		WHERE id = ?`, reason, now, id)
	return err
}

// SetRetryAfter records a server rate-limit hint; the scheduler skips
// the entry until the timestamp elapses.
func (db *DB) SetRetryAfter(id int64, ts int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE queue SET retry_after = ?, updated_at = ? WHERE id = ?`, ts, now, id)
	return err
}

// ResetForRetry is the user-initiated manual retry: status back to
// pending, retry_count zeroed, error and rate-limit hint cleared.
func (db *DB) ResetForRetry(id int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE queue SET status = 'pending', retry_count = 0, last_error = '',
			retry_after = 0, updated_at = ?
		WHERE id = ?`, now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueued(row *sql.Row) (*QueuedMessage, error) {
	var e QueuedMessage
	err := scanQueuedInto(row, &e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func scanQueuedInto(r rowScanner, e *QueuedMessage) error {
	var s string
	err := r.Scan(&e.ID, &e.ClientMsgID, &e.OptimisticID, &e.ContextID, &e.ContextType,
		&e.Kind, &e.Body, &e.AttachmentRef, &e.SenderID, &s, &e.RetryCount, &e.LastError,
		&e.RetryAfter, &e.CreatedAt, &e.UpdatedAt)
	e.Status = status.Status(s)
	return err
}
