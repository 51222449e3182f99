package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/mdkeeper/mdkeeper/internal/mkerrors"
)

// Event kinds.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventMove   = "move"
	EventDelete = "delete"
)

// Event statuses.
const (
	StatusQueued   = "queued"
	StatusInFlight = "in_flight"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// Event is one durable event log record.
type Event struct {
	ID            int64
	Path          string
	Kind          string
	NewPath       string // move destination
	EnqueuedAtMS  int64
	NextAttemptMS int64
	AttemptCount  int
	Status        string
	LastError     string
}

// EnqueueEvent appends a file event. An identical queued record for the
// same path refreshes its enqueue time instead of duplicating, which
// also restarts the debounce window.
func (s *Store) EnqueueEvent(ctx context.Context, path, kind, newPath string) error {
	const op = "store.EnqueueEvent"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	now := time.Now().UnixMilli()

	res, err := s.writeDB.ExecContext(ctx, `
		UPDATE events SET enqueued_at_ms = ?
		WHERE status = 'queued' AND path = ? AND kind = ? AND new_path = ?`,
		now, path, kind, newPath)
	if err != nil {
		return wrapWriteError(op, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.writeDB.ExecContext(ctx, `
		INSERT INTO events (path, kind, new_path, enqueued_at_ms, next_attempt_ms, status)
		VALUES (?, ?, ?, ?, 0, 'queued')`,
		path, kind, newPath, now); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// NextEligiblePath finds the path whose oldest queued event is ready:
// the debounce window has passed since the path's most recent enqueue,
// no record for the path is in flight, and any backoff deadline is due.
// Returns "" when nothing is eligible.
func (s *Store) NextEligiblePath(ctx context.Context, debounce time.Duration) (string, error) {
	const op = "store.NextEligiblePath"

	now := time.Now().UnixMilli()
	cutoff := now - debounce.Milliseconds()

	var path string
	err := s.readDB.QueryRowContext(ctx, `
		SELECT path FROM events e
		WHERE status = 'queued'
		  AND next_attempt_ms <= ?
		  AND NOT EXISTS (SELECT 1 FROM events f WHERE f.path = e.path AND f.status = 'in_flight')
		GROUP BY path
		HAVING MAX(enqueued_at_ms) <= ?
		ORDER BY MIN(enqueued_at_ms) ASC
		LIMIT 1`, now, cutoff).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return path, nil
}

// QueuedEventsForPath returns the path's queued records in arrival order.
func (s *Store) QueuedEventsForPath(ctx context.Context, path string) ([]Event, error) {
	const op = "store.QueuedEventsForPath"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, path, kind, new_path, enqueued_at_ms, next_attempt_ms, attempt_count, status, last_error
		FROM events WHERE path = ? AND status = 'queued' ORDER BY id ASC`, path)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkInFlight leases one record: queued -> in_flight. At most one
// record per path may be in flight; the eligibility query upholds that.
func (s *Store) MarkInFlight(ctx context.Context, id int64) error {
	return s.setEventStatus(ctx, id, StatusInFlight, "")
}

// MarkDone finishes records, stamping processed_at so pruning can age
// them out.
func (s *Store) MarkDone(ctx context.Context, ids ...int64) error {
	const op = "store.MarkDone"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	now := nowUTC()
	for _, id := range ids {
		if _, err := s.writeDB.ExecContext(ctx,
			"UPDATE events SET status = 'done', processed_at = ? WHERE id = ?", now, id); err != nil {
			return wrapWriteError(op, err)
		}
	}
	return nil
}

// RequeueEvent returns a failed attempt to the queue with its backoff
// deadline.
func (s *Store) RequeueEvent(ctx context.Context, id int64, attemptCount int, nextAttempt time.Time, lastError string) error {
	const op = "store.RequeueEvent"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	if _, err := s.writeDB.ExecContext(ctx, `
		UPDATE events SET status = 'queued', attempt_count = ?, next_attempt_ms = ?, last_error = ?
		WHERE id = ?`,
		attemptCount, nextAttempt.UnixMilli(), lastError, id); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// FailEvent marks a record terminally failed.
func (s *Store) FailEvent(ctx context.Context, id int64, lastError string) error {
	return s.setEventStatus(ctx, id, StatusFailed, lastError)
}

func (s *Store) setEventStatus(ctx context.Context, id int64, status, lastError string) error {
	const op = "store.setEventStatus"

	if s.writeDB == nil {
		return mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	var processedAt any
	if status == StatusDone || status == StatusFailed {
		processedAt = nowUTC()
	}
	if _, err := s.writeDB.ExecContext(ctx,
		"UPDATE events SET status = ?, last_error = ?, processed_at = COALESCE(?, processed_at) WHERE id = ?",
		status, lastError, processedAt, id); err != nil {
		return wrapWriteError(op, err)
	}
	return nil
}

// ReplayInFlight resets crash-orphaned in_flight records to queued,
// keeping their attempt counts. Returns how many were reset.
func (s *Store) ReplayInFlight(ctx context.Context) (int, error) {
	const op = "store.ReplayInFlight"

	if s.writeDB == nil {
		return 0, mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	res, err := s.writeDB.ExecContext(ctx,
		"UPDATE events SET status = 'queued' WHERE status = 'in_flight'")
	if err != nil {
		return 0, wrapWriteError(op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PruneDoneEvents deletes done records processed before the retention
// cutoff. Returns how many were removed.
func (s *Store) PruneDoneEvents(ctx context.Context, retention time.Duration) (int, error) {
	const op = "store.PruneDoneEvents"

	if s.writeDB == nil {
		return 0, mkerrors.New(mkerrors.KindInvalid, op, "store is read-only")
	}
	cutoff := time.Now().UTC().Add(-retention).Format(time.RFC3339)
	res, err := s.writeDB.ExecContext(ctx,
		"DELETE FROM events WHERE status = 'done' AND processed_at < ?", cutoff)
	if err != nil {
		return 0, wrapWriteError(op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// QueueStatus summarizes the event log.
type QueueStatus struct {
	Queued     int   `json:"queued"`
	InFlight   int   `json:"in_flight"`
	Done       int   `json:"done"`
	Failed     int   `json:"failed"`
	LagSeconds int64 `json:"lag_seconds"` // age of the oldest queued record
}

// EventQueueStatus counts records per status and measures queue lag.
func (s *Store) EventQueueStatus(ctx context.Context) (QueueStatus, error) {
	const op = "store.EventQueueStatus"

	var st QueueStatus
	rows, err := s.readDB.QueryContext(ctx, "SELECT status, COUNT(*) FROM events GROUP BY status")
	if err != nil {
		return st, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return st, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		switch status {
		case StatusQueued:
			st.Queued = n
		case StatusInFlight:
			st.InFlight = n
		case StatusDone:
			st.Done = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return st, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}

	var oldest sql.NullInt64
	err = s.readDB.QueryRowContext(ctx,
		"SELECT MIN(enqueued_at_ms) FROM events WHERE status = 'queued'").Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return st, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	if oldest.Valid {
		st.LagSeconds = (time.Now().UnixMilli() - oldest.Int64) / 1000
	}
	return st, nil
}

// FailedEvents lists terminally failed records for stats and reports.
func (s *Store) FailedEvents(ctx context.Context) ([]Event, error) {
	const op = "store.FailedEvents"

	rows, err := s.readDB.QueryContext(ctx, `
		SELECT id, path, kind, new_path, enqueued_at_ms, next_attempt_ms, attempt_count, status, last_error
		FROM events WHERE status = 'failed' ORDER BY id ASC`)
	if err != nil {
		return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountEvents returns the number of records with the given status.
func (s *Store) CountEvents(ctx context.Context, status string) (int, error) {
	const op = "store.CountEvents"

	var n int
	if err := s.readDB.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE status = ?", status).Scan(&n); err != nil {
		return 0, mkerrors.Wrap(mkerrors.KindRetry, op, err)
	}
	return n, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	const op = "store.scanEvents"

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.Path, &e.Kind, &e.NewPath, &e.EnqueuedAtMS,
			&e.NextAttemptMS, &e.AttemptCount, &e.Status, &e.LastError); err != nil {
			return nil, mkerrors.Wrap(mkerrors.KindRetry, op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
