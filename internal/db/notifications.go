package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Notification events. Each is recorded at most once per batch, and
// job_failed at most once per job.
const (
	NotificationEventBatchFinished = "batch_finished"
	NotificationEventJobFailed     = "job_failed"
	NotificationEventAuditFailed   = "audit_failed"
)

const (
	NotificationStatusPending    = "pending"
	NotificationStatusProcessing = "processing"
	NotificationStatusSent       = "sent"
	NotificationStatusFailed     = "failed"
	NotificationStatusSkipped    = "skipped"
)

const (
	recoveredNotificationEventError = "dispatcher stopped while the event was being delivered"
	maxNotificationErrorRunes       = 512
	sqliteTimeFormat                = "2006-01-02T15:04:05Z"
)

type NotificationEvent struct {
	ID            int64
	BatchID       string
	JobID         string
	EventType     string
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt string
	CreatedAt     string
	UpdatedAt     string
}

// NotificationFilter narrows ListNotificationEvents. Zero fields match
// everything.
type NotificationFilter struct {
	BatchID string
	Status  string
	Limit   int
}

const notificationColumns = `id, batch_id, job_id, event_type, status, attempts, last_error, next_attempt_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotificationEvent(row rowScanner) (NotificationEvent, error) {
	var e NotificationEvent
	err := row.Scan(&e.ID, &e.BatchID, &e.JobID, &e.EventType, &e.Status, &e.Attempts,
		&e.LastError, &e.NextAttemptAt, &e.CreatedAt, &e.UpdatedAt)
	return e, err
}

const insertNotificationEvent = `
INSERT INTO notification_events(batch_id, job_id, event_type)
VALUES(?, ?, ?)
ON CONFLICT(batch_id, job_id, event_type) DO NOTHING`

// EnqueueNotificationEvent queues an event for batchID. jobID is empty for
// batch-level events. It reports false when the same event was already
// queued for the batch.
func (s *Store) EnqueueNotificationEvent(ctx context.Context, batchID, jobID, eventType string) (int64, bool, error) {
	if err := validateNotificationEventType(eventType); err != nil {
		return 0, false, err
	}
	res, err := s.Writer.ExecContext(ctx, insertNotificationEvent, batchID, jobID, eventType)
	if err != nil {
		return 0, false, fmt.Errorf("enqueue %s for batch %s: %w", eventType, batchID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("enqueue %s for batch %s: %w", eventType, batchID, err)
	}
	return id, true, nil
}

func enqueueNotificationEventTx(ctx context.Context, tx *sql.Tx, batchID, jobID, eventType string) error {
	if err := validateNotificationEventType(eventType); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertNotificationEvent, batchID, jobID, eventType); err != nil {
		return fmt.Errorf("enqueue %s for batch %s: %w", eventType, batchID, err)
	}
	return nil
}

func (s *Store) ListNotificationEvents(ctx context.Context, f NotificationFilter) ([]NotificationEvent, error) {
	var where []string
	var args []any
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	q := `SELECT ` + notificationColumns + ` FROM notification_events`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	defer rows.Close()

	var out []NotificationEvent
	for rows.Next() {
		e, err := scanNotificationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list notification events: %w", err)
	}
	return out, nil
}

// NotificationCounts returns how many of a batch's events are in each
// status.
func (s *Store) NotificationCounts(ctx context.Context, batchID string) (map[string]int, error) {
	rows, err := s.Reader.QueryContext(ctx, `
SELECT status, COUNT(*) FROM notification_events WHERE batch_id = ? GROUP BY status`, batchID)
	if err != nil {
		return nil, fmt.Errorf("count notifications for batch %s: %w", batchID, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan notification count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ClaimNextNotificationEvent moves the oldest due event to processing.
// An event is due when it is pending, or failed with fewer than
// maxAttempts attempts and its next_attempt_at has passed.
func (s *Store) ClaimNextNotificationEvent(ctx context.Context, maxAttempts int) (NotificationEvent, bool, error) {
	maxAttempts = max(maxAttempts, 1)
	q := `
UPDATE notification_events
SET status = 'processing',
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = (
	SELECT id FROM notification_events
	WHERE status IN ('pending', 'failed')
	  AND attempts < ?
	  AND next_attempt_at <= strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
	ORDER BY next_attempt_at ASC, id ASC
	LIMIT 1
)
RETURNING ` + notificationColumns

	e, err := scanNotificationEvent(s.Writer.QueryRowContext(ctx, q, maxAttempts))
	if errors.Is(err, sql.ErrNoRows) {
		return NotificationEvent{}, false, nil
	}
	if err != nil {
		return NotificationEvent{}, false, fmt.Errorf("claim notification event: %w", err)
	}
	return e, true, nil
}

func (s *Store) MarkNotificationEventSent(ctx context.Context, id int64) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'sent', last_error = '', updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark notification event %d sent: %w", id, err)
	}
	return nil
}

// MarkNotificationEventFailed counts a failed delivery and holds the event
// back for retryIn.
func (s *Store) MarkNotificationEventFailed(ctx context.Context, id int64, lastError string, retryIn time.Duration) error {
	next := time.Now().UTC().Add(max(retryIn, 0)).Format(sqliteTimeFormat)
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'failed',
    attempts = attempts + 1,
    last_error = ?,
    next_attempt_at = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, trimNotificationError(lastError), next, id)
	if err != nil {
		return fmt.Errorf("mark notification event %d failed: %w", id, err)
	}
	return nil
}

func (s *Store) MarkNotificationEventSkipped(ctx context.Context, id int64, reason string) error {
	_, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'skipped', last_error = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ?`, trimNotificationError(reason), id)
	if err != nil {
		return fmt.Errorf("mark notification event %d skipped: %w", id, err)
	}
	return nil
}

// RecoverProcessingNotificationEvents returns events claimed by a process
// that died mid-delivery to pending. The interrupted delivery is not
// counted as an attempt.
func (s *Store) RecoverProcessingNotificationEvents(ctx context.Context) (int64, error) {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'pending',
    last_error = ?,
    next_attempt_at = '',
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE status = 'processing'`, recoveredNotificationEventError)
	if err != nil {
		return 0, fmt.Errorf("recover processing notification events: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SkipExhaustedNotificationEvents(ctx context.Context, maxAttempts int) (int64, error) {
	if maxAttempts <= 0 {
		return 0, nil
	}
	res, err := s.Writer.ExecContext(ctx, `
UPDATE notification_events
SET status = 'skipped',
    last_error = CASE WHEN last_error = '' THEN 'max attempts reached' ELSE last_error END,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE status = 'failed' AND attempts >= ?`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("skip exhausted notification events: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOldNotificationEvents removes delivered or skipped events last
// touched more than olderThan ago.
func (s *Store) DeleteOldNotificationEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-olderThan).Format(sqliteTimeFormat)
	res, err := s.Writer.ExecContext(ctx, `
DELETE FROM notification_events
WHERE status IN ('sent', 'skipped') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old notification events: %w", err)
	}
	return res.RowsAffected()
}

func validateNotificationEventType(eventType string) error {
	switch eventType {
	case NotificationEventBatchFinished, NotificationEventJobFailed, NotificationEventAuditFailed:
		return nil
	default:
		return fmt.Errorf("unsupported notification event type %q", eventType)
	}
}

// trimNotificationError keeps the first maxNotificationErrorRunes runes of
// msg. Channel errors may quote Vietnamese section titles, so the cut never
// splits a character.
func trimNotificationError(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return "unknown error"
	}
	if utf8.RuneCountInString(msg) <= maxNotificationErrorRunes {
		return msg
	}
	return string([]rune(msg)[:maxNotificationErrorRunes])
}
