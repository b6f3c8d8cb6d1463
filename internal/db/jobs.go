package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"medi/internal/batch"
)

// Job is a persisted job row.
type Job struct {
	ID             string
	BatchID        string
	Position       int
	SectionTitle   string
	SectionContent string
	Status         string
	Step           string
	LaneID         int
	RetryCount     int
	NextRetryAt    string
	Error          string
	UpdatedAt      string
}

// reachable reports whether to can follow from through zero or more legal
// transitions. Snapshots coalesce, so intermediate states may be skipped.
func reachable(from, to batch.Status) bool {
	if from == to {
		return true
	}
	seen := map[batch.Status]bool{from: true}
	queue := []batch.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range batch.ValidTransitions[cur] {
			if next == to {
				return true
			}
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// SaveJobs upserts the jobs of a batch from a scheduler snapshot. A stored
// status may only move forward along batch.ValidTransitions. A job newly
// reaching failed enqueues a job_failed notification.
func (s *Store) SaveJobs(ctx context.Context, batchID string, jobs []batch.Job) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save jobs: %w", err)
	}
	defer tx.Rollback()

	for i, j := range jobs {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, j.ID).Scan(&cur)
		exists := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("load job %s: %w", j.ID, err)
		}
		from := batch.StatusQueued
		if exists {
			from = batch.Status(cur)
		}
		if !reachable(from, j.Status) {
			return fmt.Errorf("invalid transition for job %s: %s -> %s", j.ID, from, j.Status)
		}

		var nextRetry any
		if !j.NextRetryTime.IsZero() {
			nextRetry = j.NextRetryTime.UTC().Format(time.RFC3339)
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO jobs(id, batch_id, position, section_title, section_content, status, step, lane_id, retry_count, next_retry_at, error)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
    status = excluded.status,
    step = excluded.step,
    lane_id = excluded.lane_id,
    retry_count = excluded.retry_count,
    next_retry_at = excluded.next_retry_at,
    error = excluded.error,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')`,
			j.ID, batchID, i, j.SectionTitle, j.SectionContent, string(j.Status), string(j.Step),
			j.LaneID, j.RetryCount, nextRetry, j.Error); err != nil {
			return fmt.Errorf("save job %s: %w", j.ID, err)
		}

		if j.Status == batch.StatusFailed && from != batch.StatusFailed {
			if err := enqueueNotificationEventTx(ctx, tx, batchID, j.ID, NotificationEventJobFailed); err != nil {
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save jobs: %w", err)
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, batchID string) ([]Job, error) {
	rows, err := s.Reader.QueryContext(ctx, `
SELECT id, batch_id, position, section_title, section_content, status, step, lane_id, retry_count,
       COALESCE(next_retry_at,''), error, updated_at
FROM jobs WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.BatchID, &j.Position, &j.SectionTitle, &j.SectionContent,
			&j.Status, &j.Step, &j.LaneID, &j.RetryCount, &j.NextRetryAt, &j.Error, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var j Job
	err := s.Reader.QueryRowContext(ctx, `
SELECT id, batch_id, position, section_title, section_content, status, step, lane_id, retry_count,
       COALESCE(next_retry_at,''), error, updated_at
FROM jobs WHERE id = ?`, id).Scan(&j.ID, &j.BatchID, &j.Position, &j.SectionTitle, &j.SectionContent,
		&j.Status, &j.Step, &j.LaneID, &j.RetryCount, &j.NextRetryAt, &j.Error, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}
