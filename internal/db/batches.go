package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"medi/internal/audit"
	"medi/internal/batch"
)

// Batch statuses.
const (
	BatchGenerating  = "generating"
	BatchAuditing    = "auditing"
	BatchFinished    = "finished"
	BatchReset       = "reset"
	BatchInterrupted = "interrupted"
)

// Batch is one persisted run.
type Batch struct {
	ID               string
	Source           string
	GenerationParams string
	Status           string
	AuditReport      string
	Total            int
	Passed           int
	Warnings         int
	Failed           int
	FailedJobs       int
	CreatedAt        string
	UpdatedAt        string
	FinishedAt       string
}

// NewBatchID returns a fresh batch id.
func NewBatchID() string {
	return "b-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CreateBatch records a new generating batch. params is stored verbatim
// and should be JSON.
func (s *Store) CreateBatch(ctx context.Context, id, source, params string) error {
	if params == "" {
		params = "{}"
	}
	const q = `INSERT INTO batches(id, source, generation_params, status) VALUES(?,?,?,'generating')`
	if _, err := s.Writer.ExecContext(ctx, q, id, source, params); err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// SetBatchStatus moves an unfinished batch to status.
func (s *Store) SetBatchStatus(ctx context.Context, id, status string) error {
	res, err := s.Writer.ExecContext(ctx, `
UPDATE batches SET status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status IN ('generating', 'auditing')`, status, id)
	if err != nil {
		return fmt.Errorf("set batch %s status %s: %w", id, status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("batch %s is not in progress", id)
	}
	return nil
}

// FinishBatch stores the audit result and its items and enqueues the
// batch notifications in one transaction. jobs must be the batch's jobs in
// submission order; items are attributed to jobs by that order.
func (s *Store) FinishBatch(ctx context.Context, id string, res audit.Result, jobs []batch.Job) error {
	tx, err := s.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finish batch: %w", err)
	}
	defer tx.Rollback()

	r, err := tx.ExecContext(ctx, `
UPDATE batches
SET status = 'finished', audit_report = ?, total = ?, passed = ?, warnings = ?, failed = ?, failed_jobs = ?,
    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
WHERE id = ? AND status IN ('generating', 'auditing')`,
		res.Report, res.Total, res.Passed, res.Warnings, res.Failed, len(res.FailedJobs), id)
	if err != nil {
		return fmt.Errorf("finish batch %s: %w", id, err)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return fmt.Errorf("batch %s is not in progress", id)
	}

	owners := itemOwners(jobs)
	if len(owners) != len(res.Items) {
		return fmt.Errorf("finish batch %s: %d items but jobs produced %d", id, len(res.Items), len(owners))
	}
	for i, it := range res.Items {
		if err := insertItemTx(ctx, tx, id, owners[i], i, it); err != nil {
			return err
		}
	}

	if err := enqueueNotificationEventTx(ctx, tx, id, "", NotificationEventBatchFinished); err != nil {
		return err
	}
	if res.Failed > 0 {
		if err := enqueueNotificationEventTx(ctx, tx, id, "", NotificationEventAuditFailed); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finish batch %s: %w", id, err)
	}
	return nil
}

// itemOwners lists the job id of every item in audit order, which follows
// job order and skips failed jobs.
func itemOwners(jobs []batch.Job) []string {
	var out []string
	for _, j := range jobs {
		if j.Status == batch.StatusFailed {
			continue
		}
		for range j.Result {
			out = append(out, j.ID)
		}
	}
	return out
}

const batchColumns = `id, source, generation_params, status, audit_report, total, passed, warnings, failed,
       failed_jobs, created_at, updated_at, COALESCE(finished_at,'')`

func scanBatch(row interface{ Scan(...any) error }) (Batch, error) {
	var b Batch
	err := row.Scan(&b.ID, &b.Source, &b.GenerationParams, &b.Status, &b.AuditReport,
		&b.Total, &b.Passed, &b.Warnings, &b.Failed, &b.FailedJobs,
		&b.CreatedAt, &b.UpdatedAt, &b.FinishedAt)
	return b, err
}

func (s *Store) GetBatch(ctx context.Context, id string) (Batch, error) {
	b, err := scanBatch(s.Reader.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, fmt.Errorf("batch %s: %w", id, ErrNotFound)
		}
		return Batch{}, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// ListBatches returns the newest batches first. limit <= 0 lists all.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]Batch, error) {
	q := `SELECT ` + batchColumns + ` FROM batches ORDER BY created_at DESC, rowid DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.Reader.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ResolveBatchID resolves a full id or unique prefix. The "b-" prefix is
// optional.
func (s *Store) ResolveBatchID(ctx context.Context, prefix string) (string, error) {
	var id string
	err := s.Reader.QueryRowContext(ctx, `SELECT id FROM batches WHERE id = ?`, prefix).Scan(&id)
	if err == nil {
		return id, nil
	}

	like := prefix + "%"
	if !strings.HasPrefix(prefix, "b-") {
		like = "b-" + prefix + "%"
	}
	rows, err := s.Reader.QueryContext(ctx, `SELECT id FROM batches WHERE id LIKE ? ORDER BY created_at DESC LIMIT 2`, like)
	if err != nil {
		return "", fmt.Errorf("resolve batch ID %q: %w", prefix, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return "", fmt.Errorf("scan batch ID: %w", err)
		}
		matches = append(matches, m)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no batch matching %q: %w", prefix, ErrNotFound)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("ambiguous batch prefix %q (matches %s and others)", prefix, matches[0])
	}
}

// Params decodes the stored generation parameters into v.
func (b Batch) Params(v any) error {
	if err := json.Unmarshal([]byte(b.GenerationParams), v); err != nil {
		return fmt.Errorf("decode batch params: %w", err)
	}
	return nil
}
