package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"medi/internal/mcq"
)

// Item is a persisted audited item.
type Item struct {
	ID       int64
	BatchID  string
	JobID    string
	Position int
	mcq.Item
}

func insertItemTx(ctx context.Context, tx *sql.Tx, batchID, jobID string, pos int, it mcq.Item) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("encode item %d: %w", pos, err)
	}
	notes, err := json.Marshal(it.AuditNotes)
	if err != nil {
		return fmt.Errorf("encode item %d notes: %w", pos, err)
	}
	if it.AuditNotes == nil {
		notes = []byte("[]")
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO items(batch_id, job_id, position, payload, audit_status, audit_notes)
VALUES(?,?,?,?,?,?)`, batchID, jobID, pos, string(payload), string(it.AuditStatus), string(notes)); err != nil {
		return fmt.Errorf("insert item %d: %w", pos, err)
	}
	return nil
}

// ListItems returns a batch's items in audit order.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]Item, error) {
	rows, err := s.Reader.QueryContext(ctx, `
SELECT id, batch_id, job_id, position, payload FROM items WHERE batch_id = ? ORDER BY position ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it      Item
			payload string
		)
		if err := rows.Scan(&it.ID, &it.BatchID, &it.JobID, &it.Position, &payload); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &it.Item); err != nil {
			return nil, fmt.Errorf("decode item %d: %w", it.ID, err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
