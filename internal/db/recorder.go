package db

import (
	"context"
	"fmt"
	"log/slog"

	"medi/internal/batch"
)

// Recorder mirrors the snapshots of one scheduler generation into a batch
// row. It is not safe for concurrent use.
type Recorder struct {
	store    *Store
	batchID  string
	gen      uint64
	auditing bool
	done     bool
}

func NewRecorder(store *Store, batchID string, gen uint64) *Recorder {
	return &Recorder{store: store, batchID: batchID, gen: gen}
}

// Record persists snap. It reports true once the batch reached a final
// state: finished, or superseded by a newer generation.
func (r *Recorder) Record(ctx context.Context, snap batch.Snapshot) (bool, error) {
	if r.done {
		return true, nil
	}
	if snap.Generation < r.gen {
		return false, nil
	}
	if snap.Generation > r.gen {
		r.done = true
		if err := r.store.SetBatchStatus(ctx, r.batchID, BatchReset); err != nil {
			return true, err
		}
		slog.Info("batch superseded", "batch", r.batchID, "generation", r.gen)
		return true, nil
	}

	if err := r.store.SaveJobs(ctx, r.batchID, snap.Jobs); err != nil {
		return false, err
	}
	switch snap.Stage {
	case batch.StageAudit:
		if !r.auditing {
			r.auditing = true
			if err := r.store.SetBatchStatus(ctx, r.batchID, BatchAuditing); err != nil {
				return false, err
			}
		}
	case batch.StageFinished:
		if snap.Audit == nil {
			return false, fmt.Errorf("batch %s finished without an audit result", r.batchID)
		}
		r.done = true
		if err := r.store.FinishBatch(ctx, r.batchID, *snap.Audit, snap.Jobs); err != nil {
			return true, err
		}
		slog.Info("batch recorded", "batch", r.batchID, "items", snap.Audit.Total, "failed", snap.Audit.Failed)
		return true, nil
	}
	return false, nil
}

// Follow records snapshots from ch until the batch is final, ch closes or
// ctx is done. A closed, cancelled or failed follow marks the batch
// interrupted.
func (r *Recorder) Follow(ctx context.Context, ch <-chan batch.Snapshot) error {
	for {
		select {
		case <-ctx.Done():
			return r.interrupt()
		case snap, ok := <-ch:
			if !ok {
				return r.interrupt()
			}
			done, err := r.Record(ctx, snap)
			if err != nil {
				if ierr := r.interrupt(); ierr != nil {
					slog.Warn("recorder: mark batch interrupted", "batch", r.batchID, "err", ierr)
				}
				return err
			}
			if done {
				return nil
			}
		}
	}
}

func (r *Recorder) interrupt() error {
	if r.done {
		return nil
	}
	r.done = true
	return r.store.SetBatchStatus(context.Background(), r.batchID, BatchInterrupted)
}
