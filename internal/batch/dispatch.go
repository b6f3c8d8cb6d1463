package batch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"medi/internal/mcq"
)

// Executor runs one job against the LLM backend. progress reports step
// labels for display. Implementations must return promptly once ctx is
// cancelled.
type Executor interface {
	Execute(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error)

func (f ExecutorFunc) Execute(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
	return f(ctx, job, progress)
}

// dispatch runs job on its own goroutine and reports the outcome back to
// the scheduler loop tagged with the generation it was started under.
func (s *Scheduler) dispatch(ctx context.Context, gen uint64, job Job, laneID int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		items, err := s.invoke(ctx, gen, job, laneID)
		_ = s.send(context.Background(), resultEvent{gen: gen, jobID: job.ID, laneID: laneID, items: items, err: err})
	}()
}

func (s *Scheduler) invoke(ctx context.Context, gen uint64, job Job, laneID int) (items []mcq.Item, err error) {
	// Panic recovery.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("executor panic", "lane", laneID, "job", job.ShortID(), "panic", r, "stack", string(debug.Stack()))
			items = nil
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()

	slog.Debug("lane processing job", "lane", laneID, "job", job.ShortID(), "attempt", job.RetryCount+1)

	progress := func(step Step) {
		_ = s.send(ctx, stepEvent{gen: gen, jobID: job.ID, step: step})
	}
	return s.exec.Execute(ctx, job, progress)
}
