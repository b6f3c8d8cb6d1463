package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"medi/internal/audit"
	"medi/internal/mcq"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeClock only moves when the test advances it.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	c       chan time.Time
	at      time.Time
	fired   bool
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, c: make(chan time.Time, 1), at: c.now.Add(d)}
	c.timers = append(c.timers, t)
	c.fireLocked()
	return t
}

func (c *fakeClock) fireLocked() {
	kept := c.timers[:0]
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if !t.at.After(c.now) {
			t.fired = true
			t.c <- c.now
			continue
		}
		kept = append(kept, t)
	}
	c.timers = kept
}

// pending returns the earliest armed timer deadline.
func (c *fakeClock) pending() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var next time.Time
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if next.IsZero() || t.at.Before(next) {
			next = t.at
		}
	}
	return next, !next.IsZero()
}

func (c *fakeClock) advanceTo(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at.After(c.now) {
		c.now = at
	}
	c.fireLocked()
}

func (t *fakeTimer) C() <-chan time.Time { return t.c }

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.fired && !t.stopped
	t.stopped = true
	return active
}

// recorder is an Observer that keeps everything it sees.
type recorder struct {
	mu         sync.Mutex
	clock      Clock
	laneStates map[int][]LaneStatus
	retries    []Job
	retryWaits []time.Duration
	rateLimits int
	finished   []Job
	batches    int
	violations []string
	maxLanes   int
}

func newRecorder(clock Clock, lanes int) *recorder {
	return &recorder{clock: clock, laneStates: make(map[int][]LaneStatus), maxLanes: lanes}
}

func (r *recorder) LanesChanged(lanes []Lane) {
	r.mu.Lock()
	defer r.mu.Unlock()
	busy := 0
	seen := map[string]bool{}
	for _, l := range lanes {
		states := r.laneStates[l.ID]
		if len(states) == 0 || states[len(states)-1] != l.Status {
			r.laneStates[l.ID] = append(states, l.Status)
		}
		if l.Status == LaneBusy {
			busy++
			if l.CurrentJobID == "" {
				r.violations = append(r.violations, fmt.Sprintf("busy lane %d without job", l.ID))
			}
			if seen[l.CurrentJobID] {
				r.violations = append(r.violations, fmt.Sprintf("job %s on two lanes", l.CurrentJobID))
			}
			seen[l.CurrentJobID] = true
		}
	}
	if busy > r.maxLanes {
		r.violations = append(r.violations, fmt.Sprintf("%d busy lanes > %d", busy, r.maxLanes))
	}
}

func (r *recorder) JobRetrying(job Job, rateLimited bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, job)
	r.retryWaits = append(r.retryWaits, job.NextRetryTime.Sub(r.clock.Now()))
	if rateLimited {
		r.rateLimits++
	}
}

func (r *recorder) JobFinished(job Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, job)
}

func (r *recorder) BatchFinished(audit.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
}

func start(t *testing.T, cfg Config, exec Executor) *Scheduler {
	t.Helper()
	s := New(cfg, exec)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	return s
}

func waitFinished(t *testing.T, s *Scheduler, gen uint64) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	snap, err := s.Wait(ctx, gen)
	require.NoError(t, err)
	return snap
}

// drive advances the fake clock to each armed deadline until gen finishes.
// Only safe with a single job, where no timer is armed while a call is in
// flight.
func drive(t *testing.T, s *Scheduler, clock *fakeClock, gen uint64) Snapshot {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if snap := s.Snapshot(); snap.Generation == gen && snap.Finished() {
			return snap
		}
		if at, ok := clock.pending(); ok {
			clock.advanceTo(at)
			continue
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("batch did not finish")
	return Snapshot{}
}

func sections(n int) []Section {
	out := make([]Section, n)
	for i := range out {
		out[i] = Section{Title: fmt.Sprintf("Section %d", i+1), Content: fmt.Sprintf("content of section %d", i+1)}
	}
	return out
}

func itemFor(job Job) mcq.Item {
	return mcq.Item{Front: "Q " + job.SectionTitle, CorrectOption: "A", OriginalQuote: job.SectionContent, SourceHeading: job.SectionTitle}
}

func TestBackoff(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 4*time.Second, Backoff(DefaultBackoffBase, 1))
	assert.Equal(t, 8*time.Second, Backoff(DefaultBackoffBase, 2))
	assert.Equal(t, 16*time.Second, Backoff(DefaultBackoffBase, 3))
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	assert.True(t, CanTransition(StatusQueued, StatusRunning))
	assert.True(t, CanTransition(StatusRunning, StatusRetrying))
	assert.True(t, CanTransition(StatusRetrying, StatusRunning))
	assert.False(t, CanTransition(StatusQueued, StatusCompleted))
	assert.False(t, CanTransition(StatusCompleted, StatusRunning))
	assert.False(t, CanTransition(StatusFailed, StatusRetrying))
}

func TestAllSucceedInOneWave(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder(clock, DefaultLanes)
	var audits atomic.Int32
	var mu sync.Mutex
	lanesUsed := map[int]int{}

	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		mu.Lock()
		lanesUsed[job.LaneID]++
		mu.Unlock()
		progress(StepGenerate)
		return []mcq.Item{itemFor(job)}, nil
	})
	cfg := Config{
		Clock:    clock,
		Observer: rec,
		Audit: func(src []audit.Source) audit.Result {
			audits.Add(1)
			return audit.Run(src)
		},
	}
	s := start(t, cfg, exec)

	gen, err := s.Submit(context.Background(), sections(5))
	require.NoError(t, err)
	snap := waitFinished(t, s, gen)

	assert.EqualValues(t, 1, audits.Load())
	assert.Equal(t, map[int]int{1: 1, 2: 1, 3: 1, 4: 1, 5: 1}, lanesUsed, "one job per lane")
	require.NotNil(t, snap.Audit)
	assert.Len(t, snap.Audit.Items, 5)
	var fronts []string
	for _, it := range snap.Audit.Items {
		fronts = append(fronts, it.Front)
	}
	assert.ElementsMatch(t, []string{"Q Section 1", "Q Section 2", "Q Section 3", "Q Section 4", "Q Section 5"}, fronts)
	for _, j := range snap.Jobs {
		assert.Equal(t, StatusCompleted, j.Status)
		assert.Equal(t, StepDone, j.Step)
		assert.Zero(t, j.LaneID)
	}
	for _, l := range snap.Lanes {
		assert.Equal(t, LaneIdle, l.Status)
	}
	assert.Empty(t, rec.violations)
}

func TestRateLimitCoolsLaneAndRetries(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder(clock, 1)
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("generate mcq: Error 429, Message: quota, Status: RESOURCE_EXHAUSTED")
		}
		return []mcq.Item{itemFor(job)}, nil
	})
	s := start(t, Config{Lanes: 1, Clock: clock, Observer: rec}, exec)

	gen, err := s.Submit(context.Background(), sections(1))
	require.NoError(t, err)
	snap := drive(t, s, clock, gen)

	require.Len(t, snap.Jobs, 1)
	job := snap.Jobs[0]
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	assert.EqualValues(t, 3, calls.Load())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 2, rec.rateLimits)
	require.Len(t, rec.retries, 2)
	assert.Equal(t, "Rate limit. Retry #1", rec.retries[0].Error)
	assert.Equal(t, "Rate limit. Retry #2", rec.retries[1].Error)
	assert.Equal(t, []LaneStatus{
		LaneIdle, LaneBusy, LaneCooldown, LaneIdle, LaneBusy, LaneCooldown, LaneIdle, LaneBusy, LaneIdle,
	}, rec.laneStates[1])
	assert.Equal(t, 1, rec.batches)
}

func TestNonRateLimitFailuresExhaustRetries(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder(clock, DefaultLanes)
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		calls.Add(1)
		return nil, errors.New("malformed response")
	})
	s := start(t, Config{Clock: clock, Observer: rec}, exec)

	gen, err := s.Submit(context.Background(), sections(1))
	require.NoError(t, err)
	snap := drive(t, s, clock, gen)

	job := snap.Jobs[0]
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 4, job.RetryCount)
	assert.Equal(t, "malformed response", job.Error)
	assert.EqualValues(t, 4, calls.Load())

	require.NotNil(t, snap.Audit)
	assert.Empty(t, snap.Audit.Items)
	require.Len(t, snap.Audit.FailedJobs, 1)
	assert.Equal(t, "malformed response", snap.Audit.FailedJobs[0].Error)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second}, rec.retryWaits)
	assert.Zero(t, rec.rateLimits)
	for id, states := range rec.laneStates {
		assert.NotContains(t, states, LaneCooldown, "lane %d", id)
	}
	require.Len(t, rec.finished, 1)
	assert.Equal(t, StatusFailed, rec.finished[0].Status)
}

func TestQueuedJobsRunBeforeElapsedRetries(t *testing.T) {
	clock := newFakeClock()
	type call struct {
		title string
		lane  int
	}
	calls := make(chan call, 8)
	release := map[string]chan struct{}{
		"Section 2": make(chan struct{}),
		"Section 3": make(chan struct{}),
	}
	var firstAttempt atomic.Bool
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		calls <- call{job.SectionTitle, job.LaneID}
		if job.SectionTitle == "Section 1" && !firstAttempt.Swap(true) {
			return nil, errors.New("Error 429, Status: RESOURCE_EXHAUSTED")
		}
		if ch, ok := release[job.SectionTitle]; ok {
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []mcq.Item{itemFor(job)}, nil
	})
	s := start(t, Config{Lanes: 2, Cooldown: 30 * time.Second, Clock: clock}, exec)

	gen, err := s.Submit(context.Background(), sections(3))
	require.NoError(t, err)

	next := func() call {
		t.Helper()
		select {
		case c := <-calls:
			return c
		case <-time.After(5 * time.Second):
			t.Fatal("no executor call")
			return call{}
		}
	}
	got := []call{next(), next()}
	assert.ElementsMatch(t, []call{{"Section 1", 1}, {"Section 2", 2}}, got)

	require.Eventually(t, func() bool {
		snap := s.Snapshot()
		return snap.Jobs[0].Status == StatusRetrying && snap.Lanes[0].Status == LaneCooldown
	}, 5*time.Second, time.Millisecond)

	// Retry backoff has elapsed but lane 1 is still cooling down.
	clock.advanceTo(clock.Now().Add(Backoff(DefaultBackoffBase, 1)))

	close(release["Section 2"])
	assert.Equal(t, call{"Section 3", 2}, next(), "queued job goes before the elapsed retry")

	close(release["Section 3"])
	assert.Equal(t, call{"Section 1", 2}, next(), "retry runs on the free lane instead of waiting for lane 1")

	snap := waitFinished(t, s, gen)
	assert.Equal(t, 3, snap.Counts()[StatusCompleted])
	assert.Equal(t, 1, snap.Jobs[0].RetryCount)
}

func TestRateLimitedFinalAttemptFinalizesAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	rec := newRecorder(clock, 1)
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		calls.Add(1)
		return nil, errors.New("429 Too Many Requests")
	})
	s := start(t, Config{Lanes: 1, Cooldown: 30 * time.Second, Clock: clock, Observer: rec}, exec)

	begin := clock.Now()
	gen, err := s.Submit(context.Background(), sections(1))
	require.NoError(t, err)
	snap := drive(t, s, clock, gen)

	job := snap.Jobs[0]
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 4, job.RetryCount)
	assert.Equal(t, "429 Too Many Requests", job.Error)
	assert.EqualValues(t, 4, calls.Load())
	// Attempts start at 0s, 30s, 60s and 90s; the audit waits for the last
	// cooldown to end.
	assert.Equal(t, 120*time.Second, clock.Now().Sub(begin))

	require.NotNil(t, snap.Audit)
	require.Len(t, snap.Audit.FailedJobs, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.rateLimits)
	states := rec.laneStates[1]
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, []LaneStatus{LaneCooldown, LaneIdle}, states[len(states)-2:])
	assert.Equal(t, 1, rec.batches)
}

func TestSnapshotAuditIsIsolated(t *testing.T) {
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		it := itemFor(job)
		it.OriginalQuote = "short"
		return []mcq.Item{it}, nil
	})
	s := start(t, Config{Lanes: 1, Clock: newFakeClock()}, exec)

	gen, err := s.Submit(context.Background(), sections(1))
	require.NoError(t, err)
	first := waitFinished(t, s, gen)
	require.NotNil(t, first.Audit)
	require.NotEmpty(t, first.Audit.Items[0].AuditNotes)
	want := first.Audit.Items[0].AuditNotes[0]

	first.Audit.Items[0].AuditNotes[0] = "tampered"
	first.Audit.Items[0].Front = "tampered"

	second := s.Snapshot()
	assert.Equal(t, want, second.Audit.Items[0].AuditNotes[0])
	assert.Equal(t, "Q Section 1", second.Audit.Items[0].Front)
}

func TestLaneCapacityInvariant(t *testing.T) {
	const lanes = 3
	rec := newRecorder(realClock{}, lanes)
	var inFlight, peak atomic.Int32
	var attempts sync.Map

	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		v, _ := attempts.LoadOrStore(job.ID, new(atomic.Int32))
		if v.(*atomic.Int32).Add(1) == 1 && len(job.SectionTitle)%2 == 0 {
			return nil, errors.New("429 Too Many Requests")
		}
		return []mcq.Item{itemFor(job)}, nil
	})
	cfg := Config{
		Lanes:       lanes,
		Cooldown:    3 * time.Millisecond,
		BackoffBase: time.Millisecond,
		Observer:    rec,
	}
	s := start(t, cfg, exec)

	gen, err := s.Submit(context.Background(), sections(12))
	require.NoError(t, err)
	snap := waitFinished(t, s, gen)

	assert.LessOrEqual(t, peak.Load(), int32(lanes))
	assert.Equal(t, 12, snap.Counts()[StatusCompleted])
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.violations)
	assert.Equal(t, 1, rec.batches)
}

func TestResetDropsStaleResults(t *testing.T) {
	rec := newRecorder(realClock{}, DefaultLanes)
	started := make(chan string, 4)
	release := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		started <- job.ID
		if job.SectionTitle == "old" {
			// Ignores cancellation so its result arrives after the reset.
			<-release
			return []mcq.Item{{Front: "stale"}}, nil
		}
		return []mcq.Item{itemFor(job)}, nil
	})
	s := start(t, Config{Observer: rec}, exec)

	gen1, err := s.Submit(context.Background(), []Section{{Title: "old", Content: "old content"}})
	require.NoError(t, err)
	oldID := <-started

	require.NoError(t, s.Reset(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, StageSetup, snap.Stage)
	assert.Empty(t, snap.Jobs)
	for _, l := range snap.Lanes {
		assert.Equal(t, LaneIdle, l.Status)
	}

	close(release)

	g2, err := s.Submit(context.Background(), []Section{{Title: "new", Content: "new content"}})
	require.NoError(t, err)
	assert.Greater(t, g2, gen1)
	final := waitFinished(t, s, g2)

	require.NotNil(t, final.Audit)
	require.Len(t, final.Audit.Items, 1)
	assert.Equal(t, "Q new", final.Audit.Items[0].Front)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, j := range rec.finished {
		assert.NotEqual(t, oldID, j.ID, "stale job must not finish")
	}
}

func TestSubmitValidation(t *testing.T) {
	block := make(chan struct{})
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil, ctx.Err()
	})
	s := start(t, Config{}, exec)
	defer close(block)

	_, err := s.Submit(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = s.Submit(context.Background(), sections(2))
	require.NoError(t, err)
	_, err = s.Submit(context.Background(), sections(1))
	assert.ErrorIs(t, err, ErrBatchActive)
}

func TestExecutorPanicIsRetried(t *testing.T) {
	clock := newFakeClock()
	var calls atomic.Int32
	exec := ExecutorFunc(func(ctx context.Context, job Job, progress func(Step)) ([]mcq.Item, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return []mcq.Item{itemFor(job)}, nil
	})
	s := start(t, Config{Clock: clock}, exec)

	gen, err := s.Submit(context.Background(), sections(1))
	require.NoError(t, err)
	snap := drive(t, s, clock, gen)
	assert.Equal(t, StatusCompleted, snap.Jobs[0].Status)
	assert.Equal(t, 1, snap.Jobs[0].RetryCount)
}
