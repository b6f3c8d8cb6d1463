package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"medi/internal/audit"
	"medi/internal/llm/ratelimit"
	"medi/internal/mcq"
)

// Defaults for Config.
const (
	DefaultLanes       = 5
	DefaultCooldown    = 5 * time.Second
	DefaultBackoffBase = 2 * time.Second
	DefaultMaxRetries  = 3
)

var (
	ErrEmptyBatch  = errors.New("batch has no sections")
	ErrBatchActive = errors.New("a batch is already in progress")
	ErrStopped     = errors.New("scheduler stopped")
	ErrReset       = errors.New("batch was reset")
)

// Observer receives scheduler events. Methods are called from the
// scheduler goroutine and must not block.
type Observer interface {
	LanesChanged(lanes []Lane)
	JobRetrying(job Job, rateLimited bool)
	JobFinished(job Job)
	BatchFinished(res audit.Result)
}

type nopObserver struct{}

func (nopObserver) LanesChanged([]Lane)        {}
func (nopObserver) JobRetrying(Job, bool)      {}
func (nopObserver) JobFinished(Job)            {}
func (nopObserver) BatchFinished(audit.Result) {}

// Config tunes the scheduler. Zero values select the defaults.
type Config struct {
	Lanes       int
	Cooldown    time.Duration
	BackoffBase time.Duration
	MaxRetries  int

	Clock    Clock
	Audit    func([]audit.Source) audit.Result
	Observer Observer
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = DefaultLanes
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Clock == nil {
		c.Clock = realClock{}
	}
	if c.Audit == nil {
		c.Audit = audit.Run
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	return c
}

type submitEvent struct {
	sections []Section
	reply    chan submitReply
}

type submitReply struct {
	gen uint64
	err error
}

type resetEvent struct {
	reply chan struct{}
}

type resultEvent struct {
	gen    uint64
	jobID  string
	laneID int
	items  []mcq.Item
	err    error
}

type stepEvent struct {
	gen   uint64
	jobID string
	step  Step
}

// Scheduler owns the jobs and lanes of the current batch. All mutations
// happen on the goroutine running Run; other goroutines talk to it through
// events and observe it through snapshots.
type Scheduler struct {
	cfg    Config
	exec   Executor
	events chan any
	done   chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	latest  Snapshot
	closed  bool

	// Owned by the Run goroutine.
	runCtx    context.Context
	gen       uint64
	stage     Stage
	jobs      []*Job
	lanes     []*Lane
	result    *audit.Result
	genCtx    context.Context
	cancelGen context.CancelFunc
	timer     Timer
	timerAt   time.Time
}

// New creates a scheduler that runs jobs with exec. The scheduler does
// nothing until Run is called.
func New(cfg Config, exec Executor) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		exec:   exec,
		events: make(chan any, 64),
		done:   make(chan struct{}),
		subs:   make(map[int]chan Snapshot),
		stage:  StageSetup,
		lanes:  newLanes(cfg.Lanes),
	}
	s.latest = s.snapshot()
	return s
}

// Run processes events until ctx is cancelled, then cancels in-flight
// calls and waits for them to return. Run must be called once.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runCtx = ctx
	defer s.shutdown()

	slog.Debug("scheduler started", "lanes", s.cfg.Lanes, "cooldown", s.cfg.Cooldown, "max_retries", s.cfg.MaxRetries)
	for {
		var timerC <-chan time.Time
		if s.timer != nil {
			timerC = s.timer.C()
		}
		select {
		case <-ctx.Done():
			slog.Debug("scheduler stopping")
			return nil
		case ev := <-s.events:
			s.handle(ev)
		case <-timerC:
			s.timer = nil
			s.timerAt = time.Time{}
		}
		s.evaluate()
	}
}

func (s *Scheduler) shutdown() {
	close(s.done)
	if s.cancelGen != nil {
		s.cancelGen()
	}
	s.stopTimer()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

// Submit starts a new batch with one job per section and returns its
// generation id. It fails with ErrBatchActive while a previous batch is
// still generating or auditing.
func (s *Scheduler) Submit(ctx context.Context, sections []Section) (uint64, error) {
	if len(sections) == 0 {
		return 0, ErrEmptyBatch
	}
	reply := make(chan submitReply, 1)
	if err := s.send(ctx, submitEvent{sections: sections, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.gen, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-s.done:
		return 0, ErrStopped
	}
}

// Reset discards every job, returns all lanes to idle and cancels
// in-flight calls. Results that arrive afterwards are ignored.
func (s *Scheduler) Reset(ctx context.Context) error {
	reply := make(chan struct{})
	if err := s.send(ctx, resetEvent{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrStopped
	}
}

// Snapshot returns the most recently published state.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest.Clone()
}

// Subscribe returns a channel that receives the current snapshot and then
// every later one. A slow reader only sees the latest state. The returned
// func unsubscribes and closes the channel.
func (s *Scheduler) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan Snapshot, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.latest.Clone()
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Wait blocks until generation gen is finished and returns its final
// snapshot. It returns ErrReset if the batch was replaced first.
func (s *Scheduler) Wait(ctx context.Context, gen uint64) (Snapshot, error) {
	ch, unsubscribe := s.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		case snap, ok := <-ch:
			if !ok {
				return Snapshot{}, ErrStopped
			}
			if snap.Generation > gen {
				return snap, ErrReset
			}
			if snap.Generation == gen && snap.Finished() {
				return snap, nil
			}
		}
	}
}

func (s *Scheduler) send(ctx context.Context, ev any) error {
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) handle(ev any) {
	switch ev := ev.(type) {
	case submitEvent:
		ev.reply <- s.submit(ev.sections)
	case resetEvent:
		s.reset()
		close(ev.reply)
	case resultEvent:
		s.complete(ev)
	case stepEvent:
		if ev.gen != s.gen {
			return
		}
		if j := s.job(ev.jobID); j != nil && j.Status == StatusRunning {
			j.Step = ev.step
		}
	}
}

func (s *Scheduler) submit(sections []Section) submitReply {
	if s.stage == StageGeneration || s.stage == StageAudit {
		return submitReply{err: ErrBatchActive}
	}
	s.newGeneration()
	s.jobs = make([]*Job, len(sections))
	for i, sec := range sections {
		s.jobs[i] = &Job{
			ID:             uuid.NewString(),
			SectionTitle:   sec.Title,
			SectionContent: sec.Content,
			Status:         StatusQueued,
			Step:           StepDecompose,
		}
	}
	s.stage = StageGeneration
	slog.Info("batch submitted", "generation", s.gen, "jobs", len(s.jobs), "lanes", len(s.lanes))
	return submitReply{gen: s.gen}
}

func (s *Scheduler) reset() {
	s.newGeneration()
	s.stage = StageSetup
	slog.Info("batch reset", "generation", s.gen)
}

// newGeneration invalidates everything in flight and starts from idle lanes.
func (s *Scheduler) newGeneration() {
	if s.cancelGen != nil {
		s.cancelGen()
	}
	parent := s.runCtx
	if parent == nil {
		parent = context.Background()
	}
	s.gen++
	s.genCtx, s.cancelGen = context.WithCancel(parent)
	s.jobs = nil
	s.result = nil
	s.lanes = newLanes(s.cfg.Lanes)
	s.stopTimer()
	s.notifyLanes()
}

func (s *Scheduler) complete(ev resultEvent) {
	if ev.gen != s.gen {
		slog.Debug("discarding stale result", "generation", ev.gen, "current", s.gen, "job", ev.jobID)
		return
	}
	job := s.job(ev.jobID)
	lane := s.lane(ev.laneID)
	if job == nil || lane == nil || job.Status != StatusRunning || lane.CurrentJobID != job.ID {
		slog.Warn("result for job not running on lane", "job", ev.jobID, "lane", ev.laneID)
		return
	}

	if ev.err != nil {
		s.fail(job, lane, ev.err)
	} else {
		s.transition(job, StatusCompleted)
		job.Result = ev.items
		job.Step = StepDone
		job.LaneID = 0
		lane.release(true)
		slog.Info("job completed", "job", job.ShortID(), "lane", lane.ID, "items", len(ev.items))
		s.cfg.Observer.JobFinished(job.clone())
	}
	s.notifyLanes()
}

func (s *Scheduler) fail(job *Job, lane *Lane, err error) {
	now := s.cfg.Clock.Now()
	rateLimited := ratelimit.Is(err)

	job.RetryCount++
	job.LaneID = 0
	if job.RetryCount <= s.cfg.MaxRetries {
		s.transition(job, StatusRetrying)
		wait := Backoff(s.cfg.BackoffBase, job.RetryCount)
		job.NextRetryTime = now.Add(wait)
		if rateLimited {
			job.Error = fmt.Sprintf("Rate limit. Retry #%d", job.RetryCount)
		} else {
			job.Error = err.Error()
		}
		slog.Warn("job failed, will retry", "job", job.ShortID(), "lane", lane.ID, "retry", job.RetryCount, "backoff", wait, "rate_limited", rateLimited, "err", err)
		s.cfg.Observer.JobRetrying(job.clone(), rateLimited)
	} else {
		s.transition(job, StatusFailed)
		job.Error = err.Error()
		slog.Error("job failed", "job", job.ShortID(), "lane", lane.ID, "retries", job.RetryCount-1, "err", err)
		s.cfg.Observer.JobFinished(job.clone())
	}

	if rateLimited {
		lane.coolDown(now.Add(s.cfg.Cooldown))
		slog.Warn("lane cooling down", "lane", lane.ID, "until", lane.CooldownEndsAt.Format(time.TimeOnly))
	} else {
		lane.release(false)
	}
}

func (s *Scheduler) transition(job *Job, to Status) {
	if !CanTransition(job.Status, to) {
		slog.Error("invalid job transition", "job", job.ShortID(), "from", job.Status, "to", to)
		return
	}
	job.Status = to
}

// evaluate re-runs the matching pass until nothing changes, then re-arms
// the wake-up timer and publishes the new state.
func (s *Scheduler) evaluate() {
	for s.pass() {
	}
	s.armTimer()
	s.publish()
}

// pass is one level-triggered matching pass. It returns true when it
// changed state and another pass is needed.
func (s *Scheduler) pass() bool {
	if s.stage != StageGeneration {
		return false
	}
	now := s.cfg.Clock.Now()

	woke := false
	for _, l := range s.lanes {
		if l.wake(now) {
			slog.Debug("lane cooldown over", "lane", l.ID)
			woke = true
		}
	}
	if woke {
		s.notifyLanes()
		return true
	}

	lane := s.firstIdleLane()
	if lane == nil {
		return false
	}
	job := s.nextPending(now)
	if job == nil {
		if s.allTerminal() {
			s.finalize()
		}
		return false
	}
	s.assign(job, lane)
	return true
}

func (s *Scheduler) assign(job *Job, lane *Lane) {
	s.transition(job, StatusRunning)
	job.LaneID = lane.ID
	job.Error = ""
	job.Step = StepDecompose
	lane.assign(job.ID)
	slog.Debug("job assigned", "job", job.ShortID(), "lane", lane.ID, "retry", job.RetryCount)
	s.notifyLanes()
	s.dispatch(s.genCtx, s.gen, job.clone(), lane.ID)
}

// finalize audits the batch. It runs once per generation because the stage
// leaves StageGeneration before returning.
func (s *Scheduler) finalize() {
	s.stage = StageAudit
	s.publish()

	sources := make([]audit.Source, len(s.jobs))
	for i, j := range s.jobs {
		sources[i] = audit.Source{
			JobID:   j.ID,
			Title:   j.SectionTitle,
			Content: j.SectionContent,
			Items:   j.Result,
			Failed:  j.Status == StatusFailed,
			Error:   j.Error,
		}
	}
	res := s.cfg.Audit(sources)
	s.result = &res
	s.stage = StageFinished
	slog.Info("batch finished", "generation", s.gen, "items", res.Total, "passed", res.Passed, "warnings", res.Warnings, "failed", res.Failed, "failed_jobs", len(res.FailedJobs))
	s.cfg.Observer.BatchFinished(res)
}

func (s *Scheduler) firstIdleLane() *Lane {
	for _, l := range s.lanes {
		if l.Status == LaneIdle {
			return l
		}
	}
	return nil
}

// nextPending picks queued jobs before retries whose backoff has elapsed.
func (s *Scheduler) nextPending(now time.Time) *Job {
	for _, j := range s.jobs {
		if j.Status == StatusQueued {
			return j
		}
	}
	for _, j := range s.jobs {
		if j.pendingAt(now) {
			return j
		}
	}
	return nil
}

func (s *Scheduler) allTerminal() bool {
	if len(s.jobs) == 0 {
		return false
	}
	for _, j := range s.jobs {
		if !j.Status.Terminal() {
			return false
		}
	}
	return true
}

// armTimer schedules a wake-up for the next future cooldown expiry or
// retry deadline. Deadlines already passed are picked up by the next event.
func (s *Scheduler) armTimer() {
	var next time.Time
	if s.stage == StageGeneration {
		now := s.cfg.Clock.Now()
		consider := func(t time.Time) {
			if t.After(now) && (next.IsZero() || t.Before(next)) {
				next = t
			}
		}
		for _, l := range s.lanes {
			if l.Status == LaneCooldown {
				consider(l.CooldownEndsAt)
			}
		}
		for _, j := range s.jobs {
			if j.Status == StatusRetrying {
				consider(j.NextRetryTime)
			}
		}
		if !next.IsZero() {
			if s.timer != nil && s.timerAt.Equal(next) {
				return
			}
			s.stopTimer()
			s.timer = s.cfg.Clock.NewTimer(next.Sub(now))
			s.timerAt = next
			return
		}
	}
	s.stopTimer()
}

func (s *Scheduler) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.timerAt = time.Time{}
	}
}

func (s *Scheduler) job(id string) *Job {
	for _, j := range s.jobs {
		if j.ID == id {
			return j
		}
	}
	return nil
}

func (s *Scheduler) lane(id int) *Lane {
	for _, l := range s.lanes {
		if l.ID == id {
			return l
		}
	}
	return nil
}

func (s *Scheduler) notifyLanes() {
	lanes := make([]Lane, len(s.lanes))
	for i, l := range s.lanes {
		lanes[i] = *l
	}
	s.cfg.Observer.LanesChanged(lanes)
}

func (s *Scheduler) snapshot() Snapshot {
	snap := Snapshot{
		Generation: s.gen,
		Stage:      s.stage,
		Jobs:       make([]Job, len(s.jobs)),
		Lanes:      make([]Lane, len(s.lanes)),
		At:         s.cfg.Clock.Now(),
	}
	for i, j := range s.jobs {
		snap.Jobs[i] = j.clone()
	}
	for i, l := range s.lanes {
		snap.Lanes[i] = *l
	}
	if s.result != nil {
		res := s.result.Clone()
		snap.Audit = &res
	}
	return snap
}

func (s *Scheduler) publish() {
	snap := s.snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latest = snap
	for _, ch := range s.subs {
		cp := snap.Clone()
		select {
		case ch <- cp:
		default:
			// Replace the unread snapshot with the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- cp:
			default:
			}
		}
	}
}
