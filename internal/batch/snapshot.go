package batch

import (
	"slices"
	"time"

	"medi/internal/audit"
)

// Stage is the batch-level phase.
type Stage string

const (
	StageSetup      Stage = "setup"
	StageGeneration Stage = "generation"
	StageAudit      Stage = "audit"
	StageFinished   Stage = "finished"
)

// Snapshot is a copy of scheduler state published after every change. Each
// reader gets its own copy, so callers may modify it freely.
type Snapshot struct {
	Generation uint64        `json:"generation"`
	Stage      Stage         `json:"stage"`
	Jobs       []Job         `json:"jobs"`
	Lanes      []Lane        `json:"lanes"`
	Audit      *audit.Result `json:"audit,omitempty"`
	At         time.Time     `json:"at"`
}

// Clone returns a copy of s that shares no slices with it.
func (s Snapshot) Clone() Snapshot {
	jobs := make([]Job, len(s.Jobs))
	for i, j := range s.Jobs {
		jobs[i] = j.clone()
	}
	s.Jobs = jobs
	s.Lanes = slices.Clone(s.Lanes)
	if s.Audit != nil {
		res := s.Audit.Clone()
		s.Audit = &res
	}
	return s
}

// Counts returns the number of jobs in each status.
func (s Snapshot) Counts() map[Status]int {
	counts := make(map[Status]int, 5)
	for _, j := range s.Jobs {
		counts[j.Status]++
	}
	return counts
}

// QueueDepth is the number of jobs waiting for a lane.
func (s Snapshot) QueueDepth() int {
	c := s.Counts()
	return c[StatusQueued] + c[StatusRetrying]
}

// Terminal returns how many jobs have completed or failed.
func (s Snapshot) Terminal() int {
	c := s.Counts()
	return c[StatusCompleted] + c[StatusFailed]
}

// Finished reports whether the batch has been audited.
func (s Snapshot) Finished() bool {
	return s.Stage == StageFinished
}
