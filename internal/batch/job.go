// Package batch schedules MCQ generation jobs onto a fixed pool of lanes,
// retrying failures with exponential backoff and quarantining lanes that
// hit the backend's rate limit.
package batch

import (
	"slices"
	"time"

	"medi/internal/mcq"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ValidTransitions defines allowed job state transitions.
var ValidTransitions = map[Status][]Status{
	StatusQueued:   {StatusRunning},
	StatusRunning:  {StatusCompleted, StatusRetrying, StatusFailed},
	StatusRetrying: {StatusRunning, StatusFailed},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to Status) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// Step is a progress label within a running job. It is informational only.
type Step string

const (
	StepDecompose Step = "decompose"
	StepGenerate  Step = "generate"
	StepEvaluate  Step = "evaluate"
	StepDecide    Step = "decide"
	StepDone      Step = "done"
)

// Section is one unit of input: a heading and the text under it.
type Section struct {
	Title   string `json:"title" yaml:"title"`
	Content string `json:"content" yaml:"content"`
}

// Job is one section's generation work.
type Job struct {
	ID             string     `json:"id"`
	SectionTitle   string     `json:"section_title"`
	SectionContent string     `json:"section_content"`
	Status         Status     `json:"status"`
	Step           Step       `json:"step"`
	LaneID         int        `json:"lane_id,omitempty"`
	RetryCount     int        `json:"retry_count"`
	NextRetryTime  time.Time  `json:"next_retry_time,omitzero"`
	Result         []mcq.Item `json:"result,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// ShortID returns the first 8 characters of the job id for display.
func (j Job) ShortID() string {
	if len(j.ID) <= 8 {
		return j.ID
	}
	return j.ID[:8]
}

// pendingAt reports whether the job may be assigned to a lane at now.
func (j *Job) pendingAt(now time.Time) bool {
	switch j.Status {
	case StatusQueued:
		return true
	case StatusRetrying:
		return j.NextRetryTime.IsZero() || !now.Before(j.NextRetryTime)
	}
	return false
}

func (j Job) clone() Job {
	j.Result = mcq.CloneItems(j.Result)
	return j
}

// Backoff returns the wait before retry number n: base * 2^n.
func Backoff(base time.Duration, n int) time.Duration {
	return base << n
}
