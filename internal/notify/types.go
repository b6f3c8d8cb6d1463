// Package notify delivers batch events to webhooks, Slack and the desktop.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"medi/internal/db"
)

const (
	TriggerBatchFinished = db.NotificationEventBatchFinished
	TriggerJobFailed     = db.NotificationEventJobFailed
	TriggerAuditFailed   = db.NotificationEventAuditFailed
)

var AllTriggers = []string{
	TriggerBatchFinished,
	TriggerJobFailed,
	TriggerAuditFailed,
}

type Payload struct {
	Event        string `json:"event"`
	BatchID      string `json:"batch_id"`
	Source       string `json:"source"`
	Status       string `json:"status"`
	JobID        string `json:"job_id,omitempty"`
	SectionTitle string `json:"section_title,omitempty"`
	Error        string `json:"error,omitempty"`
	Total        int    `json:"total"`
	Passed       int    `json:"passed"`
	Warnings     int    `json:"warnings"`
	Failed       int    `json:"failed"`
	FailedJobs   int    `json:"failed_jobs"`
	Timestamp    string `json:"timestamp"`
}

type Sender interface {
	Name() string
	Send(ctx context.Context, payload Payload) error
}

type ChannelResult struct {
	Channel string `json:"channel"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func IsValidTrigger(trigger string) bool {
	switch trigger {
	case TriggerBatchFinished, TriggerJobFailed, TriggerAuditFailed:
		return true
	default:
		return false
	}
}

func DefaultTriggers() []string {
	out := make([]string, len(AllTriggers))
	copy(out, AllTriggers)
	return out
}

func TriggerSet(triggers []string) map[string]struct{} {
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	out := make(map[string]struct{}, len(triggers))
	for _, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		if IsValidTrigger(normalized) {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func EventLabel(event string) string {
	switch event {
	case TriggerBatchFinished:
		return "Batch Finished"
	case TriggerAuditFailed:
		return "Audit Failed"
	default:
		return "Job Failed"
	}
}

// Summary is the one-line description used by every channel.
func (p Payload) Summary() string {
	switch p.Event {
	case TriggerJobFailed:
		return fmt.Sprintf("%q failed: %s", p.SectionTitle, p.Error)
	case TriggerAuditFailed:
		return fmt.Sprintf("%d of %d items failed the audit", p.Failed, p.Total)
	default:
		return fmt.Sprintf("%d items: %d passed, %d warnings, %d failed, %d sections failed",
			p.Total, p.Passed, p.Warnings, p.Failed, p.FailedJobs)
	}
}

func TestPayload() Payload {
	return Payload{
		Event:      TriggerBatchFinished,
		BatchID:    "b-test",
		Source:     "Test notification from medi",
		Status:     db.BatchFinished,
		Total:      12,
		Passed:     10,
		Warnings:   1,
		Failed:     1,
		FailedJobs: 0,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}
