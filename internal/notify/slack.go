package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Slack limits a section field to 2000 characters; job errors are kept
// well below that.
const maxSlackErrorRunes = 300

type SlackSender struct {
	url    string
	client *http.Client
}

func NewSlackSender(webhookURL string, client *http.Client) *SlackSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &SlackSender{
		url:    strings.TrimSpace(webhookURL),
		client: client,
	}
}

func (s *SlackSender) Name() string {
	return "slack"
}

func (s *SlackSender) Send(ctx context.Context, payload Payload) error {
	encoded, err := json.Marshal(newSlackMessage(payload))
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}
	return postJSON(ctx, s.client, s.url, encoded, s.Name())
}

type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type     string      `json:"type"`
	Text     *slackText  `json:"text,omitempty"`
	Fields   []slackText `json:"fields,omitempty"`
	Elements []slackText `json:"elements,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func mrkdwn(format string, args ...any) slackText {
	return slackText{Type: "mrkdwn", Text: fmt.Sprintf(format, args...)}
}

// newSlackMessage lays out one Block Kit message per event. Text is the
// plain fallback shown in push notifications.
func newSlackMessage(p Payload) slackMessage {
	blocks := []slackBlock{
		{Type: "header", Text: &slackText{Type: "plain_text", Text: slackIcon(p.Event) + " medi: " + EventLabel(p.Event)}},
		{Type: "section", Fields: []slackText{
			mrkdwn("*Source*\n%s", slackEscape(p.Source)),
			mrkdwn("*Batch*\n`%s`", slackEscape(p.BatchID)),
		}},
	}

	switch p.Event {
	case TriggerJobFailed:
		blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn("*Section*\n%s", slackEscape(p.SectionTitle)))})
		if p.Error != "" {
			msg := strings.ReplaceAll(clipRunes(p.Error, maxSlackErrorRunes), "```", "'''")
			blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn("```%s```", slackEscape(msg)))})
		}
	case TriggerAuditFailed:
		blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn(
			"*%d of %d* questions failed the source check. Review the audit report before importing the deck.",
			p.Failed, p.Total))})
	default:
		blocks = append(blocks, slackBlock{Type: "section", Fields: []slackText{
			mrkdwn("*Questions*\n%d", p.Total),
			mrkdwn("*Passed*\n%d", p.Passed),
			mrkdwn("*Warnings*\n%d", p.Warnings),
			mrkdwn("*Failed*\n%d", p.Failed),
		}})
		if p.FailedJobs > 0 {
			blocks = append(blocks, slackBlock{Type: "section", Text: ptr(mrkdwn(
				"%s produced no questions.", pluralSections(p.FailedJobs)))})
		}
	}

	if p.Timestamp != "" {
		blocks = append(blocks, slackBlock{Type: "context", Elements: []slackText{mrkdwn("%s", p.Timestamp)}})
	}
	return slackMessage{Text: SlackText(p), Blocks: blocks}
}

// SlackText is the plain-text form of a notification.
func SlackText(p Payload) string {
	return fmt.Sprintf("medi: %s\nSource: %s\nBatch: %s\n%s",
		EventLabel(p.Event), p.Source, p.BatchID, p.Summary())
}

func slackIcon(event string) string {
	switch event {
	case TriggerJobFailed:
		return "❌"
	case TriggerAuditFailed:
		return "⚠️"
	default:
		return "✅"
	}
}

// slackEscape escapes the three characters Slack treats as control
// sequences. Section titles use ">" as a path separator and clinical text
// is full of comparators, so this matters for almost every message.
func slackEscape(s string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(s)
}

func pluralSections(n int) string {
	if n == 1 {
		return "1 section"
	}
	return strconv.Itoa(n) + " sections"
}

func ptr[T any](v T) *T { return &v }
