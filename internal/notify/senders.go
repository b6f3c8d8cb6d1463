package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"medi/internal/config"
)

const maxChannelErrorRunes = 512

var (
	urlPattern = regexp.MustCompile(`https?://[^\s"'` + "`" + `]+`)
	// Gemini and OpenAI keys end up in channel errors when a batch fails on
	// auth and the provider echoes the request.
	apiKeyPattern   = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{30,}|\bsk-[0-9A-Za-z_\-]{16,}`)
	keyParamPattern = regexp.MustCompile(`(?i)\b(key|api_key|token)=[^\s&"']+`)
)

func BuildSenders(cfg config.NotificationsConfig, client *http.Client) []Sender {
	senders := make([]Sender, 0, 3)
	if strings.TrimSpace(cfg.WebhookURL) != "" {
		senders = append(senders, NewWebhookSender(cfg.WebhookURL, client))
	}
	if strings.TrimSpace(cfg.SlackWebhook) != "" {
		senders = append(senders, NewSlackSender(cfg.SlackWebhook, client))
	}
	if cfg.Desktop {
		if sender := NewDesktopSender(); sender != nil {
			senders = append(senders, sender)
		}
	}
	return senders
}

func SendAll(ctx context.Context, senders []Sender, payload Payload, timeout time.Duration) []ChannelResult {
	results := make([]ChannelResult, 0, len(senders))
	for _, sender := range senders {
		if sender == nil {
			continue
		}
		sendCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			sendCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		err := sender.Send(sendCtx, payload)
		cancel()
		result := ChannelResult{Channel: sender.Name(), Success: err == nil}
		if err != nil {
			result.Error = sanitizeChannelError(err)
		}
		results = append(results, result)
	}
	return results
}

func summarizeFailures(results []ChannelResult) string {
	parts := make([]string, 0, len(results))
	for _, result := range results {
		if result.Success {
			continue
		}
		if result.Error == "" {
			parts = append(parts, fmt.Sprintf("%s failed", result.Channel))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %s", result.Channel, result.Error))
	}
	return strings.Join(parts, "; ")
}

func successCount(results []ChannelResult) int {
	count := 0
	for _, result := range results {
		if result.Success {
			count++
		}
	}
	return count
}

func sanitizeChannelError(err error) string {
	if err == nil {
		return ""
	}
	return clipRunes(redactSecrets(strings.TrimSpace(err.Error())), maxChannelErrorRunes)
}

// redactSecrets strips API keys and webhook paths from msg. Payload errors
// come from the model provider and channel errors from the webhook client,
// and either may quote a credential.
func redactSecrets(msg string) string {
	msg = keyParamPattern.ReplaceAllString(msg, "$1=REDACTED")
	msg = apiKeyPattern.ReplaceAllString(msg, "[redacted-key]")
	return redactURLs(msg)
}

// clipRunes shortens s to at most n runes, marking the cut with an
// ellipsis.
func clipRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func redactURLs(msg string) string {
	return urlPattern.ReplaceAllStringFunc(msg, func(match string) string {
		parsed, err := url.Parse(match)
		if err != nil || parsed.Host == "" {
			return "[redacted-url]"
		}
		return parsed.Scheme + "://" + parsed.Host + "/REDACTED"
	})
}
