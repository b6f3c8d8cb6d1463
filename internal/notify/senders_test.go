package notify

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeChannelErrorRedactsURLs(t *testing.T) {
	t.Parallel()
	err := errors.New(`Post "https://hooks.slack.com/services/T000/B000/SECRET": context deadline exceeded`)
	msg := sanitizeChannelError(err)
	if strings.Contains(msg, "SECRET") {
		t.Fatalf("expected webhook URL secret to be redacted, got %q", msg)
	}
	if !strings.Contains(msg, "https://hooks.slack.com/REDACTED") {
		t.Fatalf("expected redacted host marker, got %q", msg)
	}
}

func TestRedactSecrets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     string
		secret string
		keep   string
	}{
		{
			name:   "gemini key in provider error",
			in:     "Error 400, Message: API key not valid: AIzaSyD3xampleKey0123456789abcdefghijk",
			secret: "AIzaSyD3xample",
			keep:   "API key not valid",
		},
		{
			name:   "openai key",
			in:     "Incorrect API key provided: sk-proj-abcdefghijklmnop1234",
			secret: "sk-proj-abcdef",
			keep:   "Incorrect API key provided",
		},
		{
			name:   "key query parameter outside a URL",
			in:     "request failed (key=abc123secret&alt=sse)",
			secret: "abc123secret",
			keep:   "key=REDACTED",
		},
		{
			name:   "key query parameter inside a URL",
			in:     `Post "https://generativelanguage.googleapis.com/v1beta/models?key=abc123secret": EOF`,
			secret: "abc123secret",
			keep:   "https://generativelanguage.googleapis.com/REDACTED",
		},
		{
			name: "section text is left alone",
			in:   "Hen phế quản > Chẩn đoán: FEV1/FVC < 0.7 after 3 retries",
			keep: "Hen phế quản > Chẩn đoán: FEV1/FVC < 0.7 after 3 retries",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := redactSecrets(tt.in)
			if tt.secret != "" && strings.Contains(got, tt.secret) {
				t.Fatalf("secret survived: %q", got)
			}
			if !strings.Contains(got, tt.keep) {
				t.Fatalf("expected %q in %q", tt.keep, got)
			}
		})
	}
}

func TestSanitizeChannelErrorClipsOnRuneBoundary(t *testing.T) {
	t.Parallel()
	msg := sanitizeChannelError(errors.New(strings.Repeat("Viêm phổi cộng đồng ", 60)))
	if n := utf8.RuneCountInString(msg); n != maxChannelErrorRunes {
		t.Fatalf("clipped to %d runes, want %d", n, maxChannelErrorRunes)
	}
	if !utf8.ValidString(msg) || !strings.HasSuffix(msg, "…") {
		t.Fatalf("bad clip: %q", msg[len(msg)-16:])
	}
}

func TestClipRunes(t *testing.T) {
	t.Parallel()
	if got := clipRunes("short", 10); got != "short" {
		t.Fatalf("short string changed: %q", got)
	}
	if got := clipRunes("Tăng huyết áp", 5); got != "Tăng…" {
		t.Fatalf("clipRunes = %q", got)
	}
	if got := clipRunes("anything", 0); got != "anything" {
		t.Fatalf("zero limit changed string: %q", got)
	}
}
