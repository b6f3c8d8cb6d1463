// Package httputil retries outbound HTTP calls such as notification
// webhooks.
package httputil

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// RetryConfig controls the retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64 // fraction of delay to randomize (0..1)

	// Client sends the requests. Nil means http.DefaultClient.
	Client *http.Client
}

// DefaultRetryConfig returns sensible defaults for API calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  4,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// NotifyRetryConfig is tuned for webhook delivery. The notification
// dispatcher retries failed events itself, so this stays short.
func NotifyRetryConfig(client *http.Client) RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		JitterFactor: 0.25,
		Client:       client,
	}
}

// Retryable reports whether status is worth another attempt.
func Retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// Do executes an HTTP request with retry/backoff. buildReq is called per
// attempt because request bodies are consumed on read and must be recreated.
//
// Retries on network errors, HTTP 429 and HTTP 5xx. Any other status is
// returned with the body intact.
func Do(ctx context.Context, buildReq func() (*http.Request, error), cfg RetryConfig) (*http.Response, error) {
	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}
	attempts := max(cfg.MaxAttempts, 1)

	var lastErr error
	for attempt := range attempts {
		req, err := buildReq()
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}

		resp, err := client.Do(req)
		var delay time.Duration
		switch {
		case err != nil:
			lastErr = err
			delay = backoff(cfg, attempt, nil)
		case Retryable(resp.StatusCode):
			lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
			delay = backoff(cfg, attempt, resp)
			// Drain before retrying.
			resp.Body.Close()
		default:
			return resp, nil
		}

		if attempt == attempts-1 {
			break
		}
		slog.Warn("httputil: retrying request",
			"attempt", attempt+1,
			"max", attempts,
			"delay", delay,
			"err", lastErr,
		)
		if sleepErr := sleepWithContext(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, fmt.Errorf("all %d attempts exhausted: %w", attempts, lastErr)
}

// Delay is base doubled attempt times and capped at limit. A zero limit
// means no cap. The notification outbox uses it to space out redelivery of
// failed events.
func Delay(base, limit time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt < 0 {
		return base
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if limit > 0 && d > float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// backoff computes the sleep duration for the given attempt. A Retry-After
// header takes precedence.
func backoff(cfg RetryConfig, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			return ra
		}
	}

	delay := float64(Delay(cfg.BaseDelay, cfg.MaxDelay, attempt))
	delay += delay * cfg.JitterFactor * (rand.Float64()*2 - 1)
	if delay < 0 {
		delay = float64(cfg.BaseDelay)
	}
	return time.Duration(delay)
}

// parseRetryAfter parses a Retry-After value given in seconds or as an
// HTTP-date. Returns 0 if the header is empty or unparseable.
func parseRetryAfter(val string) time.Duration {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, val); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
