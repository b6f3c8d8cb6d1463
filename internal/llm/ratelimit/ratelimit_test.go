package ratelimit

import (
	"errors"
	"fmt"
	"testing"
)

func TestIs(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"sentinel", fmt.Errorf("generate: %w", ErrLimited), true},
		{"status code", errors.New("Error 429, Message: quota"), true},
		{"status name", errors.New("RESOURCE_EXHAUSTED: try later"), true},
		{"other", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := Is(tt.err); got != tt.want {
			t.Errorf("%s: Is = %v, want %v", tt.name, got, tt.want)
		}
	}
}
