//go:build darwin

package notify

import (
	"context"
	"fmt"
	"os/exec"
)

type desktopSender struct{}

// NewDesktopSender posts notifications through osascript.
func NewDesktopSender() Sender {
	return &desktopSender{}
}

func (s *desktopSender) Name() string {
	return "desktop"
}

func (s *desktopSender) Send(ctx context.Context, payload Payload) error {
	out, err := exec.CommandContext(ctx, "osascript", "-e", notificationScript(payload)).CombinedOutput()
	if err != nil {
		return fmt.Errorf("osascript: %w: %s", err, clipRunes(string(out), 200))
	}
	return nil
}
