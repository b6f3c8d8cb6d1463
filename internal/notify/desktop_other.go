//go:build !darwin

package notify

// NewDesktopSender returns nil: desktop notifications are macOS only.
func NewDesktopSender() Sender {
	return nil
}
