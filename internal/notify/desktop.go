package notify

import (
	"fmt"
	"strings"
)

const maxDesktopMessageRunes = 180

// notificationScript builds the AppleScript for a Notification Center banner.
// The source file goes in the subtitle; failures ring a different sound so a
// long batch left in the background is noticed.
func notificationScript(p Payload) string {
	sound := "Glass"
	if p.Event != TriggerBatchFinished {
		sound = "Basso"
	}
	return fmt.Sprintf(`display notification "%s" with title "%s" subtitle "%s" sound name "%s"`,
		appleScriptString(clipRunes(p.Summary(), maxDesktopMessageRunes)),
		appleScriptString("medi: "+EventLabel(p.Event)),
		appleScriptString(p.Source),
		sound)
}

// appleScriptString escapes v for a double-quoted AppleScript literal.
// Banners are a single line, so newlines become spaces.
func appleScriptString(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r\n", " ", "\n", " ", "\r", " ").Replace(v)
}
