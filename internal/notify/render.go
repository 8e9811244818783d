package notify

import (
	"strings"

	"pillbot/internal/devicesched"
	"pillbot/internal/transport"
)

// FromFired renders a fired scheduler registration into an outbound
// notification for the given chat. Text stays plain (no parse mode) so
// medication names never break platform markup.
func FromFired(reg devicesched.Registration, target transport.ChatTarget) transport.Notification {
	var b strings.Builder
	b.WriteString(reg.Content.Title)
	if reg.Content.Body != "" {
		b.WriteString("\n")
		b.WriteString(reg.Content.Body)
	}
	return transport.Notification{
		Priority: priorityForLevel(reg.Content.Level),
		Target:   target,
		Text:     b.String(),
		Options:  &transport.SendOptions{DisablePreview: true},
	}
}

func priorityForLevel(l devicesched.Level) int {
	switch l {
	case devicesched.LevelCritical:
		return 9
	case devicesched.LevelTimeSensitive:
		return 6
	default:
		return 3
	}
}
