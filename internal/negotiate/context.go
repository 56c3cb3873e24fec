// ABOUTME: Builds the conversation snapshot sent to the widget side-agent.
// ABOUTME: Last N turns as "[SENDER]: text" blocks plus the latest user intent.

package negotiate

import (
	"strings"

	"github.com/2389/cruse/internal/store"
)

const (
	// DefaultTurns is how many turns, the new reply included, form the context.
	DefaultTurns = 5
	// DefaultIntent is used when no HUMAN turn falls inside the window.
	DefaultIntent = "Assist the user with their request"
)

// BuildContext renders the last turns messages of history followed by reply.
// The window holds at most turns messages in total, reply included. The
// returned intent is the text of the most recent HUMAN message in the window,
// or fallback when there is none (DefaultIntent when fallback is empty).
func BuildContext(history []store.Message, reply store.Message, turns int, fallback string) (conversation, intent string) {
	if turns <= 0 {
		turns = DefaultTurns
	}
	if fallback == "" {
		fallback = DefaultIntent
	}

	window := make([]store.Message, 0, turns)
	if keep := turns - 1; keep > 0 {
		start := len(history) - keep
		if start < 0 {
			start = 0
		}
		window = append(window, history[start:]...)
	}
	window = append(window, reply)

	blocks := make([]string, 0, len(window))
	for _, m := range window {
		blocks = append(blocks, "["+string(m.Sender)+"]: "+m.Text)
	}

	intent = fallback
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Sender == store.SenderHuman && strings.TrimSpace(window[i].Text) != "" {
			intent = window[i].Text
			break
		}
	}
	return strings.Join(blocks, "\n\n"), intent
}
