// ABOUTME: Orchestrator states, the published View, and thread title helpers
// ABOUTME: Views are immutable snapshots handed to UI subscribers

package conversation

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/2389/cruse/internal/negotiate"
	"github.com/2389/cruse/internal/store"
)

// State is the orchestrator's lifecycle state.
type State int

const (
	// Idle means no agent, and so no thread, is selected.
	Idle State = iota
	// ConnectingPrimary means a thread is chosen and the primary channel is opening.
	ConnectingPrimary
	// Active means the primary channel is open.
	Active
	// SwitchingTarget means old channels are being torn down for a new session.
	SwitchingTarget
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConnectingPrimary:
		return "connecting_primary"
	case Active:
		return "active"
	case SwitchingTarget:
		return "switching_target"
	default:
		return "unknown"
	}
}

// TargetSource records where the conversation target came from.
type TargetSource int

const (
	SourceNone TargetSource = iota
	SourceSelection
	SourceOverride
)

func (s TargetSource) String() string {
	switch s {
	case SourceSelection:
		return "selection"
	case SourceOverride:
		return "override"
	default:
		return "none"
	}
}

// View is a snapshot of the orchestrator published after every change.
type View struct {
	State     State
	Source    TargetSource
	AgentID   string
	ThreadID  string
	Title     string
	SessionID string
	Messages  []store.Message
	Theme     negotiate.Theme
	Error     string // primary channel failure, "" when healthy
	Pending   int    // AI replies awaiting widget negotiation
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	c := v
	if v.Messages != nil {
		c.Messages = make([]store.Message, len(v.Messages))
		for i, m := range v.Messages {
			c.Messages[i] = m.Clone()
		}
	}
	c.Theme = v.Theme.Clone()
	return c
}

const (
	titlePrefix    = "Chat "
	titleLayout    = "2006-01-02 15:04:05"
	maxTitleLength = 50
)

// DefaultTitle is the provisional title of a thread created at t.
func DefaultTitle(t time.Time) string {
	return titlePrefix + t.Format(titleLayout)
}

// IsDefaultTitle reports whether title is still a provisional timestamp title.
func IsDefaultTitle(title string) bool {
	rest, ok := strings.CutPrefix(title, titlePrefix)
	if !ok {
		return false
	}
	_, err := time.Parse(titleLayout, rest)
	return err == nil
}

// TitleFromMessage derives a thread title from the first HUMAN message.
// Whitespace is collapsed and the result is cut to 50 runes with an ellipsis.
func TitleFromMessage(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(title) <= maxTitleLength {
		return title
	}
	runes := []rune(title)
	return strings.TrimSpace(string(runes[:maxTitleLength])) + "…"
}
