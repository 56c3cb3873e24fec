// ABOUTME: Theme negotiator: asks the theme side-agent for a style when the agent changes.
// ABOUTME: Any failure, timeout, or malformed reply falls back to DefaultTheme.

package negotiate

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"time"
)

// Theme is a visual style proposal.
type Theme struct {
	Colors     map[string]string `json:"colors,omitempty"`
	Background string            `json:"background,omitempty"`
	Font       string            `json:"font,omitempty"`
}

// DefaultTheme is the style used whenever negotiation does not produce one.
func DefaultTheme() Theme {
	return Theme{
		Colors: map[string]string{
			"primary":   "#2563eb",
			"secondary": "#64748b",
			"accent":    "#f59e0b",
			"text":      "#0f172a",
			"surface":   "#ffffff",
		},
		Background: "#f8fafc",
		Font:       "Inter, system-ui, sans-serif",
	}
}

// Clone returns a deep copy.
func (t Theme) Clone() Theme {
	t.Colors = maps.Clone(t.Colors)
	return t
}

// IsZero reports whether the theme carries no style at all.
func (t Theme) IsZero() bool {
	return len(t.Colors) == 0 && t.Background == "" && t.Font == ""
}

// AgentInfo is the agent metadata sent to the theme side-agent.
type AgentInfo struct {
	Name        string   `json:"agent_name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
}

// Requester performs one bounded request/reply with a side agent.
// *Exchange and *OneShotClient satisfy it.
type Requester interface {
	Do(ctx context.Context, payload any) ([]byte, error)
}

// ThemeNegotiator asks a side agent for a theme once per agent selection.
type ThemeNegotiator struct {
	requester Requester
	timeout   time.Duration
	logger    *slog.Logger
}

// NewThemeNegotiator creates a negotiator bounded by timeout.
func NewThemeNegotiator(r Requester, timeout time.Duration, logger *slog.Logger) *ThemeNegotiator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThemeNegotiator{
		requester: r,
		timeout:   timeout,
		logger:    logger.With("component", "theme_negotiator"),
	}
}

// Negotiate returns the proposed theme for agent, or DefaultTheme.
func (n *ThemeNegotiator) Negotiate(ctx context.Context, agent AgentInfo) Theme {
	logger := n.logger.With("agent_id", agent.Name)
	if n.requester == nil {
		return DefaultTheme()
	}
	if agent.Tags == nil {
		agent.Tags = []string{}
	}

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	data, err := n.requester.Do(ctx, agent)
	if err != nil {
		logger.Warn("theme negotiation failed, using default", "error", err)
		return DefaultTheme()
	}

	theme, ok := NormalizeThemeReply(data)
	if !ok {
		logger.Warn("malformed theme reply, using default", "bytes", len(data))
		return DefaultTheme()
	}
	logger.Info("theme accepted", "background", theme.Background, "font", theme.Font)
	return theme
}

// NormalizeThemeReply parses a theme reply, bare or under a "theme" key,
// optionally wrapped the way widget replies may be. Fields the reply leaves
// out are taken from DefaultTheme.
func NormalizeThemeReply(data []byte) (Theme, bool) {
	body, ok := unwrapReply(data)
	if !ok {
		return Theme{}, false
	}

	var envelope struct {
		Theme *Theme `json:"theme"`
	}
	var theme Theme
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Theme != nil {
		theme = *envelope.Theme
	} else if err := json.Unmarshal(body, &theme); err != nil {
		return Theme{}, false
	}
	if theme.IsZero() {
		return Theme{}, false
	}

	def := DefaultTheme()
	merged := maps.Clone(def.Colors)
	maps.Copy(merged, theme.Colors)
	theme.Colors = merged
	if theme.Background == "" {
		theme.Background = def.Background
	}
	if theme.Font == "" {
		theme.Font = def.Font
	}
	return theme, true
}
