// ABOUTME: Widget negotiator: asks the widget side-agent whether a reply gets a form/card.
// ABOUTME: Bounded wait; every failure resolves to "no widget" and never blocks the chat.

package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/2389/cruse/internal/store"
)

// WidgetRequest is the conversation snapshot for one negotiation.
type WidgetRequest struct {
	AgentID   string
	SessionID string
	History   []store.Message // turns before Reply, oldest first
	Reply     store.Message
}

// WidgetResult is the normalised outcome. Widget is nil when Show is false.
type WidgetResult struct {
	Show   bool
	Widget *store.WidgetDefinition
}

// widgetPayload is the side-channel wire request.
type widgetPayload struct {
	ConversationContext string `json:"conversation_context"`
	UserIntent          string `json:"user_intent"`
	PreviousWidget      string `json:"previous_widget,omitempty"`
}

// WidgetConfig holds negotiator settings.
type WidgetConfig struct {
	Turns         int
	DefaultIntent string
}

// WidgetNegotiator runs widget negotiations over one Exchange.
type WidgetNegotiator struct {
	exchange *Exchange
	cache    *WidgetCache
	cfg      WidgetConfig
	logger   *slog.Logger
}

// NewWidgetNegotiator creates a negotiator that records accepted widgets in cache.
func NewWidgetNegotiator(exchange *Exchange, cache *WidgetCache, cfg WidgetConfig, logger *slog.Logger) *WidgetNegotiator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Turns <= 0 {
		cfg.Turns = DefaultTurns
	}
	if cfg.DefaultIntent == "" {
		cfg.DefaultIntent = DefaultIntent
	}
	return &WidgetNegotiator{
		exchange: exchange,
		cache:    cache,
		cfg:      cfg,
		logger:   logger.With("component", "widget_negotiator"),
	}
}

func (n *WidgetNegotiator) payload(req WidgetRequest) widgetPayload {
	conversation, intent := BuildContext(req.History, req.Reply, n.cfg.Turns, n.cfg.DefaultIntent)
	p := widgetPayload{ConversationContext: conversation, UserIntent: intent}
	if prev, ok := n.cache.Get(req.AgentID, req.SessionID); ok {
		if data, err := json.Marshal(prev); err == nil {
			p.PreviousWidget = string(data)
		}
	}
	return p
}

// Negotiate asks the side agent for a widget to accompany req.Reply. It
// always returns; failures of any kind yield a result with Show false.
func (n *WidgetNegotiator) Negotiate(ctx context.Context, req WidgetRequest) WidgetResult {
	logger := n.logger.With("agent_id", req.AgentID, "session_id", req.SessionID)
	start := time.Now()

	data, err := n.exchange.Do(ctx, n.payload(req))
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			logger.Warn("widget negotiation timed out", "elapsed", time.Since(start))
		case errors.Is(err, context.Canceled):
			logger.Debug("widget negotiation cancelled")
		default:
			logger.Warn("widget negotiation failed", "error", err)
		}
		return WidgetResult{}
	}

	widget, ok := NormalizeWidgetReply(data)
	if !ok {
		logger.Debug("side agent proposed no widget")
		return WidgetResult{}
	}

	n.cache.Put(req.AgentID, req.SessionID, widget)
	logger.Info("widget accepted", "title", widget.Title, "elapsed", time.Since(start))
	return WidgetResult{Show: true, Widget: widget}
}
