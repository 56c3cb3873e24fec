// Package negotiate implements bounded exchanges with side agents.
//
// A negotiation sends one request to a support agent and waits for exactly
// one reply, settling on whichever comes first of the reply, the timeout, or
// context cancellation. The side channel carries no request IDs, so Exchange
// allows only one request in flight; a second concurrent Do returns ErrBusy.
//
// WidgetNegotiator turns a conversation snapshot into a widget request and
// normalises the reply: an explicit display=false hides the widget, otherwise
// a widget with a non-empty schema is shown. Accepted widgets replace the
// (agent, session) entry in a WidgetCache, which is handed back to the side
// agent as previous_widget on the next turn.
//
// ThemeNegotiator sends agent metadata, over the side channel or through the
// one-shot HTTP endpoint, and falls back to DefaultTheme on any failure.
package negotiate
