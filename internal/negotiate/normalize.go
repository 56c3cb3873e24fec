// ABOUTME: Normalises side-agent replies into "show widget" or "show nothing".
// ABOUTME: Accepts bare replies, primary-protocol wrappers, and ```json fenced text.

package negotiate

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/2389/cruse/internal/store"
)

type widgetReply struct {
	Display *bool                   `json:"display"`
	Widget  *store.WidgetDefinition `json:"widget"`
}

// NormalizeWidgetReply decides whether a reply carries a widget to show.
//
// An explicit "display": false always means no widget. Otherwise a widget
// with a non-empty schema object is shown, a missing "display" counting as
// true. Anything else, malformed input included, means no widget.
func NormalizeWidgetReply(data []byte) (*store.WidgetDefinition, bool) {
	body, ok := unwrapReply(data)
	if !ok {
		return nil, false
	}

	var reply widgetReply
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, false
	}
	if reply.Display != nil && !*reply.Display {
		return nil, false
	}
	if !reply.Widget.HasSchema() {
		return nil, false
	}
	return reply.Widget, true
}

// unwrapReply returns the JSON object a side agent meant to send. Agents that
// only speak the chat protocol wrap it as {"message":{"type":"AI","text":"..."}}
// with the object (possibly fenced) serialised inside text.
func unwrapReply(data []byte) ([]byte, bool) {
	body := bytes.TrimSpace(data)
	for range 2 {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(body, &probe); err != nil {
			return nil, false
		}
		inner, wrapped := probe["message"]
		if !wrapped {
			return body, true
		}
		_, hasDisplay := probe["display"]
		_, hasWidget := probe["widget"]
		if hasDisplay || hasWidget {
			return body, true
		}

		text, ok := messageText(inner)
		if !ok {
			return nil, false
		}
		body = []byte(stripFence(text))
	}
	return body, true
}

// messageText extracts the text of a chat-protocol message, which may be a
// bare string or an object with a text field.
func messageText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var m struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &m); err == nil && m.Text != "" {
		return m.Text, true
	}
	return "", false
}

// stripFence removes a surrounding markdown code fence such as ```json ... ```.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
