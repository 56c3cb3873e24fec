// ABOUTME: JSON request and response bodies for the thread API
// ABOUTME: Shared by the gateway handlers and the HTTP thread store client

package gateway

import (
	"time"

	"github.com/2389/cruse/internal/store"
)

// APIPrefix is the path prefix of every thread API route.
const APIPrefix = "/api/v1/cruse"

// ThreadCreate is the body of POST /threads.
// ID is optional; the server assigns one when empty.
type ThreadCreate struct {
	ID        string `json:"id,omitempty"`
	Title     string `json:"title"`
	AgentName string `json:"agent_name,omitempty"`
}

// ThreadUpdate is the body of PATCH /threads/{id}.
type ThreadUpdate struct {
	Title string `json:"title"`
}

// ThreadResponse is a thread as returned by the API.
type ThreadResponse struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	AgentName string    `json:"agent_name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ThreadWithMessages is returned by GET /threads/{id}.
type ThreadWithMessages struct {
	ThreadResponse
	Messages []MessageResponse `json:"messages"`
}

// MessageCreate is the body of POST /threads/{id}/messages.
// CreatedAt lets callers keep their own ordering timestamps.
type MessageCreate struct {
	Sender    string                  `json:"sender"`
	Origin    []store.OriginRef       `json:"origin,omitempty"`
	Text      string                  `json:"text"`
	Widget    *store.WidgetDefinition `json:"widget,omitempty"`
	CreatedAt *time.Time              `json:"created_at,omitempty"`
}

// MessageResponse is a stored message as returned by the API.
type MessageResponse struct {
	ID        string                  `json:"id"`
	ThreadID  string                  `json:"thread_id"`
	Sender    string                  `json:"sender"`
	Origin    []store.OriginRef       `json:"origin"`
	Text      string                  `json:"text"`
	Widget    *store.WidgetDefinition `json:"widget"`
	CreatedAt time.Time               `json:"created_at"`
}

// DeleteResponse acknowledges DELETE /threads/{id}.
type DeleteResponse struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// NewThreadResponse converts a store thread to its wire form.
func NewThreadResponse(t *store.Thread) ThreadResponse {
	return ThreadResponse{
		ID:        t.ID,
		Title:     t.Title,
		AgentName: t.AgentName,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
}

// NewMessageResponse converts a store message to its wire form.
func NewMessageResponse(m *store.Message) MessageResponse {
	origin := m.Origin
	if origin == nil {
		origin = []store.OriginRef{}
	}
	return MessageResponse{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		Sender:    string(m.Sender),
		Origin:    origin,
		Text:      m.Text,
		Widget:    m.Widget,
		CreatedAt: m.CreatedAt,
	}
}

// Thread converts the wire form back to a store thread.
func (r ThreadResponse) Thread() *store.Thread {
	return &store.Thread{
		ID:        r.ID,
		Title:     r.Title,
		AgentName: r.AgentName,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Message converts the wire form back to a store message.
// Unknown senders are kept verbatim.
func (r MessageResponse) Message() *store.Message {
	sender, err := store.ParseSender(r.Sender)
	if err != nil {
		sender = store.Sender(r.Sender)
	}
	return &store.Message{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		Sender:    sender,
		Origin:    r.Origin,
		Text:      r.Text,
		Widget:    r.Widget,
		CreatedAt: r.CreatedAt,
	}
}
