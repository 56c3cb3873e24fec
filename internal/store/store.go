// ABOUTME: Store interface and data types for cruse thread persistence
// ABOUTME: Defines Thread, Message, OriginRef and WidgetDefinition plus the Store interface

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// Sender identifies who produced a message.
type Sender string

const (
	SenderHuman  Sender = "HUMAN"
	SenderAI     Sender = "AI"
	SenderSystem Sender = "SYSTEM"
)

// ParseSender maps a wire sender value onto a Sender.
// The legacy lowercase forms ("user", "agent", "human", "ai", "system") are accepted.
func ParseSender(s string) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "human", "user":
		return SenderHuman, nil
	case "ai", "agent":
		return SenderAI, nil
	case "system":
		return SenderSystem, nil
	default:
		return "", fmt.Errorf("unknown sender %q", s)
	}
}

// OriginRef records which agent instance produced or received a message.
type OriginRef struct {
	Tool               string `json:"tool"`
	InstantiationIndex int    `json:"instantiation_index"`
}

// WidgetDefinition is an opaque form/card description attached to a message.
// Only the presence of Schema is ever inspected.
type WidgetDefinition struct {
	Schema      json.RawMessage `json:"schema"`
	Title       string          `json:"title,omitempty"`
	Description string          `json:"description,omitempty"`
	Icon        string          `json:"icon,omitempty"`
	Color       string          `json:"color,omitempty"`
	BgImage     string          `json:"bgImage,omitempty"`
}

// HasSchema reports whether the widget carries a non-empty schema object.
func (w *WidgetDefinition) HasSchema() bool {
	if w == nil {
		return false
	}
	raw := bytes.TrimSpace(w.Schema)
	if len(raw) == 0 || raw[0] != '{' {
		return false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return len(fields) > 0
}

// Clone returns a deep copy of the widget.
func (w *WidgetDefinition) Clone() *WidgetDefinition {
	if w == nil {
		return nil
	}
	c := *w
	c.Schema = append(json.RawMessage(nil), w.Schema...)
	return &c
}

// Thread is a durable, named conversation owned by one agent.
type Thread struct {
	ID        string
	Title     string
	AgentName string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a single turn within a thread.
// ID is empty until the message has been durably saved.
type Message struct {
	ID        string
	ThreadID  string
	Sender    Sender
	Origin    []OriginRef
	Text      string
	Widget    *WidgetDefinition
	CreatedAt time.Time
}

// Clone returns a deep copy of the message so callers may hand it across goroutines.
func (m Message) Clone() Message {
	c := m
	if m.Origin != nil {
		c.Origin = append([]OriginRef(nil), m.Origin...)
	}
	c.Widget = m.Widget.Clone()
	return c
}

// Store defines the interface for thread and message persistence
type Store interface {
	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	UpdateThread(ctx context.Context, thread *Thread) error
	// ListThreads returns threads ordered by most recent activity.
	// An empty agentName lists threads for every agent.
	ListThreads(ctx context.Context, agentName string, limit int) ([]*Thread, error)
	DeleteThread(ctx context.Context, id string) error

	// Messages. SaveMessage assigns msg.ID when it is empty and bumps the
	// owning thread's UpdatedAt.
	SaveMessage(ctx context.Context, msg *Message) error
	GetThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
