// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers thread CRUD, message persistence, widget/origin round trips and ordering

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestOpenSQLite_UnknownDriver(t *testing.T) {
	_, err := OpenSQLite("postgres", filepath.Join(t.TempDir(), "test.db"))
	if err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestCreateAndGetThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now().UTC()
	thread := &Thread{
		ID:        "thread-123",
		Title:     "Chat 2025-01-01 10:00:00",
		AgentName: "hello_world",
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	got, err := store.GetThread(ctx, "thread-123")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}

	if got.ID != thread.ID {
		t.Errorf("ID mismatch: got %q, want %q", got.ID, thread.ID)
	}
	if got.Title != thread.Title {
		t.Errorf("Title mismatch: got %q, want %q", got.Title, thread.Title)
	}
	if got.AgentName != thread.AgentName {
		t.Errorf("AgentName mismatch: got %q, want %q", got.AgentName, thread.AgentName)
	}
	if !got.CreatedAt.Equal(thread.CreatedAt) {
		t.Errorf("CreatedAt mismatch: got %v, want %v", got.CreatedAt, thread.CreatedAt)
	}
}

func TestCreateThread_AssignsID(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	thread := &Thread{Title: "untitled"}
	if err := store.CreateThread(context.Background(), thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if thread.ID == "" {
		t.Error("expected generated thread ID")
	}
	if thread.CreatedAt.IsZero() || thread.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be filled")
	}
}

func TestGetThread_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	_, err := store.GetThread(context.Background(), "nonexistent")
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	thread := &Thread{ID: "thread-456", Title: "Chat", AgentName: "agent-001"}
	if err := store.CreateThread(ctx, thread); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	thread.Title = "What is the weather"
	thread.UpdatedAt = time.Now().UTC().Add(time.Hour)
	if err := store.UpdateThread(ctx, thread); err != nil {
		t.Fatalf("UpdateThread failed: %v", err)
	}

	got, err := store.GetThread(ctx, "thread-456")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if got.Title != "What is the weather" {
		t.Errorf("Title not updated: got %q", got.Title)
	}
	if !got.UpdatedAt.Equal(thread.UpdatedAt) {
		t.Errorf("UpdatedAt not updated: got %v, want %v", got.UpdatedAt, thread.UpdatedAt)
	}
}

func TestUpdateThread_NotFound(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.UpdateThread(context.Background(), &Thread{ID: "missing", Title: "x"})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListThreads_FilterAndOrder(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)
	for i, tc := range []struct{ id, agent string }{
		{"t-1", "alpha"},
		{"t-2", "beta"},
		{"t-3", "alpha"},
	} {
		ts := base.Add(time.Duration(i) * time.Minute)
		if err := store.CreateThread(ctx, &Thread{ID: tc.id, Title: tc.id, AgentName: tc.agent, CreatedAt: ts, UpdatedAt: ts}); err != nil {
			t.Fatalf("CreateThread failed: %v", err)
		}
	}

	all, err := store.ListThreads(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 threads, got %d", len(all))
	}
	if all[0].ID != "t-3" {
		t.Errorf("expected most recent first, got %q", all[0].ID)
	}

	alpha, err := store.ListThreads(ctx, "alpha", 10)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(alpha) != 2 {
		t.Fatalf("expected 2 alpha threads, got %d", len(alpha))
	}
	for _, th := range alpha {
		if th.AgentName != "alpha" {
			t.Errorf("unexpected agent %q in filtered list", th.AgentName)
		}
	}
}

func TestSaveMessage_TouchesThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	old := time.Now().UTC().Add(-24 * time.Hour)
	if err := store.CreateThread(ctx, &Thread{ID: "t-1", Title: "x", CreatedAt: old, UpdatedAt: old}); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	msg := &Message{ThreadID: "t-1", Sender: SenderHuman, Text: "hello"}
	if err := store.SaveMessage(ctx, msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if msg.ID == "" {
		t.Error("expected message ID to be assigned")
	}

	got, err := store.GetThread(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetThread failed: %v", err)
	}
	if !got.UpdatedAt.After(old) {
		t.Errorf("expected updated_at to move forward, got %v", got.UpdatedAt)
	}
}

func TestSaveMessage_UnknownThread(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.SaveMessage(context.Background(), &Message{ThreadID: "nope", Sender: SenderHuman, Text: "hi"})
	if err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetThreadMessages_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateThread(ctx, &Thread{ID: "t-1", Title: "x"}); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}

	base := time.Now().UTC()
	human := &Message{ThreadID: "t-1", Sender: SenderHuman, Text: "book a flight", CreatedAt: base,
		Origin: []OriginRef{{Tool: "airline_agent", InstantiationIndex: 1}}}
	ai := &Message{ThreadID: "t-1", Sender: SenderAI, Text: "Where to?", CreatedAt: base.Add(time.Millisecond),
		Widget: &WidgetDefinition{Title: "Destination", Schema: []byte(`{"type":"object","properties":{"city":{"type":"string"}}}`)}}

	for _, m := range []*Message{human, ai} {
		if err := store.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := store.GetThreadMessages(ctx, "t-1", 0, 0)
	if err != nil {
		t.Fatalf("GetThreadMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "book a flight" || msgs[1].Text != "Where to?" {
		t.Errorf("unexpected order: %q, %q", msgs[0].Text, msgs[1].Text)
	}
	if len(msgs[0].Origin) != 1 || msgs[0].Origin[0].Tool != "airline_agent" {
		t.Errorf("origin not preserved: %+v", msgs[0].Origin)
	}
	if msgs[0].Widget != nil {
		t.Error("human message should have no widget")
	}
	if !msgs[1].Widget.HasSchema() || msgs[1].Widget.Title != "Destination" {
		t.Errorf("widget not preserved: %+v", msgs[1].Widget)
	}
}

func TestGetThreadMessages_LimitOffset(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateThread(ctx, &Thread{ID: "t-1", Title: "x"}); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		m := &Message{ThreadID: "t-1", Sender: SenderHuman, Text: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second)}
		if err := store.SaveMessage(ctx, m); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	msgs, err := store.GetThreadMessages(ctx, "t-1", 2, 1)
	if err != nil {
		t.Fatalf("GetThreadMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "b" || msgs[1].Text != "c" {
		t.Errorf("unexpected page: %q, %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestDeleteThread_Cascades(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	ctx := context.Background()
	if err := store.CreateThread(ctx, &Thread{ID: "t-1", Title: "x"}); err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	if err := store.SaveMessage(ctx, &Message{ThreadID: "t-1", Sender: SenderHuman, Text: "hi"}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	if err := store.DeleteThread(ctx, "t-1"); err != nil {
		t.Fatalf("DeleteThread failed: %v", err)
	}
	if _, err := store.GetThread(ctx, "t-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	msgs, err := store.GetThreadMessages(ctx, "t-1", 0, 0)
	if err != nil {
		t.Fatalf("GetThreadMessages failed: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("expected messages to cascade, got %d", len(msgs))
	}

	if err := store.DeleteThread(ctx, "t-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}
