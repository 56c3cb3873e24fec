// Package store provides durable thread and message storage using SQLite.
//
// # Data Models
//
//   - Thread: a named conversation owned by one agent (AgentName)
//   - Message: a HUMAN, AI or SYSTEM turn with origin trace and optional widget
//   - WidgetDefinition: opaque form/card JSON attached to AI turns
//
// Message IDs are assigned by SaveMessage; an empty ID means the message has
// not been persisted yet. Saving a message bumps its thread's UpdatedAt so
// ListThreads returns the most recently active conversation first.
//
// # SQLite Configuration
//
// Two drivers are supported through OpenSQLite:
//
//   - "sqlite": modernc.org/sqlite, pure Go (default)
//   - "sqlite3": github.com/mattn/go-sqlite3, requires cgo
//
// The store enables WAL mode and foreign keys so deleting a thread cascades
// to its messages:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: requested thread does not exist
//   - ErrDuplicateThread: thread ID already taken
//
// # Testing
//
// Use NewMockStore() for unit tests. It can count SaveMessage calls and
// inject failures or latency. Use NewSQLiteStore(path) under t.TempDir()
// for integration tests with real SQLite.
package store
