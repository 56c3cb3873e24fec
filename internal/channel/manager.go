// ABOUTME: Manages the open channel for each role (primary, widget, theme).
// ABOUTME: Closes a role's previous connection before dialing a new one.

package channel

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrSuperseded indicates a dial finished after its role was reopened or closed.
// The fresh connection is closed and discarded.
var ErrSuperseded = errors.New("channel superseded")

// Role names which logical channel a connection serves.
type Role string

const (
	RolePrimary Role = "primary"
	RoleWidget  Role = "widget"
	RoleTheme   Role = "theme"
)

// Manager holds at most one connection per role.
type Manager struct {
	conns map[Role]*Conn
	gen   map[Role]uint64
	mu    sync.Mutex

	dialer func(ctx context.Context, target Target, opts Options) (*Conn, error)
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		conns:  make(map[Role]*Conn),
		gen:    make(map[Role]uint64),
		dialer: Dial,
		logger: logger.With("component", "channel_manager"),
	}
}

// Open closes any connection currently held for role, then dials target.
// If Close, CloseAll or another Open for the same role happens while the dial
// is in progress, the new connection is closed and ErrSuperseded is returned.
func (m *Manager) Open(ctx context.Context, role Role, target Target, opts Options) (*Conn, error) {
	m.mu.Lock()
	m.gen[role]++
	gen := m.gen[role]
	prev := m.conns[role]
	delete(m.conns, role)
	m.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		m.logger.Debug("closed previous channel", "role", role, "target", prev.Target().String())
	}

	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	conn, err := m.dialer(ctx, target, opts)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.gen[role] != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, ErrSuperseded
	}
	m.conns[role] = conn
	m.mu.Unlock()

	m.logger.Info("channel opened", "role", role, "agent_id", target.AgentID, "session_id", target.SessionID)
	return conn, nil
}

// Get returns the connection currently held for role.
func (m *Manager) Get(role Role) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[role]
	return c, ok
}

// Close closes the connection for role and cancels any dial in progress for it.
func (m *Manager) Close(role Role) {
	m.mu.Lock()
	m.gen[role]++
	c := m.conns[role]
	delete(m.conns, role)
	m.mu.Unlock()

	if c != nil {
		_ = c.Close()
	}
}

// CloseAll closes every connection and cancels every dial in progress.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[Role]*Conn)
	// every role with a dial in flight already has a generation entry
	for role := range m.gen {
		m.gen[role]++
	}
	m.mu.Unlock()

	for role, c := range conns {
		_ = c.Close()
		m.logger.Debug("closed channel", "role", role)
	}
}

// Len returns how many connections are held.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
