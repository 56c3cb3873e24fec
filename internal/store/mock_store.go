// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject failures or count saves

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu       sync.RWMutex
	threads  map[string]*Thread    // keyed by thread ID
	messages map[string][]*Message // keyed by threadID

	saveCalls int

	// SaveErr, when set, is returned by SaveMessage instead of saving.
	SaveErr error
	// SaveDelay delays SaveMessage, honouring context cancellation.
	SaveDelay time.Duration
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		threads:  make(map[string]*Thread),
		messages: make(map[string][]*Message),
	}
}

// CreateThread stores a new thread.
func (m *MockStore) CreateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if thread.ID == "" {
		thread.ID = uuid.New().String()
	}
	if _, exists := m.threads[thread.ID]; exists {
		return ErrDuplicateThread
	}
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = time.Now()
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = thread.CreatedAt
	}

	// Make a copy to avoid external modification
	t := *thread
	m.threads[t.ID] = &t
	return nil
}

// GetThread retrieves a thread by ID.
func (m *MockStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.threads[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *t
	return &result, nil
}

// UpdateThread updates an existing thread.
func (m *MockStore) UpdateThread(ctx context.Context, thread *Thread) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.threads[thread.ID]
	if !ok {
		return ErrNotFound
	}
	if thread.UpdatedAt.IsZero() {
		thread.UpdatedAt = time.Now()
	}
	existing.Title = thread.Title
	existing.AgentName = thread.AgentName
	existing.UpdatedAt = thread.UpdatedAt
	return nil
}

// ListThreads returns threads sorted by UpdatedAt descending.
func (m *MockStore) ListThreads(ctx context.Context, agentName string, limit int) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	threads := make([]*Thread, 0, len(m.threads))
	for _, t := range m.threads {
		if agentName != "" && t.AgentName != agentName {
			continue
		}
		copied := *t
		threads = append(threads, &copied)
	}

	sort.Slice(threads, func(i, j int) bool {
		if threads[i].UpdatedAt.Equal(threads[j].UpdatedAt) {
			return threads[i].CreatedAt.After(threads[j].CreatedAt)
		}
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})

	limit = normalizeLimit(limit)
	if len(threads) > limit {
		threads = threads[:limit]
	}
	return threads, nil
}

// DeleteThread removes a thread and its messages.
func (m *MockStore) DeleteThread(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.threads[id]; !ok {
		return ErrNotFound
	}
	delete(m.threads, id)
	delete(m.messages, id)
	return nil
}

// SaveMessage stores a message, assigning an ID when empty.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	m.saveCalls++
	delay, saveErr := m.SaveDelay, m.SaveErr
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if saveErr != nil {
		return saveErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.threads[msg.ThreadID]
	if !ok {
		return ErrNotFound
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	t.UpdatedAt = time.Now()

	copied := msg.Clone()
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], &copied)
	return nil
}

// GetThreadMessages retrieves messages for a thread in insertion order.
func (m *MockStore) GetThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[threadID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[offset:]

	limit = normalizeLimit(limit)
	if len(msgs) > limit {
		msgs = msgs[:limit]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		copied := msg.Clone()
		result[i] = &copied
	}
	return result, nil
}

// SaveCalls returns how many times SaveMessage has been invoked.
func (m *MockStore) SaveCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saveCalls
}

// SetSaveErr swaps the injected SaveMessage failure.
func (m *MockStore) SetSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SaveErr = err
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
