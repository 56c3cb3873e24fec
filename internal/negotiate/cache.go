// ABOUTME: Widget cache keyed by (agent, session) for side-agent continuity.
// ABOUTME: Owned by the orchestrator; entries for a session are dropped on teardown.

package negotiate

import (
	"sync"

	"github.com/2389/cruse/internal/store"
)

type cacheKey struct {
	agentID   string
	sessionID string
}

// WidgetCache holds the most recently accepted widget per (agent, session).
type WidgetCache struct {
	mu      sync.RWMutex
	entries map[cacheKey]*store.WidgetDefinition
}

// NewWidgetCache creates an empty cache.
func NewWidgetCache() *WidgetCache {
	return &WidgetCache{entries: make(map[cacheKey]*store.WidgetDefinition)}
}

// Get returns a copy of the cached widget for agent and session.
func (c *WidgetCache) Get(agentID, sessionID string) (*store.WidgetDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w, ok := c.entries[cacheKey{agentID, sessionID}]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// Put replaces the cached widget for agent and session.
func (c *WidgetCache) Put(agentID, sessionID string, w *store.WidgetDefinition) {
	if w == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey{agentID, sessionID}] = w.Clone()
}

// DropSession removes every entry recorded under sessionID.
func (c *WidgetCache) DropSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.sessionID == sessionID {
			delete(c.entries, k)
		}
	}
}

// Len returns the number of cached widgets.
func (c *WidgetCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
