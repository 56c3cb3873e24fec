// ABOUTME: Thread-safe tracking set for exactly-once message persistence.
// ABOUTME: Holds in-flight temporary keys and durable IDs with size-bounded eviction.

package dedupe

import (
	"container/list"
	"sync"
)

// DefaultMaxSize bounds a Set created with a non-positive size.
const DefaultMaxSize = 10_000

// State describes what a tracked key refers to.
type State int

const (
	// Untracked means the key is unknown to the set.
	Untracked State = iota
	// InFlight means a save for the key has been issued but not confirmed.
	InFlight
	// Persisted means the key is a durable ID, or an alias of one.
	Persisted
)

func (s State) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Persisted:
		return "persisted"
	default:
		return "untracked"
	}
}

// entry stores the state and list element for a tracked key.
type entry struct {
	state   State
	element *list.Element
	alias   string // temporary key promoted to this durable ID, if any
}

// Set is a thread-safe, size-limited collection of tracking keys.
// Uses a doubly-linked list to maintain insertion order for O(1) eviction.
type Set struct {
	mu      sync.RWMutex
	keys    map[string]*entry
	aliases map[string]string // temporary key -> durable ID
	order   *list.List        // keys in insertion order (oldest at front)
	maxSize int
}

// New creates a tracking set holding at most maxSize keys.
func New(maxSize int) *Set {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Set{
		keys:    make(map[string]*entry),
		aliases: make(map[string]string),
		order:   list.New(),
		maxSize: maxSize,
	}
}

// Has reports whether key is tracked, directly or as a promoted alias.
func (s *Set) Has(key string) bool {
	return s.Lookup(key) != Untracked
}

// Lookup returns the state of key.
func (s *Set) Lookup(key string) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookupLocked(key)
}

func (s *Set) lookupLocked(key string) State {
	if e, ok := s.keys[key]; ok {
		return e.state
	}
	if _, ok := s.aliases[key]; ok {
		return Persisted
	}
	return Untracked
}

// Resolve returns the durable ID a key refers to, if it is known. A durable
// ID resolves to itself.
func (s *Set) Resolve(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.aliases[key]; ok {
		return id, true
	}
	if e, ok := s.keys[key]; ok && e.state == Persisted {
		return key, true
	}
	return "", false
}

// CheckAndMark atomically checks if a key is tracked and marks it InFlight if not.
// Returns true if the key was already tracked (duplicate), false if it's new and now marked.
func (s *Set) CheckAndMark(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lookupLocked(key) != Untracked {
		return true
	}
	s.insertLocked(key, InFlight)
	return false
}

// MarkPersisted records a durable ID, e.g. for messages loaded from the store.
func (s *Set) MarkPersisted(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.keys[id]; ok {
		e.state = Persisted
		return
	}
	s.insertLocked(id, Persisted)
}

// Promote replaces the in-flight temporary key with the durable ID the store
// assigned. The temporary key remains resolvable as an alias of id. It returns
// false, leaving the set unchanged, when tempKey is not in flight or when id
// is already aliased by a different temporary key.
func (s *Set) Promote(tempKey, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.keys[tempKey]
	if !ok || e.state != InFlight {
		return false
	}
	if existing, ok := s.keys[id]; ok && existing.alias != "" && existing.alias != tempKey {
		return false
	}

	s.removeLocked(tempKey)
	if existing, ok := s.keys[id]; ok {
		existing.state = Persisted
		existing.alias = tempKey
	} else {
		s.insertLocked(id, Persisted)
		s.keys[id].alias = tempKey
	}
	s.aliases[tempKey] = id
	return true
}

// Release forgets an in-flight key so that a later attempt can retry.
// Persisted keys are left alone.
func (s *Set) Release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.keys[key]; ok && e.state == InFlight {
		s.removeLocked(key)
	}
}

// Reset forgets every key.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys = make(map[string]*entry)
	s.aliases = make(map[string]string)
	s.order.Init()
}

// Len returns the number of tracked keys, not counting aliases.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// insertLocked adds a new key, evicting the oldest if at capacity.
// Must be called with mu held.
func (s *Set) insertLocked(key string, state State) {
	if len(s.keys) >= s.maxSize {
		s.evictOldest()
	}
	elem := s.order.PushBack(key)
	s.keys[key] = &entry{state: state, element: elem}
}

// removeLocked deletes a key and any alias pointing at it.
// Must be called with mu held.
func (s *Set) removeLocked(key string) {
	e, ok := s.keys[key]
	if !ok {
		return
	}
	s.order.Remove(e.element)
	delete(s.keys, key)
	if e.alias != "" {
		delete(s.aliases, e.alias)
	}
}

// evictOldest removes the oldest entry from the set.
// Must be called with mu held. O(1) operation using linked list.
func (s *Set) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.removeLocked(key)
}
