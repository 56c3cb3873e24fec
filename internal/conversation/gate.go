// ABOUTME: MessagePersistenceGate saves each locally created message exactly once
// ABOUTME: HUMAN turns on observation, AI turns only after widget negotiation

package conversation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/2389/cruse/internal/dedupe"
	"github.com/2389/cruse/internal/store"
)

const (
	// defaultSaveTimeout bounds one durable save.
	defaultSaveTimeout = 10 * time.Second
	// maxTracked bounds the tracking set for one thread.
	maxTracked = 10_000
)

// MessageSaver is the part of the store the gate writes to.
type MessageSaver interface {
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// Saved reports the outcome of one save issued by the gate.
type Saved struct {
	TrackingKey string
	ThreadID    string
	ID          string // durable ID on success
	Err         error
}

// TrackingKey returns the temporary key for a message that has no durable ID:
// creation time in unix nanoseconds plus a fingerprint of sender and text.
func TrackingKey(msg store.Message) string {
	sum := sha256.Sum256([]byte(string(msg.Sender) + "|" + msg.Text))
	var nanos int64
	if !msg.CreatedAt.IsZero() {
		nanos = msg.CreatedAt.UnixNano()
	}
	return "tmp:" + strconv.FormatInt(nanos, 10) + ":" + hex.EncodeToString(sum[:])[:16]
}

// Gate decides which messages still need saving and issues the saves.
// Saves run in the background; results arrive through the onSaved callback.
type Gate struct {
	saver       MessageSaver
	onSaved     func(Saved)
	saveTimeout time.Duration
	logger      *slog.Logger

	mu       sync.Mutex
	tracked  *dedupe.Set
	threadID string
	gen      uint64

	wg sync.WaitGroup
}

// NewGate creates a gate writing through saver. onSaved may be nil.
func NewGate(saver MessageSaver, onSaved func(Saved), logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		saver:       saver,
		onSaved:     onSaved,
		saveTimeout: defaultSaveTimeout,
		tracked:     dedupe.New(maxTracked),
		logger:      logger.With("component", "persistence_gate"),
	}
}

// Reset scopes the gate to threadID, forgetting everything tracked for the
// previous thread. Loaded messages are recorded as already persisted.
// Saves still in flight for the previous thread complete but no longer
// update the tracking set.
func (g *Gate) Reset(threadID string, loaded []store.Message) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.tracked.Reset()
	g.threadID = threadID
	g.gen++
	for _, m := range loaded {
		if m.ID != "" {
			g.tracked.MarkPersisted(m.ID)
		}
	}
}

// ThreadID returns the thread the gate is scoped to.
func (g *Gate) ThreadID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.threadID
}

// Observe inspects the local message list and saves every HUMAN message not
// yet tracked. It may be called any number of times with overlapping lists;
// each logical message is saved at most once. It returns how many saves
// were issued.
func (g *Gate) Observe(ctx context.Context, msgs []store.Message) int {
	issued := 0
	for _, m := range msgs {
		if m.ID != "" {
			g.markLoaded(m.ID)
			continue
		}
		switch m.Sender {
		case store.SenderSystem:
			// transient notices are never persisted
		case store.SenderAI:
			// deferred to PersistAI so the widget lands in the same write
		case store.SenderHuman:
			if g.claimAndSave(ctx, m) {
				issued++
			}
		}
	}
	return issued
}

// PersistAI saves an AI message once its widget negotiation has resolved.
// It reports whether a save was issued.
func (g *Gate) PersistAI(ctx context.Context, msg store.Message) bool {
	if msg.ID != "" {
		g.markLoaded(msg.ID)
		return false
	}
	if msg.Sender != store.SenderAI {
		return false
	}
	return g.claimAndSave(ctx, msg)
}

// Tracked reports the tracking state of a durable ID or temporary key.
func (g *Gate) Tracked(key string) dedupe.State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tracked.Lookup(key)
}

// Wait blocks until every save issued so far has finished.
func (g *Gate) Wait() {
	g.wg.Wait()
}

func (g *Gate) markLoaded(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.tracked.Has(id) {
		g.tracked.MarkPersisted(id)
	}
}

func (g *Gate) claimAndSave(ctx context.Context, m store.Message) bool {
	key := TrackingKey(m)

	g.mu.Lock()
	if g.tracked.CheckAndMark(key) {
		g.mu.Unlock()
		return false
	}
	gen := g.gen
	if m.ThreadID == "" {
		m.ThreadID = g.threadID
	}
	g.mu.Unlock()

	if m.ThreadID == "" {
		g.logger.Warn("no thread for message, not saving", "tracking_key", key)
		g.mu.Lock()
		g.tracked.Release(key)
		g.mu.Unlock()
		return false
	}

	g.wg.Add(1)
	go g.save(context.WithoutCancel(ctx), key, gen, m.Clone())
	return true
}

func (g *Gate) save(ctx context.Context, key string, gen uint64, m store.Message) {
	defer g.wg.Done()

	ctx, cancel := context.WithTimeout(ctx, g.saveTimeout)
	defer cancel()

	err := g.saver.SaveMessage(ctx, &m)

	g.mu.Lock()
	current := g.gen == gen
	if current {
		if err != nil {
			g.tracked.Release(key)
		} else if !g.tracked.Promote(key, m.ID) {
			g.logger.Warn("durable id already tracked under another key",
				"tracking_key", key, "message_id", m.ID)
		}
	}
	g.mu.Unlock()

	if err != nil {
		g.logger.Error("failed to persist message",
			"tracking_key", key,
			"thread_id", m.ThreadID,
			"sender", m.Sender,
			"error", err)
	} else {
		g.logger.Debug("message persisted",
			"tracking_key", key,
			"thread_id", m.ThreadID,
			"message_id", m.ID)
	}

	if g.onSaved != nil {
		res := Saved{TrackingKey: key, ThreadID: m.ThreadID, Err: err}
		if err == nil {
			res.ID = m.ID
		}
		g.onSaved(res)
	}
}
