// ABOUTME: In-memory fan-out of orchestrator views to UI subscribers
// ABOUTME: Slow subscribers lose intermediate views but always see the latest

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 16
)

// ViewBroadcaster provides in-memory pub/sub for orchestrator views.
type ViewBroadcaster struct {
	mu          sync.Mutex
	subscribers map[string]chan View // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewViewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewViewBroadcaster(logger *slog.Logger) *ViewBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &ViewBroadcaster{
		subscribers: make(map[string]chan View),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. The returned channel receives every
// published view and is closed when ctx is cancelled or the broadcaster closes.
func (b *ViewBroadcaster) Subscribe(ctx context.Context) (<-chan View, string) {
	subID := uuid.New().String()
	ch := make(chan View, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers v to every subscriber without blocking. When a
// subscriber's buffer is full its oldest pending view is dropped.
func (b *ViewBroadcaster) Publish(v View) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- v:
			continue
		default:
		}
		// full: drop the oldest and retry once
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
			b.logger.Debug("dropped view for slow subscriber", "sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *ViewBroadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Len returns the number of subscribers.
func (b *ViewBroadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *ViewBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
