// ABOUTME: Tests for the persistence gate
// ABOUTME: Exactly-once saves across repeated observation, failures, and thread resets

package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cruse/internal/dedupe"
	"github.com/2389/cruse/internal/store"
)

type savedLog struct {
	mu  sync.Mutex
	out []Saved
}

func (l *savedLog) add(s Saved) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = append(l.out, s)
}

func (l *savedLog) all() []Saved {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Saved(nil), l.out...)
}

func newTestThread(t *testing.T, s *store.MockStore) string {
	t.Helper()
	th := &store.Thread{ID: "thread-1", Title: "t", AgentName: "X"}
	require.NoError(t, s.CreateThread(context.Background(), th))
	return th.ID
}

func human(text string, at time.Time) store.Message {
	return store.Message{Sender: store.SenderHuman, Text: text, CreatedAt: at}
}

func TestTrackingKey_Stable(t *testing.T) {
	at := time.Unix(1700000000, 42)
	a := TrackingKey(human("hi", at))
	b := TrackingKey(human("hi", at))
	assert.Equal(t, a, b)
	assert.Contains(t, a, "tmp:1700000000000000042:")

	assert.NotEqual(t, a, TrackingKey(human("hi", at.Add(time.Nanosecond))))
	assert.NotEqual(t, a, TrackingKey(human("bye", at)))

	ai := human("hi", at)
	ai.Sender = store.SenderAI
	assert.NotEqual(t, a, TrackingKey(ai))
}

func TestGate_ObserveSavesHumanOnce(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	var log savedLog
	g := NewGate(s, log.add, nil)
	g.Reset(threadID, nil)

	msgs := []store.Message{human("hello", time.Now())}
	assert.Equal(t, 1, g.Observe(context.Background(), msgs))
	assert.Equal(t, 0, g.Observe(context.Background(), msgs))
	g.Wait()
	assert.Equal(t, 0, g.Observe(context.Background(), msgs))

	assert.Equal(t, 1, s.SaveCalls())
	saved := log.all()
	require.Len(t, saved, 1)
	require.NoError(t, saved[0].Err)
	assert.NotEmpty(t, saved[0].ID)
	assert.Equal(t, threadID, saved[0].ThreadID)

	// the durable id now stands for the temporary key
	assert.Equal(t, dedupe.Persisted, g.Tracked(saved[0].ID))
	assert.Equal(t, dedupe.Persisted, g.Tracked(TrackingKey(msgs[0])))

	// the same message coming back with its id is not saved again
	msgs[0].ID = saved[0].ID
	assert.Equal(t, 0, g.Observe(context.Background(), msgs))
	g.Wait()
	assert.Equal(t, 1, s.SaveCalls())
}

func TestGate_ConcurrentObserve(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	g := NewGate(s, nil, nil)
	g.Reset(threadID, nil)

	msgs := []store.Message{human("a", time.Now()), human("b", time.Now().Add(time.Millisecond))}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Observe(context.Background(), msgs)
		}()
	}
	wg.Wait()
	g.Wait()

	assert.Equal(t, 2, s.SaveCalls())
}

func TestGate_SkipsSystemAndDefersAI(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	g := NewGate(s, nil, nil)
	g.Reset(threadID, nil)

	now := time.Now()
	msgs := []store.Message{
		{Sender: store.SenderSystem, Text: "Connection error", CreatedAt: now},
		{Sender: store.SenderAI, Text: "reply", CreatedAt: now},
	}
	assert.Equal(t, 0, g.Observe(context.Background(), msgs))
	g.Wait()
	assert.Equal(t, 0, s.SaveCalls())

	assert.True(t, g.PersistAI(context.Background(), msgs[1]))
	assert.False(t, g.PersistAI(context.Background(), msgs[1]))
	assert.False(t, g.PersistAI(context.Background(), msgs[0]), "system messages are never saved")
	g.Wait()
	assert.Equal(t, 1, s.SaveCalls())
}

func TestGate_PersistAIKeepsWidget(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	g := NewGate(s, nil, nil)
	g.Reset(threadID, nil)

	msg := store.Message{
		Sender:    store.SenderAI,
		Text:      "Where to?",
		CreatedAt: time.Now(),
		Widget:    &store.WidgetDefinition{Title: "Flight", Schema: []byte(`{"type":"object"}`)},
	}
	require.True(t, g.PersistAI(context.Background(), msg))
	g.Wait()

	stored, err := s.GetThreadMessages(context.Background(), threadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	require.NotNil(t, stored[0].Widget)
	assert.Equal(t, "Flight", stored[0].Widget.Title)
}

func TestGate_FailedSaveIsRetried(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	var log savedLog
	g := NewGate(s, log.add, nil)
	g.Reset(threadID, nil)

	s.SetSaveErr(errors.New("disk full"))
	msgs := []store.Message{human("hello", time.Now())}
	assert.Equal(t, 1, g.Observe(context.Background(), msgs))
	g.Wait()

	saved := log.all()
	require.Len(t, saved, 1)
	assert.Error(t, saved[0].Err)
	assert.Empty(t, saved[0].ID)
	assert.Equal(t, dedupe.Untracked, g.Tracked(TrackingKey(msgs[0])))

	s.SetSaveErr(nil)
	assert.Equal(t, 1, g.Observe(context.Background(), msgs))
	g.Wait()
	assert.Equal(t, 2, s.SaveCalls())

	stored, err := s.GetThreadMessages(context.Background(), threadID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestGate_SaveSurvivesCallerCancel(t *testing.T) {
	s := store.NewMockStore()
	s.SaveDelay = 20 * time.Millisecond
	threadID := newTestThread(t, s)
	var log savedLog
	g := NewGate(s, log.add, nil)
	g.Reset(threadID, nil)

	ctx, cancel := context.WithCancel(context.Background())
	g.Observe(ctx, []store.Message{human("hello", time.Now())})
	cancel()
	g.Wait()

	saved := log.all()
	require.Len(t, saved, 1)
	assert.NoError(t, saved[0].Err)
}

func TestGate_NoThreadNoSave(t *testing.T) {
	s := store.NewMockStore()
	g := NewGate(s, nil, nil)

	msgs := []store.Message{human("hello", time.Now())}
	assert.Equal(t, 0, g.Observe(context.Background(), msgs))
	g.Wait()
	assert.Equal(t, 0, s.SaveCalls())
	assert.Equal(t, dedupe.Untracked, g.Tracked(TrackingKey(msgs[0])))
}

func TestGate_ResetMarksLoadedPersisted(t *testing.T) {
	s := store.NewMockStore()
	threadID := newTestThread(t, s)
	g := NewGate(s, nil, nil)

	loaded := []store.Message{{ID: "m-1", Sender: store.SenderHuman, Text: "old", CreatedAt: time.Now()}}
	g.Reset(threadID, loaded)
	assert.Equal(t, threadID, g.ThreadID())
	assert.Equal(t, dedupe.Persisted, g.Tracked("m-1"))

	assert.Equal(t, 0, g.Observe(context.Background(), loaded))
	g.Wait()
	assert.Equal(t, 0, s.SaveCalls())
}

func TestGate_ResetDuringSaveIgnoresLateResult(t *testing.T) {
	s := store.NewMockStore()
	s.SaveDelay = 30 * time.Millisecond
	threadID := newTestThread(t, s)
	require.NoError(t, s.CreateThread(context.Background(), &store.Thread{ID: "thread-2", AgentName: "X"}))
	g := NewGate(s, nil, nil)
	g.Reset(threadID, nil)

	msg := human("hello", time.Now())
	g.Observe(context.Background(), []store.Message{msg})
	g.Reset("thread-2", nil)
	g.Wait()

	// the old thread's save completed but did not touch the new tracking set
	assert.Equal(t, dedupe.Untracked, g.Tracked(TrackingKey(msg)))
	stored, err := s.GetThreadMessages(context.Background(), threadID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}
