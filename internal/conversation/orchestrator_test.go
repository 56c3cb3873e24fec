// ABOUTME: End-to-end orchestrator tests against an in-process agent server
// ABOUTME: Covers transitions, widget negotiation, persistence, themes, and session isolation

package conversation_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/cruse/internal/agenttest"
	"github.com/2389/cruse/internal/channel"
	"github.com/2389/cruse/internal/conversation"
	"github.com/2389/cruse/internal/negotiate"
	"github.com/2389/cruse/internal/store"
)

const (
	primaryAgent = "X"
	widgetAgent  = "widget_agent"
)

const flightWidget = `{"widget":{"title":"Flight","schema":{"type":"object","properties":{"to":{"type":"string"}}}}}`

type harness struct {
	srv   *agenttest.Server
	store *store.MockStore
	o     *conversation.Orchestrator
}

// newHarness runs an orchestrator against an in-process agent server. The
// primary agent echoes; widget replies come from widget, which may be nil.
func newHarness(t *testing.T, cfg conversation.Config, widget agenttest.Responder, opts ...conversation.Option) *harness {
	t.Helper()

	srv := agenttest.NewServer(t, func(req agenttest.Request) []any {
		if req.AgentID == widgetAgent {
			if widget == nil {
				return nil
			}
			return widget(req)
		}
		return agenttest.Echo(req)
	})
	base, err := channel.ParseBase(srv.WSBase())
	require.NoError(t, err)
	cfg.Channel = base

	var n atomic.Int64
	opts = append([]conversation.Option{
		conversation.WithSessionIDs(func() string { return fmt.Sprintf("s-%d", n.Add(1)) }),
	}, opts...)

	st := store.NewMockStore()
	o := conversation.New(cfg, st, nil, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-o.Done()
	})

	return &harness{srv: srv, store: st, o: o}
}

func (h *harness) waitFor(t *testing.T, what string, cond func(conversation.View) bool) conversation.View {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.o.Snapshot()) }, 5*time.Second, 10*time.Millisecond, what)
	return h.o.Snapshot()
}

func savedCount(v conversation.View) int {
	n := 0
	for _, m := range v.Messages {
		if m.ID != "" {
			n++
		}
	}
	return n
}

func TestOrchestrator_StartsIdle(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)

	v := h.o.Snapshot()
	assert.Equal(t, conversation.Idle, v.State)
	assert.Equal(t, conversation.SourceNone, v.Source)
	assert.Empty(t, v.ThreadID)
	assert.Equal(t, negotiate.DefaultTheme(), v.Theme)

	ctx := context.Background()
	assert.ErrorIs(t, h.o.Send(ctx, "hi"), conversation.ErrNotActive)
	assert.ErrorIs(t, h.o.NewThread(ctx), conversation.ErrNoAgent)
	assert.ErrorIs(t, h.o.SelectAgent(ctx, ""), conversation.ErrNoAgent)
	assert.ErrorIs(t, h.o.Send(ctx, "   "), conversation.ErrEmptyMessage)
}

func TestOrchestrator_SelectAgentCreatesThread(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))

	v := h.o.Snapshot()
	assert.Equal(t, conversation.Active, v.State)
	assert.Equal(t, conversation.SourceSelection, v.Source)
	assert.Equal(t, primaryAgent, v.AgentID)
	assert.Equal(t, "s-1", v.SessionID)
	assert.True(t, conversation.IsDefaultTitle(v.Title), "title %q", v.Title)
	assert.Empty(t, v.Messages)

	threads, err := h.store.ListThreads(ctx, primaryAgent, 10)
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, v.ThreadID, threads[0].ID)
}

func TestOrchestrator_SelectAgentLoadsRecentThread(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	old := &store.Thread{ID: "old", Title: "Old", AgentName: primaryAgent, UpdatedAt: time.Now().Add(-time.Hour)}
	recent := &store.Thread{ID: "recent", Title: "Recent", AgentName: primaryAgent, UpdatedAt: time.Now()}
	require.NoError(t, h.store.CreateThread(ctx, old))
	require.NoError(t, h.store.CreateThread(ctx, recent))
	require.NoError(t, h.store.SaveMessage(ctx, &store.Message{ThreadID: "recent", Sender: store.SenderHuman, Text: "before"}))
	calls := h.store.SaveCalls()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))

	v := h.o.Snapshot()
	assert.Equal(t, "recent", v.ThreadID)
	assert.Equal(t, "Recent", v.Title)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "before", v.Messages[0].Text)
	assert.NotEmpty(t, v.Messages[0].ID)

	// loaded messages are never written back
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, h.store.SaveCalls())
}

func TestOrchestrator_HelloScenario(t *testing.T) {
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 2 * time.Second},
		func(agenttest.Request) []any { return []any{flightWidget} })
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))

	v := h.waitFor(t, "both turns persisted", func(v conversation.View) bool {
		return len(v.Messages) == 2 && savedCount(v) == 2
	})

	assert.Equal(t, store.SenderHuman, v.Messages[0].Sender)
	assert.Equal(t, "hello", v.Messages[0].Text)
	ai := v.Messages[1]
	assert.Equal(t, store.SenderAI, ai.Sender)
	assert.Equal(t, "echo: hello", ai.Text)
	require.NotNil(t, ai.Widget)
	assert.Equal(t, "Flight", ai.Widget.Title)
	assert.Equal(t, 0, v.Pending)

	// the widget agent saw the turn with the user's intent and no previous widget
	reqs := h.srv.WaitRequests(t, widgetAgent, 1)
	var wire map[string]any
	require.NoError(t, reqs[0].Decode(&wire))
	assert.Equal(t, "hello", wire["user_intent"])
	assert.Equal(t, "[HUMAN]: hello\n\n[AI]: echo: hello", wire["conversation_context"])
	assert.NotContains(t, wire, "previous_widget")
	assert.Equal(t, v.SessionID, reqs[0].SessionID)

	// the widget was written together with the AI turn
	stored, err := h.store.GetThreadMessages(ctx, v.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.NotNil(t, stored[1].Widget)
	assert.Equal(t, "Flight", stored[1].Widget.Title)
	assert.Equal(t, 2, h.store.SaveCalls())

	// first human message names the thread
	h.waitFor(t, "thread renamed", func(v conversation.View) bool { return v.Title == "hello" })
	th, err := h.store.GetThread(ctx, v.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "hello", th.Title)
}

func TestOrchestrator_SecondTurnSendsPreviousWidget(t *testing.T) {
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 2 * time.Second},
		func(agenttest.Request) []any { return []any{flightWidget} })
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))
	h.waitFor(t, "first turn saved", func(v conversation.View) bool { return savedCount(v) == 2 })

	require.NoError(t, h.o.Send(ctx, "to Paris"))
	h.waitFor(t, "second turn saved", func(v conversation.View) bool { return savedCount(v) == 4 })

	reqs := h.srv.WaitRequests(t, widgetAgent, 2)
	var wire struct {
		UserIntent     string  `json:"user_intent"`
		PreviousWidget *string `json:"previous_widget"`
	}
	require.NoError(t, reqs[1].Decode(&wire))
	assert.Equal(t, "to Paris", wire.UserIntent)
	require.NotNil(t, wire.PreviousWidget)

	var prev store.WidgetDefinition
	require.NoError(t, json.Unmarshal([]byte(*wire.PreviousWidget), &prev))
	assert.Equal(t, "Flight", prev.Title)
}

func TestOrchestrator_WidgetTimeoutSavesWithoutWidget(t *testing.T) {
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 100 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))

	v := h.waitFor(t, "AI turn saved after timeout", func(v conversation.View) bool { return savedCount(v) == 2 })
	assert.Nil(t, v.Messages[1].Widget)

	stored, err := h.store.GetThreadMessages(ctx, v.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Nil(t, stored[1].Widget)
}

func TestOrchestrator_NoWidgetAgentSavesImmediately(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))

	h.waitFor(t, "both turns saved", func(v conversation.View) bool { return savedCount(v) == 2 })
	assert.Empty(t, h.srv.RequestsFor(widgetAgent))
	assert.Equal(t, 2, h.store.SaveCalls())
}

func TestOrchestrator_PersistsEachMessageOnce(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.o.Send(ctx, fmt.Sprintf("msg %d", i)))
	}
	v := h.waitFor(t, "all turns saved", func(v conversation.View) bool { return savedCount(v) == 6 })

	// more churn on the message list does not re-save anything
	h.srv.Push(primaryAgent, v.SessionID, map[string]any{"message": map[string]any{"type": "HUMAN", "text": "ignored"}})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 6, h.store.SaveCalls())

	stored, err := h.store.GetThreadMessages(ctx, v.ThreadID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestOrchestrator_FailedSaveIsRetried(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	h.store.SetSaveErr(errors.New("unavailable"))
	require.NoError(t, h.o.Send(ctx, "first"))
	h.srv.WaitRequests(t, primaryAgent, 1)

	// optimistic messages stay visible
	v := h.waitFor(t, "echo arrives", func(v conversation.View) bool { return len(v.Messages) == 2 })
	require.Eventually(t, func() bool { return h.store.SaveCalls() >= 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, savedCount(h.o.Snapshot()))

	h.store.SetSaveErr(nil)
	require.NoError(t, h.o.Send(ctx, "second"))
	h.waitFor(t, "everything saved", func(v conversation.View) bool { return len(v.Messages) == 4 && savedCount(v) == 4 })

	stored, err := h.store.GetThreadMessages(ctx, v.ThreadID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
}

func TestOrchestrator_IgnoresNonAIFrames(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	sid := h.o.Snapshot().SessionID
	require.True(t, h.srv.Push(primaryAgent, sid, `not json`))
	require.True(t, h.srv.Push(primaryAgent, sid, map[string]any{"message": map[string]any{"type": "HUMAN", "text": "x"}}))
	require.True(t, h.srv.Push(primaryAgent, sid, map[string]any{"message": map[string]any{"type": "AI", "text": "pushed"}}))

	v := h.waitFor(t, "AI frame appended", func(v conversation.View) bool { return len(v.Messages) == 1 })
	assert.Equal(t, "pushed", v.Messages[0].Text)
}

func TestOrchestrator_SwitchToCurrentThreadIsNoop(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	before := h.o.Snapshot()
	dials := h.srv.Dials()

	require.NoError(t, h.o.SwitchThread(ctx, before.ThreadID))

	after := h.o.Snapshot()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, conversation.Active, after.State)
	assert.Equal(t, dials, h.srv.Dials())
}

func TestOrchestrator_SwitchThread(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	first := h.o.Snapshot()

	other := &store.Thread{ID: "other", Title: "Other", AgentName: primaryAgent, UpdatedAt: time.Now().Add(-time.Hour)}
	require.NoError(t, h.store.CreateThread(ctx, other))
	require.NoError(t, h.store.SaveMessage(ctx, &store.Message{ThreadID: "other", Sender: store.SenderHuman, Text: "earlier"}))

	require.NoError(t, h.o.SwitchThread(ctx, "other"))

	v := h.o.Snapshot()
	assert.Equal(t, conversation.Active, v.State)
	assert.Equal(t, "other", v.ThreadID)
	assert.NotEqual(t, first.SessionID, v.SessionID)
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "earlier", v.Messages[0].Text)

	// the new session speaks on its own channel
	require.NoError(t, h.o.Send(ctx, "again"))
	reqs := h.srv.WaitRequests(t, primaryAgent, 1)
	assert.Equal(t, v.SessionID, reqs[0].SessionID)
}

func TestOrchestrator_SwitchThreadRejectsOtherAgent(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.store.CreateThread(ctx, &store.Thread{ID: "y-thread", AgentName: "Y"}))

	err := h.o.SwitchThread(ctx, "y-thread")
	assert.ErrorIs(t, err, conversation.ErrThreadAgentMismatch)

	err = h.o.SwitchThread(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.Equal(t, conversation.Active, h.o.Snapshot().State)
}

func TestOrchestrator_NewThread(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))
	first := h.waitFor(t, "saved", func(v conversation.View) bool { return savedCount(v) == 2 })

	require.NoError(t, h.o.NewThread(ctx))

	v := h.o.Snapshot()
	assert.NotEqual(t, first.ThreadID, v.ThreadID)
	assert.NotEqual(t, first.SessionID, v.SessionID)
	assert.Empty(t, v.Messages)
	assert.Equal(t, primaryAgent, v.AgentID)

	threads, err := h.store.ListThreads(ctx, primaryAgent, 10)
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestOrchestrator_SessionIsolation(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 5 * time.Second},
		func(agenttest.Request) []any {
			<-release
			return []any{flightWidget}
		})
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.Send(ctx, "hello"))
	first := h.waitFor(t, "negotiation pending", func(v conversation.View) bool {
		return len(v.Messages) == 2 && v.Pending == 1
	})
	h.srv.WaitRequests(t, widgetAgent, 1)

	require.NoError(t, h.o.NewThread(ctx))
	second := h.o.Snapshot()
	require.NotEqual(t, first.SessionID, second.SessionID)

	// the old session's widget reply arrives after the switch
	close(release)
	time.Sleep(100 * time.Millisecond)

	v := h.o.Snapshot()
	assert.Equal(t, second.ThreadID, v.ThreadID)
	assert.Empty(t, v.Messages)
	assert.Equal(t, 0, v.Pending)

	// the interrupted AI turn was still written, without the late widget
	require.Eventually(t, func() bool {
		stored, err := h.store.GetThreadMessages(ctx, first.ThreadID, 10, 0)
		return err == nil && len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)
	stored, err := h.store.GetThreadMessages(ctx, first.ThreadID, 10, 0)
	require.NoError(t, err)
	assert.Nil(t, stored[1].Widget)
}

func TestOrchestrator_DesignOverride(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.SetDesignOverride(ctx, "designer"))

	v := h.o.Snapshot()
	assert.Equal(t, conversation.SourceOverride, v.Source)
	assert.Equal(t, "designer", v.AgentID)
	assert.Equal(t, conversation.Active, v.State)

	require.NoError(t, h.o.ClearDesignOverride(ctx))
	v = h.o.Snapshot()
	assert.Equal(t, conversation.SourceSelection, v.Source)
	assert.Equal(t, primaryAgent, v.AgentID)

	// clearing again is a no-op
	session := v.SessionID
	require.NoError(t, h.o.ClearDesignOverride(ctx))
	assert.Equal(t, session, h.o.Snapshot().SessionID)
}

func TestOrchestrator_ClearOverrideWithoutSelectionGoesIdle(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SetDesignOverride(ctx, "designer"))
	require.NoError(t, h.o.ClearDesignOverride(ctx))

	v := h.o.Snapshot()
	assert.Equal(t, conversation.Idle, v.State)
	assert.Empty(t, v.AgentID)
}

func TestOrchestrator_DeselectAgent(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	require.NoError(t, h.o.DeselectAgent(ctx))

	v := h.o.Snapshot()
	assert.Equal(t, conversation.Idle, v.State)
	assert.Empty(t, v.AgentID)
	assert.Empty(t, v.ThreadID)
	assert.Empty(t, v.SessionID)
	assert.Empty(t, v.Messages)
	assert.ErrorIs(t, h.o.Send(ctx, "hi"), conversation.ErrNotActive)
}

func TestOrchestrator_PrimaryDialFailure(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	// break the channel path so the upgrade fails, then retry with the real one
	broken := h.srv.WSBase() + "/missing"
	base, err := channel.ParseBase(broken)
	require.NoError(t, err)
	st := store.NewMockStore()
	o := conversation.New(conversation.Config{Channel: base}, st, nil)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = o.Run(runCtx) }()

	err = o.SelectAgent(ctx, primaryAgent)
	require.Error(t, err)

	v := o.Snapshot()
	assert.Equal(t, conversation.ConnectingPrimary, v.State)
	assert.NotEmpty(t, v.Error)
	assert.NotEmpty(t, v.ThreadID, "thread is chosen even though the channel failed")
	assert.ErrorIs(t, o.Send(ctx, "hi"), conversation.ErrNotActive)

	require.Error(t, o.Retry(ctx))
	assert.Equal(t, v.ThreadID, o.Snapshot().ThreadID)
}

func TestOrchestrator_ChannelDropSurfacesError(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	sid := h.o.Snapshot().SessionID
	h.srv.Drop(primaryAgent, sid)

	v := h.waitFor(t, "error surfaced", func(v conversation.View) bool { return v.Error != "" })
	assert.Equal(t, conversation.Active, v.State)
	require.NotEmpty(t, v.Messages)
	last := v.Messages[len(v.Messages)-1]
	assert.Equal(t, store.SenderSystem, last.Sender)

	err := h.o.Send(ctx, "anyone?")
	assert.ErrorIs(t, err, channel.ErrNotOpen)

	// the optimistic message is kept and saved; the notice is not
	h.waitFor(t, "human turn saved", func(v conversation.View) bool { return savedCount(v) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.store.SaveCalls())

	require.NoError(t, h.o.Retry(ctx))
	v = h.o.Snapshot()
	assert.Equal(t, conversation.Active, v.State)
	assert.Empty(t, v.Error)
	assert.NotEqual(t, sid, v.SessionID)
}

type requesterFunc func(ctx context.Context, payload any) ([]byte, error)

func (f requesterFunc) Do(ctx context.Context, payload any) ([]byte, error) {
	return f(ctx, payload)
}

type directory map[string]negotiate.AgentInfo

func (d directory) Describe(_ context.Context, name string) (negotiate.AgentInfo, error) {
	info, ok := d[name]
	if !ok {
		return negotiate.AgentInfo{}, store.ErrNotFound
	}
	return info, nil
}

func TestOrchestrator_ThemeNegotiatedOncePerAgent(t *testing.T) {
	var calls atomic.Int32
	var lastAgent atomic.Value
	themes := requesterFunc(func(_ context.Context, payload any) ([]byte, error) {
		calls.Add(1)
		info := payload.(negotiate.AgentInfo)
		lastAgent.Store(info)
		return []byte(`{"theme":{"background":"#000000","font":"Mono"}}`), nil
	})

	h := newHarness(t, conversation.Config{ThemeAgent: "theme_agent"}, nil,
		conversation.WithThemeRequester(themes),
		conversation.WithDirectory(directory{primaryAgent: {Name: primaryAgent, Description: "travel helper", Tags: []string{"travel"}}}))
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	v := h.waitFor(t, "theme applied", func(v conversation.View) bool { return v.Theme.Background == "#000000" })
	assert.Equal(t, "Mono", v.Theme.Font)
	assert.Equal(t, negotiate.DefaultTheme().Colors["primary"], v.Theme.Colors["primary"])

	info := lastAgent.Load().(negotiate.AgentInfo)
	assert.Equal(t, "travel helper", info.Description)

	// switching threads for the same agent keeps the theme
	require.NoError(t, h.o.NewThread(ctx))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "#000000", h.o.Snapshot().Theme.Background)
}

func TestOrchestrator_ThemeFailureFallsBack(t *testing.T) {
	themes := requesterFunc(func(context.Context, any) ([]byte, error) {
		return nil, errors.New("boom")
	})
	h := newHarness(t, conversation.Config{ThemeAgent: "theme_agent"}, nil, conversation.WithThemeRequester(themes))

	require.NoError(t, h.o.SelectAgent(context.Background(), primaryAgent))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, negotiate.DefaultTheme(), h.o.Snapshot().Theme)
}

func TestOrchestrator_ThemeOverChannel(t *testing.T) {
	srv := agenttest.NewServer(t, func(req agenttest.Request) []any {
		if req.AgentID == "theme_agent" {
			return []any{`{"message":{"type":"AI","text":"{\"background\":\"#123456\"}"}}`}
		}
		return agenttest.Echo(req)
	})
	base, err := channel.ParseBase(srv.WSBase())
	require.NoError(t, err)

	o := conversation.New(conversation.Config{
		Channel:        base,
		ThemeAgent:     "theme_agent",
		ThemeTransport: conversation.ThemeChannel,
	}, store.NewMockStore(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = o.Run(ctx) }()

	require.NoError(t, o.SelectAgent(ctx, primaryAgent))
	require.Eventually(t, func() bool { return o.Snapshot().Theme.Background == "#123456" },
		5*time.Second, 10*time.Millisecond)

	reqs := srv.WaitRequests(t, "theme_agent", 1)
	var info negotiate.AgentInfo
	require.NoError(t, reqs[0].Decode(&info))
	assert.Equal(t, primaryAgent, info.Name)

	// the theme connection only lives until the theme is applied
	require.Eventually(t, func() bool { return srv.Live("theme_agent") == 0 },
		5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, srv.Live(primaryAgent))
}

func TestOrchestrator_SubscribeReceivesViews(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	views := h.o.Subscribe(ctx)
	require.NoError(t, h.o.SelectAgent(context.Background(), primaryAgent))

	seen := map[conversation.State]bool{}
	timeout := time.After(5 * time.Second)
	for !seen[conversation.Active] {
		select {
		case v := <-views:
			seen[v.State] = true
		case <-timeout:
			t.Fatal("never saw active view")
		}
	}
	assert.True(t, seen[conversation.ConnectingPrimary] || seen[conversation.SwitchingTarget])
}

func TestOrchestrator_StopRejectsCommands(t *testing.T) {
	st := store.NewMockStore()
	o := conversation.New(conversation.Config{}, st, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = o.Run(ctx) }()

	cancel()
	select {
	case <-o.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("orchestrator did not stop")
	}
	assert.ErrorIs(t, o.SelectAgent(context.Background(), primaryAgent), conversation.ErrStopped)
}

func TestOrchestrator_GreetingBeforeConnectIsKept(t *testing.T) {
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 2 * time.Second},
		func(agenttest.Request) []any { return []any{flightWidget} })
	ctx := context.Background()

	// the primary agent speaks first while the widget channel is still dialing
	h.srv.Greet(primaryAgent, map[string]any{"message": map[string]any{"type": "AI", "text": "welcome"}})
	h.srv.DelayUpgrade(widgetAgent, 200*time.Millisecond)

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))

	v := h.waitFor(t, "greeting shown and saved", func(v conversation.View) bool {
		return len(v.Messages) == 1 && savedCount(v) == 1
	})
	assert.Equal(t, store.SenderAI, v.Messages[0].Sender)
	assert.Equal(t, "welcome", v.Messages[0].Text)
	assert.Equal(t, v.ThreadID, v.Messages[0].ThreadID)

	stored, err := h.store.GetThreadMessages(ctx, v.ThreadID, 10, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "welcome", stored[0].Text)
	require.NotNil(t, stored[0].Widget)
	assert.Equal(t, "Flight", stored[0].Widget.Title)
}

func TestOrchestrator_RepliesQueueBehindNegotiation(t *testing.T) {
	// the widget agent never answers on its own; replies are pushed below
	h := newHarness(t, conversation.Config{WidgetAgent: widgetAgent, NegotiationTimeout: 5 * time.Second}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	sid := h.o.Snapshot().SessionID
	require.True(t, h.srv.Push(primaryAgent, sid, map[string]any{"message": map[string]any{"type": "AI", "text": "one"}}))
	require.True(t, h.srv.Push(primaryAgent, sid, map[string]any{"message": map[string]any{"type": "AI", "text": "two"}}))

	v := h.waitFor(t, "both replies shown", func(v conversation.View) bool {
		return len(v.Messages) == 2 && v.Pending == 2
	})
	assert.Equal(t, "one", v.Messages[0].Text)
	assert.Equal(t, "two", v.Messages[1].Text)
	assert.Equal(t, 0, savedCount(v))

	// only one request is in flight on the widget channel
	h.srv.WaitRequests(t, widgetAgent, 1)
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, h.srv.RequestsFor(widgetAgent), 1)
	assert.Equal(t, 0, h.store.SaveCalls())

	require.True(t, h.srv.Push(widgetAgent, sid, flightWidget))
	v = h.waitFor(t, "first reply saved", func(v conversation.View) bool { return savedCount(v) == 1 })
	require.NotNil(t, v.Messages[0].Widget)
	assert.Empty(t, v.Messages[1].ID)

	reqs := h.srv.WaitRequests(t, widgetAgent, 2)
	var wire map[string]any
	require.NoError(t, reqs[1].Decode(&wire))
	assert.Contains(t, wire["conversation_context"], "[AI]: two")
	assert.Equal(t, 1, h.store.SaveCalls())

	require.True(t, h.srv.Push(widgetAgent, sid, flightWidget))
	v = h.waitFor(t, "second reply saved", func(v conversation.View) bool { return savedCount(v) == 2 })
	require.NotNil(t, v.Messages[1].Widget)
	assert.Equal(t, 0, v.Pending)
	assert.Equal(t, 2, h.store.SaveCalls())
}

func TestOrchestrator_FailedHumanSaveRetriedOnNewThread(t *testing.T) {
	h := newHarness(t, conversation.Config{}, nil)
	ctx := context.Background()

	require.NoError(t, h.o.SelectAgent(ctx, primaryAgent))
	h.store.SetSaveErr(errors.New("unavailable"))
	require.NoError(t, h.o.Send(ctx, "first"))
	first := h.waitFor(t, "echo arrives", func(v conversation.View) bool { return len(v.Messages) == 2 })
	require.Eventually(t, func() bool { return h.store.SaveCalls() >= 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	// storage recovers, but the user leaves the thread before sending again
	h.store.SetSaveErr(nil)
	require.NoError(t, h.o.NewThread(ctx))
	assert.NotEqual(t, first.ThreadID, h.o.Snapshot().ThreadID)

	require.Eventually(t, func() bool {
		stored, err := h.store.GetThreadMessages(ctx, first.ThreadID, 10, 0)
		return err == nil && len(stored) == 2
	}, 2*time.Second, 10*time.Millisecond)
	stored, err := h.store.GetThreadMessages(ctx, first.ThreadID, 10, 0)
	require.NoError(t, err)
	texts := map[store.Sender]string{}
	for _, m := range stored {
		texts[m.Sender] = m.Text
	}
	assert.Equal(t, "first", texts[store.SenderHuman])
	assert.Equal(t, "echo: first", texts[store.SenderAI])
}
