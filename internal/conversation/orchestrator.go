// ABOUTME: ConversationOrchestrator drives one chat session against a primary agent
// ABOUTME: Single event loop owns all state; channel, negotiation and save results arrive as events

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/cruse/internal/channel"
	"github.com/2389/cruse/internal/negotiate"
	"github.com/2389/cruse/internal/store"
)

var (
	// ErrNoAgent indicates an operation that needs a target agent while none is selected.
	ErrNoAgent = errors.New("no agent selected")
	// ErrNotActive indicates the primary channel is not open.
	ErrNotActive = errors.New("conversation not active")
	// ErrSuperseded indicates a transition was replaced by a newer one before it finished.
	ErrSuperseded = errors.New("superseded by a newer transition")
	// ErrStopped indicates the orchestrator's event loop is not running.
	ErrStopped = errors.New("orchestrator stopped")
	// ErrEmptyMessage indicates Send was called with blank text.
	ErrEmptyMessage = errors.New("empty message")
	// ErrThreadAgentMismatch indicates SwitchThread to a thread owned by another agent.
	ErrThreadAgentMismatch = errors.New("thread belongs to a different agent")
)

// Theme transports.
const (
	ThemeOneShot = "oneshot"
	ThemeChannel = "channel"
)

const (
	defaultHistoryLimit = 1000
	eventBufferSize     = 256
	renameTimeout       = 10 * time.Second
)

// ThreadStore is what the orchestrator needs from durable storage.
// store.Store and the HTTP client both satisfy it.
type ThreadStore interface {
	MessageSaver
	CreateThread(ctx context.Context, thread *store.Thread) error
	GetThread(ctx context.Context, id string) (*store.Thread, error)
	UpdateThread(ctx context.Context, thread *store.Thread) error
	ListThreads(ctx context.Context, agentName string, limit int) ([]*store.Thread, error)
	GetThreadMessages(ctx context.Context, threadID string, limit, offset int) ([]*store.Message, error)
}

// AgentDirectory looks up the metadata sent to the theme side-agent.
type AgentDirectory interface {
	Describe(ctx context.Context, agentName string) (negotiate.AgentInfo, error)
}

// Config holds orchestrator settings.
type Config struct {
	// Channel is the base target; agent and session are filled per channel.
	Channel channel.Target

	// WidgetAgent is the widget side-agent. Empty disables widget negotiation.
	WidgetAgent string
	// ThemeAgent is the theme side-agent. Empty disables theme negotiation.
	ThemeAgent string
	// ThemeTransport is ThemeOneShot (default) or ThemeChannel.
	ThemeTransport string

	NegotiationTimeout time.Duration
	ContextTurns       int
	DefaultIntent      string

	// HistoryLimit caps how many stored messages are loaded per thread.
	HistoryLimit int
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithDirectory supplies agent metadata for theme negotiation.
func WithDirectory(d AgentDirectory) Option {
	return func(o *Orchestrator) { o.directory = d }
}

// WithThemeRequester supplies the one-shot requester for ThemeOneShot.
func WithThemeRequester(r negotiate.Requester) Option {
	return func(o *Orchestrator) { o.themeRequester = r }
}

// WithSessionIDs overrides session ID generation.
func WithSessionIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newSessionID = next }
}

// WithChannelManager overrides the channel manager.
func WithChannelManager(m *channel.Manager) Option {
	return func(o *Orchestrator) { o.channels = m }
}

type command struct {
	apply func(reply chan<- error)
	reply chan error
}

type event struct {
	sessionID string // "" for events not tied to a session
	apply     func()
}

type transition struct {
	agentID  string
	source   TargetSource
	thread   *store.Thread // preloaded target thread
	threadID string        // reload this thread by ID
	create   bool
}

// loopState is owned by the Run goroutine.
type loopState struct {
	state    State
	source   TargetSource
	agentID  string
	selected string // last explicit selection, restored when an override is cleared

	thread        store.Thread
	sessionID     string
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	messages []store.Message
	lastTime time.Time

	theme       negotiate.Theme
	themedAgent string
	errMsg      string

	pending     []string // tracking keys of AI replies awaiting widget negotiation
	early       [][]byte // primary frames received before the thread was bound
	negotiating bool
	unsavedAI   []string

	waiters []chan<- error
}

// Orchestrator coordinates the primary channel, the side agents, and
// persistence for one browsing context.
type Orchestrator struct {
	cfg       Config
	threads   ThreadStore
	directory AgentDirectory
	channels  *channel.Manager
	gate      *Gate

	cache          *negotiate.WidgetCache
	widgetEx       *negotiate.Exchange
	themeEx        *negotiate.Exchange
	widgets        *negotiate.WidgetNegotiator
	themes         *negotiate.ThemeNegotiator
	themeRequester negotiate.Requester

	broadcaster  *ViewBroadcaster
	newSessionID func() string
	logger       *slog.Logger

	cmds    chan command
	events  chan event
	done    chan struct{}
	running atomic.Bool
	view    atomic.Pointer[View]
	runCtx  context.Context

	st loopState
}

// New creates an orchestrator. Call Run to start its event loop.
func New(cfg Config, threads ThreadStore, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NegotiationTimeout <= 0 {
		cfg.NegotiationTimeout = negotiate.DefaultTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.ThemeTransport == "" {
		cfg.ThemeTransport = ThemeOneShot
	}

	o := &Orchestrator{
		cfg:          cfg,
		threads:      threads,
		cache:        negotiate.NewWidgetCache(),
		broadcaster:  NewViewBroadcaster(logger),
		newSessionID: uuid.NewString,
		logger:       logger.With("component", "orchestrator"),
		cmds:         make(chan command),
		events:       make(chan event, eventBufferSize),
		done:         make(chan struct{}),
		runCtx:       context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.channels == nil {
		o.channels = channel.NewManager(logger)
	}

	o.gate = NewGate(threads, o.onSaved, logger)
	o.widgetEx = negotiate.NewExchange(cfg.NegotiationTimeout, logger)
	o.themeEx = negotiate.NewExchange(cfg.NegotiationTimeout, logger)
	o.widgets = negotiate.NewWidgetNegotiator(o.widgetEx, o.cache, negotiate.WidgetConfig{
		Turns:         cfg.ContextTurns,
		DefaultIntent: cfg.DefaultIntent,
	}, logger)

	if cfg.ThemeAgent != "" {
		switch {
		case cfg.ThemeTransport == ThemeChannel:
			o.themes = negotiate.NewThemeNegotiator(o.themeEx, cfg.NegotiationTimeout, logger)
		case o.themeRequester != nil:
			o.themes = negotiate.NewThemeNegotiator(o.themeRequester, cfg.NegotiationTimeout, logger)
		}
	}

	o.st.theme = negotiate.DefaultTheme()
	v := o.buildView()
	o.view.Store(&v)
	return o
}

// Run processes commands and events until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return errors.New("orchestrator already running")
	}
	o.runCtx = ctx
	o.logger.Debug("event loop started")

	for {
		select {
		case <-ctx.Done():
			o.stop()
			return nil

		case cmd := <-o.cmds:
			cmd.apply(cmd.reply)
			o.publish()

		case ev := <-o.events:
			if ev.sessionID != "" && ev.sessionID != o.st.sessionID {
				o.logger.Debug("discarding stale event", "session_id", ev.sessionID)
				continue
			}
			ev.apply()
			o.publish()
		}
	}
}

func (o *Orchestrator) stop() {
	o.teardown(ErrStopped)
	o.st.state = Idle
	o.publish()
	close(o.done)
	o.gate.Wait()
	o.broadcaster.Close()
	o.logger.Debug("event loop stopped")
}

// Done is closed once Run has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Snapshot returns the latest view.
func (o *Orchestrator) Snapshot() View {
	return o.view.Load().Clone()
}

// Subscribe streams every view published after the call until ctx is
// cancelled. Views are shared between subscribers and must not be modified.
func (o *Orchestrator) Subscribe(ctx context.Context) <-chan View {
	ch, _ := o.broadcaster.Subscribe(ctx)
	return ch
}

// SelectAgent makes agentID the conversation target, loading its most recent
// thread or creating one. It returns once the primary channel is open or the
// transition failed.
func (o *Orchestrator) SelectAgent(ctx context.Context, agentID string) error {
	if agentID == "" {
		return ErrNoAgent
	}
	return o.call(ctx, func(reply chan<- error) {
		o.beginTransition(transition{agentID: agentID, source: SourceSelection}, reply)
	})
}

// DeselectAgent closes every channel and returns to Idle.
func (o *Orchestrator) DeselectAgent(ctx context.Context) error {
	return o.call(ctx, func(reply chan<- error) {
		o.deselect()
		reply <- nil
	})
}

// SetDesignOverride targets agentID in place of the selected agent. The
// selection is remembered and restored by ClearDesignOverride.
func (o *Orchestrator) SetDesignOverride(ctx context.Context, agentID string) error {
	if agentID == "" {
		return ErrNoAgent
	}
	return o.call(ctx, func(reply chan<- error) {
		o.beginTransition(transition{agentID: agentID, source: SourceOverride}, reply)
	})
}

// ClearDesignOverride drops the override and returns to the selected agent,
// or to Idle when nothing was selected. Without an override it does nothing.
func (o *Orchestrator) ClearDesignOverride(ctx context.Context) error {
	return o.call(ctx, func(reply chan<- error) {
		if o.st.source != SourceOverride {
			reply <- nil
			return
		}
		if o.st.selected == "" {
			o.deselect()
			reply <- nil
			return
		}
		o.beginTransition(transition{agentID: o.st.selected, source: SourceSelection}, reply)
	})
}

// SwitchThread makes threadID the current thread. Switching to the thread
// that is already current does nothing.
func (o *Orchestrator) SwitchThread(ctx context.Context, threadID string) error {
	if cur := o.Snapshot(); cur.ThreadID == threadID && cur.State != Idle {
		return nil
	}

	thread, err := o.threads.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("load thread %s: %w", threadID, err)
	}

	return o.call(ctx, func(reply chan<- error) {
		if o.st.thread.ID == threadID && (o.st.state == Active || o.st.state == ConnectingPrimary) {
			reply <- nil
			return
		}
		if o.st.agentID == "" {
			reply <- ErrNoAgent
			return
		}
		if thread.AgentName != "" && thread.AgentName != o.st.agentID {
			reply <- fmt.Errorf("%w: %s", ErrThreadAgentMismatch, thread.AgentName)
			return
		}
		o.beginTransition(transition{agentID: o.st.agentID, source: o.st.source, thread: thread}, reply)
	})
}

// NewThread creates a fresh thread for the current agent and switches to it.
func (o *Orchestrator) NewThread(ctx context.Context) error {
	return o.call(ctx, func(reply chan<- error) {
		if o.st.agentID == "" {
			reply <- ErrNoAgent
			return
		}
		o.beginTransition(transition{agentID: o.st.agentID, source: o.st.source, create: true}, reply)
	})
}

// Retry reopens the channels for the current agent and thread in a new session.
func (o *Orchestrator) Retry(ctx context.Context) error {
	return o.call(ctx, func(reply chan<- error) {
		if o.st.agentID == "" {
			reply <- ErrNoAgent
			return
		}
		o.beginTransition(transition{agentID: o.st.agentID, source: o.st.source, threadID: o.st.thread.ID}, reply)
	})
}

// Send appends text as an optimistic HUMAN message, persists it, and
// transmits it on the primary channel. The message stays in the view even
// if transmission fails.
func (o *Orchestrator) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	return o.call(ctx, func(reply chan<- error) {
		if o.st.state != Active {
			reply <- ErrNotActive
			return
		}

		first := !o.hasHuman()
		msg := store.Message{
			ThreadID:  o.st.thread.ID,
			Sender:    store.SenderHuman,
			Origin:    o.origin(),
			Text:      text,
			CreatedAt: o.stamp(),
		}
		o.st.messages = append(o.st.messages, msg)
		o.observe()

		if first && IsDefaultTitle(o.st.thread.Title) {
			o.rename(TitleFromMessage(text))
		}

		conn, ok := o.channels.Get(channel.RolePrimary)
		if !ok || !conn.Send(map[string]string{"message": text}) {
			o.st.errMsg = "primary channel not open"
			if ok && conn.Err() != "" {
				o.st.errMsg = conn.Err()
			}
			reply <- fmt.Errorf("send: %w", channel.ErrNotOpen)
			return
		}
		reply <- nil
	})
}

// call posts a command to the loop and waits for its reply.
func (o *Orchestrator) call(ctx context.Context, apply func(reply chan<- error)) error {
	reply := make(chan error, 1)
	select {
	case o.cmds <- command{apply: apply, reply: reply}:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrStopped
	}
}

// post hands an event to the loop. Events for a session that is no longer
// current are discarded by the loop.
func (o *Orchestrator) post(sessionID string, apply func()) {
	select {
	case o.events <- event{sessionID: sessionID, apply: apply}:
	case <-o.done:
	}
}

func (o *Orchestrator) publish() {
	v := o.buildView()
	o.view.Store(&v)
	o.broadcaster.Publish(v)
}

func (o *Orchestrator) buildView() View {
	v := View{
		State:     o.st.state,
		Source:    o.st.source,
		AgentID:   o.st.agentID,
		ThreadID:  o.st.thread.ID,
		Title:     o.st.thread.Title,
		SessionID: o.st.sessionID,
		Theme:     o.st.theme.Clone(),
		Error:     o.st.errMsg,
		Pending:   len(o.st.pending),
	}
	if o.st.negotiating {
		v.Pending++
	}
	if len(o.st.messages) > 0 {
		v.Messages = make([]store.Message, len(o.st.messages))
		for i, m := range o.st.messages {
			v.Messages[i] = m.Clone()
		}
	}
	return v
}

// teardown closes every channel of the current session and cancels its
// in-flight negotiations. Waiting callers receive reason.
func (o *Orchestrator) teardown(reason error) {
	o.flushUnsaved()
	if o.st.cancelSession != nil {
		o.st.cancelSession()
		o.st.cancelSession = nil
	}
	o.channels.CloseAll()
	o.widgetEx.Bind(nil)
	o.themeEx.Bind(nil)
	if o.st.sessionID != "" {
		o.cache.DropSession(o.st.sessionID)
	}
	o.st.pending = nil
	o.st.early = nil
	o.st.negotiating = false
	o.st.unsavedAI = nil
	o.replyWaiters(reason)
}

func (o *Orchestrator) replyWaiters(err error) {
	for _, w := range o.st.waiters {
		w <- err
	}
	o.st.waiters = nil
}

func (o *Orchestrator) deselect() {
	o.teardown(ErrSuperseded)
	o.gate.Reset("", nil)
	o.st = loopState{
		state: Idle,
		theme: negotiate.DefaultTheme(),
	}
	o.logger.Info("agent deselected")
}

func (o *Orchestrator) beginTransition(tr transition, reply chan<- error) {
	o.teardown(ErrSuperseded)
	o.st.state = SwitchingTarget
	o.publish()

	o.st.agentID = tr.agentID
	o.st.source = tr.source
	if tr.source == SourceSelection {
		o.st.selected = tr.agentID
	}
	o.st.sessionID = o.newSessionID()
	o.st.sessionCtx, o.st.cancelSession = context.WithCancel(o.runCtx)
	o.st.thread = store.Thread{}
	o.st.messages = nil
	o.st.errMsg = ""
	o.gate.Reset("", nil)
	o.st.state = ConnectingPrimary
	if reply != nil {
		o.st.waiters = append(o.st.waiters, reply)
	}

	o.logger.Info("switching target",
		"agent_id", tr.agentID,
		"source", tr.source.String(),
		"session_id", o.st.sessionID)

	if tr.agentID != o.st.themedAgent {
		o.startTheme(tr.agentID)
	}
	go o.connect(o.st.sessionCtx, o.st.sessionID, tr)
}

// connect resolves the thread and opens the session's channels off the loop.
func (o *Orchestrator) connect(ctx context.Context, sessionID string, tr transition) {
	thread, msgs, err := o.resolveThread(ctx, tr)
	if err != nil {
		o.post(sessionID, func() { o.failTransition(err) })
		return
	}

	primary, perr := o.channels.Open(ctx, channel.RolePrimary, o.cfg.Channel.For(tr.agentID, sessionID), channel.Options{
		OnMessage: func(data []byte) {
			o.post(sessionID, func() { o.handlePrimary(data) })
		},
		OnError: func(msg string) {
			o.post(sessionID, func() { o.handleChannelError(msg) })
		},
	})

	var widget *channel.Conn
	if perr == nil && o.cfg.WidgetAgent != "" {
		var werr error
		widget, werr = o.channels.Open(ctx, channel.RoleWidget, o.cfg.Channel.For(o.cfg.WidgetAgent, sessionID), channel.Options{
			OnMessage: o.widgetEx.Deliver,
		})
		if werr != nil && !errors.Is(werr, channel.ErrSuperseded) {
			o.logger.Warn("widget channel unavailable, widgets disabled for session",
				"session_id", sessionID, "error", werr)
		}
	}

	o.post(sessionID, func() { o.finishConnect(thread, msgs, primary, widget, perr) })
}

func (o *Orchestrator) resolveThread(ctx context.Context, tr transition) (*store.Thread, []store.Message, error) {
	var thread *store.Thread
	var err error

	switch {
	case tr.thread != nil:
		thread = tr.thread
	case tr.threadID != "":
		thread, err = o.threads.GetThread(ctx, tr.threadID)
	case tr.create:
		thread, err = o.createThread(ctx, tr.agentID)
	default:
		var recent []*store.Thread
		recent, err = o.threads.ListThreads(ctx, tr.agentID, 1)
		if err == nil && len(recent) > 0 {
			thread = recent[0]
		} else if err == nil {
			thread, err = o.createThread(ctx, tr.agentID)
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("resolve thread: %w", err)
	}

	loaded, err := o.threads.GetThreadMessages(ctx, thread.ID, o.cfg.HistoryLimit, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("load messages for thread %s: %w", thread.ID, err)
	}
	msgs := make([]store.Message, 0, len(loaded))
	for _, m := range loaded {
		msgs = append(msgs, m.Clone())
	}
	return thread, msgs, nil
}

func (o *Orchestrator) createThread(ctx context.Context, agentID string) (*store.Thread, error) {
	now := time.Now().UTC()
	thread := &store.Thread{
		ID:        uuid.NewString(),
		Title:     DefaultTitle(now),
		AgentName: agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.threads.CreateThread(ctx, thread); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	o.logger.Info("thread created", "thread_id", thread.ID, "agent_id", agentID)
	return thread, nil
}

func (o *Orchestrator) failTransition(err error) {
	o.st.errMsg = err.Error()
	o.logger.Error("transition failed", "agent_id", o.st.agentID, "error", err)
	o.replyWaiters(err)
}

func (o *Orchestrator) finishConnect(thread *store.Thread, msgs []store.Message, primary, widget *channel.Conn, perr error) {
	o.st.thread = *thread
	o.st.messages = msgs
	o.gate.Reset(thread.ID, msgs)
	if widget != nil {
		o.widgetEx.Bind(widget)
	}

	if perr != nil {
		o.st.early = nil
		o.st.errMsg = perr.Error()
		o.logger.Error("primary channel failed to open",
			"agent_id", o.st.agentID,
			"session_id", o.st.sessionID,
			"error", perr)
		o.replyWaiters(fmt.Errorf("open primary channel: %w", perr))
		return
	}

	o.st.state = Active
	o.logger.Info("conversation active",
		"agent_id", o.st.agentID,
		"thread_id", thread.ID,
		"session_id", o.st.sessionID,
		"messages", len(msgs))
	o.observe()

	early := o.st.early
	o.st.early = nil
	for _, data := range early {
		o.handlePrimary(data)
	}
	o.replyWaiters(nil)
}

type primaryFrame struct {
	Message json.RawMessage `json:"message"`
}

type primaryMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (o *Orchestrator) handlePrimary(data []byte) {
	if o.st.state == ConnectingPrimary {
		o.st.early = append(o.st.early, data)
		return
	}

	var frame primaryFrame
	if err := json.Unmarshal(data, &frame); err != nil || len(frame.Message) == 0 {
		o.logger.Debug("ignoring malformed primary frame", "bytes", len(data))
		return
	}
	var inner primaryMessage
	if err := json.Unmarshal(frame.Message, &inner); err != nil {
		o.logger.Debug("ignoring primary frame without message object")
		return
	}
	if !strings.EqualFold(inner.Type, string(store.SenderAI)) {
		o.logger.Debug("ignoring primary message", "type", inner.Type)
		return
	}

	msg := store.Message{
		ThreadID:  o.st.thread.ID,
		Sender:    store.SenderAI,
		Origin:    o.origin(),
		Text:      inner.Text,
		CreatedAt: o.stamp(),
	}
	o.st.messages = append(o.st.messages, msg)
	key := TrackingKey(msg)

	if o.cfg.WidgetAgent == "" {
		o.gate.PersistAI(o.st.sessionCtx, msg)
		return
	}
	o.st.pending = append(o.st.pending, key)
	o.pump()
}

// pump starts the next widget negotiation when none is in flight.
func (o *Orchestrator) pump() {
	for !o.st.negotiating && len(o.st.pending) > 0 {
		key := o.st.pending[0]
		o.st.pending = o.st.pending[1:]

		idx := o.indexOf(key)
		if idx < 0 {
			continue
		}

		req := negotiate.WidgetRequest{
			AgentID:   o.st.agentID,
			SessionID: o.st.sessionID,
			History:   conversationHistory(o.st.messages[:idx]),
			Reply:     o.st.messages[idx].Clone(),
		}
		o.st.negotiating = true

		sessionID, ctx := o.st.sessionID, o.st.sessionCtx
		go func() {
			res := o.widgets.Negotiate(ctx, req)
			o.post(sessionID, func() { o.finishWidget(key, res) })
		}()
	}
}

func (o *Orchestrator) finishWidget(key string, res negotiate.WidgetResult) {
	o.st.negotiating = false

	if idx := o.indexOf(key); idx >= 0 {
		if res.Show {
			o.st.messages[idx].Widget = res.Widget.Clone()
		}
		o.gate.PersistAI(o.st.sessionCtx, o.st.messages[idx])
	}
	o.pump()
}

func (o *Orchestrator) handleChannelError(msg string) {
	o.st.errMsg = msg
	o.st.messages = append(o.st.messages, store.Message{
		ThreadID:  o.st.thread.ID,
		Sender:    store.SenderSystem,
		Text:      "Connection error: " + msg,
		CreatedAt: o.stamp(),
	})
}

// onSaved runs on a gate save goroutine.
func (o *Orchestrator) onSaved(s Saved) {
	o.post("", func() { o.applySaved(s) })
}

func (o *Orchestrator) applySaved(s Saved) {
	if s.ThreadID != o.st.thread.ID {
		return
	}
	idx := o.indexOf(s.TrackingKey)
	if idx < 0 {
		return
	}
	if s.Err != nil {
		if o.st.messages[idx].Sender == store.SenderAI {
			o.st.unsavedAI = append(o.st.unsavedAI, s.TrackingKey)
		}
		return
	}
	o.st.messages[idx].ID = s.ID
}

// flushUnsaved runs before a session ends. HUMAN turns whose save failed get
// another attempt, and AI replies whose widget negotiation will no longer
// finish are written without a widget.
func (o *Orchestrator) flushUnsaved() {
	ctx := o.st.sessionCtx
	if ctx == nil || o.st.thread.ID == "" {
		return
	}
	o.gate.Observe(ctx, o.st.messages)
	for _, m := range o.st.messages {
		if m.Sender == store.SenderAI && m.ID == "" {
			o.gate.PersistAI(ctx, m)
		}
	}
}

// observe is the reactive persistence trigger, run after the message list changes.
func (o *Orchestrator) observe() {
	ctx := o.st.sessionCtx
	if ctx == nil {
		ctx = o.runCtx
	}
	o.gate.Observe(ctx, o.st.messages)

	retry := o.st.unsavedAI
	o.st.unsavedAI = nil
	for _, key := range retry {
		if idx := o.indexOf(key); idx >= 0 {
			o.gate.PersistAI(ctx, o.st.messages[idx])
		}
	}
}

func (o *Orchestrator) rename(title string) {
	thread := o.st.thread
	thread.Title = title
	thread.UpdatedAt = time.Now().UTC()

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(o.runCtx), renameTimeout)
		defer cancel()

		err := o.threads.UpdateThread(ctx, &thread)
		if err != nil {
			o.logger.Warn("failed to rename thread", "thread_id", thread.ID, "error", err)
			return
		}
		o.post("", func() {
			if o.st.thread.ID == thread.ID {
				o.st.thread.Title = thread.Title
			}
		})
	}()
}

func (o *Orchestrator) startTheme(agentID string) {
	if o.themes == nil {
		o.st.theme = negotiate.DefaultTheme()
		o.st.themedAgent = agentID
		return
	}

	sessionID, ctx := o.st.sessionID, o.st.sessionCtx
	if o.cfg.ThemeTransport != ThemeChannel {
		o.runTheme(ctx, sessionID, agentID)
		return
	}

	go func() {
		conn, err := o.channels.Open(ctx, channel.RoleTheme, o.cfg.Channel.For(o.cfg.ThemeAgent, sessionID), channel.Options{
			OnMessage: o.themeEx.Deliver,
		})
		if err != nil {
			o.logger.Warn("theme channel unavailable, using default theme", "error", err)
			o.post(sessionID, func() { o.applyTheme(agentID, negotiate.DefaultTheme()) })
			return
		}
		o.post(sessionID, func() {
			o.themeEx.Bind(conn)
			o.runTheme(ctx, sessionID, agentID)
		})
	}()
}

func (o *Orchestrator) runTheme(ctx context.Context, sessionID, agentID string) {
	go func() {
		info := negotiate.AgentInfo{Name: agentID}
		if o.directory != nil {
			if d, err := o.directory.Describe(ctx, agentID); err == nil {
				info = d
			} else {
				o.logger.Debug("agent metadata unavailable", "agent_id", agentID, "error", err)
			}
		}
		theme := o.themes.Negotiate(ctx, info)
		o.post(sessionID, func() { o.applyTheme(agentID, theme) })
	}()
}

func (o *Orchestrator) applyTheme(agentID string, theme negotiate.Theme) {
	if o.cfg.ThemeTransport == ThemeChannel {
		o.themeEx.Bind(nil)
		o.channels.Close(channel.RoleTheme)
	}
	if agentID != o.st.agentID {
		return
	}
	o.st.theme = theme
	o.st.themedAgent = agentID
}

func (o *Orchestrator) origin() []store.OriginRef {
	return []store.OriginRef{{Tool: o.st.agentID, InstantiationIndex: 1}}
}

// stamp returns a creation time strictly after the previous one so tracking
// keys of messages with equal text stay distinct.
func (o *Orchestrator) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(o.st.lastTime) {
		now = o.st.lastTime.Add(time.Nanosecond)
	}
	o.st.lastTime = now
	return now
}

func (o *Orchestrator) hasHuman() bool {
	for _, m := range o.st.messages {
		if m.Sender == store.SenderHuman {
			return true
		}
	}
	return false
}

// indexOf finds an unsaved message by tracking key.
func (o *Orchestrator) indexOf(key string) int {
	for i := len(o.st.messages) - 1; i >= 0; i-- {
		m := o.st.messages[i]
		if m.ID == "" && TrackingKey(m) == key {
			return i
		}
	}
	return -1
}

// conversationHistory returns the turns a side agent should see, without
// transient SYSTEM notices.
func conversationHistory(msgs []store.Message) []store.Message {
	out := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Sender == store.SenderSystem {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}
