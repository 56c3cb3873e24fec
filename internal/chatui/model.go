// ABOUTME: Bubble Tea model for the interactive chat session
// ABOUTME: Renders orchestrator views and turns input lines into orchestrator calls

package chatui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/2389/cruse/internal/conversation"
	"github.com/2389/cruse/internal/negotiate"
	"github.com/2389/cruse/internal/store"
)

// Controller is the part of the orchestrator the UI drives.
type Controller interface {
	SelectAgent(ctx context.Context, agentID string) error
	DeselectAgent(ctx context.Context) error
	SetDesignOverride(ctx context.Context, agentID string) error
	ClearDesignOverride(ctx context.Context) error
	SwitchThread(ctx context.Context, threadID string) error
	NewThread(ctx context.Context) error
	Retry(ctx context.Context) error
	Send(ctx context.Context, text string) error
	Snapshot() conversation.View
}

// ThreadLister lists an agent's threads for /threads.
type ThreadLister interface {
	ListThreads(ctx context.Context, agentName string, limit int) ([]*store.Thread, error)
}

// AgentLister lists agents for /agents.
type AgentLister interface {
	List(ctx context.Context) ([]negotiate.AgentInfo, error)
}

const threadListLimit = 20

type viewMsg conversation.View

type resultMsg struct {
	action string
	err    error
}

type linesMsg struct {
	lines []string
	err   error
}

// Model is the chat UI state.
type Model struct {
	ctx     context.Context
	ctrl    Controller
	threads ThreadLister
	agents  AgentLister
	views   <-chan conversation.View

	view     conversation.View
	styles   styles
	input    textinput.Model
	timeline viewport.Model
	notice   []string
	status   string
	width    int
	ready    bool
}

// Options configures optional collaborators of the model.
type Options struct {
	Threads ThreadLister
	Agents  AgentLister
}

// New creates a model over ctrl. views is usually ctrl's Subscribe channel.
func New(ctx context.Context, ctrl Controller, views <-chan conversation.View, opts Options) Model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 4000
	input.Placeholder = "Type a message, or /help"
	input.Focus()

	view := ctrl.Snapshot()
	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		threads:  opts.Threads,
		agents:   opts.Agents,
		views:    views,
		view:     view,
		styles:   stylesFor(view.Theme),
		input:    input,
		timeline: viewport.New(80, 20),
		status:   "pick an agent with /agent NAME",
	}
	m.render()
	return m
}

// Init starts listening for views.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitView(m.views))
}

func waitView(ch <-chan conversation.View) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		v, ok := <-ch
		if !ok {
			return nil
		}
		return viewMsg(v)
	}
}

// Update handles terminal input and orchestrator views.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-4, 3)
		m.input.Width = max(msg.Width-4, 10)
		m.ready = true
		m.render()
		return m, nil

	case viewMsg:
		m.view = conversation.View(msg)
		m.styles = stylesFor(m.view.Theme)
		m.render()
		return m, waitView(m.views)

	case resultMsg:
		if msg.err != nil {
			m.status = msg.action + " failed: " + msg.err.Error()
		} else {
			m.status = msg.action
		}
		m.view = m.ctrl.Snapshot()
		m.styles = stylesFor(m.view.Theme)
		m.render()
		return m, nil

	case linesMsg:
		if msg.err != nil {
			m.status = msg.err.Error()
		}
		m.notice = msg.lines
		m.render()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit
		case tea.KeyEsc:
			m.notice = nil
			m.render()
			return m, nil
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			return m.submit(line)
		}
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit turns an input line into a command.
func (m Model) submit(line string) (tea.Model, tea.Cmd) {
	c := ParseCommand(line)
	ctx := m.ctx

	switch c.Name {
	case "":
		if c.Arg == "" {
			return m, nil
		}
		text := c.Arg
		return m, m.run("sent", func() error { return m.ctrl.Send(ctx, text) })
	case "quit", "exit":
		return m, tea.Quit
	case "help":
		m.notice = helpLines()
		m.render()
		return m, nil
	case "agent":
		if c.Arg == "" {
			return m.usage("/agent NAME")
		}
		return m, m.run("connected to "+c.Arg, func() error { return m.ctrl.SelectAgent(ctx, c.Arg) })
	case "leave":
		return m, m.run("agent deselected", func() error { return m.ctrl.DeselectAgent(ctx) })
	case "design":
		if c.Arg == "" {
			return m, m.run("design override cleared", func() error { return m.ctrl.ClearDesignOverride(ctx) })
		}
		return m, m.run("design override "+c.Arg, func() error { return m.ctrl.SetDesignOverride(ctx, c.Arg) })
	case "switch":
		if c.Arg == "" {
			return m.usage("/switch ID")
		}
		return m, m.run("switched thread", func() error { return m.ctrl.SwitchThread(ctx, c.Arg) })
	case "new":
		return m, m.run("new thread", func() error { return m.ctrl.NewThread(ctx) })
	case "retry":
		return m, m.run("reconnected", func() error { return m.ctrl.Retry(ctx) })
	case "threads":
		return m, m.listThreads()
	case "agents":
		return m, m.listAgents()
	default:
		m.status = "unknown command /" + c.Name + " (try /help)"
		m.render()
		return m, nil
	}
}

func (m Model) usage(u string) (tea.Model, tea.Cmd) {
	m.status = "usage: " + u
	m.render()
	return m, nil
}

// run executes a blocking controller call off the UI goroutine.
func (m Model) run(action string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		return resultMsg{action: action, err: fn()}
	}
}

func (m Model) listThreads() tea.Cmd {
	ctx, threads, agent := m.ctx, m.threads, m.view.AgentID
	current := m.view.ThreadID
	return func() tea.Msg {
		if threads == nil {
			return linesMsg{err: errors.New("thread listing unavailable")}
		}
		if agent == "" {
			return linesMsg{err: conversation.ErrNoAgent}
		}
		list, err := threads.ListThreads(ctx, agent, threadListLimit)
		if err != nil {
			return linesMsg{err: err}
		}
		lines := make([]string, 0, len(list))
		for _, t := range list {
			mark := "  "
			if t.ID == current {
				mark = "* "
			}
			lines = append(lines, fmt.Sprintf("%s%s  %s", mark, t.ID, t.Title))
		}
		if len(lines) == 0 {
			lines = append(lines, "no threads")
		}
		return linesMsg{lines: lines}
	}
}

func (m Model) listAgents() tea.Cmd {
	ctx, agents := m.ctx, m.agents
	return func() tea.Msg {
		if agents == nil {
			return linesMsg{err: errors.New("agent listing unavailable")}
		}
		list, err := agents.List(ctx)
		if err != nil {
			return linesMsg{err: err}
		}
		lines := make([]string, 0, len(list))
		for _, a := range list {
			line := a.Name
			if a.Description != "" {
				line += "  " + a.Description
			}
			if len(a.Tags) > 0 {
				line += "  [" + strings.Join(a.Tags, ", ") + "]"
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			lines = append(lines, "no agents")
		}
		return linesMsg{lines: lines}
	}
}

// render refreshes the timeline content.
func (m *Model) render() {
	var b strings.Builder
	for _, msg := range m.view.Messages {
		b.WriteString(m.renderMessage(msg))
		b.WriteString("\n")
	}
	if m.view.Pending > 0 {
		b.WriteString(m.styles.muted.Render(fmt.Sprintf("… preparing %d widget(s)", m.view.Pending)))
		b.WriteString("\n")
	}
	if len(m.notice) > 0 {
		b.WriteString("\n")
		for _, l := range m.notice {
			b.WriteString(m.styles.muted.Render(l))
			b.WriteString("\n")
		}
	}
	m.timeline.SetContent(b.String())
	m.timeline.GotoBottom()
}

func (m Model) renderMessage(msg store.Message) string {
	var label string
	switch msg.Sender {
	case store.SenderHuman:
		label = m.styles.human.Render("you")
	case store.SenderAI:
		name := m.view.AgentID
		if name == "" {
			name = "agent"
		}
		label = m.styles.ai.Render(name)
	default:
		return m.styles.system.Render("· " + msg.Text)
	}

	out := label + " " + msg.Text
	if msg.Widget != nil {
		title := msg.Widget.Title
		if title == "" {
			title = "form"
		}
		out += "\n  " + m.styles.widget.Render("▣ "+title)
		if msg.Widget.Description != "" {
			out += " " + m.styles.muted.Render(msg.Widget.Description)
		}
	}
	return out
}

func (m Model) header() string {
	v := m.view
	if v.AgentID == "" {
		return m.styles.header.Render("cruse") + m.styles.muted.Render(" · no agent")
	}

	parts := []string{m.styles.header.Render(v.AgentID)}
	if v.Source == conversation.SourceOverride {
		parts = append(parts, m.styles.widget.Render("design"))
	}
	if v.Title != "" {
		parts = append(parts, v.Title)
	}
	parts = append(parts, m.styles.muted.Render(v.State.String()))
	return strings.Join(parts, m.styles.muted.Render(" · "))
}

// View renders the whole screen.
func (m Model) View() string {
	statusLine := m.styles.status.Render(m.status)
	if m.view.Error != "" {
		statusLine = m.styles.errText.Render(m.view.Error)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.header(),
		m.timeline.View(),
		statusLine,
		m.input.View(),
	)
}
