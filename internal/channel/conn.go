// ABOUTME: A single websocket channel to one (agent, session) target.
// ABOUTME: Owns dial, JSON send, the ordered read loop, and observable lifecycle state.

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotOpen indicates an operation on a channel that is not in the Open state.
var ErrNotOpen = errors.New("channel not open")

const (
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	maxMessageSize   = 4 * 1024 * 1024
)

// State is the lifecycle state of a Conn.
type State int32

const (
	Connecting State = iota
	Open
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Handler receives one inbound text frame.
type Handler func(data []byte)

// Options configures a Conn at dial time.
type Options struct {
	// OnMessage is registered before the read loop starts so no frame is missed.
	OnMessage Handler
	// OnError is called once when the connection fails after opening.
	OnError func(errMsg string)
	Dialer  *websocket.Dialer
	Logger  *slog.Logger
}

// Conn is one physical websocket connection to a Target.
type Conn struct {
	target Target
	ws     *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu       sync.RWMutex
	state    State
	errMsg   string
	handlers []Handler
	onError  func(string)

	closed atomic.Bool
	done   chan struct{}
}

// Dial opens exactly one websocket connection to target and starts its read
// loop. There is no automatic retry; callers reopen on their next lifecycle event.
func Dial(ctx context.Context, target Target, opts Options) (*Conn, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	}

	u := target.URL()
	logger = logger.With("component", "channel", "url", u)
	logger.Debug("dialing channel")

	ws, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	ws.SetReadLimit(maxMessageSize)

	c := &Conn{
		target:  target,
		ws:      ws,
		logger:  logger,
		state:   Open,
		onError: opts.OnError,
		done:    make(chan struct{}),
	}
	if opts.OnMessage != nil {
		c.handlers = append(c.handlers, opts.OnMessage)
	}

	go c.readLoop()
	logger.Info("channel open")
	return c, nil
}

// Target returns the target this connection was opened for.
func (c *Conn) Target() Target {
	return c.target
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Err returns the last connection error, or "" if none occurred.
func (c *Conn) Err() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.errMsg
}

// OnMessage registers an additional handler. Handlers run on the read loop
// goroutine in registration order, one frame at a time.
func (c *Conn) OnMessage(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, h)
}

// Send JSON-encodes v and writes it as a single text frame. It returns false
// if the connection is not open or the write fails; a write failure is
// recorded in Err and moves the connection to Failed.
func (c *Conn) Send(v any) bool {
	if c.State() != Open {
		return false
	}

	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("failed to encode outbound message", "error", err)
		return false
	}

	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()

	if err != nil {
		c.fail(fmt.Sprintf("write: %v", err))
		return false
	}
	return true
}

// Close shuts the connection. It is safe to call multiple times. No handler
// starts after Close returns.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	if c.state == Open || c.state == Connecting {
		c.state = Closed
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	err := c.ws.Close()
	c.logger.Debug("channel closed")
	return err
}

// Done is closed when the read loop has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) fail(msg string) {
	if c.closed.Load() {
		return
	}

	c.mu.Lock()
	if c.state == Failed {
		c.mu.Unlock()
		return
	}
	c.state = Failed
	c.errMsg = msg
	onError := c.onError
	c.mu.Unlock()

	c.logger.Warn("channel failed", "error", msg)
	if onError != nil {
		onError(msg)
	}
}

// readLoop delivers inbound text frames to handlers in receipt order.
func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.state = Closed
				c.mu.Unlock()
				c.logger.Info("channel closed by peer")
				return
			}
			c.fail(fmt.Sprintf("read: %v", err))
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		c.mu.RLock()
		handlers := make([]Handler, len(c.handlers))
		copy(handlers, c.handlers)
		c.mu.RUnlock()

		for _, h := range handlers {
			if c.closed.Load() {
				return
			}
			h(data)
		}
	}
}
