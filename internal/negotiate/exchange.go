// ABOUTME: Single-flight request/reply exchange over an unlabelled side channel.
// ABOUTME: The first of {reply, timeout, cancellation} settles; late replies are discarded.

package negotiate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/cruse/internal/channel"
)

var (
	// ErrBusy indicates a request was issued while another one was in flight.
	ErrBusy = errors.New("negotiation already in flight")
	// ErrTimeout indicates the side agent did not reply in time.
	ErrTimeout = errors.New("negotiation timed out")
)

// DefaultTimeout bounds how long an exchange waits for a reply.
const DefaultTimeout = 5 * time.Second

// Sender is the outbound half of a side channel. *channel.Conn satisfies it.
type Sender interface {
	Send(v any) bool
}

// Exchange correlates a request with the next reply on a side channel.
// Only one request may be outstanding at a time.
type Exchange struct {
	mu      sync.Mutex
	sender  Sender
	waiter  chan []byte
	busy    bool
	gen     uint64
	timeout time.Duration
	logger  *slog.Logger
}

// NewExchange creates an exchange waiting at most timeout for each reply.
func NewExchange(timeout time.Duration, logger *slog.Logger) *Exchange {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exchange{timeout: timeout, logger: logger}
}

// Bind attaches the exchange to a new side channel, or detaches it when s is
// nil. Any request still waiting on the previous channel loses its claim and
// can no longer receive a reply.
func (e *Exchange) Bind(s Sender) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sender = s
	e.waiter = nil
	e.busy = false
	e.gen++
}

// Deliver hands an inbound frame to the waiting request. Register it as the
// side channel's message handler. Frames with no waiting request are dropped.
func (e *Exchange) Deliver(data []byte) {
	e.mu.Lock()
	ch := e.waiter
	e.waiter = nil
	e.mu.Unlock()

	if ch == nil {
		e.logger.Debug("discarding unsolicited side-channel reply", "bytes", len(data))
		return
	}
	ch <- data // buffered, one slot, only ever written once
}

// Busy reports whether a request is outstanding.
func (e *Exchange) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Do sends payload and waits for the reply. It returns ErrBusy if another
// request is outstanding, channel.ErrNotOpen if the payload could not be
// sent, ErrTimeout when no reply arrives in time, or the context error.
func (e *Exchange) Do(ctx context.Context, payload any) ([]byte, error) {
	e.mu.Lock()
	if e.busy {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	sender := e.sender
	if sender == nil {
		e.mu.Unlock()
		return nil, channel.ErrNotOpen
	}
	e.busy = true
	gen := e.gen
	ch := make(chan []byte, 1)
	e.waiter = ch
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		if e.gen == gen {
			e.busy = false
			if e.waiter == ch {
				e.waiter = nil
			}
		}
		e.mu.Unlock()
	}()

	if !sender.Send(payload) {
		return nil, channel.ErrNotOpen
	}

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		return data, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
