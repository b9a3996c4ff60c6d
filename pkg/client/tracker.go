// Package client implements the calling side of the COMMS protocol:
// request correlation, timeout/cancellation arbitration, and a caller
// bound to a COMMS connection for unary and streaming requests.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/morezero/agent-comms/pkg/protocol"
)

// DefaultTimeout is the deadline applied to calls that do not set one.
const DefaultTimeout = 60 * time.Second

// State is the lifecycle state of one outstanding request. Once
// terminal, state is immutable.
type State int

const (
	StatePending State = iota
	StateFulfilled
	StateFailed
	StateTimedOut
	StateCanceled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed out"
	case StateCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a terminal state.
func (s State) Terminal() bool {
	return s != StatePending
}

// Terminal-state errors surfaced by Call.Err.
var (
	ErrTimedOut = errors.New("request timed out")
	ErrCanceled = errors.New("request canceled")
)

// Call is one tracked outstanding request.
type Call struct {
	id   string
	done chan struct{}

	mu           sync.Mutex
	state        State
	response     *protocol.Response
	transportErr error
	timer        *time.Timer
	onDone       func(*Call)
}

// ID returns the request identifier.
func (c *Call) ID() string {
	return c.id
}

// State returns the current state.
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the call reaches a terminal state.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Response returns the correlated response envelope, valid for
// fulfilled calls and for failed calls that received an error envelope.
func (c *Call) Response() *protocol.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Undeliverable reports whether the call failed at the transport level
// before any response envelope could be formed.
func (c *Call) Undeliverable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateFailed && c.transportErr != nil
}

// Err summarizes a terminal state: nil for fulfilled, the envelope's
// error object for remote failures, the raw transport error for
// undeliverable requests, ErrTimedOut / ErrCanceled otherwise.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StatePending, StateFulfilled:
		return nil
	case StateTimedOut:
		return ErrTimedOut
	case StateCanceled:
		return ErrCanceled
	default:
		if c.transportErr != nil {
			return c.transportErr
		}
		if c.response != nil && c.response.Error != nil {
			return c.response.Error
		}
		return errors.New("request failed")
	}
}

// transition moves the call to a terminal state. It fires at most
// once; later transitions (including late-arriving replies) are
// discarded.
func (c *Call) transition(to State, resp *protocol.Response, terr error) bool {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return false
	}
	c.state = to
	c.response = resp
	c.transportErr = terr
	if c.timer != nil {
		c.timer.Stop()
	}
	cb := c.onDone
	c.mu.Unlock()

	if cb != nil {
		cb(c)
	}
	close(c.done)
	return true
}

// Tracker associates outgoing requests with their expected replies and
// arbitrates timeout and cancellation. Each request is independent:
// the only shared state is the identifier-keyed table.
type Tracker struct {
	mu    sync.Mutex
	calls map[string]*Call
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{calls: make(map[string]*Call)}
}

// Track registers an outstanding request. timeout <= 0 applies
// DefaultTimeout. onDone, if non-nil, fires exactly once on the
// terminal transition. Identifier uniqueness within the outstanding
// set is the caller's responsibility; a duplicate is rejected here to
// keep replies unambiguous.
func (t *Tracker) Track(id string, timeout time.Duration, onDone func(*Call)) (*Call, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Call{
		id:     id,
		done:   make(chan struct{}),
		onDone: onDone,
	}

	t.mu.Lock()
	if _, exists := t.calls[id]; exists {
		t.mu.Unlock()
		return nil, fmt.Errorf("client:Track - request id %q already outstanding", id)
	}
	t.calls[id] = c
	t.mu.Unlock()

	c.mu.Lock()
	c.timer = time.AfterFunc(timeout, func() {
		if c.transition(StateTimedOut, nil, nil) {
			t.remove(id)
		}
	})
	c.mu.Unlock()

	return c, nil
}

// Resolve feeds a raw reply to the matching call. Structurally invalid
// replies fail the call; replies for unknown or already-terminal
// identifiers are discarded, never misrouted. Returns whether the
// reply was consumed.
func (t *Tracker) Resolve(id string, raw json.RawMessage) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	t.mu.Unlock()
	if !ok {
		return false
	}

	resp, perr := protocol.ValidateResponse(raw, id)
	var consumed bool
	switch {
	case perr != nil:
		consumed = c.transition(StateFailed, nil, perr)
	case resp.Error != nil:
		consumed = c.transition(StateFailed, resp, nil)
	default:
		consumed = c.transition(StateFulfilled, resp, nil)
	}
	if consumed {
		t.remove(id)
	}
	return consumed
}

// FailTransport marks a call undeliverable: the request could not
// reach the target, so no response envelope exists.
func (t *Tracker) FailTransport(id string, err error) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if c.transition(StateFailed, nil, err) {
		t.remove(id)
		return true
	}
	return false
}

// Cancel aborts a pending call.
func (t *Tracker) Cancel(id string) bool {
	t.mu.Lock()
	c, ok := t.calls[id]
	t.mu.Unlock()
	if !ok {
		return false
	}
	if c.transition(StateCanceled, nil, nil) {
		t.remove(id)
		return true
	}
	return false
}

// Outstanding returns the number of non-terminal tracked calls.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

func (t *Tracker) remove(id string) {
	t.mu.Lock()
	delete(t.calls, id)
	t.mu.Unlock()
}
