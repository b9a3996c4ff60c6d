package stream

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/morezero/agent-comms/pkg/protoerr"
)

// Receiver is the decoding side of the stream codec: the transport
// layer pushes decoded frames in arrival order via Accept, and the
// consumer drains them lazily via Next. Receipt of the terminal frame
// is definitive end-of-stream regardless of transport-level closure;
// frames accepted after it are discarded.
type Receiver struct {
	key  string
	ch   chan Frame
	done chan struct{}

	mu         sync.Mutex
	sealed     bool // terminal frame accepted; discard further input
	finished   bool // terminal frame delivered to the consumer
	canceled   bool
	doneClosed bool
	cancelFn   func()
}

// NewReceiver creates a Receiver for one streaming request. cancelFn,
// if non-nil, is invoked once when the consumer cancels; the transport
// uses it to signal the producer side.
func NewReceiver(key string, cancelFn func()) *Receiver {
	return &Receiver{
		key: key,
		// Small buffer decouples the transport callback from the
		// consumer; ordering is preserved by the single feeding
		// goroutine.
		ch:       make(chan Frame, 1),
		done:     make(chan struct{}),
		cancelFn: cancelFn,
	}
}

// Key returns the correlation key this receiver is scoped to.
func (r *Receiver) Key() string {
	return r.key
}

// AcceptRaw decodes a wire frame and accepts it. Frames whose
// correlation key does not match, malformed frames, and frames arriving
// after the terminal marker are discarded.
func (r *Receiver) AcceptRaw(data []byte) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	r.Accept(f)
}

// Accept queues one decoded frame for the consumer.
func (r *Receiver) Accept(f Frame) {
	if f.Key != r.key {
		return
	}
	r.mu.Lock()
	if r.sealed || r.canceled {
		r.mu.Unlock()
		return
	}
	if f.Terminal() {
		r.sealed = true
	}
	r.mu.Unlock()

	select {
	case r.ch <- f:
	case <-r.done:
	}
}

// Next returns the next frame in arrival order. After the terminal
// frame it returns io.EOF. If the stream terminated with an error
// frame, that frame is still delivered; the error object is on it.
func (r *Receiver) Next(ctx context.Context) (*Frame, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil, io.EOF
	}
	r.mu.Unlock()

	select {
	case f := <-r.ch:
		if f.Terminal() {
			r.mu.Lock()
			r.finished = true
			r.closeDoneLocked()
			r.mu.Unlock()
		}
		return &f, nil
	case <-r.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sealed reports whether the terminal frame has been accepted. No
// further input will be consumed once sealed.
func (r *Receiver) Sealed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sealed
}

// Done is closed once the stream is over, either because the terminal
// frame was delivered or because the consumer canceled. Transports use
// it to tear down resources tied to the receiver.
func (r *Receiver) Done() <-chan struct{} {
	return r.done
}

func (r *Receiver) closeDoneLocked() {
	if r.doneClosed {
		return
	}
	r.doneClosed = true
	close(r.done)
}

// Cancel abandons the stream and signals the producer side (best
// effort). Subsequent Accept calls are discarded and Next returns
// io.EOF.
func (r *Receiver) Cancel() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.canceled = true
	r.finished = true
	fn := r.cancelFn
	r.closeDoneLocked()
	r.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Collect drains the stream to completion, returning the partial
// fragments in order and the terminal frame. Intended for callers that
// do not need lazy consumption.
func Collect(ctx context.Context, r *Receiver) ([]json.RawMessage, *Frame, *protoerr.Error) {
	var partials []json.RawMessage
	for {
		f, err := r.Next(ctx)
		if err != nil {
			return partials, nil, protoerr.Parse("stream interrupted: " + err.Error())
		}
		if f.Terminal() {
			return partials, f, f.Error
		}
		partials = append(partials, f.Partial)
	}
}
