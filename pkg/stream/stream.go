// Package stream frames a sequence of partial results as discrete
// server-push events and reassembles them on the receiving side as a
// lazy, forward-only sequence terminated by a completion marker.
//
// A Writer/Reader pair shares one unbuffered channel: the producer
// blocks on Send until the consumer has drained the previous frame,
// which is the single-frame-in-flight back-pressure discipline that
// bounds memory use on slow consumers.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/morezero/agent-comms/pkg/protoerr"
)

// ErrClosed is returned by Send after the stream reached its terminal
// frame or was canceled.
var ErrClosed = errors.New("stream closed")

// Frame is one unit of a server-push sequence. Exactly one frame per
// stream has Done set; no frame follows it.
type Frame struct {
	Key     string          `json:"correlationKey"`
	Partial json.RawMessage `json:"partialResult,omitempty"`
	Done    bool            `json:"done,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   *protoerr.Error `json:"error,omitempty"`
}

// Terminal reports whether f is the completion marker.
func (f *Frame) Terminal() bool {
	return f.Done
}

// New creates a connected Writer/Reader pair for one streaming request.
func New(key string) (*Writer, *Reader) {
	ch := make(chan Frame) // unbuffered: single frame in flight
	done := make(chan struct{})
	w := &Writer{key: key, ch: ch, done: done}
	r := &Reader{ch: ch, done: done}
	return w, r
}

// Writer is the producer half. Send, Complete, and Fail are safe to
// call from a single producer goroutine; after the first terminal
// frame every further call reports ErrClosed.
type Writer struct {
	key  string
	ch   chan Frame
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

// Send emits one partial result fragment. It blocks until the consumer
// drains the previous frame, the context is canceled, or the reader
// abandons the stream.
func (w *Writer) Send(ctx context.Context, partial interface{}) error {
	data, err := json.Marshal(partial)
	if err != nil {
		return fmt.Errorf("stream:Send - marshal partial result: %w", err)
	}
	return w.push(ctx, Frame{Key: w.key, Partial: data})
}

// Complete emits the terminal frame carrying the given terminal status.
func (w *Writer) Complete(ctx context.Context, status string) error {
	return w.pushTerminal(ctx, Frame{Key: w.key, Done: true, Status: status})
}

// Fail emits the terminal frame carrying an error object instead of a
// terminal status.
func (w *Writer) Fail(ctx context.Context, perr *protoerr.Error) error {
	return w.pushTerminal(ctx, Frame{Key: w.key, Done: true, Error: perr})
}

func (w *Writer) push(ctx context.Context, f Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.mu.Unlock()

	select {
	case w.ch <- f:
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) pushTerminal(ctx context.Context, f Frame) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.closed = true
	w.mu.Unlock()

	select {
	case w.ch <- f:
		close(w.ch)
		return nil
	case <-w.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reader is the consumer half: a lazy, forward-only, non-restartable
// sequence of frames.
type Reader struct {
	ch   chan Frame
	done chan struct{}

	mu       sync.Mutex
	finished bool
	canceled bool
}

// Next returns the next frame in emission order. After the terminal
// frame has been delivered, Next returns io.EOF.
func (r *Reader) Next(ctx context.Context) (*Frame, error) {
	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return nil, io.EOF
	}
	r.mu.Unlock()

	select {
	case f, ok := <-r.ch:
		if !ok {
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
			return nil, io.EOF
		}
		if f.Terminal() {
			r.mu.Lock()
			r.finished = true
			r.mu.Unlock()
		}
		return &f, nil
	case <-r.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel abandons the stream: the producer's next Send reports
// ErrClosed and Next returns io.EOF from then on. Safe to call more
// than once.
func (r *Reader) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return
	}
	r.canceled = true
	r.finished = true
	close(r.done)
}
