package engine

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/morezero/agent-comms/pkg/auth"
	"github.com/morezero/agent-comms/pkg/protocol"
	"github.com/morezero/agent-comms/pkg/stream"
)

// Call is the execution context handed to a handler alongside the
// parameter payload.
type Call struct {
	RequestID string
	Method    string
	Sender    string
	Target    string
	TraceID   string
	Envelope  *protocol.Request
	Auth      *auth.Decision
}

// UnaryHandler produces a single discrete result for a request.
type UnaryHandler func(ctx context.Context, params json.RawMessage, call *Call) (interface{}, error)

// StreamHandler produces an unbounded sequence of partial results for
// a request by writing frames to w. Returning nil without having
// completed the stream emits a terminal frame with the handler's
// returned status via the dispatcher; returning an error emits an
// error terminal frame.
type StreamHandler func(ctx context.Context, params json.RawMessage, call *Call, w *stream.Writer) error

// Registration binds a method name to a handler and its capability
// requirement. Exactly one of Unary/Stream must be set.
type Registration struct {
	Unary                UnaryHandler
	Stream               StreamHandler
	RequiredCapabilities []string
}

// Streaming reports whether the registration serves the streaming path.
func (r Registration) Streaming() bool {
	return r.Stream != nil
}

// Register binds a method name to a registration. Last registration
// for a name wins. Registration is a setup-phase activity: the map is
// read-only once the engine starts serving, so Register takes no lock;
// post-startup mutation must be synchronized by the embedder.
func (e *Engine) Register(name string, reg Registration) {
	e.methods[name] = reg
}

// RegisterUnary is Register for a unary handler.
func (e *Engine) RegisterUnary(name string, h UnaryHandler, requiredCapabilities ...string) {
	e.Register(name, Registration{Unary: h, RequiredCapabilities: requiredCapabilities})
}

// RegisterStream is Register for a streaming handler.
func (e *Engine) RegisterStream(name string, h StreamHandler, requiredCapabilities ...string) {
	e.Register(name, Registration{Stream: h, RequiredCapabilities: requiredCapabilities})
}

// Methods returns the registered method names, sorted.
func (e *Engine) Methods() []string {
	names := make([]string, 0, len(e.methods))
	for name := range e.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Streaming reports whether name is registered with a streaming
// handler. Transport adapters use this to pick the wire response shape
// before dispatching.
func (e *Engine) Streaming(name string) bool {
	reg, ok := e.methods[name]
	return ok && reg.Streaming()
}

// resolve looks up a method registration.
func (e *Engine) resolve(name string) (Registration, bool) {
	reg, ok := e.methods[name]
	return reg, ok
}
