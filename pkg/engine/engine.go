// Package engine implements the server side of the COMMS protocol: the
// method registry, the capability authorizer, and the dispatcher that
// turns raw request envelopes into unary responses or frame streams.
//
// The engine is stateless per request and performs no I/O itself; all
// side effects live in the registered handlers. It is constructed once
// at startup with its configuration passed in explicitly and owned by
// the embedding application.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-comms/pkg/auth"
	"github.com/morezero/agent-comms/pkg/metric"
	"github.com/morezero/agent-comms/pkg/protocol"
	"github.com/morezero/agent-comms/pkg/protoerr"
	"github.com/morezero/agent-comms/pkg/stream"
)

const logPrefix = "engine:dispatch"

// Config holds engine configuration. Identity is the local agent name
// requests must target. AuthEnabled is an explicit switch: when false,
// authorization always succeeds (local/dev escape hatch), and Validator
// may be nil. DiagnosticErrors exposes internal failure detail on the
// wire; leave it off in production.
type Config struct {
	Identity         string
	AuthEnabled      bool
	Validator        auth.ValidateFunc
	Metrics          *metric.Metrics
	DiagnosticErrors bool
}

// Engine dispatches COMMS requests to registered method handlers.
type Engine struct {
	identity         string
	authEnabled      bool
	validate         auth.ValidateFunc
	metrics          *metric.Metrics
	diagnosticErrors bool
	methods          map[string]Registration
}

// New creates an Engine. Handlers are registered afterwards, before
// the engine starts accepting requests.
func New(cfg Config) *Engine {
	return &Engine{
		identity:         cfg.Identity,
		authEnabled:      cfg.AuthEnabled,
		validate:         cfg.Validator,
		metrics:          cfg.Metrics,
		diagnosticErrors: cfg.DiagnosticErrors,
		methods:          make(map[string]Registration),
	}
}

// Identity returns the local agent identity.
func (e *Engine) Identity() string {
	return e.identity
}

// Result is the outcome of Handle: exactly one of Response (unary) and
// Frames (streaming) is non-nil. For streaming results, Cancel stops
// the producer and abandons the reader; the transport adapter calls it
// when the caller signals cancellation or stops pumping frames.
type Result struct {
	Response *protocol.Response
	Frames   *stream.Reader
	Cancel   context.CancelFunc
}

// Handle is the engine entry point for transport adapters: it takes a
// raw (already deserialized to bytes) request envelope plus the bearer
// credential, and returns either one response envelope or a stream of
// frames. Every failure before handler invocation is returned as a
// structurally valid error response; a handler is never invoked for a
// request that fails validation or authorization.
func (e *Engine) Handle(ctx context.Context, raw json.RawMessage, credential string) *Result {
	started := time.Now()
	untrack := e.metrics.TrackInFlight()
	defer untrack()

	// 1. Structural validation.
	req, perr := protocol.ValidateRequest(raw)
	if perr != nil {
		e.metrics.ObserveRequest("invalid", metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.invalidResponse(raw, perr)}
	}

	slog.Debug(fmt.Sprintf("%s - method=%s id=%s sender=%s", logPrefix, req.Method, req.ID, req.Sender))

	// 2. Routing: the envelope must target this agent.
	if req.Target != e.identity {
		e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.errorResponse(req, protoerr.AgentNotFound(req.Target, e.identity))}
	}

	// 3. Method resolution.
	reg, ok := e.resolve(req.Method)
	if !ok {
		e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.errorResponse(req, protoerr.MethodNotFound(req.Method, e.Methods()))}
	}

	// 4. Authorization.
	decision, perr := e.authorize(ctx, reg, credential)
	if perr != nil {
		e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.errorResponse(req, perr)}
	}

	call := &Call{
		RequestID: req.ID,
		Method:    req.Method,
		Sender:    req.Sender,
		Target:    req.Target,
		TraceID:   req.TraceID,
		Envelope:  req,
		Auth:      decision,
	}

	// 5–6. Handler invocation and envelope/stream construction.
	if reg.Streaming() {
		return e.dispatchStream(ctx, req, reg, call, started)
	}
	return e.dispatchUnary(ctx, req, reg, call, started)
}

// authorize validates the credential and checks the method's capability
// requirement. With authorization disabled it is a no-op that always
// succeeds.
func (e *Engine) authorize(ctx context.Context, reg Registration, credential string) (*auth.Decision, *protoerr.Error) {
	if !e.authEnabled {
		return &auth.Decision{Authenticated: true}, nil
	}
	if e.validate == nil {
		return nil, protoerr.Unauthenticated()
	}

	decision, err := e.validate(ctx, credential)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - credential validation failed: %v", logPrefix, err))
		return nil, e.internal(err)
	}
	if decision == nil || !decision.Authenticated {
		return nil, protoerr.Unauthenticated()
	}
	if missing := decision.Missing(reg.RequiredCapabilities); len(missing) > 0 {
		return nil, protoerr.InsufficientCapability(reg.RequiredCapabilities, decision.Capabilities)
	}
	return decision, nil
}

func (e *Engine) dispatchUnary(ctx context.Context, req *protocol.Request, reg Registration, call *Call, started time.Time) *Result {
	result, err := e.invokeUnary(ctx, reg.Unary, req.Params, call)
	if err != nil {
		e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.errorResponse(req, e.asProtoErr(err))}
	}

	resp, merr := protocol.NewResult(req, e.identity, result)
	if merr != nil {
		slog.Error(fmt.Sprintf("%s - encode result for %s: %v", logPrefix, req.Method, merr))
		e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
		return &Result{Response: e.errorResponse(req, e.internal(merr))}
	}

	e.metrics.ObserveRequest(req.Method, metric.OutcomeOK, time.Since(started).Seconds())
	return &Result{Response: resp}
}

// invokeUnary runs a unary handler with panic containment.
func (e *Engine) invokeUnary(ctx context.Context, h UnaryHandler, params json.RawMessage, call *Call) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler panic in %s: %v", logPrefix, call.Method, r))
			err = e.internal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, params, call)
}

func (e *Engine) dispatchStream(ctx context.Context, req *protocol.Request, reg Registration, call *Call, started time.Time) *Result {
	w, r := stream.New(req.ID)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		err := e.invokeStream(streamCtx, reg.Stream, req.Params, call, w)
		// Terminal frame delivery must not depend on the (possibly
		// canceled) handler context; the writer still unblocks if the
		// reader abandoned the stream.
		if err != nil {
			e.metrics.ObserveRequest(req.Method, metric.OutcomeError, time.Since(started).Seconds())
			w.Fail(context.Background(), e.asProtoErr(err))
			return
		}
		e.metrics.ObserveRequest(req.Method, metric.OutcomeOK, time.Since(started).Seconds())
		// A handler that already completed the stream makes this a
		// no-op returning stream.ErrClosed.
		w.Complete(context.Background(), "OK")
	}()

	// Cancel abandons the reader as well as the handler context, so the
	// terminal Complete/Fail above never blocks on a stream nobody is
	// draining anymore.
	return &Result{Frames: r, Cancel: func() {
		cancel()
		r.Cancel()
	}}
}

// invokeStream runs a streaming handler with panic containment.
func (e *Engine) invokeStream(ctx context.Context, h StreamHandler, params json.RawMessage, call *Call, w *stream.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error(fmt.Sprintf("%s - handler panic in %s: %v", logPrefix, call.Method, r))
			err = e.internal(fmt.Errorf("handler panic: %v", r))
		}
	}()
	return h(ctx, params, call, w)
}

// errorResponse builds an error envelope for req.
func (e *Engine) errorResponse(req *protocol.Request, perr *protoerr.Error) *protocol.Response {
	return protocol.NewError(req, e.identity, perr)
}

// invalidResponse builds an error envelope for a request that failed
// structural validation. Whatever correlation fields survived the
// decode (id, sender, trace id) are echoed so the caller can still
// correlate; a fresh id is stamped only when none was readable. The
// caller always receives a structurally valid response.
func (e *Engine) invalidResponse(raw json.RawMessage, perr *protoerr.Error) *protocol.Response {
	var partial struct {
		ID      string `json:"id"`
		Sender  string `json:"sender"`
		TraceID string `json:"traceId"`
	}
	_ = json.Unmarshal(raw, &partial) // best effort; raw is known malformed

	id := partial.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &protocol.Response{
		Version:   protocol.Version,
		ID:        id,
		Responder: e.identity,
		Target:    partial.Sender,
		Error:     perr,
		TraceID:   partial.TraceID,
	}
}

// asProtoErr maps handler failures: taxonomy-shaped errors pass through
// verbatim, everything else becomes Internal.
func (e *Engine) asProtoErr(err error) *protoerr.Error {
	perr := protoerr.FromError(err)
	if perr.Code == protoerr.CodeInternal && e.diagnosticErrors && perr.Details == nil {
		return protoerr.InternalDetailed(err)
	}
	return perr
}

func (e *Engine) internal(err error) *protoerr.Error {
	if e.diagnosticErrors {
		return protoerr.InternalDetailed(err)
	}
	return protoerr.Internal()
}
