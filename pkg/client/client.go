package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/agent-comms/pkg/commsutil"
	"github.com/morezero/agent-comms/pkg/protocol"
	"github.com/morezero/agent-comms/pkg/stream"
)

const logPrefix = "client:client"

// Client issues protocol requests to agents over a COMMS connection.
// One Client serves any number of concurrent calls.
type Client struct {
	nc         *comms.Conn
	identity   string
	credential string
	timeout    time.Duration
	tracker    *Tracker
}

// Option configures a Client.
type Option func(*Client)

// WithCredential attaches a bearer credential to every outgoing request.
func WithCredential(credential string) Option {
	return func(c *Client) { c.credential = credential }
}

// WithTimeout overrides the default per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client that sends requests as the given agent identity.
func New(nc *comms.Conn, identity string, opts ...Option) *Client {
	c := &Client{
		nc:       nc,
		identity: identity,
		timeout:  DefaultTimeout,
		tracker:  NewTracker(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single request.
type CallOption func(*callOptions)

type callOptions struct {
	timeout   time.Duration
	requestID string
	traceID   string
}

// CallTimeout sets the deadline for this request only.
func CallTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// WithRequestID pins the request identifier instead of generating one.
func WithRequestID(id string) CallOption {
	return func(o *callOptions) { o.requestID = id }
}

// WithTraceID propagates a trace identifier on the request envelope.
func WithTraceID(id string) CallOption {
	return func(o *callOptions) { o.traceID = id }
}

// Tracker exposes the correlation tracker, mainly for tests and
// introspection.
func (c *Client) Tracker() *Tracker {
	return c.tracker
}

// Call issues a unary request to target and waits for the correlated
// response, the call deadline, or ctx, whichever comes first. A
// response envelope carrying an error object is returned alongside the
// error so the caller can inspect the error code.
func (c *Client) Call(ctx context.Context, target, method string, params interface{}, opts ...CallOption) (*protocol.Response, error) {
	o := c.applyOptions(opts)

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding params for %s: %w", logPrefix, method, err)
	}

	req, err := protocol.EncodeRequest(method, c.identity, target, raw, o.requestID, o.traceID)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding request for %s: %w", logPrefix, method, err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding request for %s: %w", logPrefix, method, err)
	}

	call, err := c.tracker.Track(req.ID, o.timeout, nil)
	if err != nil {
		return nil, err
	}

	inbox := comms.NewInbox()
	sub, err := c.nc.Subscribe(inbox, func(msg *comms.Msg) {
		c.tracker.Resolve(req.ID, msg.Data)
	})
	if err != nil {
		c.tracker.FailTransport(req.ID, err)
		return nil, fmt.Errorf("%s - subscribing reply inbox: %w", logPrefix, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	if err := c.publish(commsutil.AgentSubject(target), inbox, data); err != nil {
		c.tracker.FailTransport(req.ID, err)
		return nil, fmt.Errorf("%s - publishing %s to %s: %w", logPrefix, method, target, err)
	}

	select {
	case <-call.Done():
	case <-ctx.Done():
		c.tracker.Cancel(req.ID)
		<-call.Done()
	}

	if err := call.Err(); err != nil {
		return call.Response(), err
	}
	return call.Response(), nil
}

// Stream issues a streaming request to target and returns a Receiver
// delivering partial results in order. Canceling the Receiver (or ctx)
// signals the serving agent over its cancel subject.
func (c *Client) Stream(ctx context.Context, target, method string, params interface{}, opts ...CallOption) (*stream.Receiver, error) {
	o := c.applyOptions(opts)

	raw, err := marshalParams(params)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding params for %s: %w", logPrefix, method, err)
	}

	req, err := protocol.EncodeRequest(method, c.identity, target, raw, o.requestID, o.traceID)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding request for %s: %w", logPrefix, method, err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s - encoding request for %s: %w", logPrefix, method, err)
	}

	// The inbox subscription is shared between the delivery callback and
	// the receiver's cancel path, which run on different goroutines.
	var (
		subMu sync.Mutex
		sub   *comms.Subscription
	)
	recv := stream.NewReceiver(req.ID, func() {
		signal, _ := json.Marshal(map[string]string{"correlationKey": req.ID})
		if err := c.nc.Publish(commsutil.CancelSubject(target), signal); err != nil {
			slog.Warn(fmt.Sprintf("%s - publishing cancel for %s: %v", logPrefix, req.ID, err))
		}
		subMu.Lock()
		s := sub
		subMu.Unlock()
		if s != nil {
			_ = s.Unsubscribe()
		}
	})

	inbox := comms.NewInbox()
	s, err := c.nc.Subscribe(inbox, func(msg *comms.Msg) {
		recv.AcceptRaw(msg.Data)
		if recv.Sealed() {
			_ = msg.Sub.Unsubscribe()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribing stream inbox: %w", logPrefix, err)
	}
	subMu.Lock()
	sub = s
	subMu.Unlock()

	if err := c.publish(commsutil.AgentSubject(target), inbox, data); err != nil {
		_ = s.Unsubscribe()
		return nil, fmt.Errorf("%s - publishing %s to %s: %w", logPrefix, method, target, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			recv.Cancel()
		case <-recv.Done():
		}
	}()

	return recv, nil
}

func (c *Client) applyOptions(opts []CallOption) callOptions {
	o := callOptions{timeout: c.timeout}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (c *Client) publish(subject, reply string, data []byte) error {
	msg := &comms.Msg{
		Subject: subject,
		Reply:   reply,
		Data:    data,
	}
	if c.credential != "" {
		msg.Header = comms.Header{}
		msg.Header.Set(commsutil.HeaderAuthorization, c.credential)
	}
	return c.nc.PublishMsg(msg)
}

func marshalParams(params interface{}) (json.RawMessage, error) {
	if params == nil {
		return json.RawMessage(`{}`), nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
