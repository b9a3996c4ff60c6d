// Package protocol defines the COMMS request/response envelopes and the
// codec that validates them. The engine never interprets params, result,
// or trace identifiers; it only enforces envelope structure.
package protocol

import (
	"encoding/json"

	"github.com/morezero/agent-comms/pkg/protoerr"
)

// Version is the single supported protocol version literal.
const Version = "1.0"

// Request is the wire request envelope. Immutable once sent.
type Request struct {
	Version string          `json:"version"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Sender  string          `json:"sender"`
	Target  string          `json:"target"`
	Params  json.RawMessage `json:"params"`
	TraceID string          `json:"traceId,omitempty"`
}

// Response is the wire response envelope. Exactly one of Result/Error
// is present; ID correlates 1:1 with the originating request.
type Response struct {
	Version   string          `json:"version"`
	ID        string          `json:"id"`
	Responder string          `json:"responder"`
	Target    string          `json:"target"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *protoerr.Error `json:"error,omitempty"`
	TraceID   string          `json:"traceId,omitempty"`
}

// NewResult builds a success response for req, echoing id and trace id.
func NewResult(req *Request, responder string, result interface{}) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Response{
		Version:   Version,
		ID:        req.ID,
		Responder: responder,
		Target:    req.Sender,
		Result:    data,
		TraceID:   req.TraceID,
	}, nil
}

// NewError builds an error response for req, echoing id and trace id.
func NewError(req *Request, responder string, perr *protoerr.Error) *Response {
	return &Response{
		Version:   Version,
		ID:        req.ID,
		Responder: responder,
		Target:    req.Sender,
		Error:     perr,
		TraceID:   req.TraceID,
	}
}
