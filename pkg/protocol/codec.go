package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/morezero/agent-comms/pkg/protoerr"
)

// EncodeRequest builds a request envelope, stamping the protocol version
// and generating a request identifier. Pass requestID "" to have one
// generated; pass traceID "" to omit it.
func EncodeRequest(method, sender, target string, params interface{}, requestID, traceID string) (*Request, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol:EncodeRequest - marshal params: %w", err)
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &Request{
		Version: Version,
		ID:      requestID,
		Method:  method,
		Sender:  sender,
		Target:  target,
		Params:  data,
		TraceID: traceID,
	}, nil
}

// ValidateRequest decodes and validates a raw request envelope. The
// method is checked for format only; whether it is registered is the
// registry's job. Violations yield a protocol-namespace error; malformed
// input is never silently coerced.
func ValidateRequest(raw json.RawMessage) (*Request, *protoerr.Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, protoerr.Parse("malformed request envelope: " + err.Error())
	}

	if req.Version == "" {
		return nil, protoerr.InvalidEnvelope("missing version")
	}
	if req.Version != Version {
		return nil, &protoerr.Error{
			Code:    protoerr.CodeUnsupportedVersion,
			Message: fmt.Sprintf("unsupported protocol version %q", req.Version),
			Details: map[string]interface{}{"supported": Version},
		}
	}
	if req.ID == "" {
		return nil, protoerr.InvalidEnvelope("missing id")
	}
	if req.Sender == "" {
		return nil, protoerr.InvalidEnvelope("missing sender")
	}
	if req.Target == "" {
		return nil, protoerr.InvalidEnvelope("missing target")
	}
	if req.Method == "" {
		return nil, protoerr.InvalidEnvelope("missing method")
	}
	if !ValidMethodName(req.Method) {
		return nil, protoerr.InvalidEnvelope(fmt.Sprintf("method %q is not of the form <domain>.<verb>", req.Method))
	}
	if !paramsPresent(req.Params) {
		return nil, protoerr.InvalidEnvelope("missing params")
	}
	return &req, nil
}

// ValidateResponse decodes and validates a raw response envelope against
// the identifier of the request it must correlate to. An "error": null
// field is normalized to the absent-error state before the
// exactly-one-of(result, error) check.
func ValidateResponse(raw json.RawMessage, expectedID string) (*Response, *protoerr.Error) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, protoerr.Parse("malformed response envelope: " + err.Error())
	}
	resp.normalize()

	if resp.Version == "" {
		return nil, &protoerr.Error{Code: protoerr.CodeInvalidResponse, Message: "missing version"}
	}
	if !Compatible(resp.Version) {
		return nil, &protoerr.Error{
			Code:    protoerr.CodeUnsupportedVersion,
			Message: fmt.Sprintf("incompatible protocol version %q", resp.Version),
			Details: map[string]interface{}{"supported": Version},
		}
	}
	if resp.ID != expectedID {
		return nil, &protoerr.Error{
			Code:    protoerr.CodeInvalidResponse,
			Message: fmt.Sprintf("response id %q does not match request id %q", resp.ID, expectedID),
		}
	}

	hasResult := resp.Result != nil
	hasError := resp.Error != nil
	if hasResult == hasError {
		return nil, &protoerr.Error{
			Code:    protoerr.CodeInvalidResponse,
			Message: "response must carry exactly one of result, error",
		}
	}
	return &resp, nil
}

// normalize collapses "present but null" result/error fields into the
// absent state so both spellings behave identically downstream.
func (r *Response) normalize() {
	if isJSONNull(r.Result) {
		r.Result = nil
	}
}

// ValidMethodName reports whether name has the <domain>.<verb> form:
// two or more non-empty dot segments of lowercase letters, digits,
// underscores, or hyphens.
func ValidMethodName(name string) bool {
	parts := strings.Split(name, ".")
	if len(parts) < 2 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, c := range part {
			ok := (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_' || c == '-'
			if !ok {
				return false
			}
		}
	}
	return true
}

func paramsPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && !isJSONNull(raw)
}

func isJSONNull(raw json.RawMessage) bool {
	return string(raw) == "null"
}
