// Package protoerr defines the COMMS protocol error taxonomy: stable
// numeric codes partitioned into namespaced blocks, plus a retryability
// classifier that client retry policies depend on.
package protoerr

import (
	"errors"
	"fmt"
)

// Namespace is the base of a contiguous code block. Each namespace
// reserves 1000 codes so new codes can be added without collision.
type Namespace int

const (
	// NamespaceTransport covers transport and parse failures.
	NamespaceTransport Namespace = 1000
	// NamespaceAgent covers agent-routing failures.
	NamespaceAgent Namespace = 2000
	// NamespaceTask covers task-lifecycle business failures.
	NamespaceTask Namespace = 3000
	// NamespaceChat covers chat-lifecycle business failures.
	NamespaceChat Namespace = 4000
	// NamespaceSecurity covers authentication and capability failures.
	NamespaceSecurity Namespace = 5000
	// NamespaceProtocol covers structural envelope violations.
	NamespaceProtocol Namespace = 6000
)

// Composite codes. The local part of each code stays below 1000 so the
// namespace can always be recovered with code - code%1000.
const (
	CodeParse       = int(NamespaceTransport) + 1
	CodeUnavailable = int(NamespaceTransport) + 2
	CodeTimeout     = int(NamespaceTransport) + 3
	CodeInternal    = int(NamespaceTransport) + 4

	CodeAgentNotFound    = int(NamespaceAgent) + 1
	CodeAgentUnavailable = int(NamespaceAgent) + 2

	CodeTaskNotFound      = int(NamespaceTask) + 1
	CodeTaskCompleted     = int(NamespaceTask) + 2
	CodeTaskNotCancelable = int(NamespaceTask) + 3

	CodeChatNotFound = int(NamespaceChat) + 1
	CodeChatEnded    = int(NamespaceChat) + 2

	CodeUnauthenticated        = int(NamespaceSecurity) + 1
	CodeInsufficientCapability = int(NamespaceSecurity) + 2

	CodeInvalidEnvelope    = int(NamespaceProtocol) + 1
	CodeUnsupportedVersion = int(NamespaceProtocol) + 2
	CodeMethodNotFound     = int(NamespaceProtocol) + 3
	CodeInvalidParams      = int(NamespaceProtocol) + 4
	CodeInvalidResponse    = int(NamespaceProtocol) + 5
)

// Error is the wire error object: numeric code, human-readable message,
// optional structured detail payload. Immutable once constructed.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// New builds an Error from a namespace and a local code (1..999).
func New(ns Namespace, local int, message string, details interface{}) *Error {
	return &Error{Code: int(ns) + local, Message: message, Details: details}
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// NamespaceOf returns the namespace block a code belongs to.
func NamespaceOf(code int) Namespace {
	return Namespace(code - code%1000)
}

// IsRetryable reports whether a caller may legitimately retry the
// request that produced this code. Only transport-unavailable, timeout,
// and agent-unavailable qualify; parse, structural, security, and
// business codes are terminal.
func IsRetryable(code int) bool {
	switch code {
	case CodeUnavailable, CodeTimeout, CodeAgentUnavailable:
		return true
	}
	return false
}

// Parse builds a transport-namespace parse error.
func Parse(message string) *Error {
	return &Error{Code: CodeParse, Message: message}
}

// Internal wraps an arbitrary failure as a generic internal error. The
// underlying detail is not placed on the wire; callers that need the
// cause in diagnostics attach it explicitly via InternalDetailed.
func Internal() *Error {
	return &Error{Code: CodeInternal, Message: "internal error"}
}

// InternalDetailed is Internal with the cause exposed in details, for
// non-production diagnostic modes.
func InternalDetailed(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Details: err.Error()}
}

// AgentNotFound builds a routing error for an unknown target agent.
func AgentNotFound(target, local string) *Error {
	return &Error{
		Code:    CodeAgentNotFound,
		Message: fmt.Sprintf("agent %q not found", target),
		Details: map[string]interface{}{"target": target, "localAgent": local},
	}
}

// MethodNotFound builds a method error listing the registered methods
// so callers can discover what the agent supports.
func MethodNotFound(method string, registered []string) *Error {
	return &Error{
		Code:    CodeMethodNotFound,
		Message: fmt.Sprintf("method %q not found", method),
		Details: map[string]interface{}{"method": method, "registeredMethods": registered},
	}
}

// Unauthenticated builds a security error for an absent or invalid
// credential. The message deliberately does not say which check failed.
func Unauthenticated() *Error {
	return &Error{Code: CodeUnauthenticated, Message: "authentication required"}
}

// InsufficientCapability builds a security error listing required vs.
// granted capabilities.
func InsufficientCapability(required, granted []string) *Error {
	return &Error{
		Code:    CodeInsufficientCapability,
		Message: "insufficient capability",
		Details: map[string]interface{}{"required": required, "granted": granted},
	}
}

// InvalidEnvelope builds a structural error for a malformed envelope.
func InvalidEnvelope(message string) *Error {
	return &Error{Code: CodeInvalidEnvelope, Message: message}
}

// InvalidParams builds a structural error for unparseable method params.
func InvalidParams(method string, err error) *Error {
	return &Error{
		Code:    CodeInvalidParams,
		Message: fmt.Sprintf("invalid params for %s", method),
		Details: err.Error(),
	}
}

// FromError passes taxonomy-shaped errors through unchanged and wraps
// everything else as Internal.
func FromError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return Internal()
}
