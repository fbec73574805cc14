package mcp

import (
	"context"
	"errors"
)

// Sentinel errors forming the failure taxonomy. Transport- and
// session-level failures are never process-fatal: callers wrap them into
// tool results and feed them back into the conversation.
var (
	// ErrTransportUnavailable is returned when a transport cannot be
	// established or the underlying channel fails mid-flight.
	ErrTransportUnavailable = errors.New("mcp: transport unavailable")

	// ErrRPCTimeout is returned when no response arrives within the
	// call's deadline. The session demotes itself to degraded.
	ErrRPCTimeout = errors.New("mcp: rpc timeout")

	// ErrServerUnavailable is returned for calls attempted against a
	// degraded or closed session. Fails fast, never blocks.
	ErrServerUnavailable = errors.New("mcp: server unavailable")

	// ErrInvalidArguments is returned when a tool call's arguments do
	// not match the tool's schema. Raised before any wire traffic.
	ErrInvalidArguments = errors.New("mcp: invalid arguments")

	// ErrProtocol is returned for malformed responses. The raw payload
	// is logged for diagnosis.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrToolLoopExceeded is returned by the conversation loop when the
	// model keeps requesting tools past the round cap.
	ErrToolLoopExceeded = errors.New("mcp: tool-call loop exceeded")
)

// FailureKind labels a tool-call failure for the model-facing transcript
// and the event stream.
type FailureKind string

const (
	FailTransportUnavailable FailureKind = "transport_unavailable"
	FailRPCTimeout           FailureKind = "rpc_timeout"
	FailServerUnavailable    FailureKind = "server_unavailable"
	FailInvalidArguments     FailureKind = "invalid_arguments"
	FailProtocol             FailureKind = "protocol_error"
	FailCancelled            FailureKind = "cancelled"
	FailToolLoopExceeded     FailureKind = "tool_loop_exceeded"
)

// KindOf maps an error to its failure kind. Context cancellation maps to
// FailCancelled, context deadline expiry to FailRPCTimeout, and anything
// unrecognized (including server-side RPC errors) to FailProtocol.
func KindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrTransportUnavailable):
		return FailTransportUnavailable
	case errors.Is(err, ErrRPCTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailRPCTimeout
	case errors.Is(err, ErrServerUnavailable):
		return FailServerUnavailable
	case errors.Is(err, ErrInvalidArguments):
		return FailInvalidArguments
	case errors.Is(err, ErrToolLoopExceeded):
		return FailToolLoopExceeded
	case errors.Is(err, context.Canceled):
		return FailCancelled
	default:
		return FailProtocol
	}
}
