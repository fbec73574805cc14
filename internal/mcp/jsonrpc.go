package mcp

import (
	"encoding/json"
	"fmt"
)

// MCP frames everything as JSON-RPC 2.0. Requests carry an id and get a
// matching Response; notifications carry no id and get nothing back. The
// session assigns ids from a monotonic counter, so int64 is the concrete
// id type on both sides.

const jsonrpcVersion = "2.0"

// Request is an outbound call expecting a Response with the same ID.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Notification is an outbound message with no reply. MCP uses it for
// the post-handshake "notifications/initialized" signal.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Response carries either Result or Error, never both. Result stays raw
// here; each method decodes its own shape.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is the server's error object. It satisfies the error
// interface so callers can errors.As it out of a wrapped Call failure.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewRequest builds a request envelope for the given id and method.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// NewNotification builds a notification envelope for the given method.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}
