package mcp

import "context"

// Transport moves raw JSON-RPC payloads between the client and one MCP
// server. It knows nothing about request IDs or correlation; the Session
// layered on top owns that. Implementations deliver every inbound message
// on the channel returned by Messages and close it when the underlying
// connection is gone.
type Transport interface {
	// Connect establishes the underlying connection (spawning a child
	// process, validating an endpoint). It must be called before Send.
	Connect(ctx context.Context) error

	// Send delivers one serialized JSON-RPC message to the server.
	// Safe for concurrent use.
	Send(ctx context.Context, payload []byte) error

	// Messages returns the channel of inbound messages. The channel is
	// closed when the transport shuts down or the connection is lost.
	Messages() <-chan []byte

	// Close releases the transport. It is idempotent.
	Close() error
}
