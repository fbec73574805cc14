// Package mcp implements a Model Context Protocol client: transports for
// stdio subprocess and HTTP servers, and a session layer providing
// JSON-RPC 2.0 request correlation, the MCP handshake, and per-call
// timeouts on top of them.
//
// The split of responsibilities is deliberate. A Transport moves opaque
// framed messages and knows nothing about the protocol. A Session owns
// exactly one Transport plus a pending-request table; a background read
// loop matches every inbound response to its waiting caller strictly by
// request id, so multiple calls can be in flight on one connection and
// responses may arrive in any order.
package mcp
