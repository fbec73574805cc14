package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/conchshell/conch/internal/httpkit"
)

// HTTPConfig configures an HTTP transport that communicates with a
// remote MCP server over streamable HTTP (JSON-RPC over POST).
type HTTPConfig struct {
	// URL is the MCP server endpoint.
	URL string

	// Headers are additional HTTP headers sent with every request
	// (e.g., Authorization).
	Headers map[string]string

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// HTTPTransport communicates with an MCP server over streamable HTTP.
// Each outbound message is an HTTP POST; the server's reply rides in
// the response body (plain JSON or a single SSE event) and is delivered
// on the Messages channel like any other inbound message.
type HTTPTransport struct {
	url        string
	headers    map[string]string
	httpClient *http.Client
	logger     *slog.Logger

	msgs chan []byte

	mu        sync.RWMutex
	closed    bool
	sessionID string // Mcp-Session-Id header for session affinity
}

// NewHTTPTransport creates an HTTP transport for the given config.
// The underlying HTTP client is constructed via httpkit.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPTransport{
		url:        cfg.URL,
		headers:    cfg.Headers,
		httpClient: httpkit.NewClient(),
		logger:     logger,
		msgs:       make(chan []byte, 16),
	}
}

// Connect validates the endpoint URL. No connection is opened up front;
// HTTP is request/response and the pool is managed by httpkit.
func (t *HTTPTransport) Connect(_ context.Context) error {
	u, err := url.Parse(t.url)
	if err != nil {
		return fmt.Errorf("parse MCP endpoint %q: %w: %w", t.url, err, ErrTransportUnavailable)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("MCP endpoint %q is not an http(s) URL: %w", t.url, ErrTransportUnavailable)
	}
	return nil
}

// Send POSTs one JSON-RPC message to the server. Any reply body is
// delivered on the Messages channel. An empty body (notifications are
// often answered with 202 Accepted) delivers nothing.
func (t *HTTPTransport) Send(ctx context.Context, payload []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	// Apply configured headers (auth, etc.).
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	// Include session ID if we have one from a previous response.
	t.mu.RLock()
	if t.sessionID != "" {
		httpReq.Header.Set("Mcp-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request to %s: %w: %w", t.url, err, ErrTransportUnavailable)
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	// Capture session ID from response.
	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d: %s: %w", httpResp.StatusCode, errBody, ErrProtocol)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20)) // 10 MiB limit
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	msg := body
	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		msg = extractSSEData(body)
	}
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 {
		return nil
	}

	t.deliver(msg)
	return nil
}

// deliver hands a message to the Messages channel unless the transport
// has been closed.
func (t *HTTPTransport) deliver(msg []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		t.logger.Debug("dropping MCP message after close", "bytes", len(msg))
		return
	}
	t.msgs <- msg
}

// extractSSEData pulls the first data payload out of a server-sent
// events body. Streamable HTTP servers wrap single JSON-RPC responses
// in one SSE event.
func extractSSEData(body []byte) []byte {
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if data, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			return bytes.TrimSpace(data)
		}
	}
	return nil
}

// Messages returns the inbound message channel.
func (t *HTTPTransport) Messages() <-chan []byte {
	return t.msgs
}

// Close shuts the transport down and releases pooled connections.
// Idempotent.
func (t *HTTPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.msgs)
	t.httpClient.CloseIdleConnections()
	return nil
}
