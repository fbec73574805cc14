package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conchshell/conch/internal/buildinfo"
)

// protocolVersion is the MCP protocol revision this client speaks.
const protocolVersion = "2024-11-05"

// DefaultCallTimeout bounds a single RPC when the caller does not
// specify one.
const DefaultCallTimeout = 30 * time.Second

// State describes the lifecycle of a session.
type State int32

const (
	// StateConnecting is the initial state, before the handshake completes.
	StateConnecting State = iota

	// StateReady means the handshake completed and calls may be issued.
	StateReady

	// StateDegraded means the server stopped responding or the handshake
	// failed. Calls are still accepted; a successful one restores Ready.
	StateDegraded

	// StateClosed is terminal. All calls fail immediately.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ToolDefinition describes one tool advertised by a server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one element of a tool call result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Session speaks JSON-RPC to one MCP server over a Transport. It owns
// request correlation: every in-flight call has an entry in the pending
// table, and a background read loop routes inbound responses to their
// waiters by ID. Calls from multiple goroutines interleave freely.
type Session struct {
	name      string
	transport Transport
	logger    *slog.Logger

	state  atomic.Int32
	nextID atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan *Response

	toolsMu sync.RWMutex
	tools   []ToolDefinition

	serverInfo string

	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps a transport in a session for the named server.
func NewSession(name string, transport Transport, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:      name,
		transport: transport,
		logger:    logger.With("server", name),
		pending:   make(map[int64]chan *Response),
		readDone:  make(chan struct{}),
	}
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// State returns the current session state.
func (s *Session) State() State { return State(s.state.Load()) }

// ServerInfo returns the name/version string the server reported during
// the handshake, or "" before the handshake completes.
func (s *Session) ServerInfo() string { return s.serverInfo }

// Connect establishes the transport, starts the read loop, and runs the
// MCP handshake: initialize, notifications/initialized, tools/list.
//
// A transport-level failure is returned wrapped in
// ErrTransportUnavailable and the session is unusable. A handshake
// failure after the transport came up leaves the session Degraded with
// an empty tool list.
func (s *Session) Connect(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		s.state.Store(int32(StateClosed))
		if errors.Is(err, ErrTransportUnavailable) {
			return fmt.Errorf("connect %s: %w", s.name, err)
		}
		return fmt.Errorf("connect %s: %w: %w", s.name, err, ErrTransportUnavailable)
	}

	go s.readLoop()

	if err := s.handshake(ctx); err != nil {
		s.state.Store(int32(StateDegraded))
		return fmt.Errorf("handshake with %s: %w", s.name, err)
	}

	s.state.Store(int32(StateReady))
	return nil
}

// handshake runs the MCP initialization sequence and caches the server's
// tool list.
func (s *Session) handshake(ctx context.Context) error {
	initParams := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "conch",
			"version": buildinfo.Version,
		},
	}

	resp, err := s.Call(ctx, "initialize", initParams, DefaultCallTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var initRes initializeResult
	if err := json.Unmarshal(resp, &initRes); err != nil {
		return fmt.Errorf("parse initialize result: %w: %w", err, ErrProtocol)
	}
	if initRes.ServerInfo.Name != "" {
		s.serverInfo = initRes.ServerInfo.Name + " " + initRes.ServerInfo.Version
	}

	s.logger.Info("MCP handshake complete",
		"serverInfo", s.serverInfo,
		"protocolVersion", initRes.ProtocolVersion,
	)

	if err := s.Notify(ctx, "notifications/initialized", nil); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return s.refreshTools(ctx)
}

// refreshTools fetches tools/list and replaces the cached definitions
// wholesale.
func (s *Session) refreshTools(ctx context.Context) error {
	resp, err := s.Call(ctx, "tools/list", map[string]any{}, DefaultCallTimeout)
	if err != nil {
		return fmt.Errorf("tools/list: %w", err)
	}

	var listRes toolsListResult
	if err := json.Unmarshal(resp, &listRes); err != nil {
		return fmt.Errorf("parse tools/list result: %w: %w", err, ErrProtocol)
	}

	s.toolsMu.Lock()
	s.tools = listRes.Tools
	s.toolsMu.Unlock()

	s.logger.Debug("tool list refreshed", "count", len(listRes.Tools))
	return nil
}

// RefreshTools re-fetches the server's tool list. A success restores a
// Degraded session to Ready.
func (s *Session) RefreshTools(ctx context.Context) error {
	return s.refreshTools(ctx)
}

// Tools returns a copy of the cached tool definitions.
func (s *Session) Tools() []ToolDefinition {
	s.toolsMu.RLock()
	defer s.toolsMu.RUnlock()
	out := make([]ToolDefinition, len(s.tools))
	copy(out, s.tools)
	return out
}

// Call issues one JSON-RPC request and waits for the correlated
// response. The timeout bounds the wait for this call only; other
// in-flight calls are unaffected. On timeout the session state demotes
// to Degraded and the pending entry is abandoned (a late reply is
// discarded by the read loop).
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if s.State() == StateClosed {
		return nil, fmt.Errorf("call %s on closed session %s: %w", method, s.name, ErrServerUnavailable)
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := s.nextID.Add(1)
	req := NewRequest(id, method, params)

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	respCh := make(chan *Response, 1)
	s.pendingMu.Lock()
	s.pending[id] = respCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	if err := s.transport.Send(ctx, payload); err != nil {
		s.demote()
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			// The server answered; a protocol-level error is not a
			// health problem.
			s.restoreReady()
			return nil, fmt.Errorf("%s: %w", method, resp.Error)
		}
		s.restoreReady()
		return resp.Result, nil

	case <-timer.C:
		s.demote()
		return nil, fmt.Errorf("%s on %s after %s: %w", method, s.name, timeout, ErrRPCTimeout)

	case <-ctx.Done():
		return nil, ctx.Err()

	case <-s.readDone:
		s.demote()
		return nil, fmt.Errorf("%s: connection to %s lost: %w", method, s.name, ErrTransportUnavailable)
	}
}

// Notify sends a JSON-RPC notification. No response is expected.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if s.State() == StateClosed {
		return fmt.Errorf("notify %s on closed session %s: %w", method, s.name, ErrServerUnavailable)
	}

	payload, err := json.Marshal(NewNotification(method, params))
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	if err := s.transport.Send(ctx, payload); err != nil {
		s.demote()
		return fmt.Errorf("send %s notification: %w", method, err)
	}
	return nil
}

// CallTool invokes a named tool with the given arguments and returns
// the concatenated text content of the result.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}
	resp, err := s.Call(ctx, "tools/call", params, timeout)
	if err != nil {
		return "", err
	}

	var result callToolResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", fmt.Errorf("parse tools/call result: %w: %w", err, ErrProtocol)
	}

	text := extractText(result.Content)
	if result.IsError {
		return "", fmt.Errorf("tool %s failed: %s", name, text)
	}
	return text, nil
}

// extractText concatenates text blocks from a tool result. Non-text
// blocks become placeholders so the caller knows content was dropped.
func extractText(blocks []ContentBlock) string {
	var out string
	for i, b := range blocks {
		if i > 0 {
			out += "\n"
		}
		switch b.Type {
		case "text":
			out += b.Text
		default:
			out += "[" + b.Type + "]"
		}
	}
	return out
}

// readLoop routes inbound messages to pending calls by ID. Each pending
// entry resolves at most once: dispatch deletes the entry, so duplicate
// replies for the same ID are discarded. On exit every remaining waiter
// is failed and the session demotes.
func (s *Session) readLoop() {
	for raw := range s.transport.Messages() {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			s.logger.Warn("discarding malformed MCP message",
				"error", err,
				"payload", truncateForLog(raw, 512),
			)
			continue
		}

		if resp.Result == nil && resp.Error == nil {
			// Server-initiated request or notification. Not supported;
			// log and move on.
			s.logger.Debug("ignoring non-response MCP message", "payload", truncateForLog(raw, 512))
			continue
		}

		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendingMu.Unlock()

		if !ok {
			s.logger.Debug("discarding reply with no pending call", "id", resp.ID)
			continue
		}
		ch <- &resp
	}

	// Transport is gone. Fail everything still waiting.
	s.pendingMu.Lock()
	n := len(s.pending)
	s.pending = make(map[int64]chan *Response)
	s.pendingMu.Unlock()
	if n > 0 {
		s.logger.Warn("connection lost with calls in flight", "abandoned", n)
	}

	s.demote()
	close(s.readDone)
}

func truncateForLog(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}

// demote moves Ready to Degraded. Closed is terminal and never
// overwritten.
func (s *Session) demote() {
	s.state.CompareAndSwap(int32(StateReady), int32(StateDegraded))
}

// restoreReady moves Degraded back to Ready after a successful exchange.
func (s *Session) restoreReady() {
	s.state.CompareAndSwap(int32(StateDegraded), int32(StateReady))
}

// Close shuts down the session and its transport. Idempotent; later
// calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.closeErr = s.transport.Close()
	})
	return s.closeErr
}
