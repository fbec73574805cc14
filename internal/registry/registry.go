// Package registry aggregates the tools of every configured MCP server
// behind a single namespace. Tool names are qualified as "server:tool"
// so two servers exporting the same tool name never collide.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conchshell/conch/internal/config"
	"github.com/conchshell/conch/internal/events"
	"github.com/conchshell/conch/internal/mcp"
)

// Separator joins the server name and tool name in a qualified tool name.
const Separator = ":"

// DefaultToolTimeout bounds a single tool invocation when the config
// does not specify one.
const DefaultToolTimeout = 60 * time.Second

// Tool is one entry in the aggregated tool table.
type Tool struct {
	// Name is the qualified "server:tool" name.
	Name string

	// Server is the owning server.
	Server string

	// Def is the server's tool definition (unqualified name).
	Def mcp.ToolDefinition
}

// ServerStatus is a point-in-time snapshot of one session.
type ServerStatus struct {
	Name       string
	State      mcp.State
	ServerInfo string
	ToolCount  int
}

// Config configures a Registry.
type Config struct {
	// Servers are the MCP server specs to connect.
	Servers []config.ServerSpec

	// ToolTimeout bounds each tools/call RPC. Zero means
	// DefaultToolTimeout.
	ToolTimeout time.Duration

	// Logger is the structured logger. Nil means slog.Default().
	Logger *slog.Logger

	// Bus receives server lifecycle events. Nil is fine.
	Bus *events.Bus
}

// Registry owns one MCP session per configured server and routes
// qualified tool invocations to the right one.
type Registry struct {
	specs       []config.ServerSpec
	toolTimeout time.Duration
	logger      *slog.Logger
	bus         *events.Bus

	mu       sync.RWMutex
	sessions map[string]*mcp.Session
}

// New creates a registry for the given config. No connections are made
// until Connect.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.ToolTimeout
	if timeout <= 0 {
		timeout = DefaultToolTimeout
	}
	return &Registry{
		specs:       cfg.Servers,
		toolTimeout: timeout,
		logger:      logger,
		bus:         cfg.Bus,
		sessions:    make(map[string]*mcp.Session),
	}
}

// Connect dials every configured server concurrently. A server whose
// transport cannot be established is excluded from the registry; a
// server whose handshake fails stays registered in the degraded state.
// Connect itself never fails on individual servers — a degraded fleet
// is still a usable fleet.
func (r *Registry) Connect(ctx context.Context) {
	var wg sync.WaitGroup
	for _, spec := range r.specs {
		wg.Add(1)
		go func(spec config.ServerSpec) {
			defer wg.Done()
			r.connectOne(ctx, spec)
		}(spec)
	}
	wg.Wait()
}

func (r *Registry) connectOne(ctx context.Context, spec config.ServerSpec) {
	transport, err := r.buildTransport(spec)
	if err != nil {
		r.logger.Warn("skipping MCP server", "server", spec.Name, "error", err)
		r.publishDegraded(spec.Name, err)
		return
	}

	session := mcp.NewSession(spec.Name, transport, r.logger)
	if err := session.Connect(ctx); err != nil {
		if errors.Is(err, mcp.ErrTransportUnavailable) {
			// No channel to the server at all; nothing to keep.
			r.logger.Warn("MCP server unreachable, excluding", "server", spec.Name, "error", err)
			r.publishDegraded(spec.Name, err)
			session.Close()
			return
		}
		// Transport is up but the handshake failed. Keep the session;
		// a later refresh may bring it back.
		r.logger.Warn("MCP handshake failed, keeping server degraded", "server", spec.Name, "error", err)
		r.publishDegraded(spec.Name, err)
		r.mu.Lock()
		r.sessions[spec.Name] = session
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	r.sessions[spec.Name] = session
	r.mu.Unlock()

	toolCount := len(session.Tools())
	r.logger.Info("MCP server ready",
		"server", spec.Name,
		"serverInfo", session.ServerInfo(),
		"tools", toolCount,
	)
	r.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindServerReady,
		Data:   map[string]any{"server": spec.Name, "tools": toolCount},
	})
}

func (r *Registry) publishDegraded(server string, err error) {
	r.bus.Publish(events.Event{
		Source: events.SourceMCP,
		Kind:   events.KindServerDegraded,
		Data:   map[string]any{"server": server, "error": err.Error()},
	})
}

func (r *Registry) buildTransport(spec config.ServerSpec) (mcp.Transport, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	switch spec.Type {
	case config.TransportStdio:
		return mcp.NewStdioTransport(mcp.StdioConfig{
			Command: spec.Command,
			Args:    spec.Args,
			Env:     envList(spec.Env),
			Logger:  r.logger,
		}), nil
	case config.TransportHTTP:
		return mcp.NewHTTPTransport(mcp.HTTPConfig{
			URL:     spec.URL,
			Headers: spec.Headers,
			Logger:  r.logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport type %q for server %s", spec.Type, spec.Name)
	}
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// Tools returns the aggregated tool table across all sessions, sorted
// by qualified name. Degraded servers contribute whatever tool list
// they last reported.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for name, session := range r.sessions {
		for _, def := range session.Tools() {
			out = append(out, Tool{
				Name:   name + Separator + def.Name,
				Server: name,
				Def:    def,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ToolDefs returns the aggregated tool table in the OpenAI
// function-calling format the LLM boundary consumes. Schemas that do
// not parse fall back to an empty object schema.
func (r *Registry) ToolDefs() []map[string]any {
	tools := r.Tools()
	out := make([]map[string]any, 0, len(tools))
	for _, tool := range tools {
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if len(tool.Def.InputSchema) > 0 {
			var parsed map[string]any
			if err := json.Unmarshal(tool.Def.InputSchema, &parsed); err == nil {
				params = parsed
			}
		}
		out = append(out, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        tool.Name,
				"description": tool.Def.Description,
				"parameters":  params,
			},
		})
	}
	return out
}

// Servers returns a status snapshot for every registered session,
// sorted by name. Excluded servers do not appear.
func (r *Registry) Servers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ServerStatus, 0, len(r.sessions))
	for name, session := range r.sessions {
		out = append(out, ServerStatus{
			Name:       name,
			State:      session.State(),
			ServerInfo: session.ServerInfo(),
			ToolCount:  len(session.Tools()),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs one qualified tool call. The qualified name is split into
// server and tool; the arguments are checked against the tool's input
// schema before any wire traffic.
func (r *Registry) Invoke(ctx context.Context, qualified string, args map[string]any) (string, error) {
	server, tool, ok := strings.Cut(qualified, Separator)
	if !ok || server == "" || tool == "" {
		return "", fmt.Errorf("tool name %q is not server%stool: %w", qualified, Separator, mcp.ErrInvalidArguments)
	}

	r.mu.RLock()
	session := r.sessions[server]
	r.mu.RUnlock()
	if session == nil {
		return "", fmt.Errorf("unknown server %q in tool %q: %w", server, qualified, mcp.ErrInvalidArguments)
	}
	if state := session.State(); state != mcp.StateReady {
		return "", fmt.Errorf("server %s is %s: %w", server, state, mcp.ErrServerUnavailable)
	}

	var def *mcp.ToolDefinition
	for _, d := range session.Tools() {
		if d.Name == tool {
			def = &d
			break
		}
	}
	if def == nil {
		return "", fmt.Errorf("server %s has no tool %q: %w", server, tool, mcp.ErrInvalidArguments)
	}

	if err := ValidateArgs(def.InputSchema, args); err != nil {
		return "", fmt.Errorf("arguments for %s: %w", qualified, err)
	}

	result, err := session.CallTool(ctx, tool, args, r.toolTimeout)
	if err != nil {
		if session.State() == mcp.StateDegraded {
			r.publishDegraded(server, err)
		}
		return "", err
	}
	return result, nil
}

// Refresh re-fetches every session's tool list. Per-server failures are
// logged and do not stop the others. A degraded server that answers the
// refresh comes back to ready.
func (r *Registry) Refresh(ctx context.Context) {
	r.mu.RLock()
	sessions := make([]*mcp.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	for _, session := range sessions {
		if err := session.RefreshTools(ctx); err != nil {
			r.logger.Warn("tool refresh failed", "server", session.Name(), "error", err)
			continue
		}
		if session.State() == mcp.StateReady {
			r.logger.Debug("tool refresh ok", "server", session.Name(), "tools", len(session.Tools()))
		}
	}
}

// Close shuts down every session. The first error is reported; all
// sessions are closed regardless.
func (r *Registry) Close() error {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*mcp.Session)
	r.mu.Unlock()

	var errs []error
	for name, session := range sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
