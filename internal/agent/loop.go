// Package agent drives the conversation between an LLM and the MCP tool
// registry: model call, tool dispatch, results fed back, repeat, across
// a bounded number of rounds.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conchshell/conch/internal/events"
	"github.com/conchshell/conch/internal/llm"
	"github.com/conchshell/conch/internal/mcp"
	"github.com/conchshell/conch/internal/registry"
)

// DefaultMaxRounds caps tool-calling rounds per submission.
const DefaultMaxRounds = 8

// cancelGrace bounds how long in-flight tool calls get to unwind after
// the submission context is cancelled.
const cancelGrace = 2 * time.Second

// State describes where the loop is in processing a submission.
type State int32

const (
	// StateAwaitingUser means no submission is being processed.
	StateAwaitingUser State = iota

	// StateModelPending means an LLM call is in flight.
	StateModelPending

	// StateToolsPending means tool calls are being dispatched.
	StateToolsPending

	// StateDone means the last submission completed with a final answer.
	StateDone

	// StateFailed means the last submission failed; the transcript is
	// preserved and a new submission may follow.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAwaitingUser:
		return "awaiting_user"
	case StateModelPending:
		return "model_pending"
	case StateToolsPending:
		return "tools_pending"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config configures a Loop.
type Config struct {
	// Client is the LLM provider client.
	Client llm.Client

	// Model is the model name passed to the client.
	Model string

	// Registry resolves and invokes tools. Nil means no tools.
	Registry *registry.Registry

	// SystemPrompt seeds the transcript when non-empty.
	SystemPrompt string

	// MaxRounds caps tool-calling rounds per submission. Zero means
	// DefaultMaxRounds.
	MaxRounds int

	// Logger is the structured logger. Nil means slog.Default().
	Logger *slog.Logger

	// Bus receives conversation events. Nil is fine.
	Bus *events.Bus
}

// Loop owns one conversation transcript and processes submissions one
// at a time.
type Loop struct {
	client    llm.Client
	model     string
	registry  *registry.Registry
	maxRounds int
	logger    *slog.Logger
	bus       *events.Bus

	state atomic.Int32

	mu      sync.Mutex // serializes Submit and guards history
	history []llm.Message
}

// New creates a conversation loop. The system prompt, when set, becomes
// the first transcript turn.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}

	l := &Loop{
		client:    cfg.Client,
		model:     cfg.Model,
		registry:  cfg.Registry,
		maxRounds: maxRounds,
		logger:    logger,
		bus:       cfg.Bus,
	}
	if cfg.SystemPrompt != "" {
		l.history = append(l.history, llm.Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt})
	}
	return l
}

// State returns the loop's current state.
func (l *Loop) State() State { return State(l.state.Load()) }

// History returns a copy of the transcript.
func (l *Loop) History() []llm.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Message, len(l.history))
	copy(out, l.history)
	return out
}

// Submit runs one user submission to completion: model calls and tool
// rounds until the model answers without tools, the round cap is hit,
// or the context is cancelled. The transcript is preserved across
// failures so the conversation can continue.
func (l *Loop) Submit(ctx context.Context, text string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	requestID := uuid.NewString()
	l.publish(events.KindSubmitStart, map[string]any{
		"request_id": requestID,
		"text_len":   len(text),
	})

	l.history = append(l.history, llm.Message{Role: llm.RoleUser, Content: text})

	var toolDefs []map[string]any
	if l.registry != nil {
		toolDefs = l.registry.ToolDefs()
	}

	for round := 1; round <= l.maxRounds; round++ {
		l.state.Store(int32(StateModelPending))
		l.publish(events.KindModelCall, map[string]any{
			"request_id": requestID,
			"round":      round,
			"model":      l.model,
		})

		resp, err := l.client.Chat(ctx, l.model, l.history, toolDefs)
		if err != nil {
			l.fail(requestID, round, err)
			return "", fmt.Errorf("model call: %w", err)
		}

		l.publish(events.KindModelResponse, map[string]any{
			"request_id": requestID,
			"round":      round,
			"model":      resp.Model,
			"tool_calls": len(resp.Message.ToolCalls),
		})

		l.history = append(l.history, resp.Message)

		if len(resp.Message.ToolCalls) == 0 {
			l.state.Store(int32(StateDone))
			l.publish(events.KindSubmitComplete, map[string]any{
				"request_id": requestID,
				"rounds":     round,
				"failed":     false,
			})
			return resp.Message.Content, nil
		}

		l.state.Store(int32(StateToolsPending))
		results := l.dispatchTools(ctx, requestID, resp.Message.ToolCalls)

		// Results append in issue order regardless of completion order,
		// every call answered so the model sees its failures.
		for _, res := range results {
			l.history = append(l.history, llm.Message{
				Role:       llm.RoleTool,
				Content:    res.content,
				ToolCallID: res.callID,
			})
		}

		if err := ctx.Err(); err != nil {
			l.fail(requestID, round, err)
			return "", err
		}
	}

	err := fmt.Errorf("no final answer after %d rounds: %w", l.maxRounds, mcp.ErrToolLoopExceeded)
	l.fail(requestID, l.maxRounds, err)
	return "", err
}

func (l *Loop) fail(requestID string, round int, err error) {
	l.state.Store(int32(StateFailed))
	l.publish(events.KindSubmitComplete, map[string]any{
		"request_id": requestID,
		"rounds":     round,
		"failed":     true,
		"reason":     string(mcp.KindOf(err)),
	})
	l.logger.Warn("submission failed", "request_id", requestID, "round", round, "error", err)
}

type toolOutcome struct {
	callID  string
	content string
}

// dispatchTools invokes every call concurrently and collects outcomes
// into a slice indexed by issue order. On cancellation, in-flight calls
// get cancelGrace to finish; whatever has not finished by then is
// reported to the model as cancelled.
func (l *Loop) dispatchTools(ctx context.Context, requestID string, calls []llm.ToolCall) []toolOutcome {
	results := make([]toolOutcome, len(calls))

	// Abandoned goroutines must not touch the results after we hand
	// them back, so writes go through a sealable setter.
	var resMu sync.Mutex
	sealed := false
	setResult := func(i int, content string) {
		resMu.Lock()
		defer resMu.Unlock()
		if !sealed {
			results[i].content = content
		}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i, call := range calls {
		callID := call.ID
		if callID == "" {
			callID = uuid.NewString()
		}
		results[i] = toolOutcome{
			callID:  callID,
			content: fmt.Sprintf("tool call failed (%s): submission cancelled", mcp.FailCancelled),
		}

		wg.Add(1)
		go func(i int, call llm.ToolCall) {
			defer wg.Done()
			setResult(i, l.invokeOne(ctx, requestID, call))
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(cancelGrace):
			l.logger.Warn("abandoning tool calls after cancellation grace",
				"request_id", requestID,
				"grace", cancelGrace,
			)
		}
	}

	resMu.Lock()
	sealed = true
	out := make([]toolOutcome, len(results))
	copy(out, results)
	resMu.Unlock()
	return out
}

func (l *Loop) invokeOne(ctx context.Context, requestID string, call llm.ToolCall) string {
	l.publish(events.KindToolCall, map[string]any{
		"request_id": requestID,
		"tool":       call.Name,
		"args":       call.Arguments,
	})

	start := time.Now()
	var (
		result string
		err    error
	)
	if l.registry == nil {
		err = fmt.Errorf("no tool registry: %w", mcp.ErrInvalidArguments)
	} else {
		result, err = l.registry.Invoke(ctx, call.Name, call.Arguments)
	}
	elapsed := time.Since(start)

	if err != nil {
		kind := mcp.KindOf(err)
		l.publish(events.KindToolDone, map[string]any{
			"request_id":  requestID,
			"tool":        call.Name,
			"ok":          false,
			"error":       err.Error(),
			"duration_ms": elapsed.Milliseconds(),
		})
		l.logger.Warn("tool call failed", "tool", call.Name, "kind", kind, "error", err)
		return fmt.Sprintf("tool call failed (%s): %v", kind, err)
	}

	l.publish(events.KindToolDone, map[string]any{
		"request_id":  requestID,
		"tool":        call.Name,
		"ok":          true,
		"duration_ms": elapsed.Milliseconds(),
	})
	return result
}

func (l *Loop) publish(kind string, data map[string]any) {
	l.bus.Publish(events.Event{
		Source: events.SourceChat,
		Kind:   kind,
		Data:   data,
	})
}
