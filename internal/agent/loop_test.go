package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/conchshell/conch/internal/config"
	"github.com/conchshell/conch/internal/events"
	"github.com/conchshell/conch/internal/llm"
	"github.com/conchshell/conch/internal/mcp"
	"github.com/conchshell/conch/internal/registry"
)

// scriptedClient replays a fixed sequence of model responses. Once the
// script runs out the last response repeats.
type scriptedClient struct {
	mu       sync.Mutex
	script   []llm.ChatResponse
	requests [][]llm.Message
}

func (c *scriptedClient) Chat(_ context.Context, _ string, messages []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]llm.Message, len(messages))
	copy(snapshot, messages)
	c.requests = append(c.requests, snapshot)

	idx := len(c.requests) - 1
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	resp := c.script[idx]
	return &resp, nil
}

func (c *scriptedClient) Ping(context.Context) error { return nil }

// errorClient fails every Chat call.
type errorClient struct{}

func (errorClient) Chat(context.Context, string, []llm.Message, []map[string]any) (*llm.ChatResponse, error) {
	return nil, fmt.Errorf("model is on fire")
}

func (errorClient) Ping(context.Context) error { return nil }

// slowClient blocks until its context is cancelled.
type slowClient struct{}

func (slowClient) Chat(ctx context.Context, _ string, _ []llm.Message, _ []map[string]any) (*llm.ChatResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowClient) Ping(context.Context) error { return nil }

func assistantToolCall(name string, args map[string]any, id string) llm.ChatResponse {
	return llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role:      llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		},
	}
}

func assistantText(text string) llm.ChatResponse {
	return llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: llm.RoleAssistant, Content: text},
	}
}

// mcpServer runs a fake MCP endpoint whose tools/call handler is
// pluggable.
func mcpServer(t *testing.T, tools []map[string]any, onCall func(name string, args map[string]any) string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64          `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var result any
		switch req.Method {
		case "initialize":
			result = map[string]any{
				"protocolVersion": "2024-11-05",
				"serverInfo":      map[string]any{"name": "fake", "version": "0.1"},
			}
		case "notifications/initialized":
			w.WriteHeader(http.StatusAccepted)
			return
		case "tools/list":
			result = map[string]any{"tools": tools}
		case "tools/call":
			name, _ := req.Params["name"].(string)
			args, _ := req.Params["arguments"].(map[string]any)
			text := onCall(name, args)
			result = map[string]any{
				"content": []map[string]any{{"type": "text", "text": text}},
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func connectedRegistry(t *testing.T, url string, opts ...func(*registry.Config)) *registry.Registry {
	t.Helper()
	cfg := registry.Config{
		Servers: []config.ServerSpec{{Name: "office", Type: config.TransportHTTP, URL: url}},
	}
	for _, o := range opts {
		o(&cfg)
	}
	r := registry.New(cfg)
	r.Connect(context.Background())
	t.Cleanup(func() { r.Close() })
	return r
}

var officeTools = []map[string]any{
	{"name": "get_weather"},
	{"name": "send_email"},
}

func TestLoop_WeatherThenEmail(t *testing.T) {
	srv := mcpServer(t, officeTools, func(name string, args map[string]any) string {
		switch name {
		case "get_weather":
			return "72F and sunny in " + fmt.Sprint(args["city"])
		case "send_email":
			return "sent to " + fmt.Sprint(args["to"])
		default:
			return "unknown"
		}
	})
	defer srv.Close()

	client := &scriptedClient{script: []llm.ChatResponse{
		assistantToolCall("office:get_weather", map[string]any{"city": "Austin"}, "call_1"),
		assistantToolCall("office:send_email", map[string]any{"to": "bob@example.com"}, "call_2"),
		assistantText("Weather checked and email sent."),
	}}

	l := New(Config{
		Client:   client,
		Model:    "test-model",
		Registry: connectedRegistry(t, srv.URL),
	})

	answer, err := l.Submit(context.Background(), "email bob the austin weather")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if answer != "Weather checked and email sent." {
		t.Errorf("answer = %q", answer)
	}
	if got := l.State(); got != StateDone {
		t.Errorf("state = %v, want %v", got, StateDone)
	}

	// Transcript order: user, assistant+call, tool, assistant+call,
	// tool, final assistant.
	history := l.History()
	wantRoles := []string{
		llm.RoleUser,
		llm.RoleAssistant, llm.RoleTool,
		llm.RoleAssistant, llm.RoleTool,
		llm.RoleAssistant,
	}
	if len(history) != len(wantRoles) {
		t.Fatalf("history has %d turns, want %d: %+v", len(history), len(wantRoles), history)
	}
	for i, want := range wantRoles {
		if history[i].Role != want {
			t.Errorf("history[%d].Role = %q, want %q", i, history[i].Role, want)
		}
	}
	if history[2].ToolCallID != "call_1" || history[2].Content != "72F and sunny in Austin" {
		t.Errorf("first tool turn = %+v", history[2])
	}
	if history[4].ToolCallID != "call_2" || history[4].Content != "sent to bob@example.com" {
		t.Errorf("second tool turn = %+v", history[4])
	}
}

func TestLoop_ToolResultsInIssueOrder(t *testing.T) {
	// The first-issued call is the slowest; its result must still come
	// back first in the transcript.
	srv := mcpServer(t, []map[string]any{{"name": "a"}, {"name": "b"}, {"name": "c"}},
		func(name string, _ map[string]any) string {
			if name == "a" {
				time.Sleep(100 * time.Millisecond)
			}
			return "result-" + name
		})
	defer srv.Close()

	first := llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_a", Name: "office:a", Arguments: map[string]any{}},
				{ID: "call_b", Name: "office:b", Arguments: map[string]any{}},
				{ID: "call_c", Name: "office:c", Arguments: map[string]any{}},
			},
		},
	}
	client := &scriptedClient{script: []llm.ChatResponse{first, assistantText("done")}}

	l := New(Config{Client: client, Model: "test-model", Registry: connectedRegistry(t, srv.URL)})
	if _, err := l.Submit(context.Background(), "run all three"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	history := l.History()
	// user, assistant, tool x3, assistant
	if len(history) != 6 {
		t.Fatalf("history has %d turns: %+v", len(history), history)
	}
	wantOrder := []struct{ id, content string }{
		{"call_a", "result-a"},
		{"call_b", "result-b"},
		{"call_c", "result-c"},
	}
	for i, want := range wantOrder {
		turn := history[2+i]
		if turn.ToolCallID != want.id || turn.Content != want.content {
			t.Errorf("tool turn %d = {%s %q}, want {%s %q}", i, turn.ToolCallID, turn.Content, want.id, want.content)
		}
	}
}

func TestLoop_ToolFailureFedBack(t *testing.T) {
	srv := mcpServer(t, officeTools, func(string, map[string]any) string { return "" })
	defer srv.Close()

	client := &scriptedClient{script: []llm.ChatResponse{
		assistantToolCall("office:no_such_tool", map[string]any{}, "call_1"),
		assistantText("I could not do that."),
	}}

	l := New(Config{Client: client, Model: "test-model", Registry: connectedRegistry(t, srv.URL)})
	answer, err := l.Submit(context.Background(), "do the impossible")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if answer != "I could not do that." {
		t.Errorf("answer = %q", answer)
	}

	// The failure must appear as a tool turn the model saw.
	history := l.History()
	toolTurn := history[2]
	if toolTurn.Role != llm.RoleTool || toolTurn.ToolCallID != "call_1" {
		t.Fatalf("tool turn = %+v", toolTurn)
	}
	if want := string(mcp.FailInvalidArguments); !strings.Contains(toolTurn.Content, want) {
		t.Errorf("tool turn content %q does not mention %q", toolTurn.Content, want)
	}
}

func TestLoop_RoundCapExceeded(t *testing.T) {
	srv := mcpServer(t, officeTools, func(string, map[string]any) string { return "ok" })
	defer srv.Close()

	// The model never stops asking for tools.
	client := &scriptedClient{script: []llm.ChatResponse{
		assistantToolCall("office:get_weather", map[string]any{}, ""),
	}}

	l := New(Config{
		Client:    client,
		Model:     "test-model",
		Registry:  connectedRegistry(t, srv.URL),
		MaxRounds: 3,
	})

	_, err := l.Submit(context.Background(), "loop forever")
	if !errors.Is(err, mcp.ErrToolLoopExceeded) {
		t.Fatalf("error = %v, want ErrToolLoopExceeded", err)
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}

	// Exactly MaxRounds model calls, no forced final call.
	if got := len(client.requests); got != 3 {
		t.Errorf("model called %d times, want 3", got)
	}

	// History preserved: user + 3 x (assistant + tool).
	if got := len(l.History()); got != 7 {
		t.Errorf("history has %d turns, want 7", got)
	}
}

func TestLoop_ModelFailurePreservesHistory(t *testing.T) {
	l := New(Config{Client: errorClient{}, Model: "test-model"})

	_, err := l.Submit(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}

	history := l.History()
	if len(history) != 1 || history[0].Role != llm.RoleUser {
		t.Fatalf("history = %+v, want the user turn preserved", history)
	}
}

func TestLoop_CancelDuringModelCall(t *testing.T) {
	l := New(Config{Client: slowClient{}, Model: "test-model"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Submit(ctx, "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Submit took %s after cancellation", elapsed)
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}
}

func TestLoop_CancelDuringToolCalls(t *testing.T) {
	release := make(chan struct{})
	srv := mcpServer(t, officeTools, func(string, map[string]any) string {
		<-release
		return "too late"
	})
	defer srv.Close()
	defer close(release)

	first := llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{
				{ID: "call_1", Name: "office:get_weather", Arguments: map[string]any{}},
				{ID: "call_2", Name: "office:send_email", Arguments: map[string]any{}},
			},
		},
	}
	client := &scriptedClient{script: []llm.ChatResponse{first}}

	l := New(Config{Client: client, Model: "test-model", Registry: connectedRegistry(t, srv.URL)})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := l.Submit(ctx, "two outstanding calls")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	// Bounded unwind: cancellation plus grace, not the full tool hang.
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Submit took %s after cancellation", elapsed)
	}
	if got := l.State(); got != StateFailed {
		t.Errorf("state = %v, want %v", got, StateFailed)
	}

	// Both calls got answered in the transcript so it stays coherent.
	history := l.History()
	if len(history) != 4 {
		t.Fatalf("history has %d turns: %+v", len(history), history)
	}
	for _, turn := range history[2:] {
		if turn.Role != llm.RoleTool {
			t.Errorf("turn = %+v, want tool role", turn)
		}
		if !strings.Contains(turn.Content, "tool call failed") {
			t.Errorf("tool turn content = %q, want a failure marker", turn.Content)
		}
	}
}

func TestLoop_EventsPublished(t *testing.T) {
	srv := mcpServer(t, officeTools, func(string, map[string]any) string { return "ok" })
	defer srv.Close()

	client := &scriptedClient{script: []llm.ChatResponse{
		assistantToolCall("office:get_weather", map[string]any{"city": "Austin"}, "call_1"),
		assistantText("done"),
	}}

	bus := events.New()
	sub := bus.Subscribe(64)
	defer bus.Unsubscribe(sub)

	l := New(Config{Client: client, Model: "test-model", Registry: connectedRegistry(t, srv.URL), Bus: bus})
	if _, err := l.Submit(context.Background(), "weather please"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	kinds := make(map[string]int)
drain:
	for {
		select {
		case e := <-sub:
			kinds[e.Kind]++
		default:
			break drain
		}
	}

	want := map[string]int{
		events.KindSubmitStart:    1,
		events.KindModelCall:      2,
		events.KindModelResponse:  2,
		events.KindToolCall:       1,
		events.KindToolDone:       1,
		events.KindSubmitComplete: 1,
	}
	for kind, n := range want {
		if kinds[kind] != n {
			t.Errorf("got %d %s events, want %d (all: %v)", kinds[kind], kind, n, kinds)
		}
	}
}

func TestLoop_SystemPromptSeedsHistory(t *testing.T) {
	l := New(Config{Client: &scriptedClient{script: []llm.ChatResponse{assistantText("hi")}}, SystemPrompt: "be brief"})

	if _, err := l.Submit(context.Background(), "hello"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	history := l.History()
	if history[0].Role != llm.RoleSystem || history[0].Content != "be brief" {
		t.Errorf("history[0] = %+v", history[0])
	}
}

