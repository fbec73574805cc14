package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaClient_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"model": "llama3.2",
			"message": {
				"role": "assistant",
				"content": "",
				"tool_calls": [{"function": {"name": "weather:get_weather", "arguments": {"city": "Austin"}}}]
			},
			"done": true,
			"prompt_eval_count": 30,
			"eval_count": 12
		}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	resp, err := c.Chat(context.Background(), "llama3.2",
		[]Message{{Role: RoleUser, Content: "weather in Austin?"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(resp.Message.ToolCalls))
	}
	tc := resp.Message.ToolCalls[0]
	if tc.Name != "weather:get_weather" || tc.Arguments["city"] != "Austin" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.ID == "" {
		t.Error("synthesized tool call ID is empty")
	}
	if resp.InputTokens != 30 || resp.OutputTokens != 12 {
		t.Errorf("usage = %d/%d, want 30/12", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/version" {
			t.Errorf("path = %q, want /api/version", r.URL.Path)
		}
		w.Write([]byte(`{"version": "0.5.0"}`))
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, nil)
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
