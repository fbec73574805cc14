package llm

import "testing"

func TestConvertToAnthropic_SystemExtraction(t *testing.T) {
	messages := []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "hello"},
	}

	out, system := convertToAnthropic(messages)
	if system != "be brief" {
		t.Errorf("system = %q, want %q", system, "be brief")
	}
	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1 (system lifted out)", len(out))
	}
	if out[0].Role != "user" || out[0].Content != "hello" {
		t.Errorf("out[0] = %+v", out[0])
	}
}

func TestConvertToAnthropic_ToolTurns(t *testing.T) {
	messages := []Message{
		{Role: RoleUser, Content: "weather?"},
		{
			Role:    RoleAssistant,
			Content: "checking",
			ToolCalls: []ToolCall{
				{ID: "toolu_1", Name: "weather:get_weather", Arguments: map[string]any{"city": "Austin"}},
			},
		},
		{Role: RoleTool, Content: "72F", ToolCallID: "toolu_1"},
	}

	out, _ := convertToAnthropic(messages)
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3", len(out))
	}

	blocks, ok := out[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content is %T, want []anthropicContent", out[1].Content)
	}
	if len(blocks) != 2 {
		t.Fatalf("got %d blocks, want text + tool_use", len(blocks))
	}
	if blocks[0].Type != "text" || blocks[0].Text != "checking" {
		t.Errorf("blocks[0] = %+v", blocks[0])
	}
	if blocks[1].Type != "tool_use" || blocks[1].ID != "toolu_1" || blocks[1].Name != "weather:get_weather" {
		t.Errorf("blocks[1] = %+v", blocks[1])
	}

	// Tool results become user-role tool_result blocks.
	resultBlocks, ok := out[2].Content.([]anthropicContent)
	if !ok || out[2].Role != "user" {
		t.Fatalf("tool turn = %+v", out[2])
	}
	if resultBlocks[0].Type != "tool_result" || resultBlocks[0].ToolUseID != "toolu_1" || resultBlocks[0].Content != "72F" {
		t.Errorf("tool_result = %+v", resultBlocks[0])
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "weather:get_weather",
				"description": "Current weather",
				"parameters": map[string]any{
					"type":       "object",
					"properties": map[string]any{"city": map[string]any{"type": "string"}},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name": "nothing:else",
			},
		},
		{"malformed": true},
	}

	out := convertToolsToAnthropic(tools)
	if len(out) != 2 {
		t.Fatalf("got %d tools, want 2 (malformed skipped)", len(out))
	}
	if out[0].Name != "weather:get_weather" || out[0].Description != "Current weather" {
		t.Errorf("out[0] = %+v", out[0])
	}
	// A missing parameters object gets a default empty schema.
	if out[1].InputSchema == nil {
		t.Error("out[1].InputSchema is nil, want default object schema")
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Model: "claude-sonnet-4",
		Role:  "assistant",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me check."},
			{Type: "tool_use", ID: "toolu_9", Name: "weather:get_weather", Input: map[string]any{"city": "Austin"}},
		},
	}
	resp.Usage.InputTokens = 10
	resp.Usage.OutputTokens = 20

	out := convertFromAnthropic(resp)
	if out.Message.Content != "Let me check." {
		t.Errorf("content = %q", out.Message.Content)
	}
	if len(out.Message.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(out.Message.ToolCalls))
	}
	tc := out.Message.ToolCalls[0]
	if tc.ID != "toolu_9" || tc.Name != "weather:get_weather" || tc.Arguments["city"] != "Austin" {
		t.Errorf("tool call = %+v", tc)
	}
	if out.InputTokens != 10 || out.OutputTokens != 20 {
		t.Errorf("usage = %d/%d", out.InputTokens, out.OutputTokens)
	}
}
