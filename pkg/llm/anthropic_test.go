package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tapestry-ai/tapestry/pkg/history"
)

func testAnthropic(t *testing.T, handler http.HandlerFunc) *Anthropic {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewAnthropic(Config{Model: "claude-sonnet-4-20250514", APIKey: "sk-ant-test", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewAnthropic() error = %v", err)
	}
	return p
}

func TestNewAnthropic_Validation(t *testing.T) {
	if _, err := NewAnthropic(Config{Model: "claude-sonnet-4-20250514"}); err == nil {
		t.Error("NewAnthropic() without api key: want error")
	}
	if _, err := NewAnthropic(Config{APIKey: "sk-ant-test"}); err == nil {
		t.Error("NewAnthropic() without model: want error")
	}
}

func TestAnthropic_Invoke(t *testing.T) {
	input := map[string]any{"city": "Oslo"}

	p := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s, want /v1/messages", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q, want sk-ant-test", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicVersion)
		}

		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if req.MaxTokens <= 0 {
			t.Errorf("max_tokens = %d, want > 0", req.MaxTokens)
		}
		if req.System != "be brief" {
			t.Errorf("system = %q, want be brief", req.System)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v, want one user turn", req.Messages)
		}

		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Model: "claude-sonnet-4-20250514",
			Content: []anthropicContent{
				{Type: "text", Text: "checking"},
				{Type: "tool_use", ID: "toolu_1", Name: "get_weather", Input: &input},
			},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 8},
		})
	})

	got, err := p.Invoke(context.Background(), []history.Message{
		history.System("be brief"),
		history.User("weather in oslo?"),
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got.Content != "checking" {
		t.Errorf("Content = %q, want checking", got.Content)
	}
	if len(got.ToolCalls) != 1 {
		t.Fatalf("ToolCalls = %d, want 1", len(got.ToolCalls))
	}
	tc := got.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Name != "get_weather" || tc.Args["city"] != "Oslo" {
		t.Errorf("tool call = %+v, want toolu_1/get_weather/Oslo", tc)
	}
	if got.Usage.TotalTokens != 20 {
		t.Errorf("TotalTokens = %d, want 20", got.Usage.TotalTokens)
	}
}

func TestAnthropic_Invoke_StructuredOutput(t *testing.T) {
	p := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if !strings.Contains(req.System, "You must respond with valid JSON") {
			t.Errorf("system = %q, want schema instruction", req.System)
		}
		last := req.Messages[len(req.Messages)-1]
		if last.Role != "assistant" || last.Content[0].Text != "{" {
			t.Errorf("last message = %+v, want assistant prefill {", last)
		}

		// The prefill is consumed; the response continues after it.
		_ = json.NewEncoder(w).Encode(anthropicResponse{
			Model:      "claude-sonnet-4-20250514",
			Content:    []anthropicContent{{Type: "text", Text: `"answer": 42}`}},
			StopReason: "end_turn",
		})
	})

	schema := map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "integer"}}}
	got, err := p.Invoke(context.Background(), []history.Message{history.User("answer?")},
		WithResponseSchema("answer", schema))
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if got.Content != `{"answer": 42}` {
		t.Errorf("Content = %q, want prefill prepended", got.Content)
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(got.Content), &parsed); err != nil {
		t.Errorf("Content is not valid JSON: %v", err)
	}
}

func TestAnthropic_Invoke_APIError(t *testing.T) {
	p := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"type": "error", "error": {"type": "invalid_request_error", "message": "max_tokens required"}}`)
	})

	_, err := p.Invoke(context.Background(), []history.Message{history.User("hello")})
	if err == nil {
		t.Fatal("Invoke() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "max_tokens required") {
		t.Errorf("error = %v, want provider message included", err)
	}
}

func TestAnthropic_InvokeStream(t *testing.T) {
	events := []string{
		`{"type":"message_start","message":{"usage":{"input_tokens":9}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"get_weather"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\""}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":": \"Oslo\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":11}}`,
		`{"type":"message_stop"}`,
	}

	p := testAnthropic(t, func(w http.ResponseWriter, r *http.Request) {
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		if !req.Stream {
			t.Error("stream = false, want true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			// Event-name lines are part of the protocol and must be
			// ignored by the reader.
			fmt.Fprint(w, "event: server_event\n")
			fmt.Fprintf(w, "data: %s\n\n", ev)
		}
	})

	ch, err := p.InvokeStream(context.Background(), []history.Message{history.User("weather?")})
	if err != nil {
		t.Fatalf("InvokeStream() error = %v", err)
	}

	var text strings.Builder
	var calls []history.ToolCall
	var done *StreamChunk
	for chunk := range ch {
		switch chunk.Type {
		case ChunkText:
			text.WriteString(chunk.Text)
		case ChunkToolCall:
			calls = append(calls, *chunk.ToolCall)
		case ChunkDone:
			c := chunk
			done = &c
		case ChunkError:
			t.Fatalf("stream error: %v", chunk.Err)
		}
	}

	if text.String() != "Hello" {
		t.Errorf("text = %q, want Hello", text.String())
	}
	if len(calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "toolu_1" || calls[0].Name != "get_weather" || calls[0].Args["city"] != "Oslo" {
		t.Errorf("tool call = %+v, want toolu_1/get_weather/Oslo", calls[0])
	}
	if done == nil || done.Usage == nil {
		t.Fatalf("done chunk = %+v, want usage", done)
	}
	if done.Usage.PromptTokens != 9 || done.Usage.CompletionTokens != 11 || done.Usage.TotalTokens != 20 {
		t.Errorf("usage = %+v, want 9/11/20", done.Usage)
	}
}

func TestToAnthropicMessages(t *testing.T) {
	msgs := []history.Message{
		history.System("first"),
		history.System("second"),
		history.User("hi"),
		history.AssistantToolCalls(
			history.ToolCall{ID: "t1", Name: "lookup", Args: map[string]any{"q": "a"}},
			history.ToolCall{ID: "t2", Name: "lookup", Args: map[string]any{"q": "b"}},
		),
		history.ToolResult("t1", "result a"),
		history.ToolResult("t2", "result b"),
		history.Assistant("done"),
	}

	system, out := toAnthropicMessages(msgs)

	if system != "first\n\nsecond" {
		t.Errorf("system = %q, want joined system text", system)
	}

	roles := make([]string, len(out))
	for i, m := range out {
		roles[i] = m.Role
	}
	want := []string{"user", "assistant", "user", "assistant"}
	if len(roles) != len(want) {
		t.Fatalf("roles = %v, want %v", roles, want)
	}
	for i := range want {
		if roles[i] != want[i] {
			t.Fatalf("roles = %v, want %v", roles, want)
		}
	}

	// Both tool results share one user turn to keep alternation legal.
	results := out[2].Content
	if len(results) != 2 || results[0].ToolUseID != "t1" || results[1].ToolUseID != "t2" {
		t.Errorf("tool results = %+v, want t1 and t2 in one turn", results)
	}

	// The assistant turn carries tool_use blocks with non-nil input.
	uses := out[1].Content
	if len(uses) != 2 || uses[0].Type != "tool_use" || uses[0].Input == nil {
		t.Errorf("assistant blocks = %+v, want two tool_use blocks", uses)
	}
}

func TestSchemaInstruction(t *testing.T) {
	schema := map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "string"}}}
	got := schemaInstruction(schema)

	if !strings.Contains(got, "You must respond with valid JSON") {
		t.Errorf("instruction = %q, want contract preamble", got)
	}
	if !strings.Contains(got, `"x"`) {
		t.Errorf("instruction = %q, want schema body included", got)
	}
}
