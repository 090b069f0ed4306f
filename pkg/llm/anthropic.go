package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tapestry-ai/tapestry/internal/httpclient"
	"github.com/tapestry-ai/tapestry/pkg/history"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// jsonPrefill seeds the assistant turn so Claude continues a JSON
	// object instead of opening with prose. The prefill is not part of
	// the API response, so it is prepended to the returned content.
	jsonPrefill = "{"
)

// Anthropic talks to the Claude messages API.
type Anthropic struct {
	cfg  Config
	http *httpclient.Client
}

var _ Gateway = (*Anthropic)(nil)

// NewAnthropic builds the Anthropic adapter.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultAnthropicBaseURL
	}
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("anthropic: model is required")
	}

	return &Anthropic{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicLimits),
		),
	}, nil
}

// ==== wire types ====

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	TopP        *float64           `json:"top_p,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

// anthropicContent is one block of a message. Type selects which fields
// are meaningful: "text" uses Text, "tool_use" uses ID/Name/Input,
// "tool_result" uses ToolUseID/Content. Input is a pointer so that empty
// tool arguments still marshal as {} rather than being omitted.
type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type anthropicStreamEvent struct {
	Type         string             `json:"type"`
	Index        int                `json:"index"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text"`
	PartialJSON string `json:"partial_json"`
}

// ==== Gateway implementation ====

// Invoke sends a messages request and collects text and tool_use blocks.
func (p *Anthropic) Invoke(ctx context.Context, messages []history.Message, opts ...CallOption) (*Completion, error) {
	s := resolve(p.cfg, opts)
	ctx, span := startSpan(ctx, ProviderAnthropic, p.cfg.Model, false)

	resp, err := p.send(ctx, p.buildRequest(messages, s, false))
	if err != nil {
		endSpan(span, Usage{}, err)
		return nil, err
	}

	var text strings.Builder
	var calls []history.ToolCall
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := map[string]any{}
			if block.Input != nil {
				args = *block.Input
			}
			calls = append(calls, history.ToolCall{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	content := text.String()
	if s.schema != nil {
		content = jsonPrefill + content
	}

	usage := Usage{
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	endSpan(span, usage, nil)

	return &Completion{
		Content:   content,
		ToolCalls: calls,
		Usage:     usage,
		Model:     resp.Model,
	}, nil
}

// InvokeStream sends a streaming messages request. Text deltas arrive as
// they are generated; a tool call is emitted once its input JSON is
// complete.
func (p *Anthropic) InvokeStream(ctx context.Context, messages []history.Message, opts ...CallOption) (<-chan StreamChunk, error) {
	s := resolve(p.cfg, opts)
	ctx, span := startSpan(ctx, ProviderAnthropic, p.cfg.Model, true)

	req := p.buildRequest(messages, s, true)
	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		usage, err := p.stream(ctx, req, s.schema != nil, out)
		endSpan(span, usage, err)
		if err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

// ModelName reports the configured model identifier.
func (p *Anthropic) ModelName() string { return p.cfg.Model }

// Close releases no resources; the HTTP client has no shutdown.
func (p *Anthropic) Close() error { return nil }

func (p *Anthropic) buildRequest(messages []history.Message, s callSettings, stream bool) anthropicRequest {
	system, converted := toAnthropicMessages(messages)

	req := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    converted,
		MaxTokens:   s.maxTokens,
		System:      system,
		Temperature: &s.temperature,
		TopP:        s.topP,
		Stream:      stream,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}

	for _, t := range s.tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: params,
		})
	}

	// Claude has no response_format parameter. Structured output is a
	// schema contract in the system prompt plus an assistant prefill
	// that locks the first token to an opening brace.
	if s.schema != nil {
		instruction := schemaInstruction(s.schema)
		if req.System != "" {
			req.System = req.System + "\n\n" + instruction
		} else {
			req.System = instruction
		}
		req.Messages = append(req.Messages, anthropicMessage{
			Role:    "assistant",
			Content: []anthropicContent{{Type: "text", Text: jsonPrefill}},
		})
	}
	return req
}

// toAnthropicMessages splits system text out to the top-level system
// field and converts the rest to content-block messages. Consecutive
// tool results share one user turn so that parallel tool calls keep the
// required user/assistant alternation.
func toAnthropicMessages(messages []history.Message) (string, []anthropicMessage) {
	var systemParts []string
	out := make([]anthropicMessage, 0, len(messages))

	for _, m := range messages {
		switch {
		case m.Role == history.RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}

		case m.IsToolResponse():
			block := anthropicContent{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(out); n > 0 && out[n-1].Role == "user" && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContent{block}})

		case m.Role == history.RoleAssistant:
			blocks := make([]anthropicContent, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, anthropicContent{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				args := tc.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropicContent{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: &args})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropicMessage{Role: "assistant", Content: blocks})

		default:
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicContent{{Type: "text", Text: m.Content}}})
		}
	}

	return strings.Join(systemParts, "\n\n"), out
}

func schemaInstruction(schema map[string]any) string {
	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}

func (p *Anthropic) send(ctx context.Context, req anthropicRequest) (*anthropicResponse, error) {
	resp, err := p.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, anthropicStatusError(resp.StatusCode, body)
	}

	var out anthropicResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

func (p *Anthropic) post(ctx context.Context, req anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	return p.http.Do(httpReq)
}

func anthropicStatusError(status int, body []byte) error {
	var wrapper struct {
		Error *anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error != nil {
		return fmt.Errorf("anthropic: status %d: %s: %s", status, wrapper.Error.Type, wrapper.Error.Message)
	}
	return fmt.Errorf("anthropic: status %d: %s", status, truncateBody(body, 512))
}

// stream consumes the SSE event sequence: message_start carries input
// token usage, content_block_start opens a text or tool_use block,
// content_block_delta carries text_delta or input_json_delta payloads,
// content_block_stop completes a tool call, message_delta carries output
// token usage.
func (p *Anthropic) stream(ctx context.Context, req anthropicRequest, prefilled bool, out chan<- StreamChunk) (Usage, error) {
	resp, err := p.post(ctx, req)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Usage{}, anthropicStatusError(resp.StatusCode, body)
	}

	// The prefill is consumed by the API, not echoed back. Emit it first
	// so the concatenated stream parses as the full JSON object.
	if prefilled {
		out <- StreamChunk{Type: ChunkText, Text: jsonPrefill}
	}

	var usage Usage
	partials := make(map[int]*history.ToolCall)
	buffers := make(map[int]*strings.Builder)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		data, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return usage, fmt.Errorf("decode stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				usage.PromptTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			if ev.ContentBlock != nil && ev.ContentBlock.Type == "tool_use" {
				partials[ev.Index] = &history.ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
				buffers[ev.Index] = &strings.Builder{}
			}

		case "content_block_delta":
			if ev.Delta == nil {
				continue
			}
			if ev.Delta.Text != "" {
				out <- StreamChunk{Type: ChunkText, Text: ev.Delta.Text}
			}
			if ev.Delta.Type == "input_json_delta" && ev.Delta.PartialJSON != "" {
				if b, ok := buffers[ev.Index]; ok {
					b.WriteString(ev.Delta.PartialJSON)
				}
			}

		case "content_block_stop":
			tc, ok := partials[ev.Index]
			if !ok {
				continue
			}
			args, err := parseToolArgs(buffers[ev.Index].String())
			if err != nil {
				return usage, fmt.Errorf("tool %s arguments: %w", tc.Name, err)
			}
			if args == nil {
				args = map[string]any{}
			}
			tc.Args = args
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
			delete(partials, ev.Index)
			delete(buffers, ev.Index)

		case "message_delta":
			if ev.Usage != nil {
				usage.CompletionTokens = ev.Usage.OutputTokens
			}

		case "error":
			if ev.Error != nil {
				return usage, fmt.Errorf("anthropic: stream error: %s: %s", ev.Error.Type, ev.Error.Message)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("read stream: %w", err)
	}

	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	out <- StreamChunk{Type: ChunkDone, Usage: &usage}
	return usage, nil
}
