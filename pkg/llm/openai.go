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
	"sort"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/tapestry-ai/tapestry/internal/httpclient"
	"github.com/tapestry-ai/tapestry/pkg/history"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI speaks the chat-completions API over raw HTTP.
type OpenAI struct {
	cfg  Config
	http *httpclient.Client
}

var _ Gateway = (*OpenAI)(nil)

// NewOpenAI builds the OpenAI adapter. An API key is required unless a
// custom BaseURL points at a local gateway.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	cfg = cfg.withDefaults()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBaseURL
	}
	if cfg.APIKey == "" && cfg.BaseURL == defaultOpenAIBaseURL {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("openai: model is required")
	}

	return &OpenAI{
		cfg: cfg,
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAILimits),
		),
	}, nil
}

// ==== wire types ====

type openAIRequest struct {
	Model          string               `json:"model"`
	Messages       []openAIMessage      `json:"messages"`
	Temperature    *float64             `json:"temperature,omitempty"`
	TopP           *float64             `json:"top_p,omitempty"`
	MaxTokens      *int                 `json:"max_tokens,omitempty"`
	Stream         bool                 `json:"stream,omitempty"`
	StreamOptions  *openAIStreamOptions `json:"stream_options,omitempty"`
	Tools          []openAITool         `json:"tools,omitempty"`
	ToolChoice     string               `json:"tool_choice,omitempty"`
	ResponseFormat *openAIRespFormat    `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIToolCall struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Function openAIFuncCall `json:"function"`
}

type openAIFuncCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type openAIRespFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string                `json:"content,omitempty"`
	ToolCalls []openAIDeltaToolCall `json:"tool_calls,omitempty"`
}

type openAIDeltaToolCall struct {
	Index    int            `json:"index"`
	ID       string         `json:"id,omitempty"`
	Function openAIFuncCall `json:"function"`
}

// ==== Gateway implementation ====

func (p *OpenAI) ModelName() string { return p.cfg.Model }

func (p *OpenAI) Close() error { return nil }

func (p *OpenAI) Invoke(ctx context.Context, messages []history.Message, opts ...CallOption) (*Completion, error) {
	settings := resolve(p.cfg, opts)
	ctx, span := startSpan(ctx, ProviderOpenAI, p.cfg.Model, false)

	resp, err := p.send(ctx, p.buildRequest(messages, false, settings))
	if err != nil {
		endSpan(span, Usage{}, err)
		return nil, err
	}
	if len(resp.Choices) == 0 {
		err := errors.New("openai: response has no choices")
		endSpan(span, Usage{}, err)
		return nil, err
	}

	choice := resp.Choices[0]
	toolCalls, err := fromOpenAIToolCalls(choice.Message.ToolCalls)
	if err != nil {
		endSpan(span, Usage{}, err)
		return nil, err
	}

	comp := &Completion{
		Content:   choice.Message.Content,
		ToolCalls: toolCalls,
		Model:     p.cfg.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	endSpan(span, comp.Usage, nil)
	return comp, nil
}

func (p *OpenAI) InvokeStream(ctx context.Context, messages []history.Message, opts ...CallOption) (<-chan StreamChunk, error) {
	settings := resolve(p.cfg, opts)
	req := p.buildRequest(messages, true, settings)

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		ctx, span := startSpan(ctx, ProviderOpenAI, p.cfg.Model, true)
		usage, err := p.stream(ctx, req, out)
		endSpan(span, usage, err)
		if err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

func (p *OpenAI) buildRequest(messages []history.Message, stream bool, s callSettings) openAIRequest {
	req := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    toOpenAIMessages(messages),
		Temperature: &s.temperature,
		TopP:        s.topP,
		Stream:      stream,
	}
	if s.maxTokens > 0 {
		req.MaxTokens = &s.maxTokens
	}
	if stream {
		req.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if len(s.tools) > 0 {
		req.Tools = make([]openAITool, len(s.tools))
		for i, t := range s.tools {
			req.Tools[i] = openAITool{Type: "function", Function: t}
		}
		req.ToolChoice = "auto"
	}
	if s.schema != nil {
		req.ResponseFormat = &openAIRespFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   s.schemaName,
				Schema: s.schema,
				Strict: true,
			},
		}
	}
	return req
}

func toOpenAIMessages(messages []history.Message) []openAIMessage {
	out := make([]openAIMessage, 0, len(messages))
	for _, m := range messages {
		msg := openAIMessage{Role: string(m.Role), Content: m.Content}
		if m.IsToolResponse() {
			msg.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			msg.ToolCalls = append(msg.ToolCalls, openAIToolCall{
				ID:       tc.ID,
				Type:     "function",
				Function: openAIFuncCall{Name: tc.Name, Arguments: string(args)},
			})
		}
		out = append(out, msg)
	}
	return out
}

// fromOpenAIToolCalls parses accumulated tool calls, repairing truncated or
// malformed argument JSON before giving up.
func fromOpenAIToolCalls(calls []openAIToolCall) ([]history.ToolCall, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	out := make([]history.ToolCall, len(calls))
	for i, tc := range calls {
		args, err := parseToolArgs(tc.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("openai: tool call %s arguments: %w", tc.Function.Name, err)
		}
		out[i] = history.ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return out, nil
}

func parseToolArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return args, nil
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return nil, fmt.Errorf("unparseable JSON: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return nil, fmt.Errorf("unparseable JSON after repair: %w", err)
	}
	return args, nil
}

func (p *OpenAI) send(ctx context.Context, body openAIRequest) (*openAIResponse, error) {
	resp, err := p.post(ctx, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("openai: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, openAIStatusError(resp.StatusCode, data)
	}

	var out openAIResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("openai: decoding response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("openai: %s", out.Error.Message)
	}
	return &out, nil
}

func (p *OpenAI) post(ctx context.Context, body openAIRequest) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("openai: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("openai: building request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(payload)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	return resp, nil
}

func openAIStatusError(status int, body []byte) error {
	var wrapper struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil && wrapper.Error.Message != "" {
		return fmt.Errorf("openai: status %d: %s", status, wrapper.Error.Message)
	}
	return fmt.Errorf("openai: status %d: %s", status, truncateBody(body, 512))
}

// stream reads the SSE response, emitting text deltas as they arrive and
// accumulating indexed tool-call fragments until the finish marker.
func (p *OpenAI) stream(ctx context.Context, body openAIRequest, out chan<- StreamChunk) (Usage, error) {
	resp, err := p.post(ctx, body)
	if err != nil {
		return Usage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return Usage{}, openAIStatusError(resp.StatusCode, data)
	}

	var usage Usage
	partials := make(map[int]*openAIToolCall)
	flushed := false

	flushToolCalls := func() error {
		if flushed || len(partials) == 0 {
			return nil
		}
		flushed = true
		indexes := make([]int, 0, len(partials))
		for idx := range partials {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		accumulated := make([]openAIToolCall, 0, len(indexes))
		for _, idx := range indexes {
			accumulated = append(accumulated, *partials[idx])
		}
		calls, err := fromOpenAIToolCalls(accumulated)
		if err != nil {
			return err
		}
		for i := range calls {
			out <- StreamChunk{Type: ChunkToolCall, ToolCall: &calls[i]}
		}
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk openAIStreamResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return usage, fmt.Errorf("openai: %s", chunk.Error.Message)
		}
		if chunk.Usage != nil {
			usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			out <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}
		for _, delta := range choice.Delta.ToolCalls {
			partial, ok := partials[delta.Index]
			if !ok {
				partial = &openAIToolCall{Type: "function"}
				partials[delta.Index] = partial
			}
			if delta.ID != "" {
				partial.ID = delta.ID
			}
			if delta.Function.Name != "" {
				partial.Function.Name = delta.Function.Name
			}
			partial.Function.Arguments += delta.Function.Arguments
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			if err := flushToolCalls(); err != nil {
				return usage, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("openai: reading stream: %w", err)
	}
	if err := flushToolCalls(); err != nil {
		return usage, err
	}

	out <- StreamChunk{Type: ChunkDone, Usage: &usage}
	return usage, nil
}
