package llm

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/tapestry-ai/tapestry/pkg/history"
)

// Gemini talks to the Google GenAI API through the official SDK.
type Gemini struct {
	cfg    Config
	client *genai.Client
}

var _ Gateway = (*Gemini)(nil)

// NewGemini builds the Gemini adapter.
func NewGemini(cfg Config) (*Gemini, error) {
	cfg = cfg.withDefaults()
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key is required")
	}
	if cfg.Model == "" {
		return nil, errors.New("gemini: model is required")
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	return &Gemini{cfg: cfg, client: client}, nil
}

// ==== Gateway implementation ====

// Invoke sends a generate request and collects text and function calls.
func (p *Gemini) Invoke(ctx context.Context, messages []history.Message, opts ...CallOption) (*Completion, error) {
	s := resolve(p.cfg, opts)
	ctx, span := startSpan(ctx, ProviderGemini, p.cfg.Model, false)

	contents, system := toGenaiContents(messages)
	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, p.buildConfig(s, system))
	if err != nil {
		endSpan(span, Usage{}, err)
		return nil, fmt.Errorf("gemini: %w", err)
	}

	completion, err := parseGenaiResponse(resp)
	if err != nil {
		endSpan(span, Usage{}, err)
		return nil, err
	}
	completion.Model = p.cfg.Model
	endSpan(span, completion.Usage, nil)
	return completion, nil
}

// InvokeStream sends a streaming generate request. Gemini delivers whole
// function calls per chunk rather than argument deltas, and may repeat a
// call across chunks, so calls are deduplicated by ID before emission.
func (p *Gemini) InvokeStream(ctx context.Context, messages []history.Message, opts ...CallOption) (<-chan StreamChunk, error) {
	s := resolve(p.cfg, opts)
	ctx, span := startSpan(ctx, ProviderGemini, p.cfg.Model, true)

	contents, system := toGenaiContents(messages)
	config := p.buildConfig(s, system)

	out := make(chan StreamChunk, streamBuffer)
	go func() {
		defer close(out)
		usage, err := p.stream(ctx, contents, config, out)
		endSpan(span, usage, err)
		if err != nil {
			out <- StreamChunk{Type: ChunkError, Err: err}
		}
	}()
	return out, nil
}

// ModelName reports the configured model identifier.
func (p *Gemini) ModelName() string { return p.cfg.Model }

// Close releases no resources; the SDK client has no shutdown.
func (p *Gemini) Close() error { return nil }

func (p *Gemini) stream(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, out chan<- StreamChunk) (Usage, error) {
	var usage Usage
	emitted := make(map[string]bool)

	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, config) {
		if err != nil {
			return usage, fmt.Errorf("gemini: %w", err)
		}
		if resp.UsageMetadata != nil {
			usage = Usage{
				PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
				CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
				TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
			}
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part == nil {
				continue
			}
			if part.Text != "" && !part.Thought {
				out <- StreamChunk{Type: ChunkText, Text: part.Text}
			}
			if part.FunctionCall != nil {
				id := callID(part.FunctionCall)
				if emitted[id] {
					continue
				}
				emitted[id] = true
				out <- StreamChunk{Type: ChunkToolCall, ToolCall: &history.ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}}
			}
		}
	}

	out <- StreamChunk{Type: ChunkDone, Usage: &usage}
	return usage, nil
}

func (p *Gemini) buildConfig(s callSettings, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Temperature:       genai.Ptr(float32(s.temperature)),
	}
	if s.topP != nil {
		config.TopP = genai.Ptr(float32(*s.topP))
	}
	if s.maxTokens > 0 {
		config.MaxOutputTokens = int32(s.maxTokens)
	}

	for _, t := range s.tools {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGenaiSchema(t.Parameters),
			}},
		})
	}

	if s.schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = toGenaiSchema(s.schema)
	}
	return config
}

// toGenaiContents converts messages to genai contents. System text moves
// to the system instruction; tool responses become function response
// parts in a user turn.
func toGenaiContents(messages []history.Message) ([]*genai.Content, *genai.Content) {
	var systemParts []string
	contents := make([]*genai.Content, 0, len(messages))

	for _, m := range messages {
		switch {
		case m.Role == history.RoleSystem:
			if m.Content != "" {
				systemParts = append(systemParts, m.Content)
			}

		case m.IsToolResponse():
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{FunctionResponse: &genai.FunctionResponse{
					ID:       m.ToolCallID,
					Name:     m.Name,
					Response: map[string]any{"result": m.Content},
				}}},
			})

		case m.Role == history.RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   tc.ID,
					Name: tc.Name,
					Args: tc.Args,
				}})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}}}
	}
	return contents, system
}

func parseGenaiResponse(resp *genai.GenerateContentResponse) (*Completion, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("gemini: empty response")
	}

	var text strings.Builder
	var calls []history.ToolCall
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if part.FunctionCall != nil {
			calls = append(calls, history.ToolCall{
				ID:   callID(part.FunctionCall),
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}

	out := &Completion{Content: text.String(), ToolCalls: calls}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return out, nil
}

// callID falls back to a stable hash of name and arguments because
// Gemini frequently omits function call IDs, and tool results must
// reference one. Same call, same ID, even across repeated chunks.
func callID(fc *genai.FunctionCall) string {
	if fc.ID != "" {
		return fc.ID
	}
	payload, _ := json.Marshal(map[string]any{"name": fc.Name, "args": fc.Args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call_%x", sum[:8])
}

// toGenaiSchema converts a JSON schema map to the SDK schema type. Only
// the subset the planner and tools use is mapped.
func toGenaiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]any); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]any); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}
