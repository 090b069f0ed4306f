// Package llm is the unified gateway to chat-completion providers. Engine
// components invoke models through the Gateway interface; provider adapters
// translate the canonical history.Message thread into each wire format and
// normalize results back into a Completion.
package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestry-ai/tapestry/pkg/history"
)

// Supported provider identifiers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGemini    = "gemini"
)

// Generation defaults. Temperature runs low because gateway output feeds
// plan parsing and state mutations, not creative writing.
const (
	DefaultTemperature    = 0.3
	DefaultMaxTokens      = 4096
	DefaultTimeout        = 120 * time.Second
	DefaultRecursionLimit = 15
	DefaultMaxRetries     = 3
)

// Deterministic sampling parameters, used for extraction and summarization
// where reproducibility matters more than variety.
const (
	deterministicTemperature = 0.0
	deterministicTopP        = 0.1
)

// streamBuffer sizes the chunk channel so slow consumers do not stall
// the SSE read loop on every token.
const streamBuffer = 64

// Config describes one provider-backed gateway.
type Config struct {
	// Provider selects the adapter: openai, anthropic or gemini.
	Provider string `json:"provider" yaml:"provider"`

	// Model is the provider model identifier.
	Model string `json:"model" yaml:"model"`

	// APIKey authenticates against the provider.
	APIKey string `json:"api_key" yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, local gateways).
	BaseURL string `json:"base_url,omitempty" yaml:"base_url"`

	// Temperature is the sampling temperature; nil means DefaultTemperature.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature"`

	// TopP is nucleus sampling; nil leaves the provider default.
	TopP *float64 `json:"top_p,omitempty" yaml:"top_p"`

	// MaxTokens caps the response length.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens"`

	// Timeout bounds a single request including retries' individual tries.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout"`

	// RecursionLimit bounds tool-use iterations per engine turn. The
	// gateway carries the value; the engine enforces it.
	RecursionLimit int `json:"recursion_limit,omitempty" yaml:"recursion_limit"`

	// MaxRetries bounds HTTP retries on rate limits and server errors.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries"`
}

func (c Config) withDefaults() Config {
	if c.Temperature == nil {
		t := DefaultTemperature
		c.Temperature = &t
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RecursionLimit <= 0 {
		c.RecursionLimit = DefaultRecursionLimit
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	return c
}

// Usage is normalized token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is the assistant turn returned by a provider.
type Completion struct {
	Content   string
	ToolCalls []history.ToolCall
	Usage     Usage
	Model     string
}

// Message converts the completion into a thread message.
func (c *Completion) Message() history.Message {
	return history.Message{
		Role:      history.RoleAssistant,
		Content:   c.Content,
		ToolCalls: c.ToolCalls,
	}
}

// ChunkType discriminates streaming chunks.
type ChunkType string

const (
	ChunkText     ChunkType = "text"
	ChunkToolCall ChunkType = "tool_call"
	ChunkDone     ChunkType = "done"
	ChunkError    ChunkType = "error"
)

// StreamChunk is one streaming delta. ChunkDone carries final usage;
// ChunkError carries the terminal error and closes the stream.
type StreamChunk struct {
	Type     ChunkType
	Text     string
	ToolCall *history.ToolCall
	Usage    *Usage
	Err      error
}

// ToolDefinition declares a callable tool to the model. Parameters is a
// JSON schema, typically produced by SchemaFor.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Gateway is the provider-neutral invocation surface.
type Gateway interface {
	// Invoke runs a synchronous completion.
	Invoke(ctx context.Context, messages []history.Message, opts ...CallOption) (*Completion, error)

	// InvokeStream runs a streaming completion. The channel closes after
	// a ChunkDone or ChunkError.
	InvokeStream(ctx context.Context, messages []history.Message, opts ...CallOption) (<-chan StreamChunk, error)

	// ModelName reports the configured model identifier.
	ModelName() string

	Close() error
}

// callSettings is the per-call resolution of config defaults and options.
type callSettings struct {
	temperature float64
	topP        *float64
	maxTokens   int
	tools       []ToolDefinition
	schemaName  string
	schema      map[string]any
}

// CallOption adjusts a single invocation.
type CallOption func(*callSettings)

// WithTemperature overrides the sampling temperature for this call.
func WithTemperature(t float64) CallOption {
	return func(s *callSettings) { s.temperature = t }
}

// WithTopP overrides nucleus sampling for this call.
func WithTopP(p float64) CallOption {
	return func(s *callSettings) { s.topP = &p }
}

// WithMaxTokens overrides the response cap for this call.
func WithMaxTokens(n int) CallOption {
	return func(s *callSettings) {
		if n > 0 {
			s.maxTokens = n
		}
	}
}

// WithTools declares the tools the model may call.
func WithTools(tools ...ToolDefinition) CallOption {
	return func(s *callSettings) { s.tools = append(s.tools, tools...) }
}

// WithResponseSchema forces structured JSON output matching schema.
func WithResponseSchema(name string, schema map[string]any) CallOption {
	return func(s *callSettings) {
		s.schemaName = name
		s.schema = schema
	}
}

// Deterministic pins sampling for reproducible extraction and
// summarization output.
func Deterministic() CallOption {
	return func(s *callSettings) {
		s.temperature = deterministicTemperature
		p := deterministicTopP
		s.topP = &p
	}
}

// resolve folds config defaults and per-call options into settings.
func resolve(cfg Config, opts []CallOption) callSettings {
	s := callSettings{
		temperature: *cfg.Temperature,
		topP:        cfg.TopP,
		maxTokens:   cfg.MaxTokens,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// ============================================================================
// TRACING
// Spans attach to the global tracer provider; the runtime installs the
// real exporter, tests and library use get the no-op default.
// ============================================================================

const tracerName = "tapestry/llm"

func startSpan(ctx context.Context, provider, model string, streaming bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "llm.invoke",
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Bool("llm.streaming", streaming),
		),
	)
}

func endSpan(span trace.Span, usage Usage, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	span.SetAttributes(
		attribute.Int("llm.tokens.input", usage.PromptTokens),
		attribute.Int("llm.tokens.output", usage.CompletionTokens),
	)
	span.SetStatus(codes.Ok, "")
	span.End()
}

// truncateBody keeps provider error bodies loggable.
func truncateBody(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return fmt.Sprintf("%s... (%d bytes)", b[:n], len(b))
}
