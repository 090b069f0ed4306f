package observability

import (
	"context"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// ============================================================================
// INSTRUMENTATION DECORATORS
// ============================================================================

// InstrumentGateway wraps an LLM gateway so every completion records
// duration, token usage and estimated cost. With nil metrics the gateway is
// returned unwrapped.
func InstrumentGateway(gateway llm.Gateway, metrics *Metrics) llm.Gateway {
	if metrics == nil {
		return gateway
	}
	return &instrumentedGateway{Gateway: gateway, metrics: metrics}
}

type instrumentedGateway struct {
	llm.Gateway
	metrics *Metrics
}

func (g *instrumentedGateway) Invoke(ctx context.Context, messages []history.Message, opts ...llm.CallOption) (*llm.Completion, error) {
	start := time.Now()
	completion, err := g.Gateway.Invoke(ctx, messages, opts...)

	model := g.ModelName()
	var usage llm.Usage
	if completion != nil {
		usage = completion.Usage
		if completion.Model != "" {
			model = completion.Model
		}
	}
	g.metrics.RecordLLMRequest(ctx, model, time.Since(start), usage.PromptTokens, usage.CompletionTokens, err)
	return completion, err
}

func (g *instrumentedGateway) InvokeStream(ctx context.Context, messages []history.Message, opts ...llm.CallOption) (<-chan llm.StreamChunk, error) {
	start := time.Now()
	inner, err := g.Gateway.InvokeStream(ctx, messages, opts...)
	if err != nil {
		g.metrics.RecordLLMRequest(ctx, g.ModelName(), time.Since(start), 0, 0, err)
		return nil, err
	}

	out := make(chan llm.StreamChunk)
	go func() {
		defer close(out)
		var usage llm.Usage
		var streamErr error
		for chunk := range inner {
			switch chunk.Type {
			case llm.ChunkDone:
				if chunk.Usage != nil {
					usage = *chunk.Usage
				}
			case llm.ChunkError:
				streamErr = chunk.Err
			}
			out <- chunk
		}
		g.metrics.RecordLLMRequest(ctx, g.ModelName(), time.Since(start), usage.PromptTokens, usage.CompletionTokens, streamErr)
	}()
	return out, nil
}

// TaskDispatcher matches the engine's dispatch surface so the decorator can
// wrap an A2A client without depending on the engine package.
type TaskDispatcher interface {
	ProcessTask(ctx context.Context, endpoint string, task *a2a.Task) (*a2a.TaskResult, error)
}

// InstrumentDispatcher wraps an A2A dispatcher so every remote task records
// per-endpoint latency and outcome. With nil metrics the dispatcher is
// returned unwrapped.
func InstrumentDispatcher(dispatcher TaskDispatcher, metrics *Metrics) TaskDispatcher {
	if metrics == nil {
		return dispatcher
	}
	return &instrumentedDispatcher{next: dispatcher, metrics: metrics}
}

type instrumentedDispatcher struct {
	next    TaskDispatcher
	metrics *Metrics
}

func (d *instrumentedDispatcher) ProcessTask(ctx context.Context, endpoint string, task *a2a.Task) (*a2a.TaskResult, error) {
	start := time.Now()
	result, err := d.next.ProcessTask(ctx, endpoint, task)

	status := a2a.StatusCompleted
	switch {
	case err != nil:
		status = "error"
	case result != nil && result.Status != "":
		status = result.Status
	}
	d.metrics.RecordAgentCall(ctx, endpoint, status, time.Since(start), err)
	return result, err
}
