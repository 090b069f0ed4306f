package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tapestry-ai/tapestry/pkg/transport"
)

// ============================================================================
// A2A CLIENT
// Dispatches tasks to remote agents through the shared pool and breakers.
// ============================================================================

const (
	defaultCardCacheSize = 128
	defaultCardCacheTTL  = 5 * time.Minute

	// streamBufferSize bounds undelivered events per stream.
	streamBufferSize = 10
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithCardCache overrides the agent-card cache size and TTL.
func WithCardCache(size int, ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.cards = expirable.NewLRU[string, *AgentCard](size, nil, ttl)
	}
}

// WithClientLogger overrides the client logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// Client calls remote agents over the A2A wire protocol. Every call is
// admitted by the endpoint's circuit breaker and leases a pooled HTTP
// client; transport.ErrCircuitOpen and transport.ErrTransportUnavailable
// surface verbatim.
type Client struct {
	pool     *transport.Pool
	breakers *transport.BreakerGroup
	cards    *expirable.LRU[string, *AgentCard]
	logger   *slog.Logger
}

// NewClient creates a client over the shared pool and breaker group.
func NewClient(pool *transport.Pool, breakers *transport.BreakerGroup, opts ...ClientOption) *Client {
	c := &Client{
		pool:     pool,
		breakers: breakers,
		cards:    expirable.NewLRU[string, *AgentCard](defaultCardCacheSize, nil, defaultCardCacheTTL),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetAgentCard returns the endpoint's card, served from cache when fresh.
func (c *Client) GetAgentCard(ctx context.Context, endpoint string) (*AgentCard, error) {
	if card, ok := c.cards.Get(endpoint); ok {
		return card, nil
	}
	return c.FetchAgentCard(ctx, endpoint)
}

// FetchAgentCard always fetches the card over the network and refreshes the
// cache. Health probes use this so stale cache entries never mask a dead
// agent.
func (c *Client) FetchAgentCard(ctx context.Context, endpoint string) (*AgentCard, error) {
	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	lease, err := c.pool.Acquire(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, joinURL(endpoint, PathAgentCard), nil)
	if err != nil {
		return nil, fmt.Errorf("build agent card request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := lease.Client.Do(req)
	if err != nil {
		breaker.Mark(err)
		return nil, newCallError("get_agent_card", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		callErr := statusError("get_agent_card", endpoint, resp.StatusCode)
		breaker.Mark(callErr)
		return nil, callErr
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		callErr := &A2AError{
			Kind:      ErrKindProtocol,
			Endpoint:  endpoint,
			Operation: "get_agent_card",
			Message:   "malformed agent card",
			Err:       err,
		}
		breaker.Mark(callErr)
		return nil, callErr
	}
	if card.Name == "" {
		callErr := &A2AError{
			Kind:      ErrKindProtocol,
			Endpoint:  endpoint,
			Operation: "get_agent_card",
			Message:   "agent card has no name",
		}
		breaker.Mark(callErr)
		return nil, callErr
	}

	breaker.Mark(nil)
	c.cards.Add(endpoint, &card)
	return &card, nil
}

// InvalidateCard drops a cached card, forcing the next lookup to refetch.
func (c *Client) InvalidateCard(endpoint string) {
	c.cards.Remove(endpoint)
}

// ============================================================================
// TRACING
// Spans attach to the global tracer provider; the runtime installs the
// real exporter, tests and library use get the no-op default.
// ============================================================================

const tracerName = "tapestry/a2a"

func startCallSpan(ctx context.Context, operation, endpoint, taskID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, operation,
		trace.WithAttributes(
			attribute.String("a2a.endpoint", endpoint),
			attribute.String("a2a.task_id", taskID),
		),
	)
}

func endCallSpan(span trace.Span, status string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return
	}
	if status != "" {
		span.SetAttributes(attribute.String("a2a.status", status))
	}
	span.SetStatus(codes.Ok, "")
	span.End()
}

// ProcessTask sends the task via JSON-RPC and returns the decoded result.
// A JSON-RPC error object becomes an *A2AError with ErrKindRemote; a result
// with status "failed" is returned as-is for the caller to interpret.
func (c *Client) ProcessTask(ctx context.Context, endpoint string, task *Task) (result *TaskResult, err error) {
	ctx, span := startCallSpan(ctx, "a2a.process_task", endpoint, task.ID)
	defer func() {
		status := ""
		if result != nil {
			status = result.Status
		}
		endCallSpan(span, status, err)
	}()

	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	lease, err := c.pool.Acquire(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	rpcReq, err := NewRequest(MethodProcessTask, ProcessTaskParams{Task: task})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, PathRPC), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build task request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := lease.Client.Do(req)
	if err != nil {
		breaker.Mark(err)
		return nil, newCallError("process_task", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		callErr := statusError("process_task", endpoint, resp.StatusCode)
		breaker.Mark(callErr)
		return nil, callErr
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		callErr := &A2AError{
			Kind:      ErrKindProtocol,
			Endpoint:  endpoint,
			Operation: "process_task",
			Message:   "malformed response envelope",
			Err:       err,
		}
		breaker.Mark(callErr)
		return nil, callErr
	}

	// The endpoint answered; remote task failures do not trip the breaker.
	breaker.Mark(nil)

	if rpcResp.Error != nil {
		return nil, &A2AError{
			Kind:      ErrKindRemote,
			Endpoint:  endpoint,
			Operation: "process_task",
			Code:      rpcResp.Error.Code,
			Message:   rpcResp.Error.Message,
			Err:       rpcResp.Error,
		}
	}

	result, err = rpcResp.TaskResult()
	if err != nil {
		return nil, &A2AError{
			Kind:      ErrKindProtocol,
			Endpoint:  endpoint,
			Operation: "process_task",
			Message:   "malformed task result",
			Err:       err,
		}
	}
	return result, nil
}

// StreamTask runs the task with SSE progress. The returned channel closes
// after a terminal event, on stream end, or when ctx is canceled. The stream
// is finite and non-restartable.
func (c *Client) StreamTask(ctx context.Context, endpoint string, task *Task) (events <-chan StreamEvent, err error) {
	ctx, span := startCallSpan(ctx, "a2a.stream_task", endpoint, task.ID)
	defer func() {
		// On success the span stays open until the stream finishes.
		if err != nil {
			endCallSpan(span, "", err)
		}
	}()

	breaker := c.breakers.Get(endpoint)
	if err := breaker.Allow(); err != nil {
		return nil, err
	}
	lease, err := c.pool.AcquireStream(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	rpcReq, err := NewRequest(MethodProcessTask, ProcessTaskParams{Task: task})
	if err != nil {
		lease.Release()
		return nil, err
	}
	body, err := json.Marshal(rpcReq)
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, joinURL(endpoint, PathStream), bytes.NewReader(body))
	if err != nil {
		lease.Release()
		return nil, fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := lease.Client.Do(req)
	if err != nil {
		lease.Release()
		breaker.Mark(err)
		return nil, newCallError("stream_task", endpoint, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		lease.Release()
		callErr := statusError("stream_task", endpoint, resp.StatusCode)
		breaker.Mark(callErr)
		return nil, callErr
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		lease.Release()
		callErr := &A2AError{
			Kind:      ErrKindProtocol,
			Endpoint:  endpoint,
			Operation: "stream_task",
			Message:   fmt.Sprintf("unexpected content type %q", ct),
		}
		breaker.Mark(callErr)
		return nil, callErr
	}

	breaker.Mark(nil)

	out := make(chan StreamEvent, streamBufferSize)
	go c.readStream(ctx, endpoint, resp.Body, lease, span, out)
	return out, nil
}

// readStream parses "data: {json}" lines until a terminal event, EOF, or
// cancellation. Blank lines delimit events; unknown fields are skipped.
// The dispatch span ends here, with the terminal event as its status.
func (c *Client) readStream(ctx context.Context, endpoint string, body io.ReadCloser, lease *transport.Lease, span trace.Span, events chan<- StreamEvent) {
	defer close(events)
	defer lease.Release()
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}

		var event StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			c.logger.Warn("Dropping malformed stream event", "endpoint", endpoint, "error", err)
			continue
		}

		select {
		case events <- event:
		case <-ctx.Done():
			endCallSpan(span, "", ctx.Err())
			return
		}

		if event.Terminal() {
			endCallSpan(span, event.Event, nil)
			return
		}
	}

	err := scanner.Err()
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("Stream read error", "endpoint", endpoint, "error", err)
	}
	endCallSpan(span, "", err)
}

func statusError(operation, endpoint string, status int) *A2AError {
	kind := ErrKindTransport
	if status >= 400 && status < 500 {
		kind = ErrKindProtocol
	}
	return &A2AError{
		Kind:      kind,
		Endpoint:  endpoint,
		Operation: operation,
		Message:   fmt.Sprintf("unexpected status %d", status),
	}
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}
