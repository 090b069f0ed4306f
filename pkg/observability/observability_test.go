package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/history"
	"github.com/tapestry-ai/tapestry/pkg/llm"
)

// ----------------------------------------------------------------------------
// Fakes
// ----------------------------------------------------------------------------

type stubGateway struct {
	completion *llm.Completion
	chunks     []llm.StreamChunk
	err        error
}

func (g *stubGateway) Invoke(_ context.Context, _ []history.Message, _ ...llm.CallOption) (*llm.Completion, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.completion, nil
}

func (g *stubGateway) InvokeStream(_ context.Context, _ []history.Message, _ ...llm.CallOption) (<-chan llm.StreamChunk, error) {
	if g.err != nil {
		return nil, g.err
	}
	ch := make(chan llm.StreamChunk, len(g.chunks))
	for _, chunk := range g.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func (g *stubGateway) ModelName() string { return "test-model" }
func (g *stubGateway) Close() error      { return nil }

type stubDispatcher struct {
	result *a2a.TaskResult
	err    error
}

func (d *stubDispatcher) ProcessTask(_ context.Context, _ string, _ *a2a.Task) (*a2a.TaskResult, error) {
	return d.result, d.err
}

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := InitMetrics(MetricsConfig{Enabled: true, Path: "/metrics"}, NewCostTable(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func newTestEventLog(t *testing.T, maxBytes int64, backups int) *EventLog {
	t.Helper()
	l := &EventLog{
		dir:        t.TempDir(),
		maxBytes:   maxBytes,
		maxBackups: backups,
		minLevel:   slog.LevelInfo,
		now:        time.Now,
		files:      make(map[string]*eventFile),
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func readEvents(t *testing.T, path string) []Event {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var events []Event
	for _, line := range bytes.Split(bytes.TrimSpace(raw), []byte("\n")) {
		var e Event
		require.NoError(t, json.Unmarshal(line, &e))
		events = append(events, e)
	}
	return events
}

// ----------------------------------------------------------------------------
// Config
// ----------------------------------------------------------------------------

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	cfg.SetDefaults()

	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, DefaultOTLPEndpoint, cfg.Tracing.Endpoint)
	assert.Equal(t, DefaultSamplingRate, cfg.Tracing.SamplingRate)
	assert.Equal(t, DefaultServiceName, cfg.Tracing.ServiceName)
	assert.True(t, cfg.Tracing.IsInsecure())
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)
	assert.Equal(t, DefaultEventsDir, cfg.Events.Dir)
	assert.Equal(t, DefaultEventsMaxSizeMB, cfg.Events.MaxSizeMB)
	assert.Equal(t, DefaultEventsMaxBackups, cfg.Events.MaxBackups)
	assert.Equal(t, "info", cfg.Events.Level)

	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "sampling rate out of range",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SamplingRate = 1.5 },
			wantErr: "sampling_rate",
		},
		{
			name:    "unknown exporter",
			mutate:  func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" },
			wantErr: "invalid exporter",
		},
		{
			name:    "negative model price",
			mutate:  func(c *Config) { c.Costs = map[string]ModelCost{"gpt-4o": {InputPer1K: -1}} },
			wantErr: "negative price",
		},
		{
			name:    "bad events level",
			mutate:  func(c *Config) { c.Events.Enabled = true; c.Events.Level = "loud" },
			wantErr: "invalid level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{}
			cfg.SetDefaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// ----------------------------------------------------------------------------
// Cost table
// ----------------------------------------------------------------------------

func TestCostTableLookup(t *testing.T) {
	table := NewCostTable(nil)

	exact, ok := table.Lookup("gpt-4o")
	require.True(t, ok)
	assert.InDelta(t, 0.0025, exact.InputPer1K, 1e-9)

	// Longest prefix wins: a dated snapshot of a mini model must not match
	// the shorter base family.
	mini, ok := table.Lookup("gpt-4o-mini-2024-07-18")
	require.True(t, ok)
	assert.InDelta(t, 0.00015, mini.InputPer1K, 1e-9)

	_, ok = table.Lookup("some-local-model")
	assert.False(t, ok)
}

func TestCostTableOverrides(t *testing.T) {
	table := NewCostTable(map[string]ModelCost{
		"GPT-4o":      {InputPer1K: 0.001, OutputPer1K: 0.002},
		"llama-3-70b": {InputPer1K: 0.0006, OutputPer1K: 0.0006},
	})

	overridden, ok := table.Lookup("gpt-4o-2024-08-06")
	require.True(t, ok)
	assert.InDelta(t, 0.001, overridden.InputPer1K, 1e-9)

	added, ok := table.Lookup("llama-3-70b-instruct")
	require.True(t, ok)
	assert.InDelta(t, 0.0006, added.OutputPer1K, 1e-9)
}

func TestCostComputation(t *testing.T) {
	table := NewCostTable(nil)

	// 1000 prompt tokens at $0.0025/1K plus 500 completion at $0.01/1K.
	assert.InDelta(t, 0.0075, table.Cost("gpt-4o", 1000, 500), 1e-9)
	assert.Zero(t, table.Cost("some-local-model", 1000, 500))

	var nilTable *CostTable
	assert.Zero(t, nilTable.Cost("gpt-4o", 1000, 500))
}

// ----------------------------------------------------------------------------
// Event logs
// ----------------------------------------------------------------------------

func TestEventLogWritesJSONL(t *testing.T) {
	l := newTestEventLog(t, 1024*1024, 2)

	require.NoError(t, l.Log("engine", "plan_created", slog.LevelInfo, map[string]any{"plan_id": "p1", "tasks": 3}))
	require.NoError(t, l.Log("engine", "plan_completed", slog.LevelInfo, nil))
	require.NoError(t, l.Log("transport", "breaker_open", slog.LevelWarn, map[string]any{"endpoint": "http://crm:8000"}))

	engineEvents := readEvents(t, filepath.Join(l.dir, "engine.log"))
	require.Len(t, engineEvents, 2)
	assert.Equal(t, "engine", engineEvents[0].Component)
	assert.Equal(t, "plan_created", engineEvents[0].Operation)
	assert.Equal(t, "INFO", engineEvents[0].Level)
	assert.Equal(t, "p1", engineEvents[0].KV["plan_id"])
	assert.False(t, engineEvents[0].TS.IsZero())

	transportEvents := readEvents(t, filepath.Join(l.dir, "transport.log"))
	require.Len(t, transportEvents, 1)
	assert.Equal(t, "WARN", transportEvents[0].Level)
}

func TestEventLogRotation(t *testing.T) {
	l := newTestEventLog(t, 150, 2)

	for i := 0; i < 4; i++ {
		require.NoError(t, l.Log("worker", "tick", slog.LevelInfo, map[string]any{"seq": i}))
	}

	base := filepath.Join(l.dir, "worker.log")
	assert.FileExists(t, base)
	assert.FileExists(t, base+".1")
	assert.FileExists(t, base+".2")
	assert.NoFileExists(t, base+".3")

	// The live file holds only the newest event.
	current := readEvents(t, base)
	require.Len(t, current, 1)
	assert.Equal(t, float64(3), current[0].KV["seq"])
}

func TestEventLogLevelFilter(t *testing.T) {
	l := newTestEventLog(t, 1024, 1)
	l.minLevel = slog.LevelWarn

	require.NoError(t, l.Log("engine", "chatter", slog.LevelInfo, nil))
	assert.NoFileExists(t, filepath.Join(l.dir, "engine.log"))

	require.NoError(t, l.Log("engine", "trouble", slog.LevelError, nil))
	events := readEvents(t, filepath.Join(l.dir, "engine.log"))
	require.Len(t, events, 1)
	assert.Equal(t, "ERROR", events[0].Level)
}

func TestEventLogNilIsSafe(t *testing.T) {
	var l *EventLog
	assert.NoError(t, l.Log("engine", "op", slog.LevelInfo, nil))
	assert.NoError(t, l.Close())
}

func TestEventHandlerRoutesByComponent(t *testing.T) {
	l := newTestEventLog(t, 1024*1024, 1)

	root := slog.New(l.Handler())
	root.With("component", "engine").Info("task_started", "task_id", "task_1")
	root.Info("startup", "component", "runtime", "port", 8080)
	root.Info("untagged")

	engineEvents := readEvents(t, filepath.Join(l.dir, "engine.log"))
	require.Len(t, engineEvents, 1)
	assert.Equal(t, "task_started", engineEvents[0].Operation)
	assert.Equal(t, "task_1", engineEvents[0].KV["task_id"])
	assert.NotContains(t, engineEvents[0].KV, "component")

	runtimeEvents := readEvents(t, filepath.Join(l.dir, "runtime.log"))
	require.Len(t, runtimeEvents, 1)
	assert.Equal(t, float64(8080), runtimeEvents[0].KV["port"])

	coreEvents := readEvents(t, filepath.Join(l.dir, "core.log"))
	require.Len(t, coreEvents, 1)
	assert.Equal(t, "untagged", coreEvents[0].Operation)
}

func TestEventHandlerGroups(t *testing.T) {
	l := newTestEventLog(t, 1024*1024, 1)

	logger := slog.New(l.Handler()).With("component", "server").WithGroup("request")
	logger.Info("handled", "method", "POST", "status", 200)

	events := readEvents(t, filepath.Join(l.dir, "server.log"))
	require.Len(t, events, 1)
	assert.Equal(t, "POST", events[0].KV["request.method"])
	assert.Equal(t, float64(200), events[0].KV["request.status"])
}

func TestSanitizeComponent(t *testing.T) {
	assert.Equal(t, "core", sanitizeComponent(""))
	assert.Equal(t, "core", sanitizeComponent("  "))
	assert.Equal(t, "engine", sanitizeComponent("Engine"))
	assert.Equal(t, "a2a_client", sanitizeComponent("a2a/client"))
	assert.Equal(t, "worker-1", sanitizeComponent("worker-1"))
}

func TestNewEventLogDisabled(t *testing.T) {
	l, err := NewEventLog(EventsConfig{})
	require.NoError(t, err)
	assert.Nil(t, l)
}

// ----------------------------------------------------------------------------
// Metrics
// ----------------------------------------------------------------------------

func TestMetricsDisabled(t *testing.T) {
	m, err := InitMetrics(MetricsConfig{}, NewCostTable(nil))
	require.NoError(t, err)
	require.Nil(t, m)

	// Every method must tolerate the nil recorder.
	m.RecordLLMRequest(context.Background(), "gpt-4o", time.Second, 10, 10, nil)
	m.RecordAgentCall(context.Background(), "http://crm:8000", "completed", time.Second, nil)
	m.RecordBreakerTransition("http://crm:8000", "closed", "open")
	m.RecordMemoryExtraction(context.Background(), 2)
	m.RecordPlanCompletion(context.Background(), "completed", time.Second)
	assert.Nil(t, m.Handler())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestMetricsRecordAndServe(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	m.RecordLLMRequest(ctx, "gpt-4o", 250*time.Millisecond, 1000, 500, nil)
	m.RecordLLMRequest(ctx, "gpt-4o", 100*time.Millisecond, 0, 0, errors.New("overloaded"))
	m.RecordAgentCall(ctx, "http://crm:8000", "completed", 50*time.Millisecond, nil)
	m.RecordAgentCall(ctx, "http://jira:8000", "error", time.Second, errors.New("unreachable"))
	m.RecordBreakerTransition("http://jira:8000", "closed", "open")
	m.RecordMemoryExtraction(ctx, 3)
	m.RecordPlanCompletion(ctx, "completed", 2*time.Second)

	body := scrape(t, m)
	assert.Contains(t, body, "tapestry_llm_request_duration_seconds")
	assert.Contains(t, body, "tapestry_llm_tokens_input_total")
	assert.Contains(t, body, "tapestry_llm_tokens_output_total")
	assert.Contains(t, body, "tapestry_llm_cost_usd_total")
	assert.Contains(t, body, "tapestry_llm_errors_total")
	assert.Contains(t, body, `model="gpt-4o"`)
	assert.Contains(t, body, "tapestry_agent_calls_total")
	assert.Contains(t, body, `endpoint="http://crm:8000"`)
	assert.Contains(t, body, `status="error"`)
	assert.Contains(t, body, "tapestry_agent_errors_total")
	assert.Contains(t, body, "tapestry_breaker_transitions_total")
	assert.Contains(t, body, `from="closed"`)
	assert.Contains(t, body, "tapestry_memory_facts_extracted_total")
	assert.Contains(t, body, "tapestry_plans_completed_total")
	assert.Contains(t, body, "tapestry_plan_duration_seconds")
}

// ----------------------------------------------------------------------------
// Decorators
// ----------------------------------------------------------------------------

func TestInstrumentGatewayPassthroughWithoutMetrics(t *testing.T) {
	gw := &stubGateway{}
	assert.Same(t, llm.Gateway(gw), InstrumentGateway(gw, nil))
}

func TestInstrumentGatewayRecordsInvoke(t *testing.T) {
	m := newTestMetrics(t)
	gw := InstrumentGateway(&stubGateway{
		completion: &llm.Completion{
			Content: "done",
			Model:   "gpt-4o-2024-08-06",
			Usage:   llm.Usage{PromptTokens: 1000, CompletionTokens: 500, TotalTokens: 1500},
		},
	}, m)

	completion, err := gw.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "done", completion.Content)

	body := scrape(t, m)
	assert.Contains(t, body, `model="gpt-4o-2024-08-06"`)
	assert.Contains(t, body, "tapestry_llm_tokens_input_total")
	assert.Contains(t, body, "tapestry_llm_cost_usd_total")
}

func TestInstrumentGatewayRecordsInvokeError(t *testing.T) {
	m := newTestMetrics(t)
	gw := InstrumentGateway(&stubGateway{err: errors.New("overloaded")}, m)

	_, err := gw.Invoke(context.Background(), nil)
	require.Error(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, "tapestry_llm_errors_total")
	assert.Contains(t, body, `model="test-model"`)
}

func TestInstrumentGatewayRecordsStreamUsage(t *testing.T) {
	m := newTestMetrics(t)
	gw := InstrumentGateway(&stubGateway{
		chunks: []llm.StreamChunk{
			{Type: llm.ChunkText, Text: "partial"},
			{Type: llm.ChunkDone, Usage: &llm.Usage{PromptTokens: 20, CompletionTokens: 10}},
		},
	}, m)

	stream, err := gw.InvokeStream(context.Background(), nil)
	require.NoError(t, err)

	var texts []string
	for chunk := range stream {
		if chunk.Type == llm.ChunkText {
			texts = append(texts, chunk.Text)
		}
	}
	assert.Equal(t, []string{"partial"}, texts)

	// The stream channel closes only after the usage was recorded.
	body := scrape(t, m)
	assert.Contains(t, body, "tapestry_llm_tokens_output_total")
}

func TestInstrumentDispatcherRecordsOutcome(t *testing.T) {
	m := newTestMetrics(t)

	ok := InstrumentDispatcher(&stubDispatcher{result: &a2a.TaskResult{Status: a2a.StatusCompleted}}, m)
	_, err := ok.ProcessTask(context.Background(), "http://crm:8000", a2a.NewTask("query accounts"))
	require.NoError(t, err)

	failing := InstrumentDispatcher(&stubDispatcher{err: errors.New("connection refused")}, m)
	_, err = failing.ProcessTask(context.Background(), "http://jira:8000", a2a.NewTask("create ticket"))
	require.Error(t, err)

	body := scrape(t, m)
	assert.Contains(t, body, `endpoint="http://crm:8000"`)
	assert.Contains(t, body, `status="completed"`)
	assert.Contains(t, body, `endpoint="http://jira:8000"`)
	assert.Contains(t, body, `status="error"`)
	assert.Contains(t, body, "tapestry_agent_errors_total")
}

// ----------------------------------------------------------------------------
// Tracing
// ----------------------------------------------------------------------------

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracingConfig{})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	_, span := GetTracer("test").Start(context.Background(), "noop-span")
	span.End()

	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracerStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	cfg := TracingConfig{
		Enabled:      true,
		Exporter:     "stdout",
		SamplingRate: 1.0,
		ServiceName:  "tapestry-test",
	}
	shutdown, err := InitTracer(context.Background(), cfg,
		WithServiceVersion("0.0.1-test"),
		WithStdoutWriter(&buf),
	)
	require.NoError(t, err)

	_, span := GetTracer("test").Start(context.Background(), "orchestrate-request")
	span.End()

	require.NoError(t, shutdown(context.Background()))
	assert.Contains(t, buf.String(), "orchestrate-request")
	assert.Contains(t, buf.String(), "tapestry-test")
}

// ----------------------------------------------------------------------------
// Manager
// ----------------------------------------------------------------------------

func TestManagerLifecycle(t *testing.T) {
	cfg := Config{
		Metrics: MetricsConfig{Enabled: true},
		Events:  EventsConfig{Enabled: true, Dir: t.TempDir()},
	}
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	mgr := NewManager(cfg)
	require.NoError(t, mgr.Initialize(context.Background(), "1.2.3"))
	require.Error(t, mgr.Initialize(context.Background(), "1.2.3"), "double initialization must fail")

	assert.NotNil(t, mgr.Metrics())
	assert.NotNil(t, mgr.Events())

	path, handler := mgr.MetricsHandler()
	assert.Equal(t, DefaultMetricsPath, path)
	assert.NotNil(t, handler)

	require.NoError(t, mgr.Shutdown(context.Background()))
	assert.Nil(t, mgr.Metrics())
	assert.Nil(t, mgr.Events())
}

func TestManagerDisabledSubsystems(t *testing.T) {
	mgr := NewManager(Config{})
	require.NoError(t, mgr.Initialize(context.Background(), "dev"))

	assert.Nil(t, mgr.Metrics())
	assert.Nil(t, mgr.Events())
	_, handler := mgr.MetricsHandler()
	assert.Nil(t, handler)

	require.NoError(t, mgr.Shutdown(context.Background()))
}
