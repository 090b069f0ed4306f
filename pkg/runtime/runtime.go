// Package runtime assembles a running orchestrator from configuration:
// storage, state, transport, the agent registry, the LLM gateway, the
// plan-and-execute engine, the WebSocket control plane and the A2A server,
// with observability threaded through every seam.
package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/config"
	"github.com/tapestry-ai/tapestry/pkg/engine"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/logger"
	"github.com/tapestry-ai/tapestry/pkg/memory"
	"github.com/tapestry-ai/tapestry/pkg/observability"
	"github.com/tapestry-ai/tapestry/pkg/registry"
	"github.com/tapestry-ai/tapestry/pkg/state"
	"github.com/tapestry-ai/tapestry/pkg/store"
	"github.com/tapestry-ai/tapestry/pkg/transport"
	"github.com/tapestry-ai/tapestry/pkg/ws"
)

// ============================================================================
// RUNTIME
// ============================================================================

// Runtime owns every long-lived component of one orchestrator process.
// Construction wires the full graph; Start serves until Stop tears it down
// in reverse dependency order.
type Runtime struct {
	config   *config.Config
	version  string
	log      *slog.Logger
	obs      *observability.Manager
	store    *store.SQLStore
	threads  *state.Manager
	pool     *transport.Pool
	breakers *transport.BreakerGroup
	client   *a2a.Client
	registry *registry.Registry
	gateway  llm.Gateway
	engine   *engine.Engine
	hub      *ws.Hub
	server   *a2a.Server

	bg       sync.WaitGroup
	stopBg   context.CancelFunc
	stopOnce sync.Once
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithVersion stamps the build version on the agent card, trace resources
// and the health endpoint.
func WithVersion(version string) Option {
	return func(r *Runtime) {
		if version != "" {
			r.version = version
		}
	}
}

// New builds the component graph from a validated configuration. Seed
// agents that fail to register are logged and skipped; everything else is
// fatal. The context bounds startup work such as discovery probes.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}

	r := &Runtime{config: cfg, version: "dev"}
	for _, opt := range opts {
		opt(r)
	}

	ok := false
	defer func() {
		if !ok {
			r.teardown(context.Background())
		}
	}()

	r.obs = observability.NewManager(cfg.Observability)
	if err := r.obs.Initialize(ctx, r.version); err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	metrics := r.obs.Metrics()

	// Tee the process logger into the event log so every component's
	// records land in both sinks.
	if events := r.obs.Events(); events != nil {
		base := slog.Default()
		slog.SetDefault(slog.New(logger.Fanout(base.Handler(), events.Handler())))
	}
	r.log = slog.Default().With("component", "runtime")

	st, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	r.store = st
	r.threads = state.NewManager(st, cfg.Engine.UserID)

	r.pool = transport.NewPool(cfg.Transport.PoolConfig())
	breakerCfg := cfg.Transport.BreakerConfig()
	breakerCfg.OnStateChange = func(endpoint string, from, to transport.CircuitState) {
		slog.Default().Warn("circuit breaker state change",
			"component", "transport", "endpoint", endpoint,
			"from", from.String(), "to", to.String())
		metrics.RecordBreakerTransition(endpoint, from.String(), to.String())
	}
	r.breakers = transport.NewBreakerGroup(breakerCfg)
	r.client = a2a.NewClient(r.pool, r.breakers)

	if err := r.buildRegistry(ctx); err != nil {
		return nil, err
	}

	gateway, err := llm.New(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm gateway: %w", err)
	}
	r.gateway = observability.InstrumentGateway(gateway, metrics)

	var dispatcher engine.TaskDispatcher = r.client
	if metrics != nil {
		dispatcher = observability.InstrumentDispatcher(r.client, metrics)
	}

	engOpts := []engine.Option{
		engine.WithVersion(r.version),
		engine.WithApprovalRequired(cfg.Engine.RequireApproval),
	}
	if cfg.Engine.MemoryEnabled() {
		engOpts = append(engOpts, engine.WithExtractor(memory.NewExtractor(r.gateway)))
	}
	if metrics != nil {
		engOpts = append(engOpts, engine.WithRunMetrics(metrics))
	}
	r.engine = engine.New(r.gateway, r.registry, dispatcher, r.threads, engOpts...)

	r.hub = ws.NewHub(r.engine)
	r.engine.SetNotifier(r.hub)

	r.server = a2a.NewServer(cfg.Server, r.engine, a2a.WithControlHandler(r.hub))
	router := r.server.Router()
	router.Get("/health", r.handleHealth)
	if path, handler := r.obs.MetricsHandler(); handler != nil {
		router.Handle(path, handler)
	}

	ok = true
	return r, nil
}

// OpenStore opens the configured storage backend. The sqlite path is
// created on first use; postgres and mysql connect lazily, so schema
// preparation in NewSQLStore is the first real round trip. Exported for
// CLI commands that read thread state without building a full runtime.
func OpenStore(cfg config.StoreConfig) (*store.SQLStore, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return store.OpenSQLite(cfg.Path)
	case "postgres", "mysql":
		db, err := sql.Open(cfg.Driver, cfg.DSN)
		if err != nil {
			return nil, err
		}
		return store.NewSQLStore(db, cfg.Driver)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// buildRegistry loads persisted agents, registers configured seeds and
// probes any discovery endpoints. Individual seed failures are survivable;
// the orchestrator can still serve threads and accept agents later.
func (r *Runtime) buildRegistry(ctx context.Context) error {
	var regOpts []registry.Option
	if r.config.Registry.PersistPath != "" {
		regOpts = append(regOpts, registry.WithPersistPath(r.config.Registry.PersistPath))
	}
	r.registry = registry.New(r.client, regOpts...)

	if err := r.registry.Load(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}

	var failures []string
	for _, seed := range r.config.Agents {
		if err := r.registry.Register(seed.Name, seed.Endpoint, nil); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", seed.Name, err))
			r.log.Warn("seed agent registration failed", "agent", seed.Name, "error", err)
		}
	}
	if len(failures) > 0 {
		r.log.Warn("some seed agents were skipped", "failed", len(failures), "total", len(r.config.Agents))
	}

	if endpoints := r.config.Registry.Discover; len(endpoints) > 0 {
		n, err := r.registry.Discover(ctx, endpoints)
		if err != nil {
			r.log.Warn("agent discovery incomplete", "discovered", n, "error", err)
		} else {
			r.log.Info("agent discovery finished", "discovered", n)
		}
	}

	if r.registry.Stats().Total == 0 {
		r.log.Warn("no agents registered at startup, plans will have nowhere to dispatch")
	}
	return nil
}

// Start runs the control-plane pump, the periodic health sweep and the
// HTTP server. It blocks until Stop is called or the listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	r.stopBg = cancel

	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		r.hub.Run(bgCtx)
	}()

	if interval := r.config.Registry.HealthInterval; interval > 0 {
		r.bg.Add(1)
		go r.healthLoop(bgCtx, interval)
	}

	r.log.Info("orchestrator started",
		"addr", r.server.Addr(), "version", r.version,
		"agents", r.registry.Stats().Total)

	err := r.server.Start()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// healthLoop sweeps every registered agent on a fixed interval. Each sweep
// is bounded by the interval so a hung endpoint cannot stack probes.
func (r *Runtime) healthLoop(ctx context.Context, interval time.Duration) {
	defer r.bg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, interval)
			statuses, err := r.registry.HealthCheckAll(sweepCtx)
			cancel()
			if err != nil {
				r.log.Warn("health sweep failed", "error", err)
				continue
			}
			unhealthy := 0
			for _, status := range statuses {
				if status != registry.StatusOnline {
					unhealthy++
				}
			}
			if unhealthy > 0 {
				r.log.Warn("health sweep found unhealthy agents", "unhealthy", unhealthy, "total", len(statuses))
			} else {
				r.log.Debug("health sweep clean", "total", len(statuses))
			}
		}
	}
}

// Stop drains the HTTP server, stops background work and releases every
// component in reverse dependency order. Safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	var errs []error
	r.stopOnce.Do(func() {
		if r.server != nil {
			if err := r.server.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("server: %w", err))
			}
		}
		if r.stopBg != nil {
			r.stopBg()
		}
		r.bg.Wait()
		errs = append(errs, r.teardown(ctx)...)
	})
	return errors.Join(errs...)
}

// teardown closes components built so far. Engine first so background
// extraction finishes before the store goes away, observability late so
// final measurements still flush.
func (r *Runtime) teardown(ctx context.Context) []error {
	var errs []error
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			errs = append(errs, fmt.Errorf("engine: %w", err))
		}
	}
	if r.pool != nil {
		r.pool.Close()
	}
	if r.obs != nil {
		if err := r.obs.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("observability: %w", err))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errs
}

// ApplyConfig applies the subset of configuration that is safe to change
// while running: log level and engine tunables. Listener, storage,
// transport and provider changes need a restart.
func (r *Runtime) ApplyConfig(next *config.Config) error {
	if next == nil {
		return errors.New("configuration is required")
	}

	level, _ := logger.ParseLevel(next.Logger.Level)
	logger.SetLevel(level)
	r.engine.SetApprovalRequired(next.Engine.RequireApproval)

	if next.Server != r.config.Server {
		r.log.Warn("server configuration changed, restart to apply")
	}
	if next.Store != r.config.Store {
		r.log.Warn("store configuration changed, restart to apply")
	}

	r.log.Info("configuration applied",
		"log_level", next.Logger.Level,
		"require_approval", next.Engine.RequireApproval)
	return nil
}

// handleHealth reports liveness plus a registry summary.
// GET /health
func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": r.version,
		"agents":  r.registry.Stats(),
	})
}

// ============================================================================
// ACCESSORS
// ============================================================================

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config {
	return r.config
}

// Registry returns the agent registry.
func (r *Runtime) Registry() *registry.Registry {
	return r.registry
}

// Engine returns the plan-and-execute engine.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Server returns the A2A server, exposed so callers can reach the router.
func (r *Runtime) Server() *a2a.Server {
	return r.server
}

// Addr returns the server bind address.
func (r *Runtime) Addr() string {
	return r.server.Addr()
}
