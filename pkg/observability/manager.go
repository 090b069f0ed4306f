package observability

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

// ============================================================================
// MANAGER
// ============================================================================

// Manager owns the lifecycle of the tracing, metrics and event log
// subsystems. The zero-config Manager initializes everything disabled, which
// keeps tests and minimal deployments free of setup.
type Manager struct {
	config Config

	mu            sync.RWMutex
	metrics       *Metrics
	events        *EventLog
	tracerCleanup func(context.Context) error
	initialized   bool
}

// NewManager builds an uninitialized manager over the given configuration.
func NewManager(cfg Config) *Manager {
	return &Manager{config: cfg}
}

// Initialize starts every enabled subsystem. The version string is stamped
// on exported trace resources.
func (m *Manager) Initialize(ctx context.Context, version string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return errors.New("observability already initialized")
	}

	cleanup, err := InitTracer(ctx, m.config.Tracing, WithServiceVersion(version))
	if err != nil {
		return err
	}
	m.tracerCleanup = cleanup

	metrics, err := InitMetrics(m.config.Metrics, NewCostTable(m.config.Costs))
	if err != nil {
		return err
	}
	m.metrics = metrics

	events, err := NewEventLog(m.config.Events)
	if err != nil {
		return err
	}
	m.events = events

	m.initialized = true
	return nil
}

// Metrics returns the metrics recorder. Nil when metrics are disabled,
// which every recorder method tolerates.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Events returns the event log, or nil when event logs are disabled.
func (m *Manager) Events() *EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.events
}

// MetricsHandler returns the Prometheus handler and the path to mount it
// on. The handler is nil when metrics are disabled.
func (m *Manager) MetricsHandler() (string, http.Handler) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Metrics.Path, m.metrics.Handler()
}

// Shutdown flushes spans and metrics and closes event log files.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	if m.tracerCleanup != nil {
		errs = append(errs, m.tracerCleanup(ctx))
		m.tracerCleanup = nil
	}
	if m.metrics != nil {
		errs = append(errs, m.metrics.Shutdown(ctx))
		m.metrics = nil
	}
	if m.events != nil {
		errs = append(errs, m.events.Close())
		m.events = nil
	}
	m.initialized = false
	return errors.Join(errs...)
}
