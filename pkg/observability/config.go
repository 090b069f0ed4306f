package observability

import (
	"fmt"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config configures tracing, metrics, event logs and model cost accounting.
type Config struct {
	// Tracing configures OpenTelemetry distributed tracing.
	Tracing TracingConfig `yaml:"tracing,omitempty"`

	// Metrics configures the Prometheus metrics endpoint.
	Metrics MetricsConfig `yaml:"metrics,omitempty"`

	// Events configures per-component operational event logs.
	Events EventsConfig `yaml:"events,omitempty"`

	// Costs maps model name prefixes to per-1K-token prices, used for
	// LLM cost accounting. Merged over the built-in table.
	Costs map[string]ModelCost `yaml:"costs,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled turns on distributed tracing.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Exporter specifies the trace exporter type.
	// Values: "otlp" (default), "stdout"
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector endpoint, e.g. "localhost:4317".
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate controls what fraction of traces are sampled.
	// Range: 0.0 (none) to 1.0 (all)
	// Default: 1.0
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// ServiceName identifies this service in traces.
	// Default: "tapestry"
	ServiceName string `yaml:"service_name,omitempty"`

	// Insecure disables TLS for the exporter connection.
	// Default: true (for local development)
	Insecure *bool `yaml:"insecure,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Enabled turns on metrics collection.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Path is the HTTP path the metrics handler is mounted on.
	// Default: "/metrics"
	Path string `yaml:"path,omitempty"`
}

// EventsConfig configures per-component JSONL event logs.
type EventsConfig struct {
	// Enabled turns on event log files.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Dir is the directory event logs are written to.
	// Default: "logs"
	Dir string `yaml:"dir,omitempty"`

	// MaxSizeMB is the size at which a component's log file rotates.
	// Default: 10
	MaxSizeMB int `yaml:"max_size_mb,omitempty"`

	// MaxBackups is how many rotated files are kept per component.
	// Default: 5
	MaxBackups int `yaml:"max_backups,omitempty"`

	// Level is the minimum record level written to event logs.
	// Values: "debug", "info" (default), "warn", "error"
	Level string `yaml:"level,omitempty"`
}

const (
	// DefaultServiceName identifies this service to trace backends.
	DefaultServiceName = "tapestry"

	// DefaultOTLPEndpoint is the standard local OTLP gRPC collector address.
	DefaultOTLPEndpoint = "localhost:4317"

	// DefaultSamplingRate samples every trace.
	DefaultSamplingRate = 1.0

	// DefaultMetricsPath is where the Prometheus handler is mounted.
	DefaultMetricsPath = "/metrics"

	// DefaultEventsDir holds per-component event logs.
	DefaultEventsDir = "logs"

	// DefaultEventsMaxSizeMB rotates a component log past this size.
	DefaultEventsMaxSizeMB = 10

	// DefaultEventsMaxBackups keeps this many rotated files per component.
	DefaultEventsMaxBackups = 5
)

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
	c.Events.SetDefaults()
}

// Validate checks the Config for errors.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.Events.Validate(); err != nil {
		return fmt.Errorf("events: %w", err)
	}
	for model, cost := range c.Costs {
		if cost.InputPer1K < 0 || cost.OutputPer1K < 0 {
			return fmt.Errorf("costs: negative price for model %q", model)
		}
	}
	return nil
}

// SetDefaults applies default values to TracingConfig.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = DefaultSamplingRate
	}
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.Insecure == nil {
		insecure := true
		c.Insecure = &insecure
	}
}

// Validate checks TracingConfig for errors.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	switch c.Exporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout)", c.Exporter)
	}
	if c.Exporter == "otlp" && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required for the otlp exporter")
	}
	return nil
}

// IsInsecure returns whether the exporter connection skips TLS.
func (c *TracingConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// SetDefaults applies default values to MetricsConfig.
func (c *MetricsConfig) SetDefaults() {
	if c.Path == "" {
		c.Path = DefaultMetricsPath
	}
}

// Validate checks MetricsConfig for errors.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Path == "" {
		return fmt.Errorf("path is required when metrics are enabled")
	}
	return nil
}

// SetDefaults applies default values to EventsConfig.
func (c *EventsConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = DefaultEventsDir
	}
	if c.MaxSizeMB == 0 {
		c.MaxSizeMB = DefaultEventsMaxSizeMB
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = DefaultEventsMaxBackups
	}
	if c.Level == "" {
		c.Level = "info"
	}
}

// Validate checks EventsConfig for errors.
func (c *EventsConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.MaxSizeMB < 1 {
		return fmt.Errorf("max_size_mb must be at least 1, got %d", c.MaxSizeMB)
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("max_backups cannot be negative, got %d", c.MaxBackups)
	}
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", c.Level)
	}
	return nil
}
