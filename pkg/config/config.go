// Package config loads, validates and watches the orchestrator
// configuration. Sources are YAML files or remote stores (consul, etcd,
// zookeeper); values support ${VAR}, ${VAR:-default} and $VAR
// environment expansion before unmarshaling.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
	"github.com/tapestry-ai/tapestry/pkg/llm"
	"github.com/tapestry-ai/tapestry/pkg/observability"
	"github.com/tapestry-ai/tapestry/pkg/transport"
)

// ============================================================================
// ROOT CONFIGURATION
// ============================================================================

// Config is the root configuration for the orchestrator process.
type Config struct {
	// Server configures the A2A HTTP listener.
	Server a2a.ServerConfig `yaml:"server,omitempty"`

	// Logger configures console logging.
	Logger LoggerConfig `yaml:"logger,omitempty"`

	// Store configures thread persistence.
	Store StoreConfig `yaml:"store,omitempty"`

	// LLM configures the provider gateway used for planning, replanning,
	// summarization and memory extraction.
	LLM llm.Config `yaml:"llm,omitempty"`

	// Engine configures orchestration behavior.
	Engine EngineConfig `yaml:"engine,omitempty"`

	// Transport configures the outbound A2A connection pool and circuit
	// breakers.
	Transport TransportConfig `yaml:"transport,omitempty"`

	// Registry configures agent registration and health checking.
	Registry RegistryConfig `yaml:"registry,omitempty"`

	// Agents seeds the registry with statically known agents.
	Agents []AgentSeed `yaml:"agents,omitempty"`

	// Observability configures tracing, metrics, event logs and cost
	// accounting.
	Observability observability.Config `yaml:"observability,omitempty"`
}

const (
	// DefaultHost binds the listener on all interfaces.
	DefaultHost = "0.0.0.0"

	// DefaultPort is the A2A listen port.
	DefaultPort = 8000

	// DefaultStorePath is the SQLite database file.
	DefaultStorePath = "tapestry.db"

	// DefaultModel keeps zero-config startup on a cheap model.
	DefaultModel = "gpt-4o-mini"

	// DefaultUserID scopes threads when no user is configured.
	DefaultUserID = "default"

	// DefaultHealthInterval is the period between registry health sweeps.
	DefaultHealthInterval = 30 * time.Second
)

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	c.Logger.SetDefaults()
	c.Store.SetDefaults()
	if c.LLM.Provider == "" {
		c.LLM.Provider = llm.ProviderOpenAI
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	c.Engine.SetDefaults()
	c.Transport.SetDefaults()
	c.Registry.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks the Config for errors.
func (c *Config) Validate() error {
	if err := validateServer(c.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := validateLLM(c.LLM); err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Transport.Validate(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return fmt.Errorf("registry: %w", err)
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, agent := range c.Agents {
		if err := agent.Validate(); err != nil {
			return fmt.Errorf("agents[%d]: %w", i, err)
		}
		if seen[agent.Name] {
			return fmt.Errorf("agents[%d]: duplicate agent name %q", i, agent.Name)
		}
		seen[agent.Name] = true
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	return nil
}

// Default returns a configuration with every default applied, used when
// no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func validateServer(c a2a.ServerConfig) error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ReadHeaderTimeout < 0 {
		return fmt.Errorf("read_header_timeout cannot be negative")
	}
	if c.BaseURL != "" {
		if err := validateHTTPURL(c.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	return nil
}

// validateLLM checks the gateway settings that can be judged without a
// provider round trip. Model and API key requirements are enforced by
// the provider constructors, which know about local-gateway exemptions.
func validateLLM(c llm.Config) error {
	switch c.Provider {
	case "", llm.ProviderOpenAI, llm.ProviderAnthropic, llm.ProviderGemini:
	default:
		return fmt.Errorf("unsupported provider %q (valid: openai, anthropic, gemini)", c.Provider)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", *c.Temperature)
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return fmt.Errorf("top_p must be between 0 and 1, got %f", *c.TopP)
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative, got %d", c.MaxTokens)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if c.RecursionLimit < 0 {
		return fmt.Errorf("recursion_limit cannot be negative, got %d", c.RecursionLimit)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("URL %q has no host", raw)
	}
	return nil
}

// ============================================================================
// LOGGER
// ============================================================================

// LoggerConfig configures console logging.
type LoggerConfig struct {
	// Level is the minimum log level.
	// Values: "debug", "info" (default), "warn", "error"
	Level string `yaml:"level,omitempty"`

	// Format selects the console renderer.
	// Values: "simple" (default), "verbose", "json"
	Format string `yaml:"format,omitempty"`

	// File duplicates log output to the given path when set.
	File string `yaml:"file,omitempty"`
}

// SetDefaults applies default values to LoggerConfig.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks LoggerConfig for errors.
func (c *LoggerConfig) Validate() error {
	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid format %q (valid: simple, verbose, json)", c.Format)
	}
	return nil
}

// ============================================================================
// STORE
// ============================================================================

// StoreConfig configures thread persistence.
type StoreConfig struct {
	// Driver selects the database backend.
	// Values: "sqlite" (default), "postgres", "mysql"
	Driver string `yaml:"driver,omitempty"`

	// Path is the SQLite database file. Ignored by other drivers.
	// Default: "tapestry.db"
	Path string `yaml:"path,omitempty"`

	// DSN is the connection string for postgres and mysql.
	DSN string `yaml:"dsn,omitempty"`
}

// SetDefaults applies default values to StoreConfig.
func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "sqlite"
	}
	if c.Driver == "sqlite" && c.Path == "" {
		c.Path = DefaultStorePath
	}
}

// Validate checks StoreConfig for errors.
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case "sqlite":
		if c.Path == "" {
			return fmt.Errorf("path is required for the sqlite driver")
		}
	case "postgres", "mysql":
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for the %s driver", c.Driver)
		}
	default:
		return fmt.Errorf("unsupported driver %q (valid: sqlite, postgres, mysql)", c.Driver)
	}
	return nil
}

// ============================================================================
// ENGINE
// ============================================================================

// EngineConfig configures orchestration behavior.
type EngineConfig struct {
	// RequireApproval pauses every new plan for human approval before
	// execution starts.
	RequireApproval bool `yaml:"require_approval,omitempty"`

	// UserID scopes thread ownership.
	// Default: "default"
	UserID string `yaml:"user_id,omitempty"`

	// Memory enables fact extraction into thread memory.
	// Default: true
	Memory *bool `yaml:"memory,omitempty"`
}

// SetDefaults applies default values to EngineConfig.
func (c *EngineConfig) SetDefaults() {
	if c.UserID == "" {
		c.UserID = DefaultUserID
	}
	if c.Memory == nil {
		enabled := true
		c.Memory = &enabled
	}
}

// Validate checks EngineConfig for errors.
func (c *EngineConfig) Validate() error {
	return nil
}

// MemoryEnabled returns whether memory extraction runs between turns.
func (c *EngineConfig) MemoryEnabled() bool {
	return c.Memory == nil || *c.Memory
}

// ============================================================================
// TRANSPORT
// ============================================================================

// TransportConfig configures the outbound A2A HTTP transport.
type TransportConfig struct {
	// MaxInFlight bounds concurrent requests per agent endpoint.
	MaxInFlight int64 `yaml:"max_in_flight,omitempty"`

	// ConnectTimeout bounds TCP connect and TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`

	// ReadTimeout bounds the wait for response headers.
	ReadTimeout time.Duration `yaml:"read_timeout,omitempty"`

	// TotalTimeout bounds a whole non-streaming call.
	TotalTimeout time.Duration `yaml:"total_timeout,omitempty"`

	// MaxIdlePerEndpoint bounds kept-alive connections per endpoint.
	MaxIdlePerEndpoint int `yaml:"max_idle_per_endpoint,omitempty"`

	// Breaker configures per-endpoint circuit breaking.
	Breaker BreakerConfig `yaml:"breaker,omitempty"`
}

// BreakerConfig configures per-endpoint circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the consecutive failures that open a breaker.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// OpenTimeout is how long an open breaker rejects before probing.
	OpenTimeout time.Duration `yaml:"open_timeout,omitempty"`

	// HalfOpenMaxCalls bounds probes admitted while half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls,omitempty"`
}

// SetDefaults applies default values to TransportConfig.
func (c *TransportConfig) SetDefaults() {
	pool := transport.DefaultPoolConfig()
	if c.MaxInFlight == 0 {
		c.MaxInFlight = pool.MaxInFlight
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = pool.ConnectTimeout
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = pool.ReadTimeout
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = pool.TotalTimeout
	}
	if c.MaxIdlePerEndpoint == 0 {
		c.MaxIdlePerEndpoint = pool.MaxIdlePerEndpoint
	}
	breaker := transport.DefaultBreakerConfig()
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = breaker.FailureThreshold
	}
	if c.Breaker.OpenTimeout == 0 {
		c.Breaker.OpenTimeout = breaker.OpenTimeout
	}
	if c.Breaker.HalfOpenMaxCalls == 0 {
		c.Breaker.HalfOpenMaxCalls = breaker.HalfOpenMaxCalls
	}
}

// Validate checks TransportConfig for errors.
func (c *TransportConfig) Validate() error {
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max_in_flight must be at least 1, got %d", c.MaxInFlight)
	}
	if c.ConnectTimeout < 0 || c.ReadTimeout < 0 || c.TotalTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.MaxIdlePerEndpoint < 0 {
		return fmt.Errorf("max_idle_per_endpoint cannot be negative, got %d", c.MaxIdlePerEndpoint)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker: failure_threshold must be at least 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.OpenTimeout < 0 {
		return fmt.Errorf("breaker: open_timeout cannot be negative")
	}
	if c.Breaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("breaker: half_open_max_calls must be at least 1, got %d", c.Breaker.HalfOpenMaxCalls)
	}
	return nil
}

// PoolConfig converts the transport section into pool settings.
func (c *TransportConfig) PoolConfig() transport.PoolConfig {
	return transport.PoolConfig{
		MaxInFlight:        c.MaxInFlight,
		ConnectTimeout:     c.ConnectTimeout,
		ReadTimeout:        c.ReadTimeout,
		TotalTimeout:       c.TotalTimeout,
		MaxIdlePerEndpoint: c.MaxIdlePerEndpoint,
	}
}

// BreakerConfig converts the breaker section into breaker settings.
// OnStateChange is left nil for the caller to wire.
func (c *TransportConfig) BreakerConfig() transport.BreakerConfig {
	return transport.BreakerConfig{
		FailureThreshold: c.Breaker.FailureThreshold,
		OpenTimeout:      c.Breaker.OpenTimeout,
		HalfOpenMaxCalls: c.Breaker.HalfOpenMaxCalls,
	}
}

// ============================================================================
// REGISTRY AND AGENTS
// ============================================================================

// RegistryConfig configures agent registration and health checking.
type RegistryConfig struct {
	// PersistPath saves the registry to disk so registrations survive
	// restarts. Empty disables persistence.
	PersistPath string `yaml:"persist_path,omitempty"`

	// HealthInterval is the period between health sweeps over all
	// registered agents.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval,omitempty"`

	// Discover lists endpoints probed for agent cards at startup.
	Discover []string `yaml:"discover,omitempty"`
}

// SetDefaults applies default values to RegistryConfig.
func (c *RegistryConfig) SetDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = DefaultHealthInterval
	}
}

// Validate checks RegistryConfig for errors.
func (c *RegistryConfig) Validate() error {
	if c.HealthInterval < 0 {
		return fmt.Errorf("health_interval cannot be negative")
	}
	for i, endpoint := range c.Discover {
		if err := validateHTTPURL(endpoint); err != nil {
			return fmt.Errorf("discover[%d]: %w", i, err)
		}
	}
	return nil
}

// AgentSeed statically registers one agent at startup. Seeded agents
// are health checked like discovered ones; their cards are fetched on
// the first successful check.
type AgentSeed struct {
	// Name is the unique agent name used in plans.
	Name string `yaml:"name"`

	// Endpoint is the agent's A2A base URL.
	Endpoint string `yaml:"endpoint"`
}

// Validate checks AgentSeed for errors.
func (a *AgentSeed) Validate() error {
	if a.Name == "" {
		return fmt.Errorf("name is required")
	}
	if a.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if err := validateHTTPURL(a.Endpoint); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	return nil
}
