// Package registry tracks the remote agents an orchestrator can dispatch
// to: their endpoints, their advertised cards, and their last known health.
// It is the single source of truth for capability-based routing.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tapestry-ai/tapestry/pkg/a2a"
)

var (
	// ErrAgentNotFound is returned when an operation names an agent that
	// was never registered (or has been deregistered).
	ErrAgentNotFound = errors.New("agent is not registered")

	// ErrAgentExists rejects a second registration under the same name.
	ErrAgentExists = errors.New("agent is already registered")

	// ErrNoAgentAvailable is returned by FindBestFor when no registered
	// agent carries the required capabilities.
	ErrNoAgentAvailable = errors.New("no agent satisfies the requested capabilities")
)

// AgentStatus is the health lifecycle of a registered agent.
type AgentStatus string

const (
	// StatusUnknown means the agent has never been probed.
	StatusUnknown AgentStatus = "unknown"

	// StatusOnline means the last card fetch succeeded.
	StatusOnline AgentStatus = "online"

	// StatusOffline means the last probe failed at the transport level or
	// timed out.
	StatusOffline AgentStatus = "offline"

	// StatusError means the agent answered but violated the protocol.
	StatusError AgentStatus = "error"
)

func (s AgentStatus) valid() bool {
	switch s {
	case StatusUnknown, StatusOnline, StatusOffline, StatusError:
		return true
	}
	return false
}

// RegisteredAgent is one registry record. Copies are handed out to callers;
// the registry keeps the authoritative version.
type RegisteredAgent struct {
	Name            string         `json:"name"`
	Endpoint        string         `json:"endpoint"`
	Card            *a2a.AgentCard `json:"card,omitempty"`
	Status          AgentStatus    `json:"status"`
	RegisteredAt    time.Time      `json:"registered_at"`
	LastHealthCheck time.Time      `json:"last_health_check"`
}

// HasCapability reports whether the agent's card advertises the tag.
func (a *RegisteredAgent) HasCapability(tag string) bool {
	return a.Card != nil && a.Card.HasCapability(tag)
}

func (a *RegisteredAgent) hasAll(tags []string) bool {
	for _, tag := range tags {
		if !a.HasCapability(tag) {
			return false
		}
	}
	return true
}

// CardFetcher probes an endpoint for its agent card. *a2a.Client satisfies
// it via FetchAgentCard, which bypasses the card cache so health checks see
// live state.
type CardFetcher interface {
	FetchAgentCard(ctx context.Context, endpoint string) (*a2a.AgentCard, error)
}

// Stats summarizes the registry for diagnostics and the CLI.
type Stats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
	Error   int `json:"error"`
	Unknown int `json:"unknown"`
}

// snapshot is an immutable read view. Mutations build a fresh snapshot and
// swap the pointer, so readers never take the write lock.
type snapshot struct {
	agents       []RegisteredAgent // registration order
	byName       map[string]int    // name -> index into agents
	byCapability map[string][]int  // capability tag -> indices, registration order
}

func (s *snapshot) lookup(name string) (RegisteredAgent, bool) {
	i, ok := s.byName[name]
	if !ok {
		return RegisteredAgent{}, false
	}
	return s.agents[i], true
}

// Registry maps agent names to endpoints, cards and health status.
//
// Writes are serialized by a mutex and rebuild an immutable snapshot; reads
// load the snapshot atomically and never block writers. Every mutation is
// persisted to disk before it returns.
type Registry struct {
	fetcher CardFetcher
	path    string
	logger  *slog.Logger

	mu     sync.Mutex
	agents map[string]*RegisteredAgent
	order  []string
	snap   atomic.Pointer[snapshot]
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersistPath sets the JSON file the registry rewrites on every
// mutation. Empty disables persistence.
func WithPersistPath(path string) Option {
	return func(r *Registry) { r.path = path }
}

// WithRegistryLogger overrides the default logger.
func WithRegistryLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry. The fetcher is used by HealthCheck and
// Discover; it may be nil if neither is called.
func New(fetcher CardFetcher, opts ...Option) *Registry {
	r := &Registry{
		fetcher: fetcher,
		logger:  slog.Default(),
		agents:  make(map[string]*RegisteredAgent),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{
		byName:       make(map[string]int),
		byCapability: make(map[string][]int),
	})
	return r
}

// registryFile is the on-disk shape: {"agents":[...]} in registration order.
type registryFile struct {
	Agents []RegisteredAgent `json:"agents"`
}

// Load restores previously persisted registrations. A missing file is not
// an error; the registry simply starts empty.
func (r *Registry) Load() error {
	if r.path == "" {
		return nil
	}

	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read registry file: %w", err)
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse registry file %s: %w", r.path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.agents = make(map[string]*RegisteredAgent, len(file.Agents))
	r.order = r.order[:0]
	for i := range file.Agents {
		agent := file.Agents[i]
		if agent.Name == "" {
			continue
		}
		if !agent.Status.valid() {
			agent.Status = StatusUnknown
		}
		if _, dup := r.agents[agent.Name]; dup {
			continue
		}
		r.agents[agent.Name] = &agent
		r.order = append(r.order, agent.Name)
	}
	r.rebuildLocked()

	r.logger.Info("Agent registry loaded", "path", r.path, "agents", len(r.order))
	return nil
}

// Register adds an agent under name. A non-nil card marks the agent online
// immediately (registration normally follows a successful discovery probe);
// without a card the agent starts unknown.
func (r *Registry) Register(name, endpoint string, card *a2a.AgentCard) error {
	if name == "" {
		return errors.New("agent name cannot be empty")
	}
	if endpoint == "" {
		return fmt.Errorf("agent %q: endpoint cannot be empty", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; exists {
		return fmt.Errorf("agent %q: %w", name, ErrAgentExists)
	}

	agent := &RegisteredAgent{
		Name:         name,
		Endpoint:     endpoint,
		Card:         card,
		Status:       StatusUnknown,
		RegisteredAt: time.Now().UTC(),
	}
	if card != nil {
		agent.Status = StatusOnline
		agent.LastHealthCheck = agent.RegisteredAt
	}

	r.agents[name] = agent
	r.order = append(r.order, name)
	r.rebuildLocked()

	if err := r.persistLocked(); err != nil {
		return err
	}

	r.logger.Info("Agent registered",
		"agent", name, "endpoint", endpoint, "status", agent.Status)
	return nil
}

// Deregister removes an agent by name.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[name]; !exists {
		return fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}

	delete(r.agents, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.rebuildLocked()

	if err := r.persistLocked(); err != nil {
		return err
	}

	r.logger.Info("Agent deregistered", "agent", name)
	return nil
}

// UpdateStatus force-sets an agent's status without probing it.
func (r *Registry) UpdateStatus(name string, status AgentStatus) error {
	if !status.valid() {
		return fmt.Errorf("invalid agent status %q", status)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[name]
	if !exists {
		return fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	agent.Status = status
	r.rebuildLocked()

	return r.persistLocked()
}

// GetByName returns a copy of the named agent's record.
func (r *Registry) GetByName(name string) (RegisteredAgent, bool) {
	return r.snap.Load().lookup(name)
}

// List returns all agents in registration order.
func (r *Registry) List() []RegisteredAgent {
	snap := r.snap.Load()
	out := make([]RegisteredAgent, len(snap.agents))
	copy(out, snap.agents)
	return out
}

// FindByCapability returns every agent whose card lists the tag, in
// registration order, regardless of health status.
func (r *Registry) FindByCapability(tag string) []RegisteredAgent {
	snap := r.snap.Load()
	indices := snap.byCapability[tag]
	out := make([]RegisteredAgent, 0, len(indices))
	for _, i := range indices {
		out = append(out, snap.agents[i])
	}
	return out
}

// FindBestFor selects the agent to dispatch a task to. Online agents with
// every required capability win; if none is online the first registered
// agent carrying the capabilities is returned so the caller can still try.
// Ties are broken by registration order. The description is advisory and
// only recorded in logs.
func (r *Registry) FindBestFor(description string, required []string) (RegisteredAgent, error) {
	snap := r.snap.Load()

	var fallback *RegisteredAgent
	for i := range snap.agents {
		agent := &snap.agents[i]
		if !agent.hasAll(required) {
			continue
		}
		if agent.Status == StatusOnline {
			r.logger.Debug("Agent selected",
				"agent", agent.Name, "required", required, "task", description)
			return *agent, nil
		}
		if fallback == nil {
			fallback = agent
		}
	}

	if fallback != nil {
		r.logger.Warn("No online agent available, falling back",
			"agent", fallback.Name, "status", fallback.Status, "required", required)
		return *fallback, nil
	}
	return RegisteredAgent{}, fmt.Errorf("capabilities %v: %w", required, ErrNoAgentAvailable)
}

// HealthCheck probes one agent and records the outcome: online on a
// successful card fetch, error when the endpoint answers but violates the
// protocol, offline on transport failure or timeout. The probe error (if
// any) is returned alongside the new status.
func (r *Registry) HealthCheck(ctx context.Context, name string) (AgentStatus, error) {
	agent, ok := r.GetByName(name)
	if !ok {
		return StatusUnknown, fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	if r.fetcher == nil {
		return agent.Status, errors.New("registry has no card fetcher")
	}

	card, err := r.fetcher.FetchAgentCard(ctx, agent.Endpoint)

	status := StatusOnline
	switch {
	case err == nil:
	case a2a.IsProtocolViolation(err):
		status = StatusError
	default:
		status = StatusOffline
	}

	r.mu.Lock()
	if current, exists := r.agents[name]; exists {
		current.Status = status
		current.LastHealthCheck = time.Now().UTC()
		if card != nil {
			current.Card = card
		}
		r.rebuildLocked()
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("Agent health check failed",
			"agent", name, "status", status, "error", err)
	}
	return status, err
}

// healthCheckConcurrency bounds parallel probes in a sweep.
const healthCheckConcurrency = 8

// HealthCheckAll probes every registered agent concurrently and persists
// the results in one write. Probe failures become statuses, not errors; the
// returned error is non-nil only when the context is canceled.
func (r *Registry) HealthCheckAll(ctx context.Context) (map[string]AgentStatus, error) {
	names := make([]string, 0)
	for _, agent := range r.List() {
		names = append(names, agent.Name)
	}

	results := make([]AgentStatus, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(healthCheckConcurrency)

	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			status, _ := r.HealthCheck(gctx, name)
			results[i] = status
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	statuses := make(map[string]AgentStatus, len(names))
	for i, name := range names {
		statuses[name] = results[i]
	}
	r.logger.Info("Health check sweep complete", "agents", len(statuses))
	return statuses, nil
}

// Discover probes the endpoints and registers every agent that answers with
// a card, keyed by the card's name. Endpoints already registered are
// refreshed in place. Returns the number of newly registered agents and the
// joined probe errors.
func (r *Registry) Discover(ctx context.Context, endpoints []string) (int, error) {
	if r.fetcher == nil {
		return 0, errors.New("registry has no card fetcher")
	}

	registered := 0
	var errs []error
	for _, endpoint := range endpoints {
		card, err := r.fetcher.FetchAgentCard(ctx, endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("discover %s: %w", endpoint, err))
			continue
		}
		if card.Name == "" {
			errs = append(errs, fmt.Errorf("discover %s: card has no name", endpoint))
			continue
		}

		if existing, ok := r.GetByName(card.Name); ok {
			if err := r.refresh(existing.Name, endpoint, card); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := r.Register(card.Name, endpoint, card); err != nil {
			errs = append(errs, err)
			continue
		}
		registered++
	}
	return registered, errors.Join(errs...)
}

// refresh updates endpoint, card and liveness for an already known agent.
func (r *Registry) refresh(name, endpoint string, card *a2a.AgentCard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[name]
	if !exists {
		return fmt.Errorf("agent %q: %w", name, ErrAgentNotFound)
	}
	agent.Endpoint = endpoint
	agent.Card = card
	agent.Status = StatusOnline
	agent.LastHealthCheck = time.Now().UTC()
	r.rebuildLocked()

	return r.persistLocked()
}

// Stats counts agents by status.
func (r *Registry) Stats() Stats {
	snap := r.snap.Load()
	stats := Stats{Total: len(snap.agents)}
	for i := range snap.agents {
		switch snap.agents[i].Status {
		case StatusOnline:
			stats.Online++
		case StatusOffline:
			stats.Offline++
		case StatusError:
			stats.Error++
		default:
			stats.Unknown++
		}
	}
	return stats
}

// rebuildLocked recomputes the read snapshot. Caller holds r.mu.
func (r *Registry) rebuildLocked() {
	snap := &snapshot{
		agents:       make([]RegisteredAgent, 0, len(r.order)),
		byName:       make(map[string]int, len(r.order)),
		byCapability: make(map[string][]int),
	}
	for _, name := range r.order {
		agent := r.agents[name]
		i := len(snap.agents)
		snap.agents = append(snap.agents, *agent)
		snap.byName[name] = i
		if agent.Card != nil {
			for _, tag := range agent.Card.Capabilities {
				snap.byCapability[tag] = append(snap.byCapability[tag], i)
			}
		}
	}
	r.snap.Store(snap)
}

// persistLocked atomically rewrites the registry file: marshal to a temp
// file in the target directory, then rename over the old one so readers
// never observe a partial write. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	if r.path == "" {
		return nil
	}

	file := registryFile{Agents: make([]RegisteredAgent, 0, len(r.order))}
	for _, name := range r.order {
		file.Agents = append(file.Agents, *r.agents[name])
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".agent_registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp registry file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
