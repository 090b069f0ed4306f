package llm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// New builds the adapter named by cfg.Provider. An empty provider
// defaults to OpenAI.
func New(cfg Config) (Gateway, error) {
	switch cfg.Provider {
	case ProviderOpenAI, "":
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderGemini:
		return NewGemini(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s (supported: openai, anthropic, gemini)", cfg.Provider)
	}
}

// Registry holds named gateways so components can share one model or
// override it per role (planner, summarizer, extraction).
type Registry struct {
	mu       sync.RWMutex
	gateways map[string]Gateway
}

// NewRegistry returns an empty gateway registry.
func NewRegistry() *Registry {
	return &Registry{gateways: make(map[string]Gateway)}
}

// Register adds a gateway under name. Names are unique.
func (r *Registry) Register(name string, gw Gateway) error {
	if name == "" {
		return errors.New("llm name cannot be empty")
	}
	if gw == nil {
		return errors.New("llm gateway cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.gateways[name]; exists {
		return fmt.Errorf("llm %q already registered", name)
	}
	r.gateways[name] = gw
	return nil
}

// Create builds a gateway from cfg and registers it under name.
func (r *Registry) Create(name string, cfg Config) (Gateway, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create llm %q: %w", name, err)
	}
	if err := r.Register(name, gw); err != nil {
		return nil, err
	}
	return gw, nil
}

// Get looks up a gateway by name.
func (r *Registry) Get(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	gw, exists := r.gateways[name]
	if !exists {
		return nil, fmt.Errorf("llm %q not found", name)
	}
	return gw, nil
}

// Names lists registered gateway names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gateways))
	for name := range r.gateways {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every registered gateway and reports the first error.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for name, gw := range r.gateways {
		if err := gw.Close(); err != nil && first == nil {
			first = fmt.Errorf("close llm %q: %w", name, err)
		}
	}
	r.gateways = make(map[string]Gateway)
	return first
}
