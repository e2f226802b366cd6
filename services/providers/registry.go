package providers

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrProviderNotFound is returned when a provider is not registered
	ErrProviderNotFound = errors.New("provider not found")

	// ErrProviderAlreadyRegistered is returned when trying to register a duplicate provider
	ErrProviderAlreadyRegistered = errors.New("provider already registered")
)

type registration struct {
	provider Provider
	priority int
}

// Registry holds the configured providers in fallback order
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
	ordered []Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
	}
}

// Register adds a provider at the given priority rank (lower is tried first)
func (r *Registry) Register(provider Provider, priority int) error {
	if provider == nil {
		return errors.New("provider cannot be nil")
	}

	name := provider.Name()
	if name == "" {
		return errors.New("provider name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[name]; exists {
		return ErrProviderAlreadyRegistered
	}

	r.entries[name] = registration{provider: provider, priority: priority}
	r.rebuild()

	return nil
}

// rebuild sorts by priority, then name so equal ranks stay deterministic
func (r *Registry) rebuild() {
	regs := make([]registration, 0, len(r.entries))
	for _, reg := range r.entries {
		regs = append(regs, reg)
	}

	sort.Slice(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority < regs[j].priority
		}
		return regs[i].provider.Name() < regs[j].provider.Name()
	})

	r.ordered = make([]Provider, len(regs))
	for i, reg := range regs {
		r.ordered[i] = reg.provider
	}
}

// Ordered returns providers in fallback order
func (r *Registry) Ordered() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Provider, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Get retrieves a provider by name
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.entries[name]
	if !exists {
		return nil, ErrProviderNotFound
	}
	return reg.provider, nil
}

// Priority returns the configured rank of a provider
func (r *Registry) Priority(name string) (int, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, exists := r.entries[name]
	return reg.priority, exists
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
