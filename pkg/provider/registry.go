package provider

import (
	"fmt"
	"sync"
)

// GraphFactory creates a GraphBackend from configuration.
type GraphFactory func(config GraphConfig) (GraphBackend, error)

// VectorFactory creates a VectorBackend from configuration.
type VectorFactory func(config VectorConfig) (VectorBackend, error)

// EmbeddingFactory creates an EmbeddingProvider from configuration.
type EmbeddingFactory func(config EmbeddingConfig) (EmbeddingProvider, error)

// Registry holds factories for all backend types. Backends are selected by
// name at startup from configuration, never at call sites.
type Registry struct {
	mu sync.RWMutex

	graphFactories     map[string]GraphFactory
	vectorFactories    map[string]VectorFactory
	embeddingFactories map[string]EmbeddingFactory
}

// NewRegistry creates a new empty registry.
func NewRegistry() *Registry {
	return &Registry{
		graphFactories:     make(map[string]GraphFactory),
		vectorFactories:    make(map[string]VectorFactory),
		embeddingFactories: make(map[string]EmbeddingFactory),
	}
}

// RegisterGraph registers a graph backend factory.
func (r *Registry) RegisterGraph(name string, factory GraphFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphFactories[name] = factory
}

// RegisterVector registers a vector backend factory.
func (r *Registry) RegisterVector(name string, factory VectorFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vectorFactories[name] = factory
}

// RegisterEmbedding registers an embedding provider factory.
func (r *Registry) RegisterEmbedding(name string, factory EmbeddingFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddingFactories[name] = factory
}

// CreateGraph creates a graph backend by name.
func (r *Registry) CreateGraph(name string, config GraphConfig) (GraphBackend, error) {
	r.mu.RLock()
	factory, ok := r.graphFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown graph backend: %s (available: %v)", name, r.ListGraphs())
	}
	return factory(config)
}

// CreateVector creates a vector backend by name.
func (r *Registry) CreateVector(name string, config VectorConfig) (VectorBackend, error) {
	r.mu.RLock()
	factory, ok := r.vectorFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown vector backend: %s (available: %v)", name, r.ListVectors())
	}
	return factory(config)
}

// CreateEmbedding creates an embedding provider by name.
func (r *Registry) CreateEmbedding(name string, config EmbeddingConfig) (EmbeddingProvider, error) {
	r.mu.RLock()
	factory, ok := r.embeddingFactories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown embedding provider: %s (available: %v)", name, r.ListEmbeddings())
	}
	return factory(config)
}

// ListGraphs returns all registered graph backend names.
func (r *Registry) ListGraphs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.graphFactories))
	for name := range r.graphFactories {
		names = append(names, name)
	}
	return names
}

// ListVectors returns all registered vector backend names.
func (r *Registry) ListVectors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.vectorFactories))
	for name := range r.vectorFactories {
		names = append(names, name)
	}
	return names
}

// ListEmbeddings returns all registered embedding provider names.
func (r *Registry) ListEmbeddings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.embeddingFactories))
	for name := range r.embeddingFactories {
		names = append(names, name)
	}
	return names
}

// DefaultRegistry is the registry the builtin package populates.
var DefaultRegistry = NewRegistry()

// RegisterGraph registers a graph backend in the default registry.
func RegisterGraph(name string, factory GraphFactory) {
	DefaultRegistry.RegisterGraph(name, factory)
}

// RegisterVector registers a vector backend in the default registry.
func RegisterVector(name string, factory VectorFactory) {
	DefaultRegistry.RegisterVector(name, factory)
}

// RegisterEmbedding registers an embedding provider in the default registry.
func RegisterEmbedding(name string, factory EmbeddingFactory) {
	DefaultRegistry.RegisterEmbedding(name, factory)
}
