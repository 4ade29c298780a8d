package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tonelab/tone/pkg/provider/model"
	"github.com/tonelab/tone/pkg/provider/vad"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory matches the (name, version, format) triple.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// ErrProviderNotRegistered is returned by [Registry.CreateVAD] for unknown
// engine names.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// BackendFactory builds a model backend from fetched artifacts.
type BackendFactory func(model.LoadInput) (model.Backend, error)

// BackendKey identifies one backend variant.
type BackendKey struct {
	Name, Version, Format string
}

func (k BackendKey) String() string {
	return k.Name + "/" + k.Version + "/" + k.Format
}

// Registry maps backend variants and VAD engine names to constructors. It
// is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[BackendKey]BackendFactory
	vad      map[string]func(ProviderEntry) (vad.Engine, error)
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[BackendKey]BackendFactory),
		vad:      make(map[string]func(ProviderEntry) (vad.Engine, error)),
	}
}

// RegisterBackend registers factory for one (name, version, format).
// Registering the same key again overwrites it.
func (r *Registry) RegisterBackend(name, version, format string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[BackendKey{name, version, format}] = factory
}

// RegisterVAD registers a VAD engine factory under name.
func (r *Registry) RegisterVAD(name string, factory func(ProviderEntry) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// CreateBackend looks up the exact (name, version, format) triple and runs
// its factory. There is no fallback: a miss returns ErrBackendNotRegistered.
func (r *Registry) CreateBackend(name, version, format string, in model.LoadInput) (model.Backend, error) {
	key := BackendKey{name, version, format}
	r.mu.RLock()
	factory, ok := r.backends[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBackendNotRegistered, key)
	}
	b, err := factory(in)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %s: %w", key, err)
	}
	return b, nil
}

// CreateVAD instantiates the engine registered under entry.Name.
func (r *Registry) CreateVAD(entry ProviderEntry) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// Backends lists the registered variants, sorted.
func (r *Registry) Backends() []BackendKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]BackendKey, 0, len(r.backends))
	for k := range r.backends {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}
