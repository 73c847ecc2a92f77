package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/MrWong99/teleprompt/pkg/provider/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateUpstream] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// UpstreamFactory builds a realtime.Dialer from its configuration block.
type UpstreamFactory func(UpstreamConfig) (realtime.Dialer, error)

// Registry maps upstream provider names to their constructor functions. It
// is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	upstream map[string]UpstreamFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{upstream: make(map[string]UpstreamFactory)}
}

// RegisterUpstream registers an upstream provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterUpstream(name string, factory UpstreamFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream[name] = factory
}

// CreateUpstream instantiates the dialer registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateUpstream(cfg UpstreamConfig) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.upstream[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: upstream/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	d, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create upstream %q: %w", cfg.Provider, err)
	}
	return d, nil
}

// Upstreams returns the registered provider names in sorted order.
func (r *Registry) Upstreams() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.upstream))
	for name := range r.upstream {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
