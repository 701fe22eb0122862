package hub

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/symi-home/symi-modbus/internal/config"
	"github.com/symi-home/symi-modbus/internal/remote"
)

// Registry holds the live hubs by name. It is created at setup, torn down at
// unload and passed explicitly to the poller and the command layer.
type Registry struct {
	mu   sync.RWMutex
	hubs map[string]*Hub
}

// NewRegistry returns an empty hub registry.
func NewRegistry() *Registry {
	return &Registry{hubs: make(map[string]*Hub)}
}

// Open dials the transport for cfg and registers the hub under its name.
// Reusing a name fails with ErrDuplicateHub before any I/O happens.
func (r *Registry) Open(cfg config.HubConfig, factory remote.ClientFactory, logger zerolog.Logger) (*Hub, error) {
	r.mu.Lock()
	if _, exists := r.hubs[cfg.Name]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("hub %s: %w", cfg.Name, ErrDuplicateHub)
	}
	// Reserve the name while dialing so concurrent Opens cannot race.
	r.hubs[cfg.Name] = nil
	r.mu.Unlock()

	h, err := New(cfg, factory, logger)
	if err != nil {
		r.mu.Lock()
		delete(r.hubs, cfg.Name)
		r.mu.Unlock()
		return nil, err
	}

	r.mu.Lock()
	r.hubs[cfg.Name] = h
	r.mu.Unlock()
	return h, nil
}

// Get resolves a hub name to a live hub.
func (r *Registry) Get(name string) (*Hub, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hubs[name]
	if !ok || h == nil {
		return nil, fmt.Errorf("hub %s: %w", name, ErrUnknownHub)
	}
	return h, nil
}

// Names lists the registered hub names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.hubs))
	for name, h := range r.hubs {
		if h == nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Hubs returns the live hubs in name order.
func (r *Registry) Hubs() []*Hub {
	names := r.Names()
	hubs := make([]*Hub, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if h := r.hubs[name]; h != nil {
			hubs = append(hubs, h)
		}
	}
	return hubs
}

// CloseAll closes every live hub and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range r.hubs {
		if h != nil {
			_ = h.Close()
		}
		delete(r.hubs, name)
	}
}
