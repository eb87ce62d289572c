// Package registry maps service keys to upstream service descriptors.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bytebrushstudios/byteproxy/internal/domain"
)

var (
	// ErrDuplicateService is returned when registering a key twice.
	ErrDuplicateService = errors.New("service already registered")

	// ErrServiceNotFound is returned by Lookup for unknown keys.
	ErrServiceNotFound = errors.New("service not found")
)

// Registry holds service descriptors keyed by service key.
// Keys are immutable once registered; there is no removal.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*domain.ServiceDescriptor
	order    []string // keys in insertion order
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		services: make(map[string]*domain.ServiceDescriptor),
	}
}

// Register validates the descriptor, stamps its key and stores a copy.
func (r *Registry) Register(key string, desc *domain.ServiceDescriptor) error {
	if key == "" {
		return fmt.Errorf("%w: service key is required", domain.ErrInvalidDescriptor)
	}
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("register %s: %w", key, err)
	}

	stored := desc.Clone()
	stored.Key = key

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.services[key]; exists {
		return fmt.Errorf("register %s: %w", key, ErrDuplicateService)
	}
	r.services[key] = stored
	r.order = append(r.order, key)
	desc.Key = key
	return nil
}

// Lookup returns a copy of the descriptor registered under key.
func (r *Registry) Lookup(key string) (*domain.ServiceDescriptor, error) {
	r.mu.RLock()
	desc, ok := r.services[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("lookup %s: %w", key, ErrServiceNotFound)
	}
	return desc.Clone(), nil
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.services[key]
	return ok
}

// List returns the registered keys in insertion order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, len(r.order))
	copy(keys, r.order)
	return keys
}

// Descriptors returns copies of every descriptor in insertion order.
func (r *Registry) Descriptors() []*domain.ServiceDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.ServiceDescriptor, 0, len(r.order))
	for _, key := range r.order {
		out = append(out, r.services[key].Clone())
	}
	return out
}

// Len returns the number of registered services.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
