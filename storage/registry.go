package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownDriver is returned by Open for drivers nobody registered.
var ErrUnknownDriver = errors.New("storage: unknown driver")

// Descriptor names a backend driver and how to reach it.
type Descriptor struct {
	// Driver is the registered driver name, e.g. "sqlite" or "pebble".
	Driver string `toml:"driver" yaml:"driver"`
	// DSN is the driver-specific location: a file path, directory or URL.
	DSN string `toml:"dsn" yaml:"dsn"`
	// Options holds extra driver-specific settings.
	Options map[string]string `toml:"options" yaml:"options"`
}

// Factory opens a backend for a descriptor.
type Factory func(ctx context.Context, desc Descriptor) (Storage, error)

// registry is the global driver registry instance.
var registry = &Registry{
	drivers: make(map[string]Factory),
}

// Registry maps driver names to factories.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Factory
}

// Register adds a driver factory to the registry.
// Panics if the driver is already registered.
func (r *Registry) Register(driver string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.drivers[driver]; exists {
		panic(fmt.Sprintf("storage: driver %q already registered", driver))
	}

	r.drivers[driver] = factory
}

// Open creates a backend for desc.
func (r *Registry) Open(ctx context.Context, desc Descriptor) (Storage, error) {
	r.mu.RLock()
	factory, exists := r.drivers[desc.Driver]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, desc.Driver)
	}

	s, err := factory(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", desc.Driver, err)
	}
	return s, nil
}

// List returns all registered driver names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	drivers := make([]string, 0, len(r.drivers))
	for driver := range r.drivers {
		drivers = append(drivers, driver)
	}
	slices.Sort(drivers)

	return drivers
}

// IsRegistered reports whether a driver is registered.
func (r *Registry) IsRegistered(driver string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.drivers[driver]
	return exists
}

// Register allows backend packages to register themselves.
func Register(driver string, factory Factory) {
	registry.Register(driver, factory)
}

// Open creates a backend through the global registry.
func Open(ctx context.Context, desc Descriptor) (Storage, error) {
	return registry.Open(ctx, desc)
}

// Drivers returns all globally registered driver names.
func Drivers() []string {
	return registry.List()
}

// IsRegistered reports whether driver is globally registered.
func IsRegistered(driver string) bool {
	return registry.IsRegistered(driver)
}
