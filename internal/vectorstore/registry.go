// Package vectorstore provides the vector index driver registry and drivers.
// Ships: memory (brute-force scan), chromem (embedded, optional persistence),
// pgvector (user-provided PostgreSQL).
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/calmdesk/calmdesk/engine/internal/config"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Registry holds named vector index drivers. Thread-safe.
type Registry struct {
	mu          sync.RWMutex
	drivers     map[string]contracts.VectorStoreDriver
	defaultName string
}

// NewRegistry creates an empty vector index registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]contracts.VectorStoreDriver),
	}
}

// NewRegistryFromConfig builds the configured backend and registers it as
// the default.
func NewRegistryFromConfig(ctx context.Context, cfg config.VectorConfig, dimensions int) (*Registry, error) {
	r := NewRegistry()

	switch cfg.Backend {
	case "", "memory":
		r.Register("memory", NewMemoryIndex())
		r.SetDefault("memory")
	case "chromem":
		idx, err := NewChromemIndex(cfg.ChromemPath)
		if err != nil {
			return nil, err
		}
		r.Register("chromem", idx)
		r.SetDefault("chromem")
	case "pgvector":
		idx, err := NewPgvectorIndex(ctx, cfg.DatabaseURL, dimensions)
		if err != nil {
			return nil, err
		}
		r.Register("pgvector", idx)
		r.SetDefault("pgvector")
	default:
		return nil, fmt.Errorf("unknown vector store backend: %s", cfg.Backend)
	}
	return r, nil
}

// Register adds a driver under the given name. Overwrites if exists. The
// first registered driver becomes the default.
func (r *Registry) Register(name string, driver contracts.VectorStoreDriver) {
	r.mu.Lock()
	r.drivers[name] = driver
	if r.defaultName == "" {
		r.defaultName = name
	}
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Msg("Vector index driver registered")
}

// SetDefault marks the driver returned by Default.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
}

// Get returns the driver by name, or error if not found.
func (r *Registry) Get(name string) (contracts.VectorStoreDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("vector index driver not found: %s", name)
	}
	return d, nil
}

// Default returns the configured default driver.
func (r *Registry) Default() (contracts.VectorStoreDriver, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no vector index drivers registered")
	}
	return r.Get(name)
}

// List returns all registered driver names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

// HealthCheckAll pings every registered driver and returns errors keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]contracts.VectorStoreDriver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, driver := range snapshot {
		results[name] = driver.HealthCheck(ctx)
	}
	return results
}
