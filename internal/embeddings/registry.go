// Package embeddings provides the embedding driver registry and drivers.
// Ships: OpenAI (text-embedding-3-small/large), Ollama (nomic-embed-text,
// mxbai-embed-large).
package embeddings

import (
	"context"
	"fmt"
	"sync"

	"github.com/calmdesk/calmdesk/engine/internal/config"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Registry holds named embedding drivers. Thread-safe.
type Registry struct {
	mu          sync.RWMutex
	drivers     map[string]contracts.EmbeddingDriver
	defaultName string
}

// NewRegistry creates an empty embedding registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]contracts.EmbeddingDriver),
	}
}

// NewRegistryFromConfig builds a registry containing the configured provider
// plus any others whose credentials are present, with the configured one as
// default.
func NewRegistryFromConfig(cfg config.EmbeddingConfig) (*Registry, error) {
	r := NewRegistry()

	if cfg.OpenAIAPIKey != "" {
		r.Register("openai", NewOpenAIDriver(cfg.OpenAIAPIKey, cfg.Model, cfg.Dimensions,
			WithOpenAIBaseURL(cfg.OpenAIBaseURL)))
	}
	if cfg.OllamaBaseURL != "" {
		model := cfg.Model
		if cfg.Provider != "ollama" {
			// The configured model names an OpenAI model; give Ollama a
			// sensible local default instead.
			model = "mxbai-embed-large"
		}
		r.Register("ollama", NewOllamaDriver(cfg.OllamaBaseURL, model, cfg.Dimensions))
	}

	if _, err := r.Get(cfg.Provider); err != nil {
		return nil, fmt.Errorf("embedding provider %q not available: %w", cfg.Provider, err)
	}
	r.SetDefault(cfg.Provider)
	return r, nil
}

// Register adds a driver under the given name. Overwrites if exists. The
// first registered driver becomes the default.
func (r *Registry) Register(name string, driver contracts.EmbeddingDriver) {
	r.mu.Lock()
	r.drivers[name] = driver
	if r.defaultName == "" {
		r.defaultName = name
	}
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Int("dims", driver.Dimensions()).Msg("Embedding driver registered")
}

// SetDefault marks the driver returned by Default.
func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	r.defaultName = name
	r.mu.Unlock()
}

// Get returns the driver by name, or error if not found.
func (r *Registry) Get(name string) (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("embedding driver not found: %s", name)
	}
	return d, nil
}

// Default returns the configured default driver.
func (r *Registry) Default() (contracts.EmbeddingDriver, error) {
	r.mu.RLock()
	name := r.defaultName
	r.mu.RUnlock()
	if name == "" {
		return nil, fmt.Errorf("no embedding drivers registered")
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
	snapshot := make(map[string]contracts.EmbeddingDriver, len(r.drivers))
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
