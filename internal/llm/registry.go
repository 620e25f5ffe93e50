// Package llm provides the chat completion driver registry and drivers.
// Ships: OpenAI (and OpenAI-compatible servers), Anthropic, Ollama.
//
// Models are addressed as "provider/model" (e.g. "anthropic/claude-sonnet-4-20250514");
// a bare model name resolves against the default provider.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/calmdesk/calmdesk/engine/internal/config"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/rs/zerolog/log"
)

// Registry holds named LLM drivers. Thread-safe.
type Registry struct {
	mu           sync.RWMutex
	drivers      map[string]contracts.LLMDriver
	defaultName  string
	defaultModel string
}

// NewRegistry creates an empty LLM registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]contracts.LLMDriver),
	}
}

// NewRegistryFromConfig builds a registry with every provider whose
// credentials or endpoint are configured. The default model's provider must
// be among them.
func NewRegistryFromConfig(cfg config.LLMConfig) (*Registry, error) {
	r := NewRegistry()

	if cfg.OpenAIAPIKey != "" {
		r.Register("openai", NewOpenAIDriver(cfg.OpenAIAPIKey, WithBaseURL(cfg.OpenAIBaseURL)))
	}
	if cfg.AnthropicAPIKey != "" {
		r.Register("anthropic", NewAnthropicDriver(cfg.AnthropicAPIKey, WithAnthropicBaseURL(cfg.AnthropicBaseURL)))
	}
	if cfg.OllamaBaseURL != "" {
		r.Register("ollama", NewOllamaDriver(cfg.OllamaBaseURL))
	}

	provider, _ := SplitModel(cfg.DefaultModel)
	if _, err := r.Get(provider); err != nil {
		return nil, fmt.Errorf("default model %q: provider not available: %w", cfg.DefaultModel, err)
	}
	r.mu.Lock()
	r.defaultName = provider
	r.defaultModel = cfg.DefaultModel
	r.mu.Unlock()
	return r, nil
}

// SplitModel splits a "provider/model" reference. A bare model name returns
// an empty provider.
func SplitModel(ref string) (provider, model string) {
	if i := strings.Index(ref, "/"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return "", ref
}

// Register adds a driver under the given name. Overwrites if exists. The
// first registered driver becomes the default.
func (r *Registry) Register(name string, driver contracts.LLMDriver) {
	r.mu.Lock()
	r.drivers[name] = driver
	if r.defaultName == "" {
		r.defaultName = name
	}
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Msg("LLM driver registered")
}

// Get returns the driver by name, or error if not found.
func (r *Registry) Get(name string) (contracts.LLMDriver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("llm driver not found: %s", name)
	}
	return d, nil
}

// Resolve maps a model reference onto (driver, bare model name). An empty
// reference resolves to the configured default model; a bare model name
// resolves against the default provider.
func (r *Registry) Resolve(ref string) (contracts.LLMDriver, string, error) {
	r.mu.RLock()
	defaultName, defaultModel := r.defaultName, r.defaultModel
	r.mu.RUnlock()

	if ref == "" {
		ref = defaultModel
	}
	provider, model := SplitModel(ref)
	if provider == "" {
		provider = defaultName
	}
	driver, err := r.Get(provider)
	if err != nil {
		return nil, "", err
	}
	return driver, model, nil
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
	snapshot := make(map[string]contracts.LLMDriver, len(r.drivers))
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
