// Package contracts defines the service and driver interfaces of the
// CalmDesk engine.
//
// The engine ships concrete implementations for every interface here
// (in-memory store, OpenAI/Ollama embeddings, memory/pgvector/chromem vector
// stores, OpenAI/Anthropic/Ollama chat drivers, webhook notifications).
// Embedding deployments that host the engine inside a larger process can
// swap any of them through pkg/server wiring without touching internal/.
package contracts

import (
	"context"
	"time"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// Store is a type alias for the internal Store interface, exposed so
// embedding code can reference it without importing internal/ directly.
type Store = store.Store

// ErrNotFound is a type alias for the internal ErrNotFound error.
type ErrNotFound = store.ErrNotFound

// ── Embedding Driver ────────────────────────────────────────

// EmbeddingDriver turns text into fixed-dimension vectors.
// Ships: OpenAI (text-embedding-3-*), Ollama (nomic-embed-text).
//
// Embed must return one vector per input, in input order, regardless of the
// order the provider answers in. Callers batch inputs to at most
// models.EmbedBatchSize per call.
type EmbeddingDriver interface {
	// Kind returns the driver identifier (e.g. "openai", "ollama").
	Kind() string

	// Embed converts a batch of texts into vectors, preserving input order.
	Embed(ctx context.Context, texts []string) ([][]float64, error)

	// Dimensions returns the vector dimension this driver produces.
	Dimensions() int

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Vector Store Driver ─────────────────────────────────────

// VectorStoreDriver stores chunk vectors and answers tenant-scoped cosine
// top-K queries. Ships: memory (reference linear scan), pgvector, chromem.
//
// Isolation contract: no call may read or delete vectors outside the given
// tenant, and Search results come back sorted by score descending.
type VectorStoreDriver interface {
	// Kind returns the driver identifier (e.g. "memory", "pgvector").
	Kind() string

	// Upsert writes vectors, replacing any existing document with the same id.
	Upsert(ctx context.Context, docs []models.VectorDoc) error

	// Search returns the top-K most similar vectors for the tenant.
	Search(ctx context.Context, tenantID string, vector []float64, topK int) ([]models.SearchResult, error)

	// DeleteBySource removes every vector belonging to the source and
	// returns how many were deleted.
	DeleteBySource(ctx context.Context, tenantID, sourceID string) (int, error)

	// CountBySource returns how many vectors the source currently has.
	CountBySource(ctx context.Context, tenantID, sourceID string) (int, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// ── LLM Driver ──────────────────────────────────────────────

// StreamHandler receives streaming completion chunks. Returning an error
// stops the stream.
type StreamHandler func(chunk *models.StreamChunk) error

// LLMDriver sends chat completion requests to one provider.
// Ships: OpenAI (and OpenAI-compatible base URLs), Anthropic, Ollama.
type LLMDriver interface {
	// Kind returns the provider identifier (e.g. "openai", "anthropic").
	Kind() string

	// Complete performs a full completion.
	Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error)

	// Stream performs a streaming completion, invoking handler per chunk.
	// The final chunk has Done set.
	Stream(ctx context.Context, req *models.CompletionRequest, handler StreamHandler) error

	// HealthCheck verifies the provider is reachable.
	HealthCheck(ctx context.Context) error
}

// ── Notification Channel Driver ─────────────────────────────

// NotificationEvent is what gets posted to a tenant's escalation webhook.
type NotificationEvent struct {
	Type           string         `json:"type"`
	TenantID       string         `json:"tenantId"`
	ConversationID string         `json:"conversationId,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
}

// ChannelDriver delivers notification events to one kind of target.
// Ships: webhook (HMAC-SHA256 signed JSON POST).
type ChannelDriver interface {
	// Kind returns the channel identifier (e.g. "webhook").
	Kind() string

	// Send delivers the event to the configured target.
	Send(ctx context.Context, target *models.WebhookConfig, event NotificationEvent) error
}

// ── Orchestrator Service ────────────────────────────────────

// StreamEmitter receives chat stream events during a streaming handle.
// Returning an error aborts the stream to the client but not the pipeline's
// persistence (already-persisted messages stay).
type StreamEmitter func(event models.StreamEvent) error

// OrchestratorService runs the per-message pipeline.
type OrchestratorService interface {
	// Handle processes one inbound message and returns its outcome.
	Handle(ctx context.Context, req *models.ChatRequest) (*models.ChatResult, error)

	// HandleStream processes one inbound message, emitting deltas as the
	// answer is generated, then the terminal event.
	HandleStream(ctx context.Context, req *models.ChatRequest, emit StreamEmitter) (*models.ChatResult, error)
}

// ── Ingestion Service ───────────────────────────────────────

// IngestService accepts ingestion events for background processing.
type IngestService interface {
	// Enqueue schedules a source for extract → chunk → embed → index.
	// It returns once the job is queued, not once it completes.
	Enqueue(ctx context.Context, event models.IngestEvent) error
}

// ── Semantic Cache Service ──────────────────────────────────

// CacheService is the tenant-scoped semantic answer cache.
type CacheService interface {
	// Get returns a cached answer when a stored fingerprint is similar
	// enough to the query vector and not expired. Misses return nil.
	Get(ctx context.Context, tenantID, query string, queryVec []float64) (*models.CachedAnswer, error)

	// Set stores an answer under the query's fingerprint.
	Set(ctx context.Context, tenantID, query string, queryVec []float64, answer models.CachedAnswer, ttl time.Duration) error

	// InvalidateTenant removes every entry for the tenant.
	InvalidateTenant(ctx context.Context, tenantID string) error
}
