// Package semcache implements the tenant-scoped semantic answer cache.
//
// Entries are keyed by the embedding of the cleaned query (its fingerprint).
// Lookup is a nearest-neighbor scan over the tenant's live entries: the best
// entry wins when its cosine similarity reaches the hit threshold and it has
// not expired. Cache faults are always non-fatal to callers.
package semcache

import (
	"context"
	"fmt"
	"time"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/internal/vectorstore"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// Cache is the semantic cache service backed by the persistence gateway.
type Cache struct {
	store     store.CacheStore
	threshold float64
}

// Option configures the cache.
type Option func(*Cache)

// WithThreshold overrides the similarity threshold. Values below the
// model-level minimum are clamped up to it.
func WithThreshold(threshold float64) Option {
	return func(c *Cache) {
		if threshold < models.CacheSimilarityThreshold {
			threshold = models.CacheSimilarityThreshold
		}
		c.threshold = threshold
	}
}

// New creates a semantic cache over the given entry store.
func New(s store.CacheStore, opts ...Option) *Cache {
	c := &Cache{
		store:     s,
		threshold: models.CacheSimilarityThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached answer whose fingerprint is most similar to
// queryVec, provided the similarity reaches the threshold and the entry has
// not expired. Misses and read errors both return nil; errors are only
// logged (a cache fault must never fail the pipeline).
func (c *Cache) Get(ctx context.Context, tenantID, query string, queryVec []float64) (*models.CachedAnswer, error) {
	if len(queryVec) == 0 {
		return nil, nil
	}

	entries, err := c.store.ListCacheEntries(ctx, tenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("Semantic cache read failed, treating as miss")
		return nil, nil
	}

	now := time.Now().UTC()
	var best *models.CacheEntry
	bestScore := 0.0
	for i := range entries {
		e := &entries[i]
		if e.Expired(now) || len(e.Fingerprint) != len(queryVec) {
			continue
		}
		score := vectorstore.CosineSimilarity(queryVec, e.Fingerprint)
		if score > bestScore {
			bestScore = score
			best = e
		}
	}

	if best == nil || bestScore < c.threshold {
		return nil, nil
	}

	log.Debug().
		Str("tenant", tenantID).
		Float64("similarity", bestScore).
		Str("cached_query", best.Query).
		Msg("Semantic cache hit")
	return &models.CachedAnswer{
		Content:    best.Content,
		Confidence: best.Confidence,
		Citations:  best.Citations,
	}, nil
}

// Set stores an answer under the query's fingerprint. Duplicate writes for
// near-identical queries are admissible; ttl of zero falls back to the
// default. Write errors are returned so callers can log them, but callers
// treat them as non-fatal.
func (c *Cache) Set(ctx context.Context, tenantID, query string, queryVec []float64, answer models.CachedAnswer, ttl time.Duration) error {
	if len(queryVec) == 0 {
		return fmt.Errorf("cache set: empty fingerprint")
	}
	if ttl <= 0 {
		ttl = models.DefaultCacheTTLSeconds * time.Second
	}

	now := time.Now().UTC()
	entry := &models.CacheEntry{
		TenantID:    tenantID,
		Query:       query,
		Fingerprint: queryVec,
		Content:     answer.Content,
		Confidence:  answer.Confidence,
		Citations:   answer.Citations,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	if err := c.store.PutCacheEntry(ctx, entry); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// InvalidateTenant removes every cache entry for the tenant. The ingestion
// pipeline calls this after publishing a source so stale answers never
// outlive the corpus that produced them.
func (c *Cache) InvalidateTenant(ctx context.Context, tenantID string) error {
	removed, err := c.store.DeleteCacheEntries(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("invalidate tenant cache: %w", err)
	}
	log.Info().Str("tenant", tenantID).Int("removed", removed).Msg("Tenant cache invalidated")
	return nil
}
