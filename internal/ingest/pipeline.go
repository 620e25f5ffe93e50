// Package ingest implements the knowledge ingestion pipeline:
// extract → chunk → embed → index. Jobs run on a bounded worker pool; each
// step is retried with exponential backoff, and a step that still fails
// marks the source failed rather than leaving it processing forever.
package ingest

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// maxStepRetries is how many times one pipeline step is retried after its
// first failure.
const maxStepRetries = 3

// Pipeline processes one ingestion event end to end.
type Pipeline struct {
	store      store.Store
	embeddings contracts.EmbeddingDriver
	vectors    contracts.VectorStoreDriver
	cache      contracts.CacheService
	extractor  *Extractor
	audit      *audit.Emitter

	chunkSize    int
	chunkOverlap int
}

// NewPipeline creates an ingestion pipeline. cache and emitter may be nil.
func NewPipeline(s store.Store, emb contracts.EmbeddingDriver, vs contracts.VectorStoreDriver, cache contracts.CacheService, extractor *Extractor, emitter *audit.Emitter) *Pipeline {
	return &Pipeline{
		store:        s,
		embeddings:   emb,
		vectors:      vs,
		cache:        cache,
		extractor:    extractor,
		audit:        emitter,
		chunkSize:    models.DefaultChunkSize,
		chunkOverlap: models.DefaultChunkOverlap,
	}
}

// Process runs one event through extract, chunk, reindex and publish. On
// failure the source is marked failed; vectors already written stay (the
// next successful run replaces them).
func (p *Pipeline) Process(ctx context.Context, event models.IngestEvent) error {
	start := time.Now()
	log.Info().
		Str("tenant", event.TenantID).
		Str("source", event.SourceID).
		Str("type", string(event.Type)).
		Msg("Ingestion started")

	var text string
	err := p.step(ctx, func() error {
		var stepErr error
		text, stepErr = p.extractor.Extract(ctx, event)
		return stepErr
	})
	if err != nil {
		return p.fail(ctx, event, fmt.Errorf("extract: %w", err))
	}

	chunks := SplitText(text, p.chunkSize, p.chunkOverlap)
	if len(chunks) == 0 {
		return p.fail(ctx, event, fmt.Errorf("chunk: source %s produced no chunks", event.SourceID))
	}

	// Old vectors go first so a re-ingested source never serves a mix of
	// versions after the new upserts land.
	err = p.step(ctx, func() error {
		_, delErr := p.vectors.DeleteBySource(ctx, event.TenantID, event.SourceID)
		return delErr
	})
	if err != nil {
		return p.fail(ctx, event, fmt.Errorf("delete old vectors: %w", err))
	}

	vectorsStored := 0
	err = p.step(ctx, func() error {
		stored, embErr := p.embedAndUpsert(ctx, event, chunks)
		vectorsStored = stored
		return embErr
	})
	if err != nil {
		return p.fail(ctx, event, fmt.Errorf("embed and index: %w", err))
	}

	if err := p.publish(ctx, event, len(chunks), vectorsStored); err != nil {
		return p.fail(ctx, event, fmt.Errorf("publish: %w", err))
	}

	if p.cache != nil {
		// New knowledge invalidates previously cached answers.
		if err := p.cache.InvalidateTenant(ctx, event.TenantID); err != nil {
			log.Warn().Err(err).Str("tenant", event.TenantID).Msg("Cache invalidation failed after ingest")
		}
	}

	log.Info().
		Str("tenant", event.TenantID).
		Str("source", event.SourceID).
		Int("chunks", len(chunks)).
		Int("vectors", vectorsStored).
		Dur("elapsed", time.Since(start)).
		Msg("Ingestion complete")
	return nil
}

// step retries op with exponential backoff, honoring ctx cancellation.
func (p *Pipeline) step(ctx context.Context, op func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxStepRetries), ctx)
	return backoff.Retry(op, b)
}

func (p *Pipeline) embedAndUpsert(ctx context.Context, event models.IngestEvent, chunks []string) (int, error) {
	stored := 0

	for i := 0; i < len(chunks); i += models.EmbedBatchSize {
		end := i + models.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[i:end]

		vectors, err := p.embeddings.Embed(ctx, batch)
		if err != nil {
			return stored, fmt.Errorf("embed batch %d-%d: %w", i, end, err)
		}
		if len(vectors) != len(batch) {
			return stored, fmt.Errorf("embed batch %d-%d: got %d vectors for %d texts", i, end, len(vectors), len(batch))
		}

		docs := make([]models.VectorDoc, len(batch))
		for j, chunk := range batch {
			chunk = truncateBytes(chunk, models.MaxChunkTextBytes)
			docs[j] = models.VectorDoc{
				ID:         models.VectorID(event.SourceID, event.Version, i+j),
				TenantID:   event.TenantID,
				SourceID:   event.SourceID,
				ChunkIndex: i + j,
				Text:       chunk,
				Embedding:  vectors[j],
				Metadata: map[string]string{
					"title": event.Title,
				},
			}
		}
		if err := p.vectors.Upsert(ctx, docs); err != nil {
			return stored, fmt.Errorf("upsert batch %d-%d: %w", i, end, err)
		}
		stored += len(docs)
	}
	return stored, nil
}

// publish flips the source to ready and emits knowledge.processed.
func (p *Pipeline) publish(ctx context.Context, event models.IngestEvent, chunksCount, vectorsCount int) error {
	source, err := p.store.GetSource(ctx, event.TenantID, event.SourceID)
	if err != nil {
		return fmt.Errorf("load source: %w", err)
	}

	source.Status = models.SourceStatusReady
	if source.Metadata == nil {
		source.Metadata = make(map[string]any)
	}
	source.Metadata["title"] = source.Title
	source.Metadata["chunksCount"] = chunksCount
	source.Metadata["vectorsCount"] = vectorsCount
	source.Metadata["processedAt"] = time.Now().UTC().Format(time.RFC3339)

	if err := p.store.UpdateSource(ctx, source); err != nil {
		return fmt.Errorf("update source: %w", err)
	}

	if p.audit != nil {
		p.audit.Emit(event.TenantID, models.AuditKnowledgeProcessed, map[string]any{
			"sourceId":     event.SourceID,
			"chunksCount":  chunksCount,
			"vectorsCount": vectorsCount,
		})
	}
	return nil
}

// fail marks the source failed and returns the original error.
func (p *Pipeline) fail(ctx context.Context, event models.IngestEvent, cause error) error {
	log.Error().
		Err(cause).
		Str("tenant", event.TenantID).
		Str("source", event.SourceID).
		Msg("Ingestion failed")

	source, err := p.store.GetSource(ctx, event.TenantID, event.SourceID)
	if err != nil {
		log.Warn().Err(err).Str("source", event.SourceID).Msg("Cannot load source to mark failed")
		return cause
	}
	source.Status = models.SourceStatusFailed
	if source.Metadata == nil {
		source.Metadata = make(map[string]any)
	}
	source.Metadata["error"] = cause.Error()
	if err := p.store.UpdateSource(ctx, source); err != nil {
		log.Warn().Err(err).Str("source", event.SourceID).Msg("Cannot mark source failed")
	}
	return cause
}

// truncateBytes caps s at max bytes, backing off to a rune boundary so the
// stored text stays valid UTF-8.
func truncateBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
