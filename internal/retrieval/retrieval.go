// Package retrieval composes the embedding driver and the vector index into
// the tenant-scoped retriever: embed the query, run cosine top-K, report a
// confidence score.
package retrieval

import (
	"context"
	"fmt"

	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("calmdesk-engine/retrieval")

// Retriever answers tenant-scoped similarity queries.
type Retriever struct {
	embeddings contracts.EmbeddingDriver
	index      contracts.VectorStoreDriver
}

// New creates a retriever over the given drivers.
func New(emb contracts.EmbeddingDriver, index contracts.VectorStoreDriver) *Retriever {
	return &Retriever{embeddings: emb, index: index}
}

// EmbedQuery embeds a single query string. The orchestrator reuses the
// returned vector as the semantic cache fingerprint, so retrieval and cache
// share one provider call.
func (r *Retriever) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	vectors, err := r.embeddings.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("embed query: provider returned no vector")
	}
	return vectors[0], nil
}

// Search returns the tenant's topK most similar chunks for an
// already-embedded query, sorted by score descending.
func (r *Retriever) Search(ctx context.Context, tenantID string, queryVec []float64, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = models.DefaultTopK
	}
	ctx, span := tracer.Start(ctx, "retrieval.search")
	defer span.End()

	results, err := r.index.Search(ctx, tenantID, queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	span.SetAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.Int("retrieval.top_k", topK),
		attribute.Int("retrieval.results", len(results)),
	)
	log.Debug().
		Str("tenant", tenantID).
		Int("top_k", topK).
		Int("results", len(results)).
		Msg("Retrieval complete")
	return results, nil
}

// Confidence is the arithmetic mean of the result scores, or 0 when there
// are none.
func Confidence(results []models.SearchResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, r := range results {
		sum += r.Score
	}
	return sum / float64(len(results))
}

// Citations extracts the deduplicated source ids of the results in
// first-occurrence (relevance) order.
func Citations(results []models.SearchResult) []string {
	ids := make([]string, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.Doc.SourceID)
	}
	return models.DedupeCitations(ids)
}
