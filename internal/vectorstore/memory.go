package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// DefaultMaxVectors is the default cap for the in-memory index (50K).
// Exceeding this is an error nudging users toward chromem or pgvector.
const DefaultMaxVectors = 50_000

// MemoryIndex is a brute-force cosine similarity index. Suitable for
// development and small workloads; for production use chromem or pgvector.
type MemoryIndex struct {
	mu         sync.RWMutex
	docs       map[string]*models.VectorDoc // key: tenant:id
	maxVectors int
}

// MemoryOption configures the in-memory index.
type MemoryOption func(*MemoryIndex)

// WithMaxVectors sets the maximum number of vectors (default 50K).
func WithMaxVectors(max int) MemoryOption {
	return func(s *MemoryIndex) { s.maxVectors = max }
}

// NewMemoryIndex creates an in-memory vector index.
func NewMemoryIndex(opts ...MemoryOption) *MemoryIndex {
	s := &MemoryIndex{
		docs:       make(map[string]*models.VectorDoc),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("In-memory vector index initialized")
	return s
}

func (s *MemoryIndex) Kind() string { return "memory" }

// Upsert stores docs keyed by their deterministic ids, replacing any
// existing entry. Every doc must carry a tenant id.
func (s *MemoryIndex) Upsert(_ context.Context, docs []models.VectorDoc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, d := range docs {
		if d.TenantID == "" {
			return fmt.Errorf("vector %s has no tenant id", d.ID)
		}
		if d.ID == "" {
			return fmt.Errorf("vector for source %s has no id", d.SourceID)
		}
		if _, exists := s.docs[key(d.TenantID, d.ID)]; !exists {
			newCount++
		}
	}
	total := len(s.docs) + newCount
	if total > s.maxVectors {
		return fmt.Errorf("in-memory vector index capacity exceeded: %d > %d (consider chromem or pgvector)", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("In-memory vector index nearing capacity")
	}

	for _, d := range docs {
		cp := d
		s.docs[key(cp.TenantID, cp.ID)] = &cp
	}
	return nil
}

// Search scans the tenant's vectors and returns the topK by cosine
// similarity, highest first. Vectors of a different width are skipped.
func (s *MemoryIndex) Search(_ context.Context, tenantID string, vector []float64, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = models.DefaultTopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		doc   *models.VectorDoc
		score float64
	}
	var candidates []scored

	for _, d := range s.docs {
		if d.TenantID != tenantID {
			continue
		}
		if len(d.Embedding) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{doc: d, score: CosineSimilarity(vector, d.Embedding)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}

	results := make([]models.SearchResult, topK)
	for i := 0; i < topK; i++ {
		cp := *candidates[i].doc
		results[i] = models.SearchResult{Doc: cp, Score: candidates[i].score}
	}
	return results, nil
}

// DeleteBySource removes every vector belonging to the source and returns
// how many were removed.
func (s *MemoryIndex) DeleteBySource(_ context.Context, tenantID, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, d := range s.docs {
		if d.TenantID == tenantID && d.SourceID == sourceID {
			delete(s.docs, k)
			removed++
		}
	}
	return removed, nil
}

// CountBySource reports how many vectors a source currently has.
func (s *MemoryIndex) CountBySource(_ context.Context, tenantID, sourceID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, d := range s.docs {
		if d.TenantID == tenantID && d.SourceID == sourceID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryIndex) HealthCheck(_ context.Context) error {
	return nil // always healthy — it's in-memory
}

// ── Helpers ─────────────────────────────────────────────────

func key(tenantID, id string) string {
	return tenantID + ":" + id
}

// CosineSimilarity computes dot(a,b)/(|a||b|). Either vector having zero
// magnitude yields 0 rather than NaN.
func CosineSimilarity(a, b []float64) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
