package retrieval_test

import (
	"context"
	"math"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/retrieval"
	"github.com/calmdesk/calmdesk/engine/internal/vectorstore"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// stubEmbedder returns a fixed vector per text, keyed by the text itself.
type stubEmbedder struct {
	vectors map[string][]float64
}

func (s *stubEmbedder) Kind() string    { return "stub" }
func (s *stubEmbedder) Dimensions() int { return 3 }
func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, ok := s.vectors[t]
		if !ok {
			v = []float64{0, 0, 1}
		}
		out[i] = v
	}
	return out, nil
}
func (s *stubEmbedder) HealthCheck(context.Context) error { return nil }

func seedIndex(t *testing.T) *vectorstore.MemoryIndex {
	t.Helper()
	idx := vectorstore.NewMemoryIndex()
	docs := []models.VectorDoc{
		{ID: "s1#chunk-0", TenantID: "acme", SourceID: "s1", ChunkIndex: 0, Text: "refund policy", Embedding: []float64{1, 0, 0}},
		{ID: "s1#chunk-1", TenantID: "acme", SourceID: "s1", ChunkIndex: 1, Text: "refund window", Embedding: []float64{0.9, 0.1, 0}},
		{ID: "s2#chunk-0", TenantID: "acme", SourceID: "s2", ChunkIndex: 0, Text: "shipping", Embedding: []float64{0, 1, 0}},
		{ID: "s3#chunk-0", TenantID: "globex", SourceID: "s3", ChunkIndex: 0, Text: "other tenant", Embedding: []float64{1, 0, 0}},
	}
	if err := idx.Upsert(context.Background(), docs); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	return idx
}

func TestSearch_TenantScopedAndSorted(t *testing.T) {
	emb := &stubEmbedder{vectors: map[string][]float64{"refund?": {1, 0, 0}}}
	r := retrieval.New(emb, seedIndex(t))
	ctx := context.Background()

	vec, err := r.EmbedQuery(ctx, "refund?")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	results, err := r.Search(ctx, "acme", vec, 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Search() returned %d results, want 3 (globex excluded)", len(results))
	}
	for _, res := range results {
		if res.Doc.TenantID != "acme" {
			t.Fatalf("result leaked tenant %q", res.Doc.TenantID)
		}
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted descending at %d", i)
		}
	}
	if results[0].Doc.ID != "s1#chunk-0" {
		t.Errorf("top result = %s, want exact match first", results[0].Doc.ID)
	}
}

func TestConfidence(t *testing.T) {
	if got := retrieval.Confidence(nil); got != 0 {
		t.Errorf("Confidence(nil) = %v, want 0", got)
	}
	results := []models.SearchResult{{Score: 0.9}, {Score: 0.7}, {Score: 0.5}}
	if got := retrieval.Confidence(results); math.Abs(got-0.7) > 1e-9 {
		t.Errorf("Confidence() = %v, want 0.7", got)
	}
}

func TestCitations_DedupedRelevanceOrder(t *testing.T) {
	results := []models.SearchResult{
		{Doc: models.VectorDoc{SourceID: "s2"}, Score: 0.9},
		{Doc: models.VectorDoc{SourceID: "s1"}, Score: 0.8},
		{Doc: models.VectorDoc{SourceID: "s2"}, Score: 0.7},
	}
	got := retrieval.Citations(results)
	if len(got) != 2 || got[0] != "s2" || got[1] != "s1" {
		t.Errorf("Citations() = %v, want [s2 s1]", got)
	}
}
