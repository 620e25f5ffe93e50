package vectorstore

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"
)

// ChromemIndex implements VectorStoreDriver on chromem-go, an embedded pure
// Go vector database. Each tenant gets its own collection, so isolation is
// structural rather than a filter. Optional single-file persistence.
type ChromemIndex struct {
	db          *chromem.DB
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection
	counts      map[string]int // tenant:source -> live vector count
}

// NewChromemIndex creates a chromem-backed index. persistPath names a
// snapshot file; empty keeps everything in memory.
func NewChromemIndex(persistPath string) (*ChromemIndex, error) {
	var db *chromem.DB
	if persistPath != "" {
		if _, err := os.Stat(persistPath); err == nil {
			loaded, err := chromem.NewPersistentDB(persistPath, false)
			if err != nil {
				log.Warn().Err(err).Str("path", persistPath).Msg("Cannot load vector snapshot, starting empty")
				db = chromem.NewDB()
			} else {
				db = loaded
				log.Info().Str("path", persistPath).Msg("Vector snapshot loaded")
			}
		} else {
			db = chromem.NewDB()
		}
	} else {
		db = chromem.NewDB()
	}

	return &ChromemIndex{
		db:          db,
		persistPath: persistPath,
		collections: make(map[string]*chromem.Collection),
		counts:      make(map[string]int),
	}, nil
}

func (s *ChromemIndex) Kind() string { return "chromem" }

// collection returns the tenant's collection, creating it on first use. The
// embedding func never runs because all vectors arrive pre-computed.
func (s *ChromemIndex) collection(tenantID string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := "tenant-" + tenantID
	if col, ok := s.collections[name]; ok {
		return col, nil
	}
	col, err := s.db.GetOrCreateCollection(name, nil, func(_ context.Context, _ string) ([]float32, error) {
		return nil, fmt.Errorf("vectors must be pre-computed")
	})
	if err != nil {
		return nil, fmt.Errorf("chromem collection %q: %w", name, err)
	}
	s.collections[name] = col
	return col, nil
}

func (s *ChromemIndex) Upsert(ctx context.Context, docs []models.VectorDoc) error {
	byTenant := make(map[string][]models.VectorDoc)
	for _, d := range docs {
		if d.TenantID == "" {
			return fmt.Errorf("vector %s has no tenant id", d.ID)
		}
		byTenant[d.TenantID] = append(byTenant[d.TenantID], d)
	}

	for tenantID, batch := range byTenant {
		col, err := s.collection(tenantID)
		if err != nil {
			return err
		}

		cdocs := make([]chromem.Document, 0, len(batch))
		for _, d := range batch {
			meta := map[string]string{
				"vectorId":   d.ID,
				"sourceId":   d.SourceID,
				"chunkIndex": strconv.Itoa(d.ChunkIndex),
			}
			for k, v := range d.Metadata {
				meta[k] = v
			}
			cdocs = append(cdocs, chromem.Document{
				ID:        models.DocumentID(d.ID),
				Content:   d.Text,
				Metadata:  meta,
				Embedding: toFloat32(d.Embedding),
			})
		}
		if err := col.AddDocuments(ctx, cdocs, runtime.NumCPU()); err != nil {
			return fmt.Errorf("chromem upsert: %w", err)
		}

		s.mu.Lock()
		for _, d := range batch {
			s.counts[tenantID+":"+d.SourceID]++
		}
		s.mu.Unlock()
	}

	s.persist()
	return nil
}

func (s *ChromemIndex) Search(ctx context.Context, tenantID string, vector []float64, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = models.DefaultTopK
	}
	col, err := s.collection(tenantID)
	if err != nil {
		return nil, err
	}

	// chromem rejects queries asking for more results than stored documents.
	if n := col.Count(); n < topK {
		if n == 0 {
			return nil, nil
		}
		topK = n
	}

	found, err := col.QueryEmbedding(ctx, toFloat32(vector), topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem search: %w", err)
	}

	results := make([]models.SearchResult, 0, len(found))
	for _, r := range found {
		chunkIndex, _ := strconv.Atoi(r.Metadata["chunkIndex"])
		vectorID := r.Metadata["vectorId"]
		if vectorID == "" {
			vectorID = r.ID
		}
		meta := make(map[string]string)
		for k, v := range r.Metadata {
			switch k {
			case "vectorId", "sourceId", "chunkIndex":
			default:
				meta[k] = v
			}
		}
		results = append(results, models.SearchResult{
			Doc: models.VectorDoc{
				ID:         vectorID,
				TenantID:   tenantID,
				SourceID:   r.Metadata["sourceId"],
				ChunkIndex: chunkIndex,
				Text:       r.Content,
				Metadata:   meta,
			},
			Score: float64(r.Similarity),
		})
	}
	return results, nil
}

func (s *ChromemIndex) DeleteBySource(ctx context.Context, tenantID, sourceID string) (int, error) {
	col, err := s.collection(tenantID)
	if err != nil {
		return 0, err
	}

	before := col.Count()
	if err := col.Delete(ctx, map[string]string{"sourceId": sourceID}, nil); err != nil {
		return 0, fmt.Errorf("chromem delete: %w", err)
	}
	removed := before - col.Count()

	s.mu.Lock()
	s.counts[tenantID+":"+sourceID] = 0
	s.mu.Unlock()

	s.persist()
	return removed, nil
}

// CountBySource reports vectors written during this process's lifetime.
// chromem has no filtered count, so after a restart with persistence the
// count reflects only post-restart writes; source metadata carries the
// authoritative number.
func (s *ChromemIndex) CountBySource(_ context.Context, tenantID, sourceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[tenantID+":"+sourceID], nil
}

func (s *ChromemIndex) HealthCheck(_ context.Context) error {
	return nil
}

// Close flushes the snapshot if persistence is enabled.
func (s *ChromemIndex) Close() error {
	if s.persistPath == "" {
		return nil
	}
	if err := s.db.Export(s.persistPath, false, ""); err != nil {
		return fmt.Errorf("chromem export: %w", err)
	}
	return nil
}

func (s *ChromemIndex) persist() {
	if s.persistPath == "" {
		return
	}
	if err := s.db.Export(s.persistPath, false, ""); err != nil {
		log.Warn().Err(err).Str("path", s.persistPath).Msg("Vector snapshot write failed")
	}
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}
