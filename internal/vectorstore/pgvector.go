package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PgvectorIndex implements VectorStoreDriver using PostgreSQL with the
// pgvector extension. Users must provide their own PostgreSQL instance with
// pgvector installed.
type PgvectorIndex struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPgvectorIndex creates a pgvector-backed index. It creates the required
// table and indexes if they don't exist.
func NewPgvectorIndex(ctx context.Context, connURL string, dimensions int) (*PgvectorIndex, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorIndex{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("pgvector index initialized")
	return s, nil
}

func (s *PgvectorIndex) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS cd_vectors (
			id          TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			source_id   TEXT NOT NULL,
			chunk_index INT NOT NULL DEFAULT 0,
			text        TEXT NOT NULL DEFAULT '',
			metadata    JSONB NOT NULL DEFAULT '{}',
			embedding   vector(%d) NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE INDEX IF NOT EXISTS idx_cd_vectors_tenant ON cd_vectors (tenant_id);
		CREATE INDEX IF NOT EXISTS idx_cd_vectors_source ON cd_vectors (tenant_id, source_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorIndex) Kind() string { return "pgvector" }

// Upsert inserts or replaces vectors in one batched statement. Deterministic
// ids make re-ingestion of the same source version idempotent.
func (s *PgvectorIndex) Upsert(ctx context.Context, docs []models.VectorDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO cd_vectors (id, tenant_id, source_id, chunk_index, text, metadata, embedding)
		VALUES `)

	args := make([]interface{}, 0, len(docs)*7)
	for i, d := range docs {
		if d.TenantID == "" {
			return fmt.Errorf("vector %s has no tenant id", d.ID)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*7 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)", base, base+1, base+2, base+3, base+4, base+5, base+6))
		metadata := d.Metadata
		if metadata == nil {
			metadata = map[string]string{}
		}
		args = append(args, d.ID, d.TenantID, d.SourceID, d.ChunkIndex, d.Text, metadata, pgvectorArray(d.Embedding))
	}

	sb.WriteString(` ON CONFLICT (tenant_id, id) DO UPDATE SET
		source_id = EXCLUDED.source_id,
		chunk_index = EXCLUDED.chunk_index,
		text = EXCLUDED.text,
		metadata = EXCLUDED.metadata,
		embedding = EXCLUDED.embedding`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

// Search returns the tenant's topK nearest vectors by cosine similarity.
func (s *PgvectorIndex) Search(ctx context.Context, tenantID string, vector []float64, topK int) ([]models.SearchResult, error) {
	if topK <= 0 {
		topK = models.DefaultTopK
	}

	query := `SELECT id, tenant_id, source_id, chunk_index, text, metadata,
		1 - (embedding <=> $1) AS score
		FROM cd_vectors
		WHERE tenant_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`

	rows, err := s.pool.Query(ctx, query, pgvectorArray(vector), tenantID, topK)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []models.SearchResult
	for rows.Next() {
		var doc models.VectorDoc
		var score float64
		if err := rows.Scan(&doc.ID, &doc.TenantID, &doc.SourceID, &doc.ChunkIndex, &doc.Text, &doc.Metadata, &score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		results = append(results, models.SearchResult{Doc: doc, Score: score})
	}
	return results, rows.Err()
}

// DeleteBySource removes all vectors of one source and reports the count.
func (s *PgvectorIndex) DeleteBySource(ctx context.Context, tenantID, sourceID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_vectors WHERE tenant_id = $1 AND source_id = $2", tenantID, sourceID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// CountBySource reports how many vectors a source currently has.
func (s *PgvectorIndex) CountBySource(ctx context.Context, tenantID, sourceID string) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM cd_vectors WHERE tenant_id = $1 AND source_id = $2", tenantID, sourceID).Scan(&count)
	return count, err
}

func (s *PgvectorIndex) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PgvectorIndex) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float64 slice to pgvector's text format: [1.0,2.0,3.0]
func pgvectorArray(v []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
