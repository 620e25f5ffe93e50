package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// Archiver writes audit events as JSONL files before the janitor purges
// them, one file per sweep and tenant:
//
//	{basePath}/{tenant}/audit/2026-08-26T15-04-05Z.jsonl[.gz]
type Archiver struct {
	basePath string
	compress bool
}

// NewArchiver creates a file-based audit archiver. An empty basePath
// defaults to "~/.calmdesk/archive".
func NewArchiver(basePath string, compress bool) *Archiver {
	if basePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			basePath = filepath.Join(os.TempDir(), "calmdesk", "archive")
		} else {
			basePath = filepath.Join(home, ".calmdesk", "archive")
		}
	}
	return &Archiver{basePath: basePath, compress: compress}
}

// ArchiveAuditEvents writes events to a timestamped JSONL file and returns
// its path.
func (a *Archiver) ArchiveAuditEvents(_ context.Context, tenantID string, events []models.AuditEvent) (string, error) {
	dir := filepath.Join(a.basePath, tenantID, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(events)).
		Str("tenant", tenantID).
		Msg("Archived audit events to local file")
	return fpath, nil
}

// HealthCheck verifies the base path is writable.
func (a *Archiver) HealthCheck(_ context.Context) error {
	if err := os.MkdirAll(a.basePath, 0o755); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	testFile := filepath.Join(a.basePath, ".healthcheck")
	if err := os.WriteFile(testFile, []byte("ok"), 0o644); err != nil {
		return fmt.Errorf("archive path not writable: %w", err)
	}
	os.Remove(testFile)
	return nil
}
