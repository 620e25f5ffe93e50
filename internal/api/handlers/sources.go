package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// maxUploadBytes bounds source file uploads (25 MB).
const maxUploadBytes = 25 << 20

func (h *Handlers) ListSources(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	sources, err := h.Store.ListSources(r.Context(), tenantID, listFilterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sources == nil {
		sources = []models.KnowledgeSource{}
	}
	respondJSON(w, http.StatusOK, sources)
}

// CreateSource registers a url or manual source and enqueues ingestion.
// File sources are created pending and ingest on upload.
func (h *Handlers) CreateSource(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req models.KnowledgeSource
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	switch req.Type {
	case models.SourceTypeURL:
		if req.Locator == "" || !strings.HasPrefix(req.Locator, "http") {
			respondError(w, http.StatusBadRequest, "url sources need an http(s) locator")
			return
		}
	case models.SourceTypeFile:
		// Content arrives through the upload endpoint.
	case models.SourceTypeManual:
		if strings.TrimSpace(req.Content) == "" {
			respondError(w, http.StatusBadRequest, "manual sources need content")
			return
		}
	default:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("unsupported source type: %s", req.Type))
		return
	}
	if req.Title == "" {
		respondError(w, http.StatusBadRequest, "title is required")
		return
	}

	req.ID = uuid.NewString()
	req.TenantID = tenantID
	req.Status = models.SourceStatusProcessing
	req.Version = 1
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateSource(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if req.Type != models.SourceTypeFile {
		if err := h.enqueueIngest(r.Context(), &req); err != nil {
			respondError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}

	log.Info().Str("tenant", tenantID).Str("source", req.ID).Str("type", string(req.Type)).Msg("Knowledge source created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetSource(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	source, err := h.Store.GetSource(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, source)
}

// UploadSourceFile receives the file for a file-type source (multipart field
// "file"), stores it in the blob directory, and enqueues ingestion.
func (h *Handlers) UploadSourceFile(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	source, err := h.Store.GetSource(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if source.Type != models.SourceTypeFile {
		respondError(w, http.StatusBadRequest, "only file sources accept uploads")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	// The stored name keeps the original extension so the extractor can
	// pick the right parser, but is namespaced by source id.
	ext := strings.ToLower(filepath.Ext(header.Filename))
	fileID := source.ID + ext
	dst := filepath.Join(h.Extractor.BlobDir(), fileID)
	out, err := os.Create(dst)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("store upload: %v", err))
		return
	}
	defer out.Close()
	written, err := io.Copy(out, file)
	if err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("store upload: %v", err))
		return
	}

	source.Locator = fileID
	source.Status = models.SourceStatusProcessing
	source.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateSource(r.Context(), source); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.enqueueIngest(r.Context(), source); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	log.Info().
		Str("tenant", tenantID).
		Str("source", source.ID).
		Str("file", header.Filename).
		Int64("bytes", written).
		Msg("Source file uploaded")
	respondJSON(w, http.StatusOK, source)
}

// ReingestSource bumps the source version and runs it through the pipeline
// again. Old vectors are replaced atomically per source.
func (h *Handlers) ReingestSource(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	source, err := h.Store.GetSource(r.Context(), tenantID, chi.URLParam(r, "sourceID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if source.Type == models.SourceTypeFile && source.Locator == "" {
		respondError(w, http.StatusConflict, "source has no uploaded file yet")
		return
	}

	source.Version++
	source.Status = models.SourceStatusProcessing
	source.UpdatedAt = time.Now().UTC()
	if err := h.Store.UpdateSource(r.Context(), source); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.enqueueIngest(r.Context(), source); err != nil {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	respondJSON(w, http.StatusAccepted, source)
}

// DeleteSource removes the source and cascades to its vectors.
func (h *Handlers) DeleteSource(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	sourceID := chi.URLParam(r, "sourceID")

	if err := h.Store.DeleteSource(r.Context(), tenantID, sourceID); err != nil {
		respondStoreError(w, err)
		return
	}
	removed, err := h.Vectors.DeleteBySource(r.Context(), tenantID, sourceID)
	if err != nil {
		log.Warn().Err(err).Str("source", sourceID).Msg("Vector cascade delete failed")
	}
	if err := h.Cache.InvalidateTenant(r.Context(), tenantID); err != nil {
		log.Warn().Err(err).Str("tenant", tenantID).Msg("Cache invalidation after source delete failed")
	}

	log.Info().Str("tenant", tenantID).Str("source", sourceID).Int("vectors_removed", removed).Msg("Knowledge source deleted")
	respondJSON(w, http.StatusOK, map[string]any{"status": "deleted", "source": sourceID, "vectorsRemoved": removed})
}

// enqueueIngest hands a source to the ingestion queue.
func (h *Handlers) enqueueIngest(ctx context.Context, source *models.KnowledgeSource) error {
	event := models.IngestEvent{
		SourceID: source.ID,
		TenantID: source.TenantID,
		Type:     source.Type,
		Title:    source.Title,
		Version:  source.Version,
	}
	switch source.Type {
	case models.SourceTypeURL:
		event.URL = source.Locator
	case models.SourceTypeFile:
		event.FileID = source.Locator
	case models.SourceTypeManual:
		event.Content = source.Content
	}
	return h.Queue.Enqueue(ctx, event)
}
