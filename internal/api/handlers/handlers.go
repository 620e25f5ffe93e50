// Package handlers implements the HTTP handlers for the CalmDesk engine:
// tenant-scoped chat, knowledge source management, policies, procedures,
// data connectors, conversation history, and audit listings.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/calmdesk/calmdesk/engine/internal/ingest"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Store        store.Store
	Orchestrator contracts.OrchestratorService
	Cache        contracts.CacheService
	Vectors      contracts.VectorStoreDriver
	Queue        *ingest.Queue
	Extractor    *ingest.Extractor
	Executor     *procedure.Executor
}

// New creates a Handlers instance with all dependencies.
func New(s store.Store, orch contracts.OrchestratorService, cache contracts.CacheService, vectors contracts.VectorStoreDriver, queue *ingest.Queue, extractor *ingest.Extractor, exec *procedure.Executor) *Handlers {
	return &Handlers{
		Store:        s,
		Orchestrator: orch,
		Cache:        cache,
		Vectors:      vectors,
		Queue:        queue,
		Extractor:    extractor,
		Executor:     exec,
	}
}

// ── Helpers ──────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps store failures to 404 or 500.
func respondStoreError(w http.ResponseWriter, err error) {
	if store.IsNotFound(err) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}
