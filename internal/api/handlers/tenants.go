package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// sanitizeTenant strips API key digests before a tenant leaves the API.
func sanitizeTenant(t *models.Tenant) *models.Tenant {
	cp := *t
	cp.Config.APIKeyHashes = nil
	return &cp
}

func (h *Handlers) ListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.Tenant, 0, len(tenants))
	for i := range tenants {
		out = append(out, *sanitizeTenant(&tenants[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateTenant(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log.Info().Str("tenant", req.ID).Str("name", req.Name).Msg("Tenant created")
	respondJSON(w, http.StatusCreated, sanitizeTenant(&req))
}

func (h *Handlers) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	tenant, err := h.Store.GetTenant(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sanitizeTenant(tenant))
}

// UpdateTenant replaces the tenant's name and config. API key digests are
// only touched when the payload carries them, so a round-tripped sanitized
// tenant never wipes the keys.
func (h *Handlers) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	tenant, err := h.Store.GetTenant(r.Context(), tenantID)
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Tenant
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name != "" {
		tenant.Name = req.Name
	}
	keepHashes := tenant.Config.APIKeyHashes
	tenant.Config = req.Config
	if len(req.Config.APIKeyHashes) == 0 {
		tenant.Config.APIKeyHashes = keepHashes
	}
	tenant.UpdatedAt = time.Now().UTC()

	if err := h.Store.UpdateTenant(r.Context(), tenant); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sanitizeTenant(tenant))
}

// InvalidateCache handles DELETE /v1/tenants/{tenantID}/cache.
func (h *Handlers) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if err := h.Cache.InvalidateTenant(r.Context(), tenantID); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "tenant": tenantID})
}

// listFilterFromQuery reads limit/after pagination parameters.
func listFilterFromQuery(r *http.Request) models.ListFilter {
	filter := models.ListFilter{After: r.URL.Query().Get("after")}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 {
		filter.Limit = limit
	}
	return filter
}
