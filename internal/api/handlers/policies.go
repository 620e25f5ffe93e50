package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func validPolicy(p *models.Policy) string {
	switch p.Type {
	case models.PolicyTopicFilter, models.PolicyPIIFilter, models.PolicyTone, models.PolicyLength:
	default:
		return "unsupported policy type: " + string(p.Type)
	}
	switch p.Mode {
	case models.PolicyModePre, models.PolicyModePost:
	default:
		return "unsupported policy mode: " + string(p.Mode)
	}
	return ""
}

func (h *Handlers) ListPolicies(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	policies, err := h.Store.ListPolicies(r.Context(), tenantID, false)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if policies == nil {
		policies = []models.Policy{}
	}
	respondJSON(w, http.StatusOK, policies)
}

func (h *Handlers) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req models.Policy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validPolicy(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	req.ID = uuid.NewString()
	req.TenantID = tenantID
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreatePolicy(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("tenant", tenantID).Str("policy", req.ID).Str("type", string(req.Type)).Msg("Policy created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetPolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	policy, err := h.Store.GetPolicy(r.Context(), tenantID, chi.URLParam(r, "policyID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, policy)
}

func (h *Handlers) UpdatePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	policy, err := h.Store.GetPolicy(r.Context(), tenantID, chi.URLParam(r, "policyID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Policy
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = policy.ID
	req.TenantID = tenantID
	req.CreatedAt = policy.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	if msg := validPolicy(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.Store.UpdatePolicy(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeletePolicy(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	policyID := chi.URLParam(r, "policyID")
	if err := h.Store.DeletePolicy(r.Context(), tenantID, policyID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "policy": policyID})
}
