package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func validProcedure(p *models.Procedure) string {
	if p.Name == "" {
		return "name is required"
	}
	switch p.Trigger.Type {
	case models.TriggerKeyword, models.TriggerIntent:
		if p.Trigger.Condition == "" {
			return "trigger condition is required"
		}
	case models.TriggerManual:
	default:
		return "unsupported trigger type: " + string(p.Trigger.Type)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, step := range p.Steps {
		if step.ID == "" {
			return "every step needs an id"
		}
		if seen[step.ID] {
			return "duplicate step id: " + step.ID
		}
		seen[step.ID] = true
	}
	for _, step := range p.Steps {
		if step.NextStepID != "" && !seen[step.NextStepID] {
			return "step " + step.ID + " references unknown step " + step.NextStepID
		}
	}
	return ""
}

func (h *Handlers) ListProcedures(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	procs, err := h.Store.ListProcedures(r.Context(), tenantID, false, 0)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if procs == nil {
		procs = []models.Procedure{}
	}
	respondJSON(w, http.StatusOK, procs)
}

func (h *Handlers) CreateProcedure(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req models.Procedure
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validProcedure(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	req.ID = uuid.NewString()
	req.TenantID = tenantID
	req.Version = 1
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateProcedure(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("tenant", tenantID).Str("procedure", req.ID).Str("name", req.Name).Msg("Procedure created")
	respondJSON(w, http.StatusCreated, req)
}

func (h *Handlers) GetProcedure(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	proc, err := h.Store.GetProcedure(r.Context(), tenantID, chi.URLParam(r, "procedureID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, proc)
}

func (h *Handlers) UpdateProcedure(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	proc, err := h.Store.GetProcedure(r.Context(), tenantID, chi.URLParam(r, "procedureID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.Procedure
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = proc.ID
	req.TenantID = tenantID
	req.Version = proc.Version + 1
	req.CreatedAt = proc.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	if msg := validProcedure(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.Store.UpdateProcedure(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteProcedure(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	procedureID := chi.URLParam(r, "procedureID")
	if err := h.Store.DeleteProcedure(r.Context(), tenantID, procedureID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "procedure": procedureID})
}

// dryRunRequest carries optional seed variables for a dry-run walk.
type dryRunRequest struct {
	Message   string         `json:"message,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Variables map[string]any `json:"variables,omitempty"`
}

// DryRunProcedure handles POST /v1/tenants/{tenantID}/procedures/{procedureID}/dry-run.
// The walk runs with side effects disabled: no HTTP calls leave the engine
// and nothing is persisted.
func (h *Handlers) DryRunProcedure(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	proc, err := h.Store.GetProcedure(r.Context(), tenantID, chi.URLParam(r, "procedureID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req dryRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	variables := req.Variables
	if variables == nil {
		variables = make(map[string]any)
	}
	if req.Message != "" {
		variables["message"] = req.Message
	}
	if req.UserID != "" {
		variables["userId"] = req.UserID
	}

	ec := &procedure.ExecContext{
		TenantID:  tenantID,
		UserID:    req.UserID,
		Variables: variables,
		DryRun:    true,
	}
	exec := h.Executor.Execute(r.Context(), proc, ec)
	respondJSON(w, http.StatusOK, exec)
}
