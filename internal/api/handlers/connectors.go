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

// maskConnector redacts credential values before a connector leaves the API.
func maskConnector(c *models.DataConnector) *models.DataConnector {
	if len(c.Auth.Credentials) == 0 {
		return c
	}
	cp := *c
	cp.Auth.Credentials = make(map[string]string, len(c.Auth.Credentials))
	for k, v := range c.Auth.Credentials {
		if len(v) > 4 {
			v = v[:4] + "****"
		} else if v != "" {
			v = "****"
		}
		cp.Auth.Credentials[k] = v
	}
	return &cp
}

func validConnector(c *models.DataConnector) string {
	if c.Provider == "" {
		return "provider is required"
	}
	if c.Auth.BaseURL == "" {
		return "auth.baseUrl is required"
	}
	switch c.Auth.Type {
	case models.AuthAPIKey, models.AuthBasic, models.AuthOAuth, "":
	default:
		return "unsupported auth type: " + string(c.Auth.Type)
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		if ep.ID == "" {
			return "every endpoint needs an id"
		}
		if seen[ep.ID] {
			return "duplicate endpoint id: " + ep.ID
		}
		seen[ep.ID] = true
		if ep.PathTemplate == "" {
			return "endpoint " + ep.ID + " needs a pathTemplate"
		}
	}
	return ""
}

func (h *Handlers) ListConnectors(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	connectors, err := h.Store.ListConnectors(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]models.DataConnector, 0, len(connectors))
	for i := range connectors {
		out = append(out, *maskConnector(&connectors[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (h *Handlers) CreateConnector(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	var req models.DataConnector
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if msg := validConnector(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	req.ID = uuid.NewString()
	req.TenantID = tenantID
	req.CreatedAt = time.Now().UTC()
	req.UpdatedAt = req.CreatedAt

	if err := h.Store.CreateConnector(r.Context(), &req); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Info().Str("tenant", tenantID).Str("connector", req.ID).Str("provider", req.Provider).Msg("Connector created")
	respondJSON(w, http.StatusCreated, maskConnector(&req))
}

func (h *Handlers) GetConnector(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	connector, err := h.Store.GetConnector(r.Context(), tenantID, chi.URLParam(r, "connectorID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, maskConnector(connector))
}

// UpdateConnector replaces the connector. Omitted credentials keep their
// stored values, so round-tripping a masked connector is safe.
func (h *Handlers) UpdateConnector(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	connector, err := h.Store.GetConnector(r.Context(), tenantID, chi.URLParam(r, "connectorID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	var req models.DataConnector
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req.ID = connector.ID
	req.TenantID = tenantID
	req.CreatedAt = connector.CreatedAt
	req.UpdatedAt = time.Now().UTC()
	if len(req.Auth.Credentials) == 0 {
		req.Auth.Credentials = connector.Auth.Credentials
	}
	if msg := validConnector(&req); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := h.Store.UpdateConnector(r.Context(), &req); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, maskConnector(&req))
}

func (h *Handlers) DeleteConnector(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	connectorID := chi.URLParam(r, "connectorID")
	if err := h.Store.DeleteConnector(r.Context(), tenantID, connectorID); err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted", "connector": connectorID})
}
