package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func (h *Handlers) ListConversations(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	conversations, err := h.Store.ListConversations(r.Context(), tenantID, listFilterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conversations == nil {
		conversations = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, conversations)
}

func (h *Handlers) GetConversation(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	conversation, err := h.Store.GetConversation(r.Context(), tenantID, chi.URLParam(r, "conversationID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversation)
}

// ListMessages returns a conversation's messages in creation order. The
// tenant check happens through GetConversation: messages are only reachable
// through a conversation the tenant owns.
func (h *Handlers) ListMessages(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	conversation, err := h.Store.GetConversation(r.Context(), tenantID, chi.URLParam(r, "conversationID"))
	if err != nil {
		respondStoreError(w, err)
		return
	}

	messages, err := h.Store.ListMessages(r.Context(), conversation.ID, listFilterFromQuery(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		messages = []models.Message{}
	}
	respondJSON(w, http.StatusOK, messages)
}

// ListAuditEvents handles GET /v1/tenants/{tenantID}/audit with optional
// type, since (RFC 3339) and limit query parameters.
func (h *Handlers) ListAuditEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())

	filter := models.AuditFilter{
		Type: models.AuditEventType(r.URL.Query().Get("type")),
	}
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		since, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			respondError(w, http.StatusBadRequest, "since must be RFC 3339")
			return
		}
		filter.Since = since
	}
	filter.Limit = listFilterFromQuery(r).Limit

	events, err := h.Store.ListAuditEvents(r.Context(), tenantID, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	respondJSON(w, http.StatusOK, events)
}
