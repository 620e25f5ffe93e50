package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// decodeChatRequest reads and validates the inbound chat payload. The tenant
// id always comes from the route, never the body.
func decodeChatRequest(r *http.Request) (*models.ChatRequest, error) {
	var req models.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body")
	}
	req.TenantID = middleware.GetTenantID(r.Context())
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelWeb
	}
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("unsupported channel: %s", req.Channel)
	}
	return &req, nil
}

// Chat handles POST /v1/tenants/{tenantID}/chat.
func (h *Handlers) Chat(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.Orchestrator.Handle(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Str("tenant", req.TenantID).Msg("Chat pipeline failed")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// ChatStream handles POST /v1/tenants/{tenantID}/chat/stream. Events go out
// as SSE "data:" lines; the stream always ends with the [DONE] terminator.
func (h *Handlers) ChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	writeEvent := func(event models.StreamEvent) error {
		data, _ := json.Marshal(event)
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := h.Orchestrator.HandleStream(r.Context(), req, writeEvent); err != nil {
		log.Error().Err(err).Str("tenant", req.TenantID).Msg("Chat stream failed")
		writeEvent(models.StreamEvent{Type: models.StreamError, Message: models.FallbackMessage})
	}

	// The widget stops reading at the terminator; the format is bit-exact.
	fmt.Fprintf(w, "data: %s\n\n", models.StreamTerminator)
	flusher.Flush()
}
