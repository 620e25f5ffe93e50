package handlers

import (
	"net/http"
)

// Health reports liveness plus the state of the storage backends. A failing
// component degrades the status but still returns 200: orchestration keeps
// working in degraded mode and load balancers should not evict the pod.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	components := map[string]string{
		"store":   "ok",
		"vectors": "ok",
	}
	status := "healthy"

	if err := h.Store.Ping(r.Context()); err != nil {
		components["store"] = err.Error()
		status = "degraded"
	}
	if err := h.Vectors.HealthCheck(r.Context()); err != nil {
		components["vectors"] = err.Error()
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"service":    "calmdesk-engine",
		"components": components,
	})
}
