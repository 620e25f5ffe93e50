package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/calmdesk/calmdesk/engine/internal/api/handlers"
	"github.com/calmdesk/calmdesk/engine/internal/api/middleware"
	"github.com/calmdesk/calmdesk/engine/internal/auth"
	"github.com/calmdesk/calmdesk/engine/internal/config"
)

// NewRouter creates the HTTP router with all API routes. metricsHandler
// serves the Prometheus registry; nil disables the endpoint.
func NewRouter(cfg *config.Config, h *handlers.Handlers, authn *auth.Authenticator, metricsHandler http.Handler) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))
	if metricsHandler != nil {
		r.Handle("/metrics", metricsHandler)
	}

	// API v1
	r.Route("/v1", func(r chi.Router) {
		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.ListTenants)
			r.Post("/", h.CreateTenant)

			r.Route("/{tenantID}", func(r chi.Router) {
				r.Use(middleware.TenantContext(authn))

				r.Get("/", h.GetTenant)
				r.Put("/", h.UpdateTenant)

				// Chat pipeline
				r.Post("/chat", h.Chat)
				r.Post("/chat/stream", h.ChatStream)

				// Semantic cache
				r.Delete("/cache", h.InvalidateCache)

				// Knowledge sources
				r.Route("/sources", func(r chi.Router) {
					r.Get("/", h.ListSources)
					r.Post("/", h.CreateSource)
					r.Route("/{sourceID}", func(r chi.Router) {
						r.Get("/", h.GetSource)
						r.Delete("/", h.DeleteSource)
						r.Post("/upload", h.UploadSourceFile)
						r.Post("/reingest", h.ReingestSource)
					})
				})

				// Policies
				r.Route("/policies", func(r chi.Router) {
					r.Get("/", h.ListPolicies)
					r.Post("/", h.CreatePolicy)
					r.Route("/{policyID}", func(r chi.Router) {
						r.Get("/", h.GetPolicy)
						r.Put("/", h.UpdatePolicy)
						r.Delete("/", h.DeletePolicy)
					})
				})

				// Procedures
				r.Route("/procedures", func(r chi.Router) {
					r.Get("/", h.ListProcedures)
					r.Post("/", h.CreateProcedure)
					r.Route("/{procedureID}", func(r chi.Router) {
						r.Get("/", h.GetProcedure)
						r.Put("/", h.UpdateProcedure)
						r.Delete("/", h.DeleteProcedure)
						r.Post("/dry-run", h.DryRunProcedure)
					})
				})

				// Data connectors
				r.Route("/connectors", func(r chi.Router) {
					r.Get("/", h.ListConnectors)
					r.Post("/", h.CreateConnector)
					r.Route("/{connectorID}", func(r chi.Router) {
						r.Get("/", h.GetConnector)
						r.Put("/", h.UpdateConnector)
						r.Delete("/", h.DeleteConnector)
					})
				})

				// Conversation history
				r.Route("/conversations", func(r chi.Router) {
					r.Get("/", h.ListConversations)
					r.Route("/{conversationID}", func(r chi.Router) {
						r.Get("/", h.GetConversation)
						r.Get("/messages", h.ListMessages)
					})
				})

				// Audit trail
				r.Get("/audit", h.ListAuditEvents)
			})
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "calmdesk-engine",
		})
	}
}
