// Package server assembles the CalmDesk engine: stores, drivers, the chat
// pipeline and the HTTP API, all from environment configuration.
//
// It lives in pkg/ (not internal/) so deployments that need extra
// middleware or routes can compose the engine themselves:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/api"
	"github.com/calmdesk/calmdesk/engine/internal/api/handlers"
	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/auth"
	"github.com/calmdesk/calmdesk/engine/internal/config"
	"github.com/calmdesk/calmdesk/engine/internal/embeddings"
	"github.com/calmdesk/calmdesk/engine/internal/ingest"
	"github.com/calmdesk/calmdesk/engine/internal/llm"
	"github.com/calmdesk/calmdesk/engine/internal/metrics"
	"github.com/calmdesk/calmdesk/engine/internal/notify"
	"github.com/calmdesk/calmdesk/engine/internal/orchestrator"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/retention"
	"github.com/calmdesk/calmdesk/engine/internal/retrieval"
	"github.com/calmdesk/calmdesk/engine/internal/semcache"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/internal/telemetry"
	"github.com/calmdesk/calmdesk/engine/internal/vectorstore"
)

// Server holds the assembled engine.
type Server struct {
	// Handler carries all routes and middleware.
	Handler http.Handler

	// Store is the persistence gateway, exposed so operators can seed or
	// inspect data from their own composition.
	Store store.Store

	// Config is the resolved configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc drains workers and flushes telemetry. Call it on
	// graceful shutdown, before closing the store.
	ShutdownFunc func(context.Context) error
}

// New assembles the engine from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig assembles the engine with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	otelShutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := newStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	embReg, err := embeddings.NewRegistryFromConfig(cfg.Embedding)
	if err != nil {
		return nil, fmt.Errorf("init embeddings: %w", err)
	}
	embedder, err := embReg.Default()
	if err != nil {
		return nil, err
	}

	vecReg, err := vectorstore.NewRegistryFromConfig(ctx, cfg.Vector, embedder.Dimensions())
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	index, err := vecReg.Default()
	if err != nil {
		return nil, err
	}

	llmReg, err := llm.NewRegistryFromConfig(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("init llm drivers: %w", err)
	}

	m := metrics.New()
	emitter := audit.NewEmitter(dataStore)
	notifier := notify.NewService()
	retriever := retrieval.New(embedder, index)
	cache := semcache.New(dataStore)

	// Approval steps page a human through the tenant's webhook before the
	// step auto-approves.
	executor := procedure.NewExecutor(dataStore, emitter,
		procedure.WithApprovalHook(func(ctx context.Context, ec *procedure.ExecContext, stepID string) {
			tenant, err := dataStore.GetTenant(ctx, ec.TenantID)
			if err != nil {
				log.Warn().Err(err).Str("tenant", ec.TenantID).Msg("Approval notification skipped, tenant lookup failed")
				return
			}
			notifier.ApprovalRequested(ctx, tenant, ec.ConversationID, ec.ProcedureID, stepID)
		}))

	orch := orchestrator.New(dataStore, retriever, cache, llmReg, executor, emitter,
		orchestrator.WithNotifier(notifier),
		orchestrator.WithMetrics(m))

	extractor := ingest.NewExtractor(cfg.Ingest.BlobDir)
	pipeline := ingest.NewPipeline(dataStore, embedder, index, cache, extractor, emitter)
	queue := ingest.NewQueue(pipeline, cfg.Ingest.Workers, cfg.Ingest.QueueSize, m)

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	if cfg.Retention.Enabled {
		opts := []retention.Option{}
		if cfg.Retention.ArchiveDir != "" {
			opts = append(opts, retention.WithArchiver(retention.NewArchiver(cfg.Retention.ArchiveDir, true)))
		}
		janitor := retention.NewJanitor(dataStore,
			time.Duration(cfg.Retention.IntervalMinutes)*time.Minute, opts...)
		go janitor.Start(janitorCtx)
	}

	authn := auth.New(dataStore, cfg.Auth.Enabled)
	h := handlers.New(dataStore, orch, cache, index, queue, extractor, executor)
	router := api.NewRouter(cfg, h, authn, m.Handler())

	log.Info().
		Str("store", cfg.Store.Backend).
		Str("vector", cfg.Vector.Backend).
		Str("embeddings", cfg.Embedding.Provider).
		Msg("Engine assembled")

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		queue.Close()
		emitter.Close()
		return otelShutdown(ctx)
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

func newStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		log.Info().Msg("In-memory store initialized")
		return store.NewMemoryStore(), nil
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.MaxConnections)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}
