// Package orchestrator runs the per-message pipeline: policy gates, PII
// redaction, procedure matching, semantic cache, retrieval, generation, and
// persistence. One goroutine owns a message from entry to return.
//
// Outcomes are result-shaped, not errors: a policy block or a low-confidence
// escalation is a normal ChatResult. Errors only surface for broken inputs
// and cancelled contexts.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/llm"
	"github.com/calmdesk/calmdesk/engine/internal/metrics"
	"github.com/calmdesk/calmdesk/engine/internal/notify"
	"github.com/calmdesk/calmdesk/engine/internal/policy"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/retrieval"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

var tracer = otel.Tracer("calmdesk-engine/orchestrator")

// Outcome labels for metrics.
const (
	outcomeResolved  = "resolved"
	outcomeEscalated = "escalated"
	outcomeBlocked   = "blocked"
	outcomeFallback  = "fallback"
	outcomeProcedure = "procedure"
	outcomeCached    = "cached"
)

// Orchestrator implements contracts.OrchestratorService.
type Orchestrator struct {
	store     store.Store
	policies  *policy.Engine
	retriever *retrieval.Retriever
	cache     contracts.CacheService
	llm       *llm.Registry
	executor  *procedure.Executor
	audit     *audit.Emitter
	metrics   *metrics.Metrics
	notifier  *notify.Service
	topK      int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTopK overrides the retrieval depth.
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		if k > 0 {
			o.topK = k
		}
	}
}

// WithNotifier attaches the escalation webhook service.
func WithNotifier(n *notify.Service) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// New creates the orchestrator. cache and audit may be nil.
func New(s store.Store, retriever *retrieval.Retriever, cache contracts.CacheService, registry *llm.Registry, executor *procedure.Executor, emitter *audit.Emitter, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		policies:  policy.NewEngine(),
		retriever: retriever,
		cache:     cache,
		llm:       registry,
		executor:  executor,
		audit:     emitter,
		topK:      models.DefaultTopK,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle processes one inbound message synchronously.
func (o *Orchestrator) Handle(ctx context.Context, req *models.ChatRequest) (*models.ChatResult, error) {
	return o.run(ctx, req, nil)
}

// HandleStream processes one inbound message, emitting delta events while
// the answer is generated, then the terminal event.
func (o *Orchestrator) HandleStream(ctx context.Context, req *models.ChatRequest, emit contracts.StreamEmitter) (*models.ChatResult, error) {
	return o.run(ctx, req, emit)
}

// run is the pipeline shared by Handle and HandleStream; emit is nil for the
// synchronous path.
func (o *Orchestrator) run(ctx context.Context, req *models.ChatRequest, emit contracts.StreamEmitter) (*models.ChatResult, error) {
	start := time.Now()

	if req.TenantID == "" {
		return nil, fmt.Errorf("tenantId is required")
	}
	if req.Message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if req.Channel == "" {
		req.Channel = models.ChannelWeb
	}
	if !req.Channel.Valid() {
		return nil, fmt.Errorf("unsupported channel: %s", req.Channel)
	}

	ctx, span := tracer.Start(ctx, "orchestrator.handle", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("channel", string(req.Channel)),
		attribute.Bool("dry_run", req.DryRun),
	))
	defer span.End()

	// 1. Tenant config; an unreadable tenant still gets served with defaults.
	tenant, err := o.store.GetTenant(ctx, req.TenantID)
	if err != nil {
		log.Warn().Err(err).Str("tenant", req.TenantID).Msg("Tenant config unavailable, using defaults")
		tenant = &models.Tenant{ID: req.TenantID}
	}
	threshold := tenant.Config.Threshold()

	// 2. Policies; a failed load degrades to an empty set.
	pols, err := o.store.ListPolicies(ctx, req.TenantID, true)
	if err != nil {
		log.Warn().Err(err).Str("tenant", req.TenantID).Msg("Policy load failed, proceeding without policies")
		pols = nil
	}

	// 3. Pre-policy gate.
	if eval := o.policies.Validate(req.Message, pols, models.PolicyModePre); !eval.Passed {
		reason := models.JoinViolations(eval.Violations)
		conv, convErr := o.ensureConversation(ctx, req)
		if convErr != nil {
			return nil, convErr
		}
		o.persistUserMessage(ctx, req, conv)
		o.emitAudit(req.TenantID, models.AuditPolicyViolated, map[string]any{
			"conversationId": conv.ID,
			"phase":          string(models.PolicyModePre),
			"violations":     reason,
		})
		o.observe(req.TenantID, outcomeBlocked, start)

		result := &models.ChatResult{
			Resolved:       false,
			Content:        models.PolicyBlockedMessage,
			ConversationID: conv.ID,
			BlockedReason:  reason,
		}
		o.emitTerminal(emit, models.StreamEvent{Type: models.StreamBlocked, Message: result.Content})
		return result, nil
	}

	// 4. PII redaction feeds every downstream step; the stored user message
	// stays the original.
	cleaned := o.policies.RedactPII(req.Message, pols)

	// 5-6. Conversation + user message.
	conv, err := o.ensureConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	userMsgID := o.persistUserMessage(ctx, req, conv)

	// 7. Procedure short-circuit.
	if result := o.tryProcedure(ctx, req, tenant, conv, cleaned, start, emit); result != nil {
		return result, nil
	}

	// 8. Semantic cache. The query embedding doubles as the fingerprint, so
	// embed first; embedding failure skips straight to the confidence gate.
	queryVec, embErr := o.retriever.EmbedQuery(ctx, cleaned)
	if embErr != nil {
		log.Warn().Err(embErr).Str("tenant", req.TenantID).Msg("Query embedding failed")
		return o.escalateLowConfidence(ctx, req, tenant, conv, 0, start, emit)
	}
	if result := o.tryCache(ctx, req, tenant, conv, cleaned, queryVec, threshold, start, emit); result != nil {
		return result, nil
	}

	// 9. Retrieval; a store failure degrades to zero results.
	results, err := o.retriever.Search(ctx, req.TenantID, queryVec, o.topK)
	if err != nil {
		log.Warn().Err(err).Str("tenant", req.TenantID).Msg("Vector search failed, treating as no results")
		results = nil
	}
	confidence := retrieval.Confidence(results)

	// 10. Confidence gate. Equal-to-threshold passes.
	if len(results) == 0 || confidence < threshold {
		return o.escalateLowConfidence(ctx, req, tenant, conv, confidence, start, emit)
	}

	// 11. LLM context.
	history, err := o.store.ListRecentMessages(ctx, conv.ID, tenant.Config.HistoryLimit())
	if err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("History load failed")
		history = nil
	}
	compReq := &models.CompletionRequest{
		System:      systemPrompt(tenant.Config),
		Messages:    buildMessages(history, userMsgID, results, cleaned),
		Temperature: ptr(models.DefaultTemperature),
		MaxTokens:   ptr(models.DefaultMaxTokens),
	}

	// 12. Generation.
	content, genErr := o.generate(ctx, tenant, compReq, emit)
	if genErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error().Err(genErr).Str("tenant", req.TenantID).Msg("Generation failed")
		msgID := o.persistAssistantMessage(ctx, req, conv, models.FallbackMessage, 0, nil)
		o.observe(req.TenantID, outcomeFallback, start)

		result := &models.ChatResult{
			Resolved:       false,
			Content:        models.FallbackMessage,
			ConversationID: conv.ID,
			MessageID:      msgID,
		}
		o.emitTerminal(emit, models.StreamEvent{Type: models.StreamError, Message: models.FallbackMessage})
		return result, nil
	}

	// 13. Post-policy gate on the generated answer.
	if eval := o.policies.Validate(content, pols, models.PolicyModePost); !eval.Passed {
		reason := models.JoinViolations(eval.Violations)
		msgID := o.persistAssistantMessage(ctx, req, conv, models.FallbackMessage, 0, nil)
		o.setStatus(ctx, req, conv, models.ConversationEscalated)
		o.emitAudit(req.TenantID, models.AuditPolicyViolated, map[string]any{
			"conversationId": conv.ID,
			"phase":          string(models.PolicyModePost),
			"violations":     reason,
		})
		o.escalated(ctx, req, tenant, conv, "post_policy_violation")
		o.observe(req.TenantID, outcomeBlocked, start)

		result := &models.ChatResult{
			Resolved:       false,
			Content:        models.FallbackMessage,
			ConversationID: conv.ID,
			MessageID:      msgID,
			BlockedReason:  reason,
			Escalated:      true,
		}
		o.emitTerminal(emit, models.StreamEvent{Type: models.StreamBlocked, Message: models.FallbackMessage})
		return result, nil
	}

	// 14. Persist the answer.
	citations := retrieval.Citations(results)
	msgID := o.persistAssistantMessage(ctx, req, conv, content, confidence, citations)
	resolved := confidence >= threshold
	if resolved {
		o.setStatus(ctx, req, conv, models.ConversationResolved)
		o.emitAudit(req.TenantID, models.AuditConversationResolved, map[string]any{
			"conversationId": conv.ID,
			"confidence":     confidence,
		})
	}
	o.emitAudit(req.TenantID, models.AuditMessageSent, map[string]any{
		"conversationId": conv.ID,
		"messageId":      msgID,
		"confidence":     confidence,
	})

	// 15. Cache population, best effort. Never reached after a post-policy
	// block: that path returned above.
	if o.cache != nil && !req.DryRun {
		answer := models.CachedAnswer{Content: content, Confidence: confidence, Citations: citations}
		if err := o.cache.Set(ctx, req.TenantID, cleaned, queryVec, answer, tenant.Config.CacheTTL()); err != nil {
			log.Warn().Err(err).Str("tenant", req.TenantID).Msg("Cache write failed")
		}
	}

	o.observe(req.TenantID, outcomeResolved, start)
	result := &models.ChatResult{
		Resolved:       resolved,
		Content:        content,
		ConversationID: conv.ID,
		MessageID:      msgID,
		Confidence:     confidence,
		Citations:      citations,
	}
	if req.Debug {
		result.Debug = map[string]any{
			"retrievedChunks": len(results),
			"historyMessages": len(history),
			"threshold":       threshold,
		}
	}
	o.emitTerminal(emit, models.StreamEvent{Type: models.StreamDone, ConversationID: conv.ID})
	return result, nil
}

// ── Pipeline branches ───────────────────────────────────────

// tryProcedure matches and executes a procedure; a non-nil result
// short-circuits the pipeline. Execution failures and message-less walks
// fall through to retrieval.
func (o *Orchestrator) tryProcedure(ctx context.Context, req *models.ChatRequest, tenant *models.Tenant, conv *models.Conversation, cleaned string, start time.Time, emit contracts.StreamEmitter) *models.ChatResult {
	proc, err := procedure.FindMatching(ctx, o.store, req.TenantID, cleaned)
	if err != nil {
		log.Warn().Err(err).Str("tenant", req.TenantID).Msg("Procedure match failed")
		return nil
	}
	if proc == nil {
		return nil
	}

	ec := &procedure.ExecContext{
		TenantID:       req.TenantID,
		ConversationID: conv.ID,
		UserID:         req.UserID,
		Variables:      map[string]any{"message": cleaned, "userId": req.UserID},
		DryRun:         req.DryRun,
	}
	exec := o.executor.Execute(ctx, proc, ec)
	if !exec.Success || exec.FinalMessage == "" {
		// Failed or message-less walks fall through to the answer path.
		return nil
	}

	confidence := 1.0
	msgID := o.persistAssistantMessage(ctx, req, conv, exec.FinalMessage, confidence, nil)
	o.setStatus(ctx, req, conv, models.ConversationResolved)
	o.emitAudit(req.TenantID, models.AuditConversationResolved, map[string]any{
		"conversationId": conv.ID,
		"procedureId":    proc.ID,
	})
	o.emitAudit(req.TenantID, models.AuditMessageSent, map[string]any{
		"conversationId": conv.ID,
		"messageId":      msgID,
		"procedureId":    proc.ID,
	})
	o.observe(req.TenantID, outcomeProcedure, start)

	if emit != nil {
		o.emitEvent(emit, models.StreamEvent{Type: models.StreamDelta, Content: exec.FinalMessage})
		o.emitEvent(emit, models.StreamEvent{Type: models.StreamDone, ConversationID: conv.ID})
	}
	return &models.ChatResult{
		Resolved:       true,
		Content:        exec.FinalMessage,
		ConversationID: conv.ID,
		MessageID:      msgID,
		Confidence:     confidence,
	}
}

// tryCache answers from the semantic cache; a non-nil result short-circuits.
func (o *Orchestrator) tryCache(ctx context.Context, req *models.ChatRequest, tenant *models.Tenant, conv *models.Conversation, cleaned string, queryVec []float64, threshold float64, start time.Time, emit contracts.StreamEmitter) *models.ChatResult {
	if o.cache == nil {
		return nil
	}
	hit, err := o.cache.Get(ctx, req.TenantID, cleaned, queryVec)
	if err != nil || hit == nil {
		o.emitAudit(req.TenantID, models.AuditCacheMiss, map[string]any{"conversationId": conv.ID})
		if o.metrics != nil {
			o.metrics.CacheLookups.WithLabelValues(req.TenantID, "miss").Inc()
		}
		return nil
	}

	o.emitAudit(req.TenantID, models.AuditCacheHit, map[string]any{"conversationId": conv.ID})
	if o.metrics != nil {
		o.metrics.CacheLookups.WithLabelValues(req.TenantID, "hit").Inc()
	}

	msgID := o.persistAssistantMessage(ctx, req, conv, hit.Content, hit.Confidence, hit.Citations)
	resolved := hit.Confidence >= threshold
	if resolved {
		o.setStatus(ctx, req, conv, models.ConversationResolved)
	}
	o.emitAudit(req.TenantID, models.AuditMessageSent, map[string]any{
		"conversationId": conv.ID,
		"messageId":      msgID,
		"cached":         true,
	})
	o.observe(req.TenantID, outcomeCached, start)

	if emit != nil {
		o.emitEvent(emit, models.StreamEvent{Type: models.StreamDelta, Content: hit.Content})
		o.emitEvent(emit, models.StreamEvent{Type: models.StreamDone, ConversationID: conv.ID})
	}
	return &models.ChatResult{
		Resolved:       resolved,
		Content:        hit.Content,
		ConversationID: conv.ID,
		MessageID:      msgID,
		Confidence:     hit.Confidence,
		Citations:      hit.Citations,
	}
}

// escalateLowConfidence persists the canned message, flips the conversation
// to escalated and returns the escalation result.
func (o *Orchestrator) escalateLowConfidence(ctx context.Context, req *models.ChatRequest, tenant *models.Tenant, conv *models.Conversation, confidence float64, start time.Time, emit contracts.StreamEmitter) (*models.ChatResult, error) {
	msgID := o.persistAssistantMessage(ctx, req, conv, models.LowConfidenceMessage, confidence, nil)
	o.setStatus(ctx, req, conv, models.ConversationEscalated)
	o.emitAudit(req.TenantID, models.AuditConversationEscalated, map[string]any{
		"conversationId": conv.ID,
		"reason":         "low_confidence",
		"confidence":     confidence,
	})
	o.escalated(ctx, req, tenant, conv, "low_confidence")
	o.observe(req.TenantID, outcomeEscalated, start)

	o.emitTerminal(emit, models.StreamEvent{
		Type:           models.StreamEscalated,
		Message:        models.LowConfidenceMessage,
		ConversationID: conv.ID,
	})
	return &models.ChatResult{
		Resolved:       false,
		Content:        models.LowConfidenceMessage,
		ConversationID: conv.ID,
		MessageID:      msgID,
		Confidence:     confidence,
		Escalated:      true,
	}, nil
}

// generate runs the completion, streaming deltas when emit is set, and
// returns the full answer text.
func (o *Orchestrator) generate(ctx context.Context, tenant *models.Tenant, compReq *models.CompletionRequest, emit contracts.StreamEmitter) (string, error) {
	driver, model, err := o.llm.Resolve(tenant.Config.Model)
	if err != nil {
		return "", fmt.Errorf("resolve model: %w", err)
	}
	compReq.Model = model

	if emit == nil {
		resp, err := driver.Complete(ctx, compReq)
		o.observeLLM(driver.Kind(), err)
		if err != nil {
			return "", err
		}
		return resp.Content, nil
	}

	var full []byte
	err = driver.Stream(ctx, compReq, func(chunk *models.StreamChunk) error {
		if chunk.Error != "" {
			return fmt.Errorf("provider stream error: %s", chunk.Error)
		}
		if chunk.Content != "" {
			full = append(full, chunk.Content...)
			return emit(models.StreamEvent{Type: models.StreamDelta, Content: chunk.Content})
		}
		return nil
	})
	o.observeLLM(driver.Kind(), err)
	if err != nil {
		return "", err
	}
	return string(full), nil
}

// ── Persistence helpers ─────────────────────────────────────

// ensureConversation loads the referenced conversation or creates a fresh
// active one, emitting conversation.created and message.received.
func (o *Orchestrator) ensureConversation(ctx context.Context, req *models.ChatRequest) (*models.Conversation, error) {
	var conv *models.Conversation
	if req.ConversationID != "" {
		existing, err := o.store.GetConversation(ctx, req.TenantID, req.ConversationID)
		if err != nil && !store.IsNotFound(err) {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		conv = existing
	}
	if conv == nil {
		now := time.Now().UTC()
		conv = &models.Conversation{
			ID:        uuid.NewString(),
			TenantID:  req.TenantID,
			Channel:   req.Channel,
			Status:    models.ConversationActive,
			UserID:    req.UserID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := o.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		o.emitAudit(req.TenantID, models.AuditConversationCreated, map[string]any{
			"conversationId": conv.ID,
			"channel":        string(req.Channel),
		})
	}
	o.emitAudit(req.TenantID, models.AuditMessageReceived, map[string]any{
		"conversationId": conv.ID,
		"channel":        string(req.Channel),
	})
	return conv, nil
}

// persistUserMessage stores the ORIGINAL message text. Returns the message
// id, empty under DryRun.
func (o *Orchestrator) persistUserMessage(ctx context.Context, req *models.ChatRequest, conv *models.Conversation) string {
	if req.DryRun {
		return ""
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        req.Message,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("User message persist failed")
		return ""
	}
	return msg.ID
}

func (o *Orchestrator) persistAssistantMessage(ctx context.Context, req *models.ChatRequest, conv *models.Conversation, content string, confidence float64, citations []string) string {
	if req.DryRun {
		return ""
	}
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        content,
		Confidence:     &confidence,
		Citations:      citations,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.AppendMessage(ctx, msg); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("Assistant message persist failed")
		return ""
	}
	return msg.ID
}

func (o *Orchestrator) setStatus(ctx context.Context, req *models.ChatRequest, conv *models.Conversation, status models.ConversationStatus) {
	if req.DryRun {
		return
	}
	now := time.Now().UTC()
	conv.Status = status
	conv.UpdatedAt = now
	switch status {
	case models.ConversationResolved:
		conv.ResolvedAt = &now
	}
	if conv.FirstResponseAt == nil {
		conv.FirstResponseAt = &now
	}
	if err := o.store.UpdateConversation(ctx, conv); err != nil {
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("Conversation status update failed")
	}
}

// ── Event helpers ───────────────────────────────────────────

func (o *Orchestrator) emitAudit(tenantID string, eventType models.AuditEventType, payload map[string]any) {
	if o.audit != nil {
		o.audit.Emit(tenantID, eventType, payload)
	}
}

// escalated fires the tenant's escalation webhook without blocking the
// pipeline.
func (o *Orchestrator) escalated(ctx context.Context, req *models.ChatRequest, tenant *models.Tenant, conv *models.Conversation, reason string) {
	if o.notifier == nil || req.DryRun {
		return
	}
	go func() {
		notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		o.notifier.Escalated(notifyCtx, tenant, conv.ID, reason)
	}()
}

func (o *Orchestrator) observe(tenantID, outcome string, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObservePipeline(tenantID, outcome, time.Since(start))
	}
}

func (o *Orchestrator) observeLLM(provider string, err error) {
	if o.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	o.metrics.LLMCalls.WithLabelValues(provider, status).Inc()
}

func (o *Orchestrator) emitEvent(emit contracts.StreamEmitter, event models.StreamEvent) {
	if err := emit(event); err != nil {
		log.Debug().Err(err).Msg("Stream emit failed, client likely gone")
	}
}

// emitTerminal sends the terminal event on the streaming path; nil emit is
// the synchronous path.
func (o *Orchestrator) emitTerminal(emit contracts.StreamEmitter, event models.StreamEvent) {
	if emit != nil {
		o.emitEvent(emit, event)
	}
}

func ptr[T any](v T) *T { return &v }
