package orchestrator_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/llm"
	"github.com/calmdesk/calmdesk/engine/internal/orchestrator"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/retrieval"
	"github.com/calmdesk/calmdesk/engine/internal/semcache"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/internal/vectorstore"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// ─── Stubs ──────────────────────────────────────────────────

// stubEmbedder maps texts to one of two orthogonal directions so tests can
// steer retrieval scores: anything mentioning shipping lands on the axis the
// seeded knowledge lives on.
type stubEmbedder struct{}

func (stubEmbedder) Kind() string    { return "stub" }
func (stubEmbedder) Dimensions() int { return 3 }

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vecs := make([][]float64, len(texts))
	for i, t := range texts {
		if strings.Contains(strings.ToLower(t), "shipping") {
			vecs[i] = []float64{1, 0, 0}
		} else {
			vecs[i] = []float64{0, 1, 0}
		}
	}
	return vecs, nil
}

func (stubEmbedder) HealthCheck(context.Context) error { return nil }

// stubLLM returns a canned reply and records how it was called.
type stubLLM struct {
	reply   string
	failErr error
	calls   int
	lastReq *models.CompletionRequest
}

func (s *stubLLM) Kind() string { return "stub" }

func (s *stubLLM) Complete(_ context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	s.calls++
	s.lastReq = req
	if s.failErr != nil {
		return nil, s.failErr
	}
	return &models.CompletionResponse{Content: s.reply, Model: req.Model}, nil
}

func (s *stubLLM) Stream(_ context.Context, req *models.CompletionRequest, handler contracts.StreamHandler) error {
	s.calls++
	s.lastReq = req
	if s.failErr != nil {
		return s.failErr
	}
	// Split the reply roughly in half to exercise delta accumulation.
	mid := len(s.reply) / 2
	for _, part := range []string{s.reply[:mid], s.reply[mid:]} {
		if part == "" {
			continue
		}
		if err := handler(&models.StreamChunk{Content: part}); err != nil {
			return err
		}
	}
	return handler(&models.StreamChunk{Done: true})
}

func (s *stubLLM) HealthCheck(context.Context) error { return nil }

// ─── Harness ────────────────────────────────────────────────

type harness struct {
	store *store.MemoryStore
	index *vectorstore.MemoryIndex
	llm   *stubLLM
	orch  *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("CALMDESK_DATA_DIR", t.TempDir())

	s := store.NewMemoryStore()
	index := vectorstore.NewMemoryIndex()
	driver := &stubLLM{reply: "Standard shipping takes 3-5 business days."}

	registry := llm.NewRegistry()
	registry.Register("stub", driver)

	emitter := audit.NewEmitter(s)
	t.Cleanup(emitter.Close)

	orch := orchestrator.New(
		s,
		retrieval.New(stubEmbedder{}, index),
		semcache.New(s),
		registry,
		procedure.NewExecutor(s, emitter),
		emitter,
	)
	return &harness{store: s, index: index, llm: driver, orch: orch}
}

func (h *harness) seedTenant(t *testing.T, cfg models.TenantConfig) {
	t.Helper()
	cfg.Model = "stub/test-model"
	if err := h.store.CreateTenant(context.Background(), &models.Tenant{
		ID:     "acme",
		Name:   "Acme Inc",
		Config: cfg,
	}); err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
}

func (h *harness) seedKnowledge(t *testing.T) {
	t.Helper()
	err := h.index.Upsert(context.Background(), []models.VectorDoc{{
		ID:        models.VectorID("src-ship", 1, 0),
		TenantID:  "acme",
		SourceID:  "src-ship",
		Text:      "Standard shipping takes 3-5 business days within the US.",
		Embedding: []float64{1, 0, 0},
	}})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func (h *harness) seedPolicy(t *testing.T, p models.Policy) {
	t.Helper()
	p.TenantID = "acme"
	p.Enabled = true
	if err := h.store.CreatePolicy(context.Background(), &p); err != nil {
		t.Fatalf("CreatePolicy() error = %v", err)
	}
}

func shippingRequest() *models.ChatRequest {
	return &models.ChatRequest{
		TenantID: "acme",
		Message:  "How long does shipping take?",
		Channel:  models.ChannelWeb,
		UserID:   "user-1",
	}
}

// ─── Resolution Path ────────────────────────────────────────

func TestHandle_HighConfidenceResolves(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)

	result, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Resolved {
		t.Errorf("Resolved = false, want true (confidence %v)", result.Confidence)
	}
	if result.Content != h.llm.reply {
		t.Errorf("Content = %q, want %q", result.Content, h.llm.reply)
	}
	if result.Confidence < 0.99 {
		t.Errorf("Confidence = %v, want ~1.0", result.Confidence)
	}
	if len(result.Citations) != 1 || result.Citations[0] != "src-ship" {
		t.Errorf("Citations = %v, want [src-ship]", result.Citations)
	}

	msgs, err := h.store.ListRecentMessages(context.Background(), result.ConversationID, 10)
	if err != nil {
		t.Fatalf("ListRecentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2 (user + assistant)", len(msgs))
	}
	if msgs[0].Role != models.RoleUser || msgs[1].Role != models.RoleAssistant {
		t.Errorf("message roles = %s, %s", msgs[0].Role, msgs[1].Role)
	}

	conv, err := h.store.GetConversation(context.Background(), "acme", result.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Status != models.ConversationResolved {
		t.Errorf("conversation status = %s, want resolved", conv.Status)
	}
}

func TestHandle_ThresholdEqualResolves(t *testing.T) {
	h := newHarness(t)
	one := 1.0
	h.seedTenant(t, models.TenantConfig{ConfidenceThreshold: &one})
	h.seedKnowledge(t)

	// The seeded vector matches the query exactly, so confidence is 1.0 —
	// equal to the threshold, which must pass the gate.
	result, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Escalated {
		t.Error("Escalated = true, want confidence == threshold to pass")
	}
	if !result.Resolved {
		t.Error("Resolved = false, want true")
	}
}

func TestHandle_SystemPromptGetsContextAndHistory(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{SystemPromptPrefix: "You work for Acme."})
	h.seedKnowledge(t)

	if _, err := h.orch.Handle(context.Background(), shippingRequest()); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	req := h.llm.lastReq
	if req == nil {
		t.Fatal("LLM was never called")
	}
	if !strings.HasPrefix(req.System, "You work for Acme.") {
		t.Errorf("System = %q, want tenant prefix first", req.System)
	}
	if len(req.Messages) == 0 {
		t.Fatal("no messages sent to LLM")
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != models.RoleUser {
		t.Errorf("final turn role = %s, want user", last.Role)
	}
	if !strings.Contains(last.Content, "Retrieved Context:") {
		t.Errorf("final turn missing context block: %q", last.Content)
	}
	if !strings.Contains(last.Content, "How long does shipping take?") {
		t.Errorf("final turn missing the question: %q", last.Content)
	}
}

// ─── Policy Gates ───────────────────────────────────────────

func TestHandle_PrePolicyBlocks(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)
	h.seedPolicy(t, models.Policy{
		ID:     "pol-topics",
		Name:   "banned topics",
		Type:   models.PolicyTopicFilter,
		Mode:   models.PolicyModePre,
		Config: json.RawMessage(`{"blockedTopics":["chargeback fraud"]}`),
	})

	result, err := h.orch.Handle(context.Background(), &models.ChatRequest{
		TenantID: "acme",
		Message:  "How do I run a chargeback fraud on my shipping order?",
		Channel:  models.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Content != models.PolicyBlockedMessage {
		t.Errorf("Content = %q, want the policy-blocked message", result.Content)
	}
	if result.Resolved || result.Escalated {
		t.Errorf("Resolved = %v, Escalated = %v, want both false", result.Resolved, result.Escalated)
	}
	if !strings.Contains(result.BlockedReason, "chargeback fraud") {
		t.Errorf("BlockedReason = %q, want the blocked topic named", result.BlockedReason)
	}
	if h.llm.calls != 0 {
		t.Errorf("LLM called %d times on a blocked request, want 0", h.llm.calls)
	}
}

func TestHandle_RedactionKeepsStoredOriginal(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)
	h.seedPolicy(t, models.Policy{
		ID:     "pol-pii",
		Name:   "redact pii",
		Type:   models.PolicyPIIFilter,
		Mode:   models.PolicyModePre,
		Config: json.RawMessage(`{"detect":["email"],"action":"redact"}`),
	})

	req := shippingRequest()
	req.Message = "How long does shipping take? Reply to bob@example.com please."
	result, err := h.orch.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Resolved {
		t.Fatalf("Resolved = false, want true")
	}

	// The stored user message keeps the original text.
	msgs, _ := h.store.ListRecentMessages(context.Background(), result.ConversationID, 10)
	if len(msgs) == 0 || !strings.Contains(msgs[0].Content, "bob@example.com") {
		t.Errorf("stored user message = %q, want the original email kept", msgs[0].Content)
	}

	// The LLM only ever sees the redacted text.
	last := h.llm.lastReq.Messages[len(h.llm.lastReq.Messages)-1]
	if strings.Contains(last.Content, "bob@example.com") {
		t.Errorf("LLM prompt leaked the email: %q", last.Content)
	}
	if !strings.Contains(last.Content, models.RedactedPlaceholder) {
		t.Errorf("LLM prompt = %q, want %q placeholder", last.Content, models.RedactedPlaceholder)
	}
}

func TestHandle_PostPolicyBlocksAndSkipsCache(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)
	h.seedPolicy(t, models.Policy{
		ID:     "pol-tone",
		Name:   "no business days",
		Type:   models.PolicyTone,
		Mode:   models.PolicyModePost,
		Config: json.RawMessage(`{"blockedPhrases":["business days"]}`),
	})

	result, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Content != models.FallbackMessage {
		t.Errorf("Content = %q, want the fallback message", result.Content)
	}
	if !result.Escalated {
		t.Error("Escalated = false, want true after a post-policy block")
	}
	if result.BlockedReason == "" {
		t.Error("BlockedReason empty, want the violation recorded")
	}

	// A blocked answer must never enter the cache: a repeat question has to
	// hit the LLM again.
	if _, err := h.orch.Handle(context.Background(), shippingRequest()); err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}
	if h.llm.calls != 2 {
		t.Errorf("LLM calls = %d, want 2 (no cache write after block)", h.llm.calls)
	}
}

// ─── Escalation Path ────────────────────────────────────────

func TestHandle_LowConfidenceEscalates(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)

	// Off-axis query: cosine against the seeded vector is 0.
	result, err := h.orch.Handle(context.Background(), &models.ChatRequest{
		TenantID: "acme",
		Message:  "Tell me about quantum entanglement.",
		Channel:  models.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Escalated {
		t.Fatal("Escalated = false, want true")
	}
	if result.Content != models.LowConfidenceMessage {
		t.Errorf("Content = %q, want the low-confidence message", result.Content)
	}
	if h.llm.calls != 0 {
		t.Errorf("LLM calls = %d, want 0 below the confidence gate", h.llm.calls)
	}

	conv, err := h.store.GetConversation(context.Background(), "acme", result.ConversationID)
	if err != nil {
		t.Fatalf("GetConversation() error = %v", err)
	}
	if conv.Status != models.ConversationEscalated {
		t.Errorf("conversation status = %s, want escalated", conv.Status)
	}
}

func TestHandle_EmptyIndexEscalates(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	// No knowledge seeded at all.

	result, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Escalated || result.Content != models.LowConfidenceMessage {
		t.Errorf("result = (%q, escalated=%v), want low-confidence escalation", result.Content, result.Escalated)
	}
}

// ─── Semantic Cache ─────────────────────────────────────────

func TestHandle_CacheHitSkipsLLM(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)

	first, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("first Handle() error = %v", err)
	}
	second, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("second Handle() error = %v", err)
	}

	if h.llm.calls != 1 {
		t.Errorf("LLM calls = %d, want 1 (second answer from cache)", h.llm.calls)
	}
	if second.Content != first.Content {
		t.Errorf("cached Content = %q, want %q", second.Content, first.Content)
	}
	if !second.Resolved {
		t.Error("cached Resolved = false, want true")
	}
	if len(second.Citations) != 1 || second.Citations[0] != "src-ship" {
		t.Errorf("cached Citations = %v, want carried over", second.Citations)
	}
}

// ─── Procedure Short-Circuit ────────────────────────────────

func TestHandle_ProcedureShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)
	err := h.store.CreateProcedure(context.Background(), &models.Procedure{
		ID:       "proc-reset",
		TenantID: "acme",
		Name:     "password reset",
		Trigger:  models.Trigger{Type: models.TriggerKeyword, Condition: "reset password, forgot password"},
		Steps: []models.Step{{
			ID:     "send",
			Type:   models.StepMessage,
			Config: json.RawMessage(`{"template":"Here is your password reset link: https://acme.example/reset"}`),
		}},
		Enabled: true,
		Version: 1,
	})
	if err != nil {
		t.Fatalf("CreateProcedure() error = %v", err)
	}

	result, err := h.orch.Handle(context.Background(), &models.ChatRequest{
		TenantID: "acme",
		Message:  "I forgot password for my shipping account",
		Channel:  models.ChannelWeb,
	})
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Resolved {
		t.Error("Resolved = false, want true")
	}
	if !strings.Contains(result.Content, "reset link") {
		t.Errorf("Content = %q, want the procedure message", result.Content)
	}
	if result.Confidence != 1.0 {
		t.Errorf("Confidence = %v, want 1.0 for a procedure answer", result.Confidence)
	}
	if h.llm.calls != 0 {
		t.Errorf("LLM calls = %d, want 0 when a procedure answers", h.llm.calls)
	}
}

// ─── Fallback ───────────────────────────────────────────────

func TestHandle_LLMFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)
	h.llm.failErr = context.DeadlineExceeded

	result, err := h.orch.Handle(context.Background(), shippingRequest())
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if result.Content != models.FallbackMessage {
		t.Errorf("Content = %q, want the fallback message", result.Content)
	}
	if result.Resolved {
		t.Error("Resolved = true, want false")
	}
	if result.Escalated {
		t.Error("Escalated = true, want false: provider faults are not escalations")
	}
}

// ─── Dry Run ────────────────────────────────────────────────

func TestHandle_DryRunSkipsPersistence(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)

	req := shippingRequest()
	req.DryRun = true
	result, err := h.orch.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if !result.Resolved {
		t.Error("Resolved = false, want the dry run to still answer")
	}
	if result.MessageID != "" {
		t.Errorf("MessageID = %q, want empty under dry run", result.MessageID)
	}
	msgs, _ := h.store.ListRecentMessages(context.Background(), result.ConversationID, 10)
	if len(msgs) != 0 {
		t.Errorf("persisted %d messages under dry run, want 0", len(msgs))
	}

	// No cache write either: a real request afterwards hits the LLM.
	if _, err := h.orch.Handle(context.Background(), shippingRequest()); err != nil {
		t.Fatalf("follow-up Handle() error = %v", err)
	}
	if h.llm.calls != 2 {
		t.Errorf("LLM calls = %d, want 2 (dry run must not populate the cache)", h.llm.calls)
	}
}

// ─── Streaming ──────────────────────────────────────────────

func TestHandleStream_EmitsDeltasThenDone(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedKnowledge(t)

	var events []models.StreamEvent
	result, err := h.orch.HandleStream(context.Background(), shippingRequest(), func(ev models.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleStream() error = %v", err)
	}
	if len(events) < 2 {
		t.Fatalf("got %d events, want deltas plus a terminal event", len(events))
	}

	var assembled strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Type != models.StreamDelta {
			t.Errorf("mid-stream event type = %s, want delta", ev.Type)
		}
		assembled.WriteString(ev.Content)
	}
	if assembled.String() != result.Content {
		t.Errorf("assembled deltas = %q, want %q", assembled.String(), result.Content)
	}

	last := events[len(events)-1]
	if last.Type != models.StreamDone {
		t.Errorf("terminal event type = %s, want done", last.Type)
	}
	if last.ConversationID != result.ConversationID {
		t.Errorf("terminal conversationId = %q, want %q", last.ConversationID, result.ConversationID)
	}
}

func TestHandleStream_BlockedEmitsSingleEvent(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})
	h.seedPolicy(t, models.Policy{
		ID:     "pol-topics",
		Name:   "banned topics",
		Type:   models.PolicyTopicFilter,
		Mode:   models.PolicyModePre,
		Config: json.RawMessage(`{"blockedTopics":["crypto"]}`),
	})

	var events []models.StreamEvent
	_, err := h.orch.HandleStream(context.Background(), &models.ChatRequest{
		TenantID: "acme",
		Message:  "Can I pay with crypto?",
		Channel:  models.ChannelWeb,
	}, func(ev models.StreamEvent) error {
		events = append(events, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("HandleStream() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want exactly one blocked event", len(events))
	}
	if events[0].Type != models.StreamBlocked || events[0].Message != models.PolicyBlockedMessage {
		t.Errorf("event = %+v, want blocked with the canned message", events[0])
	}
}

// ─── Validation ─────────────────────────────────────────────

func TestHandle_RejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	h.seedTenant(t, models.TenantConfig{})

	cases := []struct {
		name string
		req  *models.ChatRequest
	}{
		{"missing tenant", &models.ChatRequest{Message: "hi"}},
		{"missing message", &models.ChatRequest{TenantID: "acme"}},
		{"bad channel", &models.ChatRequest{TenantID: "acme", Message: "hi", Channel: "carrier-pigeon"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.orch.Handle(context.Background(), tc.req); err == nil {
				t.Error("Handle() error = nil, want validation error")
			}
		})
	}
}
