package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/api"
	"github.com/calmdesk/calmdesk/engine/internal/api/handlers"
	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/auth"
	"github.com/calmdesk/calmdesk/engine/internal/config"
	"github.com/calmdesk/calmdesk/engine/internal/ingest"
	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/semcache"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/internal/vectorstore"
	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// ─── Stubs ──────────────────────────────────────────────────

type stubEmbedder struct{}

func (stubEmbedder) Kind() string    { return "stub" }
func (stubEmbedder) Dimensions() int { return 3 }

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float64, error) {
	vecs := make([][]float64, len(texts))
	for i := range texts {
		vecs[i] = []float64{1, 0, 0}
	}
	return vecs, nil
}

func (stubEmbedder) HealthCheck(context.Context) error { return nil }

// fakeOrchestrator returns a canned result and replays canned stream events.
type fakeOrchestrator struct {
	result *models.ChatResult
	events []models.StreamEvent
}

func (f *fakeOrchestrator) Handle(_ context.Context, req *models.ChatRequest) (*models.ChatResult, error) {
	return f.result, nil
}

func (f *fakeOrchestrator) HandleStream(_ context.Context, req *models.ChatRequest, emit contracts.StreamEmitter) (*models.ChatResult, error) {
	for _, ev := range f.events {
		if err := emit(ev); err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

// ─── Harness ────────────────────────────────────────────────

type env struct {
	store  *store.MemoryStore
	index  *vectorstore.MemoryIndex
	queue  *ingest.Queue
	orch   *fakeOrchestrator
	server *httptest.Server
}

func newEnv(t *testing.T, authEnabled bool) *env {
	t.Helper()
	t.Setenv("CALMDESK_DATA_DIR", t.TempDir())

	s := store.NewMemoryStore()
	index := vectorstore.NewMemoryIndex()
	cache := semcache.New(s)
	emitter := audit.NewEmitter(s)
	t.Cleanup(emitter.Close)

	extractor := ingest.NewExtractor("")
	pipeline := ingest.NewPipeline(s, stubEmbedder{}, index, cache, extractor, emitter)
	queue := ingest.NewQueue(pipeline, 1, 16, nil)

	orch := &fakeOrchestrator{
		result: &models.ChatResult{Resolved: true, Content: "All good.", ConversationID: "conv-1"},
	}

	h := handlers.New(s, orch, cache, index, queue, extractor, procedure.NewExecutor(s, emitter))
	cfg := config.Load()
	router := api.NewRouter(cfg, h, auth.New(s, authEnabled), nil)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &env{store: s, index: index, queue: queue, orch: orch, server: server}
}

func (e *env) seedTenant(t *testing.T, cfg models.TenantConfig) {
	t.Helper()
	err := e.store.CreateTenant(context.Background(), &models.Tenant{ID: "acme", Name: "Acme", Config: cfg})
	if err != nil {
		t.Fatalf("CreateTenant() error = %v", err)
	}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// ─── Tenants ────────────────────────────────────────────────

func TestTenantCRUD(t *testing.T) {
	e := newEnv(t, false)

	resp := e.do(t, "POST", "/v1/tenants", map[string]any{
		"name":   "Globex",
		"config": map[string]any{"apiKeyHashes": []string{auth.HashKey("sk-1")}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[models.Tenant](t, resp)
	if created.ID == "" || created.Name != "Globex" {
		t.Errorf("created = %+v", created)
	}
	if len(created.Config.APIKeyHashes) != 0 {
		t.Error("create response leaked API key hashes")
	}

	resp = e.do(t, "GET", "/v1/tenants/"+created.ID, nil)
	got := decode[models.Tenant](t, resp)
	if len(got.Config.APIKeyHashes) != 0 {
		t.Error("get response leaked API key hashes")
	}

	// Round-tripping the sanitized tenant must not wipe the stored hashes.
	got.Name = "Globex Corp"
	resp = e.do(t, "PUT", "/v1/tenants/"+created.ID, got)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200", resp.StatusCode)
	}
	resp.Body.Close()

	stored, err := e.store.GetTenant(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetTenant() error = %v", err)
	}
	if stored.Name != "Globex Corp" {
		t.Errorf("stored name = %q, want Globex Corp", stored.Name)
	}
	if len(stored.Config.APIKeyHashes) != 1 {
		t.Errorf("stored hashes = %d, want 1 preserved", len(stored.Config.APIKeyHashes))
	}
}

// ─── Auth ───────────────────────────────────────────────────

func TestAuth_GuardedTenant(t *testing.T) {
	e := newEnv(t, true)
	e.seedTenant(t, models.TenantConfig{APIKeyHashes: []string{auth.HashKey("sk-good")}})

	resp := e.do(t, "POST", "/v1/tenants/acme/chat", map[string]string{"message": "hi"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", resp.StatusCode)
	}
	resp.Body.Close()

	req, _ := http.NewRequest("POST", e.server.URL+"/v1/tenants/acme/chat",
		strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer sk-good")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("valid key status = %d, want 200", resp2.StatusCode)
	}
}

// ─── Chat ───────────────────────────────────────────────────

func TestChat_ReturnsResult(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/chat", map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	result := decode[models.ChatResult](t, resp)
	if !result.Resolved || result.Content != "All good." {
		t.Errorf("result = %+v", result)
	}
}

func TestChat_MissingMessageRejected(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/chat", map[string]string{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestChatStream_WireFormat(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})
	e.orch.events = []models.StreamEvent{
		{Type: models.StreamDelta, Content: "All "},
		{Type: models.StreamDelta, Content: "good."},
		{Type: models.StreamDone, ConversationID: "conv-1"},
	}

	resp := e.do(t, "POST", "/v1/tenants/acme/chat/stream", map[string]string{"message": "hello"})
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	body := buf.String()

	var lines []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	if len(lines) != 4 {
		t.Fatalf("got %d data lines, want 4:\n%s", len(lines), body)
	}
	var first models.StreamEvent
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first event not JSON: %v", err)
	}
	if first.Type != models.StreamDelta || first.Content != "All " {
		t.Errorf("first event = %+v", first)
	}
	if lines[len(lines)-1] != models.StreamTerminator {
		t.Errorf("last line = %q, want %q", lines[len(lines)-1], models.StreamTerminator)
	}
}

// ─── Knowledge Sources ──────────────────────────────────────

func TestSourceLifecycle_ManualIngests(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/sources", map[string]string{
		"type":    "manual",
		"title":   "Returns FAQ",
		"content": "Returns are accepted within 30 days of delivery with the original receipt.",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	source := decode[models.KnowledgeSource](t, resp)
	if source.Status != models.SourceStatusProcessing {
		t.Errorf("initial status = %s, want processing", source.Status)
	}

	// Close drains the queue so the pipeline finishes before we assert.
	e.queue.Close()

	stored, err := e.store.GetSource(context.Background(), "acme", source.ID)
	if err != nil {
		t.Fatalf("GetSource() error = %v", err)
	}
	if stored.Status != models.SourceStatusReady {
		t.Fatalf("status after ingest = %s, want ready", stored.Status)
	}
	count, _ := e.index.CountBySource(context.Background(), "acme", source.ID)
	if count == 0 {
		t.Error("no vectors indexed for the source")
	}
}

func TestSource_InvalidTypeRejected(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/sources", map[string]string{
		"type": "carrier-pigeon", "title": "x",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// ─── Procedures ─────────────────────────────────────────────

func TestProcedureDryRunEndpoint(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/procedures", map[string]any{
		"name":    "greeting",
		"trigger": map[string]string{"type": "manual"},
		"steps": []map[string]any{{
			"id":     "greet",
			"type":   "message",
			"config": map[string]string{"template": "Hello {{name}}!"},
		}},
		"enabled": true,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	proc := decode[models.Procedure](t, resp)

	resp = e.do(t, "POST", fmt.Sprintf("/v1/tenants/acme/procedures/%s/dry-run", proc.ID), map[string]any{
		"variables": map[string]any{"name": "Ada"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dry-run status = %d, want 200", resp.StatusCode)
	}
	exec := decode[models.Execution](t, resp)
	if !exec.Success {
		t.Errorf("dry-run Success = false: %+v", exec)
	}
	if exec.FinalMessage != "Hello Ada!" {
		t.Errorf("FinalMessage = %q, want interpolated greeting", exec.FinalMessage)
	}
}

func TestProcedure_BrokenGraphRejected(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/procedures", map[string]any{
		"name":    "broken",
		"trigger": map[string]string{"type": "manual"},
		"steps": []map[string]any{{
			"id": "a", "type": "message", "nextStepId": "ghost",
			"config": map[string]string{"template": "x"},
		}},
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// ─── Connectors ─────────────────────────────────────────────

func TestConnector_CredentialsMasked(t *testing.T) {
	e := newEnv(t, false)
	e.seedTenant(t, models.TenantConfig{})

	resp := e.do(t, "POST", "/v1/tenants/acme/connectors", map[string]any{
		"provider": "orders-api",
		"auth": map[string]any{
			"type":        "api_key",
			"baseUrl":     "https://api.example.com",
			"credentials": map[string]string{"apiKey": "sk-live-secret"},
		},
		"endpoints": []map[string]any{{"id": "get-order", "method": "GET", "pathTemplate": "/orders/{{id}}"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	created := decode[models.DataConnector](t, resp)
	if got := created.Auth.Credentials["apiKey"]; got != "sk-l****" {
		t.Errorf("masked apiKey = %q, want sk-l****", got)
	}

	// The store keeps the real secret.
	stored, err := e.store.GetConnector(context.Background(), "acme", created.ID)
	if err != nil {
		t.Fatalf("GetConnector() error = %v", err)
	}
	if stored.Auth.Credentials["apiKey"] != "sk-live-secret" {
		t.Errorf("stored apiKey = %q, want the real secret", stored.Auth.Credentials["apiKey"])
	}
}

// ─── Health ─────────────────────────────────────────────────

func TestHealthEndpoint(t *testing.T) {
	e := newEnv(t, false)

	resp := e.do(t, "GET", "/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", body["status"])
	}
}
