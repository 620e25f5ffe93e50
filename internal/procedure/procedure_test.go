package procedure_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/procedure"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func rawConfig(t *testing.T, v map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return b
}

func newExecContext(tenantID string) *procedure.ExecContext {
	return &procedure.ExecContext{
		TenantID:       tenantID,
		ConversationID: "conv-1",
		UserID:         "user-1",
		Variables:      make(map[string]any),
	}
}

// ─── Interpolation ───────────────────────────────────────────

func TestInterpolate(t *testing.T) {
	vars := map[string]any{
		"user": map[string]any{"name": "Ada"},
		"order": map[string]any{
			"total": 42.5,
			"id":    "ord-9",
		},
	}

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple", "Hello {{user.name}}", "Hello Ada"},
		{"numeric", "Total: {{order.total}}", "Total: 42.5"},
		{"multiple", "{{order.id}}/{{user.name}}", "ord-9/Ada"},
		{"unresolved left literal", "Hi {{missing.var}}", "Hi {{missing.var}}"},
		{"no placeholders", "plain text", "plain text"},
		{"whitespace in braces", "{{ user.name }}", "Ada"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := procedure.Interpolate(tc.in, vars); got != tc.want {
				t.Errorf("Interpolate(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSetVar_Nested(t *testing.T) {
	vars := make(map[string]any)
	procedure.SetVar(vars, "order.customer.email", "ada@example.com")

	got, ok := procedure.LookupVar(vars, "order.customer.email")
	if !ok || got != "ada@example.com" {
		t.Fatalf("LookupVar after SetVar = %v, %v", got, ok)
	}
}

// ─── Conditions ──────────────────────────────────────────────

func TestEvalCondition(t *testing.T) {
	vars := map[string]any{
		"order":  map[string]any{"total": 100.0, "status": "shipped"},
		"refund": map[string]any{"amount": 25.0},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"numeric greater", "{{order.total}} > 50", true},
		{"numeric less false", "{{order.total}} < 50", false},
		{"numeric gte boundary", "{{order.total}} >= 100", true},
		{"numeric eq", "{{refund.amount}} == 25", true},
		{"string eq", "{{order.status}} == shipped", true},
		{"string neq", "{{order.status}} != delivered", true},
		{"string ordering undefined", "{{order.status}} > apple", false},
		{"malformed", "just some words", false},
		{"empty", "", false},
		{"unresolved var literal mismatch", "{{nope}} == shipped", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := procedure.EvalCondition(tc.expr, vars); got != tc.want {
				t.Errorf("EvalCondition(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}
}

// ─── Trigger matching ────────────────────────────────────────

func TestFindMatching(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	procs := []*models.Procedure{
		{
			ID: "proc-refund", TenantID: "acme", Name: "Refund flow", Enabled: true,
			Trigger: models.Trigger{Type: models.TriggerKeyword, Condition: "refund, money back"},
		},
		{
			ID: "proc-track", TenantID: "acme", Name: "Order tracking", Enabled: true,
			Trigger: models.Trigger{Type: models.TriggerIntent, Condition: "where is my order"},
		},
		{
			ID: "proc-manual", TenantID: "acme", Name: "Manual only", Enabled: true,
			Trigger: models.Trigger{Type: models.TriggerManual, Condition: "anything"},
		},
		{
			ID: "proc-disabled", TenantID: "acme", Name: "Disabled", Enabled: false,
			Trigger: models.Trigger{Type: models.TriggerKeyword, Condition: "disabled"},
		},
	}
	for _, p := range procs {
		if err := s.CreateProcedure(ctx, p); err != nil {
			t.Fatalf("CreateProcedure(%s) error = %v", p.ID, err)
		}
	}

	tests := []struct {
		name    string
		message string
		wantID  string
	}{
		{"keyword hit", "I want a REFUND please", "proc-refund"},
		{"second keyword in list", "give me my money back", "proc-refund"},
		{"intent substring", "hey, where is my order??", "proc-track"},
		{"manual never fires", "anything", ""},
		{"disabled skipped", "this is disabled", ""},
		{"no match", "how do I reset my password", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := procedure.FindMatching(ctx, s, "acme", tc.message)
			if err != nil {
				t.Fatalf("FindMatching() error = %v", err)
			}
			gotID := ""
			if got != nil {
				gotID = got.ID
			}
			if gotID != tc.wantID {
				t.Errorf("FindMatching(%q) = %q, want %q", tc.message, gotID, tc.wantID)
			}
		})
	}
}

// ─── Execution ───────────────────────────────────────────────

func TestExecute_MessageAndConditional(t *testing.T) {
	s := store.NewMemoryStore()
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-1", TenantID: "acme",
		Steps: []models.Step{
			{
				ID: "check", Type: models.StepConditional,
				Config: rawConfig(t, map[string]any{
					"condition": "{{order.total}} > 50",
					"trueStep":  "big",
					"falseStep": "small",
				}),
			},
			{
				ID: "big", Type: models.StepMessage,
				Config: rawConfig(t, map[string]any{"template": "Order {{order.id}} qualifies for free shipping."}),
			},
			{
				ID: "small", Type: models.StepMessage,
				Config: rawConfig(t, map[string]any{"template": "Shipping costs extra."}),
			},
		},
	}

	ec := newExecContext("acme")
	ec.Variables["order"] = map[string]any{"total": 80.0, "id": "ord-7"}

	result := exec.Execute(context.Background(), proc, ec)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if result.FinalMessage != "Order ord-7 qualifies for free shipping." {
		t.Errorf("FinalMessage = %q", result.FinalMessage)
	}
	if len(result.Steps) != 2 {
		t.Errorf("len(Steps) = %d, want 2", len(result.Steps))
	}
}

func TestExecute_CyclicGraphHitsCap(t *testing.T) {
	s := store.NewMemoryStore()
	exec := procedure.NewExecutor(s, nil)

	// Two message steps referencing each other forever.
	proc := &models.Procedure{
		ID: "proc-loop", TenantID: "acme",
		Steps: []models.Step{
			{ID: "a", Type: models.StepMessage, NextStepID: "b",
				Config: rawConfig(t, map[string]any{"template": "ping"})},
			{ID: "b", Type: models.StepMessage, NextStepID: "a",
				Config: rawConfig(t, map[string]any{"template": "pong"})},
		},
	}

	result := exec.Execute(context.Background(), proc, newExecContext("acme"))
	if !result.Success {
		t.Fatalf("cap hit should terminate successfully, got error %s", result.Error)
	}
	if len(result.Steps) != models.MaxProcedureIterations {
		t.Errorf("len(Steps) = %d, want %d", len(result.Steps), models.MaxProcedureIterations)
	}
}

func TestExecute_UnknownStepTypeFails(t *testing.T) {
	s := store.NewMemoryStore()
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-bad", TenantID: "acme",
		Steps: []models.Step{
			{ID: "x", Type: models.StepType("teleport"), Config: rawConfig(t, map[string]any{})},
		},
	}

	result := exec.Execute(context.Background(), proc, newExecContext("acme"))
	if result.Success {
		t.Fatal("Execute() succeeded, want failure on unknown step type")
	}
	if result.Error == "" {
		t.Error("Execute() failure has empty Error")
	}
}

func TestExecute_ApprovalDryRun(t *testing.T) {
	s := store.NewMemoryStore()
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-approve", TenantID: "acme",
		Steps: []models.Step{
			{ID: "gate", Type: models.StepApproval, NextStepID: "done",
				Config: rawConfig(t, map[string]any{})},
			{ID: "done", Type: models.StepMessage,
				Config: rawConfig(t, map[string]any{"template": "Refund approved."})},
		},
	}

	ec := newExecContext("acme")
	ec.DryRun = true

	result := exec.Execute(context.Background(), proc, ec)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if marker, ok := result.Steps[0].Output["_dryRun"].(bool); !ok || !marker {
		t.Errorf("approval step output = %v, want _dryRun marker", result.Steps[0].Output)
	}
	if result.FinalMessage != "Refund approved." {
		t.Errorf("FinalMessage = %q", result.FinalMessage)
	}
}

// ─── Connector calls ─────────────────────────────────────────

func seedConnector(t *testing.T, s store.Store, baseURL string) {
	t.Helper()
	err := s.CreateConnector(context.Background(), &models.DataConnector{
		ID: "orders-api", TenantID: "acme", Provider: "custom", Enabled: true,
		Auth: models.ConnectorAuth{
			Type:        models.AuthAPIKey,
			BaseURL:     baseURL,
			Credentials: map[string]string{"apiKey": "sk-test-123"},
		},
		Endpoints: []models.Endpoint{
			{
				ID:           "get-order",
				Method:       "GET",
				PathTemplate: "/orders/{{orderId}}",
				Params:       []string{"orderId", "expand"},
				ResponseMapping: map[string]string{
					"$.order.total":  "order.total",
					"$.order.status": "order.status",
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("CreateConnector() error = %v", err)
	}
}

func TestExecute_APICall(t *testing.T) {
	var gotAuth, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("expand")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"order": {"total": 99.5, "status": "shipped"}}`))
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConnector(t, s, srv.URL)
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-lookup", TenantID: "acme",
		Steps: []models.Step{
			{
				ID: "fetch", Type: models.StepAPICall, NextStepID: "reply",
				Config: rawConfig(t, map[string]any{"connectorId": "orders-api", "endpointId": "get-order"}),
			},
			{
				ID: "reply", Type: models.StepMessage,
				Config: rawConfig(t, map[string]any{"template": "Your order is {{order.status}}, total {{order.total}}."}),
			},
		},
	}

	ec := newExecContext("acme")
	ec.Variables["orderId"] = "ord 42"
	ec.Variables["expand"] = "items"

	result := exec.Execute(context.Background(), proc, ec)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if gotAuth != "Bearer sk-test-123" {
		t.Errorf("Authorization = %q, want bearer key", gotAuth)
	}
	if gotPath != "/orders/ord 42" {
		t.Errorf("path = %q, want /orders/ord 42 (token URL-encoded on the wire)", gotPath)
	}
	if gotQuery != "items" {
		t.Errorf("expand query param = %q, want items", gotQuery)
	}
	if result.FinalMessage != "Your order is shipped, total 99.5." {
		t.Errorf("FinalMessage = %q", result.FinalMessage)
	}
}

func TestExecute_APICall_CrossTenantRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("cross-tenant connector call reached the upstream")
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConnector(t, s, srv.URL) // owned by acme
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-steal", TenantID: "globex",
		Steps: []models.Step{
			{ID: "fetch", Type: models.StepAPICall,
				Config: rawConfig(t, map[string]any{"connectorId": "orders-api", "endpointId": "get-order"})},
		},
	}

	result := exec.Execute(context.Background(), proc, newExecContext("globex"))
	if result.Success {
		t.Fatal("Execute() succeeded across tenants, want failure")
	}
}

func TestExecute_APICall_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConnector(t, s, srv.URL)
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-err", TenantID: "acme",
		Steps: []models.Step{
			{ID: "fetch", Type: models.StepAPICall,
				Config: rawConfig(t, map[string]any{"connectorId": "orders-api", "endpointId": "get-order"})},
		},
	}

	ec := newExecContext("acme")
	ec.Variables["orderId"] = "ord-1"

	result := exec.Execute(context.Background(), proc, ec)
	if result.Success {
		t.Fatal("Execute() succeeded on 502 response, want failure")
	}
}

func TestExecute_APICall_DryRunSkipsHTTP(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	seedConnector(t, s, srv.URL)
	exec := procedure.NewExecutor(s, nil)

	proc := &models.Procedure{
		ID: "proc-dry", TenantID: "acme",
		Steps: []models.Step{
			{ID: "fetch", Type: models.StepAPICall,
				Config: rawConfig(t, map[string]any{"connectorId": "orders-api", "endpointId": "get-order"})},
		},
	}

	ec := newExecContext("acme")
	ec.DryRun = true

	result := exec.Execute(context.Background(), proc, ec)
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if called {
		t.Error("dry run performed a real HTTP call")
	}
	if marker, ok := result.Steps[0].Output["_dryRun"].(bool); !ok || !marker {
		t.Errorf("step output = %v, want _dryRun marker", result.Steps[0].Output)
	}
}
