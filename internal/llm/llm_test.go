package llm_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/llm"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// ─── OpenAI driver ───────────────────────────────────────────

func TestOpenAIComplete(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["model"] != "gpt-4o-mini" {
			t.Errorf("model = %v, want gpt-4o-mini", req["model"])
		}
		// System message must lead the messages array.
		msgs := req["messages"].([]any)
		first := msgs[0].(map[string]any)
		if first["role"] != "system" {
			t.Errorf("first message role = %v, want system", first["role"])
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]any{"content": "hello from mock"}},
			},
			"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 4, "total_tokens": 14},
		})
	}))
	defer srv.Close()

	d := llm.NewOpenAIDriver("sk-test", llm.WithBaseURL(srv.URL))
	resp, err := d.Complete(context.Background(), &models.CompletionRequest{
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello from mock" {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 14 {
		t.Errorf("Usage = %+v, want total 14", resp.Usage)
	}
	if gotAuth != "Bearer sk-test" {
		t.Errorf("Authorization = %q", gotAuth)
	}
}

func TestOpenAIStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, delta := range []string{"Hel", "lo", "!"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	d := llm.NewOpenAIDriver("sk-test", llm.WithBaseURL(srv.URL))
	var parts []string
	done := false
	err := d.Stream(context.Background(), &models.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}, func(chunk *models.StreamChunk) error {
		if chunk.Done {
			done = true
			return nil
		}
		parts = append(parts, chunk.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if got := strings.Join(parts, ""); got != "Hello!" {
		t.Errorf("streamed content = %q, want Hello!", got)
	}
	if !done {
		t.Error("final Done chunk not delivered")
	}
}

func TestOpenAIComplete_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"rate limited"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	d := llm.NewOpenAIDriver("sk-test", llm.WithBaseURL(srv.URL))
	_, err := d.Complete(context.Background(), &models.CompletionRequest{
		Model:    "gpt-4o-mini",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Complete() error = %v, want status 429 mentioned", err)
	}
}

// ─── Anthropic driver ────────────────────────────────────────

func TestAnthropicComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "ak-test" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["system"] != "be brief" {
			t.Errorf("system = %v, want top-level system field", req["system"])
		}
		if _, ok := req["max_tokens"]; !ok {
			t.Error("max_tokens is required and missing")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"model": "claude-3-5-haiku-20241022",
			"content": []map[string]any{
				{"type": "text", "text": "first "},
				{"type": "text", "text": "second"},
			},
			"usage": map[string]int{"input_tokens": 7, "output_tokens": 2},
		})
	}))
	defer srv.Close()

	d := llm.NewAnthropicDriver("ak-test", llm.WithAnthropicBaseURL(srv.URL))
	resp, err := d.Complete(context.Background(), &models.CompletionRequest{
		Model:    "claude-3-5-haiku-20241022",
		System:   "be brief",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "first second" {
		t.Errorf("Content = %q, want text blocks concatenated", resp.Content)
	}
	if resp.Usage.TotalTokens != 9 {
		t.Errorf("TotalTokens = %d, want 9", resp.Usage.TotalTokens)
	}
}

func TestAnthropicStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hi\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\" there\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	d := llm.NewAnthropicDriver("ak-test", llm.WithAnthropicBaseURL(srv.URL))
	var sb strings.Builder
	err := d.Stream(context.Background(), &models.CompletionRequest{
		Model:    "claude-3-5-haiku-20241022",
		Messages: []models.ChatMessage{{Role: models.RoleUser, Content: "hi"}},
	}, func(chunk *models.StreamChunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if sb.String() != "Hi there" {
		t.Errorf("streamed content = %q, want %q", sb.String(), "Hi there")
	}
}

// ─── Model references ────────────────────────────────────────

func TestSplitModel(t *testing.T) {
	tests := []struct {
		ref      string
		provider string
		model    string
	}{
		{"openai/gpt-4o-mini", "openai", "gpt-4o-mini"},
		{"anthropic/claude-sonnet-4-20250514", "anthropic", "claude-sonnet-4-20250514"},
		{"llama3.1", "", "llama3.1"},
	}
	for _, tt := range tests {
		provider, model := llm.SplitModel(tt.ref)
		if provider != tt.provider || model != tt.model {
			t.Errorf("SplitModel(%q) = (%q, %q), want (%q, %q)", tt.ref, provider, model, tt.provider, tt.model)
		}
	}
}

func TestRegistryResolve(t *testing.T) {
	r := llm.NewRegistry()
	r.Register("openai", llm.NewOpenAIDriver("sk-test"))
	r.Register("ollama", llm.NewOllamaDriver(""))

	driver, model, err := r.Resolve("ollama/llama3.1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if driver.Kind() != "ollama" || model != "llama3.1" {
		t.Errorf("Resolve() = (%s, %s)", driver.Kind(), model)
	}

	// Bare model name resolves against the default (first registered).
	driver, model, err = r.Resolve("gpt-4o")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if driver.Kind() != "openai" || model != "gpt-4o" {
		t.Errorf("Resolve() = (%s, %s)", driver.Kind(), model)
	}

	if _, _, err := r.Resolve("gemini/flash"); err == nil {
		t.Error("Resolve(unknown provider) should error")
	}
}
