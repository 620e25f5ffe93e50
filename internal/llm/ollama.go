package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// OllamaDriver implements LLMDriver against a local Ollama server through
// its OpenAI-compatible endpoint. It wraps an OpenAIDriver; only Kind and
// the health check differ (Ollama exposes /api/tags and needs no key).
type OllamaDriver struct {
	inner   *OpenAIDriver
	baseURL string
	client  *http.Client
}

// NewOllamaDriver creates an Ollama chat driver (default
// http://localhost:11434).
func NewOllamaDriver(baseURL string) *OllamaDriver {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	client := &http.Client{Timeout: 300 * time.Second} // local models are slow
	return &OllamaDriver{
		inner:   NewOpenAIDriver("ollama", WithBaseURL(baseURL+"/v1"), WithHTTPClient(client)),
		baseURL: baseURL,
		client:  client,
	}
}

func (d *OllamaDriver) Kind() string { return "ollama" }

// Complete performs a full chat completion.
func (d *OllamaDriver) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	return d.inner.Complete(ctx, req)
}

// Stream performs a streaming completion.
func (d *OllamaDriver) Stream(ctx context.Context, req *models.CompletionRequest, handler contracts.StreamHandler) error {
	return d.inner.Stream(ctx, req, handler)
}

// HealthCheck verifies the server is up by listing installed models.
func (d *OllamaDriver) HealthCheck(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := d.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return fmt.Errorf("decode tags: %w", err)
	}
	return nil
}
