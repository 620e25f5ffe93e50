package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// anthropicVersion is the API version header required on every call.
const anthropicVersion = "2023-06-01"

// AnthropicDriver implements LLMDriver over the Anthropic messages API.
type AnthropicDriver struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// AnthropicOption configures the Anthropic driver.
type AnthropicOption func(*AnthropicDriver)

// WithAnthropicBaseURL sets a custom API base URL (default
// https://api.anthropic.com).
func WithAnthropicBaseURL(baseURL string) AnthropicOption {
	return func(d *AnthropicDriver) { d.baseURL = strings.TrimSuffix(baseURL, "/") }
}

// WithAnthropicHTTPClient replaces the HTTP client (tests use this).
func WithAnthropicHTTPClient(client *http.Client) AnthropicOption {
	return func(d *AnthropicDriver) { d.client = client }
}

// NewAnthropicDriver creates an Anthropic chat driver.
func NewAnthropicDriver(apiKey string, opts ...AnthropicOption) *AnthropicDriver {
	d := &AnthropicDriver{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com",
		client:  &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *AnthropicDriver) Kind() string { return "anthropic" }

type anthropicRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// anthropicStreamEvent is the payload of one SSE data line. Only
// content_block_delta events carry text.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (d *AnthropicDriver) buildRequest(req *models.CompletionRequest, stream bool) anthropicRequest {
	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	maxTokens := models.DefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	return anthropicRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    msgs,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (d *AnthropicDriver) post(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", d.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: status %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// Complete performs a full chat completion.
func (d *AnthropicDriver) Complete(ctx context.Context, req *models.CompletionRequest) (*models.CompletionResponse, error) {
	resp, err := d.post(ctx, d.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return nil, fmt.Errorf("anthropic error: %s (%s)", out.Error.Message, out.Error.Type)
	}

	var content strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	result := &models.CompletionResponse{Content: content.String(), Model: out.Model}
	if out.Usage != nil {
		result.Usage = &models.TokenUsage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
			TotalTokens:      out.Usage.InputTokens + out.Usage.OutputTokens,
		}
	}
	return result, nil
}

// Stream performs a streaming completion. Anthropic emits typed SSE events;
// text arrives in content_block_delta events and message_stop ends the turn.
func (d *AnthropicDriver) Stream(ctx context.Context, req *models.CompletionRequest, handler contracts.StreamHandler) error {
	resp, err := d.post(ctx, d.buildRequest(req, true))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				if err := handler(&models.StreamChunk{Content: event.Delta.Text}); err != nil {
					return err
				}
			}
		case "message_stop":
			return handler(&models.StreamChunk{Done: true})
		case "error":
			return fmt.Errorf("anthropic stream error event")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read stream: %w", err)
	}
	return handler(&models.StreamChunk{Done: true})
}

// HealthCheck validates the credentials with a one-token completion.
func (d *AnthropicDriver) HealthCheck(ctx context.Context) error {
	one := 1
	_, err := d.Complete(ctx, &models.CompletionRequest{
		Model:     "claude-3-5-haiku-20241022",
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: "ok"}},
		MaxTokens: &one,
	})
	return err
}
