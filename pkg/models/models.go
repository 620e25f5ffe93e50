// Package models defines the domain types shared across the CalmDesk engine:
// tenants, knowledge sources, chunk vectors, conversations, messages,
// policies, procedures, data connectors, cache entries, and audit events.
package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ── Defaults ─────────────────────────────────────────────────

const (
	// DefaultConfidenceThreshold gates resolution: answers whose mean
	// retrieval score falls below it escalate to a human.
	DefaultConfidenceThreshold = 0.7

	// DefaultMaxHistoryMessages is how many prior messages enter the LLM context.
	DefaultMaxHistoryMessages = 10

	// DefaultCacheTTLSeconds is the semantic cache entry lifetime.
	DefaultCacheTTLSeconds = 3600

	// DefaultEmbeddingDimensions is the tenant-uniform vector dimension.
	DefaultEmbeddingDimensions = 1024

	// DefaultTopK is the retrieval depth.
	DefaultTopK = 5

	// DefaultChunkSize and DefaultChunkOverlap configure the recursive splitter.
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	// EmbedBatchSize limits how many texts go to the embedding provider per call.
	EmbedBatchSize = 20

	// MaxProcedureIterations bounds a procedure walk. Hitting the cap is a
	// successful termination, not an error.
	MaxProcedureIterations = 50

	// CacheSimilarityThreshold is the minimum cosine similarity for a
	// semantic cache hit.
	CacheSimilarityThreshold = 0.95

	// DefaultAuditRetentionDays is how long audit events are kept before the
	// retention janitor purges them.
	DefaultAuditRetentionDays = 30

	// DefaultTemperature and DefaultMaxTokens are the generation parameters.
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1024
)

// Fixed user-visible messages. These are the only strings shown to end users
// when the pipeline cannot produce a real answer; internal detail never leaks.
const (
	// PolicyBlockedMessage is returned when a pre-policy gate blocks the request.
	PolicyBlockedMessage = "I'm sorry, but I can't help with that request. If you believe this is a mistake, please contact our support team directly."

	// LowConfidenceMessage is stored and returned when retrieval confidence
	// falls below the tenant threshold.
	LowConfidenceMessage = "I want to make sure you get an accurate answer, so I'm connecting you with a member of our support team who can help."

	// FallbackMessage is stored and returned when generation fails or a
	// post-policy gate rejects the generated answer.
	FallbackMessage = "I'm having trouble answering right now. Please try again in a moment, or reach out to our support team."
)

// ── Tenant ───────────────────────────────────────────────────

// Tenant is the isolation unit. Every stored record is owned by exactly one
// tenant, and every request is served under exactly one tenant.
type Tenant struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Config    TenantConfig `json:"config"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// TenantConfig carries per-tenant pipeline tuning. Zero values fall back to
// the package defaults, so a freshly created tenant works with no tuning.
type TenantConfig struct {
	ConfidenceThreshold *float64 `json:"confidenceThreshold,omitempty"`
	MaxHistoryMessages  *int     `json:"maxHistoryMessages,omitempty"`
	CacheTTLSeconds     *int     `json:"cacheTtlSeconds,omitempty"`

	// Model overrides the default chat model, as "provider/model"
	// (e.g. "openai/gpt-4o-mini") or a bare model name.
	Model string `json:"model,omitempty"`

	// SystemPromptPrefix is prepended to the default system prompt.
	SystemPromptPrefix string `json:"systemPromptPrefix,omitempty"`

	// AuditRetentionDays bounds how long audit events are kept.
	AuditRetentionDays *int `json:"auditRetentionDays,omitempty"`

	// APIKeyHashes are SHA-256 hex digests of the tenant's API keys,
	// matched by the auth middleware. Empty means open access.
	APIKeyHashes []string `json:"apiKeyHashes,omitempty"`

	// EscalationWebhook, when set, receives a signed JSON event whenever a
	// conversation escalates.
	EscalationWebhook *WebhookConfig `json:"escalationWebhook,omitempty"`
}

// WebhookConfig is an outbound notification target.
type WebhookConfig struct {
	URL string `json:"url"`
	// Secret signs the payload with HMAC-SHA256 when non-empty.
	Secret string `json:"secret,omitempty"`
}

// Threshold returns the confidence threshold, defaulted.
func (c TenantConfig) Threshold() float64 {
	if c.ConfidenceThreshold != nil {
		return *c.ConfidenceThreshold
	}
	return DefaultConfidenceThreshold
}

// HistoryLimit returns the max history messages, defaulted.
func (c TenantConfig) HistoryLimit() int {
	if c.MaxHistoryMessages != nil && *c.MaxHistoryMessages > 0 {
		return *c.MaxHistoryMessages
	}
	return DefaultMaxHistoryMessages
}

// CacheTTL returns the semantic cache TTL, defaulted.
func (c TenantConfig) CacheTTL() time.Duration {
	if c.CacheTTLSeconds != nil && *c.CacheTTLSeconds > 0 {
		return time.Duration(*c.CacheTTLSeconds) * time.Second
	}
	return DefaultCacheTTLSeconds * time.Second
}

// RetentionDays returns the audit retention window, defaulted.
func (c TenantConfig) RetentionDays() int {
	if c.AuditRetentionDays != nil && *c.AuditRetentionDays > 0 {
		return *c.AuditRetentionDays
	}
	return DefaultAuditRetentionDays
}

// ── Channels ─────────────────────────────────────────────────

// Channel identifies where an inbound message came from.
type Channel string

const (
	ChannelWeb      Channel = "web"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
)

// Valid reports whether c is one of the supported channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelWeb, ChannelEmail, ChannelWhatsApp, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

// ── Knowledge Source ─────────────────────────────────────────

// SourceType describes where a knowledge source's content comes from.
type SourceType string

const (
	SourceTypeURL    SourceType = "url"
	SourceTypeFile   SourceType = "file"
	SourceTypeManual SourceType = "manual"
)

// SourceStatus is the ingestion lifecycle state of a source.
type SourceStatus string

const (
	SourceStatusProcessing SourceStatus = "processing"
	SourceStatusReady      SourceStatus = "ready"
	SourceStatusFailed     SourceStatus = "failed"
)

// KnowledgeSource is a document the tenant's assistant can cite. Only the
// ingestion pipeline moves it between statuses; deleting a source cascades
// to its vectors.
type KnowledgeSource struct {
	ID       string       `json:"id"`
	TenantID string       `json:"tenantId"`
	Type     SourceType   `json:"type"`
	Title    string       `json:"title"`
	Status   SourceStatus `json:"status"`

	// Locator depends on Type: a URL for url sources, an uploaded file id
	// for file sources, empty for manual sources.
	Locator string `json:"locator,omitempty"`

	// Content holds the raw text for manual sources.
	Content string `json:"content,omitempty"`

	// Version increments on re-ingestion; vector ids embed it.
	Version int `json:"version"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ── Chunk Vectors ────────────────────────────────────────────

// MaxChunkTextBytes caps the text snapshot stored alongside an embedding.
const MaxChunkTextBytes = 10 * 1024

// VectorDoc is one embedded chunk of a knowledge source. Immutable once
// written; replaced wholesale on re-ingestion.
type VectorDoc struct {
	ID         string            `json:"id"`
	TenantID   string            `json:"tenantId"`
	SourceID   string            `json:"sourceId"`
	ChunkIndex int               `json:"chunkIndex"`
	Text       string            `json:"text"`
	Embedding  []float64         `json:"embedding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SearchResult pairs a vector document with its cosine similarity score.
type SearchResult struct {
	Doc   VectorDoc `json:"doc"`
	Score float64   `json:"score"`
}

// VectorID builds the deterministic chunk vector id. The version segment is
// omitted when version is zero or negative.
func VectorID(sourceID string, version, index int) string {
	if version > 0 {
		return fmt.Sprintf("%s#v%d#chunk-%d", sourceID, version, index)
	}
	return fmt.Sprintf("%s#chunk-%d", sourceID, index)
}

var docIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// DocumentID maps a vector id onto a storage-safe document id: unsafe
// characters become underscores and the result is truncated to 36 bytes.
// Chunk indices keep ids unique within a (source, version).
func DocumentID(vectorID string) string {
	id := docIDUnsafe.ReplaceAllString(vectorID, "_")
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}

// ── Conversation ─────────────────────────────────────────────

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationResolved  ConversationStatus = "resolved"
	ConversationEscalated ConversationStatus = "escalated"
)

// Conversation groups the messages of one support exchange. Status moves to
// resolved on a high-confidence answer and to escalated on low confidence or
// a post-policy block; later user messages implicitly reopen it.
type Conversation struct {
	ID              string             `json:"id"`
	TenantID        string             `json:"tenantId"`
	Channel         Channel            `json:"channel"`
	Status          ConversationStatus `json:"status"`
	UserID          string             `json:"userId,omitempty"`
	FirstResponseAt *time.Time         `json:"firstResponseAt,omitempty"`
	ResolvedAt      *time.Time         `json:"resolvedAt,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// ── Message ──────────────────────────────────────────────────

// Role is who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one utterance in a conversation. Append-only: the orchestrator
// writes the inbound user message and each assistant output, nothing mutates
// them afterwards.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	Role           Role           `json:"role"`
	Content        string         `json:"content"`
	Confidence     *float64       `json:"confidence,omitempty"`
	Citations      []string       `json:"citations,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
}

// DedupeCitations keeps the first occurrence of each source id, preserving
// order. Retrieval results arrive score-sorted, so first occurrence is also
// relevance order.
func DedupeCitations(sourceIDs []string) []string {
	seen := make(map[string]struct{}, len(sourceIDs))
	out := make([]string, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ── Policy ───────────────────────────────────────────────────

// PolicyType selects the evaluation rule.
type PolicyType string

const (
	PolicyTopicFilter PolicyType = "topic_filter"
	PolicyPIIFilter   PolicyType = "pii_filter"
	PolicyTone        PolicyType = "tone"
	PolicyLength      PolicyType = "length"
)

// PolicyMode is the pipeline phase a policy applies to.
type PolicyMode string

const (
	PolicyModePre  PolicyMode = "pre"
	PolicyModePost PolicyMode = "post"
)

// Policy is a tenant-defined content rule. Config is opaque JSON parsed by
// the policy engine into the per-type config struct; it may arrive
// double-encoded as a JSON string and is normalized on parse.
type Policy struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	Name     string          `json:"name"`
	Type     PolicyType      `json:"type"`
	Mode     PolicyMode      `json:"mode"`
	Config   json.RawMessage `json:"config,omitempty"`
	Enabled  bool            `json:"enabled"`
	// Priority orders evaluation within a phase, highest first.
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PIIKind names a detectable class of personal data.
type PIIKind string

const (
	PIIEmail      PIIKind = "email"
	PIIPhone      PIIKind = "phone"
	PIISSN        PIIKind = "ssn"
	PIICreditCard PIIKind = "credit_card"
	PIIIPAddress  PIIKind = "ip_address"
)

// PIIAction is what a pii_filter policy does on a match.
type PIIAction string

const (
	PIIActionBlock  PIIAction = "block"
	PIIActionRedact PIIAction = "redact"
)

// RedactedPlaceholder replaces PII matches in redact mode.
const RedactedPlaceholder = "[REDACTED]"

// Violation is one policy failure. The engine reports at most one violation
// per policy.
type Violation struct {
	PolicyID   string     `json:"policyId"`
	PolicyName string     `json:"policyName"`
	Type       PolicyType `json:"type"`
	Detail     string     `json:"detail"`
}

// Evaluation is the outcome of running one phase's policies over a text.
type Evaluation struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// JoinViolations renders violations as a single blockedReason string.
func JoinViolations(vs []Violation) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, v.Detail)
	}
	return strings.Join(parts, "; ")
}

// ── Procedure ────────────────────────────────────────────────

// TriggerType selects how a procedure matches inbound messages.
type TriggerType string

const (
	TriggerKeyword TriggerType = "keyword"
	TriggerIntent  TriggerType = "intent"
	TriggerManual  TriggerType = "manual"
)

// Trigger is the match rule for a procedure. For keyword triggers the
// condition is a comma-separated keyword list; for intent triggers it is a
// phrase matched as a substring; manual triggers never auto-match.
type Trigger struct {
	Type      TriggerType `json:"type"`
	Condition string      `json:"condition,omitempty"`
}

// StepType selects a procedure step's behaviour.
type StepType string

const (
	StepMessage     StepType = "message"
	StepAPICall     StepType = "api_call"
	StepDataLookup  StepType = "data_lookup"
	StepConditional StepType = "conditional"
	StepApproval    StepType = "approval"
)

// Step is one node in a procedure graph. Conditional steps branch through
// trueStep/falseStep in their config; every other step advances through
// NextStepID. An empty next reference terminates the walk.
type Step struct {
	ID         string          `json:"id"`
	Type       StepType        `json:"type"`
	Config     json.RawMessage `json:"config,omitempty"`
	NextStepID string          `json:"nextStepId,omitempty"`
}

// Procedure is a tenant-defined multi-step workflow rooted at Steps[0].
// The graph may contain cycles; execution is bounded by
// MaxProcedureIterations rather than validated at load time.
type Procedure struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenantId"`
	Name      string    `json:"name"`
	Trigger   Trigger   `json:"trigger"`
	Steps     []Step    `json:"steps"`
	Enabled   bool      `json:"enabled"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StepResult records one executed step.
type StepResult struct {
	StepID  string         `json:"stepId"`
	Type    StepType       `json:"type"`
	Success bool           `json:"success"`
	Output  map[string]any `json:"output,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Execution is the outcome of a procedure walk.
type Execution struct {
	ProcedureID  string       `json:"procedureId"`
	Success      bool         `json:"success"`
	Steps        []StepResult `json:"steps"`
	FinalMessage string       `json:"finalMessage,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// ── Data Connector ───────────────────────────────────────────

// AuthType is how a connector authenticates to its upstream API.
type AuthType string

const (
	AuthOAuth  AuthType = "oauth"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
)

// ConnectorAuth carries connector credentials. Credential keys depend on
// the type: api_key uses "apiKey"; basic uses "username"/"password"; oauth
// uses "accessToken".
type ConnectorAuth struct {
	Type        AuthType          `json:"type"`
	BaseURL     string            `json:"baseUrl"`
	Credentials map[string]string `json:"credentials,omitempty"`
}

// Endpoint describes one callable route on a connector. ResponseMapping maps
// JSON paths in the response body to variable names (dotted names produce
// nested values).
type Endpoint struct {
	ID              string            `json:"id"`
	Method          string            `json:"method"`
	PathTemplate    string            `json:"pathTemplate"`
	Params          []string          `json:"params,omitempty"`
	ResponseMapping map[string]string `json:"responseMapping,omitempty"`
}

// DataConnector is a tenant-owned external HTTP API the procedure executor
// may call. Cross-tenant references are rejected at execution time.
type DataConnector struct {
	ID        string        `json:"id"`
	TenantID  string        `json:"tenantId"`
	Provider  string        `json:"provider"`
	Auth      ConnectorAuth `json:"auth"`
	Endpoints []Endpoint    `json:"endpoints,omitempty"`
	Enabled   bool          `json:"enabled"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// FindEndpoint returns the endpoint with the given id, or nil.
func (c *DataConnector) FindEndpoint(id string) *Endpoint {
	for i := range c.Endpoints {
		if c.Endpoints[i].ID == id {
			return &c.Endpoints[i]
		}
	}
	return nil
}

// ── Cache Entry ──────────────────────────────────────────────

// CacheEntry is one stored answer in the semantic cache. Fingerprint is the
// embedding of the cleaned query; entries never cross tenants.
type CacheEntry struct {
	TenantID    string    `json:"tenantId"`
	Query       string    `json:"query"`
	Fingerprint []float64 `json:"fingerprint"`
	Content     string    `json:"content"`
	Confidence  float64   `json:"confidence"`
	Citations   []string  `json:"citations,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// CachedAnswer is what a cache hit returns to the orchestrator.
type CachedAnswer struct {
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Citations  []string `json:"citations,omitempty"`
}

// ── Audit Events ─────────────────────────────────────────────

// AuditEventType enumerates every event the engine emits.
type AuditEventType string

const (
	AuditConversationCreated   AuditEventType = "conversation.created"
	AuditConversationEscalated AuditEventType = "conversation.escalated"
	AuditConversationResolved  AuditEventType = "conversation.resolved"
	AuditMessageReceived       AuditEventType = "message.received"
	AuditMessageSent           AuditEventType = "message.sent"
	AuditPolicyViolated        AuditEventType = "policy.violated"
	AuditProcedureTriggered    AuditEventType = "procedure.triggered"
	AuditProcedureCompleted    AuditEventType = "procedure.completed"
	AuditProcedureFailed       AuditEventType = "procedure.failed"
	AuditConnectorCalled       AuditEventType = "connector.called"
	AuditConnectorError        AuditEventType = "connector.error"
	AuditCacheHit              AuditEventType = "cache.hit"
	AuditCacheMiss             AuditEventType = "cache.miss"
	AuditKnowledgeProcessed    AuditEventType = "knowledge.processed"
)

// AuditEvent is an append-only, best-effort operational record.
type AuditEvent struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenantId"`
	Type      AuditEventType `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// AuditFilter narrows audit event listings.
type AuditFilter struct {
	Type  AuditEventType
	Since time.Time
	Limit int
}

// ── Chat (orchestrator entry) ────────────────────────────────

// ChatRequest is one inbound user message plus routing context.
type ChatRequest struct {
	TenantID       string  `json:"tenantId"`
	ConversationID string  `json:"conversationId,omitempty"`
	Message        string  `json:"message"`
	Channel        Channel `json:"channel"`
	UserID         string  `json:"userId,omitempty"`

	// DryRun skips message persistence and external side effects in
	// procedure steps.
	DryRun bool `json:"dryRun,omitempty"`

	// Debug includes pipeline trace information in the result.
	Debug bool `json:"debug,omitempty"`
}

// ChatResult is the orchestrator's tagged outcome. Policy blocks and
// low-confidence escalations are regular results, not errors.
type ChatResult struct {
	Resolved       bool           `json:"resolved"`
	Content        string         `json:"content"`
	ConversationID string         `json:"conversationId"`
	MessageID      string         `json:"messageId,omitempty"`
	Confidence     float64        `json:"confidence"`
	Citations      []string       `json:"citations,omitempty"`
	BlockedReason  string         `json:"blockedReason,omitempty"`
	Escalated      bool           `json:"escalated"`
	Debug          map[string]any `json:"debug,omitempty"`
}

// ── LLM Completion ───────────────────────────────────────────

// ChatMessage is one turn of LLM context.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is a provider-agnostic chat completion call.
type CompletionRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	Messages    []ChatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"maxTokens,omitempty"`
}

// TokenUsage reports provider-billed token counts.
type TokenUsage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// CompletionResponse is a full (non-streaming) completion.
type CompletionResponse struct {
	Content string      `json:"content"`
	Model   string      `json:"model,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// StreamChunk is one increment of a streaming completion. The sequence is
// finite and not restartable; Done marks the last chunk.
type StreamChunk struct {
	Content string      `json:"content,omitempty"`
	Done    bool        `json:"done,omitempty"`
	Error   string      `json:"error,omitempty"`
	Usage   *TokenUsage `json:"usage,omitempty"`
}

// ── Chat Stream Wire Format ──────────────────────────────────

// StreamEventType tags SSE events on the chat stream endpoint.
type StreamEventType string

const (
	StreamDelta     StreamEventType = "delta"
	StreamDone      StreamEventType = "done"
	StreamEscalated StreamEventType = "escalated"
	StreamBlocked   StreamEventType = "blocked"
	StreamError     StreamEventType = "error"
)

// StreamTerminator is the final SSE data payload. The widget treats it as
// end-of-stream; the format is a consumer contract and must stay bit-exact.
const StreamTerminator = "[DONE]"

// StreamEvent is one JSON event on the chat stream.
type StreamEvent struct {
	Type           StreamEventType `json:"type"`
	Content        string          `json:"content,omitempty"`
	Message        string          `json:"message,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
}

// ── Ingestion Events ─────────────────────────────────────────

// Event names for the ingestion queue.
const (
	EventChunkAndEmbed   = "knowledge/chunk-and-embed"
	EventInvalidateCache = "cache/invalidate-tenant"
)

// IngestEvent triggers the ingestion pipeline for one source.
type IngestEvent struct {
	SourceID string     `json:"sourceId"`
	TenantID string     `json:"tenantId"`
	Type     SourceType `json:"type"`
	URL      string     `json:"url,omitempty"`
	FileID   string     `json:"fileId,omitempty"`
	Content  string     `json:"content,omitempty"`
	Title    string     `json:"title,omitempty"`
	Version  int        `json:"version,omitempty"`
}

// ── Listing ──────────────────────────────────────────────────

// ListFilter narrows store listings. After is an exclusive keyset cursor
// (the last id of the previous page); Limit of zero means store default.
type ListFilter struct {
	Limit int
	After string
	Since time.Time
}
