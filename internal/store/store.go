// Package store provides the tenant-scoped persistence gateway for the
// CalmDesk engine. The in-memory implementation backs local dev and tests;
// its JSON snapshot persistence survives restarts.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// DefaultListLimit caps listings when the caller does not set one.
const DefaultListLimit = 100

// Store is the primary persistence interface. Every read and write of
// tenant-owned data carries a tenant id; listings that fail to pin a tenant
// are rejected with ErrTenantRequired. Messages are scoped by conversation
// id, which ties them to a tenant through their conversation.
type Store interface {
	TenantStore
	SourceStore
	ConversationStore
	MessageStore
	PolicyStore
	ProcedureStore
	ConnectorStore
	CacheStore
	AuditStore

	// Ping checks whether the backing storage is reachable.
	Ping(ctx context.Context) error

	// Close releases resources and flushes any pending writes.
	Close() error
}

// ── Tenant Store ────────────────────────────────────────────

type TenantStore interface {
	ListTenants(ctx context.Context) ([]models.Tenant, error)
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
}

// ── Knowledge Source Store ──────────────────────────────────

type SourceStore interface {
	// ListSources returns the tenant's sources ordered by creation,
	// keyset-paginated through filter.After.
	ListSources(ctx context.Context, tenantID string, filter models.ListFilter) ([]models.KnowledgeSource, error)
	GetSource(ctx context.Context, tenantID, id string) (*models.KnowledgeSource, error)
	CreateSource(ctx context.Context, source *models.KnowledgeSource) error
	UpdateSource(ctx context.Context, source *models.KnowledgeSource) error
	DeleteSource(ctx context.Context, tenantID, id string) error
}

// ── Conversation Store ──────────────────────────────────────

type ConversationStore interface {
	ListConversations(ctx context.Context, tenantID string, filter models.ListFilter) ([]models.Conversation, error)
	GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error)
	CreateConversation(ctx context.Context, conversation *models.Conversation) error
	UpdateConversation(ctx context.Context, conversation *models.Conversation) error
}

// ── Message Store ───────────────────────────────────────────

type MessageStore interface {
	// AppendMessage adds a message to its conversation. Messages are
	// append-only; there is no update or delete.
	AppendMessage(ctx context.Context, message *models.Message) error

	// ListMessages returns a conversation's messages in creation order,
	// keyset-paginated through filter.After.
	ListMessages(ctx context.Context, conversationID string, filter models.ListFilter) ([]models.Message, error)

	// ListRecentMessages returns the last limit messages in creation order.
	ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
}

// ── Policy Store ────────────────────────────────────────────

type PolicyStore interface {
	// ListPolicies returns the tenant's policies in storage order. When
	// enabledOnly is set, disabled policies are skipped.
	ListPolicies(ctx context.Context, tenantID string, enabledOnly bool) ([]models.Policy, error)
	GetPolicy(ctx context.Context, tenantID, id string) (*models.Policy, error)
	CreatePolicy(ctx context.Context, policy *models.Policy) error
	UpdatePolicy(ctx context.Context, policy *models.Policy) error
	DeletePolicy(ctx context.Context, tenantID, id string) error
}

// ── Procedure Store ─────────────────────────────────────────

type ProcedureStore interface {
	// ListProcedures returns the tenant's procedures in storage order,
	// capped at limit (DefaultListLimit when zero).
	ListProcedures(ctx context.Context, tenantID string, enabledOnly bool, limit int) ([]models.Procedure, error)
	GetProcedure(ctx context.Context, tenantID, id string) (*models.Procedure, error)
	CreateProcedure(ctx context.Context, procedure *models.Procedure) error
	UpdateProcedure(ctx context.Context, procedure *models.Procedure) error
	DeleteProcedure(ctx context.Context, tenantID, id string) error
}

// ── Data Connector Store ────────────────────────────────────

type ConnectorStore interface {
	ListConnectors(ctx context.Context, tenantID string) ([]models.DataConnector, error)
	GetConnector(ctx context.Context, tenantID, id string) (*models.DataConnector, error)
	CreateConnector(ctx context.Context, connector *models.DataConnector) error
	UpdateConnector(ctx context.Context, connector *models.DataConnector) error
	DeleteConnector(ctx context.Context, tenantID, id string) error
}

// ── Cache Entry Store ───────────────────────────────────────

// CacheStore persists semantic cache entries. Similarity matching lives in
// the semcache package; this layer only stores and scopes entries.
type CacheStore interface {
	ListCacheEntries(ctx context.Context, tenantID string) ([]models.CacheEntry, error)
	PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error

	// DeleteCacheEntries removes every entry for the tenant and returns
	// how many were removed.
	DeleteCacheEntries(ctx context.Context, tenantID string) (int, error)

	// PurgeExpiredCacheEntries removes entries expired at the given instant
	// across all tenants. Used by the retention janitor.
	PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int, error)
}

// ── Audit Store ─────────────────────────────────────────────

type AuditStore interface {
	CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, tenantID string, filter models.AuditFilter) ([]models.AuditEvent, error)
	CountAuditEvents(ctx context.Context, tenantID string, filter models.AuditFilter) (int64, error)

	// PurgeAuditEvents removes the tenant's events created before the
	// cutoff and returns how many were removed.
	PurgeAuditEvents(ctx context.Context, tenantID string, cutoff time.Time) (int, error)
}

// ── Errors ──────────────────────────────────────────────────

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ErrTenantRequired is returned by listings whose filter does not pin a
// tenant. Unscoped reads over tenant-owned data are never allowed.
var ErrTenantRequired = errors.New("tenant id required")

// IsNotFound reports whether err is an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}
