package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// PostgresStore implements Store on PostgreSQL. Entities are stored as JSONB
// documents with the columns needed for scoping, ordering and retention
// broken out, so the schema never trails the model structs.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to PostgreSQL and creates the schema if needed.
func NewPostgresStore(ctx context.Context, connURL string, maxConns int) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres config: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}

	log.Info().Msg("Postgres store initialized")
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS cd_tenants (
			id         TEXT PRIMARY KEY,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS cd_sources (
			tenant_id  TEXT NOT NULL,
			id         TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS cd_conversations (
			id         TEXT PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cd_conversations_tenant
			ON cd_conversations (tenant_id, created_at, id);

		CREATE TABLE IF NOT EXISTS cd_messages (
			seq             BIGSERIAL PRIMARY KEY,
			id              TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			doc             JSONB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cd_messages_conversation
			ON cd_messages (conversation_id, seq);

		CREATE TABLE IF NOT EXISTS cd_policies (
			seq       BIGSERIAL,
			tenant_id TEXT NOT NULL,
			id        TEXT NOT NULL,
			doc       JSONB NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS cd_procedures (
			seq       BIGSERIAL,
			tenant_id TEXT NOT NULL,
			id        TEXT NOT NULL,
			doc       JSONB NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS cd_connectors (
			tenant_id TEXT NOT NULL,
			id        TEXT NOT NULL,
			doc       JSONB NOT NULL,
			PRIMARY KEY (tenant_id, id)
		);

		CREATE TABLE IF NOT EXISTS cd_cache_entries (
			seq        BIGSERIAL PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			doc        JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cd_cache_tenant ON cd_cache_entries (tenant_id);
		CREATE INDEX IF NOT EXISTS idx_cd_cache_expiry ON cd_cache_entries (expires_at);

		CREATE TABLE IF NOT EXISTS cd_audit_events (
			seq        BIGSERIAL PRIMARY KEY,
			tenant_id  TEXT NOT NULL,
			type       TEXT NOT NULL,
			doc        JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cd_audit_tenant
			ON cd_audit_events (tenant_id, created_at);
	`
	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// ── Tenant Store ────────────────────────────────────────────

func (s *PostgresStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	rows, err := s.pool.Query(ctx, "SELECT doc FROM cd_tenants ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Tenant](rows)
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return getDoc[models.Tenant](ctx, s.pool,
		"SELECT doc FROM cd_tenants WHERE id = $1", "tenant", id, id)
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	t := *tenant
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = t.CreatedAt
	doc, err := json.Marshal(&t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"INSERT INTO cd_tenants (id, doc, created_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING",
		t.ID, doc, t.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("tenant %s already exists", t.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	t := *tenant
	t.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&t)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, "UPDATE cd_tenants SET doc = $2 WHERE id = $1", t.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "tenant", Key: t.ID}
	}
	return nil
}

// ── Knowledge Source Store ──────────────────────────────────

func (s *PostgresStore) ListSources(ctx context.Context, tenantID string, filter models.ListFilter) ([]models.KnowledgeSource, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := "SELECT doc FROM cd_sources WHERE tenant_id = $1"
	args := []any{tenantID}

	if filter.After != "" {
		// The cursor is exclusive; an unknown cursor starts from the top.
		var anchor time.Time
		err := s.pool.QueryRow(ctx,
			"SELECT created_at FROM cd_sources WHERE tenant_id = $1 AND id = $2",
			tenantID, filter.After).Scan(&anchor)
		switch {
		case err == nil:
			query += " AND (created_at, id) > ($2, $3)"
			args = append(args, anchor, filter.After)
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return nil, err
		}
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args)+1)
	args = append(args, listLimit(filter))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.KnowledgeSource](rows)
}

func (s *PostgresStore) GetSource(ctx context.Context, tenantID, id string) (*models.KnowledgeSource, error) {
	return getDoc[models.KnowledgeSource](ctx, s.pool,
		"SELECT doc FROM cd_sources WHERE tenant_id = $1 AND id = $2", "source", id, tenantID, id)
}

func (s *PostgresStore) CreateSource(ctx context.Context, source *models.KnowledgeSource) error {
	if source.TenantID == "" {
		return ErrTenantRequired
	}
	src := *source
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	src.UpdatedAt = src.CreatedAt
	doc, err := json.Marshal(&src)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cd_sources (tenant_id, id, doc, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, id) DO UPDATE SET doc = EXCLUDED.doc`,
		src.TenantID, src.ID, doc, src.CreatedAt)
	return err
}

func (s *PostgresStore) UpdateSource(ctx context.Context, source *models.KnowledgeSource) error {
	src := *source
	src.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&src)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE cd_sources SET doc = $3 WHERE tenant_id = $1 AND id = $2",
		src.TenantID, src.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "source", Key: src.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteSource(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_sources WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "source", Key: id}
	}
	return nil
}

// ── Conversation Store ──────────────────────────────────────

func (s *PostgresStore) ListConversations(ctx context.Context, tenantID string, filter models.ListFilter) ([]models.Conversation, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := "SELECT doc FROM cd_conversations WHERE tenant_id = $1"
	args := []any{tenantID}

	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if filter.After != "" {
		var anchor time.Time
		err := s.pool.QueryRow(ctx,
			"SELECT created_at FROM cd_conversations WHERE tenant_id = $1 AND id = $2",
			tenantID, filter.After).Scan(&anchor)
		switch {
		case err == nil:
			args = append(args, anchor, filter.After)
			query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", len(args)-1, len(args))
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return nil, err
		}
	}

	args = append(args, listLimit(filter))
	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Conversation](rows)
}

func (s *PostgresStore) GetConversation(ctx context.Context, tenantID, id string) (*models.Conversation, error) {
	return getDoc[models.Conversation](ctx, s.pool,
		"SELECT doc FROM cd_conversations WHERE id = $2 AND tenant_id = $1", "conversation", id, tenantID, id)
}

func (s *PostgresStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	if conversation.TenantID == "" {
		return ErrTenantRequired
	}
	c := *conversation
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	doc, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cd_conversations (id, tenant_id, doc, created_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		c.ID, c.TenantID, doc, c.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("conversation %s already exists", c.ID)
	}
	return nil
}

func (s *PostgresStore) UpdateConversation(ctx context.Context, conversation *models.Conversation) error {
	c := *conversation
	c.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE cd_conversations SET doc = $3 WHERE id = $1 AND tenant_id = $2",
		c.ID, c.TenantID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: c.ID}
	}
	return nil
}

// ── Message Store ───────────────────────────────────────────

func (s *PostgresStore) AppendMessage(ctx context.Context, message *models.Message) error {
	msg := *message
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&msg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO cd_messages (id, conversation_id, doc) VALUES ($1, $2, $3)",
		msg.ID, msg.ConversationID, doc)
	return err
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, filter models.ListFilter) ([]models.Message, error) {
	query := "SELECT doc FROM cd_messages WHERE conversation_id = $1"
	args := []any{conversationID}

	if filter.After != "" {
		var anchor int64
		err := s.pool.QueryRow(ctx,
			"SELECT seq FROM cd_messages WHERE conversation_id = $1 AND id = $2",
			conversationID, filter.After).Scan(&anchor)
		switch {
		case err == nil:
			args = append(args, anchor)
			query += fmt.Sprintf(" AND seq > $%d", len(args))
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return nil, err
		}
	}

	args = append(args, listLimit(filter))
	query += fmt.Sprintf(" ORDER BY seq LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Message](rows)
}

func (s *PostgresStore) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT doc FROM (
			SELECT doc, seq FROM cd_messages
			WHERE conversation_id = $1 ORDER BY seq DESC LIMIT $2
		) tail ORDER BY seq`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Message](rows)
}

// ── Policy Store ────────────────────────────────────────────

func (s *PostgresStore) ListPolicies(ctx context.Context, tenantID string, enabledOnly bool) ([]models.Policy, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := "SELECT doc FROM cd_policies WHERE tenant_id = $1"
	if enabledOnly {
		query += " AND (doc->>'enabled')::boolean"
	}
	rows, err := s.pool.Query(ctx, query+" ORDER BY seq", tenantID)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Policy](rows)
}

func (s *PostgresStore) GetPolicy(ctx context.Context, tenantID, id string) (*models.Policy, error) {
	return getDoc[models.Policy](ctx, s.pool,
		"SELECT doc FROM cd_policies WHERE tenant_id = $1 AND id = $2", "policy", id, tenantID, id)
}

func (s *PostgresStore) CreatePolicy(ctx context.Context, policy *models.Policy) error {
	if policy.TenantID == "" {
		return ErrTenantRequired
	}
	p := *policy
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	doc, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cd_policies (tenant_id, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, id) DO UPDATE SET doc = EXCLUDED.doc`,
		p.TenantID, p.ID, doc)
	return err
}

func (s *PostgresStore) UpdatePolicy(ctx context.Context, policy *models.Policy) error {
	p := *policy
	p.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE cd_policies SET doc = $3 WHERE tenant_id = $1 AND id = $2",
		p.TenantID, p.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "policy", Key: p.ID}
	}
	return nil
}

func (s *PostgresStore) DeletePolicy(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_policies WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	return nil
}

// ── Procedure Store ─────────────────────────────────────────

func (s *PostgresStore) ListProcedures(ctx context.Context, tenantID string, enabledOnly bool, limit int) ([]models.Procedure, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	query := "SELECT doc FROM cd_procedures WHERE tenant_id = $1"
	if enabledOnly {
		query += " AND (doc->>'enabled')::boolean"
	}
	rows, err := s.pool.Query(ctx, query+" ORDER BY seq LIMIT $2", tenantID, limit)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.Procedure](rows)
}

func (s *PostgresStore) GetProcedure(ctx context.Context, tenantID, id string) (*models.Procedure, error) {
	return getDoc[models.Procedure](ctx, s.pool,
		"SELECT doc FROM cd_procedures WHERE tenant_id = $1 AND id = $2", "procedure", id, tenantID, id)
}

func (s *PostgresStore) CreateProcedure(ctx context.Context, procedure *models.Procedure) error {
	if procedure.TenantID == "" {
		return ErrTenantRequired
	}
	p := *procedure
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	doc, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cd_procedures (tenant_id, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, id) DO UPDATE SET doc = EXCLUDED.doc`,
		p.TenantID, p.ID, doc)
	return err
}

func (s *PostgresStore) UpdateProcedure(ctx context.Context, procedure *models.Procedure) error {
	p := *procedure
	p.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&p)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE cd_procedures SET doc = $3 WHERE tenant_id = $1 AND id = $2",
		p.TenantID, p.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "procedure", Key: p.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteProcedure(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_procedures WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "procedure", Key: id}
	}
	return nil
}

// ── Data Connector Store ────────────────────────────────────

func (s *PostgresStore) ListConnectors(ctx context.Context, tenantID string) ([]models.DataConnector, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := s.pool.Query(ctx,
		"SELECT doc FROM cd_connectors WHERE tenant_id = $1 ORDER BY id", tenantID)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.DataConnector](rows)
}

func (s *PostgresStore) GetConnector(ctx context.Context, tenantID, id string) (*models.DataConnector, error) {
	return getDoc[models.DataConnector](ctx, s.pool,
		"SELECT doc FROM cd_connectors WHERE tenant_id = $1 AND id = $2", "connector", id, tenantID, id)
}

func (s *PostgresStore) CreateConnector(ctx context.Context, connector *models.DataConnector) error {
	if connector.TenantID == "" {
		return ErrTenantRequired
	}
	c := *connector
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	doc, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO cd_connectors (tenant_id, id, doc) VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, id) DO UPDATE SET doc = EXCLUDED.doc`,
		c.TenantID, c.ID, doc)
	return err
}

func (s *PostgresStore) UpdateConnector(ctx context.Context, connector *models.DataConnector) error {
	c := *connector
	c.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(&c)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		"UPDATE cd_connectors SET doc = $3 WHERE tenant_id = $1 AND id = $2",
		c.TenantID, c.ID, doc)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "connector", Key: c.ID}
	}
	return nil
}

func (s *PostgresStore) DeleteConnector(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_connectors WHERE tenant_id = $1 AND id = $2", tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "connector", Key: id}
	}
	return nil
}

// ── Cache Entry Store ───────────────────────────────────────

func (s *PostgresStore) ListCacheEntries(ctx context.Context, tenantID string) ([]models.CacheEntry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	rows, err := s.pool.Query(ctx,
		"SELECT doc FROM cd_cache_entries WHERE tenant_id = $1 ORDER BY seq", tenantID)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.CacheEntry](rows)
}

func (s *PostgresStore) PutCacheEntry(ctx context.Context, entry *models.CacheEntry) error {
	if entry.TenantID == "" {
		return ErrTenantRequired
	}
	e := *entry
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO cd_cache_entries (tenant_id, doc, expires_at) VALUES ($1, $2, $3)",
		e.TenantID, doc, e.ExpiresAt)
	return err
}

func (s *PostgresStore) DeleteCacheEntries(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_cache_entries WHERE tenant_id = $1", tenantID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) PurgeExpiredCacheEntries(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_cache_entries WHERE expires_at <= $1", now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Audit Store ─────────────────────────────────────────────

func (s *PostgresStore) CreateAuditEvent(ctx context.Context, event *models.AuditEvent) error {
	if event.TenantID == "" {
		return ErrTenantRequired
	}
	e := *event
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(&e)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		"INSERT INTO cd_audit_events (tenant_id, type, doc, created_at) VALUES ($1, $2, $3, $4)",
		e.TenantID, string(e.Type), doc, e.CreatedAt)
	return err
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, tenantID string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	query := "SELECT doc FROM cd_audit_events WHERE tenant_id = $1"
	args := []any{tenantID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY seq DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanDocs[models.AuditEvent](rows)
}

func (s *PostgresStore) CountAuditEvents(ctx context.Context, tenantID string, filter models.AuditFilter) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	query := "SELECT COUNT(*) FROM cd_audit_events WHERE tenant_id = $1"
	args := []any{tenantID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	var count int64
	err := s.pool.QueryRow(ctx, query, args...).Scan(&count)
	return count, err
}

func (s *PostgresStore) PurgeAuditEvents(ctx context.Context, tenantID string, cutoff time.Time) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	tag, err := s.pool.Exec(ctx,
		"DELETE FROM cd_audit_events WHERE tenant_id = $1 AND created_at < $2", tenantID, cutoff)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ── Helpers ─────────────────────────────────────────────────

func listLimit(filter models.ListFilter) int {
	if filter.Limit <= 0 {
		return DefaultListLimit
	}
	return filter.Limit
}

// scanDocs drains a single-column JSONB result set into model values.
func scanDocs[T any](rows pgx.Rows) ([]T, error) {
	defer rows.Close()
	out := []T{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode stored doc: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// getDoc fetches one JSONB doc, mapping pgx.ErrNoRows to ErrNotFound.
func getDoc[T any](ctx context.Context, pool *pgxpool.Pool, query, entity, key string, args ...any) (*T, error) {
	var raw []byte
	err := pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &ErrNotFound{Entity: entity, Key: key}
	}
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode stored doc: %w", err)
	}
	return &v, nil
}
