// Package store — in-memory Store implementation.
// Used for local dev and tests. Supports file-based snapshot persistence so
// data survives restarts.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/rs/zerolog/log"
)

// cacheEntryWarnThreshold is the per-tenant entry count above which the
// store starts logging capacity warnings.
const cacheEntryWarnThreshold = 10000

// snapshot is the JSON-serializable shape written to disk.
type snapshot struct {
	Tenants       map[string]*models.Tenant          `json:"tenants"`        // key: id
	Sources       map[string]*models.KnowledgeSource `json:"sources"`        // key: tenant:id
	Conversations map[string]*models.Conversation    `json:"conversations"`  // key: id
	Messages      map[string][]*models.Message       `json:"messages"`       // key: conversation id → append order
	Policies      map[string]*models.Policy          `json:"policies"`       // key: tenant:id
	Procedures    map[string]*models.Procedure       `json:"procedures"`     // key: tenant:id
	Connectors    map[string]*models.DataConnector   `json:"connectors"`     // key: tenant:id
	CacheEntries  map[string][]*models.CacheEntry    `json:"cache_entries"`  // key: tenant id → append order
	AuditEvents   []*models.AuditEvent               `json:"audit_events"`
	PolicyOrder   map[string][]string                `json:"policy_order"`    // key: tenant id → policy ids, storage order
	ProcOrder     map[string][]string                `json:"procedure_order"` // key: tenant id → procedure ids, storage order
}

// MemoryStore implements Store with in-memory maps.
type MemoryStore struct {
	mu            sync.RWMutex
	tenants       map[string]*models.Tenant
	sources       map[string]*models.KnowledgeSource
	conversations map[string]*models.Conversation
	messages      map[string][]*models.Message
	policies      map[string]*models.Policy
	procedures    map[string]*models.Procedure
	connectors    map[string]*models.DataConnector
	cacheEntries  map[string][]*models.CacheEntry
	auditEvents   []*models.AuditEvent

	// Storage order matters for procedure trigger matching and for stable
	// policy tie-breaks, so creation order is tracked explicitly.
	policyOrder map[string][]string
	procOrder   map[string][]string

	// Persistence
	snapshotPath string        // empty = no persistence
	saveMu       sync.Mutex    // guards file writes
	saveCh       chan struct{} // debounce channel
	doneCh       chan struct{} // signals background goroutines to stop
}

// NewMemoryStore creates a new in-memory store.
// If CALMDESK_DATA_DIR is set, data is persisted to a JSON file in that
// directory. Otherwise defaults to ~/.calmdesk/data.json.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{
		tenants:       make(map[string]*models.Tenant),
		sources:       make(map[string]*models.KnowledgeSource),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]*models.Message),
		policies:      make(map[string]*models.Policy),
		procedures:    make(map[string]*models.Procedure),
		connectors:    make(map[string]*models.DataConnector),
		cacheEntries:  make(map[string][]*models.CacheEntry),
		auditEvents:   make([]*models.AuditEvent, 0),
		policyOrder:   make(map[string][]string),
		procOrder:     make(map[string][]string),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	dataDir := os.Getenv("CALMDESK_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			dataDir = filepath.Join(home, ".calmdesk")
		}
	}
	if dataDir != "" {
		m.snapshotPath = filepath.Join(dataDir, "data.json")
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Warn().Err(err).Str("dir", dataDir).Msg("Cannot create data dir, persistence disabled")
			m.snapshotPath = ""
		}
	}

	if m.snapshotPath != "" {
		m.loadSnapshot()
		go m.saveLoop()
	}

	log.Info().Str("snapshot", m.snapshotPath).Msg("Memory store configured")
	return m
}

// requestSave signals the background goroutine to persist data.
// Non-blocking: coalesces multiple rapid writes into one disk flush.
func (m *MemoryStore) requestSave() {
	if m.snapshotPath == "" {
		return
	}
	select {
	case m.saveCh <- struct{}{}:
	default:
		// Already pending
	}
}

// saveLoop runs in a goroutine, debouncing save requests (max 1 write per 500ms).
func (m *MemoryStore) saveLoop() {
	for {
		select {
		case <-m.doneCh:
			return
		case <-m.saveCh:
			time.Sleep(500 * time.Millisecond) // debounce
			m.saveSnapshot()
		}
	}
}

// saveSnapshot persists all data to disk as JSON.
func (m *MemoryStore) saveSnapshot() {
	m.mu.RLock()
	snap := snapshot{
		Tenants:       m.tenants,
		Sources:       m.sources,
		Conversations: m.conversations,
		Messages:      m.messages,
		Policies:      m.policies,
		Procedures:    m.procedures,
		Connectors:    m.connectors,
		CacheEntries:  m.cacheEntries,
		AuditEvents:   m.auditEvents,
		PolicyOrder:   m.policyOrder,
		ProcOrder:     m.procOrder,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	m.mu.RUnlock()

	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot")
		return
	}

	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	// Write to temp file then rename for atomicity
	tmp := m.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("Failed to write snapshot tmp")
		return
	}
	if err := os.Rename(tmp, m.snapshotPath); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to rename snapshot")
		return
	}

	log.Debug().Str("path", m.snapshotPath).Msg("Snapshot saved")
}

// loadSnapshot reads data from disk on startup.
func (m *MemoryStore) loadSnapshot() {
	data, err := os.ReadFile(m.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", m.snapshotPath).Msg("No snapshot file found, starting fresh")
			return
		}
		log.Warn().Err(err).Str("path", m.snapshotPath).Msg("Failed to read snapshot")
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.Error().Err(err).Str("path", m.snapshotPath).Msg("Failed to parse snapshot, starting fresh")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if snap.Tenants != nil {
		m.tenants = snap.Tenants
	}
	if snap.Sources != nil {
		m.sources = snap.Sources
	}
	if snap.Conversations != nil {
		m.conversations = snap.Conversations
	}
	if snap.Messages != nil {
		m.messages = snap.Messages
	}
	if snap.Policies != nil {
		m.policies = snap.Policies
	}
	if snap.Procedures != nil {
		m.procedures = snap.Procedures
	}
	if snap.Connectors != nil {
		m.connectors = snap.Connectors
	}
	if snap.CacheEntries != nil {
		m.cacheEntries = snap.CacheEntries
	}
	if snap.AuditEvents != nil {
		m.auditEvents = snap.AuditEvents
	}
	if snap.PolicyOrder != nil {
		m.policyOrder = snap.PolicyOrder
	}
	if snap.ProcOrder != nil {
		m.procOrder = snap.ProcOrder
	}

	log.Info().
		Int("tenants", len(m.tenants)).
		Int("sources", len(m.sources)).
		Int("conversations", len(m.conversations)).
		Int("policies", len(m.policies)).
		Int("procedures", len(m.procedures)).
		Str("path", m.snapshotPath).
		Msg("Snapshot loaded")
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close stops background goroutines and forces a final snapshot write.
// Safe to call multiple times (second call is a no-op).
func (m *MemoryStore) Close() error {
	select {
	case <-m.doneCh:
		// Already closed
		return nil
	default:
		close(m.doneCh)
	}

	if m.snapshotPath != "" {
		m.saveSnapshot()
	}

	log.Info().Msg("Memory store closed")
	return nil
}

func key(parts ...string) string {
	k := ""
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

func nowUTC() time.Time { return time.Now().UTC() }

// ── Tenant Store ────────────────────────────────────────────

func (m *MemoryStore) ListTenants(_ context.Context) ([]models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetTenant(_ context.Context, id string) (*models.Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "tenant", Key: id}
	}
	copy := *t
	return &copy, nil
}

func (m *MemoryStore) CreateTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	if _, exists := m.tenants[tenant.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("tenant %s already exists", tenant.ID)
	}
	copy := *tenant
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	m.tenants[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateTenant(_ context.Context, tenant *models.Tenant) error {
	m.mu.Lock()
	if _, ok := m.tenants[tenant.ID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "tenant", Key: tenant.ID}
	}
	copy := *tenant
	copy.UpdatedAt = nowUTC()
	m.tenants[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Knowledge Source Store ──────────────────────────────────

func (m *MemoryStore) ListSources(_ context.Context, tenantID string, filter models.ListFilter) ([]models.KnowledgeSource, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m.mu.RLock()
	var all []models.KnowledgeSource
	for _, s := range m.sources {
		if s.TenantID == tenantID {
			all = append(all, *s)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return pageByID(all, filter, func(s models.KnowledgeSource) string { return s.ID }), nil
}

func (m *MemoryStore) GetSource(_ context.Context, tenantID, id string) (*models.KnowledgeSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[key(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "source", Key: id}
	}
	copy := *s
	return &copy, nil
}

func (m *MemoryStore) CreateSource(_ context.Context, source *models.KnowledgeSource) error {
	if source.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	copy := *source
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	m.sources[key(copy.TenantID, copy.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateSource(_ context.Context, source *models.KnowledgeSource) error {
	m.mu.Lock()
	k := key(source.TenantID, source.ID)
	if _, ok := m.sources[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "source", Key: source.ID}
	}
	copy := *source
	copy.UpdatedAt = nowUTC()
	m.sources[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteSource(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	k := key(tenantID, id)
	if _, ok := m.sources[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "source", Key: id}
	}
	delete(m.sources, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Conversation Store ──────────────────────────────────────

func (m *MemoryStore) ListConversations(_ context.Context, tenantID string, filter models.ListFilter) ([]models.Conversation, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m.mu.RLock()
	var all []models.Conversation
	for _, c := range m.conversations {
		if c.TenantID == tenantID {
			if !filter.Since.IsZero() && c.CreatedAt.Before(filter.Since) {
				continue
			}
			all = append(all, *c)
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return pageByID(all, filter, func(c models.Conversation) string { return c.ID }), nil
}

func (m *MemoryStore) GetConversation(_ context.Context, tenantID, id string) (*models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok || c.TenantID != tenantID {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	copy := *c
	return &copy, nil
}

func (m *MemoryStore) CreateConversation(_ context.Context, conversation *models.Conversation) error {
	if conversation.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	if _, exists := m.conversations[conversation.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("conversation %s already exists", conversation.ID)
	}
	copy := *conversation
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	m.conversations[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConversation(_ context.Context, conversation *models.Conversation) error {
	m.mu.Lock()
	existing, ok := m.conversations[conversation.ID]
	if !ok || existing.TenantID != conversation.TenantID {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: conversation.ID}
	}
	copy := *conversation
	copy.UpdatedAt = nowUTC()
	m.conversations[copy.ID] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Message Store ───────────────────────────────────────────

func (m *MemoryStore) AppendMessage(_ context.Context, message *models.Message) error {
	m.mu.Lock()
	if _, ok := m.conversations[message.ConversationID]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: message.ConversationID}
	}
	copy := *message
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	m.messages[copy.ConversationID] = append(m.messages[copy.ConversationID], &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListMessages(_ context.Context, conversationID string, filter models.ListFilter) ([]models.Message, error) {
	m.mu.RLock()
	msgs := m.messages[conversationID]
	all := make([]models.Message, len(msgs))
	for i, msg := range msgs {
		all[i] = *msg
	}
	m.mu.RUnlock()

	// Messages are stored in append order, which is creation order.
	return pageByID(all, filter, func(msg models.Message) string { return msg.ID }), nil
}

func (m *MemoryStore) ListRecentMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs := m.messages[conversationID]
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}
	result := make([]models.Message, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		result = append(result, *msg)
	}
	return result, nil
}

// ── Policy Store ────────────────────────────────────────────

func (m *MemoryStore) ListPolicies(_ context.Context, tenantID string, enabledOnly bool) ([]models.Policy, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Policy
	for _, id := range m.policyOrder[tenantID] {
		p, ok := m.policies[key(tenantID, id)]
		if !ok {
			continue
		}
		if enabledOnly && !p.Enabled {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

func (m *MemoryStore) GetPolicy(_ context.Context, tenantID, id string) (*models.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[key(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "policy", Key: id}
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryStore) CreatePolicy(_ context.Context, policy *models.Policy) error {
	if policy.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	k := key(policy.TenantID, policy.ID)
	copy := *policy
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	if _, exists := m.policies[k]; !exists {
		m.policyOrder[policy.TenantID] = append(m.policyOrder[policy.TenantID], policy.ID)
	}
	m.policies[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdatePolicy(_ context.Context, policy *models.Policy) error {
	m.mu.Lock()
	k := key(policy.TenantID, policy.ID)
	if _, ok := m.policies[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "policy", Key: policy.ID}
	}
	copy := *policy
	copy.UpdatedAt = nowUTC()
	m.policies[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeletePolicy(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	k := key(tenantID, id)
	if _, ok := m.policies[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "policy", Key: id}
	}
	delete(m.policies, k)
	m.policyOrder[tenantID] = removeID(m.policyOrder[tenantID], id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Procedure Store ─────────────────────────────────────────

func (m *MemoryStore) ListProcedures(_ context.Context, tenantID string, enabledOnly bool, limit int) ([]models.Procedure, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.Procedure
	for _, id := range m.procOrder[tenantID] {
		if len(result) >= limit {
			break
		}
		p, ok := m.procedures[key(tenantID, id)]
		if !ok {
			continue
		}
		if enabledOnly && !p.Enabled {
			continue
		}
		result = append(result, *p)
	}
	return result, nil
}

func (m *MemoryStore) GetProcedure(_ context.Context, tenantID, id string) (*models.Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procedures[key(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "procedure", Key: id}
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryStore) CreateProcedure(_ context.Context, procedure *models.Procedure) error {
	if procedure.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	k := key(procedure.TenantID, procedure.ID)
	copy := *procedure
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	if copy.Version == 0 {
		copy.Version = 1
	}
	if _, exists := m.procedures[k]; !exists {
		m.procOrder[procedure.TenantID] = append(m.procOrder[procedure.TenantID], procedure.ID)
	}
	m.procedures[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateProcedure(_ context.Context, procedure *models.Procedure) error {
	m.mu.Lock()
	k := key(procedure.TenantID, procedure.ID)
	existing, ok := m.procedures[k]
	if !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "procedure", Key: procedure.ID}
	}
	copy := *procedure
	copy.Version = existing.Version + 1
	copy.UpdatedAt = nowUTC()
	m.procedures[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteProcedure(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	k := key(tenantID, id)
	if _, ok := m.procedures[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "procedure", Key: id}
	}
	delete(m.procedures, k)
	m.procOrder[tenantID] = removeID(m.procOrder[tenantID], id)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Data Connector Store ────────────────────────────────────

func (m *MemoryStore) ListConnectors(_ context.Context, tenantID string) ([]models.DataConnector, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []models.DataConnector
	for _, c := range m.connectors {
		if c.TenantID == tenantID {
			result = append(result, *c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MemoryStore) GetConnector(_ context.Context, tenantID, id string) (*models.DataConnector, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connectors[key(tenantID, id)]
	if !ok {
		return nil, &ErrNotFound{Entity: "connector", Key: id}
	}
	copy := *c
	return &copy, nil
}

func (m *MemoryStore) CreateConnector(_ context.Context, connector *models.DataConnector) error {
	if connector.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	copy := *connector
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	copy.UpdatedAt = copy.CreatedAt
	m.connectors[key(copy.TenantID, copy.ID)] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) UpdateConnector(_ context.Context, connector *models.DataConnector) error {
	m.mu.Lock()
	k := key(connector.TenantID, connector.ID)
	if _, ok := m.connectors[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "connector", Key: connector.ID}
	}
	copy := *connector
	copy.UpdatedAt = nowUTC()
	m.connectors[k] = &copy
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteConnector(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	k := key(tenantID, id)
	if _, ok := m.connectors[k]; !ok {
		m.mu.Unlock()
		return &ErrNotFound{Entity: "connector", Key: id}
	}
	delete(m.connectors, k)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

// ── Cache Entry Store ───────────────────────────────────────

func (m *MemoryStore) ListCacheEntries(_ context.Context, tenantID string) ([]models.CacheEntry, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.cacheEntries[tenantID]
	result := make([]models.CacheEntry, len(entries))
	for i, e := range entries {
		result[i] = *e
	}
	return result, nil
}

func (m *MemoryStore) PutCacheEntry(_ context.Context, entry *models.CacheEntry) error {
	if entry.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	copy := *entry
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	m.cacheEntries[copy.TenantID] = append(m.cacheEntries[copy.TenantID], &copy)
	count := len(m.cacheEntries[copy.TenantID])
	m.mu.Unlock()

	if count > cacheEntryWarnThreshold {
		log.Warn().Str("tenant", entry.TenantID).Int("entries", count).Msg("Cache entry count high, consider a shorter TTL")
	}
	m.requestSave()
	return nil
}

func (m *MemoryStore) DeleteCacheEntries(_ context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	m.mu.Lock()
	removed := len(m.cacheEntries[tenantID])
	delete(m.cacheEntries, tenantID)
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

func (m *MemoryStore) PurgeExpiredCacheEntries(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	removed := 0
	for tenantID, entries := range m.cacheEntries {
		kept := entries[:0]
		for _, e := range entries {
			if e.Expired(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.cacheEntries, tenantID)
		} else {
			m.cacheEntries[tenantID] = kept
		}
	}
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── Audit Store ─────────────────────────────────────────────

func (m *MemoryStore) CreateAuditEvent(_ context.Context, event *models.AuditEvent) error {
	if event.TenantID == "" {
		return ErrTenantRequired
	}
	m.mu.Lock()
	copy := *event
	if copy.CreatedAt.IsZero() {
		copy.CreatedAt = nowUTC()
	}
	m.auditEvents = append(m.auditEvents, &copy)
	m.mu.Unlock()
	m.requestSave()
	return nil
}

func (m *MemoryStore) ListAuditEvents(_ context.Context, tenantID string, filter models.AuditFilter) ([]models.AuditEvent, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Newest first: walk the append-only log backwards.
	result := make([]models.AuditEvent, 0, limit)
	for i := len(m.auditEvents) - 1; i >= 0 && len(result) < limit; i-- {
		e := m.auditEvents[i]
		if e.TenantID != tenantID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		result = append(result, *e)
	}
	return result, nil
}

func (m *MemoryStore) CountAuditEvents(_ context.Context, tenantID string, filter models.AuditFilter) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var count int64
	for _, e := range m.auditEvents {
		if e.TenantID != tenantID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStore) PurgeAuditEvents(_ context.Context, tenantID string, cutoff time.Time) (int, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	m.mu.Lock()
	kept := m.auditEvents[:0]
	removed := 0
	for _, e := range m.auditEvents {
		if e.TenantID == tenantID && e.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.auditEvents = kept
	m.mu.Unlock()
	if removed > 0 {
		m.requestSave()
	}
	return removed, nil
}

// ── Helpers ─────────────────────────────────────────────────

// pageByID applies a keyset cursor and limit to an already-ordered slice.
// The cursor is exclusive: results start after the element whose id equals
// filter.After. An unknown cursor yields results from the beginning.
func pageByID[T any](items []T, filter models.ListFilter, id func(T) string) []T {
	start := 0
	if filter.After != "" {
		for i := range items {
			if id(items[i]) == filter.After {
				start = i + 1
				break
			}
		}
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	if start >= len(items) {
		return []T{}
	}
	return items[start:end:end]
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
