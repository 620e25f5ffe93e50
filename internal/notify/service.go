// Package notify delivers escalation events to tenant-configured targets.
//
// The engine ships the webhook driver: a JSON POST with optional HMAC-SHA256
// signing, retried with backoff. Other channel drivers (Slack, email desks)
// plug in through RegisterDriver.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/pkg/contracts"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// Event is the payload posted to notification targets.
type Event = contracts.NotificationEvent

// Event type values on the wire.
const (
	EventConversationEscalated = "conversation.escalated"
	EventApprovalRequested     = "procedure.approval_requested"
)

// Service dispatches events to registered channel drivers. Dispatch is
// fire-and-forget from the caller's point of view: delivery failures are
// logged, never surfaced into the pipeline.
type Service struct {
	client  *http.Client
	drivers map[string]contracts.ChannelDriver
	drvMu   sync.RWMutex
}

// NewService creates the notification service with the built-in webhook driver.
func NewService() *Service {
	svc := &Service{
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		drivers: make(map[string]contracts.ChannelDriver),
	}
	svc.RegisterDriver(&WebhookDriver{client: svc.client})
	return svc
}

// RegisterDriver adds or replaces a channel driver.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", driver.Kind()).Msg("Registered notification channel driver")
}

// Driver returns the driver for a channel kind, or nil.
func (s *Service) Driver(kind string) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// Escalated posts a conversation.escalated event to the tenant's webhook,
// when one is configured. Runs synchronously; callers wanting
// fire-and-forget wrap it in a goroutine.
func (s *Service) Escalated(ctx context.Context, tenant *models.Tenant, conversationID, reason string) {
	if tenant == nil || tenant.Config.EscalationWebhook == nil {
		return
	}
	s.dispatch(ctx, tenant.Config.EscalationWebhook, Event{
		Type:           EventConversationEscalated,
		TenantID:       tenant.ID,
		ConversationID: conversationID,
		Payload:        map[string]any{"reason": reason},
		Timestamp:      time.Now().UTC(),
	})
}

// ApprovalRequested posts an approval-request event for a procedure step.
func (s *Service) ApprovalRequested(ctx context.Context, tenant *models.Tenant, conversationID, procedureID, stepID string) {
	if tenant == nil || tenant.Config.EscalationWebhook == nil {
		return
	}
	s.dispatch(ctx, tenant.Config.EscalationWebhook, Event{
		Type:           EventApprovalRequested,
		TenantID:       tenant.ID,
		ConversationID: conversationID,
		Payload:        map[string]any{"procedureId": procedureID, "stepId": stepID},
		Timestamp:      time.Now().UTC(),
	})
}

func (s *Service) dispatch(ctx context.Context, target *models.WebhookConfig, event Event) {
	driver := s.Driver("webhook")
	if driver == nil {
		return
	}
	if err := driver.Send(ctx, target, event); err != nil {
		log.Warn().
			Err(err).
			Str("tenant", event.TenantID).
			Str("event", event.Type).
			Msg("Notification delivery failed")
	}
}

// ── Webhook Driver ──────────────────────────────────────────

// WebhookDriver posts events as JSON with optional HMAC-SHA256 signing.
type WebhookDriver struct {
	client *http.Client
}

// NewWebhookDriver creates a standalone webhook driver.
func NewWebhookDriver(client *http.Client) *WebhookDriver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &WebhookDriver{client: client}
}

func (d *WebhookDriver) Kind() string { return "webhook" }

// Send posts the event to the target URL, retrying up to 3 attempts.
func (d *WebhookDriver) Send(ctx context.Context, target *models.WebhookConfig, event Event) error {
	if target == nil || target.URL == "" {
		return fmt.Errorf("webhook target has no url")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*2) * time.Second):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "CalmDesk-Webhook/1.0")
		req.Header.Set("X-CalmDesk-Event", event.Type)
		req.Header.Set("X-CalmDesk-Tenant", event.TenantID)
		if target.Secret != "" {
			mac := hmac.New(sha256.New, []byte(target.Secret))
			mac.Write(body)
			req.Header.Set("X-CalmDesk-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, target.URL)
	}
	return fmt.Errorf("webhook failed after 3 attempts: %w", lastErr)
}
