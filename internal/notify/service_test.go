package notify_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calmdesk/calmdesk/engine/internal/notify"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

func TestWebhookDriver_SignsPayload(t *testing.T) {
	var gotSig, gotEvent string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-CalmDesk-Signature")
		gotEvent = r.Header.Get("X-CalmDesk-Event")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	driver := notify.NewWebhookDriver(nil)
	err := driver.Send(context.Background(), &models.WebhookConfig{URL: srv.URL, Secret: "hush"}, notify.Event{
		Type:           notify.EventConversationEscalated,
		TenantID:       "acme",
		ConversationID: "conv-1",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	mac := hmac.New(sha256.New, []byte("hush"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Errorf("signature = %q, want %q", gotSig, want)
	}
	if gotEvent != notify.EventConversationEscalated {
		t.Errorf("event header = %q", gotEvent)
	}

	var event notify.Event
	if err := json.Unmarshal(gotBody, &event); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if event.TenantID != "acme" || event.ConversationID != "conv-1" {
		t.Errorf("delivered event = %+v", event)
	}
}

func TestWebhookDriver_NoSecretNoSignature(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-CalmDesk-Signature")
	}))
	defer srv.Close()

	driver := notify.NewWebhookDriver(nil)
	err := driver.Send(context.Background(), &models.WebhookConfig{URL: srv.URL}, notify.Event{
		Type: notify.EventConversationEscalated, TenantID: "acme",
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotSig != "" {
		t.Errorf("signature header set without a secret: %q", gotSig)
	}
}

func TestService_EscalatedSkipsWithoutWebhook(t *testing.T) {
	svc := notify.NewService()
	// Tenant with no webhook: must be a no-op, not a panic or an error log storm.
	svc.Escalated(context.Background(), &models.Tenant{ID: "acme"}, "conv-1", "low_confidence")
}

func TestService_EscalatedDelivers(t *testing.T) {
	delivered := make(chan notify.Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev notify.Event
		json.NewDecoder(r.Body).Decode(&ev)
		delivered <- ev
	}))
	defer srv.Close()

	svc := notify.NewService()
	tenant := &models.Tenant{
		ID: "acme",
		Config: models.TenantConfig{
			EscalationWebhook: &models.WebhookConfig{URL: srv.URL},
		},
	}
	svc.Escalated(context.Background(), tenant, "conv-9", "low_confidence")

	select {
	case ev := <-delivered:
		if ev.ConversationID != "conv-9" {
			t.Errorf("delivered conversationId = %q, want conv-9", ev.ConversationID)
		}
		if reason, _ := ev.Payload["reason"].(string); reason != "low_confidence" {
			t.Errorf("delivered reason = %v", ev.Payload["reason"])
		}
	default:
		t.Fatal("no event delivered")
	}
}
