// Package audit provides the asynchronous audit event emitter.
//
// Events are best-effort operational records: Emit never blocks the request
// path. A buffered channel feeds a single writer goroutine; when the buffer
// is full the event is dropped with a warning, and store failures are logged
// and swallowed.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// DefaultBufferSize is the emitter channel capacity.
const DefaultBufferSize = 1024

// Emitter writes audit events asynchronously.
type Emitter struct {
	store  store.AuditStore
	events chan models.AuditEvent

	// mu orders late Emit calls against Close: a request racing shutdown
	// must drop its event, not send on a closed channel.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

// NewEmitter creates an emitter and starts its writer goroutine. Call Close
// to flush and stop it.
func NewEmitter(s store.AuditStore) *Emitter {
	e := &Emitter{
		store:  s,
		events: make(chan models.AuditEvent, DefaultBufferSize),
		done:   make(chan struct{}),
	}
	go e.writeLoop()
	return e
}

// Emit queues one audit event. Never blocks: a full buffer drops the event
// with a warning.
func (e *Emitter) Emit(tenantID string, eventType models.AuditEventType, payload map[string]any) {
	event := models.AuditEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		log.Warn().
			Str("tenant", tenantID).
			Str("type", string(eventType)).
			Msg("Audit emitter closed, event dropped")
		return
	}
	select {
	case e.events <- event:
	default:
		log.Warn().
			Str("tenant", tenantID).
			Str("type", string(eventType)).
			Msg("Audit buffer full, event dropped")
	}
}

// Close stops accepting events, flushes the buffer, and waits for the
// writer to finish.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.events)
		<-e.done
	})
}

func (e *Emitter) writeLoop() {
	defer close(e.done)
	for event := range e.events {
		// The request that caused the event may be long gone; writes get
		// their own bounded context.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := e.store.CreateAuditEvent(ctx, &event); err != nil {
			log.Warn().Err(err).
				Str("tenant", event.TenantID).
				Str("type", string(event.Type)).
				Msg("Audit write failed")
		}
		cancel()
	}
}
