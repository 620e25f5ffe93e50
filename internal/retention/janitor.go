// Package retention implements the data retention janitor.
//
// Two things expire in the engine: semantic cache entries (by their own
// TTL) and audit events (by the tenant's retention window). The janitor
// sweeps both on a fixed interval. When an archiver is configured, audit
// events are exported before purging; an export failure is fail-safe and
// skips the purge for that tenant.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// auditScanLimit bounds how many events one sweep considers per tenant.
// Anything beyond it is picked up by the next cycle.
const auditScanLimit = 10000

// SweepStats records what a single retention sweep did.
type SweepStats struct {
	CachePurged   int
	AuditArchived int
	AuditPurged   int
	Tenants       int
	Errors        []error
}

// Janitor periodically purges expired cache entries and aged audit events.
type Janitor struct {
	store    store.Store
	interval time.Duration
	archiver *Archiver
}

// Option configures the janitor.
type Option func(*Janitor)

// WithArchiver exports audit events to disk before they are purged.
func WithArchiver(a *Archiver) Option {
	return func(j *Janitor) { j.archiver = a }
}

// NewJanitor creates a retention janitor that sweeps on the given interval.
// Intervals under a minute are raised to an hour.
func NewJanitor(s store.Store, interval time.Duration, opts ...Option) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	j := &Janitor{store: s, interval: interval}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs the janitor until ctx is canceled. The first sweep happens
// immediately.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Bool("archiving", j.archiver != nil).
		Msg("Retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Retention janitor stopped")
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep performs one retention pass and returns what it did.
func (j *Janitor) Sweep(ctx context.Context) SweepStats {
	start := time.Now()
	stats := SweepStats{}

	purged, err := j.store.PurgeExpiredCacheEntries(ctx, time.Now().UTC())
	if err != nil {
		log.Warn().Err(err).Msg("Cache purge failed")
		stats.Errors = append(stats.Errors, err)
	}
	stats.CachePurged = purged

	tenants, err := j.store.ListTenants(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Retention sweep: tenant listing failed")
		stats.Errors = append(stats.Errors, err)
		return stats
	}
	stats.Tenants = len(tenants)

	for i := range tenants {
		j.sweepTenant(ctx, &tenants[i], &stats)
	}

	if stats.CachePurged > 0 || stats.AuditPurged > 0 {
		log.Info().
			Int("cache_purged", stats.CachePurged).
			Int("audit_archived", stats.AuditArchived).
			Int("audit_purged", stats.AuditPurged).
			Int("tenants", stats.Tenants).
			Dur("elapsed", time.Since(start)).
			Msg("Retention sweep complete")
	}
	return stats
}

// sweepTenant archives and purges one tenant's aged audit events.
func (j *Janitor) sweepTenant(ctx context.Context, tenant *models.Tenant, stats *SweepStats) {
	cutoff := time.Now().UTC().AddDate(0, 0, -tenant.Config.RetentionDays())

	if j.archiver != nil {
		expired, err := j.expiredEvents(ctx, tenant.ID, cutoff)
		if err != nil {
			log.Warn().Err(err).Str("tenant", tenant.ID).Msg("Audit listing failed, skipping tenant")
			stats.Errors = append(stats.Errors, err)
			return
		}
		if len(expired) == 0 {
			return
		}
		path, err := j.archiver.ArchiveAuditEvents(ctx, tenant.ID, expired)
		if err != nil {
			// Fail-safe: never purge what could not be exported.
			log.Warn().Err(err).Str("tenant", tenant.ID).Msg("Audit archive failed, skipping purge")
			stats.Errors = append(stats.Errors, err)
			return
		}
		stats.AuditArchived += len(expired)
		log.Debug().Str("tenant", tenant.ID).Str("path", path).Int("count", len(expired)).Msg("Audit events archived")
	}

	purged, err := j.store.PurgeAuditEvents(ctx, tenant.ID, cutoff)
	if err != nil {
		log.Warn().Err(err).Str("tenant", tenant.ID).Msg("Audit purge failed")
		stats.Errors = append(stats.Errors, err)
		return
	}
	stats.AuditPurged += purged
}

// expiredEvents returns the tenant's audit events created before cutoff,
// bounded by auditScanLimit.
func (j *Janitor) expiredEvents(ctx context.Context, tenantID string, cutoff time.Time) ([]models.AuditEvent, error) {
	events, err := j.store.ListAuditEvents(ctx, tenantID, models.AuditFilter{Limit: auditScanLimit})
	if err != nil {
		return nil, err
	}
	var expired []models.AuditEvent
	for _, e := range events {
		if e.CreatedAt.Before(cutoff) {
			expired = append(expired, e)
		}
	}
	return expired, nil
}
