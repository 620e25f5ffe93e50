package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/calmdesk/calmdesk/engine/internal/metrics"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// Queue is the in-process ingestion runner: a bounded event queue feeding a
// worker pool. Concurrency is capped by a semaphore so a burst of uploads
// cannot saturate the embedding provider.
type Queue struct {
	pipeline *Pipeline
	metrics  *metrics.Metrics

	events chan models.IngestEvent
	sem    *semaphore.Weighted

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue creates and starts the ingestion queue. m may be nil.
func NewQueue(pipeline *Pipeline, workers, queueSize int, m *metrics.Metrics) *Queue {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	q := &Queue{
		pipeline: pipeline,
		metrics:  m,
		events:   make(chan models.IngestEvent, queueSize),
		sem:      semaphore.NewWeighted(int64(workers)),
	}
	q.wg.Add(1)
	go q.run()

	log.Info().Int("workers", workers).Int("queue", queueSize).Msg("Ingestion queue started")
	return q
}

// Enqueue schedules a source for processing. It blocks while the queue is
// full and fails once the queue is closed or ctx expires.
func (q *Queue) Enqueue(ctx context.Context, event models.IngestEvent) error {
	if event.SourceID == "" || event.TenantID == "" {
		return fmt.Errorf("ingest event requires sourceId and tenantId")
	}
	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for in-flight jobs to finish.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.events) })
	q.wg.Wait()
}

func (q *Queue) run() {
	defer q.wg.Done()

	for event := range q.events {
		// Jobs run on context.Background: an enqueue caller's request
		// ending must not cancel background processing.
		if err := q.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		q.wg.Add(1)
		go func(ev models.IngestEvent) {
			defer q.wg.Done()
			defer q.sem.Release(1)

			status := "ok"
			if err := q.pipeline.Process(context.Background(), ev); err != nil {
				status = "failed"
			}
			if q.metrics != nil {
				q.metrics.IngestJobs.WithLabelValues(ev.TenantID, status).Inc()
			}
		}(event)
	}
}
