package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/sirupsen/logrus"
)

type registration struct {
	worker      Worker
	concurrency int
}

// Pool subscribes workers to their queues and prunes the job run history.
type Pool struct {
	log       logrus.FieldLogger
	history   config.HistoryConfig
	transport queue.Transport
	store     store.Store
	metrics   *metrics.Metrics

	workers []registration
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a Pool.
func NewPool(
	log logrus.FieldLogger,
	history config.HistoryConfig,
	tr queue.Transport,
	st store.Store,
	m *metrics.Metrics,
) *Pool {
	return &Pool{
		log:       log.WithField("component", "worker_pool"),
		history:   history,
		transport: tr,
		store:     st,
		metrics:   m,
	}
}

// Add registers a worker running concurrency deliveries at a time.
func (p *Pool) Add(w Worker, concurrency int) {
	p.workers = append(p.workers, registration{worker: w, concurrency: concurrency})
}

// SetRunChangeCallback sets the job run callback of every worker.
func (p *Pool) SetRunChangeCallback(cb RunChangeCallback) {
	for _, r := range p.workers {
		r.worker.SetRunChangeCallback(cb)
	}
}

// Start subscribes the workers and starts the history cleanup. It must be
// called before the transport is started.
func (p *Pool) Start(ctx context.Context) error {
	for _, r := range p.workers {
		if err := p.transport.Subscribe(r.worker.Queue(), r.concurrency, r.worker.Handle); err != nil {
			return fmt.Errorf("subscribing %s worker: %w", r.worker.Kind(), err)
		}

		p.log.WithFields(logrus.Fields{
			"queue":       r.worker.Queue(),
			"concurrency": r.concurrency,
		}).Info("Worker subscribed")
	}

	ctx, p.cancel = context.WithCancel(ctx)

	// Start job run history cleanup if retention is enabled.
	if p.history.RetentionDays > 0 && p.history.CleanupInterval > 0 {
		p.wg.Add(1)

		go p.cleanupOldRuns(ctx)
	}

	return nil
}

// Stop stops the history cleanup. Deliveries in flight are drained by the
// transport.
func (p *Pool) Stop() error {
	p.log.Info("Stopping worker pool")

	if p.cancel != nil {
		p.cancel()
	}

	p.wg.Wait()

	return nil
}

// cleanupOldRuns periodically removes finished job runs past retention.
func (p *Pool) cleanupOldRuns(ctx context.Context) {
	defer p.wg.Done()

	p.log.WithFields(logrus.Fields{
		"retention_days":   p.history.RetentionDays,
		"cleanup_interval": p.history.CleanupInterval,
	}).Info("Starting job run history cleanup goroutine")

	ticker := time.NewTicker(p.history.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("Stopping job run history cleanup goroutine")

			return
		case <-ticker.C:
			p.cleanup(ctx)
		}
	}
}

func (p *Pool) cleanup(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -p.history.RetentionDays)

	count, err := p.store.DeleteJobRunsBefore(ctx, cutoff)
	if err != nil {
		p.log.WithError(err).Error("Failed to cleanup old job runs")

		return
	}

	if count > 0 {
		p.metrics.RecordHistoryDeleted(count)
		p.log.WithFields(logrus.Fields{
			"deleted_count":  count,
			"retention_days": p.history.RetentionDays,
		}).Info("Cleaned up old job runs")
	}
}
