package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	maxRetryBackoff       = time.Hour
	queueSizeReportPeriod = 30 * time.Second
)

// subscription is a handler registered for a queue.
type subscription struct {
	queue       string
	concurrency int
	handler     Handler
}

// storeTransport implements Transport on top of the messages table. Workers
// poll for visible messages and lease them for the visibility timeout, a
// crashed worker's lease simply expires.
type storeTransport struct {
	log     logrus.FieldLogger
	cfg     config.QueueConfig
	store   store.Store
	metrics *metrics.Metrics

	mu            sync.Mutex
	subscriptions map[string]*subscription
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Ensure storeTransport implements Transport.
var _ Transport = (*storeTransport)(nil)

// NewStoreTransport creates a transport backed by the database.
func NewStoreTransport(log logrus.FieldLogger, cfg config.QueueConfig, st store.Store, m *metrics.Metrics) Transport {
	return &storeTransport{
		log:           log.WithField("component", "queue"),
		cfg:           cfg,
		store:         st,
		metrics:       m,
		subscriptions: make(map[string]*subscription, 2),
	}
}

// Start launches the pollers of every subscription.
func (t *storeTransport) Start(ctx context.Context) error {
	t.log.WithField("subscriptions", len(t.subscriptions)).Info("Starting store transport")

	ctx, t.cancel = context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subscriptions {
		for i := 0; i < sub.concurrency; i++ {
			t.wg.Add(1)

			go func(sub *subscription, worker int) {
				defer t.wg.Done()

				t.pollLoop(ctx, sub, worker)
			}(sub, i)
		}
	}

	if len(t.subscriptions) > 0 {
		t.wg.Add(1)

		go func() {
			defer t.wg.Done()

			t.reportQueueSizes(ctx)
		}()
	}

	return nil
}

// Stop stops polling and waits for in-flight handlers.
func (t *storeTransport) Stop() error {
	t.log.Info("Stopping store transport")

	if t.cancel != nil {
		t.cancel()
	}

	t.wg.Wait()

	return nil
}

// Publish persists a message as pending.
func (t *storeTransport) Publish(ctx context.Context, queue string, body []byte) (string, error) {
	now := time.Now().UTC()

	msg := &store.Message{
		ID:        uuid.New().String(),
		Queue:     queue,
		Body:      body,
		Status:    store.MessageStatusPending,
		VisibleAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := t.store.CreateMessage(ctx, msg); err != nil {
		return "", fmt.Errorf("persisting message: %w", err)
	}

	return msg.ID, nil
}

// Subscribe registers a handler for a queue.
func (t *storeTransport) Subscribe(queue string, concurrency int, handler Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subscriptions[queue]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, queue)
	}

	if concurrency < 1 {
		concurrency = 1
	}

	t.subscriptions[queue] = &subscription{
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
	}

	return nil
}

// pollLoop claims and handles messages until the context is cancelled.
func (t *storeTransport) pollLoop(ctx context.Context, sub *subscription, worker int) {
	log := t.log.WithFields(logrus.Fields{
		"queue":  sub.queue,
		"worker": worker,
	})

	log.Debug("Starting poll loop")

	for {
		msg, err := t.store.ClaimMessage(ctx, sub.queue, t.cfg.VisibilityTimeout)
		if err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Failed to claim message")
		}

		if msg != nil {
			t.handle(ctx, log, sub, msg)

			continue
		}

		select {
		case <-ctx.Done():
			log.Debug("Stopping poll loop")

			return
		case <-time.After(t.cfg.PollInterval):
		}
	}
}

// handle runs the handler for a claimed message and settles it.
func (t *storeTransport) handle(ctx context.Context, log logrus.FieldLogger, sub *subscription, msg *store.Message) {
	log = log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"attempt":    msg.Attempts,
	})

	// Settle even when the transport is stopping.
	settleCtx := context.WithoutCancel(ctx)

	if alreadyCompleted(settleCtx, log, t.store, msg.ID) {
		log.Info("Message already completed, acknowledging without reprocessing")
		t.complete(settleCtx, log, msg, OutcomeDuplicate)

		return
	}

	err := sub.handler(ctx, &Delivery{
		MessageID: msg.ID,
		Queue:     msg.Queue,
		Body:      msg.Body,
		Attempt:   msg.Attempts,
	})
	if err == nil {
		t.complete(settleCtx, log, msg, OutcomeAcked)

		return
	}

	if IsPermanent(err) || msg.Attempts >= t.cfg.MaxAttempts {
		log.WithError(err).Warn("Dead-lettering message")

		if dlErr := t.store.DeadLetterMessage(settleCtx, msg.ID, err.Error()); dlErr != nil {
			log.WithError(dlErr).Error("Failed to dead-letter message")
		}

		t.metrics.RecordDelivery(msg.Queue, OutcomeDead)

		return
	}

	backoff := retryBackoff(t.cfg.RetryBackoff, msg.Attempts)

	log.WithError(err).WithField("backoff", backoff).Info("Scheduling message redelivery")

	if retryErr := t.store.RetryMessage(settleCtx, msg.ID, err.Error(), time.Now().Add(backoff)); retryErr != nil {
		log.WithError(retryErr).Error("Failed to schedule message redelivery")
	}

	t.metrics.RecordDelivery(msg.Queue, OutcomeRetried)
}

func (t *storeTransport) complete(ctx context.Context, log logrus.FieldLogger, msg *store.Message, outcome string) {
	if err := t.store.CompleteMessage(ctx, msg.ID); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")

		return
	}

	t.metrics.RecordDelivery(msg.Queue, outcome)
}

// reportQueueSizes periodically publishes queue depth gauges.
func (t *storeTransport) reportQueueSizes(ctx context.Context) {
	ticker := time.NewTicker(queueSizeReportPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			queues := make([]string, 0, len(t.subscriptions))

			for queue := range t.subscriptions {
				queues = append(queues, queue)
			}
			t.mu.Unlock()

			for _, queue := range queues {
				for _, status := range []store.MessageStatus{store.MessageStatusPending, store.MessageStatusDead} {
					count, err := t.store.CountMessages(ctx, queue, status)
					if err != nil {
						t.log.WithError(err).WithField("queue", queue).Debug("Failed to count messages")

						continue
					}

					t.metrics.SetQueueSize(queue, string(status), float64(count))
				}
			}
		}
	}
}

// retryBackoff doubles the base delay with every attempt.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}

	return backoff
}
