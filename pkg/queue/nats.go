package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const natsDrainTimeout = 30 * time.Second

// natsTransport implements Transport on a NATS JetStream work queue stream.
// Each queue maps to the subject <prefix>.<queue> and a durable consumer
// shared by all subscribers of that queue.
type natsTransport struct {
	log        logrus.FieldLogger
	cfg        config.QueueConfig
	completion CompletionChecker
	metrics    *metrics.Metrics

	mu            sync.Mutex
	subscriptions map[string]*subscription
	nc            *nats.Conn
	js            nats.JetStreamContext
	closed        chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// Ensure natsTransport implements Transport.
var _ Transport = (*natsTransport)(nil)

// NewNATSTransport creates a JetStream backed transport.
func NewNATSTransport(log logrus.FieldLogger, cfg config.QueueConfig, completion CompletionChecker, m *metrics.Metrics) Transport {
	return &natsTransport{
		log:           log.WithField("component", "queue"),
		cfg:           cfg,
		completion:    completion,
		metrics:       m,
		subscriptions: make(map[string]*subscription, 2),
		closed:        make(chan struct{}),
	}
}

// Start connects, ensures the stream exists and binds the subscriptions.
func (t *natsTransport) Start(ctx context.Context) error {
	t.log.WithFields(logrus.Fields{
		"url":    t.cfg.NATS.URL,
		"stream": t.cfg.NATS.Stream,
	}).Info("Starting NATS transport")

	nc, err := nats.Connect(t.cfg.NATS.URL,
		nats.Name("pagesmith"),
		nats.MaxReconnects(-1),
		nats.ClosedHandler(func(*nats.Conn) { close(t.closed) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.log.WithError(err).Warn("Disconnected from NATS")
			}
		}),
	)
	if err != nil {
		return fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()

		return fmt.Errorf("creating jetstream context: %w", err)
	}

	t.nc = nc
	t.js = js

	if err := t.ensureStream(); err != nil {
		nc.Close()

		return err
	}

	t.ctx, t.cancel = context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subscriptions {
		if err := t.bind(sub); err != nil {
			return err
		}
	}

	return nil
}

// ensureStream creates the work queue stream when it does not exist yet.
func (t *natsTransport) ensureStream() error {
	_, err := t.js.StreamInfo(t.cfg.NATS.Stream)
	if err == nil {
		return nil
	}

	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("looking up stream: %w", err)
	}

	t.log.WithField("stream", t.cfg.NATS.Stream).Info("Creating JetStream stream")

	_, err = t.js.AddStream(&nats.StreamConfig{
		Name:      t.cfg.NATS.Stream,
		Subjects:  []string{t.cfg.NATS.SubjectPrefix + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("creating stream: %w", err)
	}

	return nil
}

// bind creates one queue subscription per unit of concurrency. JetStream
// invokes each subscription's callback serially.
func (t *natsTransport) bind(sub *subscription) error {
	subject := t.subject(sub.queue)
	durable := "pagesmith-" + sub.queue

	for i := 0; i < sub.concurrency; i++ {
		_, err := t.js.QueueSubscribe(subject, durable, t.callback(sub),
			nats.Durable(durable),
			nats.ManualAck(),
			nats.AckWait(t.cfg.VisibilityTimeout),
			nats.MaxDeliver(t.cfg.MaxAttempts),
			nats.DeliverAll(),
		)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
	}

	return nil
}

func (t *natsTransport) callback(sub *subscription) nats.MsgHandler {
	return func(msg *nats.Msg) {
		messageID := msg.Header.Get(nats.MsgIdHdr)

		attempt := 1
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}

		log := t.log.WithFields(logrus.Fields{
			"queue":      sub.queue,
			"message_id": messageID,
			"attempt":    attempt,
		})

		if alreadyCompleted(context.WithoutCancel(t.ctx), log, t.completion, messageID) {
			log.Info("Message already completed, acknowledging without reprocessing")
			t.settle(log, sub.queue, msg.Ack(), OutcomeDuplicate)

			return
		}

		err := sub.handler(t.ctx, &Delivery{
			MessageID: messageID,
			Queue:     sub.queue,
			Body:      msg.Data,
			Attempt:   attempt,
		})

		switch {
		case err == nil:
			t.settle(log, sub.queue, msg.Ack(), OutcomeAcked)
		case IsPermanent(err) || attempt >= t.cfg.MaxAttempts:
			log.WithError(err).Warn("Terminating message")
			t.settle(log, sub.queue, msg.Term(), OutcomeDead)
		default:
			backoff := retryBackoff(t.cfg.RetryBackoff, attempt)

			log.WithError(err).WithField("backoff", backoff).Info("Scheduling message redelivery")
			t.settle(log, sub.queue, msg.NakWithDelay(backoff), OutcomeRetried)
		}
	}
}

func (t *natsTransport) settle(log logrus.FieldLogger, queue string, err error, outcome string) {
	if err != nil {
		log.WithError(err).WithField("outcome", outcome).Error("Failed to settle message")

		return
	}

	t.metrics.RecordDelivery(queue, outcome)
}

// Stop drains the subscriptions and closes the connection.
func (t *natsTransport) Stop() error {
	t.log.Info("Stopping NATS transport")

	if t.nc == nil {
		return nil
	}

	if err := t.nc.Drain(); err != nil {
		t.nc.Close()

		return fmt.Errorf("draining nats connection: %w", err)
	}

	select {
	case <-t.closed:
	case <-time.After(natsDrainTimeout):
		t.nc.Close()
	}

	if t.cancel != nil {
		t.cancel()
	}

	return nil
}

// Publish stores a message in the stream. The message ID doubles as the
// JetStream deduplication ID.
func (t *natsTransport) Publish(ctx context.Context, queue string, body []byte) (string, error) {
	if t.js == nil {
		return "", fmt.Errorf("nats transport not started")
	}

	id := uuid.New().String()

	if _, err := t.js.Publish(t.subject(queue), body, nats.MsgId(id), nats.Context(ctx)); err != nil {
		return "", fmt.Errorf("publishing to %s: %w", t.subject(queue), err)
	}

	return id, nil
}

// Subscribe registers a handler for a queue.
func (t *natsTransport) Subscribe(queue string, concurrency int, handler Handler) error {
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

func (t *natsTransport) subject(queue string) string {
	return t.cfg.NATS.SubjectPrefix + "." + queue
}
