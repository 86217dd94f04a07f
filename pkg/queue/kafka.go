package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"
)

const (
	// messageIDHeader carries the message ID on Kafka records.
	messageIDHeader = "message-id"
	// Dead-lettered records carry the attempt count and the last error.
	attemptsHeader = "attempts"
	errorHeader    = "error"

	deadLetterSuffix = ".dead"
)

// kafkaTransport implements Transport on Kafka topics <prefix>.<queue>.
// Offsets are committed only after every record of a poll was settled, acked
// or dead-lettered to <prefix>.<queue>.dead, so a crash or shutdown leads to
// redelivery rather than loss.
type kafkaTransport struct {
	log        logrus.FieldLogger
	cfg        config.QueueConfig
	completion CompletionChecker
	metrics    *metrics.Metrics
	produce    func(ctx context.Context, record *kgo.Record) error

	mu            sync.Mutex
	subscriptions map[string]*subscription
	producer      *kgo.Client
	consumers     []*kgo.Client
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Ensure kafkaTransport implements Transport.
var _ Transport = (*kafkaTransport)(nil)

// NewKafkaTransport creates a Kafka backed transport.
func NewKafkaTransport(log logrus.FieldLogger, cfg config.QueueConfig, completion CompletionChecker, m *metrics.Metrics) Transport {
	return &kafkaTransport{
		log:           log.WithField("component", "queue"),
		cfg:           cfg,
		completion:    completion,
		metrics:       m,
		subscriptions: make(map[string]*subscription, 2),
	}
}

// Start creates the producer and one consumer group client per subscription.
func (t *kafkaTransport) Start(ctx context.Context) error {
	t.log.WithField("brokers", t.cfg.Kafka.Brokers).Info("Starting Kafka transport")

	producer, err := kgo.NewClient(
		kgo.SeedBrokers(t.cfg.Kafka.Brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return fmt.Errorf("creating kafka producer: %w", err)
	}

	t.producer = producer
	t.produce = func(ctx context.Context, record *kgo.Record) error {
		return producer.ProduceSync(ctx, record).FirstErr()
	}

	ctx, t.cancel = context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, sub := range t.subscriptions {
		consumer, err := kgo.NewClient(
			kgo.SeedBrokers(t.cfg.Kafka.Brokers...),
			kgo.ConsumerGroup(t.cfg.Kafka.ConsumerGroup+"."+sub.queue),
			kgo.ConsumeTopics(t.topic(sub.queue)),
			kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
		)
		if err != nil {
			return fmt.Errorf("creating kafka consumer for %s: %w", sub.queue, err)
		}

		t.consumers = append(t.consumers, consumer)
		t.wg.Add(1)

		go func(sub *subscription, consumer *kgo.Client) {
			defer t.wg.Done()

			t.consume(ctx, sub, consumer)
		}(sub, consumer)
	}

	return nil
}

// consume polls records and hands them to the subscription's handler.
func (t *kafkaTransport) consume(ctx context.Context, sub *subscription, consumer *kgo.Client) {
	log := t.log.WithField("queue", sub.queue)

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			log.Debug("Stopping consumer")

			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			log.WithError(err).WithFields(logrus.Fields{
				"topic":     topic,
				"partition": partition,
			}).Warn("Error fetching records")
		})

		if !t.handleRecords(ctx, log, sub, fetches.Records()) {
			// Unsettled records are redelivered to the next group member.
			log.Info("Stopping consumer without committing interrupted records")

			return
		}

		if err := consumer.CommitUncommittedOffsets(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Error("Failed to commit offsets")
		}

		consumer.AllowRebalance()
	}
}

// handleRecords handles one poll and reports whether every record was
// settled and its offset may be committed.
func (t *kafkaTransport) handleRecords(ctx context.Context, log logrus.FieldLogger, sub *subscription, records []*kgo.Record) bool {
	var unsettled atomic.Bool

	g := new(errgroup.Group)
	g.SetLimit(sub.concurrency)

	for _, record := range records {
		g.Go(func() error {
			if !t.handleRecord(ctx, log, sub, record) {
				unsettled.Store(true)
			}

			return nil
		})
	}

	// Record handlers never return errors.
	_ = g.Wait()

	return !unsettled.Load()
}

// handleRecord retries a record in-process until it succeeds, fails
// permanently or runs out of attempts. It returns false when the transport
// stopped before the record was settled.
func (t *kafkaTransport) handleRecord(ctx context.Context, log logrus.FieldLogger, sub *subscription, record *kgo.Record) bool {
	messageID := recordMessageID(record)

	log = log.WithFields(logrus.Fields{
		"message_id": messageID,
		"partition":  record.Partition,
		"offset":     record.Offset,
	})

	if ctx.Err() != nil {
		return false
	}

	if alreadyCompleted(context.WithoutCancel(ctx), log, t.completion, messageID) {
		log.Info("Message already completed, skipping")
		t.metrics.RecordDelivery(sub.queue, OutcomeDuplicate)

		return true
	}

	for attempt := 1; ; attempt++ {
		err := sub.handler(ctx, &Delivery{
			MessageID: messageID,
			Queue:     sub.queue,
			Body:      record.Value,
			Attempt:   attempt,
		})
		if err == nil {
			t.metrics.RecordDelivery(sub.queue, OutcomeAcked)

			return true
		}

		if ctx.Err() != nil {
			log.WithError(err).WithField("attempt", attempt).Info("Message interrupted by shutdown")

			return false
		}

		if IsPermanent(err) || attempt >= t.cfg.MaxAttempts {
			return t.deadLetter(ctx, log, sub, record, messageID, attempt, err)
		}

		backoff := retryBackoff(t.cfg.RetryBackoff, attempt)

		log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff,
		}).Info("Retrying message")
		t.metrics.RecordDelivery(sub.queue, OutcomeRetried)

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
	}
}

// deadLetter produces the record to the queue's dead-letter topic, retrying
// until the broker accepts it or the transport stops.
func (t *kafkaTransport) deadLetter(
	ctx context.Context,
	log logrus.FieldLogger,
	sub *subscription,
	record *kgo.Record,
	messageID string,
	attempts int,
	cause error,
) bool {
	dead := &kgo.Record{
		Topic: t.topic(sub.queue) + deadLetterSuffix,
		Key:   record.Key,
		Value: record.Value,
		Headers: []kgo.RecordHeader{
			{Key: messageIDHeader, Value: []byte(messageID)},
			{Key: attemptsHeader, Value: []byte(strconv.Itoa(attempts))},
			{Key: errorHeader, Value: []byte(cause.Error())},
		},
	}

	for try := 1; ; try++ {
		err := t.produce(ctx, dead)
		if err == nil {
			log.WithError(cause).WithFields(logrus.Fields{
				"attempt": attempts,
				"topic":   dead.Topic,
			}).Error("Giving up on message, moved to dead-letter topic")
			t.metrics.RecordDelivery(sub.queue, OutcomeDead)

			return true
		}

		log.WithError(err).WithField("topic", dead.Topic).Warn("Failed to produce dead-letter record")

		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryBackoff(t.cfg.RetryBackoff, try)):
		}
	}
}

// Stop stops consuming and closes all clients.
func (t *kafkaTransport) Stop() error {
	t.log.Info("Stopping Kafka transport")

	if t.cancel != nil {
		t.cancel()
	}

	t.wg.Wait()

	for _, consumer := range t.consumers {
		consumer.Close()
	}

	if t.producer != nil {
		t.producer.Close()
	}

	return nil
}

// Publish produces a record and waits for the broker acknowledgement.
func (t *kafkaTransport) Publish(ctx context.Context, queue string, body []byte) (string, error) {
	if t.producer == nil {
		return "", fmt.Errorf("kafka transport not started")
	}

	id := uuid.New().String()

	record := &kgo.Record{
		Topic: t.topic(queue),
		Key:   []byte(id),
		Value: body,
		Headers: []kgo.RecordHeader{
			{Key: messageIDHeader, Value: []byte(id)},
		},
	}

	if err := t.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return "", fmt.Errorf("producing to %s: %w", record.Topic, err)
	}

	return id, nil
}

// Subscribe registers a handler for a queue.
func (t *kafkaTransport) Subscribe(queue string, concurrency int, handler Handler) error {
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

func (t *kafkaTransport) topic(queue string) string {
	return t.cfg.Kafka.TopicPrefix + "." + queue
}

// recordMessageID returns the message ID header, falling back to the key.
func recordMessageID(record *kgo.Record) string {
	for _, h := range record.Headers {
		if h.Key == messageIDHeader {
			return string(h.Value)
		}
	}

	return string(record.Key)
}
