package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// recordingProducer stands in for the Kafka producer.
type recordingProducer struct {
	mu      sync.Mutex
	records []*kgo.Record
	fail    atomic.Int32
}

func (p *recordingProducer) produce(_ context.Context, record *kgo.Record) error {
	if p.fail.Load() > 0 {
		p.fail.Add(-1)

		return errors.New("broker unavailable")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = append(p.records, record)

	return nil
}

func newTestKafkaTransport(t *testing.T, completion CompletionChecker) (*kafkaTransport, *recordingProducer) {
	t.Helper()

	cfg := testQueueConfig()
	cfg.Driver = "kafka"
	cfg.Kafka.TopicPrefix = "pagesmith"

	tr, ok := NewKafkaTransport(newTestLogger(), cfg, completion, nil).(*kafkaTransport)
	require.True(t, ok)

	producer := &recordingProducer{}
	tr.produce = producer.produce

	return tr, producer
}

func kafkaRecord(id string, offset int64) *kgo.Record {
	return &kgo.Record{
		Topic:   "pagesmith.generateApi",
		Key:     []byte(id),
		Value:   []byte(`{"id":"` + id + `"}`),
		Offset:  offset,
		Headers: []kgo.RecordHeader{{Key: messageIDHeader, Value: []byte(id)}},
	}
}

func header(record *kgo.Record, key string) string {
	for _, h := range record.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}

	return ""
}

func TestKafkaRecordsSettleWhenHandled(t *testing.T) {
	tr, producer := newTestKafkaTransport(t, nil)

	var calls atomic.Int32

	sub := &subscription{queue: "generateApi", concurrency: 2, handler: func(context.Context, *Delivery) error {
		calls.Add(1)

		return nil
	}}

	records := []*kgo.Record{kafkaRecord("a", 0), kafkaRecord("b", 1)}

	assert.True(t, tr.handleRecords(context.Background(), tr.log, sub, records))
	assert.Equal(t, int32(2), calls.Load())
	assert.Empty(t, producer.records)
}

func TestKafkaExhaustedRecordsAreDeadLettered(t *testing.T) {
	tr, producer := newTestKafkaTransport(t, nil)

	var attempts atomic.Int32

	sub := &subscription{queue: "generateApi", concurrency: 1, handler: func(context.Context, *Delivery) error {
		attempts.Add(1)

		return errors.New("exit status 1")
	}}

	assert.True(t, tr.handleRecords(context.Background(), tr.log, sub, []*kgo.Record{kafkaRecord("a", 0)}))
	assert.Equal(t, int32(3), attempts.Load())

	require.Len(t, producer.records, 1)
	dead := producer.records[0]
	assert.Equal(t, "pagesmith.generateApi.dead", dead.Topic)
	assert.Equal(t, "a", header(dead, messageIDHeader))
	assert.Equal(t, "3", header(dead, attemptsHeader))
	assert.Equal(t, "exit status 1", header(dead, errorHeader))
	assert.Equal(t, []byte(`{"id":"a"}`), dead.Value)
}

func TestKafkaPermanentErrorsSkipRetries(t *testing.T) {
	tr, producer := newTestKafkaTransport(t, nil)

	var attempts atomic.Int32

	sub := &subscription{queue: "generateApi", concurrency: 1, handler: func(context.Context, *Delivery) error {
		attempts.Add(1)

		return Permanent(errors.New("bad job"))
	}}

	// The first produce fails, the dead letter is still delivered.
	producer.fail.Store(1)

	assert.True(t, tr.handleRecords(context.Background(), tr.log, sub, []*kgo.Record{kafkaRecord("a", 0)}))
	assert.Equal(t, int32(1), attempts.Load())
	require.Len(t, producer.records, 1)
}

func TestKafkaShutdownLeavesRecordsUncommitted(t *testing.T) {
	tr, producer := newTestKafkaTransport(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32

	sub := &subscription{queue: "generateApi", concurrency: 1, handler: func(ctx context.Context, _ *Delivery) error {
		calls.Add(1)
		cancel()
		<-ctx.Done()

		return ctx.Err()
	}}

	records := []*kgo.Record{kafkaRecord("a", 0), kafkaRecord("b", 1)}

	assert.False(t, tr.handleRecords(ctx, tr.log, sub, records), "interrupted polls must not be committed")
	assert.Equal(t, int32(1), calls.Load(), "records queued behind the interrupted one are not started")
	assert.Empty(t, producer.records, "interrupted records are not dead-lettered")
}

func TestKafkaSkipsCompletedRecords(t *testing.T) {
	st := newTestStore(t)
	tr, _ := newTestKafkaTransport(t, st)

	require.NoError(t, st.RecordCompletion(context.Background(), &store.Completion{
		MessageID:   "a",
		Queue:       "generateApi",
		Kind:        "api_doc",
		FullName:    "acme/widget",
		Ref:         "v1.2.0",
		CompletedAt: time.Now(),
	}))

	var calls atomic.Int32

	sub := &subscription{queue: "generateApi", concurrency: 1, handler: func(context.Context, *Delivery) error {
		calls.Add(1)

		return nil
	}}

	assert.True(t, tr.handleRecords(context.Background(), tr.log, sub, []*kgo.Record{kafkaRecord("a", 0)}))
	assert.Zero(t, calls.Load())
}
