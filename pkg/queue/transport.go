package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/sirupsen/logrus"
)

// Delivery outcomes recorded in metrics.
const (
	OutcomeAcked     = "acked"
	OutcomeRetried   = "retried"
	OutcomeDead      = "dead"
	OutcomeDuplicate = "duplicate"
)

// Delivery is a single attempt at handing a message to a handler.
type Delivery struct {
	MessageID string
	Queue     string
	Body      []byte
	Attempt   int
}

// Handler processes a delivery. Returning nil acknowledges the message, any
// other error leads to redelivery according to the transport's policy.
type Handler func(ctx context.Context, d *Delivery) error

// Transport moves serialized jobs from the HTTP path to the workers with
// at-least-once semantics.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error

	// Publish returns once the transport has durably accepted the message.
	Publish(ctx context.Context, queue string, body []byte) (string, error)

	// Subscribe registers a handler for a queue. It must be called before Start.
	Subscribe(queue string, concurrency int, handler Handler) error
}

// CompletionChecker looks up completion markers. Transports consult it before
// every delivery so that a message that was fully processed is acknowledged
// without running the handler again.
type CompletionChecker interface {
	GetCompletion(ctx context.Context, messageID string) (*store.Completion, error)
}

// ErrAlreadySubscribed is returned when a queue gets a second handler.
var ErrAlreadySubscribed = errors.New("queue already has a subscriber")

// permanentError marks a failure that redelivery cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so that transports stop redelivering the message.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError

	return errors.As(err, &p)
}

// New creates the transport selected by the configuration.
func New(
	log logrus.FieldLogger,
	cfg config.QueueConfig,
	st store.Store,
	m *metrics.Metrics,
) (Transport, error) {
	switch cfg.Driver {
	case "store":
		return NewStoreTransport(log, cfg, st, m), nil
	case "nats":
		return NewNATSTransport(log, cfg, st, m), nil
	case "kafka":
		return NewKafkaTransport(log, cfg, st, m), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver: %s", cfg.Driver)
	}
}

// alreadyCompleted reports whether a message has a completion marker. Lookup
// failures are treated as not completed, the handler is idempotent.
func alreadyCompleted(ctx context.Context, log logrus.FieldLogger, checker CompletionChecker, messageID string) bool {
	if checker == nil {
		return false
	}

	completion, err := checker.GetCompletion(ctx, messageID)
	if err != nil {
		log.WithError(err).WithField("message_id", messageID).Warn("Failed to look up completion marker")

		return false
	}

	return completion != nil
}
