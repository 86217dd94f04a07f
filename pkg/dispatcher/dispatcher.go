package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/sirupsen/logrus"
)

// ErrDispatchFailed is matched by every DispatchFailedError.
var ErrDispatchFailed = errors.New("dispatch failed")

// DispatchFailedError is returned when the transport did not accept a job.
type DispatchFailedError struct {
	Queue string
	Cause error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatching to %s: %v", e.Queue, e.Cause)
}

func (e *DispatchFailedError) Unwrap() []error {
	return []error{ErrDispatchFailed, e.Cause}
}

// Result describes an accepted job.
type Result struct {
	MessageID string
	Queue     string
	Job       *job.Job
}

// Dispatcher defines the interface for handing classified events to the
// workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, intent job.Intent) (*Result, error)
}

// dispatcher implements Dispatcher.
type dispatcher struct {
	log       logrus.FieldLogger
	transport queue.Transport
	metrics   *metrics.Metrics
}

// Ensure dispatcher implements Dispatcher.
var _ Dispatcher = (*dispatcher)(nil)

// NewDispatcher creates a new dispatcher.
func NewDispatcher(log logrus.FieldLogger, tr queue.Transport, m *metrics.Metrics) Dispatcher {
	return &dispatcher{
		log:       log.WithField("component", "dispatcher"),
		transport: tr,
		metrics:   m,
	}
}

// Dispatch turns intent into a job and publishes it on the queue for its
// kind. It returns once the transport accepted the message and does not
// retry.
func (d *dispatcher) Dispatch(ctx context.Context, intent job.Intent) (*Result, error) {
	j := job.New(intent)

	if err := j.Validate(); err != nil {
		return nil, err
	}

	q, err := job.QueueFor(j.Kind)
	if err != nil {
		return nil, err
	}

	log := d.log.WithFields(logrus.Fields{
		"job_id":     j.ID,
		"kind":       j.Kind,
		"repository": j.FullName,
		"ref":        j.Ref(),
		"queue":      q,
	})

	body, err := j.Encode()
	if err != nil {
		return nil, err
	}

	messageID, err := d.transport.Publish(ctx, q, body)
	if err != nil {
		d.metrics.RecordDispatchError(q)
		log.WithError(err).Error("Failed to dispatch job")

		return nil, &DispatchFailedError{Queue: q, Cause: err}
	}

	d.metrics.RecordDispatch(q)
	log.WithField("message_id", messageID).Info("Job dispatched")

	return &Result{
		MessageID: messageID,
		Queue:     q,
		Job:       j,
	}, nil
}
