package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/job"
	"github.com/ethpandaops/pagesmith/pkg/lock"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/ethpandaops/pagesmith/pkg/notifier"
	"github.com/ethpandaops/pagesmith/pkg/publisher"
	"github.com/ethpandaops/pagesmith/pkg/queue"
	"github.com/ethpandaops/pagesmith/pkg/stager"
	"github.com/ethpandaops/pagesmith/pkg/store"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Stages of a job. A job moves forward through them and ends in either
// StageAcknowledged or StageFailed.
const (
	StageReceived     = "received"
	StageStaged       = "staged"
	StageCheckedOut   = "checked_out"
	StageGenerated    = "generated"
	StageRendered     = "rendered"
	StagePublished    = "published"
	StageAcknowledged = "acknowledged"
	StageFailed       = "failed"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeFailed    = "failed"
	timeoutStage     = "timeout"
	settleTimeout    = 30 * time.Second
)

// ErrTimeout is returned when a job exceeds the worker timeout.
var ErrTimeout = errors.New("job timed out")

// FailedError is the terminal failed state of a job: the last stage
// reached and what went wrong after it.
type FailedError struct {
	Kind     job.Kind
	FullName string
	Stage    string
	Cause    error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("%s job for %s failed after %s: %v", e.Kind, e.FullName, e.Stage, e.Cause)
}

func (e *FailedError) Unwrap() error {
	return e.Cause
}

// RunChangeCallback is called whenever a job run changes stage or status.
type RunChangeCallback func(run *store.JobRun)

// Worker processes the deliveries of one queue.
type Worker interface {
	Kind() job.Kind
	Queue() string
	Handle(ctx context.Context, d *queue.Delivery) error
	SetRunChangeCallback(cb RunChangeCallback)
}

// Deps are the collaborators shared by both workers.
type Deps struct {
	Store     store.Store
	Locker    lock.Locker
	Stager    *stager.Stager
	Publisher *publisher.Publisher
	Notifier  notifier.Notifier
	Metrics   *metrics.Metrics

	PublishRoot string
	PublicURL   string
	Timeout     time.Duration
}

// base runs the part of the job lifecycle both workers share: decoding,
// run history, the repository lock, the timeout, the completion marker and
// failure handling. process does the kind specific work.
type base struct {
	log  logrus.FieldLogger
	kind job.Kind
	deps Deps

	mu                sync.RWMutex
	runChangeCallback RunChangeCallback
}

// execution tracks a single delivery through its stages.
type execution struct {
	job      *job.Job
	run      *store.JobRun
	log      logrus.FieldLogger
	revision string
	target   string
}

type processFunc func(ctx context.Context, exec *execution) error

// SetRunChangeCallback sets the callback for job run changes.
func (b *base) SetRunChangeCallback(cb RunChangeCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.runChangeCallback = cb
}

func (b *base) notifyRunChange(run *store.JobRun) {
	b.mu.RLock()
	cb := b.runChangeCallback
	b.mu.RUnlock()

	if cb != nil {
		snapshot := *run
		cb(&snapshot)
	}
}

// Kind returns the job kind this worker handles.
func (b *base) Kind() job.Kind {
	return b.kind
}

// Queue returns the queue this worker consumes.
func (b *base) Queue() string {
	q, _ := job.QueueFor(b.kind)

	return q
}

func (b *base) handle(ctx context.Context, d *queue.Delivery, process processFunc) error {
	log := b.log.WithFields(logrus.Fields{
		"message_id": d.MessageID,
		"attempt":    d.Attempt,
	})

	j, err := job.Decode(d.Body)
	if err != nil {
		log.WithError(err).Error("Discarding undecodable job")
		b.deps.Metrics.RecordStageFailure(string(b.kind), StageReceived)

		return queue.Permanent(err)
	}

	if j.Kind != b.kind {
		err := fmt.Errorf("%w: %s job on %s queue", job.ErrInvalidJob, j.Kind, d.Queue)
		log.WithError(err).Error("Discarding misrouted job")

		return queue.Permanent(err)
	}

	b.deps.Metrics.IncWorkersActive(string(b.kind))
	defer b.deps.Metrics.DecWorkersActive(string(b.kind))

	exec := &execution{
		job: j,
		log: log.WithFields(logrus.Fields{
			"kind":       j.Kind,
			"repository": j.FullName,
			"ref":        j.Ref(),
		}),
		run: &store.JobRun{
			ID:        uuid.New().String(),
			MessageID: d.MessageID,
			Kind:      string(j.Kind),
			FullName:  j.FullName,
			Ref:       j.Ref(),
			Status:    store.JobRunStatusRunning,
			Stage:     StageReceived,
			Attempt:   d.Attempt,
			StartedAt: time.Now().UTC(),
		},
	}

	exec.log.Info("Received job")

	if err := b.deps.Store.CreateJobRun(ctx, exec.run); err != nil {
		exec.log.WithError(err).Warn("Failed to record job run")
	}

	b.notifyRunChange(exec.run)

	err = b.execute(ctx, d, exec, process)

	b.finish(ctx, exec, err)

	// Redelivery cannot fix a missing repository or a malformed job, a
	// manual redelivery still can after the cause is fixed.
	if errors.Is(err, stager.ErrMissingRepositoryReference) || errors.Is(err, job.ErrInvalidJob) {
		return queue.Permanent(err)
	}

	return err
}

// execute runs process under the repository lock and the worker timeout,
// and records the completion marker before the lock is released.
func (b *base) execute(ctx context.Context, d *queue.Delivery, exec *execution, process processFunc) error {
	j := exec.job

	if b.deps.Timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, b.deps.Timeout)
		defer cancel()
	}

	waitStart := time.Now()

	held, release, err := b.deps.Locker.Acquire(ctx, j.FullName)
	if err != nil {
		return b.fail(ctx, exec, fmt.Errorf("acquiring lock: %w", err))
	}
	defer release()

	b.deps.Metrics.ObserveLockWait(string(b.kind), time.Since(waitStart).Seconds())

	if err := process(held, exec); err != nil {
		return b.fail(ctx, exec, lockLost(held, err))
	}

	// Another worker may already own the repository, the completion must
	// not be recorded for output it could have overwritten.
	if cause := context.Cause(held); errors.Is(cause, lock.ErrLockLost) {
		return b.fail(ctx, exec, cause)
	}

	completion := &store.Completion{
		MessageID:   d.MessageID,
		Queue:       d.Queue,
		Kind:        string(j.Kind),
		FullName:    j.FullName,
		Ref:         j.Ref(),
		CompletedAt: time.Now().UTC(),
	}

	if err := b.deps.Store.RecordCompletion(held, completion); err != nil {
		return b.fail(ctx, exec, fmt.Errorf("recording completion: %w", err))
	}

	return nil
}

// lockLost attributes err to a lost repository lock when that is why held
// was cancelled.
func lockLost(held context.Context, err error) error {
	if cause := context.Cause(held); errors.Is(cause, lock.ErrLockLost) && !errors.Is(err, lock.ErrLockLost) {
		return fmt.Errorf("%w: %w", cause, err)
	}

	return err
}

// advance moves the execution to stage.
func (b *base) advance(ctx context.Context, exec *execution, stage string) {
	exec.run.Stage = stage
	exec.run.Revision = exec.revision

	exec.log.WithField("stage", stage).Debug("Job advanced")

	if err := b.deps.Store.UpdateJobRun(context.WithoutCancel(ctx), exec.run); err != nil {
		exec.log.WithError(err).Warn("Failed to update job run")
	}

	b.notifyRunChange(exec.run)
}

// fail turns err into a FailedError, mapping an exceeded worker timeout to
// ErrTimeout.
func (b *base) fail(ctx context.Context, exec *execution, err error) error {
	stage := exec.run.Stage

	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, b.deps.Timeout, err)
	}

	failure := stage
	if errors.Is(err, ErrTimeout) {
		failure = timeoutStage
	}

	b.deps.Metrics.RecordStageFailure(string(b.kind), failure)

	return &FailedError{
		Kind:     exec.job.Kind,
		FullName: exec.job.FullName,
		Stage:    stage,
		Cause:    err,
	}
}

// finish records the outcome of an execution in the run history, metrics,
// logs and the commit status.
func (b *base) finish(ctx context.Context, exec *execution, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	now := time.Now().UTC()
	run := exec.run
	run.FinishedAt = &now
	run.Revision = exec.revision
	duration := now.Sub(run.StartedAt).Seconds()

	status := notifier.Status{
		FullName: exec.job.FullName,
		Revision: exec.revision,
		Kind:     string(exec.job.Kind),
	}

	if err != nil {
		run.Status = store.JobRunStatusFailed
		run.Error = err.Error()

		stage := run.Stage
		run.Stage = StageFailed

		exec.log.WithError(err).WithField("stage", stage).Error("Job failed")
		b.deps.Metrics.RecordJobRun(string(b.kind), outcomeFailed, duration)

		status.State = notifier.StateFailure
		status.Description = fmt.Sprintf("Documentation failed after %s", stage)
	} else {
		run.Status = store.JobRunStatusSucceeded
		run.Stage = StageAcknowledged

		exec.log.WithFields(logrus.Fields{
			"revision": exec.revision,
			"target":   exec.target,
			"duration": time.Duration(duration * float64(time.Second)).Round(time.Millisecond),
		}).Info("Job completed")
		b.deps.Metrics.RecordJobRun(string(b.kind), outcomeSucceeded, duration)

		status.State = notifier.StateSuccess
		status.TargetURL = notifier.TargetURL(b.deps.PublicURL, exec.job.FullName, exec.job.Tag)
		status.Description = "Documentation published"
	}

	if updateErr := b.deps.Store.UpdateJobRun(ctx, run); updateErr != nil {
		exec.log.WithError(updateErr).Warn("Failed to update job run")
	}

	b.notifyRunChange(run)

	// Only a staged revision can carry a commit status.
	if exec.revision != "" && b.deps.Notifier != nil {
		b.deps.Notifier.Notify(ctx, status)
	}
}

// stage brings the working copy to ref and records the resulting stages.
// A checkout failure happens after the working copy was staged.
func (b *base) stage(ctx context.Context, exec *execution, ref stager.Ref) (*stager.WorkingCopy, error) {
	wc, err := b.deps.Stager.Stage(ctx, exec.job.FullName, exec.job.GitURL, ref)
	if err != nil {
		var stagingErr *stager.StagingFailedError
		if errors.As(err, &stagingErr) && stagingErr.Step == stager.StepCheckout {
			b.advance(ctx, exec, StageStaged)
		}

		return nil, err
	}

	exec.revision = wc.Revision

	return wc, nil
}

// publishPath returns the publish directory for fullName and, for API
// docs, tag. Tags may contain slashes but no empty, "." or ".." segments.
func publishPath(root, fullName, tag string) (string, error) {
	if err := stager.ValidateFullName(fullName); err != nil {
		return "", err
	}

	target := filepath.Join(root, filepath.FromSlash(fullName))
	if tag == "" {
		return target, nil
	}

	for _, segment := range strings.Split(tag, "/") {
		if segment == "" || segment == "." || segment == ".." || strings.ContainsRune(segment, '\\') {
			return "", fmt.Errorf("%w: unusable tag %q", job.ErrInvalidJob, tag)
		}
	}

	return filepath.Join(target, filepath.FromSlash(tag)), nil
}
