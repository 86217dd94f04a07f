package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Store {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	s := NewSQLiteStore(log, filepath.Join(t.TempDir(), "pagesmith.db"))

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	t.Cleanup(func() { _ = s.Stop() })

	require.NoError(t, s.Migrate(ctx))

	return s
}

func newMessage(id, queue string, createdAt time.Time) *Message {
	return &Message{
		ID:        id,
		Queue:     queue,
		Body:      []byte(`{"id":"` + id + `"}`),
		Status:    MessageStatusPending,
		VisibleAt: createdAt,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Migrate(context.Background()))
}

func TestClaimMessageOrderAndLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, s.CreateMessage(ctx, newMessage("b", "generateApi", base.Add(time.Second))))
	require.NoError(t, s.CreateMessage(ctx, newMessage("a", "generateApi", base)))
	require.NoError(t, s.CreateMessage(ctx, newMessage("c", "generatePage", base)))

	msg, err := s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "a", msg.ID)
	assert.Equal(t, MessageStatusProcessing, msg.Status)
	assert.Equal(t, 1, msg.Attempts)
	assert.JSONEq(t, `{"id":"a"}`, string(msg.Body))

	msg, err = s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "b", msg.ID)

	msg, err = s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg, "leased messages are not claimable")

	count, err := s.CountMessages(ctx, "generateApi", MessageStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClaimMessageReclaimsExpiredLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, newMessage("a", "generatePage", time.Now().Add(-time.Second))))

	msg, err := s.ClaimMessage(ctx, "generatePage", time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)

	time.Sleep(10 * time.Millisecond)

	msg, err = s.ClaimMessage(ctx, "generatePage", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "a", msg.ID)
	assert.Equal(t, 2, msg.Attempts)
}

func TestRetryDeadLetterAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, newMessage("a", "generateApi", time.Now().Add(-time.Second))))

	msg, err := s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	require.NoError(t, s.RetryMessage(ctx, "a", "boom", time.Now().Add(time.Hour)))

	msg, err = s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, msg, "retried message is invisible until its backoff elapses")

	assert.ErrorIs(t, s.RequeueMessage(ctx, "a"), ErrNotRequeueable)

	require.NoError(t, s.DeadLetterMessage(ctx, "a", "gave up"))

	stored, err := s.GetMessage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, MessageStatusDead, stored.Status)
	assert.Equal(t, "gave up", stored.LastError)

	require.NoError(t, s.RequeueMessage(ctx, "a"))

	msg, err = s.ClaimMessage(ctx, "generateApi", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, 1, msg.Attempts)

	require.NoError(t, s.CompleteMessage(ctx, "a"))

	stored, err = s.GetMessage(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, MessageStatusDone, stored.Status)
	assert.Empty(t, stored.LastError)
}

func TestGetMissingReturnsNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg, err := s.GetMessage(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, msg)

	c, err := s.GetCompletion(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, c)

	run, err := s.GetJobRun(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, run)
}

func TestRecordCompletionIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	completedAt := time.Now().UTC().Truncate(time.Second)

	first := &Completion{
		MessageID:   "m1",
		Queue:       "generateApi",
		Kind:        "api_doc",
		FullName:    "acme/widget",
		Ref:         "v1.2.0",
		CompletedAt: completedAt,
	}
	require.NoError(t, s.RecordCompletion(ctx, first))

	second := *first
	second.Ref = "v9.9.9"
	require.NoError(t, s.RecordCompletion(ctx, &second))

	c, err := s.GetCompletion(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "v1.2.0", c.Ref, "markers are never mutated")
	assert.True(t, completedAt.Equal(c.CompletedAt))

	require.NoError(t, s.RecordCompletion(ctx, &Completion{
		MessageID: "m2", Queue: "generatePage", Kind: "page", FullName: "acme/other",
		Ref: "refs/heads/gh-pages", CompletedAt: completedAt,
	}))

	all, err := s.ListCompletions(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	filtered, err := s.ListCompletions(ctx, "acme/widget", 10)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "m1", filtered[0].MessageID)
}

func TestJobRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &JobRun{
		ID:        "r1",
		MessageID: "m1",
		Kind:      "page",
		FullName:  "acme/widget",
		Ref:       "refs/heads/gh-pages",
		Status:    JobRunStatusRunning,
		Stage:     "received",
		Attempt:   1,
		StartedAt: now,
	}
	require.NoError(t, s.CreateJobRun(ctx, run))

	finished := now.Add(time.Second)
	run.Status = JobRunStatusFailed
	run.Stage = "staged"
	run.Error = "clone failed"
	run.Revision = "abc123"
	run.FinishedAt = &finished
	require.NoError(t, s.UpdateJobRun(ctx, run))

	stored, err := s.GetJobRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, JobRunStatusFailed, stored.Status)
	assert.Equal(t, "staged", stored.Stage)
	assert.Equal(t, "clone failed", stored.Error)
	assert.Equal(t, "abc123", stored.Revision)
	require.NotNil(t, stored.FinishedAt)

	require.NoError(t, s.CreateJobRun(ctx, &JobRun{
		ID: "r2", MessageID: "m2", Kind: "api_doc", FullName: "acme/other", Ref: "v1",
		Status: JobRunStatusRunning, Stage: "received", Attempt: 1, StartedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, s.CreateJobRun(ctx, &JobRun{
		ID: "r3", MessageID: "m3", Kind: "api_doc", FullName: "acme/other", Ref: "v0",
		Status: JobRunStatusSucceeded, Stage: "acknowledged", Attempt: 1, StartedAt: now.Add(-72 * time.Hour),
	}))

	runs, err := s.ListJobRuns(ctx, JobRunQueryOpts{FullName: "acme/other"})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID, "newest first")

	runs, err = s.ListJobRuns(ctx, JobRunQueryOpts{Status: JobRunStatusFailed})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r1", runs[0].ID)

	deleted, err := s.DeleteJobRunsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted, "running history is kept")

	runs, err = s.ListJobRuns(ctx, JobRunQueryOpts{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "acme/widget", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "acme/widget", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lease cannot be stolen")

	ok, err = s.AcquireLease(ctx, "acme/widget", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "owner may re-acquire")

	ok, err = s.RenewLease(ctx, "acme/widget", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLease(ctx, "acme/widget", "worker-a", time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(10 * time.Millisecond)

	ok, err = s.AcquireLease(ctx, "acme/widget", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lease is taken over")

	require.NoError(t, s.ReleaseLease(ctx, "acme/widget", "worker-a"))

	ok, err = s.AcquireLease(ctx, "acme/widget", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "release by a non-owner is ignored")

	require.NoError(t, s.ReleaseLease(ctx, "acme/widget", "worker-b"))

	ok, err = s.AcquireLease(ctx, "acme/widget", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
