package store

import (
	"context"
	"time"
)

// Store defines the interface for database operations.
type Store interface {
	// Lifecycle.
	Start(ctx context.Context) error
	Stop() error
	Ping(ctx context.Context) error

	// Messages.
	CreateMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ClaimMessage(ctx context.Context, queue string, lease time.Duration) (*Message, error)
	CompleteMessage(ctx context.Context, id string) error
	RetryMessage(ctx context.Context, id, lastError string, visibleAt time.Time) error
	DeadLetterMessage(ctx context.Context, id, lastError string) error
	RequeueMessage(ctx context.Context, id string) error
	CountMessages(ctx context.Context, queue string, status MessageStatus) (int, error)

	// Completions.
	RecordCompletion(ctx context.Context, completion *Completion) error
	GetCompletion(ctx context.Context, messageID string) (*Completion, error)
	ListCompletions(ctx context.Context, fullName string, limit int) ([]*Completion, error)

	// Job runs.
	CreateJobRun(ctx context.Context, run *JobRun) error
	UpdateJobRun(ctx context.Context, run *JobRun) error
	GetJobRun(ctx context.Context, id string) (*JobRun, error)
	ListJobRuns(ctx context.Context, opts JobRunQueryOpts) ([]*JobRun, error)
	DeleteJobRunsBefore(ctx context.Context, before time.Time) (int64, error)

	// Leases.
	AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error

	// Migrations.
	Migrate(ctx context.Context) error
}

// MessageStatus represents the delivery state of a queued message.
type MessageStatus string

const (
	MessageStatusPending    MessageStatus = "pending"
	MessageStatusProcessing MessageStatus = "processing"
	MessageStatusDone       MessageStatus = "done"
	MessageStatusDead       MessageStatus = "dead"
)

// Message is a job payload persisted by the store-backed transport.
type Message struct {
	ID        string        `json:"id"`
	Queue     string        `json:"queue"`
	Body      []byte        `json:"body"`
	Status    MessageStatus `json:"status"`
	Attempts  int           `json:"attempts"`
	VisibleAt time.Time     `json:"visible_at"`
	LastError string        `json:"last_error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Completion marks a message as fully processed. It is written once and
// never mutated.
type Completion struct {
	MessageID   string    `json:"message_id"`
	Queue       string    `json:"queue"`
	Kind        string    `json:"kind"`
	FullName    string    `json:"full_name"`
	Ref         string    `json:"ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// JobRunStatus represents the outcome of a delivery attempt.
type JobRunStatus string

const (
	JobRunStatusRunning   JobRunStatus = "running"
	JobRunStatusSucceeded JobRunStatus = "succeeded"
	JobRunStatusFailed    JobRunStatus = "failed"
)

// JobRun records a single delivery attempt of a job.
type JobRun struct {
	ID         string       `json:"id"`
	MessageID  string       `json:"message_id"`
	Kind       string       `json:"kind"`
	FullName   string       `json:"full_name"`
	Ref        string       `json:"ref"`
	Status     JobRunStatus `json:"status"`
	Stage      string       `json:"stage"`
	Error      string       `json:"error,omitempty"`
	Attempt    int          `json:"attempt"`
	Revision   string       `json:"revision,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// JobRunQueryOpts contains options for querying job runs.
type JobRunQueryOpts struct {
	FullName string
	Status   JobRunStatus
	Limit    int
	Offset   int
}

// millis converts a time into the integer representation used for
// visibility and lease expiry columns.
func millis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
