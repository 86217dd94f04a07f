package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	log logrus.FieldLogger
	dsn string
	db  *sql.DB
}

// Ensure PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(log logrus.FieldLogger, dsn string) Store {
	return &PostgresStore{
		log: log.WithField("component", "store"),
		dsn: dsn,
	}
}

// Start opens the database connection.
func (s *PostgresStore) Start(ctx context.Context) error {
	s.log.Info("Opening PostgreSQL database")

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// Configure connection pool.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	// Test connection.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *PostgresStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		// Messages table.
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			body BYTEA NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			visible_at BIGINT NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(queue, status, visible_at)`,
		// Completions table.
		`CREATE TABLE IF NOT EXISTS completions (
			message_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			kind TEXT NOT NULL,
			full_name TEXT NOT NULL,
			ref TEXT NOT NULL,
			completed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_completions_full_name ON completions(full_name)`,
		// Job runs table.
		`CREATE TABLE IF NOT EXISTS job_runs (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			full_name TEXT NOT NULL,
			ref TEXT NOT NULL,
			status TEXT NOT NULL,
			stage TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 1,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_full_name ON job_runs(full_name)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_started_at ON job_runs(started_at)`,
		// Leases table.
		`CREATE TABLE IF NOT EXISTS leases (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at BIGINT NOT NULL
		)`,
		// Migration: Add revision column to job_runs table.
		`ALTER TABLE job_runs ADD COLUMN IF NOT EXISTS revision TEXT NOT NULL DEFAULT ''`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// ============================================================================
// Messages
// ============================================================================

const postgresMessageColumns = `id, queue, body, status, attempts, visible_at, last_error, created_at, updated_at`

// CreateMessage inserts a new pending message.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, queue, body, status, attempts, visible_at, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.Queue, msg.Body, msg.Status, msg.Attempts, millis(msg.VisibleAt),
		msg.LastError, msg.CreatedAt, msg.UpdatedAt)

	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresMessageColumns+` FROM messages WHERE id = $1`, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	return msg, nil
}

// ClaimMessage leases the oldest visible message on a queue. Concurrent
// claimers skip rows locked by each other. Returns nil when nothing is
// claimable.
func (s *PostgresStore) ClaimMessage(ctx context.Context, queue string, lease time.Duration) (*Message, error) {
	now := time.Now().UTC()

	row := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = $1, attempts = attempts + 1, visible_at = $2, updated_at = $3
		WHERE id = (
			SELECT id FROM messages
			WHERE queue = $4 AND status IN ($5, $6) AND visible_at <= $7
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+postgresMessageColumns,
		MessageStatusProcessing, millis(now.Add(lease)), now,
		queue, MessageStatusPending, MessageStatusProcessing, millis(now))

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}

	return msg, nil
}

// CompleteMessage marks a message as done.
func (s *PostgresStore) CompleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, last_error = '', updated_at = $2 WHERE id = $3
	`, MessageStatusDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("completing message: %w", err)
	}

	return nil
}

// RetryMessage returns a message to pending, invisible until visibleAt.
func (s *PostgresStore) RetryMessage(ctx context.Context, id, lastError string, visibleAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, last_error = $2, visible_at = $3, updated_at = $4 WHERE id = $5
	`, MessageStatusPending, lastError, millis(visibleAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("retrying message: %w", err)
	}

	return nil
}

// DeadLetterMessage parks a message that will not be delivered again.
func (s *PostgresStore) DeadLetterMessage(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, last_error = $2, updated_at = $3 WHERE id = $4
	`, MessageStatusDead, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("dead-lettering message: %w", err)
	}

	return nil
}

// RequeueMessage makes a dead message deliverable again with a fresh attempt
// budget.
func (s *PostgresStore) RequeueMessage(ctx context.Context, id string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = $1, attempts = 0, visible_at = $2, updated_at = $3
		WHERE id = $4 AND status = $5
	`, MessageStatusPending, millis(now), now, id, MessageStatusDead)
	if err != nil {
		return fmt.Errorf("requeueing message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeueing message: %w", err)
	}

	if n == 0 {
		return ErrNotRequeueable
	}

	return nil
}

// CountMessages counts the messages of a queue in a given status.
func (s *PostgresStore) CountMessages(ctx context.Context, queue string, status MessageStatus) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE queue = $1 AND status = $2
	`, queue, status).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}

	return count, nil
}

// ============================================================================
// Completions
// ============================================================================

// RecordCompletion inserts a completion marker. Recording the same message
// twice is a no-op.
func (s *PostgresStore) RecordCompletion(ctx context.Context, c *Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (message_id, queue, kind, full_name, ref, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (message_id) DO NOTHING
	`, c.MessageID, c.Queue, c.Kind, c.FullName, c.Ref, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting completion: %w", err)
	}

	return nil
}

// GetCompletion retrieves the completion marker of a message.
func (s *PostgresStore) GetCompletion(ctx context.Context, messageID string) (*Completion, error) {
	var c Completion

	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, queue, kind, full_name, ref, completed_at
		FROM completions WHERE message_id = $1
	`, messageID).Scan(&c.MessageID, &c.Queue, &c.Kind, &c.FullName, &c.Ref, &c.CompletedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying completion: %w", err)
	}

	return &c, nil
}

// ListCompletions lists the most recent completion markers, optionally for a
// single repository.
func (s *PostgresStore) ListCompletions(ctx context.Context, fullName string, limit int) ([]*Completion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, queue, kind, full_name, ref, completed_at
		FROM completions
		WHERE ($1 = '' OR full_name = $1)
		ORDER BY completed_at DESC
		LIMIT $2
	`, fullName, normalizeLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying completions: %w", err)
	}

	defer rows.Close()

	var completions []*Completion

	for rows.Next() {
		var c Completion

		if err := rows.Scan(&c.MessageID, &c.Queue, &c.Kind, &c.FullName, &c.Ref, &c.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning completion: %w", err)
		}

		completions = append(completions, &c)
	}

	return completions, rows.Err()
}

// ============================================================================
// Job runs
// ============================================================================

const postgresJobRunColumns = `id, message_id, kind, full_name, ref, status, stage, error, attempt, revision, started_at, finished_at`

// CreateJobRun inserts a job run.
func (s *PostgresStore) CreateJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (`+postgresJobRunColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, run.ID, run.MessageID, run.Kind, run.FullName, run.Ref, run.Status, run.Stage,
		run.Error, run.Attempt, run.Revision, run.StartedAt, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("inserting job run: %w", err)
	}

	return nil
}

// UpdateJobRun updates the mutable fields of a job run.
func (s *PostgresStore) UpdateJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = $1, stage = $2, error = $3, revision = $4, finished_at = $5
		WHERE id = $6
	`, run.Status, run.Stage, run.Error, run.Revision, run.FinishedAt, run.ID)
	if err != nil {
		return fmt.Errorf("updating job run: %w", err)
	}

	return nil
}

// GetJobRun retrieves a job run by ID.
func (s *PostgresStore) GetJobRun(ctx context.Context, id string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+postgresJobRunColumns+` FROM job_runs WHERE id = $1`, id)

	run, err := scanJobRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying job run: %w", err)
	}

	return run, nil
}

// ListJobRuns lists job runs, newest first.
func (s *PostgresStore) ListJobRuns(ctx context.Context, opts JobRunQueryOpts) ([]*JobRun, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.FullName != "" {
		args = append(args, opts.FullName)
		conditions = append(conditions, fmt.Sprintf("full_name = $%d", len(args)))
	}

	if opts.Status != "" {
		args = append(args, opts.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT ` + postgresJobRunColumns + ` FROM job_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	args = append(args, normalizeLimit(opts.Limit), opts.Offset)
	query += fmt.Sprintf(" ORDER BY started_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying job runs: %w", err)
	}

	defer rows.Close()

	var runs []*JobRun

	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job run: %w", err)
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteJobRunsBefore deletes finished job runs started before the given time.
func (s *PostgresStore) DeleteJobRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_runs WHERE started_at < $1 AND status != $2
	`, before, JobRunStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("deleting job runs: %w", err)
	}

	return res.RowsAffected()
}

// ============================================================================
// Leases
// ============================================================================

// AcquireLease takes the lease for key if it is free, expired or already
// held by owner.
func (s *PostgresStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE leases.expires_at <= $4 OR leases.owner = EXCLUDED.owner
	`, key, owner, millis(now.Add(ttl)), millis(now))
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquiring lease: %w", err)
	}

	return n > 0, nil
}

// RenewLease extends a lease held by owner.
func (s *PostgresStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = $1 WHERE key = $2 AND owner = $3
	`, millis(time.Now().Add(ttl)), key, owner)
	if err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renewing lease: %w", err)
	}

	return n > 0, nil
}

// ReleaseLease drops a lease held by owner.
func (s *PostgresStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = $1 AND owner = $2`, key, owner)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}

	return nil
}
