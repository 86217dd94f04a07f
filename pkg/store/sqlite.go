package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	log  logrus.FieldLogger
	path string
	db   *sql.DB
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(log logrus.FieldLogger, path string) Store {
	return &SQLiteStore{
		log:  log.WithField("component", "store"),
		path: path,
	}
}

// Start opens the database connection.
func (s *SQLiteStore) Start(ctx context.Context) error {
	s.log.WithField("path", s.path).Info("Opening SQLite database")

	db, err := sql.Open("sqlite3", s.path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	// SQLite allows a single writer, claims must not race each other.
	db.SetMaxOpenConns(1)

	// Test connection.
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}

	s.db = db

	return nil
}

// Stop closes the database connection.
func (s *SQLiteStore) Stop() error {
	if s.db != nil {
		return s.db.Close()
	}

	return nil
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.log.Info("Running database migrations")

	migrations := []string{
		// Messages table.
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			body BLOB NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			visible_at INTEGER NOT NULL,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(queue, status, visible_at)`,
		// Completions table.
		`CREATE TABLE IF NOT EXISTS completions (
			message_id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			kind TEXT NOT NULL,
			full_name TEXT NOT NULL,
			ref TEXT NOT NULL,
			completed_at TIMESTAMP NOT NULL
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
			started_at TIMESTAMP NOT NULL,
			finished_at TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_full_name ON job_runs(full_name)`,
		`CREATE INDEX IF NOT EXISTS idx_job_runs_started_at ON job_runs(started_at)`,
		// Leases table.
		`CREATE TABLE IF NOT EXISTS leases (
			key TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			expires_at INTEGER NOT NULL
		)`,
		// Migration: Add revision column to job_runs table.
		`ALTER TABLE job_runs ADD COLUMN revision TEXT NOT NULL DEFAULT ''`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}

			return fmt.Errorf("running migration: %w", err)
		}
	}

	return nil
}

// ============================================================================
// Messages
// ============================================================================

const sqliteMessageColumns = `id, queue, body, status, attempts, visible_at, last_error, created_at, updated_at`

// CreateMessage inserts a new pending message.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, queue, body, status, attempts, visible_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.Queue, msg.Body, msg.Status, msg.Attempts, millis(msg.VisibleAt),
		msg.LastError, msg.CreatedAt.UTC(), msg.UpdatedAt.UTC())

	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteMessageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}

	return msg, nil
}

// ClaimMessage leases the oldest visible message on a queue. Messages left in
// processing by a crashed worker become claimable again once their lease
// expires. Returns nil when nothing is claimable.
func (s *SQLiteStore) ClaimMessage(ctx context.Context, queue string, lease time.Duration) (*Message, error) {
	now := time.Now().UTC()

	var id string

	err := s.db.QueryRowContext(ctx, `
		UPDATE messages
		SET status = ?, attempts = attempts + 1, visible_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM messages
			WHERE queue = ? AND status IN (?, ?) AND visible_at <= ?
			ORDER BY created_at, id
			LIMIT 1
		)
		RETURNING id`,
		MessageStatusProcessing, millis(now.Add(lease)), now,
		queue, MessageStatusPending, MessageStatusProcessing, millis(now)).Scan(&id)

	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("claiming message: %w", err)
	}

	return s.GetMessage(ctx, id)
}

// CompleteMessage marks a message as done.
func (s *SQLiteStore) CompleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = '', updated_at = ? WHERE id = ?
	`, MessageStatusDone, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("completing message: %w", err)
	}

	return nil
}

// RetryMessage returns a message to pending, invisible until visibleAt.
func (s *SQLiteStore) RetryMessage(ctx context.Context, id, lastError string, visibleAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = ?, visible_at = ?, updated_at = ? WHERE id = ?
	`, MessageStatusPending, lastError, millis(visibleAt), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("retrying message: %w", err)
	}

	return nil
}

// DeadLetterMessage parks a message that will not be delivered again.
func (s *SQLiteStore) DeadLetterMessage(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, last_error = ?, updated_at = ? WHERE id = ?
	`, MessageStatusDead, lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("dead-lettering message: %w", err)
	}

	return nil
}

// RequeueMessage makes a dead message deliverable again with a fresh attempt
// budget.
func (s *SQLiteStore) RequeueMessage(ctx context.Context, id string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET status = ?, attempts = 0, visible_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
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
func (s *SQLiteStore) CountMessages(ctx context.Context, queue string, status MessageStatus) (int, error) {
	var count int

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE queue = ? AND status = ?
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
func (s *SQLiteStore) RecordCompletion(ctx context.Context, c *Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (message_id, queue, kind, full_name, ref, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO NOTHING
	`, c.MessageID, c.Queue, c.Kind, c.FullName, c.Ref, c.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("inserting completion: %w", err)
	}

	return nil
}

// GetCompletion retrieves the completion marker of a message.
func (s *SQLiteStore) GetCompletion(ctx context.Context, messageID string) (*Completion, error) {
	var c Completion

	err := s.db.QueryRowContext(ctx, `
		SELECT message_id, queue, kind, full_name, ref, completed_at
		FROM completions WHERE message_id = ?
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
func (s *SQLiteStore) ListCompletions(ctx context.Context, fullName string, limit int) ([]*Completion, error) {
	query := `SELECT message_id, queue, kind, full_name, ref, completed_at FROM completions`
	args := []any{}

	if fullName != "" {
		query += ` WHERE full_name = ?`

		args = append(args, fullName)
	}

	query += ` ORDER BY completed_at DESC LIMIT ?`

	args = append(args, normalizeLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
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

const sqliteJobRunColumns = `id, message_id, kind, full_name, ref, status, stage, error, attempt, revision, started_at, finished_at`

// CreateJobRun inserts a job run.
func (s *SQLiteStore) CreateJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_runs (`+sqliteJobRunColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.MessageID, run.Kind, run.FullName, run.Ref, run.Status, run.Stage,
		run.Error, run.Attempt, run.Revision, run.StartedAt.UTC(), utcPtr(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("inserting job run: %w", err)
	}

	return nil
}

// UpdateJobRun updates the mutable fields of a job run.
func (s *SQLiteStore) UpdateJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, stage = ?, error = ?, revision = ?, finished_at = ?
		WHERE id = ?
	`, run.Status, run.Stage, run.Error, run.Revision, utcPtr(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("updating job run: %w", err)
	}

	return nil
}

// GetJobRun retrieves a job run by ID.
func (s *SQLiteStore) GetJobRun(ctx context.Context, id string) (*JobRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteJobRunColumns+` FROM job_runs WHERE id = ?`, id)

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
func (s *SQLiteStore) ListJobRuns(ctx context.Context, opts JobRunQueryOpts) ([]*JobRun, error) {
	var (
		conditions []string
		args       []any
	)

	if opts.FullName != "" {
		conditions = append(conditions, "full_name = ?")
		args = append(args, opts.FullName)
	}

	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, opts.Status)
	}

	query := `SELECT ` + sqliteJobRunColumns + ` FROM job_runs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`

	args = append(args, normalizeLimit(opts.Limit), opts.Offset)

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
func (s *SQLiteStore) DeleteJobRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM job_runs WHERE started_at < ? AND status != ?
	`, before.UTC(), JobRunStatusRunning)
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
func (s *SQLiteStore) AcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE leases.expires_at <= ? OR leases.owner = excluded.owner
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
func (s *SQLiteStore) RenewLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE key = ? AND owner = ?
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
func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, owner string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND owner = ?`, key, owner)
	if err != nil {
		return fmt.Errorf("releasing lease: %w", err)
	}

	return nil
}
