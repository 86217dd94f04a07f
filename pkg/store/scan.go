package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrNotRequeueable is returned when a message is missing or not dead.
var ErrNotRequeueable = errors.New("message is not dead-lettered")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		msg       Message
		visibleAt int64
	)

	if err := row.Scan(&msg.ID, &msg.Queue, &msg.Body, &msg.Status, &msg.Attempts,
		&visibleAt, &msg.LastError, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}

	msg.VisibleAt = fromMillis(visibleAt)

	return &msg, nil
}

func scanJobRun(row rowScanner) (*JobRun, error) {
	var (
		run        JobRun
		finishedAt sql.NullTime
	)

	if err := row.Scan(&run.ID, &run.MessageID, &run.Kind, &run.FullName, &run.Ref,
		&run.Status, &run.Stage, &run.Error, &run.Attempt, &run.Revision,
		&run.StartedAt, &finishedAt); err != nil {
		return nil, err
	}

	if finishedAt.Valid {
		t := finishedAt.Time.UTC()
		run.FinishedAt = &t
	}

	return &run, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}

	if limit > maxListLimit {
		return maxListLimit
	}

	return limit
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
