package publisher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	stagingInfix = ".tmp-"
	oldInfix     = ".old-"
)

// PublishFailedError wraps a filesystem failure while publishing.
type PublishFailedError struct {
	Op    string
	Path  string
	Cause error
}

func (e *PublishFailedError) Error() string {
	return fmt.Sprintf("publish %s %s: %v", e.Op, e.Path, e.Cause)
}

func (e *PublishFailedError) Unwrap() error {
	return e.Cause
}

// Producer writes the complete output into dir.
type Producer func(dir string) error

type options struct {
	preserveSubdirs bool
}

// Option configures a single Publish call.
type Option func(*options)

// PreserveSubdirs carries the subdirectories of the currently published
// target over into the new one. Page output is flat, its subdirectories are
// API documentation of individual tags.
func PreserveSubdirs() Option {
	return func(o *options) {
		o.preserveSubdirs = true
	}
}

// Publisher replaces published directories so that readers see either the
// previous or the new complete content.
type Publisher struct {
	log logrus.FieldLogger
}

// New creates a Publisher.
func New(log logrus.FieldLogger) *Publisher {
	return &Publisher{
		log: log.WithField("component", "publisher"),
	}
}

// Publish runs produce on a fresh sibling of target and swaps it into
// place. On a producer error the staging directory is removed, target is
// left untouched and the error is returned as is.
func (p *Publisher) Publish(ctx context.Context, target string, produce Producer, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	target = filepath.Clean(target)
	log := p.log.WithField("target", target)

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return &PublishFailedError{Op: "prepare", Path: filepath.Dir(target), Cause: err}
	}

	staging := target + stagingInfix + uuid.New().String()

	if err := Prepare(staging); err != nil {
		return err
	}

	discard := func() {
		if err := os.RemoveAll(staging); err != nil {
			log.WithError(err).Warn("Failed to remove staging directory")
		}
	}

	if err := produce(staging); err != nil {
		discard()

		return err
	}

	if err := ctx.Err(); err != nil {
		discard()

		return err
	}

	var moved []string

	if o.preserveSubdirs {
		var err error

		moved, err = preserve(target, staging)
		if err != nil {
			restore(log, staging, target, moved)
			discard()

			return err
		}
	}

	old, err := swap(staging, target)
	if err != nil {
		restore(log, staging, target, moved)
		discard()

		return &PublishFailedError{Op: "swap", Path: target, Cause: err}
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			log.WithError(err).Warn("Failed to remove previous output")
		}
	}

	log.WithField("preserved", len(moved)).Debug("Published directory")

	return nil
}

// preserve moves the subdirectories of target into staging, unless staging
// already has an entry of that name. It returns the moved names.
func preserve(target, staging string) ([]string, error) {
	entries, err := os.ReadDir(target)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, &PublishFailedError{Op: "read", Path: target, Cause: err}
	}

	moved := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || isTransient(name) {
			continue
		}

		dst := filepath.Join(staging, name)
		if _, err := os.Lstat(dst); err == nil {
			continue
		}

		if err := os.Rename(filepath.Join(target, name), dst); err != nil {
			return moved, &PublishFailedError{Op: "preserve", Path: filepath.Join(target, name), Cause: err}
		}

		moved = append(moved, name)
	}

	return moved, nil
}

// restore moves preserved subdirectories back after a failed swap.
func restore(log logrus.FieldLogger, staging, target string, names []string) {
	for _, name := range names {
		if err := os.Rename(filepath.Join(staging, name), filepath.Join(target, name)); err != nil {
			log.WithError(err).WithField("subdir", name).Error("Failed to restore preserved directory")
		}
	}
}

// swap puts staging in place of target and returns the path now holding
// the previous content, empty when there was none.
func swap(staging, target string) (string, error) {
	exchanged, err := exchange(staging, target)
	if err != nil {
		return "", err
	}

	if exchanged {
		return staging, nil
	}

	old := target + oldInfix + uuid.New().String()

	if err := os.Rename(target, old); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}

		old = ""
	}

	if err := os.Rename(staging, target); err != nil {
		if old != "" {
			_ = os.Rename(old, target)
		}

		return "", err
	}

	return old, nil
}

func isTransient(name string) bool {
	return strings.Contains(name, stagingInfix) || strings.Contains(name, oldInfix)
}

// Prepare creates dir and its parents and empties it.
func Prepare(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PublishFailedError{Op: "prepare", Path: dir, Cause: err}
	}

	return Clean(dir)
}

// Clean removes the contents of dir, keeping dir itself. Entries that
// disappear concurrently are ignored, a missing dir is not an error.
func Clean(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return &PublishFailedError{Op: "clean", Path: dir, Cause: err}
	}

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
			return &PublishFailedError{Op: "clean", Path: path, Cause: err}
		}
	}

	return nil
}
