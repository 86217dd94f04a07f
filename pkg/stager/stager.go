package stager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// Steps a staging operation can fail in.
const (
	StepPrepare  = "prepare"
	StepClone    = "clone"
	StepFetch    = "fetch"
	StepCheckout = "checkout"
)

// ErrMissingRepositoryReference is returned when there is neither a working
// copy nor a URL to clone one from, or the repository name is unusable.
var ErrMissingRepositoryReference = errors.New("missing repository reference")

// StagingFailedError wraps a failure of the underlying git client.
type StagingFailedError struct {
	Step     string
	FullName string
	Cause    error
}

func (e *StagingFailedError) Error() string {
	return fmt.Sprintf("staging %s failed at %s: %v", e.FullName, e.Step, e.Cause)
}

func (e *StagingFailedError) Unwrap() error {
	return e.Cause
}

type refKind int

const (
	refDefault refKind = iota
	refBranch
	refTag
)

// Ref names the revision to check out. The zero value is the repository's
// default branch.
type Ref struct {
	kind refKind
	name string
}

// Branch returns a Ref for a branch, given by short name.
func Branch(name string) Ref {
	return Ref{kind: refBranch, name: name}
}

// Tag returns a Ref for a tag.
func Tag(name string) Ref {
	return Ref{kind: refTag, name: name}
}

// Name returns the branch or tag name, empty for the default branch.
func (r Ref) Name() string {
	return r.name
}

// IsTag reports whether r names a tag.
func (r Ref) IsTag() bool {
	return r.kind == refTag
}

// IsBranch reports whether r names a branch.
func (r Ref) IsBranch() bool {
	return r.kind == refBranch
}

func (r Ref) String() string {
	switch r.kind {
	case refBranch:
		return "branch " + r.name
	case refTag:
		return "tag " + r.name
	default:
		return "default branch"
	}
}

// WorkingCopy is a checked out clone of a repository.
type WorkingCopy struct {
	Path     string
	Revision string
}

// GitClient performs the source control operations the stager needs.
type GitClient interface {
	Clone(ctx context.Context, path, url string) error
	Fetch(ctx context.Context, path string) error
	// Checkout forces the working tree to ref and returns the checked out
	// commit.
	Checkout(ctx context.Context, path string, ref Ref) (string, error)
}

var fullNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

// Stager maintains one working copy per repository under a root directory.
type Stager struct {
	log  logrus.FieldLogger
	root string
	git  GitClient
}

// New creates a Stager.
func New(log logrus.FieldLogger, root string, git GitClient) *Stager {
	return &Stager{
		log:  log.WithField("component", "stager"),
		root: root,
		git:  git,
	}
}

// Path returns the working copy path of a repository.
func (s *Stager) Path(fullName string) (string, error) {
	if err := ValidateFullName(fullName); err != nil {
		return "", err
	}

	return filepath.Join(s.root, filepath.FromSlash(fullName)), nil
}

// Stage brings the working copy of fullName to ref, cloning it from gitURL
// when it does not exist yet. An existing working copy is never re-cloned.
// Callers must hold the repository lock.
func (s *Stager) Stage(ctx context.Context, fullName, gitURL string, ref Ref) (*WorkingCopy, error) {
	path, err := s.Path(fullName)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{
		"repository": fullName,
		"ref":        ref.String(),
	})

	exists, err := isRepository(path)
	if err != nil {
		return nil, &StagingFailedError{Step: StepPrepare, FullName: fullName, Cause: err}
	}

	switch {
	case exists:
		log.Debug("Updating working copy")

		if err := s.git.Fetch(ctx, path); err != nil {
			return nil, &StagingFailedError{Step: StepFetch, FullName: fullName, Cause: err}
		}
	case gitURL != "":
		log.WithField("url", gitURL).Info("Cloning repository")

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, &StagingFailedError{Step: StepPrepare, FullName: fullName, Cause: err}
		}

		if err := s.git.Clone(ctx, path, gitURL); err != nil {
			return nil, &StagingFailedError{Step: StepClone, FullName: fullName, Cause: err}
		}
	default:
		return nil, fmt.Errorf("%w: no working copy for %s and no clone url", ErrMissingRepositoryReference, fullName)
	}

	revision, err := s.git.Checkout(ctx, path, ref)
	if err != nil {
		return nil, &StagingFailedError{Step: StepCheckout, FullName: fullName, Cause: err}
	}

	log.WithField("revision", revision).Debug("Working copy staged")

	return &WorkingCopy{Path: path, Revision: revision}, nil
}

// ValidateFullName checks that fullName is an owner/name pair that cannot
// escape the staging or publish root.
func ValidateFullName(fullName string) error {
	if fullName == "" {
		return fmt.Errorf("%w: empty repository name", ErrMissingRepositoryReference)
	}

	if !fullNamePattern.MatchString(fullName) {
		return fmt.Errorf("%w: invalid repository name %q", ErrMissingRepositoryReference, fullName)
	}

	owner, name, _ := strings.Cut(fullName, "/")
	for _, segment := range []string{owner, name} {
		if segment == "." || segment == ".." {
			return fmt.Errorf("%w: invalid repository name %q", ErrMissingRepositoryReference, fullName)
		}
	}

	return nil
}

// isRepository reports whether path holds a git working copy.
func isRepository(path string) (bool, error) {
	info, err := os.Stat(filepath.Join(path, ".git"))
	if err == nil {
		return info.IsDir(), nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, err
}
