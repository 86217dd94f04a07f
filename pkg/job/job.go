package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which generation job a message represents.
type Kind string

const (
	KindAPIDoc Kind = "api_doc"
	KindPage   Kind = "page"
)

// Queue names. Each kind of job is routed to exactly one queue.
const (
	QueueGenerateAPI  = "generateApi"
	QueueGeneratePage = "generatePage"
)

// ErrInvalidJob is returned when a job is missing fields required by its kind.
var ErrInvalidJob = errors.New("invalid job")

// Intent is the outcome of classifying a webhook payload. It describes the
// work to be done but has no identity yet; the dispatcher turns it into a Job.
type Intent struct {
	Kind          Kind
	FullName      string
	GitURL        string
	Tag           string
	BranchRef     string
	DefaultBranch string
}

// Job is the immutable unit of work placed on the transport. It carries
// everything a worker needs, the originating HTTP request is gone by the
// time it is processed.
type Job struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	FullName      string    `json:"full_name"`
	GitURL        string    `json:"git_url,omitempty"`
	Tag           string    `json:"tag,omitempty"`
	BranchRef     string    `json:"branch_ref,omitempty"`
	DefaultBranch string    `json:"default_branch,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New creates a job from a classified intent.
func New(intent Intent) *Job {
	return &Job{
		ID:            uuid.New().String(),
		Kind:          intent.Kind,
		FullName:      intent.FullName,
		GitURL:        intent.GitURL,
		Tag:           intent.Tag,
		BranchRef:     intent.BranchRef,
		DefaultBranch: intent.DefaultBranch,
		CreatedAt:     time.Now().UTC(),
	}
}

// Ref returns the git reference the job operates on.
func (j *Job) Ref() string {
	if j.Kind == KindAPIDoc {
		return j.Tag
	}

	return j.BranchRef
}

// Branch returns the short branch name of a page job's BranchRef.
func (j *Job) Branch() string {
	return strings.TrimPrefix(j.BranchRef, "refs/heads/")
}

// Validate checks the kind specific fields. The repository reference is
// deliberately not checked here, a missing full name or clone url is
// detected by the stager.
func (j *Job) Validate() error {
	switch j.Kind {
	case KindAPIDoc:
		if j.Tag == "" {
			return fmt.Errorf("%w: api_doc job %s has no tag", ErrInvalidJob, j.ID)
		}
	case KindPage:
		if j.BranchRef == "" {
			return fmt.Errorf("%w: page job %s has no branch_ref", ErrInvalidJob, j.ID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}

	return nil
}

// Encode serializes the job into its transport representation.
func (j *Job) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshaling job: %w", err)
	}

	return data, nil
}

// Decode parses and validates a transport message body.
func Decode(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}

	if err := j.Validate(); err != nil {
		return nil, err
	}

	return &j, nil
}

// QueueFor returns the queue a kind of job is routed to.
func QueueFor(kind Kind) (string, error) {
	switch kind {
	case KindAPIDoc:
		return QueueGenerateAPI, nil
	case KindPage:
		return QueueGeneratePage, nil
	default:
		return "", fmt.Errorf("%w: no queue for kind %q", ErrInvalidJob, kind)
	}
}
