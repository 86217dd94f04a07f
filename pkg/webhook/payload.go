package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Payload is the subset of a GitHub create or push event the pipeline acts on.
type Payload struct {
	// RefType is only present on create/delete events ("tag" or "branch").
	RefType      *string    `json:"ref_type,omitempty"`
	Ref          string     `json:"ref"`
	MasterBranch string     `json:"master_branch,omitempty"`
	After        string     `json:"after,omitempty"`
	Repository   Repository `json:"repository"`
}

// Repository contains repository metadata.
type Repository struct {
	FullName      string `json:"full_name"`
	GitURL        string `json:"git_url"`
	CloneURL      string `json:"clone_url,omitempty"`
	DefaultBranch string `json:"default_branch,omitempty"`
	MasterBranch  string `json:"master_branch,omitempty"`
}

// DecodeError is returned when a request body is not a usable payload.
type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding webhook payload: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// Decode parses a raw webhook body.
func Decode(body []byte) (*Payload, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &DecodeError{Cause: fmt.Errorf("empty body")}
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &DecodeError{Cause: err}
	}

	return &p, nil
}

// RefTypeValue returns the ref type, or "" when absent.
func (p *Payload) RefTypeValue() string {
	if p.RefType == nil {
		return ""
	}

	return *p.RefType
}

// CloneURL returns the URL to clone the repository from, preferring git_url.
func (p *Payload) CloneURL() string {
	if p.Repository.GitURL != "" {
		return p.Repository.GitURL
	}

	return p.Repository.CloneURL
}

// DefaultBranch returns the repository's default branch as announced by the
// event, falling back to master.
func (p *Payload) DefaultBranch() string {
	switch {
	case p.MasterBranch != "":
		return p.MasterBranch
	case p.Repository.DefaultBranch != "":
		return p.Repository.DefaultBranch
	case p.Repository.MasterBranch != "":
		return p.Repository.MasterBranch
	default:
		return "master"
	}
}
