package webhook

import (
	"errors"

	"github.com/ethpandaops/pagesmith/pkg/job"
)

const (
	// RefTypeTag is the ref_type of a tag creation event.
	RefTypeTag = "tag"

	// PagesRef is the ref of a push to the gh-pages branch.
	PagesRef = "refs/heads/gh-pages"
)

// ErrClassificationMismatch is returned for payloads no rule applies to.
var ErrClassificationMismatch = errors.New("event fired can't be handled by this callback")

// Classify decides which job a payload triggers. Rules are evaluated in
// order and only ref fields are inspected:
//
//  1. ref_type == "tag" generates API documentation for the tag.
//  2. no ref_type and ref == refs/heads/gh-pages generates the HTML pages.
//  3. anything else is rejected with ErrClassificationMismatch.
func Classify(p *Payload) (job.Intent, error) {
	refType := p.RefTypeValue()

	if refType == RefTypeTag {
		return job.Intent{
			Kind:          job.KindAPIDoc,
			FullName:      p.Repository.FullName,
			GitURL:        p.CloneURL(),
			Tag:           p.Ref,
			DefaultBranch: p.DefaultBranch(),
		}, nil
	}

	if refType == "" && p.Ref == PagesRef {
		return job.Intent{
			Kind:          job.KindPage,
			FullName:      p.Repository.FullName,
			GitURL:        p.CloneURL(),
			BranchRef:     p.Ref,
			DefaultBranch: p.DefaultBranch(),
		}, nil
	}

	return job.Intent{}, ErrClassificationMismatch
}
