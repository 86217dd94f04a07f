package webhook

import (
	"errors"
	"fmt"

	"github.com/google/go-github/v60/github"
)

// Headers sent by GitHub with every webhook delivery.
const (
	SignatureHeader = "X-Hub-Signature-256"
	EventHeader     = "X-GitHub-Event"
	DeliveryHeader  = "X-GitHub-Delivery"
)

// ErrInvalidSignature is returned when a delivery is not signed with the
// configured secret.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// ValidateSignature verifies the HMAC signature of a payload. An empty secret
// disables verification.
func ValidateSignature(body []byte, signature, secret string) error {
	if secret == "" {
		return nil
	}

	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}

	if err := github.ValidateSignature(signature, body, []byte(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return nil
}
