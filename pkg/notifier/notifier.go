package notifier

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/pagesmith/pkg/config"
	"github.com/ethpandaops/pagesmith/pkg/metrics"
	"github.com/google/go-github/v60/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// Commit status states.
const (
	StatePending = "pending"
	StateSuccess = "success"
	StateFailure = "failure"
)

const (
	notifyTimeout       = 10 * time.Second
	maxDescriptionRunes = 140
	createStatusCall    = "create_status"
)

// Status is a commit status for a staged revision.
type Status struct {
	FullName    string
	Revision    string
	Kind        string
	State       string
	TargetURL   string
	Description string
}

// Notifier reports job outcomes back to the repository host. Notify never
// fails a job; errors are logged.
type Notifier interface {
	Start(ctx context.Context) error
	Stop() error
	Notify(ctx context.Context, status Status)
}

// New returns a GitHub notifier when a token is configured and a no-op
// notifier otherwise.
func New(log logrus.FieldLogger, cfg config.GitHubConfig, m *metrics.Metrics) Notifier {
	if cfg.Token == "" {
		return Noop{}
	}

	return NewGitHubNotifier(log, cfg, m)
}

// Noop discards every status.
type Noop struct{}

// Ensure Noop implements Notifier.
var _ Notifier = Noop{}

func (Noop) Start(context.Context) error { return nil }

func (Noop) Stop() error { return nil }

func (Noop) Notify(context.Context, Status) {}

// githubNotifier creates commit statuses through the GitHub API.
type githubNotifier struct {
	log           logrus.FieldLogger
	token         string
	apiURL        string
	statusContext string
	metrics       *metrics.Metrics

	gh            *github.Client
	mu            sync.RWMutex
	rateRemaining int
}

// Ensure githubNotifier implements Notifier.
var _ Notifier = (*githubNotifier)(nil)

// NewGitHubNotifier creates a GitHub commit status notifier.
func NewGitHubNotifier(log logrus.FieldLogger, cfg config.GitHubConfig, m *metrics.Metrics) Notifier {
	return &githubNotifier{
		log:           log.WithField("component", "notifier"),
		token:         cfg.Token,
		apiURL:        cfg.APIURL,
		statusContext: cfg.StatusContext,
		metrics:       m,
	}
}

// Start initializes the client and checks the token.
func (n *githubNotifier) Start(ctx context.Context) error {
	n.log.Info("Initializing GitHub client")

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: n.token})
	n.gh = github.NewClient(oauth2.NewClient(ctx, ts))

	if n.apiURL != "" {
		base, err := url.Parse(strings.TrimSuffix(n.apiURL, "/") + "/")
		if err != nil {
			return fmt.Errorf("parsing GitHub API url: %w", err)
		}

		n.gh.BaseURL = base
	}

	// Test authentication by getting rate limit.
	rate, _, err := n.gh.RateLimit.Get(ctx)
	if err != nil {
		return fmt.Errorf("testing GitHub authentication: %w", err)
	}

	n.setRateRemaining(rate.Core.Remaining)

	n.log.WithFields(logrus.Fields{
		"rate_remaining": rate.Core.Remaining,
		"rate_limit":     rate.Core.Limit,
	}).Info("GitHub client initialized")

	return nil
}

// Stop shuts down the notifier.
func (n *githubNotifier) Stop() error {
	n.log.Info("Stopping GitHub client")

	return nil
}

// Notify creates a commit status on status.Revision.
func (n *githubNotifier) Notify(ctx context.Context, status Status) {
	log := n.log.WithFields(logrus.Fields{
		"repository": status.FullName,
		"revision":   status.Revision,
		"state":      status.State,
	})

	if n.gh == nil {
		log.Warn("GitHub client not started, dropping status")

		return
	}

	owner, repo, ok := strings.Cut(status.FullName, "/")
	if !ok || status.Revision == "" {
		log.Debug("Not enough information for a commit status")

		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	repoStatus := &github.RepoStatus{
		State:       github.String(status.State),
		Context:     github.String(n.contextFor(status.Kind)),
		Description: github.String(truncate(status.Description, maxDescriptionRunes)),
	}

	if status.TargetURL != "" {
		repoStatus.TargetURL = github.String(status.TargetURL)
	}

	n.metrics.RecordGitHubAPIRequest(createStatusCall)

	_, resp, err := n.gh.Repositories.CreateStatus(ctx, owner, repo, status.Revision, repoStatus)
	// Responses without rate limit headers leave Rate zero.
	if resp != nil && resp.Rate.Limit > 0 {
		n.setRateRemaining(resp.Rate.Remaining)
	}

	if err != nil {
		n.metrics.RecordGitHubAPIError(createStatusCall)
		log.WithError(err).Warn("Failed to create commit status")

		return
	}

	log.Debug("Created commit status")
}

// RateLimitRemaining returns the remaining API calls.
func (n *githubNotifier) RateLimitRemaining() int {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return n.rateRemaining
}

func (n *githubNotifier) setRateRemaining(remaining int) {
	n.mu.Lock()
	n.rateRemaining = remaining
	n.mu.Unlock()

	n.metrics.SetGitHubRateLimit(float64(remaining))
}

func (n *githubNotifier) contextFor(kind string) string {
	if kind == "" {
		return n.statusContext
	}

	return n.statusContext + "/" + kind
}

// TargetURL returns the public URL of published output, empty when no
// public URL is configured.
func TargetURL(publicURL, fullName, tag string) string {
	if publicURL == "" {
		return ""
	}

	target := strings.TrimSuffix(publicURL, "/") + "/" + fullName
	if tag != "" {
		target += "/" + tag
	}

	return target + "/"
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}

	return string(runes[:limit-1]) + "…"
}
