package stager

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	githttp "gopkg.in/src-d/go-git.v4/plumbing/transport/http"
)

const remoteName = "origin"

// fetchRefSpecs mirror every branch and tag of the remote, including force
// pushed ones.
var fetchRefSpecs = []config.RefSpec{
	"+refs/heads/*:refs/remotes/origin/*",
	"+refs/tags/*:refs/tags/*",
}

// GoGit implements GitClient with go-git.
type GoGit struct {
	log   logrus.FieldLogger
	token string
}

// Ensure GoGit implements GitClient.
var _ GitClient = (*GoGit)(nil)

// NewGoGit creates a go-git client. A non-empty token authenticates HTTPS
// remotes.
func NewGoGit(log logrus.FieldLogger, token string) *GoGit {
	return &GoGit{
		log:   log.WithField("component", "git"),
		token: token,
	}
}

// Clone clones url into path with all tags.
func (g *GoGit) Clone(ctx context.Context, path, url string) error {
	url = normalizeURL(url)

	_, err := git.PlainCloneContext(ctx, path, false, &git.CloneOptions{
		URL:  url,
		Auth: g.auth(url),
		Tags: git.AllTags,
	})
	if err != nil {
		return fmt.Errorf("cloning %s: %w", url, err)
	}

	return nil
}

// Fetch updates all remote branches and tags of the working copy at path.
func (g *GoGit) Fetch(ctx context.Context, path string) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening repository: %w", err)
	}

	var auth transport.AuthMethod

	if remote, err := repo.Remote(remoteName); err == nil && len(remote.Config().URLs) > 0 {
		auth = g.auth(remote.Config().URLs[0])
	}

	err = repo.FetchContext(ctx, &git.FetchOptions{
		RemoteName: remoteName,
		RefSpecs:   fetchRefSpecs,
		Auth:       auth,
		Tags:       git.AllTags,
		Force:      true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetching %s: %w", remoteName, err)
	}

	return nil
}

// Checkout forces the working tree to ref and removes untracked files, so
// that the tree matches the commit exactly.
func (g *GoGit) Checkout(_ context.Context, path string, ref Ref) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("opening repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("opening worktree: %w", err)
	}

	var hash plumbing.Hash

	if ref.IsTag() {
		hash, err = resolveTag(repo, ref.Name())
		if err != nil {
			return "", err
		}

		err = wt.Checkout(&git.CheckoutOptions{Hash: hash, Force: true})
	} else {
		branch := ref.Name()
		if branch == "" {
			branch = defaultBranch(repo)
		}

		hash, err = resolveRemoteBranch(repo, branch)
		if err != nil {
			return "", err
		}

		local := plumbing.NewBranchReferenceName(branch)
		if err := repo.Storer.SetReference(plumbing.NewHashReference(local, hash)); err != nil {
			return "", fmt.Errorf("updating branch %s: %w", branch, err)
		}

		err = wt.Checkout(&git.CheckoutOptions{Branch: local, Force: true})
	}

	if err != nil {
		return "", fmt.Errorf("checking out %s: %w", ref, err)
	}

	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return "", fmt.Errorf("cleaning worktree: %w", err)
	}

	return hash.String(), nil
}

// resolveTag returns the commit a tag points at, peeling annotated tags.
func resolveTag(repo *git.Repository, tag string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewTagReferenceName(tag), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving tag %s: %w", tag, err)
	}

	tagObj, err := repo.TagObject(ref.Hash())

	switch {
	case err == nil:
		commit, err := tagObj.Commit()
		if err != nil {
			return plumbing.ZeroHash, fmt.Errorf("peeling tag %s: %w", tag, err)
		}

		return commit.Hash, nil
	case errors.Is(err, plumbing.ErrObjectNotFound):
		// Lightweight tag, the reference points at the commit itself.
		return ref.Hash(), nil
	default:
		return plumbing.ZeroHash, fmt.Errorf("reading tag %s: %w", tag, err)
	}
}

// resolveRemoteBranch returns the commit of origin/<branch>.
func resolveRemoteBranch(repo *git.Repository, branch string) (plumbing.Hash, error) {
	ref, err := repo.Reference(plumbing.NewRemoteReferenceName(remoteName, branch), true)
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolving %s/%s: %w", remoteName, branch, err)
	}

	return ref.Hash(), nil
}

// defaultBranch guesses the remote's default branch: origin/HEAD when it
// exists, then the branch HEAD is on, then master.
func defaultBranch(repo *git.Repository) string {
	if ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName(remoteName), false); err == nil &&
		ref.Type() == plumbing.SymbolicReference {
		return strings.TrimPrefix(ref.Target().String(), "refs/remotes/"+remoteName+"/")
	}

	if head, err := repo.Head(); err == nil && head.Name().IsBranch() {
		return head.Name().Short()
	}

	return "master"
}

// auth returns token credentials for HTTPS remotes.
func (g *GoGit) auth(url string) transport.AuthMethod {
	if g.token == "" || !strings.HasPrefix(url, "https://") {
		return nil
	}

	return &githttp.BasicAuth{
		Username: "x-access-token",
		Password: g.token,
	}
}

// normalizeURL rewrites GitHub's git:// URLs, which GitHub no longer serves,
// to HTTPS.
func normalizeURL(url string) string {
	if strings.HasPrefix(url, "git://github.com/") {
		return "https://" + strings.TrimPrefix(url, "git://")
	}

	return url
}
