package stager

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

func newTestLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return log
}

// fakeGit records calls and creates a .git directory on clone.
type fakeGit struct {
	mu        sync.Mutex
	clones    []string
	fetches   []string
	checkouts []Ref

	cloneErr    error
	fetchErr    error
	checkoutErr error
	revision    string
}

func (f *fakeGit) Clone(_ context.Context, path, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.clones = append(f.clones, url)

	if f.cloneErr != nil {
		return f.cloneErr
	}

	return os.MkdirAll(filepath.Join(path, ".git"), 0o755)
}

func (f *fakeGit) Fetch(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetches = append(f.fetches, path)

	return f.fetchErr
}

func (f *fakeGit) Checkout(_ context.Context, _ string, ref Ref) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.checkouts = append(f.checkouts, ref)

	if f.checkoutErr != nil {
		return "", f.checkoutErr
	}

	return f.revision, nil
}

func TestStageClonesOnceThenFetches(t *testing.T) {
	root := t.TempDir()
	git := &fakeGit{revision: "abc123"}
	s := New(newTestLogger(), root, git)

	wc, err := s.Stage(context.Background(), "acme/widget", "https://github.com/acme/widget.git", Tag("v1.2.0"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "acme", "widget"), wc.Path)
	assert.Equal(t, "abc123", wc.Revision)

	again, err := s.Stage(context.Background(), "acme/widget", "https://github.com/acme/widget.git", Branch("gh-pages"))
	require.NoError(t, err)
	assert.Equal(t, wc.Path, again.Path)

	assert.Len(t, git.clones, 1, "an existing working copy is never re-cloned")
	assert.Equal(t, []string{wc.Path}, git.fetches)
	assert.Equal(t, []Ref{Tag("v1.2.0"), Branch("gh-pages")}, git.checkouts)
}

func TestStageExistingCopyWithoutURL(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "widget", ".git"), 0o755))

	git := &fakeGit{revision: "def456"}
	s := New(newTestLogger(), root, git)

	wc, err := s.Stage(context.Background(), "acme/widget", "", Ref{})
	require.NoError(t, err)
	assert.Equal(t, "def456", wc.Revision)
	assert.Empty(t, git.clones)
	assert.Len(t, git.fetches, 1)
}

func TestStageMissingRepositoryReference(t *testing.T) {
	git := &fakeGit{}
	s := New(newTestLogger(), t.TempDir(), git)

	_, err := s.Stage(context.Background(), "acme/widget", "", Tag("v1.0.0"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissingRepositoryReference)
	assert.Empty(t, git.clones)
	assert.Empty(t, git.checkouts)
}

func TestStageDirectoryWithoutGitIsNotAWorkingCopy(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "acme", "widget")

	// Left behind by an interrupted clone.
	require.NoError(t, os.MkdirAll(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "README.md"), []byte("# Widget\n"), 0o644))

	git := &fakeGit{revision: "abc123"}
	s := New(newTestLogger(), root, git)

	_, err := s.Stage(context.Background(), "acme/widget", "", Tag("v1.0.0"))
	assert.ErrorIs(t, err, ErrMissingRepositoryReference)
	assert.Empty(t, git.fetches, "a directory without .git is never fetched")

	wc, err := s.Stage(context.Background(), "acme/widget", "https://github.com/acme/widget.git", Tag("v1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", wc.Revision)
	assert.Len(t, git.clones, 1)
	assert.Empty(t, git.fetches)
}

func TestStageRejectsInvalidNames(t *testing.T) {
	s := New(newTestLogger(), t.TempDir(), &fakeGit{})

	for _, name := range []string{
		"",
		"widget",
		"acme/",
		"/widget",
		"../widget",
		"acme/..",
		"./widget",
		"acme/widget/extra",
		"/etc/passwd",
		"acme/wid get",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Stage(context.Background(), name, "https://example.com/x.git", Ref{})
			assert.ErrorIs(t, err, ErrMissingRepositoryReference)
		})
	}
}

func TestStageWrapsGitFailures(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name     string
		git      *fakeGit
		existing bool
		step     string
	}{
		{name: "clone", git: &fakeGit{cloneErr: boom}, step: StepClone},
		{name: "fetch", git: &fakeGit{fetchErr: boom}, existing: true, step: StepFetch},
		{name: "checkout", git: &fakeGit{checkoutErr: boom}, step: StepCheckout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			if tt.existing {
				require.NoError(t, os.MkdirAll(filepath.Join(root, "acme", "widget", ".git"), 0o755))
			}

			s := New(newTestLogger(), root, tt.git)

			_, err := s.Stage(context.Background(), "acme/widget", "https://example.com/x.git", Ref{})

			var stagingErr *StagingFailedError

			require.ErrorAs(t, err, &stagingErr)
			assert.Equal(t, tt.step, stagingErr.Step)
			assert.Equal(t, "acme/widget", stagingErr.FullName)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestRef(t *testing.T) {
	assert.True(t, Tag("v1").IsTag())
	assert.False(t, Tag("v1").IsBranch())
	assert.True(t, Branch("main").IsBranch())
	assert.Equal(t, "tag v1", Tag("v1").String())
	assert.Equal(t, "branch main", Branch("main").String())
	assert.Equal(t, "default branch", Ref{}.String())
	assert.Empty(t, Ref{}.Name())
}

func TestNormalizeURL(t *testing.T) {
	assert.Equal(t, "https://github.com/acme/widget.git", normalizeURL("git://github.com/acme/widget.git"))
	assert.Equal(t, "https://github.com/acme/widget.git", normalizeURL("https://github.com/acme/widget.git"))
	assert.Equal(t, "/srv/git/widget", normalizeURL("/srv/git/widget"))
}

func TestGoGitAuth(t *testing.T) {
	assert.Nil(t, NewGoGit(newTestLogger(), "").auth("https://github.com/acme/widget.git"))
	assert.Nil(t, NewGoGit(newTestLogger(), "secret").auth("/srv/git/widget"))
	assert.NotNil(t, NewGoGit(newTestLogger(), "secret").auth("https://github.com/acme/widget.git"))
}

// sourceRepo is an upstream repository built with go-git for the stager to
// clone from.
type sourceRepo struct {
	t    *testing.T
	path string
	repo *git.Repository
}

func newSourceRepo(t *testing.T) *sourceRepo {
	t.Helper()

	path := filepath.Join(t.TempDir(), "upstream")

	repo, err := git.PlainInit(path, false)
	require.NoError(t, err)

	return &sourceRepo{t: t, path: path, repo: repo}
}

func (r *sourceRepo) commit(file, content string) plumbing.Hash {
	r.t.Helper()

	require.NoError(r.t, os.WriteFile(filepath.Join(r.path, file), []byte(content), 0o644))

	wt, err := r.repo.Worktree()
	require.NoError(r.t, err)

	_, err = wt.Add(file)
	require.NoError(r.t, err)

	hash, err := wt.Commit("update "+file, &git.CommitOptions{Author: signature()})
	require.NoError(r.t, err)

	return hash
}

func signature() *object.Signature {
	return &object.Signature{Name: "pagesmith", Email: "pagesmith@example.com", When: time.Now()}
}

func TestGoGitStagesTagsAndBranches(t *testing.T) {
	// The file transport shells out to git-upload-pack.
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	ctx := context.Background()
	upstream := newSourceRepo(t)

	first := upstream.commit("README.md", "# v1\n")
	_, err := upstream.repo.CreateTag("v1.0.0", first, nil)
	require.NoError(t, err)

	second := upstream.commit("README.md", "# v2\n")
	_, err = upstream.repo.CreateTag("v2.0.0", second, &git.CreateTagOptions{
		Tagger:  signature(),
		Message: "release v2.0.0",
	})
	require.NoError(t, err)
	require.NoError(t, upstream.repo.Storer.SetReference(
		plumbing.NewHashReference(plumbing.NewBranchReferenceName("gh-pages"), first),
	))

	s := New(newTestLogger(), t.TempDir(), NewGoGit(newTestLogger(), ""))

	readme := func(wc *WorkingCopy) string {
		data, err := os.ReadFile(filepath.Join(wc.Path, "README.md"))
		require.NoError(t, err)

		return string(data)
	}

	wc, err := s.Stage(ctx, "acme/widget", upstream.path, Tag("v1.0.0"))
	require.NoError(t, err)
	assert.Equal(t, first.String(), wc.Revision)
	assert.Equal(t, "# v1\n", readme(wc))

	// Annotated tags resolve to the tagged commit.
	wc, err = s.Stage(ctx, "acme/widget", upstream.path, Tag("v2.0.0"))
	require.NoError(t, err)
	assert.Equal(t, second.String(), wc.Revision)

	wc, err = s.Stage(ctx, "acme/widget", upstream.path, Branch("gh-pages"))
	require.NoError(t, err)
	assert.Equal(t, first.String(), wc.Revision)

	// Untracked files are removed and new upstream commits are fetched.
	require.NoError(t, os.WriteFile(filepath.Join(wc.Path, "stray.txt"), []byte("x"), 0o644))

	third := upstream.commit("README.md", "# v3\n")

	wc, err = s.Stage(ctx, "acme/widget", upstream.path, Branch("master"))
	require.NoError(t, err)
	assert.Equal(t, third.String(), wc.Revision)
	assert.Equal(t, "# v3\n", readme(wc))
	assert.NoFileExists(t, filepath.Join(wc.Path, "stray.txt"))

	again, err := s.Stage(ctx, "acme/widget", "", Ref{})
	require.NoError(t, err)
	assert.Equal(t, wc.Revision, again.Revision)
}

func TestGoGitUnknownTagFailsCheckout(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	upstream := newSourceRepo(t)
	upstream.commit("README.md", "# hello\n")

	s := New(newTestLogger(), t.TempDir(), NewGoGit(newTestLogger(), ""))

	_, err := s.Stage(context.Background(), "acme/widget", upstream.path, Tag("v9.9.9"))

	var stagingErr *StagingFailedError

	require.ErrorAs(t, err, &stagingErr)
	assert.Equal(t, StepCheckout, stagingErr.Step)
}
