package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/shepherd/internal/models"
)

func initRepo(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))

	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	hash, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir, hash.String()
}

func TestVerifyCommit(t *testing.T) {
	dir, hash := initRepo(t)
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	got, err := VerifyCommit(sub, hash)
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	got, err = VerifyCommit(dir, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, hash, got)

	_, err = VerifyCommit(dir, "0000000000000000000000000000000000000000")
	assert.Error(t, err)

	_, err = VerifyCommit(dir, "")
	assert.Error(t, err)
}

func TestHeadCommit(t *testing.T) {
	dir, hash := initRepo(t)
	got, err := HeadCommit(dir)
	require.NoError(t, err)
	assert.Equal(t, hash, got)
	assert.True(t, IsRepository(dir))

	_, err = HeadCommit(t.TempDir())
	assert.True(t, errors.Is(err, ErrNotRepository))
}

func TestWorkspaceLayout(t *testing.T) {
	logs := t.TempDir()
	_, err := Open(logs, 7)
	assert.Error(t, err)

	w, err := Create(logs, 7)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(logs, "run-7"), w.Path)

	step := models.Step{RunID: 7, Role: models.RoleReviewer, Phase: "1.2", Iteration: 3, Template: "review phase"}
	first := w.LogPath(step)
	second := w.LogPath(step)
	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(filepath.Base(first), "1.2-reviewer-review-phase-i3-"))
	assert.True(t, strings.HasPrefix(filepath.Base(w.LogPath(models.Step{Role: models.RoleAuthor, Template: "fix"})), "plan-author-fix-i0-"))

	require.NoError(t, os.WriteFile(first, []byte("{}\n"), 0o644))
	found, err := w.Logs()
	require.NoError(t, err)
	assert.Equal(t, []string{first}, found)

	require.NoError(t, w.WriteRunMetadata(&RunMetadata{RunID: 7, Artifact: "/p.md", Command: models.CommandPhaseExecution, Iteration: 2}))
	reopened, err := Open(logs, 7)
	require.NoError(t, err)
	meta, err := reopened.ReadRunMetadata()
	require.NoError(t, err)
	assert.Equal(t, int64(7), meta.RunID)
	assert.Equal(t, 2, meta.Iteration)
}

func TestRepoRoot(t *testing.T) {
	dir, _ := initRepo(t)
	sub := filepath.Join(dir, "docs", "plans")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	root, err := RepoRoot(sub)
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, want, got)

	_, err = RepoRoot(t.TempDir())
	assert.ErrorIs(t, err, ErrNotRepository)
}
