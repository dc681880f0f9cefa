package workspace

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var ErrNotRepository = errors.New("not a git repository")

func openRepo(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("open repository %s: %w", dir, err)
	}
	return repo, nil
}

func IsRepository(dir string) bool {
	_, err := openRepo(dir)
	return err == nil
}

// HeadCommit returns the hash HEAD points at.
func HeadCommit(dir string) (string, error) {
	repo, err := openRepo(dir)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// VerifyCommit resolves ref (a hash, abbreviated hash, branch or tag) to
// a commit in the repository containing dir and returns its full hash.
func VerifyCommit(dir, ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty commit reference")
	}
	repo, err := openRepo(dir)
	if err != nil {
		return "", err
	}
	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return "", fmt.Errorf("commit %q not found: %w", ref, err)
	}
	commit, err := repo.CommitObject(*hash)
	if err != nil {
		return "", fmt.Errorf("%q is not a commit: %w", ref, err)
	}
	return commit.Hash.String(), nil
}

// RepoRoot returns the top of the working tree containing dir.
func RepoRoot(dir string) (string, error) {
	repo, err := openRepo(dir)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("repository at %s has no worktree: %w", dir, err)
	}
	return wt.Filesystem.Root(), nil
}
