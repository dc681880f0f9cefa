package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// SetWorktree associates a plan with the worktree its phases run in.
func (s *Store) SetWorktree(planPath, worktreePath string) error {
	plan, err := CanonicalPath(planPath)
	if err != nil {
		return err
	}
	tree, err := CanonicalPath(worktreePath)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO plan_worktrees (plan_path, worktree_path, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(plan_path) DO UPDATE SET worktree_path = excluded.worktree_path, updated_at = excluded.updated_at`,
		plan, tree, now(),
	)
	if err != nil {
		return fmt.Errorf("set worktree for %s: %w", plan, err)
	}
	return nil
}

// GetWorktree returns the worktree recorded for the plan, or "".
func (s *Store) GetWorktree(planPath string) (string, error) {
	plan, err := CanonicalPath(planPath)
	if err != nil {
		return "", err
	}
	var tree string
	err = s.db.QueryRow(`SELECT worktree_path FROM plan_worktrees WHERE plan_path = ?`, plan).Scan(&tree)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tree, err
}
