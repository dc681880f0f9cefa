package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/models"
)

const runColumns = `id, artifact_path, command, status, state, phase, iteration, error, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	err := row.Scan(
		&run.ID, &run.ArtifactPath, &run.Command, &run.Status, &run.State,
		&run.Phase, &run.Iteration, &run.Error, &run.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return &run, nil
}

// CreateRun inserts run as active, filling in its ID, canonical artifact
// path and creation time.
func (s *Store) CreateRun(run *models.Run) (int64, error) {
	path, err := CanonicalPath(run.ArtifactPath)
	if err != nil {
		return 0, err
	}
	run.ArtifactPath = path
	run.Status = models.RunStatusActive
	run.CreatedAt = now()

	result, err := s.db.Exec(
		`INSERT INTO runs (artifact_path, command, status, state, phase, iteration, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ArtifactPath, run.Command, run.Status, run.State, run.Phase, run.Iteration, run.Error, run.CreatedAt,
	)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("%s: %w", path, ErrActiveRunExists)
	}
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	run.ID, err = result.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.log.Debug("run created", zap.Int64("run", run.ID), zap.String("artifact", path), zap.String("command", string(run.Command)))
	return run.ID, nil
}

// UpdateRunStatus moves a run to status. Terminal statuses stamp
// completed_at; errMsg is kept only when non-empty.
func (s *Store) UpdateRunStatus(id int64, status models.RunStatus, errMsg string) error {
	var completedAt any
	if status.Terminal() {
		completedAt = now()
	}
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = CASE WHEN ? = '' THEN error ELSE ? END WHERE id = ?`,
		status, completedAt, errMsg, errMsg, id,
	)
	if err != nil {
		return fmt.Errorf("update run %d status: %w", id, err)
	}
	return nil
}

// UpdateRunProgress records where the state machine is, so a resumed run
// restarts from there.
func (s *Store) UpdateRunProgress(id int64, state models.State, phase string, iteration int) error {
	_, err := s.db.Exec(
		`UPDATE runs SET state = ?, phase = ?, iteration = ? WHERE id = ?`,
		state, phase, iteration, id,
	)
	if err != nil {
		return fmt.Errorf("update run %d progress: %w", id, err)
	}
	return nil
}

func (s *Store) GetRun(id int64) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return run, err
}

// GetActiveRun returns the active run for the artifact, or nil.
func (s *Store) GetActiveRun(artifactPath string) (*models.Run, error) {
	return s.findRun(artifactPath, `status = 'active'`)
}

// GetLatestRun returns the most recent run for the artifact in any
// status, or nil.
func (s *Store) GetLatestRun(artifactPath string) (*models.Run, error) {
	return s.findRun(artifactPath, `1 = 1`)
}

func (s *Store) findRun(artifactPath, cond string) (*models.Run, error) {
	path, err := CanonicalPath(artifactPath)
	if err != nil {
		return nil, err
	}
	run, err := scanRun(s.db.QueryRow(
		`SELECT `+runColumns+` FROM runs WHERE artifact_path = ? AND `+cond+` ORDER BY id DESC LIMIT 1`, path,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// ListRuns returns the newest runs first.
func (s *Store) ListRuns(limit int) ([]*models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
