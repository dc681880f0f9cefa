package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mpataki/shepherd/internal/models"
)

const resultColumns = `id, run_id, role, phase, iteration, template, result_type, payload, completed, error,
	duration_ms, input_tokens, output_tokens, cost_usd, session_id, log_path, created_at`

func scanResult(row scanner) (*models.AgentResult, error) {
	var r models.AgentResult
	var payload sql.NullString
	var durationMS int64
	err := row.Scan(
		&r.ID, &r.RunID, &r.Role, &r.Phase, &r.Iteration, &r.Template, &r.ResultType, &payload, &r.Completed, &r.Error,
		&durationMS, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.SessionID, &r.LogPath, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return &r, nil
}

// UpsertAgentResult stores the result of one step. A row for the same
// step is replaced, so the latest attempt wins and gets a new id.
func (s *Store) UpsertAgentResult(r *models.AgentResult) (int64, error) {
	r.CreatedAt = now()
	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}
	result, err := s.db.Exec(
		`INSERT OR REPLACE INTO agent_results (run_id, role, phase, iteration, template, result_type, payload, completed, error,
			duration_ms, input_tokens, output_tokens, cost_usd, session_id, log_path, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Role, r.Phase, r.Iteration, r.Template, r.ResultType, payload, r.Completed, r.Error,
		r.Duration.Milliseconds(), r.InputTokens, r.OutputTokens, r.CostUSD, r.SessionID, r.LogPath, r.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert %s result: %w", r.Role, err)
	}
	r.ID, err = result.LastInsertId()
	return r.ID, err
}

// GetAgentResult returns the stored result for step, or nil.
func (s *Store) GetAgentResult(step models.Step) (*models.AgentResult, error) {
	r, err := scanResult(s.db.QueryRow(
		`SELECT `+resultColumns+` FROM agent_results
		 WHERE run_id = ? AND role = ? AND phase = ? AND iteration = ? AND template = ? AND result_type = ?`,
		step.RunID, step.Role, step.Phase, step.Iteration, step.Template, step.ResultType,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// HasCompletedStep reports whether step already has a completed result.
// Resume relies on this alone to skip agent calls.
func (s *Store) HasCompletedStep(step models.Step) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM agent_results
		 WHERE run_id = ? AND role = ? AND phase = ? AND iteration = ? AND template = ? AND result_type = ? AND completed = 1`,
		step.RunID, step.Role, step.Phase, step.Iteration, step.Template, step.ResultType,
	).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ListAgentResults(runID int64) ([]*models.AgentResult, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM agent_results WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.AgentResult
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpsertQualityResult stores one quality-check attempt, replacing an
// earlier row for the same (run, phase, attempt).
func (s *Store) UpsertQualityResult(q *models.QualityResult) (int64, error) {
	q.CreatedAt = now()
	outputs, err := json.Marshal(q.Outputs)
	if err != nil {
		return 0, fmt.Errorf("encode quality outputs: %w", err)
	}
	result, err := s.db.Exec(
		`INSERT OR REPLACE INTO quality_results (run_id, phase, attempt, passed, outputs, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		q.RunID, q.Phase, q.Attempt, q.Passed, string(outputs), q.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("upsert quality result: %w", err)
	}
	q.ID, err = result.LastInsertId()
	return q.ID, err
}

// GetQualityResult returns the stored attempt, or nil.
func (s *Store) GetQualityResult(runID int64, phase string, attempt int) (*models.QualityResult, error) {
	var q models.QualityResult
	var outputs sql.NullString
	err := s.db.QueryRow(
		`SELECT id, run_id, phase, attempt, passed, outputs, created_at FROM quality_results
		 WHERE run_id = ? AND phase = ? AND attempt = ?`, runID, phase, attempt,
	).Scan(&q.ID, &q.RunID, &q.Phase, &q.Attempt, &q.Passed, &outputs, &q.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &q.Outputs); err != nil {
			return nil, fmt.Errorf("decode quality outputs: %w", err)
		}
	}
	return &q, nil
}
