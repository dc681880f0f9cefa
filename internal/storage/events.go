package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/mpataki/shepherd/internal/models"
)

const eventColumns = `id, run_id, event_type, phase, iteration, payload, created_at`

func scanEvent(row scanner) (*models.RunEvent, error) {
	var ev models.RunEvent
	var iteration sql.NullInt64
	var payload sql.NullString
	if err := row.Scan(&ev.ID, &ev.RunID, &ev.Type, &ev.Phase, &iteration, &payload, &ev.CreatedAt); err != nil {
		return nil, err
	}
	if iteration.Valid {
		n := int(iteration.Int64)
		ev.Iteration = &n
	}
	if payload.Valid {
		ev.Payload = []byte(payload.String)
	}
	return &ev, nil
}

// AppendRunEvent inserts ev. Events are never updated; their ids give the
// order within a run.
func (s *Store) AppendRunEvent(ev *models.RunEvent) (int64, error) {
	ev.CreatedAt = now()
	var iteration, payload any
	if ev.Iteration != nil {
		iteration = *ev.Iteration
	}
	if ev.Payload != nil {
		payload = string(ev.Payload)
	}
	result, err := s.db.Exec(
		`INSERT INTO run_events (run_id, event_type, phase, iteration, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, ev.Type, ev.Phase, iteration, payload, ev.CreatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("append %s event: %w", ev.Type, err)
	}
	ev.ID, err = result.LastInsertId()
	return ev.ID, err
}

func (s *Store) ListRunEvents(runID int64) ([]*models.RunEvent, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM run_events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LatestRunEvent returns the newest event of type typ for the run and
// phase, or nil.
func (s *Store) LatestRunEvent(runID int64, typ models.EventType, phase string) (*models.RunEvent, error) {
	ev, err := scanEvent(s.db.QueryRow(
		`SELECT `+eventColumns+` FROM run_events WHERE run_id = ? AND event_type = ? AND phase = ? ORDER BY id DESC LIMIT 1`,
		runID, typ, phase,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}
