package orchestrator

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/models"
)

// decisionRecord is the payload of a human_decision event.
type decisionRecord struct {
	Decision  models.Decision `json:"decision"`
	Automatic bool            `json:"automatic,omitempty"`
	// Budget is the iteration limit in force after the decision.
	Budget int    `json:"budget"`
	Error  string `json:"error,omitempty"`
}

func (s *session) escalate(ctx context.Context, c *cursor) (models.State, error) {
	esc := c.pending
	if esc == nil {
		esc = s.restoreEscalation(c)
	}
	c.pending = nil

	rec, reused := s.recordedDecision(c)
	if reused {
		s.log.Info("reusing recorded decision", zap.String("decision", string(rec.Decision)), zap.Int("iteration", c.iteration))
	} else {
		var err error
		rec, err = s.decide(ctx, esc)
		if err != nil {
			return "", err
		}
	}
	s.o.metrics.RecordEscalation(string(s.run.Command), string(rec.Decision))

	next := models.StateAborted
	escIteration := c.iteration
	switch rec.Decision {
	case models.DecisionApprove:
		next = s.success()
		s.out.Reason = ""
	case models.DecisionContinue:
		next = s.resumeState(esc.From)
		if s.iterationUsed(c) {
			c.iteration++
		}
		if c.iteration > c.limit {
			c.limit = c.iteration - 1 + s.maxCycles
		}
	default:
		s.out.Reason = esc.Reason
		if rec.Error != "" {
			s.out.Reason += " (" + rec.Error + ")"
		}
		s.out.LogPath = esc.LogPath
		s.out.TimedOut = esc.TimedOut
	}
	rec.Budget = c.limit

	if !reused {
		s.event(models.EventHumanDecision, c.phase, intp(escIteration), rec)
		e := auditEntry{Title: "escalation resolved: " + string(rec.Decision), Lines: []string{"reason: " + esc.Reason}}
		if rec.Automatic {
			e.Lines = append(e.Lines, "automatic mode")
		}
		s.audit(e)
	}
	return next, nil
}

// decide consults the gate. Automatic mode aborts without asking.
func (s *session) decide(ctx context.Context, esc *escalation) (decisionRecord, error) {
	if s.o.automatic {
		s.log.Warn("escalation in automatic mode; aborting", zap.String("reason", esc.Reason))
		return decisionRecord{Decision: models.DecisionAbort, Automatic: true}, nil
	}

	s.log.Info("escalating", zap.String("reason", esc.Reason), zap.Int("items", len(esc.Items)))
	d, err := s.o.escalation.Decide(ctx, esc.EscalationEvent)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return decisionRecord{}, err
		}
		s.log.Warn("escalation gate failed; aborting", zap.Error(err))
		return decisionRecord{Decision: models.DecisionAbort, Error: err.Error()}, nil
	}
	return decisionRecord{Decision: d}, nil
}

// resumeState is where a continue decision sends the loop.
func (s *session) resumeState(from models.State) models.State {
	if s.run.Command != models.CommandPhaseExecution {
		return models.StateReview
	}
	if from == models.StateExecute {
		return models.StateExecute
	}
	return s.verifyState()
}

// recordedDecision finds a decision already made for the escalation the
// cursor sits on, e.g. when the process died right after the gate answered.
func (s *session) recordedDecision(c *cursor) (decisionRecord, bool) {
	dec, err := s.o.store.LatestRunEvent(s.run.ID, models.EventHumanDecision, c.phase)
	if err != nil || dec == nil || dec.Iteration == nil || *dec.Iteration != c.iteration {
		return decisionRecord{}, false
	}
	esc, err := s.o.store.LatestRunEvent(s.run.ID, models.EventEscalation, c.phase)
	if err != nil || (esc != nil && esc.ID > dec.ID) {
		return decisionRecord{}, false
	}
	var rec decisionRecord
	if err := json.Unmarshal(dec.Payload, &rec); err != nil || rec.Decision == "" {
		return decisionRecord{}, false
	}
	return rec, true
}

// restoreEscalation reloads the escalation a resumed run stopped at.
func (s *session) restoreEscalation(c *cursor) *escalation {
	ev, err := s.o.store.LatestRunEvent(s.run.ID, models.EventEscalation, c.phase)
	if err == nil && ev != nil && ev.Iteration != nil && *ev.Iteration == c.iteration {
		var esc escalation
		if err := json.Unmarshal(ev.Payload, &esc); err == nil {
			return &esc
		}
	}
	return &escalation{EscalationEvent: models.EscalationEvent{
		RunID:     s.run.ID,
		Phase:     c.phase,
		Iteration: c.iteration,
		Reason:    "run was interrupted while waiting for a decision",
	}}
}

// restoreAbort reloads how a run that was already aborted ended, so a
// resumed run reports the same reason and exit status.
func (s *session) restoreAbort(c *cursor) {
	s.out.Reason = "run aborted before it was interrupted"
	ev, err := s.o.store.LatestRunEvent(s.run.ID, models.EventEscalation, c.phase)
	if err != nil || ev == nil {
		return
	}
	var esc escalation
	if err := json.Unmarshal(ev.Payload, &esc); err != nil || esc.Reason == "" {
		return
	}
	s.out.Reason = esc.Reason
	if rec, ok := s.recordedDecision(c); ok && rec.Error != "" {
		s.out.Reason += " (" + rec.Error + ")"
	}
	s.out.LogPath = esc.LogPath
	s.out.TimedOut = esc.TimedOut
}

// restoreBudget returns the iteration limit for a loop, including budget
// granted by earlier continue decisions.
func (s *session) restoreBudget(phase string) int {
	ev, err := s.o.store.LatestRunEvent(s.run.ID, models.EventHumanDecision, phase)
	if err != nil || ev == nil {
		return s.maxCycles
	}
	var rec decisionRecord
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		return s.maxCycles
	}
	return max(rec.Budget, s.maxCycles)
}

// iterationUsed reports whether any step at the cursor's iteration has a
// stored result, so a continue must move to a fresh iteration.
func (s *session) iterationUsed(c *cursor) bool {
	rows, err := s.o.store.ListAgentResults(s.run.ID)
	if err != nil {
		s.log.Warn("failed to list agent results", zap.Error(err))
		return true
	}
	for _, r := range rows {
		if r.Phase == c.phase && r.Iteration == c.iteration && r.Completed {
			return true
		}
	}
	q, err := s.o.store.GetQualityResult(s.run.ID, c.phase, c.iteration)
	return err == nil && q != nil
}
