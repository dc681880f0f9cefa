package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/agent"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/workspace"
)

// cursor is the loop position for one plan review or one phase.
type cursor struct {
	phase     string
	state     models.State
	iteration int
	// limit is the last iteration allowed before the cycle cap escalates.
	limit int
	// pending is set by a state that escalates.
	pending *escalation
}

// escalation is the payload of an escalation event.
type escalation struct {
	models.EscalationEvent
	TimedOut bool `json:"timed_out,omitempty"`
}

func (s *session) success() models.State {
	if s.run.Command == models.CommandPhaseExecution {
		return models.StateDone
	}
	return models.StateApproved
}

// drive runs the state machine for one loop until it reaches a terminal
// state. It returns an error only when ctx ends or the loop cannot go on.
func (s *session) drive(ctx context.Context, phase string, state models.State, iteration int) (models.State, error) {
	c := &cursor{phase: phase, state: state, iteration: max(iteration, 1)}
	c.limit = s.restoreBudget(phase)
	s.saveProgress(c)
	if c.state == models.StateAborted {
		s.restoreAbort(c)
	}

	for !c.state.Terminal() {
		if err := ctx.Err(); err != nil {
			return c.state, err
		}

		var next models.State
		var err error
		switch c.state {
		case models.StateReview:
			next, err = s.review(ctx, c)
		case models.StateExecute:
			next, err = s.execute(ctx, c)
		case models.StateQuality:
			next, err = s.checkQuality(ctx, c)
		case models.StateAutoFix:
			next, err = s.fix(ctx, c)
		case models.StateEscalate:
			next, err = s.escalate(ctx, c)
		default:
			return c.state, fmt.Errorf("no handler for state %s", c.state)
		}
		if err != nil {
			return c.state, err
		}
		s.transition(c, next)
	}
	return c.state, nil
}

func (s *session) transition(c *cursor, next models.State) {
	from := c.state
	if next == models.StateEscalate && c.pending != nil {
		// Recorded before the state is saved so a resumed run finds it.
		c.pending.RunID = s.run.ID
		c.pending.Phase = c.phase
		c.pending.Iteration = c.iteration
		s.event(models.EventEscalation, c.phase, intp(c.iteration), c.pending)
	}
	c.state = next
	s.saveProgress(c)
	s.event(models.EventTransition, c.phase, intp(c.iteration), map[string]any{"from": from, "to": next})
	s.o.metrics.RecordTransition(string(s.run.Command), string(from), string(next))
	s.log.Info("transition", zap.String("phase", c.phase), zap.Int("iteration", c.iteration),
		zap.String("from", string(from)), zap.String("to", string(next)))
}

func (s *session) saveProgress(c *cursor) {
	s.out.State = c.state
	s.out.Phase = c.phase
	s.out.Iteration = c.iteration
	if err := s.o.store.UpdateRunProgress(s.run.ID, c.state, c.phase, c.iteration); err != nil {
		s.log.Warn("failed to save progress", zap.Error(err))
	}
	meta := &workspace.RunMetadata{
		RunID:     s.run.ID,
		Artifact:  s.run.ArtifactPath,
		Command:   s.run.Command,
		WorkDir:   s.workDir,
		Phase:     c.phase,
		Iteration: c.iteration,
		State:     c.state,
	}
	if err := s.ws.WriteRunMetadata(meta); err != nil {
		s.log.Debug("failed to write run metadata", zap.Error(err))
	}
}

// escalateFrom prepares an escalation out of state from.
func (c *cursor) escalateFrom(from models.State, reason string, items []models.VerdictItem, logPath string, timedOut bool) models.State {
	c.pending = &escalation{
		EscalationEvent: models.EscalationEvent{From: from, Reason: reason, Items: items, LogPath: logPath},
		TimedOut:        timedOut,
	}
	return models.StateEscalate
}

func (s *session) review(ctx context.Context, c *cursor) (models.State, error) {
	tmpl, prompt := tmplPlanReview, s.planReviewPrompt(c.iteration)
	if s.run.Command == models.CommandPhaseExecution {
		tmpl, prompt = tmplPhaseReview, s.phaseReviewPrompt(c.phase, c.iteration)
	}
	a, err := s.invoke(ctx, c, step{
		role:       models.RoleReviewer,
		template:   tmpl,
		resultType: models.ResultVerdict,
		prompt:     prompt,
		schema:     verdictSchema,
	})
	if err != nil {
		return "", err
	}

	v, err := s.verdictOf(a.row)
	if err != nil {
		return c.escalateFrom(models.StateReview, "reviewer: "+err.Error(), nil, a.row.LogPath, a.kind == agent.KindTimeout), nil
	}
	return s.route(c, v, a.row.LogPath), nil
}

// route turns a valid verdict into the next state. Human-required items
// win over readiness; anything unclear escalates.
func (s *session) route(c *cursor, v *models.ReviewerVerdict, logPath string) models.State {
	if human := v.HumanRequired(); len(human) > 0 {
		reason := fmt.Sprintf("reviewer flagged %d item(s) that need a human", len(human))
		return c.escalateFrom(models.StateReview, reason, human, logPath, false)
	}
	switch v.Readiness {
	case models.ReadinessReady:
		return s.success()
	case models.ReadinessReadyWithCorrections, models.ReadinessNotReady:
		if len(v.AutoFixable()) > 0 {
			return models.StateAutoFix
		}
		return c.escalateFrom(models.StateReview, fmt.Sprintf("reviewer returned %s without actionable items", v.Readiness), nil, logPath, false)
	}
	return c.escalateFrom(models.StateReview, fmt.Sprintf("reviewer returned unknown readiness %q", v.Readiness), nil, logPath, false)
}

func (s *session) execute(ctx context.Context, c *cursor) (models.State, error) {
	a, err := s.invoke(ctx, c, step{
		role:       models.RoleAuthor,
		template:   tmplImplement,
		resultType: models.ResultStatus,
		prompt:     s.implementPrompt(c.phase, c.iteration),
		schema:     statusSchema,
	})
	if err != nil {
		return "", err
	}
	if next, ok := s.authorFailed(c, models.StateExecute, a); ok {
		return next, nil
	}
	return s.verifyState(), nil
}

// verifyState is where a completed author step goes next.
func (s *session) verifyState() models.State {
	if s.quality != nil {
		return models.StateQuality
	}
	return models.StateReview
}

func (s *session) fix(ctx context.Context, c *cursor) (models.State, error) {
	items, err := s.fixItems(c)
	if err != nil {
		return c.escalateFrom(models.StateAutoFix, err.Error(), nil, "", false), nil
	}

	st := step{role: models.RoleAuthor, resultType: models.ResultStatus, schema: statusSchema}
	if s.run.Command == models.CommandPhaseExecution {
		st.template, st.prompt = tmplPhaseFix, s.phaseFixPrompt(c.phase, items)
	} else {
		st.template, st.prompt = tmplPlanFix, s.planFixPrompt(items)
	}
	a, err := s.invoke(ctx, c, st)
	if err != nil {
		return "", err
	}
	if next, ok := s.authorFailed(c, models.StateAutoFix, a); ok {
		return next, nil
	}

	c.iteration++
	if c.iteration > c.limit {
		reason := fmt.Sprintf("reached the limit of %d review cycles", c.limit)
		return c.escalateFrom(models.StateReview, reason, nil, a.row.LogPath, false), nil
	}
	if s.run.Command == models.CommandPhaseExecution {
		return s.verifyState(), nil
	}
	return models.StateReview, nil
}

// authorFailed escalates an author step that did not complete, or whose
// commit cannot be found.
func (s *session) authorFailed(c *cursor, from models.State, a *attempt) (models.State, bool) {
	st, err := s.statusOf(a.row)
	if err != nil {
		return c.escalateFrom(from, "author: "+err.Error(), nil, a.row.LogPath, a.kind == agent.KindTimeout), true
	}
	if st.Result != models.AuthorComplete {
		reason := fmt.Sprintf("author reported %s: %s", st.Result, st.Reason)
		return c.escalateFrom(from, reason, nil, a.row.LogPath, false), true
	}
	if s.requireCommit && s.run.Command == models.CommandPhaseExecution {
		hash, err := workspace.VerifyCommit(s.workDir, st.Commit)
		if err != nil {
			return c.escalateFrom(from, "author's commit could not be verified: "+err.Error(), nil, a.row.LogPath, false), true
		}
		s.log.Debug("commit verified", zap.String("commit", hash))
	}
	return "", false
}

// fixItems returns what the author should fix at the cursor's iteration:
// the reviewer's items when a review ran, otherwise the failed quality
// checks.
func (s *session) fixItems(c *cursor) ([]models.VerdictItem, error) {
	tmpl := tmplPlanReview
	if s.run.Command == models.CommandPhaseExecution {
		tmpl = tmplPhaseReview
	}
	row, err := s.o.store.GetAgentResult(models.Step{
		RunID: s.run.ID, Role: models.RoleReviewer, Phase: c.phase, Iteration: c.iteration,
		Template: tmpl, ResultType: models.ResultVerdict,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load review: %w", err)
	}
	if row != nil && row.Completed {
		v, err := s.verdictOf(row)
		if err != nil {
			return nil, err
		}
		if items := v.AutoFixable(); len(items) > 0 {
			return items, nil
		}
	}

	q, err := s.o.store.GetQualityResult(s.run.ID, c.phase, c.iteration)
	if err != nil {
		return nil, fmt.Errorf("failed to load quality result: %w", err)
	}
	if q != nil && !q.Passed {
		return qualityItems(q), nil
	}
	return nil, fmt.Errorf("nothing to fix at iteration %d", c.iteration)
}

func (s *session) checkQuality(ctx context.Context, c *cursor) (models.State, error) {
	if s.quality == nil {
		return models.StateReview, nil
	}
	q, err := s.o.store.GetQualityResult(s.run.ID, c.phase, c.iteration)
	if err != nil {
		s.log.Warn("failed to load quality result", zap.Error(err))
	}
	if q != nil {
		s.log.Debug("quality result replayed", zap.String("phase", c.phase), zap.Int("attempt", c.iteration))
	} else {
		outputs, passed, err := s.quality.Run(ctx, s.workDir)
		if err != nil {
			return "", err
		}
		q = &models.QualityResult{RunID: s.run.ID, Phase: c.phase, Attempt: c.iteration, Passed: passed, Outputs: outputs}
		if _, err := s.o.store.UpsertQualityResult(q); err != nil {
			s.log.Warn("failed to save quality result", zap.Error(err))
		}
		s.event(models.EventQualityCheck, c.phase, intp(c.iteration), map[string]any{"passed": passed, "commands": len(outputs)})
		s.o.metrics.RecordQuality(passed)

		e := auditEntry{Title: fmt.Sprintf("phase %s · quality · attempt %d", c.phase, c.iteration)}
		for _, out := range outputs {
			e.Lines = append(e.Lines, fmt.Sprintf("`%s`: exit %d", out.Command, out.ExitCode))
		}
		s.audit(e)
	}

	if q.Passed {
		return models.StateReview, nil
	}
	return models.StateAutoFix, nil
}
