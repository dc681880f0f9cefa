package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/agent"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/protocol"
)

type step struct {
	role       models.Role
	template   string
	resultType models.ResultType
	prompt     string
	schema     json.RawMessage
}

// attempt is a step's stored row, whether replayed or just produced.
type attempt struct {
	row      *models.AgentResult
	replayed bool
	// kind is the failure kind of a fresh invocation.
	kind agent.Kind
}

// invoke runs one step unless it already completed, in which case the
// stored result is returned instead. The error is non-nil only when the
// invocation was cancelled; agent failures come back as an incomplete row.
func (s *session) invoke(ctx context.Context, c *cursor, st step) (*attempt, error) {
	id := models.Step{
		RunID:      s.run.ID,
		Role:       st.role,
		Phase:      c.phase,
		Iteration:  c.iteration,
		Template:   st.template,
		ResultType: st.resultType,
	}
	log := s.log.With(zap.String("role", string(st.role)), zap.String("template", st.template),
		zap.String("phase", c.phase), zap.Int("iteration", c.iteration))

	done, err := s.o.store.HasCompletedStep(id)
	if err != nil {
		log.Warn("failed to check for a stored result; invoking", zap.Error(err))
	}
	if done {
		row, err := s.o.store.GetAgentResult(id)
		if err == nil && row != nil {
			log.Info("step replayed from stored result")
			s.out.Replayed++
			s.o.metrics.RecordReplay(string(st.role))
			return &attempt{row: row, replayed: true}, nil
		}
		log.Warn("stored result unreadable; invoking", zap.Error(err))
	}

	logPath := s.ws.LogPath(id)
	log.Info("invoking agent", zap.String("log", logPath))
	res, err := s.o.agent.Invoke(ctx, agent.Request{
		Prompt:  st.prompt,
		WorkDir: s.workDir,
		Model:   s.model,
		Timeout: s.o.agentTimeout,
		Schema:  st.schema,
		Title:   fmt.Sprintf("shepherd #%d %s", s.run.ID, stepTitle(id)),
		LogPath: logPath,
		OnEvent: s.o.onEvent,
	})
	s.out.Invocations++
	if res == nil {
		res = &agent.Result{ExitCode: agent.ExitFailure, Error: "agent returned no result"}
		if err != nil {
			res.Error = err.Error()
		}
	}
	if res.LogPath == "" {
		res.LogPath = logPath
	}
	kind := agent.KindOf(err)

	row := &models.AgentResult{
		Step:         id,
		Payload:      res.Structured,
		Duration:     res.Duration,
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		CostUSD:      res.CostUSD,
		SessionID:    res.SessionID,
		LogPath:      res.LogPath,
	}

	cancelled := kind == agent.KindCancelled || ctx.Err() != nil
	label := fmt.Sprintf("%s %s (iteration %d)", st.role, st.template, c.iteration)
	verr := s.validate(st.resultType, res.Structured, label)
	switch {
	case len(res.Structured) > 0 && verr == nil && (!res.Failed() || cancelled):
		// A payload recovered as the cancel landed still counts.
		row.Completed = true
	case res.Failed():
		row.Error = res.Error
		if row.Error == "" && err != nil {
			row.Error = err.Error()
		}
	case verr != nil:
		row.Error = verr.Error()
		kind = agent.KindProtocolViolation
	}
	if !row.Completed && row.Error == "" {
		row.Error = fmt.Sprintf("exit code %d", res.ExitCode)
	}

	if _, err := s.o.store.UpsertAgentResult(row); err != nil {
		log.Warn("failed to save agent result", zap.Error(err))
	}
	s.recordInvocation(row, res, kind)

	if cancelled {
		if err == nil {
			err = ctx.Err()
		}
		return &attempt{row: row, kind: agent.KindCancelled}, err
	}
	if !row.Completed {
		log.Warn("step did not complete", zap.String("kind", string(kind)), zap.String("error", row.Error))
	}
	return &attempt{row: row, kind: kind}, nil
}

func (s *session) validate(typ models.ResultType, raw json.RawMessage, label string) error {
	switch typ {
	case models.ResultVerdict:
		_, err := protocol.ParseReviewerVerdict(raw, label)
		return err
	case models.ResultStatus:
		_, err := protocol.ParseAuthorStatus(raw, label, s.requireCommit && s.run.Command == models.CommandPhaseExecution)
		return err
	}
	return fmt.Errorf("%s: unknown result type %q", label, typ)
}

func (s *session) recordInvocation(row *models.AgentResult, res *agent.Result, kind agent.Kind) {
	outcome := "ok"
	switch {
	case kind == agent.KindTimeout:
		outcome = "timeout"
	case kind == agent.KindCancelled:
		outcome = "cancelled"
	case !row.Completed:
		outcome = "failed"
	}
	s.o.metrics.RecordInvocation(string(row.Role), outcome, row.Duration, row.InputTokens, row.OutputTokens, row.CostUSD)

	s.event(models.EventAgentInvoke, row.Phase, intp(row.Iteration), map[string]any{
		"role":       row.Role,
		"template":   row.Template,
		"outcome":    outcome,
		"exit_code":  res.ExitCode,
		"error":      row.Error,
		"duration":   row.Duration.String(),
		"session_id": row.SessionID,
		"log_path":   row.LogPath,
		"cost_usd":   row.CostUSD,
	})

	if !row.Completed {
		s.audit(failureAudit(row.Step, row.Error, row.LogPath))
		return
	}
	switch row.ResultType {
	case models.ResultVerdict:
		if v, err := s.verdictOf(row); err == nil {
			s.audit(verdictAudit(row.Step, v, row.LogPath))
		}
	case models.ResultStatus:
		if st, err := s.statusOf(row); err == nil {
			s.audit(statusAudit(row.Step, st, row.LogPath))
		}
	}
}

// verdictOf re-derives the verdict from a stored row, so fresh and
// replayed steps route identically.
func (s *session) verdictOf(row *models.AgentResult) (*models.ReviewerVerdict, error) {
	if !row.Completed {
		return nil, stepError(row)
	}
	return protocol.ParseReviewerVerdict(row.Payload, string(row.Role)+" "+row.Template)
}

func (s *session) statusOf(row *models.AgentResult) (*models.AuthorStatus, error) {
	if !row.Completed {
		return nil, stepError(row)
	}
	return protocol.ParseAuthorStatus(row.Payload, string(row.Role)+" "+row.Template, s.requireCommit && s.run.Command == models.CommandPhaseExecution)
}

func stepError(row *models.AgentResult) error {
	if row.Error != "" {
		return errors.New(row.Error)
	}
	return errors.New("step did not complete")
}

// event appends a run event. Failures are logged and ignored.
func (s *session) event(typ models.EventType, phase string, iteration *int, payload any) {
	ev := &models.RunEvent{RunID: s.run.ID, Type: typ, Phase: phase, Iteration: iteration}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.log.Warn("failed to encode event payload", zap.String("event", string(typ)), zap.Error(err))
		} else {
			ev.Payload = data
		}
	}
	if _, err := s.o.store.AppendRunEvent(ev); err != nil {
		s.log.Warn("failed to append run event", zap.String("event", string(typ)), zap.Error(err))
	}
}

func intp(i int) *int {
	return &i
}
