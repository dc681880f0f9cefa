package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpataki/shepherd/internal/agent"
	"github.com/mpataki/shepherd/internal/gate"
	"github.com/mpataki/shepherd/internal/lock"
	"github.com/mpataki/shepherd/internal/metrics"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/storage"
)

type reply func(ctx context.Context, req agent.Request) (*agent.Result, error)

// scriptedAgent answers invocations in order and fails the test when it
// runs out of replies.
type scriptedAgent struct {
	t       *testing.T
	mu      sync.Mutex
	replies []reply
	calls   []agent.Request
}

func (a *scriptedAgent) Invoke(ctx context.Context, req agent.Request) (*agent.Result, error) {
	a.mu.Lock()
	n := len(a.calls)
	a.calls = append(a.calls, req)
	a.mu.Unlock()
	if n >= len(a.replies) {
		a.t.Errorf("unexpected invocation %d: %s", n+1, firstLine(req.Prompt))
		return &agent.Result{ExitCode: agent.ExitFailure, Error: "no reply scripted"}, &agent.Error{Kind: agent.KindNonZeroExit}
	}
	return a.replies[n](ctx, req)
}

func (a *scriptedAgent) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

func structured(t *testing.T, v any) reply {
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return func(ctx context.Context, req agent.Request) (*agent.Result, error) {
		return &agent.Result{ExitCode: agent.ExitOK, Structured: data, InputTokens: 10, OutputTokens: 5}, nil
	}
}

func verdict(t *testing.T, readiness models.Readiness, items ...models.VerdictItem) reply {
	return structured(t, models.ReviewerVerdict{Readiness: readiness, Items: items, Summary: "reviewed"})
}

func complete(t *testing.T) reply {
	return structured(t, models.AuthorStatus{Result: models.AuthorComplete, Summary: "done"})
}

func autoFix(id string) models.VerdictItem {
	return models.VerdictItem{ID: id, Title: "fix " + id, Action: models.ActionAutoFix}
}

func humanRequired(id string) models.VerdictItem {
	return models.VerdictItem{ID: id, Title: "decide " + id, Action: models.ActionHumanRequired, Reason: "product call"}
}

// countingGate records every question it is asked.
type countingGate struct {
	decisions []models.Decision
	asked     []models.EscalationEvent
}

func (g *countingGate) Decide(ctx context.Context, ev models.EscalationEvent) (models.Decision, error) {
	g.asked = append(g.asked, ev)
	if len(g.asked) > len(g.decisions) {
		return models.DecisionAbort, nil
	}
	return g.decisions[len(g.asked)-1], nil
}

type fixture struct {
	store *storage.Store
	dir   string
	plan  string
}

const planDoc = `---
title: Widget service
---
# Widget service

Build the widget service.

## Phase 1: Storage

Add the widget table.

## Phase 2: API

Serve widgets over HTTP.
`

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	store, err := storage.New(filepath.Join(dir, "shepherd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	plan := filepath.Join(dir, "plan.md")
	require.NoError(t, os.WriteFile(plan, []byte(planDoc), 0o644))
	return &fixture{store: store, dir: dir, plan: plan}
}

func (f *fixture) orchestrator(a agent.Agent, opts ...Option) *Orchestrator {
	base := []Option{WithWorkDir(f.dir), WithLogsDir(filepath.Join(f.dir, "logs"))}
	return New(f.store, a, append(base, opts...)...)
}

func (f *fixture) events(t *testing.T, runID int64, typ models.EventType) []*models.RunEvent {
	t.Helper()
	all, err := f.store.ListRunEvents(runID)
	require.NoError(t, err)
	var out []*models.RunEvent
	for _, ev := range all {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestReviewPlanFixThenApprove(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessNotReady, autoFix("A1")),
		complete(t),
		verdict(t, models.ReadinessReady),
	}}
	m := metrics.New()

	out, err := f.orchestrator(a, WithMetrics(m)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, 2, out.Iteration)
	assert.Equal(t, 3, out.Invocations)
	assert.Equal(t, 0, out.ExitCode())
	assert.Contains(t, a.calls[1].Prompt, "A1")
	assert.Equal(t, f.dir, a.calls[0].WorkDir)
	assert.NotEmpty(t, a.calls[0].Schema)

	run, err := f.store.GetRun(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, models.StateApproved, run.State)

	rows, err := f.store.ListAgentResults(out.RunID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.True(t, r.Completed, "%s %s", r.Role, r.Template)
	}

	audit, err := os.ReadFile(filepath.Join(f.dir, "plan.review.md"))
	require.NoError(t, err)
	assert.Contains(t, string(audit), "A1")
	assert.Len(t, f.events(t, out.RunID, models.EventRunFinished), 1)
}

func TestHumanRequiredAbortsInAutomaticMode(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessReadyWithCorrections, autoFix("A1"), humanRequired("H1")),
	}}
	g := &countingGate{}

	out, err := f.orchestrator(a, WithAutomatic(true), WithEscalationGate(g)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateAborted, out.State)
	assert.Empty(t, g.asked)
	assert.Equal(t, 1, out.ExitCode())
	assert.Contains(t, out.Reason, "need a human")

	run, err := f.store.GetRun(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, run.Status)

	decisions := f.events(t, out.RunID, models.EventHumanDecision)
	require.Len(t, decisions, 1)
	var rec decisionRecord
	require.NoError(t, json.Unmarshal(decisions[0].Payload, &rec))
	assert.Equal(t, models.DecisionAbort, rec.Decision)
	assert.True(t, rec.Automatic)
}

func TestHumanRequiredWinsOverReady(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessReady, humanRequired("H1")),
	}}
	g := &countingGate{decisions: []models.Decision{models.DecisionApprove}}

	out, err := f.orchestrator(a, WithEscalationGate(g)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateApproved, out.State)
	require.Len(t, g.asked, 1)
	assert.Equal(t, models.StateReview, g.asked[0].From)
	require.Len(t, g.asked[0].Items, 1)
	assert.Equal(t, "H1", g.asked[0].Items[0].ID)
	assert.Equal(t, out.RunID, g.asked[0].RunID)
}

func TestCycleCapEscalates(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessNotReady, autoFix("A1")),
		complete(t),
	}}

	out, err := f.orchestrator(a, WithMaxReviewCycles(1), WithAutomatic(true)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateAborted, out.State)
	assert.Contains(t, out.Reason, "limit of 1 review cycles")
	assert.Equal(t, 2, a.count())
}

func TestContinueExtendsBudget(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessNotReady, autoFix("A1")),
		complete(t),
		verdict(t, models.ReadinessReady),
	}}
	g := &countingGate{decisions: []models.Decision{models.DecisionContinue}}

	out, err := f.orchestrator(a, WithMaxReviewCycles(1), WithEscalationGate(g)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, 2, out.Iteration)
	assert.Len(t, g.asked, 1)

	decisions := f.events(t, out.RunID, models.EventHumanDecision)
	require.Len(t, decisions, 1)
	var rec decisionRecord
	require.NoError(t, json.Unmarshal(decisions[0].Payload, &rec))
	assert.Equal(t, models.DecisionContinue, rec.Decision)
	assert.Equal(t, 2, rec.Budget)
}

func TestGateErrorAborts(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		structured(t, map[string]any{"readiness": "maybe"}),
	}}

	out, err := f.orchestrator(a, WithEscalationGate(failingGate{})).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)
	assert.Equal(t, models.StateAborted, out.State)
	assert.Contains(t, out.Reason, "gate unavailable")
	assert.Contains(t, out.Reason, "readiness")
}

type failingGate struct{}

func (failingGate) Decide(context.Context, models.EscalationEvent) (models.Decision, error) {
	return "", errors.New("gate unavailable")
}

func TestAgentTimeoutReportsTimedOut(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		func(ctx context.Context, req agent.Request) (*agent.Result, error) {
			return &agent.Result{ExitCode: agent.ExitTimeout, Error: "agent timed out after 1s"},
				&agent.Error{Kind: agent.KindTimeout, Op: "cli invoke", Err: agent.ErrTimeout}
		},
	}}

	out, err := f.orchestrator(a, WithAutomatic(true)).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)
	assert.Equal(t, models.StateAborted, out.State)
	assert.True(t, out.TimedOut)
	assert.Equal(t, agent.ExitTimeout, out.ExitCode())
}

func TestResumeReplaysCompletedSteps(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessNotReady, autoFix("A1")),
		complete(t),
		func(ctx context.Context, req agent.Request) (*agent.Result, error) {
			cancel()
			return &agent.Result{ExitCode: agent.ExitFailure, Error: "cancelled"},
				&agent.Error{Kind: agent.KindCancelled, Err: agent.ErrCancelled}
		},
	}}
	out, err := f.orchestrator(first).ReviewPlan(ctx, f.plan)
	require.Error(t, err)
	assert.Equal(t, "interrupted", out.Reason)

	run, err := f.store.GetRun(out.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusActive, run.Status)
	assert.Equal(t, models.StateReview, run.State)
	assert.Equal(t, 2, run.Iteration)

	second := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessReady),
	}}
	out, err = f.orchestrator(second, WithResumeGate(gate.Static{Choice: models.ResumeContinue})).
		ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.True(t, out.Resumed)
	assert.Equal(t, run.ID, out.RunID)
	assert.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, 2, out.Iteration)
	assert.Equal(t, 1, second.count())
	assert.Len(t, f.events(t, out.RunID, models.EventRunResumed), 1)
}

func TestResumeAfterCrashReplaysStoredResults(t *testing.T) {
	f := newFixture(t)
	first := &scriptedAgent{t: t, replies: []reply{
		verdict(t, models.ReadinessNotReady, autoFix("A1")),
	}}
	// Simulate a crash right after the review was stored.
	crashed := f.orchestrator(first)
	s, release, err := crashed.begin(context.Background(), f.plan, models.CommandPlanReview)
	require.NoError(t, err)
	c := &cursor{state: models.StateReview, iteration: 1, limit: 5}
	next, err := s.review(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, models.StateAutoFix, next)
	release()

	second := &scriptedAgent{t: t, replies: []reply{
		complete(t),
		verdict(t, models.ReadinessReady),
	}}
	out, err := f.orchestrator(second).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, models.StateApproved, out.State)
	assert.Equal(t, 1, out.Replayed)
	assert.Equal(t, 2, out.Invocations)
	assert.Contains(t, second.calls[0].Prompt, "A1")
}

func TestResumeOfAbortedRunKeepsReason(t *testing.T) {
	f := newFixture(t)
	canonical, err := storage.CanonicalPath(f.plan)
	require.NoError(t, err)
	run := &models.Run{ArtifactPath: canonical, Command: models.CommandPlanReview, State: models.StateAborted, Iteration: 2}
	_, err = f.store.CreateRun(run)
	require.NoError(t, err)

	payload, err := json.Marshal(escalation{
		EscalationEvent: models.EscalationEvent{
			RunID: run.ID, From: models.StateReview, Reason: "agent timed out after 1s",
			Iteration: 2, LogPath: "/tmp/review.log",
		},
		TimedOut: true,
	})
	require.NoError(t, err)
	_, err = f.store.AppendRunEvent(&models.RunEvent{RunID: run.ID, Type: models.EventEscalation, Iteration: intp(2), Payload: payload})
	require.NoError(t, err)

	a := &scriptedAgent{t: t}
	out, err := f.orchestrator(a).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Zero(t, a.count())
	assert.Equal(t, models.StateAborted, out.State)
	assert.Equal(t, "agent timed out after 1s", out.Reason)
	assert.Equal(t, "/tmp/review.log", out.LogPath)
	assert.True(t, out.TimedOut)
	assert.Equal(t, agent.ExitTimeout, out.ExitCode())

	stored, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, stored.Status)
	assert.Equal(t, "agent timed out after 1s", stored.Error)
}

func TestResumeOfAbortedRunWithoutEscalation(t *testing.T) {
	f := newFixture(t)
	canonical, err := storage.CanonicalPath(f.plan)
	require.NoError(t, err)
	run := &models.Run{ArtifactPath: canonical, Command: models.CommandPlanReview, State: models.StateAborted, Iteration: 1}
	_, err = f.store.CreateRun(run)
	require.NoError(t, err)

	out, err := f.orchestrator(&scriptedAgent{t: t}).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.Equal(t, "run aborted before it was interrupted", out.Reason)
	assert.False(t, out.TimedOut)
	assert.Equal(t, 1, out.ExitCode())
	stored, err := f.store.GetRun(run.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Error)
}

func TestResumeGateDeclines(t *testing.T) {
	f := newFixture(t)
	canonical, err := storage.CanonicalPath(f.plan)
	require.NoError(t, err)
	_, err = f.store.CreateRun(&models.Run{ArtifactPath: canonical, Command: models.CommandPlanReview, State: models.StateReview, Iteration: 1})
	require.NoError(t, err)

	a := &scriptedAgent{t: t}
	_, err = f.orchestrator(a, WithResumeGate(gate.Static{Choice: models.ResumeAbort})).ReviewPlan(context.Background(), f.plan)
	assert.ErrorIs(t, err, ErrDeclined)
	assert.Zero(t, a.count())
}

func TestStartFreshAbandonsActiveRun(t *testing.T) {
	f := newFixture(t)
	canonical, err := storage.CanonicalPath(f.plan)
	require.NoError(t, err)
	old := &models.Run{ArtifactPath: canonical, Command: models.CommandPlanReview, State: models.StateAutoFix, Iteration: 3}
	_, err = f.store.CreateRun(old)
	require.NoError(t, err)

	a := &scriptedAgent{t: t, replies: []reply{verdict(t, models.ReadinessReady)}}
	out, err := f.orchestrator(a, WithResumeGate(gate.Static{Choice: models.ResumeStartFresh})).ReviewPlan(context.Background(), f.plan)
	require.NoError(t, err)

	assert.NotEqual(t, old.ID, out.RunID)
	assert.Equal(t, 1, out.Iteration)
	prev, err := f.store.GetRun(old.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusAborted, prev.Status)
}

func TestLockedPlanIsRefused(t *testing.T) {
	f := newFixture(t)
	locks := filepath.Join(f.dir, "locks")
	holder := lock.NewManager(locks, lock.WithPID(os.Getppid()))
	acq, err := holder.Acquire(f.plan)
	require.NoError(t, err)
	require.True(t, acq.Acquired)

	a := &scriptedAgent{t: t}
	_, err = f.orchestrator(a, WithLocks(lock.NewManager(locks))).ReviewPlan(context.Background(), f.plan)
	assert.ErrorIs(t, err, ErrLocked)
	assert.Zero(t, a.count())
}

func TestExecutePhasesWithQuality(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		complete(t),
		verdict(t, models.ReadinessReady),
		complete(t),
		verdict(t, models.ReadinessReady),
	}}

	out, err := f.orchestrator(a, WithQuality([]string{"true"})).ExecutePhases(context.Background(), f.plan, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, out.State)
	assert.Equal(t, "2", out.Phase)
	assert.Equal(t, 4, out.Invocations)
	assert.Contains(t, a.calls[0].Prompt, "Add the widget table")
	assert.Contains(t, a.calls[2].Prompt, "Serve widgets over HTTP")

	done := f.events(t, out.RunID, models.EventPhaseDone)
	require.Len(t, done, 2)
	assert.Equal(t, "1", done[0].Phase)
	assert.Equal(t, "2", done[1].Phase)

	for _, phase := range []string{"1", "2"} {
		q, err := f.store.GetQualityResult(out.RunID, phase, 1)
		require.NoError(t, err)
		require.NotNil(t, q, phase)
		assert.True(t, q.Passed)
	}
}

func TestQualityFailureFeedsAutoFix(t *testing.T) {
	f := newFixture(t)
	marker := filepath.Join(f.dir, "fixed")
	a := &scriptedAgent{t: t, replies: []reply{
		complete(t),
		func(ctx context.Context, req agent.Request) (*agent.Result, error) {
			assert.Contains(t, req.Prompt, "test -f fixed")
			require.NoError(t, os.WriteFile(marker, nil, 0o644))
			return complete(t)(ctx, req)
		},
		verdict(t, models.ReadinessReady),
	}}

	out, err := f.orchestrator(a, WithQuality([]string{"test -f fixed"})).ExecutePhases(context.Background(), f.plan, []string{"1"})
	require.NoError(t, err)

	assert.Equal(t, models.StateDone, out.State)
	assert.Equal(t, 2, out.Iteration)
	assert.Equal(t, 3, out.Invocations)

	q, err := f.store.GetQualityResult(out.RunID, "1", 1)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.False(t, q.Passed)
	q, err = f.store.GetQualityResult(out.RunID, "1", 2)
	require.NoError(t, err)
	require.NotNil(t, q)
	assert.True(t, q.Passed)
}

func TestExecuteUnknownPhase(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t}
	out, err := f.orchestrator(a).ExecutePhases(context.Background(), f.plan, []string{"7"})
	require.Error(t, err)
	assert.Equal(t, models.StateAborted, out.State)
	assert.Zero(t, a.count())
}

func TestAuthorNeedsHumanEscalatesFromExecute(t *testing.T) {
	f := newFixture(t)
	a := &scriptedAgent{t: t, replies: []reply{
		structured(t, models.AuthorStatus{Result: models.AuthorNeedsHuman, Reason: "credentials missing"}),
		complete(t),
		verdict(t, models.ReadinessReady),
	}}
	g := &countingGate{decisions: []models.Decision{models.DecisionContinue}}

	out, err := f.orchestrator(a, WithEscalationGate(g)).ExecutePhases(context.Background(), f.plan, []string{"1"})
	require.NoError(t, err)

	require.Len(t, g.asked, 1)
	assert.Equal(t, models.StateExecute, g.asked[0].From)
	assert.Contains(t, g.asked[0].Reason, "credentials missing")
	assert.Equal(t, models.StateDone, out.State)
	assert.Equal(t, 2, out.Iteration)
	assert.Contains(t, a.calls[1].Title, tmplImplement+" · iteration 2")
}

func TestOutcomeExitCode(t *testing.T) {
	assert.Equal(t, 0, (&Outcome{State: models.StateDone}).ExitCode())
	assert.Equal(t, 124, (&Outcome{State: models.StateAborted, TimedOut: true}).ExitCode())
	assert.Equal(t, 1, (&Outcome{State: models.StateAborted}).ExitCode())
	assert.Equal(t, 1, (&Outcome{State: models.StateReview}).ExitCode())
}
