// Package orchestrator drives the author/reviewer loops. Plan review
// alternates a reviewer and a fixing author over a plan document until the
// reviewer is satisfied; phase execution has the author implement each
// phase, runs quality checks, and reviews the result the same way.
//
// Every step is persisted before the loop moves on, so a run interrupted
// at any point resumes from its stored state without repeating agent calls
// that already completed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/agent"
	"github.com/mpataki/shepherd/internal/gate"
	"github.com/mpataki/shepherd/internal/lock"
	"github.com/mpataki/shepherd/internal/metrics"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/plan"
	"github.com/mpataki/shepherd/internal/quality"
	"github.com/mpataki/shepherd/internal/storage"
	"github.com/mpataki/shepherd/internal/workspace"
)

const DefaultMaxReviewCycles = 5

var (
	// ErrLocked means another live process is working on the plan.
	ErrLocked = errors.New("plan is locked by another process")
	// ErrDeclined means the resume gate chose to abort instead of
	// resuming or starting fresh.
	ErrDeclined = errors.New("unfinished run left untouched")
)

// EscalationGate decides what happens when the loop cannot proceed on its
// own.
type EscalationGate interface {
	Decide(ctx context.Context, ev models.EscalationEvent) (models.Decision, error)
}

// ResumeGate decides what to do with an unfinished run for the same plan.
type ResumeGate interface {
	Resume(ctx context.Context, run *models.Run) (models.ResumeChoice, error)
}

type Orchestrator struct {
	store      *storage.Store
	agent      agent.Agent
	log        *zap.Logger
	metrics    *metrics.Metrics
	escalation EscalationGate
	resume     ResumeGate
	locks      *lock.Manager

	logsDir         string
	workDir         string
	model           string
	agentTimeout    time.Duration
	maxReviewCycles int
	automatic       bool
	requireCommit   bool
	qualityCommands []string
	qualityOpts     []quality.Option
	onEvent         func(agent.Event) error
}

type Option func(*Orchestrator)

func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithEscalationGate(g EscalationGate) Option {
	return func(o *Orchestrator) { o.escalation = g }
}

func WithResumeGate(g ResumeGate) Option {
	return func(o *Orchestrator) { o.resume = g }
}

// WithLocks serializes runs per plan across processes.
func WithLocks(m *lock.Manager) Option {
	return func(o *Orchestrator) { o.locks = m }
}

// WithLogsDir sets where per-run event logs are written.
func WithLogsDir(dir string) Option {
	return func(o *Orchestrator) { o.logsDir = dir }
}

// WithWorkDir fixes the directory agents run in. Without it agents run in
// the plan's worktree association, or else the root of the repository
// containing the plan.
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

func WithModel(model string) Option {
	return func(o *Orchestrator) { o.model = model }
}

func WithAgentTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.agentTimeout = d }
}

func WithMaxReviewCycles(n int) Option {
	return func(o *Orchestrator) { o.maxReviewCycles = n }
}

// WithAutomatic makes every escalation abort without consulting a gate.
func WithAutomatic(automatic bool) Option {
	return func(o *Orchestrator) { o.automatic = automatic }
}

func WithRequireCommit(require bool) Option {
	return func(o *Orchestrator) { o.requireCommit = require }
}

// WithQuality sets the commands run after each implementation step.
func WithQuality(commands []string, opts ...quality.Option) Option {
	return func(o *Orchestrator) {
		o.qualityCommands = commands
		o.qualityOpts = opts
	}
}

// WithEventHook observes every agent event, e.g. for console display.
func WithEventHook(fn func(agent.Event) error) Option {
	return func(o *Orchestrator) { o.onEvent = fn }
}

func New(store *storage.Store, a agent.Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		agent:           a,
		log:             zap.NewNop(),
		escalation:      gate.Static{Decision: models.DecisionAbort},
		resume:          gate.Static{Choice: models.ResumeContinue},
		logsDir:         filepath.Join(".shepherd", "logs"),
		maxReviewCycles: DefaultMaxReviewCycles,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.maxReviewCycles < 1 {
		o.maxReviewCycles = 1
	}
	return o
}

// Outcome is how a loop ended as seen by this process.
type Outcome struct {
	RunID     int64
	Command   models.Command
	State     models.State
	Phase     string
	Iteration int
	// Reason explains a non-successful end.
	Reason  string
	LogPath string
	// TimedOut is set when the run aborted because an agent timed out.
	TimedOut bool
	Resumed  bool
	// Invocations counts agent calls made; Replayed counts steps answered
	// from stored results.
	Invocations int
	Replayed    int
}

func (o *Outcome) Succeeded() bool {
	return o.State == models.StateApproved || o.State == models.StateDone
}

// ExitCode maps the outcome onto the process exit status.
func (o *Outcome) ExitCode() int {
	switch {
	case o.Succeeded():
		return agent.ExitOK
	case o.TimedOut:
		return agent.ExitTimeout
	}
	return agent.ExitFailure
}

// session is one run being driven by this process.
type session struct {
	o             *Orchestrator
	run           *models.Run
	plan          *plan.Plan
	ws            *workspace.Workspace
	workDir       string
	model         string
	maxCycles     int
	requireCommit bool
	quality       *quality.Runner
	resumed       bool
	out           *Outcome
	log           *zap.Logger
}

// begin loads the plan, takes the lock and resolves which run to drive.
// The returned release func must be called when done.
func (o *Orchestrator) begin(ctx context.Context, planPath string, cmd models.Command) (*session, func(), error) {
	p, err := plan.Load(planPath)
	if err != nil {
		return nil, nil, err
	}
	canonical, err := storage.CanonicalPath(planPath)
	if err != nil {
		return nil, nil, err
	}

	release := func() {}
	if o.locks != nil {
		acq, err := o.locks.Acquire(canonical)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if !acq.Acquired {
			return nil, nil, fmt.Errorf("%w (pid %d, since %s)", ErrLocked, acq.Existing.PID, acq.Existing.StartedAt.Local().Format(time.DateTime))
		}
		if acq.Stale {
			o.log.Warn("reclaimed stale lock", zap.String("plan", canonical), zap.Int("dead_pid", acq.Existing.PID))
		}
		release = func() {
			if err := o.locks.Release(canonical); err != nil {
				o.log.Warn("failed to release lock", zap.String("plan", canonical), zap.Error(err))
			}
		}
	}

	run, resumed, err := o.resolveRun(ctx, canonical, cmd)
	if err != nil {
		release()
		return nil, nil, err
	}

	s := &session{
		o:             o,
		run:           run,
		plan:          p,
		model:         o.model,
		maxCycles:     o.maxReviewCycles,
		requireCommit: o.requireCommit,
		resumed:       resumed,
		out:           &Outcome{RunID: run.ID, Command: cmd, State: run.State, Phase: run.Phase, Iteration: run.Iteration, Resumed: resumed},
		log:           o.log.With(zap.Int64("run", run.ID), zap.String("command", string(cmd))),
	}
	if p.Meta.Model != "" {
		s.model = p.Meta.Model
	}
	if p.Meta.MaxReviewCycles > 0 {
		s.maxCycles = p.Meta.MaxReviewCycles
	}
	if p.Meta.RequireCommit != nil {
		s.requireCommit = *p.Meta.RequireCommit
	}
	commands := o.qualityCommands
	if len(p.Meta.Quality) > 0 {
		commands = p.Meta.Quality
	}
	if cmd == models.CommandPhaseExecution && len(commands) > 0 {
		s.quality = quality.NewRunner(commands, append(o.qualityOpts, quality.WithLogger(s.log))...)
	}

	if s.ws, err = workspace.Create(o.logsDir, run.ID); err != nil {
		release()
		return nil, nil, err
	}
	if s.workDir, err = o.resolveWorkDir(canonical, cmd); err != nil {
		release()
		return nil, nil, err
	}

	typ := models.EventRunStarted
	if resumed {
		typ = models.EventRunResumed
	}
	s.event(typ, run.Phase, nil, map[string]any{"work_dir": s.workDir, "state": run.State, "iteration": run.Iteration})
	s.log.Info("run started", zap.Bool("resumed", resumed), zap.String("state", string(run.State)), zap.Int("iteration", run.Iteration), zap.String("work_dir", s.workDir))
	return s, release, nil
}

// resolveRun returns the active run for the plan when the resume gate
// says so, or a fresh one.
func (o *Orchestrator) resolveRun(ctx context.Context, canonical string, cmd models.Command) (*models.Run, bool, error) {
	active, err := o.store.GetActiveRun(canonical)
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up active run: %w", err)
	}
	if active != nil {
		choice, err := o.resume.Resume(ctx, active)
		if err != nil {
			return nil, false, fmt.Errorf("resume decision: %w", err)
		}
		o.log.Info("found unfinished run", zap.Int64("run", active.ID), zap.String("choice", string(choice)))
		switch choice {
		case models.ResumeContinue:
			if active.Command != cmd {
				return nil, false, fmt.Errorf("run #%d is a %s run; finish it with the matching command or start fresh", active.ID, active.Command)
			}
			active.State = models.NormalizeState(cmd, active.State)
			if active.Iteration < 1 {
				active.Iteration = 1
			}
			return active, true, nil
		case models.ResumeStartFresh:
			if err := o.store.UpdateRunStatus(active.ID, models.RunStatusAborted, "abandoned for a fresh run"); err != nil {
				return nil, false, err
			}
		default:
			return nil, false, fmt.Errorf("run #%d: %w", active.ID, ErrDeclined)
		}
	}

	state := models.StateReview
	if cmd == models.CommandPhaseExecution {
		state = models.StateExecute
	}
	run := &models.Run{ArtifactPath: canonical, Command: cmd, State: state, Iteration: 1}
	if _, err := o.store.CreateRun(run); err != nil {
		return nil, false, err
	}
	return run, false, nil
}

func (o *Orchestrator) resolveWorkDir(canonical string, cmd models.Command) (string, error) {
	if o.workDir != "" {
		return filepath.Abs(o.workDir)
	}
	if cmd == models.CommandPhaseExecution {
		wt, err := o.store.GetWorktree(canonical)
		if err != nil {
			return "", err
		}
		if wt != "" {
			return wt, nil
		}
	}
	dir := filepath.Dir(canonical)
	if root, err := workspace.RepoRoot(dir); err == nil {
		return root, nil
	}
	return dir, nil
}

// ReviewPlan runs the plan-review loop until the reviewer approves, a
// gate approves or aborts, or ctx ends. A cancelled run stays active and
// can be resumed.
func (o *Orchestrator) ReviewPlan(ctx context.Context, planPath string) (*Outcome, error) {
	s, release, err := o.begin(ctx, planPath, models.CommandPlanReview)
	if err != nil {
		return nil, err
	}
	defer release()

	final, err := s.drive(ctx, "", s.run.State, s.run.Iteration)
	if err != nil {
		return s.out, s.stopped(err)
	}
	s.finish(final)
	return s.out, nil
}

// ExecutePhases implements the given phases, or every phase of the plan
// when none are given, in canonical order. Phases already finished by a
// resumed run are skipped.
func (o *Orchestrator) ExecutePhases(ctx context.Context, planPath string, phases []string) (*Outcome, error) {
	s, release, err := o.begin(ctx, planPath, models.CommandPhaseExecution)
	if err != nil {
		return nil, err
	}
	defer release()

	ids, err := s.phaseList(phases)
	if err != nil {
		s.out.State = models.StateAborted
		s.out.Reason = err.Error()
		s.finish(models.StateAborted)
		return s.out, err
	}

	for _, phase := range ids {
		if s.phaseDone(phase) {
			s.log.Debug("phase already done", zap.String("phase", phase))
			continue
		}

		state, iteration := models.StateExecute, 1
		if s.resumed && phase == s.run.Phase {
			state, iteration = s.run.State, s.run.Iteration
		} else {
			s.event(models.EventPhaseStarted, phase, intp(1), nil)
		}
		if state.Terminal() && state != models.StateAborted {
			// Crashed after the phase ended but before phase_done was written.
			state = models.StateDone
		}

		final, err := s.drive(ctx, phase, state, iteration)
		if err != nil {
			return s.out, s.stopped(err)
		}
		if final != models.StateDone {
			s.finish(final)
			return s.out, nil
		}
		s.event(models.EventPhaseDone, phase, intp(s.out.Iteration), nil)
		s.log.Info("phase done", zap.String("phase", phase), zap.Int("iteration", s.out.Iteration))
	}

	s.finish(models.StateDone)
	return s.out, nil
}

func (s *session) phaseList(requested []string) ([]string, error) {
	ids := requested
	if len(ids) == 0 {
		ids = s.plan.PhaseIDs()
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%s has no phases", s.run.ArtifactPath)
	}
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool)
	for _, id := range ids {
		if _, err := models.ParsePhase(id); err != nil {
			return nil, err
		}
		if _, ok := s.plan.Phase(id); !ok && len(s.plan.Phases) > 0 {
			return nil, fmt.Errorf("phase %s not found in %s", id, s.run.ArtifactPath)
		}
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	models.SortPhases(out)
	return out, nil
}

func (s *session) phaseDone(phase string) bool {
	ev, err := s.o.store.LatestRunEvent(s.run.ID, models.EventPhaseDone, phase)
	if err != nil {
		s.log.Warn("failed to check phase completion", zap.String("phase", phase), zap.Error(err))
		return false
	}
	return ev != nil
}

// finish records a terminal state.
func (s *session) finish(state models.State) {
	s.out.State = state
	status := models.RunStatusAborted
	if s.out.Succeeded() {
		status = models.RunStatusCompleted
		s.out.Reason = ""
	}
	if err := s.o.store.UpdateRunProgress(s.run.ID, state, s.out.Phase, s.out.Iteration); err != nil {
		s.log.Warn("failed to save final state", zap.Error(err))
	}
	if err := s.o.store.UpdateRunStatus(s.run.ID, status, s.out.Reason); err != nil {
		s.log.Warn("failed to save run status", zap.Error(err))
	}
	s.event(models.EventRunFinished, s.out.Phase, intp(s.out.Iteration), map[string]any{
		"state": state, "reason": s.out.Reason, "invocations": s.out.Invocations, "replayed": s.out.Replayed,
	})

	e := auditEntry{Title: fmt.Sprintf("%s finished: %s", s.run.Command, state)}
	if s.out.Reason != "" {
		e.Lines = append(e.Lines, "reason: "+s.out.Reason)
	}
	if s.out.LogPath != "" {
		e.Lines = append(e.Lines, "log: "+s.out.LogPath)
	}
	s.audit(e)
	s.log.Info("run finished", zap.String("state", string(state)), zap.String("reason", s.out.Reason),
		zap.Int("invocations", s.out.Invocations), zap.Int("replayed", s.out.Replayed))
}

// stopped handles a loop that ended without reaching a terminal state.
// Cancellation leaves the run active for a later resume; anything else
// marks it failed.
func (s *session) stopped(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || agent.KindOf(err) == agent.KindCancelled {
		s.out.Reason = "interrupted"
		s.log.Warn("run interrupted; it can be resumed", zap.String("state", string(s.out.State)), zap.Int("iteration", s.out.Iteration))
		return err
	}
	s.out.Reason = err.Error()
	if uerr := s.o.store.UpdateRunStatus(s.run.ID, models.RunStatusFailed, err.Error()); uerr != nil {
		s.log.Warn("failed to mark run failed", zap.Error(uerr))
	}
	s.log.Error("run failed", zap.Error(err))
	return err
}
