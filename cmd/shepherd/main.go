package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/agent"
	"github.com/mpataki/shepherd/internal/config"
	"github.com/mpataki/shepherd/internal/deadline"
	"github.com/mpataki/shepherd/internal/gate"
	"github.com/mpataki/shepherd/internal/lock"
	"github.com/mpataki/shepherd/internal/logging"
	"github.com/mpataki/shepherd/internal/metrics"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/orchestrator"
	"github.com/mpataki/shepherd/internal/quality"
	"github.com/mpataki/shepherd/internal/storage"
	"github.com/mpataki/shepherd/internal/tui"
	"github.com/mpataki/shepherd/internal/workspace"
)

// exitError carries a process exit status through cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "shepherd",
		Short:         "Author/reviewer loops for coding agents",
		Long:          "Shepherd drives a coding agent through plan review and phase execution, with a reviewer agent checking every round.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("project", "", "Project directory for .shepherd/config.yaml (default: current directory)")

	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newBrowseCommand())
	rootCmd.AddCommand(newUnlockCommand())
	rootCmd.AddCommand(newLogsCommand())

	err := rootCmd.ExecuteContext(ctx)
	var exit *exitError
	switch {
	case errors.As(err, &exit):
		os.Exit(exit.code)
	case err != nil:
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(agent.ExitFailure)
	}
}

// env is what every command needs: configuration, a logger and the store.
type env struct {
	cfg     *config.Config
	log     *zap.Logger
	store   *storage.Store
	metrics *metrics.Metrics
}

func setup(cmd *cobra.Command) (*env, error) {
	project, _ := cmd.Flags().GetString("project")
	if project == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		project = wd
	}
	cfg, err := config.Load(project)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.New(cfg.DBPath(), storage.WithLogger(log.Named("storage")))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &env{cfg: cfg, log: log, store: store, metrics: metrics.New()}, nil
}

func (e *env) close() {
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		e.log.Warn("failed to write metrics", zap.Error(err))
	}
	e.store.Close()
	_ = e.log.Sync()
}

func (e *env) agent() agent.Agent {
	ctl := deadline.Controller{
		Timeout:    e.cfg.Agent.Timeout,
		Inactivity: e.cfg.Agent.InactivityTimeout,
		KillGrace:  e.cfg.Agent.KillGrace,
		DrainBound: e.cfg.Agent.DrainBound,
	}
	if e.cfg.Agent.Transport == config.TransportSession {
		log := e.log.Named("session")
		ctl.Logger = log
		return agent.NewSession(e.cfg.Agent.ServerURL,
			agent.WithSessionController(ctl),
			agent.WithSessionLogger(log),
			agent.WithRecovery(e.cfg.Agent.RecoveryAttempts, time.Second),
		)
	}
	log := e.log.Named("cli")
	ctl.Logger = log
	return agent.NewCLI(
		agent.WithBinary(e.cfg.Agent.Binary),
		agent.WithArgs(e.cfg.Agent.Args...),
		agent.WithMaxPromptBytes(e.cfg.Agent.MaxPromptBytes),
		agent.WithController(ctl),
		agent.WithLogger(log),
	)
}

type gates struct {
	escalation orchestrator.EscalationGate
	resume     orchestrator.ResumeGate
}

// gates picks who answers escalations: a policy script when configured,
// the person at the terminal when there is one, otherwise abort.
func (e *env) gates(automatic bool) (gates, error) {
	if e.cfg.Gate.Script != "" {
		s, err := gate.LoadScript(e.cfg.Gate.Script, gate.WithScriptLogger(e.log.Named("gate")))
		if err != nil {
			return gates{}, err
		}
		return gates{escalation: s, resume: s}, nil
	}
	if !automatic && isatty.IsTerminal(os.Stdin.Fd()) {
		t := gate.NewTerminal(os.Stdin, os.Stderr)
		return gates{escalation: t, resume: t}, nil
	}
	static := gate.Static{Decision: models.DecisionAbort, Choice: models.ResumeContinue}
	return gates{escalation: static, resume: static}, nil
}

func (e *env) orchestrator(cmd *cobra.Command) (*orchestrator.Orchestrator, error) {
	automatic, _ := cmd.Flags().GetBool("automatic")
	automatic = automatic || e.cfg.Loop.Automatic
	g, err := e.gates(automatic)
	if err != nil {
		return nil, err
	}

	maxCycles := e.cfg.Loop.MaxReviewCycles
	if n, _ := cmd.Flags().GetInt("max-cycles"); n > 0 {
		maxCycles = n
	}
	model := e.cfg.Agent.Model
	if m, _ := cmd.Flags().GetString("model"); m != "" {
		model = m
	}

	log := e.log.Named("orchestrator")
	return orchestrator.New(e.store, e.agent(),
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(e.metrics),
		orchestrator.WithEscalationGate(g.escalation),
		orchestrator.WithResumeGate(g.resume),
		orchestrator.WithLocks(lock.NewManager(e.cfg.LocksDir(), lock.WithLogger(e.log.Named("lock")))),
		orchestrator.WithLogsDir(e.cfg.LogsDir()),
		orchestrator.WithModel(model),
		orchestrator.WithAgentTimeout(e.cfg.Agent.Timeout),
		orchestrator.WithMaxReviewCycles(maxCycles),
		orchestrator.WithAutomatic(automatic),
		orchestrator.WithRequireCommit(e.cfg.Loop.RequireCommit),
		orchestrator.WithQuality(e.cfg.Quality.Commands, quality.WithTimeout(e.cfg.Quality.Timeout)),
		orchestrator.WithEventHook(func(ev agent.Event) error {
			log.Debug("agent event", zap.String("type", ev.Type), zap.String("session", ev.SessionID))
			return nil
		}),
	), nil
}

func loopFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("automatic", false, "Abort on every escalation instead of asking")
	cmd.Flags().Int("max-cycles", 0, "Review cycles before escalating (default from config)")
	cmd.Flags().String("model", "", "Agent model (default from config or plan)")
}

// report prints the outcome and converts it into the process exit status.
func report(out *orchestrator.Outcome, err error) error {
	if out == nil {
		return err
	}
	fmt.Printf("Run #%d: %s", out.RunID, out.State)
	if out.Phase != "" {
		fmt.Printf(" (phase %s, iteration %d)", out.Phase, out.Iteration)
	} else {
		fmt.Printf(" (iteration %d)", out.Iteration)
	}
	fmt.Println()
	if out.Resumed {
		fmt.Printf("Resumed: %d step(s) replayed, %d agent call(s)\n", out.Replayed, out.Invocations)
	}
	if out.Reason != "" {
		fmt.Printf("Reason: %s\n", out.Reason)
	}
	if out.LogPath != "" {
		fmt.Printf("Log: %s\n", out.LogPath)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "Run #%d can be resumed by running the same command again.\n", out.RunID)
		}
		return &exitError{code: agent.ExitFailure}
	}
	if code := out.ExitCode(); code != agent.ExitOK {
		return &exitError{code: code}
	}
	return nil
}

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <plan>",
		Short: "Review a plan until the reviewer approves it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			orch, err := e.orchestrator(cmd)
			if err != nil {
				return err
			}
			return report(orch.ReviewPlan(cmd.Context(), args[0]))
		},
	}
	loopFlags(cmd)
	return cmd
}

func newExecuteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <plan>",
		Short: "Implement a plan's phases, reviewing each one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			phases, _ := cmd.Flags().GetStringSlice("phase")
			worktree, _ := cmd.Flags().GetString("worktree")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			if worktree != "" {
				if err := associateWorktree(e, args[0], worktree); err != nil {
					return err
				}
			}
			orch, err := e.orchestrator(cmd)
			if err != nil {
				return err
			}
			return report(orch.ExecutePhases(cmd.Context(), args[0], phases))
		},
	}
	loopFlags(cmd)
	cmd.Flags().StringSlice("phase", nil, "Phase to execute (repeatable; default: every phase in the plan)")
	cmd.Flags().String("worktree", "", "Run agents in this git worktree, creating it from the plan's repository if missing")
	return cmd
}

// associateWorktree records where agents implementing the plan should run.
func associateWorktree(e *env, planPath, worktree string) error {
	abs, err := filepath.Abs(worktree)
	if err != nil {
		return err
	}
	if _, err := os.Stat(abs); os.IsNotExist(err) {
		repo, err := workspace.RepoRoot(filepath.Dir(planPath))
		if err != nil {
			return fmt.Errorf("cannot create worktree: %w", err)
		}
		if err := workspace.CreateWorktree(repo, abs); err != nil {
			return err
		}
		fmt.Printf("Created worktree %s\n", abs)
	}
	canonical, err := storage.CanonicalPath(planPath)
	if err != nil {
		return err
	}
	return e.store.SetWorktree(canonical, abs)
}

// findRun accepts a run id or a plan path, which selects the plan's
// latest run.
func findRun(store *storage.Store, arg string) (*models.Run, error) {
	if id, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return store.GetRun(id)
	}
	canonical, err := storage.CanonicalPath(arg)
	if err != nil {
		return nil, err
	}
	run, err := store.GetLatestRun(canonical)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("no runs for %s", canonical)
	}
	return run, nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id|plan>",
		Short: "Show a run's state and agent results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			run, err := findRun(e.store, args[0])
			if err != nil {
				return fmt.Errorf("failed to get run: %w", err)
			}

			fmt.Printf("Run #%d: %s %s\n", run.ID, run.Command, run.ArtifactPath)
			fmt.Printf("Status: %s\n", run.Status)
			fmt.Printf("State: %s (iteration %d)\n", run.State, run.Iteration)
			if run.Phase != "" {
				fmt.Printf("Phase: %s\n", run.Phase)
			}
			fmt.Printf("Started: %s\n", storage.FormatTimeAgo(run.CreatedAt))
			if run.Error != "" {
				fmt.Printf("Error: %s\n", run.Error)
			}

			results, err := e.store.ListAgentResults(run.ID)
			if err != nil {
				return err
			}
			if len(results) > 0 {
				fmt.Println("\nAgent results:")
				for _, r := range results {
					where := "plan"
					if r.Phase != "" {
						where = "phase " + r.Phase
					}
					outcome := "completed"
					if !r.Completed {
						outcome = "failed: " + truncate(r.Error, 60)
					}
					fmt.Printf("  %s #%d %s %s [%s] %s\n", where, r.Iteration, r.Role, r.Template, r.Duration.Round(time.Second), outcome)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := e.store.ListRuns(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No runs found.")
				return nil
			}
			for _, run := range runs {
				fmt.Printf("#%d %s [%s] %s %s\n",
					run.ID, run.Command, run.Status, run.State,
					truncate(run.ArtifactPath, 60))
			}
			return nil
		},
	}
	cmd.Flags().IntP("limit", "n", 20, "Number of runs to show")
	return cmd
}

func newBrowseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "browse",
		Short: "Browse runs, their events and agent output",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			p := tea.NewProgram(tui.NewApp(e.store), tea.WithAltScreen(), tea.WithContext(cmd.Context()))
			_, err = p.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		},
	}
}

func newUnlockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unlock <plan>",
		Short: "Remove a plan's lock left by a dead process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")

			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			locks := lock.NewManager(e.cfg.LocksDir(), lock.WithLogger(e.log.Named("lock")))
			held, alive, err := locks.Inspect(args[0])
			if err != nil {
				return err
			}
			if held == nil {
				fmt.Println("Not locked.")
				return nil
			}
			if alive && !force {
				return fmt.Errorf("locked by running process %d since %s (use --force to remove anyway)",
					held.PID, held.StartedAt.Local().Format(time.DateTime))
			}
			if err := locks.ForceRelease(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed lock held by pid %d.\n", held.PID)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "Remove the lock even if its holder is alive")
	return cmd
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id|plan>",
		Short: "List a run's agent event logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			run, err := findRun(e.store, args[0])
			if err != nil {
				return err
			}
			ws, err := workspace.Open(e.cfg.LogsDir(), run.ID)
			if err != nil {
				return err
			}
			logs, err := ws.Logs()
			if err != nil {
				return err
			}
			if len(logs) == 0 {
				fmt.Printf("No logs for run #%d.\n", run.ID)
				return nil
			}
			for _, path := range logs {
				fmt.Println(path)
			}
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
