// Package quality runs a phase's check commands (tests, linters) in the
// agent's working directory once the author reports the phase complete.
package quality

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/deadline"
	"github.com/mpataki/shepherd/internal/models"
	"github.com/mpataki/shepherd/internal/stream"
)

// OutputTailBytes bounds the output kept per command.
const OutputTailBytes = 16 * 1024

type Runner struct {
	commands []string
	shell    string
	ctl      deadline.Controller
	log      *zap.Logger
}

type Option func(*Runner)

// WithTimeout bounds each command.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.ctl.Timeout = d }
}

func WithController(ctl deadline.Controller) Option {
	return func(r *Runner) { r.ctl = ctl }
}

func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

func NewRunner(commands []string, opts ...Option) *Runner {
	r := &Runner{commands: commands, shell: "sh", log: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	r.ctl.Logger = r.log
	return r
}

func (r *Runner) Commands() []string {
	return r.commands
}

// Run executes every command in order, continuing past failures so the
// author sees all of them. passed is true when every command exited 0.
// The error is non-nil only when ctx was cancelled.
func (r *Runner) Run(ctx context.Context, dir string) ([]models.QualityOutput, bool, error) {
	outputs := make([]models.QualityOutput, 0, len(r.commands))
	passed := true
	for _, command := range r.commands {
		out, err := r.runOne(ctx, dir, command)
		if err != nil {
			return outputs, false, err
		}
		outputs = append(outputs, out)
		if out.ExitCode != 0 {
			passed = false
		}
	}
	return outputs, passed, nil
}

func (r *Runner) runOne(ctx context.Context, dir, command string) (models.QualityOutput, error) {
	log := r.log.With(zap.String("command", command))
	out := models.QualityOutput{Command: command}

	cctx, _, cancel := r.ctl.Context(ctx)
	defer cancel()

	pr, pw, err := os.Pipe()
	if err != nil {
		return out, fmt.Errorf("create pipe: %w", err)
	}
	cmd := exec.Command(r.shell, "-c", command)
	cmd.Dir = dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	deadline.Configure(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		out.ExitCode = 127
		out.Output = err.Error()
		log.Warn("quality command did not start", zap.Error(err))
		return out, nil
	}
	pw.Close()

	tail := stream.NewTail(OutputTailBytes)
	copied := make(chan struct{})
	go func() {
		defer close(copied)
		_, _ = io.Copy(tail, pr)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	exit := r.ctl.Supervise(cctx, deadline.Group(cmd), exited)
	if r.ctl.Drain(copied, func() { pr.Close() }) {
		out.Output = tail.String()
	}
	pr.Close()

	switch {
	case exit.Reason == nil:
		out.ExitCode = exitCode(exit.Err)
	case deadline.IsTimeout(exit.Reason):
		out.ExitCode = 124
		out.TimedOut = true
		out.Output = strings.TrimRight(out.Output, "\n") + fmt.Sprintf("\n[timed out after %s]", r.ctl.Timeout)
	default:
		return out, fmt.Errorf("quality check %q: %w", command, exit.Reason)
	}
	log.Info("quality command finished", zap.Int("exit_code", out.ExitCode), zap.Duration("duration", time.Since(start)))
	return out, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return exitErr.ExitCode()
	}
	return 1
}

// Summary renders failing outputs for a fix prompt.
func Summary(outputs []models.QualityOutput) string {
	var b strings.Builder
	for _, o := range outputs {
		if o.ExitCode == 0 {
			continue
		}
		fmt.Fprintf(&b, "$ %s  (exit %d)\n%s\n\n", o.Command, o.ExitCode, strings.TrimSpace(o.Output))
	}
	return strings.TrimSpace(b.String())
}
