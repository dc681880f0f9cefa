package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mpataki/shepherd/internal/deadline"
	"github.com/mpataki/shepherd/internal/protocol"
	"github.com/mpataki/shepherd/internal/stream"
)

// DefaultMaxPromptBytes stays under the per-argument limit most kernels
// enforce (128 KiB on Linux) with room left for the other arguments.
const DefaultMaxPromptBytes = 100 * 1024

const DefaultBinary = "claude"

type CLI struct {
	binary    string
	args      []string
	env       []string
	maxPrompt int
	ctl       deadline.Controller
	log       *zap.Logger
}

type CLIOption func(*CLI)

func WithBinary(path string) CLIOption {
	return func(c *CLI) { c.binary = path }
}

// WithArgs appends extra arguments after the generated ones.
func WithArgs(args ...string) CLIOption {
	return func(c *CLI) { c.args = append(c.args, args...) }
}

// WithEnv adds KEY=VALUE pairs to the inherited environment.
func WithEnv(env ...string) CLIOption {
	return func(c *CLI) { c.env = append(c.env, env...) }
}

func WithMaxPromptBytes(n int) CLIOption {
	return func(c *CLI) { c.maxPrompt = n }
}

// WithController sets the default timeout, inactivity window and
// termination bounds.
func WithController(ctl deadline.Controller) CLIOption {
	return func(c *CLI) { c.ctl = ctl }
}

func WithLogger(log *zap.Logger) CLIOption {
	return func(c *CLI) { c.log = log }
}

func NewCLI(opts ...CLIOption) *CLI {
	c := &CLI{
		binary:    DefaultBinary,
		maxPrompt: DefaultMaxPromptBytes,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	c.ctl.Logger = c.log
	return c
}

// terminalEvent holds the fields of the final "result" event this package
// depends on. Everything else is ignored.
type terminalEvent struct {
	Subtype      string  `json:"subtype"`
	IsError      bool    `json:"is_error"`
	Result       *string `json:"result"`
	DurationMS   int64   `json:"duration_ms"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	SessionID    string  `json:"session_id"`
	Usage        struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StructuredOutput json.RawMessage `json:"structured_output"`
}

func (c *CLI) buildArgs(req Request) []string {
	args := []string{"-p", req.Prompt, "--output-format", "stream-json", "--verbose"}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return append(args, c.args...)
}

func (c *CLI) Invoke(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	invocation := uuid.NewString()
	log := c.log.With(zap.String("invocation", invocation), zap.String("binary", c.binary))

	if n := len(req.Prompt); c.maxPrompt > 0 && n > c.maxPrompt {
		msg := fmt.Sprintf("prompt is %d bytes, over the %d byte command line limit", n, c.maxPrompt)
		return failed(start, req, ExitFailure, msg), &Error{Kind: KindSpawnFailure, Op: "cli invoke", Msg: msg}
	}
	if err := ctx.Err(); err != nil {
		return failed(start, req, ExitFailure, "cancelled before start"), &Error{Kind: KindCancelled, Op: "cli invoke", Err: err}
	}

	ctl := c.ctl
	if req.Timeout > 0 {
		ctl.Timeout = req.Timeout
	}
	ictx, watchdog, cancel := ctl.Context(ctx)
	defer cancel()

	sink := openLog(req.LogPath, log)
	defer sink.Close()

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return spawnFailed(start, req, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return spawnFailed(start, req, err)
	}

	cmd := exec.Command(c.binary, c.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	if len(c.env) > 0 {
		cmd.Env = append(os.Environ(), c.env...)
	}
	deadline.Configure(cmd)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return spawnFailed(start, req, err)
	}
	// The child owns the write ends now; keeping ours open would hide EOF.
	stdoutW.Close()
	stderrW.Close()
	log.Debug("agent started", zap.Int("pid", cmd.Process.Pid), zap.String("dir", req.WorkDir))

	readCtx, abortRead := context.WithCancel(context.Background())
	defer abortRead()

	var (
		outcome *stream.Outcome
		readErr error
	)
	outDone := make(chan struct{})
	go func() {
		defer close(outDone)
		outcome, readErr = stream.ReadNDJSON(readCtx, stdoutR, stream.Options{
			LogSink: sink,
			OnEvent: func(ev stream.Event) error {
				watchdog.Touch()
				if req.OnEvent == nil {
					return nil
				}
				return req.OnEvent(Event{SessionID: ev.String("session_id"), Type: ev.Type, Raw: ev.Raw})
			},
			Logger: log,
		})
	}()

	stderrTail := stream.NewTail(stream.DefaultTailBytes)
	errDone := make(chan struct{})
	go func() {
		defer close(errDone)
		_, _ = io.Copy(stderrTail, stderrR)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	exit := ctl.Supervise(ictx, deadline.Group(cmd), exited)

	drained := make(chan struct{})
	go func() {
		<-outDone
		<-errDone
		close(drained)
	}()
	complete := ctl.Drain(drained, func() {
		abortRead()
		stdoutR.Close()
		stderrR.Close()
	})
	stdoutR.Close()
	stderrR.Close()

	res := &Result{LogPath: req.LogPath, Duration: time.Since(start)}
	var term terminalEvent
	hasTerminal := false
	// text is the agent's final answer; only it may carry the payload.
	var text string
	if complete {
		if readErr != nil {
			log.Warn("reading agent output failed", zap.Error(readErr))
		}
		if outcome != nil && outcome.Terminal != nil {
			if err := outcome.Terminal.Decode(&term); err != nil {
				log.Warn("terminal event did not decode", zap.Error(err))
			} else {
				hasTerminal = true
			}
		}
		if outcome != nil {
			res.Output = outcome.Tail
			if hasTerminal && term.Result != nil {
				text = outcome.Text
				res.Output = text
			}
		}
	} else {
		log.Warn("agent output readers did not stop; results may be incomplete")
	}
	if hasTerminal {
		res.SessionID = term.SessionID
		res.InputTokens = term.Usage.InputTokens
		res.OutputTokens = term.Usage.OutputTokens
		res.CostUSD = term.TotalCostUSD
	}

	code := exitCode(exit.Err)
	log = log.With(zap.Int("exit_code", code), zap.Duration("duration", res.Duration))

	if exit.Reason != nil {
		log = log.With(zap.Bool("killed", exit.Killed), zap.Bool("abandoned", exit.Abandoned))
		return interrupted(res, exit.Reason, ctl, "cli invoke", log)
	}

	stderr := strings.TrimSpace(stderrTail.String())
	switch {
	case hasTerminal && term.IsError:
		// The flag wins over the process status: an exit 0 with is_error
		// is still a failure.
		if code == ExitOK {
			code = ExitFailure
		}
		res.ExitCode = code
		res.Error = describeFailure(term, stderr, code)
	case code != ExitOK:
		res.ExitCode = code
		res.Error = describeFailure(term, stderr, code)
	case exit.Err != nil:
		res.ExitCode = ExitFailure
		res.Error = fmt.Sprintf("wait for agent: %v", exit.Err)
	}
	if res.Failed() {
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		log.Info("agent failed", zap.String("error", res.Error))
		return res, &Error{Kind: KindNonZeroExit, Op: "cli invoke", Msg: res.Error}
	}

	switch {
	case !hasTerminal:
		log.Warn("agent exited without a result event")
	case term.Result == nil:
		log.Warn("result event carries no result text")
	}
	res.Structured = structuredFrom(term.StructuredOutput, text)
	log.Debug("agent finished", zap.Int("input_tokens", res.InputTokens), zap.Int("output_tokens", res.OutputTokens))
	return res, nil
}

// interrupted builds the result for an invocation the controller had to
// stop. reason is the cancellation cause.
func interrupted(res *Result, reason error, ctl deadline.Controller, op string, log *zap.Logger) (*Result, error) {
	if deadline.IsTimeout(reason) {
		res.ExitCode = ExitTimeout
		if errors.Is(reason, deadline.ErrInactive) {
			res.Error = fmt.Sprintf("no agent activity for %s", ctl.Inactivity)
		} else {
			res.Error = fmt.Sprintf("agent timed out after %s", ctl.Timeout)
		}
		log.Warn("agent stopped", zap.String("error", res.Error))
		return res, &Error{Kind: KindTimeout, Op: op, Msg: res.Error, Err: reason}
	}
	res.ExitCode = ExitFailure
	res.Error = "agent invocation cancelled"
	log.Info("agent stopped", zap.String("error", res.Error))
	return res, &Error{Kind: KindCancelled, Op: op, Err: reason}
}

func describeFailure(term terminalEvent, stderr string, code int) string {
	var parts []string
	if term.IsError {
		detail := "agent reported an error"
		if term.Subtype != "" {
			detail += " (" + term.Subtype + ")"
		}
		parts = append(parts, detail)
		if term.Result != nil && strings.TrimSpace(*term.Result) != "" {
			parts = append(parts, strings.TrimSpace(*term.Result))
		}
	}
	if stderr != "" {
		parts = append(parts, stderr)
	}
	if len(parts) == 0 {
		return fmt.Sprintf("exit code %d", code)
	}
	return strings.Join(parts, ": ")
}

// exitCode maps cmd.Wait's error to a process exit code. Deaths by signal
// report -1 from the OS and become a generic failure.
func exitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code > 0 {
			return code
		}
	}
	return ExitFailure
}

func spawnFailed(start time.Time, req Request, err error) (*Result, error) {
	msg := fmt.Sprintf("start agent: %v", err)
	return failed(start, req, ExitFailure, msg), &Error{Kind: KindSpawnFailure, Op: "cli invoke", Msg: "start agent", Err: err}
}

func failed(start time.Time, req Request, code int, msg string) *Result {
	return &Result{ExitCode: code, Error: msg, Duration: time.Since(start), LogPath: req.LogPath}
}

func structuredFrom(explicit json.RawMessage, text string) json.RawMessage {
	if len(explicit) > 0 && string(explicit) != "null" {
		return explicit
	}
	if payload, ok := protocol.Extract(text); ok {
		return payload
	}
	return nil
}
