// Package deadline bounds how long an agent invocation can take no matter
// how the agent behaves. A Controller composes caller cancellation, a
// wall-clock timeout and an inactivity timeout into one context, and on
// expiry terminates the process group (TERM, grace, KILL) while bounding
// the time spent draining its remaining output.
//
// A process that dies on KILL and readers that finish within DrainBound
// keep one invocation under Timeout + KillGrace + DrainBound. Two fallbacks
// can extend that before giving up: Supervise waits one more KillGrace
// after KILL before abandoning the process, and Drain waits one more
// DrainBound after aborting the readers before abandoning them.
package deadline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultKillGrace  = 5 * time.Second
	DefaultDrainBound = 2 * time.Second
)

var (
	// ErrTimeout is the cancellation cause when the configured timeout elapses.
	ErrTimeout = errors.New("deadline exceeded")
	// ErrInactive is the cause when no activity was seen for the inactivity window.
	ErrInactive = errors.New("no activity within inactivity timeout")
)

type Controller struct {
	// Timeout of zero means run until completion or external cancel.
	Timeout time.Duration
	// Inactivity of zero disables the inactivity watchdog.
	Inactivity time.Duration
	KillGrace  time.Duration
	DrainBound time.Duration
	Logger     *zap.Logger
}

func (c Controller) killGrace() time.Duration {
	if c.KillGrace <= 0 {
		return DefaultKillGrace
	}
	return c.KillGrace
}

func (c Controller) drainBound() time.Duration {
	if c.DrainBound <= 0 {
		return DefaultDrainBound
	}
	return c.DrainBound
}

// DrainTimeout is the effective drain bound.
func (c Controller) DrainTimeout() time.Duration {
	return c.drainBound()
}

func (c Controller) log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// Context returns the composite cancellation signal for one invocation.
// Call Touch on the returned watchdog whenever progress is observed. The
// cancel func releases timers and must always be called.
func (c Controller) Context(parent context.Context) (context.Context, *Watchdog, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	var timer *time.Timer
	if c.Timeout > 0 {
		timer = time.AfterFunc(c.Timeout, func() { cancel(ErrTimeout) })
	}
	wd := newWatchdog(c.Inactivity, func() { cancel(ErrInactive) })

	return ctx, wd, func() {
		if timer != nil {
			timer.Stop()
		}
		wd.Stop()
		cancel(context.Canceled)
	}
}

// Reason classifies why ctx ended: ErrTimeout, ErrInactive, or the
// caller's cancellation (context.Canceled or the parent's own cause).
// It returns nil while ctx is live.
func Reason(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if cause == nil {
		return ctx.Err()
	}
	return cause
}

// IsTimeout reports whether err is a timeout or inactivity expiry, as
// opposed to a caller cancellation.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrInactive)
}

// Watchdog cancels when Touch has not been called for its window.
// A nil or zero-window Watchdog does nothing.
type Watchdog struct {
	mu      sync.Mutex
	window  time.Duration
	timer   *time.Timer
	stopped bool
}

func newWatchdog(window time.Duration, fire func()) *Watchdog {
	wd := &Watchdog{window: window}
	if window > 0 {
		wd.timer = time.AfterFunc(window, fire)
	}
	return wd
}

// Touch records activity and restarts the inactivity window.
func (w *Watchdog) Touch() {
	if w == nil || w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.timer.Reset(w.window)
}

func (w *Watchdog) Stop() {
	if w == nil || w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.timer.Stop()
}

// Terminator stops a running process. Terminate asks politely, Kill does not.
type Terminator interface {
	Terminate() error
	Kill() error
}

// Exit describes how a supervised process ended.
type Exit struct {
	// Err is what the exited channel delivered (usually cmd.Wait's error).
	Err error
	// Reason is nil when the process finished on its own, otherwise the
	// cancellation cause that made the controller stop it.
	Reason error
	// Killed is set when the grace period ran out and KILL was sent.
	Killed bool
	// Abandoned is set when the process never reported exit, even after KILL.
	Abandoned bool
}

// Supervise races the process exit against ctx. On cancellation it sends
// a graceful terminate, waits KillGrace, then kills. A process that dies on
// KILL is reaped within KillGrace of ctx ending; one that survives KILL is
// abandoned after a second KillGrace.
func (c Controller) Supervise(ctx context.Context, t Terminator, exited <-chan error) Exit {
	select {
	case err := <-exited:
		return Exit{Err: err}
	case <-ctx.Done():
	}

	reason := Reason(ctx)
	log := c.log()
	log.Debug("stopping agent process", zap.NamedError("reason", reason))

	if err := t.Terminate(); err != nil {
		log.Debug("terminate signal failed", zap.Error(err))
	}
	grace := time.NewTimer(c.killGrace())
	defer grace.Stop()
	select {
	case err := <-exited:
		return Exit{Err: err, Reason: reason}
	case <-grace.C:
	}

	log.Warn("agent process ignored terminate; killing", zap.Duration("grace", c.killGrace()))
	if err := t.Kill(); err != nil {
		log.Debug("kill signal failed", zap.Error(err))
	}
	wait := time.NewTimer(c.killGrace())
	defer wait.Stop()
	select {
	case err := <-exited:
		return Exit{Err: err, Reason: reason, Killed: true}
	case <-wait.C:
		log.Error("agent process did not exit after kill; abandoning it")
		return Exit{Reason: reason, Killed: true, Abandoned: true}
	}
}

// Drain waits up to DrainBound for done. If the bound passes it calls
// abort and waits one more bound. It reports whether done closed.
func (c Controller) Drain(done <-chan struct{}, abort func()) bool {
	bound := time.NewTimer(c.drainBound())
	defer bound.Stop()
	select {
	case <-done:
		return true
	case <-bound.C:
	}

	c.log().Warn("output drain exceeded bound; aborting read", zap.Duration("bound", c.drainBound()))
	abort()

	after := time.NewTimer(c.drainBound())
	defer after.Stop()
	select {
	case <-done:
		return true
	case <-after.C:
		return false
	}
}
