//go:build !windows

package deadline

import (
	"os/exec"
	"syscall"
)

// Configure puts cmd in its own process group so the whole tree can be
// signalled at once.
func Configure(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// ProcessGroup signals the process group of a started command, falling
// back to the process itself when the group cannot be resolved.
type ProcessGroup struct {
	cmd *exec.Cmd
}

func Group(cmd *exec.Cmd) ProcessGroup {
	return ProcessGroup{cmd: cmd}
}

func (g ProcessGroup) Terminate() error {
	return g.signal(syscall.SIGTERM)
}

func (g ProcessGroup) Kill() error {
	return g.signal(syscall.SIGKILL)
}

func (g ProcessGroup) signal(sig syscall.Signal) error {
	if g.cmd == nil || g.cmd.Process == nil {
		return nil
	}
	pid := g.cmd.Process.Pid
	if pid <= 0 {
		return nil
	}
	if pgid, err := syscall.Getpgid(pid); err == nil && pgid > 0 {
		// Negative pid targets the whole group.
		return syscall.Kill(-pgid, sig)
	}
	return g.cmd.Process.Signal(sig)
}
