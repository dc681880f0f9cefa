//go:build windows

package deadline

import "os/exec"

func Configure(cmd *exec.Cmd) {}

type ProcessGroup struct {
	cmd *exec.Cmd
}

func Group(cmd *exec.Cmd) ProcessGroup {
	return ProcessGroup{cmd: cmd}
}

// Terminate has no graceful equivalent on windows.
func (g ProcessGroup) Terminate() error {
	return g.Kill()
}

func (g ProcessGroup) Kill() error {
	if g.cmd == nil || g.cmd.Process == nil {
		return nil
	}
	return g.cmd.Process.Kill()
}
