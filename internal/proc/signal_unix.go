//go:build unix

package proc

import (
	"os/exec"
	"syscall"
)

// setProcessGroup starts the child in its own process group so signals reach the
// tools it spawns (interpreters, OCR helpers) as well.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup is best-effort: errors from already-exited processes are returned
// but callers ignore them.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, sig); err == nil {
		return nil
	}
	return cmd.Process.Signal(sig)
}
