//go:build windows

package cli

import (
	"errors"
	"os"
	"os/exec"
)

// setSysProcAttr is a no-op on Windows. Run valve under a service wrapper
// for unattended deployments.
func setSysProcAttr(cmd *exec.Cmd) {}

// isProcessRunning reports whether pid is alive. Signal fails with
// os.ErrProcessDone only for exited processes; any other result means alive.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(os.Interrupt)
	return !errors.Is(err, os.ErrProcessDone)
}

// stopProcess kills the process. Buffered usage events are lost because
// Windows has no SIGTERM equivalent.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
