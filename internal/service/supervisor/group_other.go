//go:build !unix

package supervisor

import (
	"os"
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(_ int, proc *os.Process) error {
	return proc.Signal(os.Interrupt)
}

func killGroup(_ int, proc *os.Process) error {
	return proc.Kill()
}

func cancelGroup(proc *os.Process, _ time.Duration) error {
	if proc == nil {
		return nil
	}
	return proc.Kill()
}

func exitSignal(*os.ProcessState) string { return "" }
