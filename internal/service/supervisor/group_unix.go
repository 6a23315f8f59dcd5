//go:build unix

package supervisor

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func terminateGroup(pid int, proc *os.Process) error {
	return signalGroup(pid, proc, unix.SIGTERM)
}

func killGroup(pid int, proc *os.Process) error {
	return signalGroup(pid, proc, unix.SIGKILL)
}

func signalGroup(pid int, proc *os.Process, sig unix.Signal) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return proc.Signal(sig)
	}
	return nil
}

// cancelGroup is used as exec.Cmd.Cancel: SIGTERM now and SIGKILL after
// grace, or SIGKILL straight away without one.
func cancelGroup(proc *os.Process, grace time.Duration) error {
	if proc == nil {
		return nil
	}
	pid := proc.Pid
	if grace <= 0 {
		return killGroup(pid, proc)
	}
	if err := terminateGroup(pid, proc); err != nil {
		return killGroup(pid, proc)
	}
	go func() {
		time.Sleep(grace)
		_ = unix.Kill(-pid, unix.SIGKILL)
	}()
	return nil
}

func exitSignal(state *os.ProcessState) string {
	ws, ok := state.Sys().(syscall.WaitStatus)
	if !ok || !ws.Signaled() {
		return ""
	}
	if name := unix.SignalName(ws.Signal()); name != "" {
		return name
	}
	return ws.Signal().String()
}
