// Package supervisor runs hosted programs as child processes. Output is read
// as raw chunks, checked for pairing and QR signals, and handed to callbacks;
// the exit callback fires only after both output streams are drained.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/splax/bothost/internal/domain"
)

const (
	defaultShell       = "/bin/sh"
	defaultGracePeriod = 10 * time.Second
	// killWait bounds how long Terminate waits after SIGKILL.
	killWait = 5 * time.Second
	// pipeDrain bounds how long output is still read after the program
	// itself has exited. Descendants still holding the pipes then are killed
	// and the pipes closed.
	pipeDrain = time.Second
)

var (
	// ErrAlreadyRunning is returned by a second Start on the same Process.
	ErrAlreadyRunning = errors.New("supervisor: process already started")
	// ErrNotStarted is returned by Write before Start.
	ErrNotStarted = errors.New("supervisor: process not started")
	// ErrEmptyCommand is returned when no command is configured.
	ErrEmptyCommand = errors.New("supervisor: empty command")
)

// Spec describes the program to run.
type Spec struct {
	Command     string
	Dir         string
	Env         []string
	Shell       string
	GracePeriod time.Duration
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Success reports a clean zero exit.
func (s ExitStatus) Success() bool {
	return s.Code == 0 && s.Signal == "" && s.Err == nil
}

// String renders the status for log lines.
func (s ExitStatus) String() string {
	switch {
	case s.Signal != "":
		return "terminated by " + s.Signal
	case s.Err != nil && s.Code < 0:
		return s.Err.Error()
	default:
		return fmt.Sprintf("exit code %d", s.Code)
	}
}

// Handlers receive process events. Output and Signal are called from the
// stream reader goroutines; calls for one stream are sequential.
type Handlers struct {
	Output func(stream domain.Stream, chunk string)
	Signal func(stream domain.Stream, detection Detection, chunk string)
	Exit   func(ExitStatus)
}

// Process supervises one child program. It can be started once.
type Process struct {
	spec     Spec
	handlers Handlers
	logger   *slog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	started bool
	exited  bool
	done    chan struct{}
	status  ExitStatus
}

// New prepares a Process.
func New(spec Spec, handlers Handlers, logger *slog.Logger) *Process {
	if spec.Shell == "" {
		spec.Shell = defaultShell
	}
	if spec.GracePeriod <= 0 {
		spec.GracePeriod = defaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Process{spec: spec, handlers: handlers, logger: logger, done: make(chan struct{})}
}

// Start spawns the program. The process outlives ctx; use Terminate to stop
// it.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyRunning
	}
	if strings.TrimSpace(p.spec.Command) == "" {
		return ErrEmptyCommand
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(p.spec.Shell, "-c", p.spec.Command)
	cmd.Dir = p.spec.Dir
	cmd.Env = p.spec.Env
	setProcessGroup(cmd)

	outs, err := openOutputs(cmd)
	if err != nil {
		return err
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		closeOutputs(outs)
		return fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeOutputs(outs)
		return fmt.Errorf("start %q: %w", p.spec.Command, err)
	}
	releaseWriters(outs)

	p.cmd = cmd
	p.stdin = stdin
	p.started = true

	var readers sync.WaitGroup
	for _, out := range outs {
		readers.Add(1)
		go p.pump(&readers, out.stream, out.r)
	}
	go p.wait(&readers, outs)
	return nil
}

func (p *Process) pump(wg *sync.WaitGroup, stream domain.Stream, r io.Reader) {
	defer wg.Done()
	for chunk := range Chunks(r, defaultChunkSize) {
		if p.handlers.Output != nil {
			p.handlers.Output(stream, chunk)
		}
		if p.handlers.Signal == nil {
			continue
		}
		if detection, ok := Classify(chunk); ok {
			p.handlers.Signal(stream, detection, chunk)
		}
	}
}

func (p *Process) wait(readers *sync.WaitGroup, outs []*outputPipe) {
	err := p.cmd.Wait()
	proc := p.cmd.Process
	drainOutputs(readers, outs, func() {
		p.logger.Warn("descendants still hold output after exit, killing", "pid", proc.Pid)
		_ = killGroup(proc.Pid, proc)
	})
	status := exitStatus(p.cmd.ProcessState, err)

	p.mu.Lock()
	p.exited = true
	p.status = status
	_ = p.stdin.Close()
	p.mu.Unlock()

	if p.handlers.Exit != nil {
		p.handlers.Exit(status)
	}
	close(p.done)
}

// Write sends text to the program's stdin. A write to a program that has
// already exited is logged and dropped.
func (p *Process) Write(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return ErrNotStarted
	}
	if p.exited {
		p.logger.Warn("dropping input for exited process", "command", p.spec.Command)
		return nil
	}
	if _, err := io.WriteString(p.stdin, text); err != nil {
		p.logger.Warn("failed to write process input", "error", err)
	}
	return nil
}

// Terminate stops the program and waits for its exit callback. A graceful
// stop sends SIGTERM to the process group and escalates to SIGKILL after the
// grace period.
func (p *Process) Terminate(graceful bool) {
	p.mu.Lock()
	if !p.started || p.exited {
		p.mu.Unlock()
		return
	}
	pid := p.cmd.Process.Pid
	proc := p.cmd.Process
	p.mu.Unlock()

	if graceful {
		if err := terminateGroup(pid, proc); err != nil {
			p.logger.Debug("graceful signal failed", "pid", pid, "error", err)
		}
		timer := time.NewTimer(p.spec.GracePeriod)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
			p.logger.Warn("process ignored termination, killing", "pid", pid, "grace", p.spec.GracePeriod)
		}
	}

	if err := killGroup(pid, proc); err != nil {
		p.logger.Debug("kill failed", "pid", pid, "error", err)
	}
	select {
	case <-p.done:
	case <-time.After(killWait):
		p.logger.Error("process did not exit after kill", "pid", pid)
	}
}

// Done is closed after the exit callback has returned.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the child's process id, or 0 before Start.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Run executes spec to completion, streaming output to onOutput. Cancelling
// ctx terminates the whole process group, gracefully when a grace period is
// configured.
func Run(ctx context.Context, spec Spec, onOutput func(stream domain.Stream, chunk string)) (ExitStatus, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return ExitStatus{}, ErrEmptyCommand
	}
	if spec.Shell == "" {
		spec.Shell = defaultShell
	}
	cmd := exec.CommandContext(ctx, spec.Shell, "-c", spec.Command)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return cancelGroup(cmd.Process, spec.GracePeriod)
	}
	cmd.WaitDelay = spec.GracePeriod + killWait

	outs, err := openOutputs(cmd)
	if err != nil {
		return ExitStatus{}, err
	}
	if err := cmd.Start(); err != nil {
		closeOutputs(outs)
		return ExitStatus{}, fmt.Errorf("start %q: %w", spec.Command, err)
	}
	releaseWriters(outs)

	var wg sync.WaitGroup
	var mu sync.Mutex
	read := func(stream domain.Stream, r io.Reader) {
		defer wg.Done()
		for chunk := range Chunks(r, defaultChunkSize) {
			if onOutput == nil {
				continue
			}
			mu.Lock()
			onOutput(stream, chunk)
			mu.Unlock()
		}
	}
	for _, out := range outs {
		wg.Add(1)
		go read(out.stream, out.r)
	}

	err = cmd.Wait()
	drainOutputs(&wg, outs, func() {
		_ = killGroup(cmd.Process.Pid, cmd.Process)
	})
	status := exitStatus(cmd.ProcessState, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return status, ctxErr
	}
	return status, nil
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	status := ExitStatus{Code: -1}
	if state != nil {
		status.Code = state.ExitCode()
		status.Signal = exitSignal(state)
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		status.Err = err
	}
	return status
}

// outputPipe carries one output stream of the child: the child writes w and
// the supervisor reads r.
type outputPipe struct {
	stream domain.Stream
	r, w   *os.File
}

func openOutputs(cmd *exec.Cmd) ([]*outputPipe, error) {
	streams := []domain.Stream{domain.StreamStdout, domain.StreamStderr}
	outs := make([]*outputPipe, 0, len(streams))
	for _, stream := range streams {
		r, w, err := os.Pipe()
		if err != nil {
			closeOutputs(outs)
			return nil, fmt.Errorf("%s pipe: %w", stream, err)
		}
		outs = append(outs, &outputPipe{stream: stream, r: r, w: w})
	}
	cmd.Stdout = outs[0].w
	cmd.Stderr = outs[1].w
	return outs, nil
}

// releaseWriters drops the parent's copies of the write ends once the child
// holds them, so readers see EOF when the last writer goes away.
func releaseWriters(outs []*outputPipe) {
	for _, out := range outs {
		_ = out.w.Close()
	}
}

func closeOutputs(outs []*outputPipe) {
	for _, out := range outs {
		_ = out.r.Close()
		_ = out.w.Close()
	}
}

// drainOutputs waits for the readers to hit EOF. If they are still blocked
// pipeDrain after the program exited, onStray runs and the reads are cut off.
func drainOutputs(readers *sync.WaitGroup, outs []*outputPipe, onStray func()) {
	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(pipeDrain)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		onStray()
		for _, out := range outs {
			if err := out.r.SetReadDeadline(time.Now()); err != nil {
				_ = out.r.Close()
			}
		}
		<-drained
	}
	for _, out := range outs {
		_ = out.r.Close()
	}
}
