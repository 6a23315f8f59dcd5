package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/service/analyzer"
	"github.com/splax/bothost/internal/service/archive"
	"github.com/splax/bothost/internal/service/supervisor"
)

// Pipeline step names used in failure messages and metrics.
const (
	stepUnpack  = "unpack"
	stepInstall = "install"
	stepAnalyze = "analyze"
	stepLaunch  = "launch"
)

// run sequences one pipeline run. It returns once the program has been
// launched or the run has failed or been stopped.
func (o *Orchestrator) run(ctx context.Context, inst *instance, gen uint64, done chan struct{}) {
	defer close(done)

	if !o.transition(inst, gen, domain.StageUnpacking, "Unpacking archive") {
		return
	}
	plan, err := o.unpack(ctx, inst, gen)
	if err != nil {
		o.fail(inst, gen, stepUnpack, err)
		return
	}

	if !o.transition(inst, gen, domain.StageInstalling, "Installing dependencies") {
		return
	}
	if err := o.install(ctx, inst, gen, plan); err != nil {
		o.fail(inst, gen, stepInstall, err)
		return
	}

	if !o.transition(inst, gen, domain.StageAnalyzing, "Analyzing configuration") {
		return
	}
	o.analyze(ctx, inst, gen, plan)

	o.launch(inst, gen, plan)
}

func (o *Orchestrator) unpack(ctx context.Context, inst *instance, gen uint64) (archive.Plan, error) {
	started := time.Now()
	defer func() { o.metrics.stepSeconds.WithLabelValues(stepUnpack).Observe(time.Since(started).Seconds()) }()

	archivePath, err := o.deps.Workspace.Archive(inst.key)
	if err != nil {
		return archive.Plan{}, err
	}
	digest, size, err := archive.Digest(archivePath)
	if err != nil {
		return archive.Plan{}, err
	}
	appDir, err := o.deps.Workspace.PrepareApp(inst.key)
	if err != nil {
		return archive.Plan{}, err
	}

	unpackCtx, cancel := withTimeout(ctx, o.settings.UnpackTimeout)
	defer cancel()
	result, err := o.deps.Unpacker.Unpack(unpackCtx, archivePath, appDir)
	if err != nil {
		return archive.Plan{}, stepError(unpackCtx, err, o.settings.UnpackTimeout)
	}
	o.appendLog(inst, gen, domain.StreamSystem, fmt.Sprintf("Unpacked %d files (%s)", len(result.Files), result.Format))

	plan, err := archive.Inspect(result.Root, o.settings.Install)
	if err != nil {
		return archive.Plan{}, err
	}
	plan.Details.ArchiveDigest = digest
	plan.Details.ArchiveSize = size
	o.setDetails(inst, gen, plan.Details)
	return plan, nil
}

func (o *Orchestrator) install(ctx context.Context, inst *instance, gen uint64, plan archive.Plan) error {
	command := strings.TrimSpace(plan.Details.InstallCommand)
	if command == "" {
		o.appendLog(inst, gen, domain.StreamSystem, "No dependencies to install")
		return nil
	}
	started := time.Now()
	defer func() { o.metrics.stepSeconds.WithLabelValues(stepInstall).Observe(time.Since(started).Seconds()) }()

	o.appendLog(inst, gen, domain.StreamSystem, "$ "+command)
	installCtx, cancel := withTimeout(ctx, o.settings.InstallTimeout)
	defer cancel()

	spec := o.supervisorSpec(inst.key, command, plan.Root, plan.Env)
	status, err := supervisor.Run(installCtx, spec, func(stream domain.Stream, chunk string) {
		o.appendLog(inst, gen, stream, chunk)
	})
	if err != nil {
		return stepError(installCtx, err, o.settings.InstallTimeout)
	}
	if !status.Success() {
		return fmt.Errorf("%s: %s", command, status)
	}
	return nil
}

// analyze consults the external analyzer. Failures are reported as system
// log lines and never block the run.
func (o *Orchestrator) analyze(ctx context.Context, inst *instance, gen uint64, plan archive.Plan) {
	started := time.Now()
	defer func() { o.metrics.stepSeconds.WithLabelValues(stepAnalyze).Observe(time.Since(started).Seconds()) }()

	analyzeCtx, cancel := withTimeout(ctx, o.settings.AnalyzeTimeout)
	defer cancel()
	result, err := o.deps.Analyzer.Analyze(analyzeCtx, analyzer.Request{
		ServerID:     inst.key.ServerID,
		DeploymentID: inst.key.DeploymentID,
		Runtime:      plan.Details.Runtime,
		ManifestName: plan.Details.ManifestName,
		Manifest:     plan.Details.Manifest,
		Env:          plan.Env,
	})
	if err != nil {
		o.logger.Warn("configuration analysis skipped",
			"server_id", inst.key.ServerID,
			"deployment_id", inst.key.DeploymentID,
			"error", err,
		)
		o.appendLog(inst, gen, domain.StreamSystem, "Configuration analysis unavailable, continuing")
		return
	}
	if result == nil {
		return
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gen != gen {
		return
	}
	analysis := *result
	inst.state.Analysis = &analysis
	o.publishStateLocked(inst)
	if analysis.RequiresExternalDB {
		msg := "This program needs an external database"
		if analysis.SetupSuggestion != "" {
			msg += ": " + analysis.SetupSuggestion
		}
		o.appendLocked(inst, domain.StreamSystem, msg)
	}
}

// launch publishes the running status and starts the program under the same
// lock, so status(running) precedes any output and a concurrent stop always
// sees the process.
func (o *Orchestrator) launch(inst *instance, gen uint64, plan archive.Plan) {
	spec := o.supervisorSpec(inst.key, plan.Details.StartCommand, plan.Root, plan.Env)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if !o.transitionLocked(inst, gen, domain.StageRunning, "Running", "") {
		return
	}
	o.appendLocked(inst, domain.StreamSystem, "$ "+plan.Details.StartCommand)

	var proc *supervisor.Process
	proc = supervisor.New(spec, supervisor.Handlers{
		Output: func(stream domain.Stream, chunk string) {
			o.appendLog(inst, gen, stream, chunk)
		},
		Signal: func(stream domain.Stream, detection supervisor.Detection, _ string) {
			o.signal(inst, gen, stream, detection)
		},
		Exit: func(status supervisor.ExitStatus) {
			o.exited(inst, gen, proc, status)
		},
	}, o.logger.With("server_id", inst.key.ServerID, "deployment_id", inst.key.DeploymentID))

	if err := proc.Start(context.Background()); err != nil {
		o.failLocked(inst, gen, stepLaunch, err)
		return
	}
	inst.proc = proc
	o.metrics.running.Inc()
	o.logger.Info("program started",
		"server_id", inst.key.ServerID,
		"deployment_id", inst.key.DeploymentID,
		"pid", proc.Pid(),
		"command", plan.Details.StartCommand,
	)
}

func (o *Orchestrator) exited(inst *instance, gen uint64, proc *supervisor.Process, status supervisor.ExitStatus) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.proc != proc {
		return
	}
	inst.proc = nil
	o.metrics.running.Dec()
	o.logger.Info("program exited",
		"server_id", inst.key.ServerID,
		"deployment_id", inst.key.DeploymentID,
		"status", status.String(),
	)

	switch {
	case inst.stopping:
		o.appendLocked(inst, domain.StreamSystem, "Process stopped ("+status.String()+")")
		o.transitionLocked(inst, gen, domain.StageStopped, "Stopped", "")
	case status.Success():
		o.appendLocked(inst, domain.StreamSystem, "Process exited with code 0")
		o.transitionLocked(inst, gen, domain.StageFinished, "Finished", "")
	default:
		o.failLocked(inst, gen, "exit", fmt.Errorf("process %s", status))
	}
}

func (o *Orchestrator) signal(inst *instance, gen uint64, stream domain.Stream, detection supervisor.Detection) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gen != gen {
		return
	}
	payload := domain.QRPayload{
		ServerID:     inst.key.ServerID,
		DeploymentID: inst.key.DeploymentID,
		Kind:         detection.Kind,
		Data:         detection.Data,
		Stream:       stream,
		LogID:        inst.lastLogID[stream],
		Timestamp:    o.now().UTC(),
	}
	inst.signal = &payload
	o.deps.Bus.Publish(inst.key, domain.Event{Type: domain.EventQR, Payload: payload})
}

// transition moves inst to next if gen is still current and the edge is
// legal.
func (o *Orchestrator) transition(inst *instance, gen uint64, next domain.Stage, status string) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return o.transitionLocked(inst, gen, next, status, "")
}

func (o *Orchestrator) transitionLocked(inst *instance, gen uint64, next domain.Stage, status, failure string) bool {
	if inst.gen != gen {
		return false
	}
	current := inst.state.Stage
	if !current.CanTransition(next) {
		o.logger.Debug("ignoring illegal transition",
			"server_id", inst.key.ServerID,
			"deployment_id", inst.key.DeploymentID,
			"from", current,
			"to", next,
		)
		return false
	}

	now := o.now().UTC()
	if !now.After(inst.state.UpdatedAt) {
		now = inst.state.UpdatedAt.Add(time.Microsecond)
	}
	d := &inst.state
	d.Stage = next
	d.Status = status
	d.Error = ""
	d.UpdatedAt = now
	switch {
	case next == domain.StageStarting:
		d.StartedAt = now
		d.CompletedAt = nil
		d.Details = nil
		d.Analysis = nil
	case next.Terminal():
		completed := now
		d.CompletedAt = &completed
		if next == domain.StageError {
			d.Error = failure
		}
	}

	o.deps.Bus.Publish(inst.key, domain.Event{Type: domain.EventStatus, Payload: domain.StatusPayload{
		ServerID:     inst.key.ServerID,
		DeploymentID: inst.key.DeploymentID,
		Stage:        next,
		Status:       status,
		Error:        d.Error,
		Timestamp:    now,
	}})
	o.deps.Snapshots.Save(inst.state)
	o.metrics.transitions.WithLabelValues(string(next)).Inc()
	return true
}

func (o *Orchestrator) setDetails(inst *instance, gen uint64, details domain.Details) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.gen != gen {
		return
	}
	inst.state.Details = &details
	o.publishStateLocked(inst)
}

func (o *Orchestrator) publishStateLocked(inst *instance) {
	now := o.now().UTC()
	if !now.After(inst.state.UpdatedAt) {
		now = inst.state.UpdatedAt.Add(time.Microsecond)
	}
	inst.state.UpdatedAt = now
	o.deps.Bus.Publish(inst.key, domain.Event{Type: domain.EventState, Payload: inst.state.Clone()})
	o.deps.Snapshots.Save(inst.state)
}

func (o *Orchestrator) fail(inst *instance, gen uint64, step string, err error) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	o.failLocked(inst, gen, step, err)
}

// failLocked records a system line describing err and moves to error.
func (o *Orchestrator) failLocked(inst *instance, gen uint64, step string, err error) {
	if inst.gen != gen || inst.state.Stage.Terminal() {
		return
	}
	message := failureMessage(step, err)
	o.logger.Warn("deployment failed",
		"server_id", inst.key.ServerID,
		"deployment_id", inst.key.DeploymentID,
		"step", step,
		"error", err,
	)
	o.appendLocked(inst, domain.StreamSystem, message)
	if o.transitionLocked(inst, gen, domain.StageError, "Failed", message) {
		o.metrics.failures.WithLabelValues(step).Inc()
	}
}

// appendLog records an entry for the given run. A gen of zero appends to
// whatever run is current.
func (o *Orchestrator) appendLog(inst *instance, gen uint64, stream domain.Stream, message string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if gen != 0 && inst.gen != gen {
		return
	}
	o.appendLocked(inst, stream, message)
}

func (o *Orchestrator) appendLocked(inst *instance, stream domain.Stream, message string) domain.LogEntry {
	inst.nextLogID++
	entry := domain.LogEntry{
		ID:        inst.nextLogID,
		Timestamp: o.now().UTC(),
		Stream:    stream,
		Message:   message,
	}
	inst.lastLogID[stream] = entry.ID
	inst.tail.Record(entry)
	o.deps.Bus.Publish(inst.key, domain.Event{Type: domain.EventLog, Payload: domain.LogPayload{
		ServerID:     inst.key.ServerID,
		DeploymentID: inst.key.DeploymentID,
		LogEntry:     entry,
	}})
	o.deps.Logs.Add(inst.key, entry)
	return entry
}

func failureMessage(step string, err error) string {
	switch {
	case errors.Is(err, archive.ErrNoEntrypoint):
		return "No entrypoint found: add a start script to package.json or a main.py"
	case errors.Is(err, archive.ErrUnsupportedFormat):
		return "Unsupported archive format: upload a zip or tar archive"
	case errors.Is(err, archive.ErrTooLarge):
		return "Archive contents exceed the unpacked size limit"
	case errors.Is(err, archive.ErrUnsafePath):
		return "Archive contains paths outside the project directory"
	case errors.Is(err, archive.ErrEmpty):
		return "Archive contains no files"
	}
	switch step {
	case stepUnpack:
		return "Unpack failed: " + err.Error()
	case stepInstall:
		return "Dependency installation failed: " + err.Error()
	case stepLaunch:
		return "Could not start program: " + err.Error()
	default:
		return "Program crashed: " + err.Error()
	}
}

type timeoutError struct {
	limit time.Duration
}

func (e timeoutError) Error() string {
	return fmt.Sprintf("timed out after %s", e.limit)
}

func stepError(ctx context.Context, err error, limit time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return timeoutError{limit: limit}
	}
	return err
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
