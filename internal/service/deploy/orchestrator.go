// Package deploy drives uploaded bot archives through the deployment
// pipeline (unpack, install, analyze, run) and owns the authoritative state of
// every live deployment.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/repository"
	"github.com/splax/bothost/internal/service/analyzer"
	"github.com/splax/bothost/internal/service/archive"
	"github.com/splax/bothost/internal/service/logs"
	"github.com/splax/bothost/internal/service/supervisor"
	"github.com/splax/bothost/internal/workspace"
)

// Publisher receives live events. Publish must not block.
type Publisher interface {
	Publish(key domain.Key, event domain.Event)
}

// LogSink persists log entries off the hot path.
type LogSink interface {
	Add(key domain.Key, entries ...domain.LogEntry)
	Discard(key domain.Key)
}

// SnapshotSink persists deployment snapshots off the hot path.
type SnapshotSink interface {
	Save(d domain.Deployment)
	Forget(key domain.Key)
}

// Settings tunes pipeline limits and commands.
type Settings struct {
	MaxArchiveBytes int64
	UnpackTimeout   time.Duration
	InstallTimeout  time.Duration
	AnalyzeTimeout  time.Duration
	StopGracePeriod time.Duration
	StoreTimeout    time.Duration
	Shell           string
	Install         archive.InstallCommands
	TailSize        int
	// BaseEnv is the environment every child starts from. Nil means the
	// service's own environment.
	BaseEnv []string
}

// Dependencies are the collaborators of an Orchestrator.
type Dependencies struct {
	Workspace *workspace.Manager
	Unpacker  archive.Unpacker
	Analyzer  analyzer.Analyzer
	Bus       Publisher
	Logs      LogSink
	Snapshots SnapshotSink
	Store     repository.DeploymentStore
	Logger    *slog.Logger
}

// View is a point-in-time picture of a deployment.
type View struct {
	Deployment domain.Deployment `json:"deployment"`
	Logs       []domain.LogEntry `json:"logs"`
	Signal     *domain.QRPayload `json:"signal,omitempty"`
	Live       bool              `json:"live"`
}

// Orchestrator coordinates deployments. Each deployment is guarded by its
// own lock; the orchestrator lock only protects the index.
type Orchestrator struct {
	deps     Dependencies
	settings Settings
	logger   *slog.Logger
	metrics  orchestratorMetrics
	now      func() time.Time

	mu          sync.Mutex
	deployments map[domain.Key]*instance
	current     map[string]string
	closed      bool
}

// New constructs an Orchestrator. Store, Analyzer and Unpacker default to
// their no-op or built-in implementations.
func New(deps Dependencies, settings Settings) (*Orchestrator, error) {
	if deps.Workspace == nil {
		return nil, errors.New("workspace manager required")
	}
	if deps.Bus == nil {
		return nil, errors.New("event publisher required")
	}
	if deps.Store == nil {
		deps.Store = repository.Nop{}
	}
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.Nop{}
	}
	if deps.Unpacker == nil {
		deps.Unpacker = archive.Extractor{MaxBytes: 8 * settings.MaxArchiveBytes}
	}
	if deps.Logs == nil {
		deps.Logs = logs.NewBatcher(deps.Store, logs.BatcherOptions{Logger: deps.Logger})
	}
	if deps.Snapshots == nil {
		deps.Snapshots = logs.NewSnapshotWriter(deps.Store, settings.StoreTimeout, deps.Logger)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = 5 * time.Second
	}
	if settings.BaseEnv == nil {
		settings.BaseEnv = os.Environ()
	}
	return &Orchestrator{
		deps:        deps,
		settings:    settings,
		logger:      logger.With("component", "orchestrator"),
		metrics:     newMetrics(),
		now:         time.Now,
		deployments: make(map[domain.Key]*instance),
		current:     make(map[string]string),
	}, nil
}

// Deploy accepts an archive for serverID and starts the pipeline
// asynchronously. The returned id identifies the new deployment.
func (o *Orchestrator) Deploy(ctx context.Context, serverID string, data []byte, filename string) (string, error) {
	serverID = strings.TrimSpace(serverID)
	if err := validateID(serverID); err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty upload", ErrInvalidArchive)
	}
	if o.settings.MaxArchiveBytes > 0 && int64(len(data)) > o.settings.MaxArchiveBytes {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrArchiveTooLarge, len(data), o.settings.MaxArchiveBytes)
	}
	if _, err := archive.DetectFormat(filename, data[:min(len(data), 512)]); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	key := domain.Key{ServerID: serverID, DeploymentID: uuid.NewString()}
	inst := newInstance(key, o.settings.TailSize)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return "", ErrShuttingDown
	}
	if prevID, ok := o.current[serverID]; ok {
		prevKey := domain.Key{ServerID: serverID, DeploymentID: prevID}
		if prev := o.deployments[prevKey]; prev != nil {
			if prev.busy() {
				o.mu.Unlock()
				return "", ErrActiveDeployment
			}
			delete(o.deployments, prevKey)
		}
	}
	o.deployments[key] = inst
	o.current[serverID] = key.DeploymentID
	o.mu.Unlock()

	if _, err := o.deps.Workspace.StoreArchive(key, filename, data); err != nil {
		o.forget(key)
		return "", fmt.Errorf("store archive: %w", err)
	}
	if err := o.deps.Workspace.ReleaseOthers(serverID, key.DeploymentID); err != nil {
		o.logger.Warn("failed to release previous workspaces", "server_id", serverID, "error", err)
	}

	o.logger.Info("deployment accepted",
		"server_id", key.ServerID,
		"deployment_id", key.DeploymentID,
		"archive_bytes", len(data),
	)
	o.begin(inst, "Deployment started", false)
	return key.DeploymentID, nil
}

// SendInput writes text to the running program. Input for a deployment that
// is not running is discarded with ErrNotRunning.
func (o *Orchestrator) SendInput(ctx context.Context, key domain.Key, text string) error {
	inst := o.lookup(key)
	if inst == nil {
		return ErrNotFound
	}
	inst.mu.Lock()
	proc := inst.proc
	running := inst.state.Stage == domain.StageRunning && proc != nil
	gen := inst.gen
	inst.mu.Unlock()
	if !running {
		return ErrNotRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	payload := text
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}
	if err := proc.Write(payload); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	o.appendLog(inst, gen, domain.StreamInput, strings.TrimRight(text, "\r\n"))
	return nil
}

// Stop terminates the deployment. During the pipeline the in-flight step is
// cancelled; a running program gets SIGTERM and, after the grace period,
// SIGKILL. Stopping a deployment that already ended is a no-op.
func (o *Orchestrator) Stop(ctx context.Context, key domain.Key) error {
	inst := o.lookup(key)
	if inst == nil {
		return ErrNotFound
	}
	return o.stop(ctx, inst)
}

func (o *Orchestrator) stop(ctx context.Context, inst *instance) error {
	inst.mu.Lock()
	if !inst.state.Stage.Active() {
		done := inst.runDone
		inst.mu.Unlock()
		return waitDone(ctx, done)
	}
	inst.stopping = true
	proc := inst.proc
	done := inst.runDone
	if proc == nil {
		inst.cancel()
		o.transitionLocked(inst, inst.gen, domain.StageStopped, "Stopped", "")
		// late results of the cancelled step belong to a dead run
		inst.gen++
	}
	inst.mu.Unlock()

	if proc != nil {
		o.appendLog(inst, 0, domain.StreamSystem, "Stopping process")
		proc.Terminate(true)
	}
	return waitDone(ctx, done)
}

// CompleteStop stops the deployment and releases everything it holds: the
// working directory with installed dependencies, the stored archive, the
// durable snapshot and logs, and the in-memory entry. It succeeds for
// unknown deployments.
func (o *Orchestrator) CompleteStop(ctx context.Context, key domain.Key) error {
	if inst := o.lookup(key); inst != nil {
		if err := o.stop(ctx, inst); err != nil {
			o.logger.Warn("stop before release did not finish", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
		}
		inst.tail.Reset()
	}
	o.forget(key)

	o.deps.Logs.Discard(key)
	o.deps.Snapshots.Forget(key)
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.settings.StoreTimeout)
	defer cancel()
	if err := o.deps.Store.DeleteDeployment(storeCtx, key); err != nil {
		o.logger.Warn("failed to delete persisted deployment", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
	}
	if err := o.deps.Workspace.Release(key); err != nil {
		o.logger.Warn("failed to release workspace", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
	}
	o.logger.Info("deployment released", "server_id", key.ServerID, "deployment_id", key.DeploymentID)
	return nil
}

// Restart stops the deployment if needed and runs the pipeline again from
// the stored archive under the same id.
func (o *Orchestrator) Restart(ctx context.Context, key domain.Key) error {
	inst := o.lookup(key)
	if inst == nil {
		return ErrNotFound
	}
	if err := o.stop(ctx, inst); err != nil {
		return err
	}
	if _, err := o.deps.Workspace.Archive(key); err != nil {
		return fmt.Errorf("%w: no stored archive", ErrNotFound)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrShuttingDown
	}
	if o.deployments[key] != inst {
		return ErrNotFound
	}
	if !o.begin(inst, "Restarting", true) {
		return ErrActiveDeployment
	}
	o.logger.Info("deployment restarting", "server_id", key.ServerID, "deployment_id", key.DeploymentID)
	return nil
}

// ClearLogs drops the persisted and buffered log entries of a deployment.
func (o *Orchestrator) ClearLogs(ctx context.Context, key domain.Key) error {
	if inst := o.lookup(key); inst != nil {
		inst.tail.Reset()
	}
	o.deps.Logs.Discard(key)
	storeCtx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
	defer cancel()
	if err := o.deps.Store.ClearLogs(storeCtx, key); err != nil {
		o.logger.Warn("failed to clear persisted logs", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
	}
	return nil
}

// Snapshot returns the deployment with up to limit recent log entries. Live
// state is preferred; otherwise the persisted snapshot is used.
func (o *Orchestrator) Snapshot(ctx context.Context, key domain.Key, limit int) (View, error) {
	if inst := o.lookup(key); inst != nil {
		inst.mu.Lock()
		view := View{Deployment: inst.state.Clone(), Live: true}
		if inst.signal != nil {
			signal := *inst.signal
			view.Signal = &signal
		}
		inst.mu.Unlock()
		view.Logs = mergeLogs(o.loadLogs(ctx, key, limit), inst.tail.Snapshot(limit), limit)
		return view, nil
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
	defer cancel()
	persisted, err := o.deps.Store.GetSnapshot(storeCtx, key)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("failed to load persisted snapshot", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
		}
		return View{}, ErrNotFound
	}
	return View{Deployment: *persisted, Logs: o.loadLogs(ctx, key, limit)}, nil
}

// Latest returns the current deployment of serverID, falling back to the
// most recent persisted one.
func (o *Orchestrator) Latest(ctx context.Context, serverID string, limit int) (View, error) {
	o.mu.Lock()
	id, ok := o.current[serverID]
	o.mu.Unlock()
	if ok {
		return o.Snapshot(ctx, domain.Key{ServerID: serverID, DeploymentID: id}, limit)
	}

	storeCtx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
	defer cancel()
	persisted, err := o.deps.Store.LatestSnapshot(storeCtx, serverID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			o.logger.Warn("failed to load latest snapshot", "server_id", serverID, "error", err)
		}
		return View{}, ErrNotFound
	}
	return View{Deployment: *persisted, Logs: o.loadLogs(ctx, persisted.Key(), limit)}, nil
}

// Shutdown refuses new work and stops every live deployment.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	instances := make([]*instance, 0, len(o.deployments))
	for _, inst := range o.deployments {
		instances = append(instances, inst)
	}
	o.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range instances {
		g.Go(func() error {
			return o.stop(gctx, inst)
		})
	}
	return g.Wait()
}

// begin moves inst into starting under a fresh run generation and launches
// the pipeline. It reports false when inst is already active.
func (o *Orchestrator) begin(inst *instance, status string, restart bool) bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state.Stage.Active() {
		return false
	}
	inst.gen++
	gen := inst.gen
	ctx, cancel := context.WithCancel(context.Background())
	inst.cancel = cancel
	inst.stopping = false
	inst.signal = nil
	inst.runDone = make(chan struct{})
	if restart {
		inst.state.Restarts++
	}
	if !o.transitionLocked(inst, gen, domain.StageStarting, status, "") {
		cancel()
		close(inst.runDone)
		return false
	}
	go o.run(ctx, inst, gen, inst.runDone)
	return true
}

func (o *Orchestrator) lookup(key domain.Key) *instance {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.deployments[key]
}

func (o *Orchestrator) forget(key domain.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.deployments, key)
	if o.current[key.ServerID] == key.DeploymentID {
		delete(o.current, key.ServerID)
	}
}

func (o *Orchestrator) loadLogs(ctx context.Context, key domain.Key, limit int) []domain.LogEntry {
	if limit <= 0 {
		return nil
	}
	storeCtx, cancel := context.WithTimeout(ctx, o.settings.StoreTimeout)
	defer cancel()
	entries, err := o.deps.Store.LoadLogs(storeCtx, key, limit)
	if err != nil {
		o.logger.Warn("failed to load persisted logs", "server_id", key.ServerID, "deployment_id", key.DeploymentID, "error", err)
		return nil
	}
	return entries
}

// mergeLogs combines persisted entries with the fresher in-memory tail,
// keeping the newest limit entries in id order.
func mergeLogs(persisted, tail []domain.LogEntry, limit int) []domain.LogEntry {
	if limit <= 0 {
		return []domain.LogEntry{}
	}
	merged := make([]domain.LogEntry, 0, len(persisted)+len(tail))
	var firstTail int64 = -1
	if len(tail) > 0 {
		firstTail = tail[0].ID
	}
	for _, entry := range persisted {
		if firstTail >= 0 && entry.ID >= firstTail {
			break
		}
		merged = append(merged, entry)
	}
	merged = append(merged, tail...)
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: invalid server id %q", ErrInvalidRequest, id)
	}
	return nil
}

// supervisorSpec builds the process spec for a plan.
func (o *Orchestrator) supervisorSpec(key domain.Key, command, dir string, env map[string]string) supervisor.Spec {
	full := make([]string, 0, len(o.settings.BaseEnv)+len(env)+2)
	full = append(full, o.settings.BaseEnv...)
	for k, v := range env {
		full = append(full, k+"="+v)
	}
	full = append(full,
		"BOTHOST_SERVER_ID="+key.ServerID,
		"BOTHOST_DEPLOYMENT_ID="+key.DeploymentID,
	)
	return supervisor.Spec{
		Command:     command,
		Dir:         dir,
		Env:         full,
		Shell:       o.settings.Shell,
		GracePeriod: o.settings.StopGracePeriod,
	}
}
