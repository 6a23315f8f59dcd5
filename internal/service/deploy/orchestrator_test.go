package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/logger"
	"github.com/splax/bothost/internal/repository/memory"
	"github.com/splax/bothost/internal/service/logs"
	"github.com/splax/bothost/internal/workspace"
)

type recordingBus struct {
	mu     sync.Mutex
	events map[domain.Key][]domain.Event
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[domain.Key][]domain.Event)}
}

func (b *recordingBus) Publish(key domain.Key, event domain.Event) {
	b.mu.Lock()
	b.events[key] = append(b.events[key], event)
	b.mu.Unlock()
}

func (b *recordingBus) For(key domain.Key) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Event(nil), b.events[key]...)
}

type harness struct {
	orch  *Orchestrator
	bus   *recordingBus
	store *memory.Store
	ws    *workspace.Manager
}

func newHarness(t *testing.T, tweak func(*Settings)) *harness {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatalf("workspace: %v", err)
	}
	store := memory.New()
	bus := newRecordingBus()
	log := logger.Discard()
	settings := Settings{
		MaxArchiveBytes: 1 << 20,
		UnpackTimeout:   10 * time.Second,
		InstallTimeout:  10 * time.Second,
		AnalyzeTimeout:  time.Second,
		StopGracePeriod: 2 * time.Second,
		StoreTimeout:    time.Second,
		Shell:           "/bin/sh",
		TailSize:        100,
	}
	if tweak != nil {
		tweak(&settings)
	}
	orch, err := New(Dependencies{
		Workspace: ws,
		Bus:       bus,
		Store:     store,
		Logs:      logs.NewBatcher(store, logs.BatcherOptions{Logger: log}),
		Snapshots: logs.NewSnapshotWriter(store, time.Second, log),
		Logger:    log,
	}, settings)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &harness{orch: orch, bus: bus, store: store, ws: ws}
}

// botArchive packages a bot whose start (and optional install) command is a
// shell snippet.
func botArchive(t *testing.T, start, install string) []byte {
	t.Helper()
	config := fmt.Sprintf("start: %q\n", start)
	if install != "" {
		config += fmt.Sprintf("install: %q\n", install)
	}
	return zipFiles(t, map[string]string{
		"bot/bothost.yaml": config,
		"bot/README.md":    "test bot",
	})
}

func zipFiles(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := io.WriteString(w, body); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func (h *harness) deploy(t *testing.T, serverID string, archive []byte) domain.Key {
	t.Helper()
	id, err := h.orch.Deploy(context.Background(), serverID, archive, "bot.zip")
	if err != nil {
		t.Fatalf("deploy: %v", err)
	}
	return domain.Key{ServerID: serverID, DeploymentID: id}
}

func (h *harness) waitStage(t *testing.T, key domain.Key, stage domain.Stage) View {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	var last View
	for time.Now().Before(deadline) {
		view, err := h.orch.Snapshot(context.Background(), key, 100)
		if err == nil {
			last = view
			if view.Deployment.Stage == stage {
				return view
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("deployment never reached %s; last stage %s (%s)", stage, last.Deployment.Stage, last.Deployment.Error)
	return View{}
}

func statuses(events []domain.Event) []domain.Stage {
	var out []domain.Stage
	for _, e := range events {
		if p, ok := e.Payload.(domain.StatusPayload); ok {
			out = append(out, p.Stage)
		}
	}
	return out
}

func findLog(entries []domain.LogEntry, stream domain.Stream, contains string) (domain.LogEntry, bool) {
	for _, e := range entries {
		if e.Stream == stream && strings.Contains(e.Message, contains) {
			return e, true
		}
	}
	return domain.LogEntry{}, false
}

// matchSequence reports whether want appears in events in order, allowing
// unrelated events in between.
func matchSequence(events []domain.Event, want []func(domain.Event) bool) bool {
	i := 0
	for _, e := range events {
		if i == len(want) {
			break
		}
		if want[i](e) {
			i++
		}
	}
	return i == len(want)
}

func isStatus(stage domain.Stage) func(domain.Event) bool {
	return func(e domain.Event) bool {
		p, ok := e.Payload.(domain.StatusPayload)
		return ok && e.Type == domain.EventStatus && p.Stage == stage
	}
}

func isLog(stream domain.Stream, contains string) func(domain.Event) bool {
	return func(e domain.Event) bool {
		p, ok := e.Payload.(domain.LogPayload)
		return ok && e.Type == domain.EventLog && p.Stream == stream && strings.Contains(p.Message, contains)
	}
}

func TestDeployRunsProgramToFinished(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo "App running"; sleep 0.3; exit 0`, ""))

	view := h.waitStage(t, key, domain.StageFinished)
	if view.Deployment.CompletedAt == nil {
		t.Fatal("finished deployment should carry a completion time")
	}
	if view.Deployment.Details == nil || view.Deployment.Details.ArchiveDigest == "" {
		t.Fatalf("expected unpack details with a digest, got %+v", view.Deployment.Details)
	}

	events := h.bus.For(key)
	want := []func(domain.Event) bool{
		isStatus(domain.StageStarting),
		isStatus(domain.StageUnpacking),
		isStatus(domain.StageInstalling),
		isStatus(domain.StageRunning),
		isLog(domain.StreamStdout, "App running"),
		isStatus(domain.StageFinished),
	}
	if !matchSequence(events, want) {
		t.Fatalf("unexpected event order: %v", statuses(events))
	}
	if _, ok := findLog(view.Logs, domain.StreamStdout, "App running"); !ok {
		t.Fatalf("snapshot logs missing program output: %+v", view.Logs)
	}
	for i := 1; i < len(view.Logs); i++ {
		if view.Logs[i].ID <= view.Logs[i-1].ID {
			t.Fatalf("log ids not increasing: %d then %d", view.Logs[i-1].ID, view.Logs[i].ID)
		}
	}
}

func TestNonZeroExitEndsInError(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo "boom" >&2; exit 3`, ""))

	view := h.waitStage(t, key, domain.StageError)
	if view.Deployment.Error == "" {
		t.Fatal("error stage must carry a message")
	}
	if _, ok := findLog(view.Logs, domain.StreamStderr, "boom"); !ok {
		t.Fatalf("stderr before the crash should be kept: %+v", view.Logs)
	}
	if _, ok := findLog(view.Logs, domain.StreamSystem, "exit code 3"); !ok {
		t.Fatalf("expected a system line describing the exit: %+v", view.Logs)
	}
}

func TestBackgroundChildDoesNotHoldFinish(t *testing.T) {
	h := newHarness(t, nil)
	began := time.Now()
	key := h.deploy(t, "srv-1", botArchive(t, `sleep 10 & echo "main done"; exit 0`, ""))

	view := h.waitStage(t, key, domain.StageFinished)
	if elapsed := time.Since(began); elapsed > 6*time.Second {
		t.Fatalf("finish waited on the background child: %s", elapsed)
	}
	if _, ok := findLog(view.Logs, domain.StreamStdout, "main done"); !ok {
		t.Fatalf("output before exit should be kept: %+v", view.Logs)
	}
}

func TestMissingEntrypointFailsDuringUnpack(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", zipFiles(t, map[string]string{"notes.txt": "nothing to run"}))

	view := h.waitStage(t, key, domain.StageError)
	if !strings.Contains(view.Deployment.Error, "No entrypoint") {
		t.Fatalf("unexpected error message %q", view.Deployment.Error)
	}
	for _, stage := range statuses(h.bus.For(key)) {
		if stage == domain.StageInstalling || stage == domain.StageRunning {
			t.Fatalf("pipeline should stop at unpack, saw %s", stage)
		}
	}
}

func TestFailedInstallEndsInError(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo never`, `echo "resolve failed"; exit 1`))

	view := h.waitStage(t, key, domain.StageError)
	if !strings.HasPrefix(view.Deployment.Error, "Dependency installation failed") {
		t.Fatalf("unexpected error %q", view.Deployment.Error)
	}
	if _, ok := findLog(view.Logs, domain.StreamStdout, "resolve failed"); !ok {
		t.Fatalf("install output should be captured: %+v", view.Logs)
	}
	if _, ok := findLog(view.Logs, domain.StreamStdout, "never"); ok {
		t.Fatal("program must not start after a failed install")
	}
}

func TestSendInputReachesRunningProgram(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `read line; echo "got $line"`, ""))

	h.waitStage(t, key, domain.StageRunning)
	if err := h.orch.SendInput(context.Background(), key, "hello"); err != nil {
		t.Fatalf("send input: %v", err)
	}
	view := h.waitStage(t, key, domain.StageFinished)
	if _, ok := findLog(view.Logs, domain.StreamInput, "hello"); !ok {
		t.Fatalf("input should be logged: %+v", view.Logs)
	}
	if _, ok := findLog(view.Logs, domain.StreamStdout, "got hello"); !ok {
		t.Fatalf("program never received input: %+v", view.Logs)
	}
}

func TestSendInputOutsideRunningIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo started`, `sleep 5`))

	h.waitStage(t, key, domain.StageInstalling)
	if err := h.orch.SendInput(context.Background(), key, "too early"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	view, err := h.orch.Snapshot(context.Background(), key, 100)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if _, ok := findLog(view.Logs, domain.StreamInput, "too early"); ok {
		t.Fatal("ignored input must not be logged")
	}

	unknown := domain.Key{ServerID: "srv-1", DeploymentID: "missing"}
	if err := h.orch.SendInput(context.Background(), unknown, "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStopDuringInstallCancelsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo started`, `sleep 30`))

	h.waitStage(t, key, domain.StageInstalling)
	start := time.Now()
	if err := h.orch.Stop(context.Background(), key); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("stop took %s", elapsed)
	}

	view := h.waitStage(t, key, domain.StageStopped)
	if _, ok := findLog(view.Logs, domain.StreamStdout, "started"); ok {
		t.Fatal("program started after the pipeline was stopped")
	}
	for _, stage := range statuses(h.bus.For(key)) {
		if stage == domain.StageRunning || stage == domain.StageError {
			t.Fatalf("cancelled pipeline emitted %s", stage)
		}
	}
}

func TestStopRunningProgram(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo up; sleep 30`, ""))

	h.waitStage(t, key, domain.StageRunning)
	if err := h.orch.Stop(context.Background(), key); err != nil {
		t.Fatalf("stop: %v", err)
	}
	view, err := h.orch.Snapshot(context.Background(), key, 100)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if view.Deployment.Stage != domain.StageStopped {
		t.Fatalf("expected stopped once Stop returns, got %s", view.Deployment.Stage)
	}
	if _, ok := findLog(view.Logs, domain.StreamSystem, "Stopping process"); !ok {
		t.Fatalf("expected stop narration: %+v", view.Logs)
	}

	// stopping again is a no-op
	if err := h.orch.Stop(context.Background(), key); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestSecondDeployRejectedWhileActive(t *testing.T) {
	h := newHarness(t, nil)
	first := h.deploy(t, "srv-1", botArchive(t, `sleep 30`, ""))

	if _, err := h.orch.Deploy(context.Background(), "srv-1", botArchive(t, `echo hi`, ""), "bot.zip"); !errors.Is(err, ErrActiveDeployment) {
		t.Fatalf("expected ErrActiveDeployment, got %v", err)
	}
	other := h.deploy(t, "srv-2", botArchive(t, `echo other`, ""))
	h.waitStage(t, other, domain.StageFinished)

	if err := h.orch.Stop(context.Background(), first); err != nil {
		t.Fatalf("stop: %v", err)
	}
	next := h.deploy(t, "srv-1", botArchive(t, `echo again`, ""))
	if next.DeploymentID == first.DeploymentID {
		t.Fatal("new deployment must get a fresh id")
	}
	h.waitStage(t, next, domain.StageFinished)

	latest, err := h.orch.Latest(context.Background(), "srv-1", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Deployment.DeploymentID != next.DeploymentID {
		t.Fatalf("latest should be the newest deployment, got %s", latest.Deployment.DeploymentID)
	}
}

func TestRestartRerunsStoredArchive(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo "run"`, ""))
	h.waitStage(t, key, domain.StageFinished)

	if err := h.orch.Restart(context.Background(), key); err != nil {
		t.Fatalf("restart: %v", err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for {
		view, err := h.orch.Snapshot(context.Background(), key, 100)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if view.Deployment.Restarts == 1 && view.Deployment.Stage == domain.StageFinished {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("restart never finished: %+v", view.Deployment)
		}
		time.Sleep(10 * time.Millisecond)
	}

	starts := 0
	for _, stage := range statuses(h.bus.For(key)) {
		if stage == domain.StageStarting {
			starts++
		}
	}
	if starts != 2 {
		t.Fatalf("expected two starting transitions, got %d", starts)
	}
}

func TestCompleteStopReleasesEverything(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo up; sleep 30`, ""))
	h.waitStage(t, key, domain.StageRunning)

	dir := filepath.Join(h.ws.Root(), key.ServerID, key.DeploymentID)
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("workspace should exist while running: %v", err)
	}

	if err := h.orch.CompleteStop(context.Background(), key); err != nil {
		t.Fatalf("complete stop: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Fatalf("workspace should be removed, stat err = %v", err)
	}
	if _, err := h.orch.Snapshot(context.Background(), key, 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after complete stop, got %v", err)
	}
	if _, err := h.store.GetSnapshot(context.Background(), key); err == nil {
		t.Fatal("persisted snapshot should be deleted")
	}
	if err := h.orch.CompleteStop(context.Background(), key); err != nil {
		t.Fatalf("complete stop of a released deployment: %v", err)
	}

	next := h.deploy(t, "srv-1", botArchive(t, `echo fresh`, ""))
	h.waitStage(t, next, domain.StageFinished)
}

func TestDeployValidatesUpload(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.MaxArchiveBytes = 64 })
	ctx := context.Background()

	cases := []struct {
		name     string
		serverID string
		filename string
		data     []byte
		want     error
	}{
		{name: "empty", serverID: "srv-1", filename: "bot.zip", data: nil, want: ErrInvalidArchive},
		{name: "unknown format", serverID: "srv-1", filename: "bot.rar", data: []byte("not an archive"), want: ErrInvalidArchive},
		{name: "oversized", serverID: "srv-1", filename: "bot.zip", data: bytes.Repeat([]byte("x"), 65), want: ErrArchiveTooLarge},
		{name: "bad server id", serverID: "../etc", filename: "bot.zip", data: []byte("PK\x03\x04"), want: ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := h.orch.Deploy(ctx, tc.serverID, tc.data, tc.filename); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if _, err := h.orch.Latest(ctx, "srv-1", 10); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rejected uploads must not create deployments, got %v", err)
	}
}

func TestQRSignalIsPublished(t *testing.T) {
	h := newHarness(t, nil)
	key := h.deploy(t, "srv-1", botArchive(t, `echo "Scan the QR code below"; sleep 30`, ""))
	h.waitStage(t, key, domain.StageRunning)

	deadline := time.Now().Add(5 * time.Second)
	var signal *domain.QRPayload
	for time.Now().Before(deadline) {
		view, err := h.orch.Snapshot(context.Background(), key, 100)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if view.Signal != nil {
			signal = view.Signal
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if signal == nil {
		t.Fatal("qr signal was never recorded")
	}
	if signal.Kind != domain.SignalQR || signal.Stream != domain.StreamStdout || signal.LogID == 0 {
		t.Fatalf("unexpected signal %+v", signal)
	}

	var published bool
	for _, e := range h.bus.For(key) {
		if e.Type == domain.EventQR {
			published = true
		}
	}
	if !published {
		t.Fatal("qr event was not published")
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	h := newHarness(t, nil)
	a := h.deploy(t, "srv-1", botArchive(t, `sleep 30`, ""))
	b := h.deploy(t, "srv-2", botArchive(t, `echo x`, `sleep 30`))
	h.waitStage(t, a, domain.StageRunning)
	h.waitStage(t, b, domain.StageInstalling)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, key := range []domain.Key{a, b} {
		view, err := h.orch.Snapshot(context.Background(), key, 0)
		if err != nil {
			t.Fatalf("snapshot: %v", err)
		}
		if view.Deployment.Stage != domain.StageStopped {
			t.Fatalf("%s: expected stopped, got %s", key, view.Deployment.Stage)
		}
	}
	if _, err := h.orch.Deploy(context.Background(), "srv-3", botArchive(t, `echo x`, ""), "bot.zip"); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestLatestFallsBackToStore(t *testing.T) {
	h := newHarness(t, nil)
	completed := time.Date(2026, time.March, 1, 10, 0, 0, 0, time.UTC)
	persisted := domain.Deployment{
		ServerID:     "srv-9",
		DeploymentID: "dep-old",
		Stage:        domain.StageFinished,
		Status:       "Finished",
		UpdatedAt:    completed,
		CompletedAt:  &completed,
	}
	ctx := context.Background()
	if err := h.store.SaveSnapshot(ctx, persisted); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	if err := h.store.AppendLogs(ctx, persisted.Key(), []domain.LogEntry{{ID: 1, Stream: domain.StreamStdout, Message: "old output"}}); err != nil {
		t.Fatalf("seed logs: %v", err)
	}

	view, err := h.orch.Latest(ctx, "srv-9", 10)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if view.Live {
		t.Fatal("persisted view must not be marked live")
	}
	if view.Deployment.DeploymentID != "dep-old" || len(view.Logs) != 1 {
		t.Fatalf("unexpected view %+v", view)
	}
}

func TestMergeLogsPrefersTail(t *testing.T) {
	entry := func(id int64) domain.LogEntry { return domain.LogEntry{ID: id} }
	persisted := []domain.LogEntry{entry(1), entry(2), entry(3), entry(4)}
	tail := []domain.LogEntry{entry(3), entry(4), entry(5), entry(6)}

	merged := mergeLogs(persisted, tail, 5)
	var ids []int64
	for _, e := range merged {
		ids = append(ids, e.ID)
	}
	want := []int64{2, 3, 4, 5, 6}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Fatalf("merged ids = %v, want %v", ids, want)
	}
	if got := mergeLogs(persisted, nil, 2); len(got) != 2 || got[0].ID != 3 {
		t.Fatalf("store-only merge = %+v", got)
	}
}
