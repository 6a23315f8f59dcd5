package logs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/logger"
	"github.com/splax/bothost/internal/repository"
)

var key = domain.Key{ServerID: "srv", DeploymentID: "dep"}

type recordingStore struct {
	repository.Nop

	mu         sync.Mutex
	appends    [][]domain.LogEntry
	snapshots  []domain.Deployment
	appendErr  error
	appendGate chan struct{}
	appending  chan struct{}
	saveGate   chan struct{}
	saving     chan struct{}
}

func (s *recordingStore) AppendLogs(ctx context.Context, _ domain.Key, entries []domain.LogEntry) error {
	if s.appendGate != nil {
		s.appending <- struct{}{}
		select {
		case <-s.appendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appends = append(s.appends, append([]domain.LogEntry(nil), entries...))
	return nil
}

func (s *recordingStore) SaveSnapshot(_ context.Context, d domain.Deployment) error {
	select {
	case s.saving <- struct{}{}:
	default:
	}
	if s.saveGate != nil {
		<-s.saveGate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, d)
	return nil
}

func (s *recordingStore) persistedIDs() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, batch := range s.appends {
		for _, e := range batch {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func (s *recordingStore) savedStages() []domain.Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Stage, 0, len(s.snapshots))
	for _, d := range s.snapshots {
		out = append(out, d.Stage)
	}
	return out
}

func entry(id int64) domain.LogEntry {
	return domain.LogEntry{ID: id, Stream: domain.StreamStdout, Message: "x"}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestBatcherFlushesInOrder(t *testing.T) {
	store := &recordingStore{}
	b := NewBatcher(store, BatcherOptions{FlushSize: 1000, Logger: logger.Discard()})

	for id := int64(1); id <= 10; id++ {
		b.Add(key, entry(id))
		if id%3 == 0 {
			b.Flush(context.Background(), key)
		}
	}
	b.FlushAll(context.Background())

	ids := store.persistedIDs()
	if len(ids) != 10 {
		t.Fatalf("expected 10 persisted entries, got %d", len(ids))
	}
	for i, id := range ids {
		if id != int64(i+1) {
			t.Fatalf("entry %d persisted out of order: %v", i, ids)
		}
	}
	if b.Pending(key) != 0 {
		t.Fatalf("expected nothing pending after flush")
	}
}

func TestBatcherRunFlushesWhenSizeReached(t *testing.T) {
	store := &recordingStore{}
	b := NewBatcher(store, BatcherOptions{FlushSize: 5, FlushInterval: time.Hour, Logger: logger.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	for id := int64(1); id <= 5; id++ {
		b.Add(key, entry(id))
	}
	waitFor(t, time.Second, func() bool { return len(store.persistedIDs()) == 5 })

	b.Add(key, entry(6))
	cancel()
	<-done
	if got := len(store.persistedIDs()); got != 6 {
		t.Fatalf("expected final flush on shutdown, got %d entries", got)
	}
}

func TestBatcherRunFinishesFlushAfterCancel(t *testing.T) {
	store := &recordingStore{appendGate: make(chan struct{}), appending: make(chan struct{}, 1)}
	b := NewBatcher(store, BatcherOptions{FlushSize: 2, FlushInterval: time.Hour, StoreTimeout: 5 * time.Second, Logger: logger.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()

	b.Add(key, entry(1), entry(2))
	select {
	case <-store.appending:
	case <-time.After(time.Second):
		t.Fatal("size threshold did not trigger a flush")
	}
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(store.appendGate)
	<-done

	if ids := store.persistedIDs(); len(ids) != 2 {
		t.Fatalf("batch in flight at cancel was dropped, persisted %v", ids)
	}
}

func TestBatcherDropsFailedBatch(t *testing.T) {
	store := &recordingStore{appendErr: errors.New("connection refused")}
	b := NewBatcher(store, BatcherOptions{Logger: logger.Discard()})

	b.Add(key, entry(1), entry(2))
	b.Flush(context.Background(), key)

	if b.Pending(key) != 0 {
		t.Fatalf("failed batch should be dropped, not retried")
	}
}

func TestBatcherDiscard(t *testing.T) {
	store := &recordingStore{}
	b := NewBatcher(store, BatcherOptions{Logger: logger.Discard()})

	b.Add(key, entry(1))
	b.Discard(key)
	b.FlushAll(context.Background())

	if ids := store.persistedIDs(); len(ids) != 0 {
		t.Fatalf("discarded entries were persisted: %v", ids)
	}
}

func TestSnapshotWriterCoalesces(t *testing.T) {
	store := &recordingStore{saveGate: make(chan struct{}), saving: make(chan struct{}, 1)}
	w := NewSnapshotWriter(store, time.Second, logger.Discard())

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	stages := []domain.Stage{domain.StageStarting, domain.StageUnpacking, domain.StageInstalling, domain.StageAnalyzing, domain.StageRunning}
	for i, stage := range stages {
		w.Save(domain.Deployment{ServerID: key.ServerID, DeploymentID: key.DeploymentID, Stage: stage, UpdatedAt: base.Add(time.Duration(i) * time.Second)})
		if i == 0 {
			<-store.saving
		}
	}
	close(store.saveGate)

	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	saved := store.savedStages()
	if len(saved) != 2 {
		t.Fatalf("expected first and latest snapshot only, got %v", saved)
	}
	if saved[0] != domain.StageStarting || saved[1] != domain.StageRunning {
		t.Fatalf("unexpected snapshot order %v", saved)
	}
}

func TestSnapshotWriterKeepsNewerPending(t *testing.T) {
	store := &recordingStore{saveGate: make(chan struct{}), saving: make(chan struct{}, 1)}
	w := NewSnapshotWriter(store, time.Second, logger.Discard())

	base := time.Date(2026, time.May, 1, 0, 0, 0, 0, time.UTC)
	w.Save(domain.Deployment{ServerID: "srv", DeploymentID: "dep", Stage: domain.StageStarting, UpdatedAt: base})
	<-store.saving
	w.Save(domain.Deployment{ServerID: "srv", DeploymentID: "dep", Stage: domain.StageRunning, UpdatedAt: base.Add(2 * time.Second)})
	w.Save(domain.Deployment{ServerID: "srv", DeploymentID: "dep", Stage: domain.StageInstalling, UpdatedAt: base.Add(time.Second)})
	close(store.saveGate)

	if err := w.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	saved := store.savedStages()
	if saved[len(saved)-1] != domain.StageRunning {
		t.Fatalf("older snapshot overwrote newer one: %v", saved)
	}
}

func TestTailKeepsNewest(t *testing.T) {
	tail := NewTail(3)
	for id := int64(1); id <= 5; id++ {
		tail.Record(entry(id))
	}
	got := tail.Snapshot(0)
	if len(got) != 3 || got[0].ID != 3 || got[2].ID != 5 {
		t.Fatalf("unexpected tail %+v", got)
	}
	if limited := tail.Snapshot(2); len(limited) != 2 || limited[0].ID != 4 {
		t.Fatalf("unexpected limited tail %+v", limited)
	}
	tail.Reset()
	if tail.Snapshot(0) != nil {
		t.Fatalf("expected empty tail after reset")
	}
}
