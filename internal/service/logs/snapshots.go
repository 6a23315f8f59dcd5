package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/repository"
)

// SnapshotWriter persists deployment snapshots asynchronously. While a write
// for a key is in flight, newer snapshots replace each other and only the
// latest is written next.
type SnapshotWriter struct {
	store   repository.DeploymentStore
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	entries map[domain.Key]*snapshotSlot
	wg      sync.WaitGroup
}

type snapshotSlot struct {
	pending *domain.Deployment
	done    chan struct{}
}

// NewSnapshotWriter constructs a SnapshotWriter.
func NewSnapshotWriter(store repository.DeploymentStore, timeout time.Duration, logger *slog.Logger) *SnapshotWriter {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SnapshotWriter{
		store:   store,
		logger:  logger.With("component", "snapshot_writer"),
		timeout: timeout,
		entries: make(map[domain.Key]*snapshotSlot),
	}
}

// Save schedules d to be persisted. It never blocks on the store.
func (w *SnapshotWriter) Save(d domain.Deployment) {
	key := d.Key()
	snapshot := d.Clone()

	w.mu.Lock()
	defer w.mu.Unlock()
	slot, running := w.entries[key]
	if running {
		if slot.pending == nil || !slot.pending.UpdatedAt.After(snapshot.UpdatedAt) {
			slot.pending = &snapshot
		}
		return
	}
	slot = &snapshotSlot{pending: &snapshot, done: make(chan struct{})}
	w.entries[key] = slot
	w.wg.Add(1)
	go w.drain(key, slot)
}

func (w *SnapshotWriter) drain(key domain.Key, slot *snapshotSlot) {
	defer w.wg.Done()
	defer close(slot.done)
	for {
		w.mu.Lock()
		next := slot.pending
		slot.pending = nil
		if next == nil {
			if w.entries[key] == slot {
				delete(w.entries, key)
			}
			w.mu.Unlock()
			return
		}
		w.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.store.SaveSnapshot(ctx, *next)
		cancel()
		if err != nil {
			w.logger.Warn("failed to persist deployment snapshot",
				"server_id", key.ServerID,
				"deployment_id", key.DeploymentID,
				"stage", next.Stage,
				"error", err,
			)
		}
	}
}

// Forget drops any pending snapshot for key and waits for an in-flight write
// to complete.
func (w *SnapshotWriter) Forget(key domain.Key) {
	w.mu.Lock()
	slot, ok := w.entries[key]
	if ok {
		slot.pending = nil
	}
	w.mu.Unlock()
	if ok {
		<-slot.done
	}
}

// Wait blocks until every scheduled snapshot has been written or ctx ends.
func (w *SnapshotWriter) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
