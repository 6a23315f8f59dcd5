// Package logs persists deployment output and snapshots without putting the
// store on the hot path. Entries are buffered per deployment and written in
// batches; snapshot writes are coalesced so only the newest one is stored.
package logs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/metrics"
	"github.com/splax/bothost/internal/repository"
)

const (
	defaultFlushInterval = time.Second
	defaultFlushSize     = 200
	defaultStoreTimeout  = 5 * time.Second
)

// BatcherOptions tunes a Batcher. Zero values select defaults.
type BatcherOptions struct {
	FlushInterval time.Duration
	FlushSize     int
	StoreTimeout  time.Duration
	Logger        *slog.Logger
}

// Batcher buffers log entries per deployment and appends them to the store
// in order. Store failures are logged and the affected batch is dropped.
type Batcher struct {
	store    repository.DeploymentStore
	logger   *slog.Logger
	interval time.Duration
	size     int
	timeout  time.Duration

	mu      sync.Mutex
	pending map[domain.Key][]domain.LogEntry
	locks   map[domain.Key]*keyLock
	kick    chan domain.Key

	persisted prometheus.Counter
	failed    prometheus.Counter
}

// NewBatcher constructs a Batcher writing to store.
func NewBatcher(store repository.DeploymentStore, opts BatcherOptions) *Batcher {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}
	if opts.FlushSize <= 0 {
		opts.FlushSize = defaultFlushSize
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		store:    store,
		logger:   logger.With("component", "log_batcher"),
		interval: opts.FlushInterval,
		size:     opts.FlushSize,
		timeout:  opts.StoreTimeout,
		pending:  make(map[domain.Key][]domain.LogEntry),
		locks:    make(map[domain.Key]*keyLock),
		kick:     make(chan domain.Key, 64),
		persisted: metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "log_entries_persisted_total",
			Help:      "Log entries written to the deployment store.",
		})),
		failed: metrics.Register(prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metrics.Namespace,
			Name:      "log_entries_dropped_total",
			Help:      "Log entries dropped because the store rejected the batch.",
		})),
	}
}

// Add buffers entries for key. Reaching the flush size schedules an early
// flush when Run is active.
func (b *Batcher) Add(key domain.Key, entries ...domain.LogEntry) {
	if len(entries) == 0 {
		return
	}
	b.mu.Lock()
	b.pending[key] = append(b.pending[key], entries...)
	full := len(b.pending[key]) >= b.size
	b.mu.Unlock()

	if full {
		select {
		case b.kick <- key:
		default:
		}
	}
}

// Pending reports how many entries are buffered for key.
func (b *Batcher) Pending(key domain.Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[key])
}

// Run flushes on the configured interval until ctx is cancelled, then
// flushes whatever is left.
func (b *Batcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	// Flushes outlive ctx; each is bounded by the store timeout.
	flushCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			b.FlushAll(flushCtx)
			return nil
		case key := <-b.kick:
			b.Flush(flushCtx, key)
		case <-ticker.C:
			b.FlushAll(flushCtx)
		}
	}
}

// FlushAll flushes every key with pending entries.
func (b *Batcher) FlushAll(ctx context.Context) {
	b.mu.Lock()
	keys := make([]domain.Key, 0, len(b.pending))
	for key, entries := range b.pending {
		if len(entries) > 0 {
			keys = append(keys, key)
		}
	}
	b.mu.Unlock()

	for _, key := range keys {
		b.Flush(ctx, key)
	}
}

// Flush writes the pending entries of key. Flushes of the same key are
// serialised so batches reach the store in the order they were added.
func (b *Batcher) Flush(ctx context.Context, key domain.Key) {
	lock := b.acquire(key)
	defer b.release(key, lock)

	b.mu.Lock()
	batch := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.store.AppendLogs(writeCtx, key, batch); err != nil {
		b.failed.Add(float64(len(batch)))
		b.logger.Warn("failed to persist log batch",
			"server_id", key.ServerID,
			"deployment_id", key.DeploymentID,
			"entries", len(batch),
			"error", err,
		)
		return
	}
	b.persisted.Add(float64(len(batch)))
}

// Discard drops anything buffered for key and waits for an in-flight flush of
// that key to finish, so a following delete is not undone by a late write.
func (b *Batcher) Discard(key domain.Key) {
	lock := b.acquire(key)
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	b.release(key, lock)
}

// keyLock serialises flushes of one key. It is removed from the map once no
// goroutine holds or waits for it.
type keyLock struct {
	sync.Mutex
	users int
}

func (b *Batcher) acquire(key domain.Key) *keyLock {
	b.mu.Lock()
	lock, ok := b.locks[key]
	if !ok {
		lock = &keyLock{}
		b.locks[key] = lock
	}
	lock.users++
	b.mu.Unlock()

	lock.Lock()
	return lock
}

func (b *Batcher) release(key domain.Key, lock *keyLock) {
	lock.Unlock()
	b.mu.Lock()
	lock.users--
	if lock.users == 0 {
		delete(b.locks, key)
	}
	b.mu.Unlock()
}
