package logs

import (
	"sync"

	"github.com/splax/bothost/internal/domain"
)

const defaultTailSize = 200

// Tail keeps the most recent entries of one deployment in memory so that
// snapshots work without a durable store.
type Tail struct {
	mu     sync.Mutex
	size   int
	buffer []domain.LogEntry
}

// NewTail constructs a Tail retaining at most size entries.
func NewTail(size int) *Tail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &Tail{size: size}
}

// Record appends entry, evicting the oldest when full.
func (t *Tail) Record(entry domain.LogEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer) < t.size {
		t.buffer = append(t.buffer, entry)
		return
	}
	copy(t.buffer, t.buffer[1:])
	t.buffer[len(t.buffer)-1] = entry
}

// Snapshot returns up to limit of the newest entries, oldest first. A
// non-positive limit returns everything retained.
func (t *Tail) Snapshot(limit int) []domain.LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.buffer) == 0 {
		return nil
	}
	if limit <= 0 || limit >= len(t.buffer) {
		return append([]domain.LogEntry(nil), t.buffer...)
	}
	return append([]domain.LogEntry(nil), t.buffer[len(t.buffer)-limit:]...)
}

// Reset empties the tail.
func (t *Tail) Reset() {
	t.mu.Lock()
	t.buffer = nil
	t.mu.Unlock()
}
