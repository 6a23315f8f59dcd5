package repository

import (
	"context"

	"github.com/splax/bothost/internal/domain"
)

// DeploymentStore is the durable record of deployment snapshots and their
// append-only logs. Implementations may be entirely unavailable; callers
// treat every error as non-fatal.
type DeploymentStore interface {
	SaveSnapshot(ctx context.Context, deployment domain.Deployment) error
	GetSnapshot(ctx context.Context, key domain.Key) (*domain.Deployment, error)
	LatestSnapshot(ctx context.Context, serverID string) (*domain.Deployment, error)
	AppendLogs(ctx context.Context, key domain.Key, entries []domain.LogEntry) error
	LoadLogs(ctx context.Context, key domain.Key, limit int) ([]domain.LogEntry, error)
	ClearLogs(ctx context.Context, key domain.Key) error
	DeleteDeployment(ctx context.Context, key domain.Key) error
	Ping(ctx context.Context) error
}

// Nop is the store selected when durability is not configured. Writes are
// discarded and reads return empty results.
type Nop struct{}

var _ DeploymentStore = Nop{}

// SaveSnapshot discards the snapshot.
func (Nop) SaveSnapshot(context.Context, domain.Deployment) error { return nil }

// GetSnapshot always reports ErrNotFound.
func (Nop) GetSnapshot(context.Context, domain.Key) (*domain.Deployment, error) {
	return nil, ErrNotFound
}

// LatestSnapshot always reports ErrNotFound.
func (Nop) LatestSnapshot(context.Context, string) (*domain.Deployment, error) {
	return nil, ErrNotFound
}

// AppendLogs discards the entries.
func (Nop) AppendLogs(context.Context, domain.Key, []domain.LogEntry) error { return nil }

// LoadLogs returns no entries.
func (Nop) LoadLogs(context.Context, domain.Key, int) ([]domain.LogEntry, error) { return nil, nil }

// ClearLogs is a no-op.
func (Nop) ClearLogs(context.Context, domain.Key) error { return nil }

// DeleteDeployment is a no-op.
func (Nop) DeleteDeployment(context.Context, domain.Key) error { return nil }

// Ping always succeeds.
func (Nop) Ping(context.Context) error { return nil }
