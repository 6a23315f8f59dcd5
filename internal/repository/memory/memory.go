// Package memory keeps deployment records in process memory. It backs tests
// and single-node setups that want snapshot queries without a database.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/repository"
)

// Store implements repository.DeploymentStore in memory.
type Store struct {
	mu          sync.RWMutex
	deployments map[domain.Key]domain.Deployment
	logs        map[domain.Key][]domain.LogEntry
}

var _ repository.DeploymentStore = (*Store)(nil)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		deployments: make(map[domain.Key]domain.Deployment),
		logs:        make(map[domain.Key][]domain.LogEntry),
	}
}

// SaveSnapshot upserts the deployment snapshot unless the stored one is newer.
func (s *Store) SaveSnapshot(_ context.Context, deployment domain.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deployments[deployment.Key()]; ok && existing.UpdatedAt.After(deployment.UpdatedAt) {
		return nil
	}
	s.deployments[deployment.Key()] = deployment.Clone()
	return nil
}

// GetSnapshot returns the snapshot for key.
func (s *Store) GetSnapshot(_ context.Context, key domain.Key) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deployments[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := d.Clone()
	return &out, nil
}

// LatestSnapshot returns the most recently updated snapshot for a server.
func (s *Store) LatestSnapshot(_ context.Context, serverID string) (*domain.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *domain.Deployment
	for key, d := range s.deployments {
		if key.ServerID != serverID {
			continue
		}
		if latest == nil || d.UpdatedAt.After(latest.UpdatedAt) {
			candidate := d
			latest = &candidate
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	out := latest.Clone()
	return &out, nil
}

// AppendLogs appends entries in the order given.
func (s *Store) AppendLogs(_ context.Context, key domain.Key, entries []domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[key] = append(s.logs[key], entries...)
	return nil
}

// LoadLogs returns at most limit of the most recent entries, oldest first.
func (s *Store) LoadLogs(_ context.Context, key domain.Key, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[key]
	start := 0
	if len(all) > limit {
		start = len(all) - limit
	}
	out := append([]domain.LogEntry(nil), all[start:]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClearLogs drops every entry for key.
func (s *Store) ClearLogs(_ context.Context, key domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key)
	return nil
}

// DeleteDeployment removes the snapshot and its logs.
func (s *Store) DeleteDeployment(_ context.Context, key domain.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, key)
	delete(s.deployments, key)
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
