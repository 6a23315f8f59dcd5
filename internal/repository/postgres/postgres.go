package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/splax/bothost/internal/domain"
	"github.com/splax/bothost/internal/repository"
)

// deleteBatchSize bounds how many log rows a single DELETE touches.
const deleteBatchSize = 5000

// Repository implements repository.DeploymentStore on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.DeploymentStore = (*Repository)(nil)

// SaveSnapshot upserts the deployment row. A snapshot older than the stored
// one is ignored.
func (r *Repository) SaveSnapshot(ctx context.Context, d domain.Deployment) error {
	const query = `INSERT INTO deployments (server_id, deployment_id, stage, status, details, analysis, error, restarts, started_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (server_id, deployment_id) DO UPDATE SET
			stage = EXCLUDED.stage,
			status = EXCLUDED.status,
			details = EXCLUDED.details,
			analysis = EXCLUDED.analysis,
			error = EXCLUDED.error,
			restarts = EXCLUDED.restarts,
			started_at = EXCLUDED.started_at,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
		WHERE deployments.updated_at <= EXCLUDED.updated_at`

	details, err := marshalNullable(d.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	analysis, err := marshalNullable(d.Analysis)
	if err != nil {
		return fmt.Errorf("encode analysis: %w", err)
	}
	_, err = r.pool.Exec(ctx, query,
		d.ServerID,
		d.DeploymentID,
		string(d.Stage),
		d.Status,
		details,
		analysis,
		emptyToNil(d.Error),
		d.Restarts,
		d.StartedAt,
		d.UpdatedAt,
		d.CompletedAt,
	)
	return mapError(err)
}

const snapshotColumns = `server_id, deployment_id, stage, status, details, analysis, error, restarts, started_at, updated_at, completed_at`

// GetSnapshot fetches the snapshot for key.
func (r *Repository) GetSnapshot(ctx context.Context, key domain.Key) (*domain.Deployment, error) {
	query := `SELECT ` + snapshotColumns + ` FROM deployments WHERE server_id = $1 AND deployment_id = $2`
	return scanDeployment(r.pool.QueryRow(ctx, query, key.ServerID, key.DeploymentID))
}

// LatestSnapshot returns the most recently updated deployment of a server.
func (r *Repository) LatestSnapshot(ctx context.Context, serverID string) (*domain.Deployment, error) {
	query := `SELECT ` + snapshotColumns + ` FROM deployments WHERE server_id = $1 ORDER BY updated_at DESC LIMIT 1`
	return scanDeployment(r.pool.QueryRow(ctx, query, serverID))
}

// AppendLogs writes entries as one batch inside a transaction. Entries that
// were already persisted are skipped.
func (r *Repository) AppendLogs(ctx context.Context, key domain.Key, entries []domain.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	const query = `INSERT INTO deployment_logs (server_id, deployment_id, log_id, ts, stream, message)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (server_id, deployment_id, log_id) DO NOTHING`

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	batch := &pgx.Batch{}
	for _, entry := range entries {
		batch.Queue(query, key.ServerID, key.DeploymentID, entry.ID, entry.Timestamp, string(entry.Stream), textColumn(entry.Message))
	}
	br := tx.SendBatch(ctx, batch)
	for range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return mapError(err)
		}
	}
	if err := br.Close(); err != nil {
		return mapError(err)
	}
	return tx.Commit(ctx)
}

// LoadLogs returns at most limit of the newest entries, oldest first.
func (r *Repository) LoadLogs(ctx context.Context, key domain.Key, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	const query = `SELECT log_id, ts, stream, message FROM deployment_logs
		WHERE server_id = $1 AND deployment_id = $2
		ORDER BY log_id DESC
		LIMIT $3`
	rows, err := r.pool.Query(ctx, query, key.ServerID, key.DeploymentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LogEntry, 0, limit)
	for rows.Next() {
		var (
			entry  domain.LogEntry
			stream string
		)
		if err := rows.Scan(&entry.ID, &entry.Timestamp, &stream, &entry.Message); err != nil {
			return nil, err
		}
		entry.Stream = domain.Stream(stream)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// ClearLogs removes every persisted log entry for key in bounded batches.
func (r *Repository) ClearLogs(ctx context.Context, key domain.Key) error {
	const query = `DELETE FROM deployment_logs WHERE ctid IN (
		SELECT ctid FROM deployment_logs WHERE server_id = $1 AND deployment_id = $2 LIMIT $3)`
	for {
		tag, err := r.pool.Exec(ctx, query, key.ServerID, key.DeploymentID, deleteBatchSize)
		if err != nil {
			return err
		}
		if tag.RowsAffected() < deleteBatchSize {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// DeleteDeployment removes the logs and then the snapshot row.
func (r *Repository) DeleteDeployment(ctx context.Context, key domain.Key) error {
	if err := r.ClearLogs(ctx, key); err != nil {
		return fmt.Errorf("clear logs: %w", err)
	}
	const query = `DELETE FROM deployments WHERE server_id = $1 AND deployment_id = $2`
	_, err := r.pool.Exec(ctx, query, key.ServerID, key.DeploymentID)
	return err
}

// Ping verifies connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	var (
		d           domain.Deployment
		stage       string
		details     []byte
		analysis    []byte
		errText     *string
		completedAt *time.Time
	)
	err := row.Scan(&d.ServerID, &d.DeploymentID, &stage, &d.Status, &details, &analysis, &errText, &d.Restarts, &d.StartedAt, &d.UpdatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	d.Stage = domain.Stage(stage)
	d.CompletedAt = completedAt
	if errText != nil {
		d.Error = *errText
	}
	if len(details) > 0 {
		d.Details = &domain.Details{}
		if err := json.Unmarshal(details, d.Details); err != nil {
			return nil, fmt.Errorf("decode details: %w", err)
		}
	}
	if len(analysis) > 0 {
		d.Analysis = &domain.Analysis{}
		if err := json.Unmarshal(analysis, d.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
	}
	return &d, nil
}

func marshalNullable[T any](value *T) (any, error) {
	if value == nil {
		return nil, nil
	}
	return json.Marshal(value)
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02", "22001":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}

// textColumn makes program output storable in a TEXT column, which rejects
// NUL bytes and invalid UTF-8.
func textColumn(value string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(value, "\x00", ""), "\uFFFD")
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
