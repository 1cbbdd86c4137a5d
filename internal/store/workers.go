package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// BeginTx starts a transaction on the pool; callers are responsible for
// Commit/Rollback. Used by the Syncer and Processor to satisfy the
// "insert rows and advance the worker row in one transaction" rule.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("begin transaction: %w", err))
	}
	return tx, nil
}

// ListSyncWorkers returns every sync_workers row for chainID.
func (s *Store) ListSyncWorkers(ctx context.Context, chainID uint64) ([]models.SyncWorker, error) {
	table := s.qualify(s.Schemas.Sync, "sync_workers")
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT chain_id, worker_id, range_start, range_end, current_block, status, created_at, updated_at
		FROM %s WHERE chain_id = $1 ORDER BY worker_id
	`, table), chainID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("list sync workers: %w", err))
	}
	defer rows.Close()

	var out []models.SyncWorker
	for rows.Next() {
		var w models.SyncWorker
		if err := rows.Scan(&w.ChainID, &w.WorkerID, &w.RangeStart, &w.RangeEnd, &w.CurrentBlock, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan sync worker row: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetSyncWorkerByID returns one sync_workers row, or nil if it does not
// exist yet (used when a crashed worker needs to resume from its last
// committed currentBlock).
func (s *Store) GetSyncWorkerByID(ctx context.Context, chainID uint64, workerID int) (*models.SyncWorker, error) {
	table := s.qualify(s.Schemas.Sync, "sync_workers")
	var w models.SyncWorker
	err := s.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT chain_id, worker_id, range_start, range_end, current_block, status, created_at, updated_at
		FROM %s WHERE chain_id = $1 AND worker_id = $2
	`, table), chainID, workerID).Scan(&w.ChainID, &w.WorkerID, &w.RangeStart, &w.RangeEnd, &w.CurrentBlock, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("get sync worker %d: %w", workerID, err))
	}
	return &w, nil
}

// InsertSyncWorker creates a fresh historical (or live) worker row. Used
// by the range planner when it carves new chunks out of uncovered
// sub-ranges.
func (s *Store) InsertSyncWorker(ctx context.Context, w models.SyncWorker) error {
	table := s.qualify(s.Schemas.Sync, "sync_workers")
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, worker_id, range_start, range_end, current_block, status)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (chain_id, worker_id) DO NOTHING
	`, table), w.ChainID, w.WorkerID, w.RangeStart, w.RangeEnd, w.CurrentBlock, w.Status)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("insert sync worker: %w", err))
	}
	return nil
}

// UpsertLiveWorker upserts the single workerId=0 live worker row,
// seeding currentBlock at the finalized tip when first created.
func (s *Store) UpsertLiveWorker(ctx context.Context, chainID, currentBlock uint64) error {
	table := s.qualify(s.Schemas.Sync, "sync_workers")
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, worker_id, range_start, range_end, current_block, status)
		VALUES ($1, 0, $2, NULL, $2, 'live')
		ON CONFLICT (chain_id, worker_id) DO NOTHING
	`, table), chainID, currentBlock)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("upsert live worker: %w", err))
	}
	return nil
}

// UpdateSyncWorkerProgressTx advances currentBlock (and status, on
// completion) for one worker row, inside the caller's transaction.
func (s *Store) UpdateSyncWorkerProgressTx(ctx context.Context, tx pgx.Tx, chainID uint64, workerID int, currentBlock uint64, status models.SyncWorkerStatus) error {
	table := s.qualify(s.Schemas.Sync, "sync_workers")
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET current_block = $3, status = $4, updated_at = now()
		WHERE chain_id = $1 AND worker_id = $2
	`, table), chainID, workerID, currentBlock, status)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("update sync worker progress: %w", err))
	}
	return nil
}

// GetProcessWorker returns the single process_workers row for chainID,
// or nil if none exists yet.
func (s *Store) GetProcessWorker(ctx context.Context, chainID uint64) (*models.ProcessWorker, error) {
	table := s.qualify(s.Schemas.App, "process_workers")
	var w models.ProcessWorker
	err := s.Pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT chain_id, range_start, range_end, current_block, events_processed, status, updated_at
		FROM %s WHERE chain_id = $1
	`, table), chainID).Scan(&w.ChainID, &w.RangeStart, &w.RangeEnd, &w.CurrentBlock, &w.EventsProcessed, &w.Status, &w.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("get process worker: %w", err))
	}
	return &w, nil
}

// EnsureProcessWorker creates the chainID's process_workers row at
// startBlock if it does not already exist.
func (s *Store) EnsureProcessWorker(ctx context.Context, chainID, startBlock uint64) error {
	table := s.qualify(s.Schemas.App, "process_workers")
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, range_start, range_end, current_block, events_processed, status)
		VALUES ($1, $2, NULL, $2, 0, 'processing')
		ON CONFLICT (chain_id) DO NOTHING
	`, table), chainID, startBlock)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("ensure process worker: %w", err))
	}
	return nil
}

// AdvanceProcessWorkerTx updates the process worker's currentBlock,
// eventsProcessed counter, and status in the caller's transaction, so it
// commits atomically with the block's handler effects (spec §4.H).
func (s *Store) AdvanceProcessWorkerTx(ctx context.Context, tx pgx.Tx, chainID, currentBlock uint64, eventsInBlock int, status models.ProcessWorkerStatus) error {
	table := s.qualify(s.Schemas.App, "process_workers")
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET current_block = $2, events_processed = events_processed + $3, status = $4, updated_at = now()
		WHERE chain_id = $1
	`, table), chainID, currentBlock, eventsInBlock, status)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("advance process worker: %w", err))
	}
	return nil
}
