package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// EnsureCronJob upserts the static job definition from the descriptor
// file, so a row-lock target exists before the first fire.
func (s *Store) EnsureCronJob(ctx context.Context, j models.CronJob) error {
	table := s.qualify(s.Schemas.Crons, "cron_jobs")
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (name, chain_id, trigger, schedule, timezone, interval, "offset", schema)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name, chain_id) DO UPDATE SET
			trigger = EXCLUDED.trigger, schedule = EXCLUDED.schedule, timezone = EXCLUDED.timezone,
			interval = EXCLUDED.interval, "offset" = EXCLUDED.offset, schema = EXCLUDED.schema
	`, table), j.Name, j.ChainID, j.Trigger, j.Schedule, j.Timezone, j.Interval, j.Offset, j.Schema)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("ensure cron job: %w", err))
	}
	return nil
}

// AcquireCronLease opens a transaction and row-locks the cron_jobs row
// for (jobName, chainID) with FOR UPDATE SKIP LOCKED — the explicit
// row-lock spec §9's Open Questions section calls the safe choice over
// an implicit lease. Contending runners get acquired=false and must not
// hold the returned tx (it is nil in that case).
func (s *Store) AcquireCronLease(ctx context.Context, jobName string, chainID uint64) (tx pgx.Tx, acquired bool, err error) {
	table := s.qualify(s.Schemas.Crons, "cron_jobs")
	tx, err = s.Pool.Begin(ctx)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("begin lease tx: %w", err))
	}

	var name string
	err = tx.QueryRow(ctx, fmt.Sprintf(
		`SELECT name FROM %s WHERE name = $1 AND chain_id = $2 FOR UPDATE SKIP LOCKED`, table,
	), jobName, chainID).Scan(&name)
	if err != nil {
		tx.Rollback(ctx)
		if err == pgx.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("acquire cron lease: %w", err))
	}

	return tx, true, nil
}

// InsertCronExecutionTx records a fire's start, returning its id for the
// matching completion update.
func (s *Store) InsertCronExecutionTx(ctx context.Context, tx pgx.Tx, jobName string, chainID uint64) (int64, error) {
	table := s.qualify(s.Schemas.Crons, "cron_executions")
	var id int64
	err := tx.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_name, chain_id, status) VALUES ($1,$2,'running') RETURNING id
	`, table), jobName, chainID).Scan(&id)
	if err != nil {
		return 0, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("insert cron execution: %w", err))
	}
	return id, nil
}

// CompleteCronExecutionTx finalizes the execution row with the fire's
// outcome and duration.
func (s *Store) CompleteCronExecutionTx(ctx context.Context, tx pgx.Tx, id int64, status models.CronExecutionStatus, execErr error) error {
	table := s.qualify(s.Schemas.Crons, "cron_executions")
	var errText *string
	if execErr != nil {
		msg := execErr.Error()
		errText = &msg
	}
	_, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = $2, ended_at = $3, error = $4 WHERE id = $1`, table,
	), id, status, time.Now().UTC(), errText)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("complete cron execution: %w", err))
	}
	return nil
}

// GetCronCheckpoint returns the last-triggered block for a block-
// interval cron, or 0 if it has never fired.
func (s *Store) GetCronCheckpoint(ctx context.Context, jobName string, chainID uint64) (uint64, error) {
	table := s.qualify(s.Schemas.Crons, "cron_checkpoints")
	var block uint64
	err := s.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT last_block_number FROM %s WHERE job_name = $1 AND chain_id = $2`, table,
	), jobName, chainID).Scan(&block)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("get cron checkpoint: %w", err))
	}
	return block, nil
}

// AdvanceCronCheckpointTx updates the checkpoint only on a successful
// fire (spec §4.I: "checkpoints advance only on success").
func (s *Store) AdvanceCronCheckpointTx(ctx context.Context, tx pgx.Tx, jobName string, chainID, blockNumber uint64) error {
	table := s.qualify(s.Schemas.Crons, "cron_checkpoints")
	_, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (job_name, chain_id, last_block_number) VALUES ($1,$2,$3)
		ON CONFLICT (job_name, chain_id) DO UPDATE SET last_block_number = EXCLUDED.last_block_number, updated_at = now()
	`, table), jobName, chainID, blockNumber)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("advance cron checkpoint: %w", err))
	}
	return nil
}
