package store

import (
	"context"
	"fmt"
)

// schemaDDL is the minimal schema this repo owns: the three schemas
// named in spec §6 and the tables the Syncer/Processor/Cron scheduler
// need directly. It deliberately excludes user-defined application
// tables and the generated read API's reflection metadata — those are
// external collaborators per spec §1. A public.migrations table records
// one version row once the whole set has been applied, the minimal contract the
// real migration runner (out of scope) would rely on.
func (s *Store) schemaDDL() []string {
	sync, app, crons := s.Schemas.Sync, s.Schemas.App, s.Schemas.Crons

	return []string{
		`CREATE TABLE IF NOT EXISTS public.migrations (
			version     TEXT PRIMARY KEY,
			applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, sync),
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, app),
		fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, crons),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.raw_events (
			chain_id        NUMERIC NOT NULL,
			block_number    NUMERIC NOT NULL,
			tx_index        INT NOT NULL,
			log_index       INT NOT NULL,
			block_hash      TEXT NOT NULL,
			block_timestamp NUMERIC NOT NULL,
			tx_hash         TEXT NOT NULL,
			address         TEXT NOT NULL,
			topic0          TEXT NOT NULL,
			topic1          TEXT,
			topic2          TEXT,
			topic3          TEXT,
			data            BYTEA NOT NULL,
			PRIMARY KEY (chain_id, block_number, tx_index, log_index)
		)`, sync),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS raw_events_chain_block_idx ON %s.raw_events (chain_id, block_number)`, sync),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS raw_events_address_idx ON %s.raw_events (chain_id, address)`, sync),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.sync_workers (
			chain_id      NUMERIC NOT NULL,
			worker_id     INT NOT NULL,
			range_start   NUMERIC NOT NULL,
			range_end     NUMERIC,
			current_block NUMERIC NOT NULL,
			status        TEXT NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, worker_id)
		)`, sync),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.factory_children (
			chain_id          NUMERIC NOT NULL,
			child_address     TEXT NOT NULL,
			factory_address   TEXT NOT NULL,
			contract_name     TEXT NOT NULL,
			discovery_block   NUMERIC NOT NULL,
			discovery_tx_hash TEXT NOT NULL,
			discovery_log_idx INT NOT NULL,
			child_abi         BYTEA,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, child_address)
		)`, sync),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.rpc_cache (
			chain_id     NUMERIC NOT NULL,
			block_number NUMERIC NOT NULL,
			request_hash TEXT NOT NULL,
			method       TEXT NOT NULL,
			params       JSONB NOT NULL,
			response     JSONB NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, block_number, request_hash)
		)`, sync),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.process_workers (
			chain_id         NUMERIC PRIMARY KEY,
			range_start      NUMERIC NOT NULL,
			range_end        NUMERIC,
			current_block    NUMERIC NOT NULL,
			events_processed NUMERIC NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, app),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.process_checkpoints (
			chain_id     NUMERIC NOT NULL,
			handler_name TEXT NOT NULL,
			block_number NUMERIC NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (chain_id, handler_name)
		)`, app),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cron_jobs (
			name      TEXT NOT NULL,
			chain_id  NUMERIC NOT NULL,
			trigger   TEXT NOT NULL,
			schedule  TEXT,
			timezone  TEXT,
			interval  NUMERIC,
			"offset"  NUMERIC,
			schema    TEXT NOT NULL DEFAULT 'chain',
			PRIMARY KEY (name, chain_id)
		)`, crons),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cron_executions (
			id         BIGSERIAL PRIMARY KEY,
			job_name   TEXT NOT NULL,
			chain_id   NUMERIC NOT NULL,
			status     TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			ended_at   TIMESTAMPTZ,
			error      TEXT
		)`, crons),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.cron_checkpoints (
			job_name          TEXT NOT NULL,
			chain_id          NUMERIC NOT NULL,
			last_block_number NUMERIC NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (job_name, chain_id)
		)`, crons),
	}
}

// Migrate applies the embedded DDL idempotently and records a single
// "core" version row. Real schema evolution (versioned, reversible
// migrations) is the out-of-scope migration runner's job; this exists
// only so a fresh database is usable without it.
func (s *Store) Migrate(ctx context.Context) error {
	const version = "core-0001"

	var applied bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM public.migrations WHERE version = $1)`, version).Scan(&applied)
	if err == nil && applied {
		return nil
	}

	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range s.schemaDDL() {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration statement: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO public.migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, version,
	); err != nil {
		return fmt.Errorf("record migration version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}

	s.logger.Info().Str("version", version).Msg("schema migrated")
	return nil
}
