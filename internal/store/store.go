// Package store is the Postgres-backed persistence layer: the raw-event
// store, worker-lease store, factory registry, RPC cache, and cron
// tables from spec §3, all reached through one pgxpool.Pool. It replaces
// the teacher's bbolt-only internal/db.CheckpointDB with relational
// tables that support the Syncer/Processor's transactional
// "insert + checkpoint in one commit" requirement (spec §4.G/§4.H),
// while bbolt survives separately as a local accelerant cache
// (internal/leasestore).
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/config"
)

// Store wraps the shared connection pool and the three configurable
// schema names (spec §6).
type Store struct {
	Pool    *pgxpool.Pool
	Schemas config.SchemaNames
	logger  zerolog.Logger
}

// Open connects to Postgres, capping the pool at maxConns (spec §5's
// "shared pool with a configurable hard bound", default 20).
func Open(ctx context.Context, connString string, schemas config.SchemaNames, maxConns int, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info().
		Int32("max_conns", poolCfg.MaxConns).
		Str("sync_schema", schemas.Sync).
		Str("app_schema", schemas.App).
		Str("crons_schema", schemas.Crons).
		Msg("connected to database")

	return &Store{Pool: pool, Schemas: schemas, logger: logger.With().Str("component", "store").Logger()}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) qualify(schema, table string) string {
	return fmt.Sprintf("%s.%s", schema, table)
}
