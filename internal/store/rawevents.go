package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// InsertRawEventsTx idempotently appends rows within an existing
// transaction, so callers can commit the insert and a worker-row
// checkpoint update atomically (spec §4.G's "in the same transaction"
// rule). Conflicting primary keys are silently absorbed — spec §7
// classifies a unique-violation on raw events as not an error.
func (s *Store) InsertRawEventsTx(ctx context.Context, tx pgx.Tx, rows []models.RawEvent) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	table := s.qualify(s.Schemas.Sync, "raw_events")
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (chain_id, block_number, tx_index, log_index, block_hash, block_timestamp, tx_hash, address, topic0, topic1, topic2, topic3, data)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (chain_id, block_number, tx_index, log_index) DO NOTHING
		`, table),
			r.ChainID, r.BlockNumber, r.TxIndex, r.LogIndex, r.BlockHash, r.BlockTimestamp,
			r.TxHash, r.Address, r.Topic0, r.Topic1, r.Topic2, r.Topic3, r.Data,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range rows {
		tag, err := br.Exec()
		if err != nil {
			return 0, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("insert raw event: %w", err))
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// DeleteStaleBlockTx removes every raw_events row for (chainId, blockNumber)
// whose block_hash no longer matches currentHash — the reorg-repair step
// spec §4.G's live worker runs before reinserting a redelivered block.
func (s *Store) DeleteStaleBlockTx(ctx context.Context, tx pgx.Tx, chainID, blockNumber uint64, currentHash string) (int64, error) {
	table := s.qualify(s.Schemas.Sync, "raw_events")
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE chain_id = $1 AND block_number = $2 AND block_hash <> $3`, table,
	), chainID, blockNumber, currentHash)
	if err != nil {
		return 0, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("delete stale block rows: %w", err))
	}
	return tag.RowsAffected(), nil
}

// RangeScan returns every raw_events row for chainID in (fromExclusive,
// toInclusive], ordered by (blockNumber, txIndex, logIndex) — the total
// order the Processor consumes per spec §4.H.
func (s *Store) RangeScan(ctx context.Context, chainID, fromExclusive, toInclusive uint64) ([]models.RawEvent, error) {
	table := s.qualify(s.Schemas.Sync, "raw_events")
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT chain_id, block_number, tx_index, log_index, block_hash, block_timestamp, tx_hash, address, topic0, topic1, topic2, topic3, data
		FROM %s
		WHERE chain_id = $1 AND block_number > $2 AND block_number <= $3
		ORDER BY block_number, tx_index, log_index
	`, table), chainID, fromExclusive, toInclusive)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("range scan: %w", err))
	}
	defer rows.Close()

	var out []models.RawEvent
	for rows.Next() {
		var r models.RawEvent
		if err := rows.Scan(&r.ChainID, &r.BlockNumber, &r.TxIndex, &r.LogIndex, &r.BlockHash, &r.BlockTimestamp,
			&r.TxHash, &r.Address, &r.Topic0, &r.Topic1, &r.Topic2, &r.Topic3, &r.Data); err != nil {
			return nil, fmt.Errorf("scan raw event row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MaxBlockNumber is the fallback poll the Processor runs (default every
// 5s) when a bus delivery is missed (spec §4.H).
func (s *Store) MaxBlockNumber(ctx context.Context, chainID uint64) (uint64, error) {
	table := s.qualify(s.Schemas.Sync, "raw_events")
	var max *uint64
	err := s.Pool.QueryRow(ctx, fmt.Sprintf(`SELECT max(block_number) FROM %s WHERE chain_id = $1`, table), chainID).Scan(&max)
	if err != nil {
		return 0, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("max block number: %w", err))
	}
	if max == nil {
		return 0, nil
	}
	return *max, nil
}
