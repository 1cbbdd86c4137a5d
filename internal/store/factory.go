package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// InsertFactoryChildTx appends a discovered child contract. Returns
// whether the insert was effective (false on a duplicate) so the
// Syncer knows whether to broadcast factory_child_discovered — spec
// §4.G only broadcasts on the first sighting.
func (s *Store) InsertFactoryChildTx(ctx context.Context, tx pgx.Tx, c models.FactoryChild) (bool, error) {
	table := s.qualify(s.Schemas.Sync, "factory_children")
	tag, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, child_address, factory_address, contract_name, discovery_block, discovery_tx_hash, discovery_log_idx, child_abi)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (chain_id, child_address) DO NOTHING
	`, table), c.ChainID, c.ChildAddress, c.FactoryAddress, c.ContractName, c.DiscoveryBlock, c.DiscoveryTxHash, c.DiscoveryLogIdx, c.ChildABI)
	if err != nil {
		return false, errkind.Wrap(errkind.StoreIntegrityViolation, fmt.Errorf("insert factory child: %w", err))
	}
	return tag.RowsAffected() > 0, nil
}

// ListFactoryChildren returns every discovered child for chainID,
// re-read by the Processor at every block boundary per spec §5(v) so
// factory discovery is causally visible without a shared in-process
// reference.
func (s *Store) ListFactoryChildren(ctx context.Context, chainID uint64) ([]models.FactoryChild, error) {
	table := s.qualify(s.Schemas.Sync, "factory_children")
	rows, err := s.Pool.Query(ctx, fmt.Sprintf(`
		SELECT chain_id, child_address, factory_address, contract_name, discovery_block, discovery_tx_hash, discovery_log_idx, child_abi, created_at
		FROM %s WHERE chain_id = $1
	`, table), chainID)
	if err != nil {
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("list factory children: %w", err))
	}
	defer rows.Close()

	var out []models.FactoryChild
	for rows.Next() {
		var c models.FactoryChild
		if err := rows.Scan(&c.ChainID, &c.ChildAddress, &c.FactoryAddress, &c.ContractName, &c.DiscoveryBlock, &c.DiscoveryTxHash, &c.DiscoveryLogIdx, &c.ChildABI, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan factory child row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
