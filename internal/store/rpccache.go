package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// GetCachedResponse returns a previously cached RPC response for the
// exact (chainId, blockNumber, requestHash) key, or nil on a cache miss.
func (s *Store) GetCachedResponse(ctx context.Context, chainID, blockNumber uint64, requestHash string) ([]byte, error) {
	table := s.qualify(s.Schemas.Sync, "rpc_cache")
	var response []byte
	err := s.Pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT response FROM %s WHERE chain_id = $1 AND block_number = $2 AND request_hash = $3`, table,
	), chainID, blockNumber, requestHash).Scan(&response)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errkind.Wrap(errkind.StoreTransient, fmt.Errorf("get cached rpc response: %w", err))
	}
	return response, nil
}

// PutCachedResponse inserts a fresh entry on a cache miss.
// ON CONFLICT DO NOTHING makes concurrent identical misses safe (spec
// §4.H): whichever writer loses the race simply reads back the winner's
// byte-identical response on its next GetCachedResponse.
func (s *Store) PutCachedResponse(ctx context.Context, e models.RPCCacheEntry) error {
	table := s.qualify(s.Schemas.Sync, "rpc_cache")
	_, err := s.Pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (chain_id, block_number, request_hash, method, params, response)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (chain_id, block_number, request_hash) DO NOTHING
	`, table), e.ChainID, e.BlockNumber, e.RequestHash, e.Method, e.Params, e.Response)
	if err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("put cached rpc response: %w", err))
	}
	return nil
}
