// Package chain provides the Block Source abstraction: a unified
// interface over RPC, archival-query, and validated-stream providers,
// each wrapping go-ethereum's ethclient the way the teacher's
// OnChainClient did, generalized into a pull-based lazy sequence of
// (block, logs) pairs instead of single-block fetches.
package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// BlockLogs pairs one block header with the logs it contains, already
// filtered to the caller's address set.
type BlockLogs struct {
	Number    uint64
	Hash      string // lowercase hex
	Timestamp uint64
	Logs      []types.Log
}

// BlockRange is a finite, ordered, pull-based sequence of BlockLogs over
// [from, to] inclusive. Next blocks until the next item is ready, the
// range is exhausted, or ctx is cancelled. Callers drive iteration speed,
// which is the natural backpressure spec §9 calls for.
type BlockRange interface {
	Next(ctx context.Context) (BlockLogs, bool, error)
	Close()
}

// CancelFunc stops a live subscription started by OnBlock.
type CancelFunc func()

// Source is the capability set every Block Source adapter implements.
// Sources MUST deliver logs ordered by (blockNumber, txIndex, logIndex)
// within a range and MUST NOT silently skip blocks — a gap discovered by
// a caller is treated as a fatal source error (errkind.SourceFatal).
type Source interface {
	ChainID() uint64

	// GetLatestBlockNumber returns the chain tip as seen by this source.
	GetLatestBlockNumber(ctx context.Context) (uint64, error)

	// GetFinalizedBlockNumber returns the highest block this source
	// considers canonical. Validated-data sources return the tip
	// itself; raw-RPC sources return latest-finality.
	GetFinalizedBlockNumber(ctx context.Context) (uint64, error)

	// GetBlocks returns a lazy, paged iterator over [from, to] filtered
	// to addresses. Addresses may grow between calls as factory
	// children are discovered; each call captures its own snapshot.
	GetBlocks(ctx context.Context, from, to uint64, addresses []string) BlockRange

	// OnBlock subscribes to new heads, invoking cb for each one filtered
	// to addresses. Returns a cancel handle; callers MUST call it to
	// release the subscription.
	OnBlock(ctx context.Context, addresses []string, cb func(BlockLogs)) (CancelFunc, error)

	// ProvidesValidatedData reports whether this source already
	// guarantees canonical-chain finality (archival-query and
	// validated-stream sources do; raw polling RPC does not).
	ProvidesValidatedData() bool

	// HTTPClient exposes the underlying JSON-RPC connection so the
	// Cached RPC Client (spec §4.B) can share it rather than dial twice.
	HTTPClient() *ethclient.Client

	IsHealthy() bool
	Close()
}
