// Package integration exercises the Syncer against a real Postgres and
// NATS instance the way the teacher's test/fork_test.go exercises its
// OnChainClient against a live forked network — except here the chain
// side is a fake, in-process chain.Source, since Go lets the Block
// Source boundary be faked where the teacher's direct ethclient calls
// could not be. Every test requires KYOMEI_TEST_DATABASE_URL and
// KYOMEI_TEST_NATS_URL and skips itself when they are unset, matching
// how the teacher's fork tests require a live "polygon-fork" endpoint.
package integration

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/kyomei-indexer/kyomei/internal/chain"
)

// fakeSource is an in-memory chain.Source double. Tests append blocks
// with push and simulate a reorg by calling rewrite with the same block
// number and a different hash/logs.
type fakeSource struct {
	mu        sync.Mutex
	chainID   uint64
	blocks    []chain.BlockLogs
	validated bool
	healthy   bool
}

func newFakeSource(chainID uint64) *fakeSource {
	return &fakeSource{chainID: chainID, healthy: true}
}

func (f *fakeSource) ChainID() uint64 { return f.chainID }

func (f *fakeSource) push(b chain.BlockLogs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks = append(f.blocks, b)
}

// rewrite replaces an already-pushed block at the same number, modelling
// a reorg: the chain now reports a different hash (and possibly
// different logs) at that height.
func (f *fakeSource) rewrite(b chain.BlockLogs) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.blocks {
		if f.blocks[i].Number == b.Number {
			f.blocks[i] = b
			return
		}
	}
	f.blocks = append(f.blocks, b)
}

func (f *fakeSource) snapshot() []chain.BlockLogs {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chain.BlockLogs, len(f.blocks))
	copy(out, f.blocks)
	return out
}

func (f *fakeSource) GetLatestBlockNumber(context.Context) (uint64, error) {
	blocks := f.snapshot()
	if len(blocks) == 0 {
		return 0, nil
	}
	max := blocks[0].Number
	for _, b := range blocks {
		if b.Number > max {
			max = b.Number
		}
	}
	return max, nil
}

func (f *fakeSource) GetFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	return f.GetLatestBlockNumber(ctx)
}

func (f *fakeSource) GetBlocks(ctx context.Context, from, to uint64, addresses []string) chain.BlockRange {
	var out []chain.BlockLogs
	for _, b := range f.snapshot() {
		if b.Number >= from && b.Number <= to {
			out = append(out, b)
		}
	}
	return &fakeBlockRange{ctx: ctx, blocks: out}
}

func (f *fakeSource) OnBlock(context.Context, []string, func(chain.BlockLogs)) (chain.CancelFunc, error) {
	return func() {}, nil
}

func (f *fakeSource) ProvidesValidatedData() bool   { return f.validated }
func (f *fakeSource) HTTPClient() *ethclient.Client { return nil }
func (f *fakeSource) IsHealthy() bool               { return f.healthy }
func (f *fakeSource) Close()                        {}

type fakeBlockRange struct {
	ctx    context.Context
	blocks []chain.BlockLogs
	idx    int
}

func (r *fakeBlockRange) Next(context.Context) (chain.BlockLogs, bool, error) {
	if r.ctx.Err() != nil {
		return chain.BlockLogs{}, false, r.ctx.Err()
	}
	if r.idx >= len(r.blocks) {
		return chain.BlockLogs{}, false, nil
	}
	b := r.blocks[r.idx]
	r.idx++
	return b, true, nil
}

func (r *fakeBlockRange) Close() {}
