package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// rpcClient is the transport shared by every adapter variant: it wraps
// ethclient.Client the way the teacher's OnChainClient did, but exposes
// the range-fetch primitives the Source capability set needs rather than
// single-block accessors.
type rpcClient struct {
	http    *ethclient.Client
	ws      *ethclient.Client
	chainID uint64
	logger  zerolog.Logger
	healthy atomic.Bool
}

func dial(httpURL, wsURL string, chainID uint64, logger zerolog.Logger) (*rpcClient, error) {
	httpClient, err := ethclient.Dial(httpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc endpoint: %w", err)
	}

	actual, err := httpClient.ChainID(context.Background())
	if err != nil {
		httpClient.Close()
		return nil, fmt.Errorf("get chain id: %w", err)
	}
	if actual.Uint64() != chainID {
		httpClient.Close()
		return nil, fmt.Errorf("chain id mismatch: configured %d, rpc reports %d", chainID, actual.Uint64())
	}

	var wsClient *ethclient.Client
	if wsURL != "" {
		wsClient, err = ethclient.Dial(wsURL)
		if err != nil {
			logger.Warn().Err(err).Str("ws_url", wsURL).Msg("failed to connect websocket endpoint, live subscriptions unavailable")
		}
	}

	c := &rpcClient{http: httpClient, ws: wsClient, chainID: chainID, logger: logger}
	c.healthy.Store(true)
	return c, nil
}

func (c *rpcClient) ChainID() uint64 { return c.chainID }

func (c *rpcClient) IsHealthy() bool { return c.healthy.Load() }

// HTTPClient exposes the underlying ethclient so the Cached RPC Client
// (spec §4.B) can share one dialed connection per chain instead of
// opening a second one.
func (c *rpcClient) HTTPClient() *ethclient.Client { return c.http }

func (c *rpcClient) Close() {
	c.http.Close()
	if c.ws != nil {
		c.ws.Close()
	}
}

func (c *rpcClient) latestBlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.http.BlockNumber(ctx)
	if err != nil {
		c.healthy.Store(false)
		return 0, Classify(fmt.Errorf("get latest block number: %w", err))
	}
	c.healthy.Store(true)
	return n, nil
}

func toAddresses(addrs []string) []common.Address {
	out := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, common.HexToAddress(a))
	}
	return out
}

// fetchRangeLogs pulls every log for [from, to] in a single eth_getLogs
// call, matching spec §4.A's ordering guarantee
// (blockNumber, txIndex, logIndex): go-ethereum already returns logs in
// that order for a single FilterLogs call.
func (c *rpcClient) fetchRangeLogs(ctx context.Context, from, to uint64, addresses []string) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: toAddresses(addresses),
	}
	logs, err := c.http.FilterLogs(ctx, query)
	if err != nil {
		c.healthy.Store(false)
		return nil, Classify(fmt.Errorf("filter logs [%d,%d]: %w", from, to, err))
	}
	c.healthy.Store(true)
	return logs, nil
}

func (c *rpcClient) header(ctx context.Context, number uint64) (*types.Header, error) {
	h, err := c.http.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		c.healthy.Store(false)
		return nil, Classify(fmt.Errorf("get header %d: %w", number, err))
	}
	c.healthy.Store(true)
	return h, nil
}

// pagedBlockRange walks [from, to] one block at a time, lazily fetching
// the block header for hash/timestamp and attaching any pre-fetched logs
// for that block. Implements chain.BlockRange.
type pagedBlockRange struct {
	client  *rpcClient
	cur     uint64
	to      uint64
	logsBy  map[uint64][]types.Log
	fetched bool
	from    uint64
	addrs   []string
}

func (c *rpcClient) newPagedRange(from, to uint64, addresses []string) *pagedBlockRange {
	return &pagedBlockRange{client: c, cur: from, to: to, from: from, addrs: addresses}
}

func (r *pagedBlockRange) ensureLogs(ctx context.Context) error {
	if r.fetched {
		return nil
	}
	logs, err := r.client.fetchRangeLogs(ctx, r.from, r.to, r.addrs)
	if err != nil {
		return err
	}
	byBlock := make(map[uint64][]types.Log)
	for _, l := range logs {
		byBlock[l.BlockNumber] = append(byBlock[l.BlockNumber], l)
	}
	r.logsBy = byBlock
	r.fetched = true
	return nil
}

func (r *pagedBlockRange) Next(ctx context.Context) (BlockLogs, bool, error) {
	if r.cur > r.to {
		return BlockLogs{}, false, nil
	}
	if err := r.ensureLogs(ctx); err != nil {
		return BlockLogs{}, false, err
	}

	header, err := r.client.header(ctx, r.cur)
	if err != nil {
		return BlockLogs{}, false, err
	}

	bl := BlockLogs{
		Number:    r.cur,
		Hash:      strings.ToLower(header.Hash().Hex()),
		Timestamp: header.Time,
		Logs:      r.logsBy[r.cur],
	}
	r.cur++
	return bl, true, nil
}

func (r *pagedBlockRange) Close() {}
