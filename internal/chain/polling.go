package chain

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// PollingSource is the default Source variant: a raw JSON-RPC endpoint
// with no finality guarantee of its own. Generalizes the teacher's
// OnChainClient, which only ever exposed single-block accessors used by
// a confirmations-based safety buffer; here the same "latest minus
// finality" math becomes GetFinalizedBlockNumber so the Syncer can
// reason about it directly instead of embedding it in a poll loop.
type PollingSource struct {
	*rpcClient
	finalityDepth uint64
}

// NewPollingSource dials rpcURL (and optionally wsURL) and verifies the
// remote chain id matches desc.ChainID.
func NewPollingSource(desc models.ChainDescriptor, logger zerolog.Logger) (*PollingSource, error) {
	c, err := dial(desc.Source.Endpoint, desc.Source.WSEndpoint, desc.ChainID, logger.With().Str("source", "polling").Logger())
	if err != nil {
		return nil, err
	}
	depth := desc.Finality.Depth
	if depth == 0 {
		depth = 64
	}
	return &PollingSource{rpcClient: c, finalityDepth: depth}, nil
}

func (s *PollingSource) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return s.latestBlockNumber(ctx)
}

func (s *PollingSource) GetFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	latest, err := s.latestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if latest < s.finalityDepth {
		return 0, nil
	}
	return latest - s.finalityDepth, nil
}

func (s *PollingSource) GetBlocks(ctx context.Context, from, to uint64, addresses []string) BlockRange {
	return s.newPagedRange(from, to, addresses)
}

func (s *PollingSource) OnBlock(ctx context.Context, addresses []string, cb func(BlockLogs)) (CancelFunc, error) {
	return subscribeNewHead(ctx, s.rpcClient, addresses, cb)
}

func (s *PollingSource) ProvidesValidatedData() bool { return false }

// subscribeNewHead is shared by PollingSource and ValidatedStreamSource:
// both deliver live blocks over a websocket head subscription, they only
// differ in whether the Syncer trusts the delivered data as final.
func subscribeNewHead(ctx context.Context, c *rpcClient, addresses []string, cb func(BlockLogs)) (CancelFunc, error) {
	if c.ws == nil {
		return nil, fmt.Errorf("websocket endpoint not configured, live subscription unavailable")
	}

	headers := make(chan *types.Header)
	sub, err := c.ws.SubscribeNewHead(ctx, headers)
	if err != nil {
		return nil, fmt.Errorf("subscribe new heads: %w", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer sub.Unsubscribe()
		for {
			select {
			case <-subCtx.Done():
				return
			case err := <-sub.Err():
				if err != nil {
					c.logger.Error().Err(err).Msg("head subscription error")
				}
				return
			case h := <-headers:
				logs, err := c.fetchRangeLogs(subCtx, h.Number.Uint64(), h.Number.Uint64(), addresses)
				if err != nil {
					c.logger.Error().Err(err).Uint64("block", h.Number.Uint64()).Msg("failed to fetch logs for new head")
					continue
				}
				cb(BlockLogs{
					Number:    h.Number.Uint64(),
					Hash:      h.Hash().Hex(),
					Timestamp: h.Time,
					Logs:      logs,
				})
			}
		}
	}()

	return CancelFunc(cancel), nil
}
