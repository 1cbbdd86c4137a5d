package chain

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// ValidatedStreamSource wraps a provider that pushes already-validated
// blocks (e.g. a consensus-client-backed feed, or a vendor stream that
// itself handles reorg repair upstream). It reuses the websocket
// subscription plumbing from polling.go but reports
// ProvidesValidatedData true, so the Syncer's live worker skips its own
// reorg-detection re-fetch pass for this chain.
type ValidatedStreamSource struct {
	*rpcClient
}

func NewValidatedStreamSource(desc models.ChainDescriptor, logger zerolog.Logger) (*ValidatedStreamSource, error) {
	if desc.Source.WSEndpoint == "" {
		return nil, errNotSupported{"validated stream source requires a websocket endpoint"}
	}
	c, err := dial(desc.Source.Endpoint, desc.Source.WSEndpoint, desc.ChainID, logger.With().Str("source", "validated_stream").Logger())
	if err != nil {
		return nil, err
	}
	return &ValidatedStreamSource{rpcClient: c}, nil
}

func (s *ValidatedStreamSource) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return s.latestBlockNumber(ctx)
}

func (s *ValidatedStreamSource) GetFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	return s.latestBlockNumber(ctx)
}

func (s *ValidatedStreamSource) GetBlocks(ctx context.Context, from, to uint64, addresses []string) BlockRange {
	return s.newPagedRange(from, to, addresses)
}

func (s *ValidatedStreamSource) OnBlock(ctx context.Context, addresses []string, cb func(BlockLogs)) (CancelFunc, error) {
	return subscribeNewHead(ctx, s.rpcClient, addresses, cb)
}

func (s *ValidatedStreamSource) ProvidesValidatedData() bool { return true }
