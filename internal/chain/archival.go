package chain

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// ArchivalSource wraps the same RPC transport as PollingSource but is
// configured against a provider that serves only already-finalized
// history (an archive node behind a reorg-safe proxy, or a indexing
// provider's log API). It reports ProvidesValidatedData true: the
// Syncer's live-worker reorg-repair pass never runs against it, and it
// is intended for backfill-only chain descriptors.
type ArchivalSource struct {
	*rpcClient
}

func NewArchivalSource(desc models.ChainDescriptor, logger zerolog.Logger) (*ArchivalSource, error) {
	c, err := dial(desc.Source.Endpoint, "", desc.ChainID, logger.With().Str("source", "archival").Logger())
	if err != nil {
		return nil, err
	}
	return &ArchivalSource{rpcClient: c}, nil
}

func (s *ArchivalSource) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	return s.latestBlockNumber(ctx)
}

// GetFinalizedBlockNumber equals the tip: an archival-query source
// already only serves canonical history.
func (s *ArchivalSource) GetFinalizedBlockNumber(ctx context.Context) (uint64, error) {
	return s.latestBlockNumber(ctx)
}

func (s *ArchivalSource) GetBlocks(ctx context.Context, from, to uint64, addresses []string) BlockRange {
	return s.newPagedRange(from, to, addresses)
}

// OnBlock is unsupported: archival-query providers are backfill-only by
// construction. Callers should route live-follow traffic through a
// PollingSource or ValidatedStreamSource for the same chain.
func (s *ArchivalSource) OnBlock(ctx context.Context, addresses []string, cb func(BlockLogs)) (CancelFunc, error) {
	return nil, errNotSupported{"archival source does not support live subscription"}
}

func (s *ArchivalSource) ProvidesValidatedData() bool { return true }

type errNotSupported struct{ msg string }

func (e errNotSupported) Error() string { return e.msg }
