// Package syncer implements the Syncer component (spec §4.G): turns an
// unbounded chain into a totally ordered, gap-free stream of raw-event
// rows, with the persisted sync_workers table as the single source of
// restartability. Builds on the teacher's syncer.Syncer backfill/realtime
// split, replacing its in-memory currentBlock with Postgres rows and
// adding multi-worker range planning, factory watching, and reorg repair
// — none of which the teacher's sequential single-stream design needed.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/leasestore"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// Config is per-chain Syncer configuration.
type Config struct {
	// StartBlock is the historical bound: the earliest block any
	// configured contract or factory needs indexed from.
	StartBlock uint64
	// WorkerCount is the configured historical worker count; 0 selects
	// the default heuristic (spec §4.G).
	WorkerCount int
	// PollInterval is how often the live worker checks the tip; it polls
	// on this interval whether or not the source supports OnBlock.
	PollInterval time.Duration
}

// Syncer runs one chain's historical workers to completion and then the
// live worker, until Start's context is cancelled.
type Syncer struct {
	chainDesc models.ChainDescriptor
	cfg       Config
	source    chain.Source
	store     *store.Store
	bus       *bus.Bus
	lease     *leasestore.Store
	addrs     *addressSet
	watcher   *factoryWatcher
	retry     chain.RetryPolicy
	logger    zerolog.Logger
}

func New(
	chainDesc models.ChainDescriptor,
	contracts []models.ContractDescriptor,
	factories []models.FactoryDescriptor,
	source chain.Source,
	st *store.Store,
	b *bus.Bus,
	lease *leasestore.Store,
	abiReg *abidecoder.Registry,
	cfg Config,
	logger zerolog.Logger,
) *Syncer {
	initial := make([]string, 0, len(contracts))
	for _, c := range contracts {
		if c.Factory == nil && c.Address != "" {
			initial = append(initial, c.Address)
		}
	}

	return &Syncer{
		chainDesc: chainDesc,
		cfg:       cfg,
		source:    source,
		store:     st,
		bus:       b,
		lease:     lease,
		addrs:     newAddressSet(initial),
		watcher:   newFactoryWatcher(contracts, factories, abiReg),
		retry:     chain.DefaultRetryPolicy(),
		logger:    logger.With().Str("component", "syncer").Uint64("chain", chainDesc.ChainID).Logger(),
	}
}

// Start plans historical work, runs it to completion (restarting
// individual workers across panics, per spec §4.G), then runs the live
// worker until ctx is cancelled.
func (s *Syncer) Start(ctx context.Context) error {
	// Factory children discovered in prior runs must widen the address
	// set and watcher before any page is fetched.
	children, err := s.store.ListFactoryChildren(ctx, s.chainDesc.ChainID)
	if err != nil {
		return err
	}
	for _, c := range children {
		s.addrs.Add(c.ChildAddress)
	}

	finalized, err := s.source.GetFinalizedBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get finalized block: %w", err)
	}

	existing, err := s.store.ListSyncWorkers(ctx, s.chainDesc.ChainID)
	if err != nil {
		return err
	}

	if err := s.store.UpsertLiveWorker(ctx, s.chainDesc.ChainID, finalized); err != nil {
		return err
	}

	plan := planRanges(existing, s.cfg.StartBlock, finalized, s.cfg.WorkerCount)
	s.logger.Info().Int("historical_workers", len(plan)).Uint64("finalized", finalized).Msg("starting syncer")

	// A plain errgroup.Group (not WithContext) gives the same "wait for
	// every goroutine" shape as sync.WaitGroup while also capturing each
	// worker's terminal error for the post-plan log line below — without
	// cancelling siblings on the first error, which spec §4.G's "the
	// supervisor does not tear down siblings" rule requires.
	var g errgroup.Group
	for _, p := range plan {
		p := p
		g.Go(func() error {
			return s.superviseHistorical(ctx, p)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("a historical worker gave up; others may have completed")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	liveStart := finalized
	if existingLive, err := s.store.GetSyncWorkerByID(ctx, s.chainDesc.ChainID, 0); err == nil && existingLive != nil {
		liveStart = existingLive.CurrentBlock
	}

	lw := &liveWorker{
		chainID:      s.chainDesc.ChainID,
		chainName:    s.chainDesc.Name,
		finality:     s.chainDesc.Finality.Depth,
		pollInterval: s.cfg.PollInterval,
		source:       s.source,
		store:        s.store,
		bus:          s.bus,
		lease:        s.lease,
		addrs:        s.addrs,
		watcher:      s.watcher,
		retry:        s.retry,
		logger:       s.logger.With().Str("worker", "live").Logger(),
	}
	return lw.Run(ctx, liveStart)
}

// superviseHistorical restarts a historical worker after a panic or any
// error other than errkind.SourceFatal (transient source errors are
// retried inside the worker and never reach here), resuming from its
// last committed block —
// the worker row is never rolled back mid-page, so currentBlock always
// reflects real progress (spec §4.G's "panic... restarts it after the
// backoff; the supervisor does not tear down siblings"). Its return
// value is the terminal reason this worker stopped (nil on clean
// completion), surfaced to Start's errgroup for a single post-plan log
// line — it is never used to cancel or wait on sibling workers.
func (s *Syncer) superviseHistorical(ctx context.Context, plan plannedWorker) error {
	attempt := 0
	for {
		err := s.runHistoricalOnce(ctx, plan)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errkind.Is(err, errkind.SourceFatal) {
			s.logger.Error().Err(err).Int("worker", plan.WorkerID).Msg("historical worker hit a fatal error, giving up")
			return err
		}

		s.logger.Error().Err(err).Int("worker", plan.WorkerID).Msg("historical worker crashed, restarting")
		if serr := s.retry.Sleep(ctx, attempt); serr != nil {
			return serr
		}
		attempt++

		if resumed, ok := s.reloadResumePlan(ctx, plan.WorkerID); ok {
			plan = resumed
		}
	}
}

func (s *Syncer) reloadResumePlan(ctx context.Context, workerID int) (plannedWorker, bool) {
	w, err := s.store.GetSyncWorkerByID(ctx, s.chainDesc.ChainID, workerID)
	if err != nil || w == nil || w.RangeEnd == nil || !w.Resumable() {
		return plannedWorker{}, false
	}
	return plannedWorker{WorkerID: workerID, Range: blockRange{Start: w.CurrentBlock + 1, End: *w.RangeEnd}, Resume: true}, true
}

func (s *Syncer) runHistoricalOnce(ctx context.Context, plan plannedWorker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in historical worker %d: %v", plan.WorkerID, r)
		}
	}()

	hw := &historicalWorker{
		chainID:  s.chainDesc.ChainID,
		workerID: plan.WorkerID,
		source:   s.source,
		store:    s.store,
		bus:      s.bus,
		lease:    s.lease,
		addrs:    s.addrs,
		watcher:  s.watcher,
		retry:    s.retry,
		logger:   s.logger.With().Int("worker", plan.WorkerID).Logger(),
	}
	return hw.Run(ctx, plan)
}

// Healthy reports whether the underlying source is reachable.
func (s *Syncer) Healthy() bool {
	return s.source.IsHealthy()
}
