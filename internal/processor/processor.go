package processor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/dbctx"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/rpccache"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/handlerapi"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// maxConsecutiveHandlerFailures pauses the chain per spec §7: "after 10
// failures the chain is paused and requires operator intervention".
const maxConsecutiveHandlerFailures = 10

var (
	blocksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyomei_blocks_processed_total",
		Help: "Total number of blocks the processor has committed",
	}, []string{"chain"})

	eventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyomei_events_dispatched_total",
		Help: "Total number of decoded events dispatched to handlers",
	}, []string{"chain", "event"})

	blockProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kyomei_block_processing_duration_seconds",
		Help:    "Time taken to decode and dispatch one block's events",
		Buckets: prometheus.DefBuckets,
	}, []string{"chain"})

	handlerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kyomei_handler_failures_total",
		Help: "Total number of handler failures causing a block rollback",
	}, []string{"chain"})
)

// Config is per-chain Processor configuration.
type Config struct {
	// StartBlock seeds process_workers.currentBlock the first time this
	// chain's Processor runs.
	StartBlock uint64
	// PageSize bounds how many blocks are read from raw_events per
	// RangeScan call (spec §4.H default 1000).
	PageSize uint64
	// FallbackPollInterval drives the max(blockNumber) poll used when a
	// bus delivery is missed (spec §4.H default 5s).
	FallbackPollInterval time.Duration
}

// Processor follows one chain's raw_events table in strict order,
// dispatching decoded events to registered handlers under a per-block
// transaction, until ctx is cancelled or the chain is paused after
// repeated handler failures.
type Processor struct {
	chainID  uint64
	schema   string
	store    *store.Store
	bus      *bus.Bus
	abiReg   *abidecoder.Registry
	handlers *handlerapi.Registry
	rpc      handlerapi.RPC
	resolver *contractIndex
	dbReg    *dbctx.Registry
	cfg      Config
	retry    chain.RetryPolicy
	logger   zerolog.Logger

	watermark atomic.Uint64
}

// New wires a Processor for one chain. contracts must be exactly the
// set the chain's Syncer was configured with, so static/dynamic
// resolution agrees between the two components.
func New(
	chainID uint64,
	appSchema string,
	contracts []models.ContractDescriptor,
	st *store.Store,
	b *bus.Bus,
	abiReg *abidecoder.Registry,
	handlers *handlerapi.Registry,
	rpcClient *rpccache.Client,
	dbReg *dbctx.Registry,
	cfg Config,
	logger zerolog.Logger,
) *Processor {
	resolver := newContractIndex(contracts)
	return &Processor{
		chainID:  chainID,
		schema:   appSchema,
		store:    st,
		bus:      b,
		abiReg:   abiReg,
		handlers: handlers,
		rpc:      newRPCAdapter(rpcClient, abiReg, resolver),
		resolver: resolver,
		dbReg:    dbReg,
		cfg:      cfg,
		retry:    chain.DefaultRetryPolicy(),
		logger:   logger.With().Str("component", "processor").Uint64("chain", chainID).Logger(),
	}
}

// Run subscribes to the notification bus and processes newly synced
// block ranges until ctx is cancelled. Returns a non-nil error when
// startup fails, when the chain must be paused (integrity violation, or
// handler-failure exhaustion), or when ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	if p.cfg.PageSize == 0 {
		p.cfg.PageSize = 1000
	}
	if p.cfg.FallbackPollInterval <= 0 {
		p.cfg.FallbackPollInterval = 5 * time.Second
	}

	if err := p.store.EnsureProcessWorker(ctx, p.chainID, p.cfg.StartBlock); err != nil {
		return err
	}

	wake := make(chan struct{}, 1)
	notify := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	onNotification := func(_ context.Context, n bus.Notification) error {
		if n.ChainID != p.chainID {
			return nil
		}
		p.bumpWatermark(n.ToBlock)
		notify()
		return nil
	}
	if err := p.bus.Subscribe(ctx, fmt.Sprintf("processor-%d-range", p.chainID), bus.BlockRangeSynced, onNotification); err != nil {
		return fmt.Errorf("subscribe block_range_synced: %w", err)
	}
	if err := p.bus.Subscribe(ctx, fmt.Sprintf("processor-%d-live", p.chainID), bus.LiveBlockSynced, onNotification); err != nil {
		return fmt.Errorf("subscribe live_block_synced: %w", err)
	}

	ticker := time.NewTicker(p.cfg.FallbackPollInterval)
	defer ticker.Stop()
	notify()

	consecutiveFailures := 0
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if polled, err := p.store.MaxBlockNumber(ctx, p.chainID); err == nil {
				p.bumpWatermark(polled)
			}
			notify()
		case <-wake:
			pw, err := p.store.GetProcessWorker(ctx, p.chainID)
			if err != nil {
				p.logger.Warn().Err(err).Msg("read process worker failed")
				continue
			}
			target := p.watermark.Load()
			if pw == nil || target <= pw.CurrentBlock {
				continue
			}

			from := pw.CurrentBlock
			for from < target {
				to := from + p.cfg.PageSize
				if to > target {
					to = target
				}
				caughtUp := to == target

				if err := p.processPage(ctx, from, to, caughtUp); err != nil {
					if errkind.Is(err, errkind.StoreIntegrityViolation) {
						p.logger.Error().Err(err).Msg("integrity violation, halting processor for this chain")
						return err
					}
					if errkind.Is(err, errkind.HandlerError) {
						consecutiveFailures++
						p.logger.Error().Err(err).Int("consecutive_failures", consecutiveFailures).Msg("handler failed, block rolled back")
						if consecutiveFailures >= maxConsecutiveHandlerFailures {
							return fmt.Errorf("chain %d paused after %d consecutive handler failures: %w", p.chainID, maxConsecutiveHandlerFailures, err)
						}
					} else {
						p.logger.Warn().Err(err).Msg("process page failed, retrying")
					}
					if serr := p.retry.Sleep(ctx, attempt); serr != nil {
						return serr
					}
					attempt++
					break
				}

				consecutiveFailures = 0
				attempt = 0
				from = to
			}
			if from < target {
				notify()
			}
		}
	}
}

func (p *Processor) bumpWatermark(v uint64) {
	for {
		cur := p.watermark.Load()
		if v <= cur {
			return
		}
		if p.watermark.CompareAndSwap(cur, v) {
			return
		}
	}
}

// processPage reads (from, to] and commits one transaction per distinct
// block number present. Trailing blocks with no events are caught up in
// a single extra commit rather than one empty transaction each.
func (p *Processor) processPage(ctx context.Context, from, to uint64, caughtUp bool) error {
	rows, err := p.store.RangeScan(ctx, p.chainID, from, to)
	if err != nil {
		return err
	}

	tables, err := p.dbReg.Tables(ctx)
	if err != nil {
		return fmt.Errorf("load application schema tables: %w", err)
	}

	last := from
	i := 0
	for i < len(rows) {
		blockNumber := rows[i].BlockNumber
		j := i
		for j < len(rows) && rows[j].BlockNumber == blockNumber {
			j++
		}

		// Re-read the factory registry at every block boundary so a
		// child discovered earlier in this same page is resolvable by
		// the time its first event is decoded (spec §5(v)).
		if err := p.resolver.Refresh(ctx, p.chainID, p.store); err != nil {
			return err
		}

		isLive := caughtUp && blockNumber == to
		if err := p.runBlock(ctx, blockNumber, rows[i:j], tables, isLive); err != nil {
			return err
		}

		last = blockNumber
		i = j
	}

	if last < to {
		if err := p.advanceOnly(ctx, to, caughtUp); err != nil {
			return err
		}
	}
	return nil
}

// runBlock decodes and dispatches every row belonging to one block under
// a single transaction, then advances process_workers in the same
// commit (spec §4.H's block-level atomicity).
func (p *Processor) runBlock(ctx context.Context, blockNumber uint64, rows []models.RawEvent, tables map[string]struct{}, isLive bool) error {
	chainLabel := strconv.FormatUint(p.chainID, 10)
	started := time.Now()

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	hctx := dbctx.New(tx, p.schema, tables)

	processed := 0
	var parallelTasks []func() error

	for _, raw := range rows {
		contractName, ok := p.resolver.Resolve(raw.Address)
		if !ok {
			continue
		}
		decoded, err := p.abiReg.Decode(raw, contractName)
		if err != nil {
			p.logger.Warn().Err(err).Str("contract", contractName).Uint64("block", blockNumber).Msg("decode failed, skipping event")
			continue
		}

		key := handlerapi.EventKey{Contract: contractName, Event: decoded.EventName}
		fns := p.handlers.Lookup(key)
		if len(fns) == 0 {
			continue
		}
		modes := p.handlers.Modes(key)
		processed++
		eventsDispatched.WithLabelValues(chainLabel, key.String()).Inc()

		ev := handlerapi.Event{
			Args:        decoded.Args,
			Block:       handlerapi.BlockInfo{Number: blockNumber, Hash: raw.BlockHash, Timestamp: raw.BlockTimestamp},
			Transaction: handlerapi.TxInfo{Hash: raw.TxHash, Index: raw.TxIndex},
			Log:         handlerapi.LogInfo{Index: raw.LogIndex, Address: raw.Address},
		}
		hc := handlerapi.Context{Event: ev, DB: hctx, RPC: p.rpc}

		for i, fn := range fns {
			if modes[i] == handlerapi.Parallel {
				fn, hc := fn, hc
				parallelTasks = append(parallelTasks, func() error { return fn(ctx, hc) })
				continue
			}
			if err := fn(ctx, hc); err != nil {
				handlerFailures.WithLabelValues(chainLabel).Inc()
				return errkind.Wrap(errkind.HandlerError, fmt.Errorf("sequential handler for %s at block %d: %w", key, blockNumber, err))
			}
		}
	}

	if len(parallelTasks) > 0 {
		if err := runParallel(parallelTasks); err != nil {
			handlerFailures.WithLabelValues(chainLabel).Inc()
			return errkind.Wrap(errkind.HandlerError, fmt.Errorf("parallel handler at block %d: %w", blockNumber, err))
		}
	}

	status := models.ProcessWorkerProcessing
	if isLive {
		status = models.ProcessWorkerLive
	}
	if err := p.store.AdvanceProcessWorkerTx(ctx, tx, p.chainID, blockNumber, processed, status); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("commit block %d: %w", blockNumber, err))
	}

	blocksProcessed.WithLabelValues(chainLabel).Inc()
	blockProcessingDuration.WithLabelValues(chainLabel).Observe(time.Since(started).Seconds())
	return nil
}

// advanceOnly commits a single currentBlock update for a trailing
// sub-range that contained no events.
func (p *Processor) advanceOnly(ctx context.Context, to uint64, caughtUp bool) error {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	status := models.ProcessWorkerProcessing
	if caughtUp {
		status = models.ProcessWorkerLive
	}
	if err := p.store.AdvanceProcessWorkerTx(ctx, tx, p.chainID, to, 0, status); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("commit catch-up to %d: %w", to, err))
	}
	return nil
}

// runParallel executes every task concurrently and returns the first
// error observed, if any — handlers registered with onParallel "may
// execute concurrently... MUST NOT depend on sequential-handler
// ordering relative to each other" (spec §4.H).
func runParallel(tasks []func() error) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(tasks))
	for _, t := range tasks {
		wg.Add(1)
		go func(t func() error) {
			defer wg.Done()
			if err := t(); err != nil {
				errs <- err
			}
		}(t)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Healthy reports whether the notification bus connection is up.
func (p *Processor) Healthy() bool {
	return p.bus.Healthy()
}
