package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/leasestore"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

var reorgsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "kyomei_reorgs_detected_total",
	Help: "Number of block reorgs detected by a non-validated live worker",
}, []string{"chain"})

// liveWorker is the workerId=0 row: follows the chain tip, inserting new
// blocks as they finalize and, on non-validated sources, re-checking the
// trailing finality window for reorgs (spec §4.G "Live worker").
type liveWorker struct {
	chainID      uint64
	chainName    string
	finality     uint64
	pollInterval time.Duration
	source       chain.Source
	store        *store.Store
	bus          *bus.Bus
	lease        *leasestore.Store
	addrs        *addressSet
	watcher      *factoryWatcher
	retry        chain.RetryPolicy
	logger       zerolog.Logger
}

// Run follows the tip starting from currentBlock (the live worker row's
// last-committed block) until ctx is cancelled.
func (w *liveWorker) Run(ctx context.Context, currentBlock uint64) error {
	current := currentBlock

	trigger := make(chan struct{}, 1)
	notify := func() {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	cancelSub, err := w.source.OnBlock(ctx, w.addrs.Snapshot(), func(chain.BlockLogs) { notify() })
	if err == nil {
		defer cancelSub()
	} else {
		w.logger.Info().Err(err).Msg("live subscription unavailable, following tip by polling")
	}

	if w.pollInterval <= 0 {
		w.pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	notify()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			notify()
		case <-trigger:
			next, err := w.syncToTip(ctx, current)
			if err != nil {
				if !errkind.Is(err, errkind.SourceTransient) {
					return fmt.Errorf("live worker fatal: %w", err)
				}
				w.logger.Warn().Err(err).Msg("live sync failed, retrying")
				if serr := w.retry.Sleep(ctx, attempt); serr != nil {
					return serr
				}
				attempt++
				continue
			}
			attempt = 0
			current = next
		}
	}
}

func (w *liveWorker) syncToTip(ctx context.Context, current uint64) (uint64, error) {
	finalized, err := w.source.GetFinalizedBlockNumber(ctx)
	if err != nil {
		return current, err
	}
	if finalized <= current {
		return current, nil
	}

	for next := current + 1; next <= finalized; next++ {
		if err := w.ingestBlock(ctx, next, false); err != nil {
			return current, err
		}
		current = next
	}

	if !w.source.ProvidesValidatedData() {
		if err := w.reorgCheck(ctx, finalized); err != nil {
			return current, err
		}
	}

	if err := w.bus.Publish(ctx, bus.Notification{Kind: bus.LiveBlockSynced, ChainID: w.chainID, ToBlock: finalized}); err != nil {
		w.logger.Warn().Err(err).Msg("publish live_block_synced failed (best-effort)")
	}
	return current, nil
}

// reorgCheck re-fetches the trailing finality window and lets ingestBlock
// delete-then-reinsert any block whose hash has changed.
func (w *liveWorker) reorgCheck(ctx context.Context, tip uint64) error {
	start := uint64(1)
	if tip > w.finality {
		start = tip - w.finality + 1
	}
	for b := start; b <= tip; b++ {
		if err := w.ingestBlock(ctx, b, true); err != nil {
			return err
		}
	}
	return nil
}

// ingestBlock fetches block `number` and commits its logs in one
// transaction alongside the live worker's progress row. When checkReorg
// is true, rows whose stored blockHash no longer matches the freshly
// fetched one are deleted before the new rows are inserted, per spec
// §4.G's reorg-repair rule.
func (w *liveWorker) ingestBlock(ctx context.Context, number uint64, checkReorg bool) error {
	rng := w.source.GetBlocks(ctx, number, number, w.addrs.Snapshot())
	defer rng.Close()

	bl, ok, err := rng.Next(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.Wrap(errkind.SourceFatal, fmt.Errorf("source produced no block for %d", number))
	}

	rows := rawEventsFromBlock(w.chainID, bl)

	var candidates []models.FactoryChild
	for _, r := range rows {
		child, ok, err := w.watcher.Match(r)
		if err != nil {
			w.logger.Warn().Err(err).Msg("factory match failed, skipping")
			continue
		}
		if ok {
			candidates = append(candidates, child)
		}
	}

	tx, err := w.store.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if checkReorg {
		deleted, err := w.store.DeleteStaleBlockTx(ctx, tx, w.chainID, number, bl.Hash)
		if err != nil {
			return err
		}
		if deleted > 0 {
			reorgsDetected.WithLabelValues(w.chainName).Inc()
			w.logger.Warn().Uint64("block", number).Str("new_hash", bl.Hash).Int64("rows_replaced", deleted).Msg("reorg detected")
		}
	}

	if _, err := w.store.InsertRawEventsTx(ctx, tx, rows); err != nil {
		return err
	}

	var discovered []models.FactoryChild
	for _, c := range candidates {
		inserted, err := w.store.InsertFactoryChildTx(ctx, tx, c)
		if err != nil {
			return err
		}
		if inserted {
			discovered = append(discovered, c)
		}
	}

	if number > numberOrZero(w.lastMirroredBlock()) {
		if err := w.store.UpdateSyncWorkerProgressTx(ctx, tx, w.chainID, 0, number, models.SyncWorkerLive); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("commit live block %d: %w", number, err))
	}

	_ = w.lease.MirrorSyncWorker(models.SyncWorker{ChainID: w.chainID, WorkerID: 0, CurrentBlock: number, Status: models.SyncWorkerLive})

	for _, c := range discovered {
		w.addrs.Add(c.ChildAddress)
		_ = w.bus.Publish(ctx, bus.Notification{Kind: bus.FactoryChildDiscovered, ChainID: w.chainID, ChildAddress: c.ChildAddress, ContractName: c.ContractName, FactoryAddress: c.FactoryAddress})
	}

	return nil
}

func (w *liveWorker) lastMirroredBlock() *models.SyncWorker {
	sw, err := w.lease.SyncWorker(w.chainID, 0)
	if err != nil {
		return nil
	}
	return sw
}

func numberOrZero(w *models.SyncWorker) uint64 {
	if w == nil {
		return 0
	}
	return w.CurrentBlock
}
