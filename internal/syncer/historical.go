package syncer

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/errkind"
	"github.com/kyomei-indexer/kyomei/internal/leasestore"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

const (
	defaultPageSize = 2_000
	minPageSize     = 100
	maxPageSize     = 20_000
)

// historicalWorker runs one sync_workers row to completion: paged,
// resumable log extraction over [rangeStart, rangeEnd] per spec §4.G.
type historicalWorker struct {
	chainID  uint64
	workerID int
	source   chain.Source
	store    *store.Store
	bus      *bus.Bus
	lease    *leasestore.Store
	addrs    *addressSet
	watcher  *factoryWatcher
	retry    chain.RetryPolicy
	logger   zerolog.Logger
}

// Run processes [plan.Range.Start, plan.Range.End]. If !plan.Resume, the
// worker row is inserted first with currentBlock = Start-1 so the first
// page begins exactly at Start.
func (w *historicalWorker) Run(ctx context.Context, plan plannedWorker) error {
	rangeEnd := plan.Range.End

	if !plan.Resume {
		if err := w.store.InsertSyncWorker(ctx, models.SyncWorker{
			ChainID: w.chainID, WorkerID: w.workerID,
			RangeStart: plan.Range.Start, RangeEnd: &rangeEnd,
			CurrentBlock: plan.Range.Start - 1, Status: models.SyncWorkerHistorical,
		}); err != nil {
			return err
		}
	}

	pages := newPageSizer(defaultPageSize, minPageSize, maxPageSize)
	current := plan.Range.Start - 1
	attempt := 0

	for current < rangeEnd {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pageEnd := current + pages.Current()
		if pageEnd > rangeEnd {
			pageEnd = rangeEnd
		}

		if err := w.runPage(ctx, current+1, pageEnd, pageEnd == rangeEnd); err != nil {
			if !errkind.Is(err, errkind.SourceTransient) {
				return fmt.Errorf("historical worker %d fatal: %w", w.workerID, err)
			}
			pages.OnRateLimit()
			w.logger.Warn().Err(err).Int("worker", w.workerID).Uint64("from", current+1).Uint64("to", pageEnd).Msg("page fetch failed, retrying")
			if serr := w.retry.Sleep(ctx, attempt); serr != nil {
				return serr
			}
			attempt++
			continue
		}

		attempt = 0
		pages.OnSuccess()
		current = pageEnd
	}

	return nil
}

// runPage fetches and commits one page [from, to]. isFinal marks whether
// this page reaches the worker's rangeEnd, so the worker row transitions
// to completed in the same commit.
func (w *historicalWorker) runPage(ctx context.Context, from, to uint64, isFinal bool) error {
	rng := w.source.GetBlocks(ctx, from, to, w.addrs.Snapshot())
	defer rng.Close()

	var rows []models.RawEvent
	expected := from
	for {
		bl, ok, err := rng.Next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if bl.Number != expected {
			return errkind.Wrap(errkind.SourceFatal, fmt.Errorf("gap detected: expected block %d, got %d", expected, bl.Number))
		}
		expected++
		rows = append(rows, rawEventsFromBlock(w.chainID, bl)...)
	}

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

	status := models.SyncWorkerHistorical
	if isFinal {
		status = models.SyncWorkerCompleted
	}
	if err := w.store.UpdateSyncWorkerProgressTx(ctx, tx, w.chainID, w.workerID, to, status); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errkind.Wrap(errkind.StoreTransient, fmt.Errorf("commit page: %w", err))
	}

	_ = w.lease.MirrorSyncWorker(models.SyncWorker{ChainID: w.chainID, WorkerID: w.workerID, CurrentBlock: to, Status: status})

	for _, c := range discovered {
		w.addrs.Add(c.ChildAddress)
		_ = w.bus.Publish(ctx, bus.Notification{Kind: bus.FactoryChildDiscovered, ChainID: w.chainID, ChildAddress: c.ChildAddress, ContractName: c.ContractName, FactoryAddress: c.FactoryAddress})
	}

	if err := w.bus.Publish(ctx, bus.Notification{Kind: bus.BlockRangeSynced, ChainID: w.chainID, FromBlock: from, ToBlock: to}); err != nil {
		w.logger.Warn().Err(err).Msg("publish block_range_synced failed (best-effort)")
	}

	return nil
}
