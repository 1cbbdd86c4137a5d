package integration

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyomei-indexer/kyomei/internal/abidecoder"
	"github.com/kyomei-indexer/kyomei/internal/bus"
	"github.com/kyomei-indexer/kyomei/internal/chain"
	"github.com/kyomei-indexer/kyomei/internal/config"
	"github.com/kyomei-indexer/kyomei/internal/leasestore"
	"github.com/kyomei-indexer/kyomei/internal/store"
	"github.com/kyomei-indexer/kyomei/internal/syncer"
	"github.com/kyomei-indexer/kyomei/pkg/models"
)

func hexAddress(s string) common.Address { return common.HexToAddress(s) }
func hexHash(n uint64) common.Hash       { return common.BigToHash(new(big.Int).SetUint64(n)) }
func hexHash32(s string) common.Hash     { return common.HexToHash(s) }
func blockHash(n uint64) string          { return strings.ToLower(hexHash(n).Hex()) }

// harness wires a Store, Bus and lease Store against real, externally
// provided infrastructure. Every scenario test skips itself unless both
// env vars are set — the same shape as the teacher's fork tests
// requiring a live "polygon-fork" RPC endpoint to run at all.
type harness struct {
	ctx   context.Context
	st    *store.Store
	bus   *bus.Bus
	lease *leasestore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dbURL := os.Getenv("KYOMEI_TEST_DATABASE_URL")
	natsURL := os.Getenv("KYOMEI_TEST_NATS_URL")
	if dbURL == "" || natsURL == "" {
		t.Skip("set KYOMEI_TEST_DATABASE_URL and KYOMEI_TEST_NATS_URL to run scenario tests against live Postgres/NATS instances")
	}

	logger := zerolog.Nop()
	ctx, cancel := context.WithCancel(context.Background())

	schemas := config.SchemaNames{Sync: "kyomei_sync_it", App: "kyomei_app_it", Crons: "kyomei_crons_it"}
	st, err := store.Open(ctx, dbURL, schemas, 4, logger)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	b, err := bus.Connect(natsURL, time.Hour, "KYOMEI", logger)
	require.NoError(t, err)

	lease, err := leasestore.Open(filepath.Join(t.TempDir(), "lease.db"))
	require.NoError(t, err)

	t.Cleanup(func() {
		cancel()
		b.Close()
		lease.Close()
		st.Close()
	})

	return &harness{ctx: ctx, st: st, bus: b, lease: lease}
}

func testBlock(number uint64, hash string, logs ...types.Log) chain.BlockLogs {
	return chain.BlockLogs{Number: number, Hash: hash, Timestamp: number * 12, Logs: logs}
}

// TestHistoricalBackfillPersistsRawEventsInOrder covers the historical
// backfill scenario: a fresh chain with blocks already at its finalized
// tip is fully ingested in one pass and every log lands in raw_events
// (spec §4.G / §8's backfill scenario).
func TestHistoricalBackfillPersistsRawEventsInOrder(t *testing.T) {
	h := newHarness(t)
	const chainID = 90001

	contractAddr := "0x000000000000000000000000000000000000a1"
	source := newFakeSource(chainID)
	for n := uint64(1); n <= 5; n++ {
		source.push(testBlock(n, blockHash(n), types.Log{
			Address: hexAddress(contractAddr),
			Index:   uint(n),
			TxHash:  hexHash(n),
		}))
	}

	chainDesc := models.ChainDescriptor{Name: "fake", ChainID: chainID, PollingInterval: 20 * time.Millisecond}
	contracts := []models.ContractDescriptor{{Name: "Token", ChainID: chainID, Address: contractAddr}}

	sy := syncer.New(chainDesc, contracts, nil, source, h.st, h.bus, h.lease, abidecoder.NewRegistry(),
		syncer.Config{StartBlock: 1, WorkerCount: 1, PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() { _ = sy.Start(runCtx) }()

	assert.Eventually(t, func() bool {
		max, err := h.st.MaxBlockNumber(h.ctx, chainID)
		return err == nil && max == 5
	}, 5*time.Second, 50*time.Millisecond, "all five blocks should be backfilled")

	rows, err := h.st.RangeScan(h.ctx, chainID, 0, 5)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	for i, r := range rows {
		assert.Equal(t, uint64(i+1), r.BlockNumber, "RangeScan must return rows ordered by block number")
	}
}

// TestFactoryExpansionDiscoversChildAndWidensWatch covers the factory
// expansion scenario: a factory contract's child-creation event is
// turned into a factory_children row, without any prior configuration
// of the child's address (spec §4.G's factory watching / §8).
func TestFactoryExpansionDiscoversChildAndWidensWatch(t *testing.T) {
	h := newHarness(t)
	const chainID = 90002

	const factoryABI = `[{"type":"event","name":"Created","anonymous":false,"inputs":[{"name":"child","type":"address","indexed":false}]}]`
	parsed, err := abidecoder.Parse("Factory", []byte(factoryABI))
	require.NoError(t, err)
	abiReg := abidecoder.NewRegistry()
	abiReg.Register(parsed)

	gethParsed, err := gethabi.JSON(strings.NewReader(factoryABI))
	require.NoError(t, err)
	topic0 := gethParsed.Events["Created"].ID.Hex()

	childAddr := "0x00000000000000000000000000000000000000c1"
	packedData, err := gethabi.Arguments{gethParsed.Events["Created"].Inputs[0]}.Pack(hexAddress(childAddr))
	require.NoError(t, err)

	factoryAddr := "0x00000000000000000000000000000000000000f1"
	source := newFakeSource(chainID)
	source.push(testBlock(1, blockHash(1), types.Log{
		Address: hexAddress(factoryAddr),
		Topics:  []common.Hash{hexHash32(topic0)},
		Data:    packedData,
	}))

	chainDesc := models.ChainDescriptor{Name: "fake", ChainID: chainID, PollingInterval: 20 * time.Millisecond}
	contracts := []models.ContractDescriptor{
		{Name: "Factory", ChainID: chainID, Address: factoryAddr, ABI: models.ABI{RawJSON: []byte(factoryABI)}},
		{Name: "Pair", ChainID: chainID, Factory: &models.FactoryRef{FactoryName: "Factory"}},
	}
	factories := []models.FactoryDescriptor{
		{ParentContractName: "Factory", EventName: "Created", ChildAddressArg: "child", ChildContractName: "Pair"},
	}

	sy := syncer.New(chainDesc, contracts, factories, source, h.st, h.bus, h.lease, abiReg,
		syncer.Config{StartBlock: 1, WorkerCount: 1, PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() { _ = sy.Start(runCtx) }()

	assert.Eventually(t, func() bool {
		children, err := h.st.ListFactoryChildren(h.ctx, chainID)
		return err == nil && len(children) == 1
	}, 5*time.Second, 50*time.Millisecond, "the factory's child-creation event should be discovered")

	children, err := h.st.ListFactoryChildren(h.ctx, chainID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, strings.ToLower(childAddr), children[0].ChildAddress)
	assert.Equal(t, "Pair", children[0].ContractName)
}

// TestReorgRepairReplacesStaleBlockRows covers the reorg scenario: a
// non-validated live source reports a new hash for an already-ingested
// block inside its finality window, and the live worker deletes and
// re-extracts that block's rows (spec §4.G's reorg repair / §8).
func TestReorgRepairReplacesStaleBlockRows(t *testing.T) {
	h := newHarness(t)
	const chainID = 90003

	contractAddr := "0x000000000000000000000000000000000000a2"
	source := newFakeSource(chainID)
	for n := uint64(1); n <= 5; n++ {
		source.push(testBlock(n, blockHash(n), types.Log{
			Address: hexAddress(contractAddr),
			TxHash:  hexHash(n),
			Index:   uint(n),
		}))
	}

	chainDesc := models.ChainDescriptor{
		Name: "fake", ChainID: chainID,
		PollingInterval: 20 * time.Millisecond,
		Finality:        models.Finality{Depth: 3},
	}
	contracts := []models.ContractDescriptor{{Name: "Token", ChainID: chainID, Address: contractAddr}}

	sy := syncer.New(chainDesc, contracts, nil, source, h.st, h.bus, h.lease, abidecoder.NewRegistry(),
		syncer.Config{StartBlock: 1, WorkerCount: 1, PollInterval: 20 * time.Millisecond}, zerolog.Nop())

	runCtx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	go func() { _ = sy.Start(runCtx) }()

	assert.Eventually(t, func() bool {
		max, err := h.st.MaxBlockNumber(h.ctx, chainID)
		return err == nil && max == 5
	}, 5*time.Second, 50*time.Millisecond, "the historical backfill should land blocks 1-5 before a reorg is introduced")

	// Simulate a reorg at block 4: same number, new hash and a new log,
	// then advance the tip so the live worker's finality-window recheck
	// picks it up.
	source.rewrite(testBlock(4, blockHash(44), types.Log{
		Address: hexAddress(contractAddr),
		TxHash:  hexHash(44),
		Index:   1,
	}))
	source.push(testBlock(6, blockHash(6), types.Log{
		Address: hexAddress(contractAddr),
		TxHash:  hexHash(6),
		Index:   1,
	}))

	assert.Eventually(t, func() bool {
		rows, err := h.st.RangeScan(h.ctx, chainID, 3, 4)
		if err != nil || len(rows) != 1 {
			return false
		}
		return rows[0].TxHash == strings.ToLower(hexHash(44).Hex())
	}, 5*time.Second, 50*time.Millisecond, "block 4's stale row should be replaced by the reorged one")
}
