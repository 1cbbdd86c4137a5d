package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

func TestDefaultWorkerCountCapsAtEight(t *testing.T) {
	assert.Equal(t, 1, DefaultWorkerCount(1))
	assert.Equal(t, 1, DefaultWorkerCount(100_000))
	assert.Equal(t, 2, DefaultWorkerCount(100_001))
	assert.Equal(t, 8, DefaultWorkerCount(900_000))
	assert.Equal(t, 8, DefaultWorkerCount(10_000_000))
}

func TestPlanRangesFreshChainSplitsIntoWorkerCountChunks(t *testing.T) {
	plan := planRanges(nil, 100, 199, 4)
	assert.Len(t, plan, 4)

	var covered uint64
	for _, w := range plan {
		assert.False(t, w.Resume)
		covered += w.Range.End - w.Range.Start + 1
	}
	assert.Equal(t, uint64(100), covered)
	assert.Equal(t, uint64(100), plan[0].Range.Start)
	assert.Equal(t, uint64(199), plan[len(plan)-1].Range.End)
}

func TestPlanRangesResumesInProgressWorker(t *testing.T) {
	end := uint64(199)
	existing := []models.SyncWorker{
		{ChainID: 1, WorkerID: 1, RangeStart: 100, RangeEnd: &end, CurrentBlock: 149, Status: models.SyncWorkerHistorical},
	}
	plan := planRanges(existing, 100, 199, 1)

	var resumed *plannedWorker
	for i := range plan {
		if plan[i].Resume {
			resumed = &plan[i]
		}
	}
	if assert.NotNil(t, resumed) {
		assert.Equal(t, 1, resumed.WorkerID)
		assert.Equal(t, uint64(150), resumed.Range.Start)
		assert.Equal(t, uint64(199), resumed.Range.End)
	}
}

func TestPlanRangesSkipsCompletedWorkers(t *testing.T) {
	end := uint64(149)
	existing := []models.SyncWorker{
		{ChainID: 1, WorkerID: 1, RangeStart: 100, RangeEnd: &end, CurrentBlock: 149, Status: models.SyncWorkerCompleted},
	}
	plan := planRanges(existing, 100, 199, 2)

	var total uint64
	for _, w := range plan {
		assert.False(t, w.Resume)
		total += w.Range.End - w.Range.Start + 1
	}
	assert.Equal(t, uint64(50), total) // only 150-199 left uncovered
}

func TestSplitRangeHandlesMorePartsThanBlocks(t *testing.T) {
	out := splitRange(blockRange{Start: 1, End: 3}, 10)
	assert.Len(t, out, 3)
}
