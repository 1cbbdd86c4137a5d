package syncer

import (
	"sort"

	"github.com/kyomei-indexer/kyomei/pkg/models"
)

// blockRange is an inclusive [Start, End] interval of block numbers.
type blockRange struct {
	Start, End uint64
}

// plannedWorker is one unit of historical work the Syncer must run: either
// a brand-new worker row to insert, or the resumable remainder of an
// existing one.
type plannedWorker struct {
	WorkerID int
	Range    blockRange
	// Resume is true when WorkerID already has a sync_workers row whose
	// currentBlock just needs to keep advancing; false means a fresh row
	// must be inserted first.
	Resume bool
}

// chunksFor100k implements the default worker-count heuristic from spec
// §4.G: "default min(8, chunks-of-≥100k-blocks)" — absent from the
// teacher, which took a fixed Workers config int.
func chunksFor100k(totalBlocks uint64) int {
	if totalBlocks == 0 {
		return 1
	}
	const chunkSize = 100_000
	chunks := totalBlocks / chunkSize
	if totalBlocks%chunkSize != 0 {
		chunks++
	}
	if chunks < 1 {
		chunks = 1
	}
	return int(chunks)
}

// DefaultWorkerCount returns the worker count to use when none is
// explicitly configured.
func DefaultWorkerCount(totalBlocks uint64) int {
	n := chunksFor100k(totalBlocks)
	if n > 8 {
		n = 8
	}
	return n
}

// planRanges computes the historical-work plan for [start, finalized]
// given existing sync_workers rows, per spec §4.G's range-planning rule:
// resumable rows continue from currentBlock+1, and the remaining
// uncovered sub-ranges are partitioned into workerCount roughly-equal
// contiguous chunks.
func planRanges(existing []models.SyncWorker, start, finalized uint64, workerCount int) []plannedWorker {
	if start > finalized {
		return nil
	}

	var plan []plannedWorker
	covered := make([]blockRange, 0, len(existing))
	maxWorkerID := 0

	for _, w := range existing {
		if w.WorkerID == 0 || w.RangeEnd == nil {
			continue // worker 0 is the live worker, not part of historical planning
		}
		if w.WorkerID > maxWorkerID {
			maxWorkerID = w.WorkerID
		}
		covered = append(covered, blockRange{Start: w.RangeStart, End: *w.RangeEnd})

		if w.Resumable() {
			plan = append(plan, plannedWorker{
				WorkerID: w.WorkerID,
				Range:    blockRange{Start: w.CurrentBlock + 1, End: *w.RangeEnd},
				Resume:   true,
			})
		}
	}

	gaps := subtractRanges(blockRange{Start: start, End: finalized}, covered)
	if len(gaps) == 0 {
		return plan
	}

	if workerCount <= 0 {
		var uncovered uint64
		for _, g := range gaps {
			uncovered += g.End - g.Start + 1
		}
		workerCount = DefaultWorkerCount(uncovered)
	}

	chunks := distributeChunks(gaps, workerCount)
	nextID := maxWorkerID + 1
	for _, c := range chunks {
		plan = append(plan, plannedWorker{WorkerID: nextID, Range: c})
		nextID++
	}

	return plan
}

// subtractRanges returns the portions of whole not covered by any range
// in covered. covered need not be sorted or disjoint.
func subtractRanges(whole blockRange, covered []blockRange) []blockRange {
	sorted := append([]blockRange(nil), covered...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var gaps []blockRange
	cursor := whole.Start
	for _, c := range sorted {
		if c.End < cursor || c.Start > whole.End {
			continue
		}
		if c.Start > cursor {
			end := c.Start - 1
			if end > whole.End {
				end = whole.End
			}
			gaps = append(gaps, blockRange{Start: cursor, End: end})
		}
		if c.End+1 > cursor {
			cursor = c.End + 1
		}
		if cursor > whole.End {
			break
		}
	}
	if cursor <= whole.End {
		gaps = append(gaps, blockRange{Start: cursor, End: whole.End})
	}
	return gaps
}

// distributeChunks splits the total uncovered blocks across gaps into
// workerCount roughly-equal contiguous chunks, proportioned by each
// gap's share of the total (largest-remainder allocation), each
// non-empty gap getting at least one chunk.
func distributeChunks(gaps []blockRange, workerCount int) []blockRange {
	if workerCount < 1 {
		workerCount = 1
	}

	var total uint64
	sizes := make([]uint64, len(gaps))
	for i, g := range gaps {
		sizes[i] = g.End - g.Start + 1
		total += sizes[i]
	}
	if total == 0 {
		return nil
	}

	shares := make([]int, len(gaps))
	remainders := make([]uint64, len(gaps))
	allocated := 0
	for i, sz := range sizes {
		share := int(uint64(workerCount) * sz / total)
		if share < 1 {
			share = 1
		} else {
			remainders[i] = uint64(workerCount) * sz % total
		}
		shares[i] = share
		allocated += share
	}
	for allocated < workerCount {
		maxIdx := 0
		for i, r := range remainders {
			if r > remainders[maxIdx] {
				maxIdx = i
			}
		}
		if remainders[maxIdx] == 0 {
			break
		}
		shares[maxIdx], remainders[maxIdx] = shares[maxIdx]+1, 0
		allocated++
	}
	// Trim any excess from the largest gap so total chunk count doesn't
	// overshoot workerCount by much when every gap rounded up to 1.
	for allocated > workerCount && len(shares) > 0 {
		maxIdx := 0
		for i, s := range shares {
			if s > shares[maxIdx] {
				maxIdx = i
			}
		}
		if shares[maxIdx] <= 1 {
			break
		}
		shares[maxIdx]--
		allocated--
	}

	var out []blockRange
	for i, g := range gaps {
		out = append(out, splitRange(g, shares[i])...)
	}
	return out
}

// splitRange divides g into parts contiguous, roughly-equal chunks.
func splitRange(g blockRange, parts int) []blockRange {
	if parts < 1 {
		parts = 1
	}
	total := g.End - g.Start + 1
	if uint64(parts) > total {
		parts = int(total)
	}

	base := total / uint64(parts)
	rem := total % uint64(parts)

	out := make([]blockRange, 0, parts)
	cursor := g.Start
	for i := 0; i < parts; i++ {
		size := base
		if uint64(i) < rem {
			size++
		}
		end := cursor + size - 1
		out = append(out, blockRange{Start: cursor, End: end})
		cursor = end + 1
	}
	return out
}
