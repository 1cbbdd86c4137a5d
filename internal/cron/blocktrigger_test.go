package cron

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// Covers spec §8's block-cron offset scenario: interval=100, offset=7,
// chain advancing from block 1 to 250 fires exactly at 107 and 207.
func TestNextBlockTrigger_SpecScenario(t *testing.T) {
	var fired []uint64
	last := uint64(0)
	for b := nextBlockTrigger(last, 100, 7); b <= 250; b = nextBlockTrigger(last, 100, 7) {
		fired = append(fired, b)
		last = b
	}

	require.Equal(t, []uint64{107, 207}, fired)
}

func TestNextBlockTrigger_ZeroOffset(t *testing.T) {
	require.Equal(t, uint64(50), nextBlockTrigger(0, 50, 0))
	require.Equal(t, uint64(100), nextBlockTrigger(50, 50, 0))
	require.Equal(t, uint64(150), nextBlockTrigger(100, 50, 0))
}

func TestNextBlockTrigger_OffsetLargerThanInterval(t *testing.T) {
	// offset can exceed interval; the first fire is still offset+interval.
	require.Equal(t, uint64(130), nextBlockTrigger(0, 30, 100))
	require.Equal(t, uint64(160), nextBlockTrigger(130, 30, 100))
}
