package lineheap_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lineheap/lineheap"
)

func TestDetailedStatistics(t *testing.T) {
	var stats lineheap.DetailedStatistics
	stats.Clear()

	require.Equal(t, math.MaxInt, stats.AllocationSizeMin)
	require.Equal(t, math.MaxInt, stats.HoleSizeMin)

	stats.AddAllocation(100)
	stats.AddAllocation(50)
	stats.AddHole(900)

	require.Equal(t, lineheap.DetailedStatistics{
		Statistics: lineheap.Statistics{
			BlockCount:      0,
			BlockBytes:      0,
			AllocationCount: 2,
			AllocationBytes: 150,
		},
		HoleCount:         1,
		AllocationSizeMin: 50,
		AllocationSizeMax: 100,
		HoleSizeMin:       900,
		HoleSizeMax:       900,
	}, stats)

	var other lineheap.DetailedStatistics
	other.Clear()
	other.Statistics.BlockCount = 1
	other.Statistics.BlockBytes = 1000
	other.AddAllocation(25)
	other.AddHole(10)

	stats.AddDetailedStatistics(&other)

	require.Equal(t, lineheap.DetailedStatistics{
		Statistics: lineheap.Statistics{
			BlockCount:      1,
			BlockBytes:      1000,
			AllocationCount: 3,
			AllocationBytes: 175,
		},
		HoleCount:         2,
		AllocationSizeMin: 25,
		AllocationSizeMax: 100,
		HoleSizeMin:       10,
		HoleSizeMax:       900,
	}, stats)
}
