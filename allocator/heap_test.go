package allocator_test

import (
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/lineheap/lineheap"
	"github.com/lineheap/lineheap/allocator"
	"github.com/lineheap/lineheap/metadata"
)

func newHeap(t *testing.T) *allocator.Heap {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := allocator.New(logger)
	t.Cleanup(func() {
		require.NoError(t, h.Destroy())
	})
	return h
}

func TestAllocateAcquiresFirstBlockLazily(t *testing.T) {
	h := newHeap(t)
	require.Zero(t, h.BlockCount())

	p, err := h.Allocate(100)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, 1, h.BlockCount())
}

func TestAllocateSpansBlocks(t *testing.T) {
	if lineheap.DebugMargin > 0 {
		t.Skip("block-count arithmetic assumes no debug margins")
	}

	h := newHeap(t)

	// More line-sized allocations than one block holds.
	count := metadata.LineCount + 10
	seen := map[uintptr]bool{}
	for i := 0; i < count; i++ {
		p, err := h.Allocate(metadata.LineSize)
		require.NoError(t, err)

		base := uintptr(p) &^ uintptr(metadata.BlockSize-1)
		seen[base] = true
	}

	require.Equal(t, 2, h.BlockCount())
	require.Len(t, seen, 2)
}

func TestAllocateRejectsImpossibleSizes(t *testing.T) {
	h := newHeap(t)

	_, err := h.Allocate(0)
	require.Error(t, err)
	_, err = h.Allocate(metadata.BlockSize + 1)
	require.Error(t, err)
	require.Zero(t, h.BlockCount(), "impossible requests must not acquire blocks")
}

func TestBlockOf(t *testing.T) {
	h := newHeap(t)

	// Nearly block-sized requests so that the second one cannot share the
	// first block, while a small one still fits after the second.
	first, err := h.Allocate(metadata.BlockSize - metadata.LineSize)
	require.NoError(t, err)
	second, err := h.Allocate(metadata.BlockSize - metadata.LineSize)
	require.NoError(t, err)

	firstBlock, ok := h.BlockOf(first)
	require.True(t, ok)
	secondBlock, ok := h.BlockOf(second)
	require.True(t, ok)
	require.NotSame(t, firstBlock, secondBlock)

	// Interior pointers resolve to the same owning block.
	interior, err := h.Allocate(64)
	require.NoError(t, err)
	interiorBlock, ok := h.BlockOf(interior)
	require.True(t, ok)
	require.Same(t, secondBlock, interiorBlock)
}

func TestStatisticsAggregateAcrossBlocks(t *testing.T) {
	if lineheap.DebugMargin > 0 {
		t.Skip("block-count arithmetic assumes no debug margins")
	}

	h := newHeap(t)

	for i := 0; i < metadata.LineCount*2; i++ {
		_, err := h.Allocate(metadata.LineSize)
		require.NoError(t, err)
	}

	var stats lineheap.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	require.Equal(t, h.BlockCount(), stats.BlockCount)
	require.Equal(t, h.BlockCount()*metadata.BlockSize, stats.BlockBytes)
	require.Equal(t, metadata.LineCount*2, stats.AllocationCount)
	require.Equal(t, metadata.LineCount*2*metadata.LineSize, stats.AllocationBytes)
	require.Equal(t, metadata.LineSize, stats.AllocationSizeMin)
	require.Equal(t, metadata.LineSize, stats.AllocationSizeMax)

	var basic lineheap.Statistics
	h.AddStatistics(&basic)
	require.Equal(t, stats.Statistics, basic)
}

func TestBuildStatsString(t *testing.T) {
	h := newHeap(t)

	_, err := h.Allocate(1000)
	require.NoError(t, err)

	summary := h.BuildStatsString(false)
	require.True(t, json.Valid([]byte(summary)), "stats summary should be well-formed: %s", summary)

	detailed := h.BuildStatsString(true)
	require.True(t, json.Valid([]byte(detailed)), "detailed stats should be well-formed: %s", detailed)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(detailed), &parsed))
	require.Contains(t, parsed, "Total")
	require.Contains(t, parsed, "Blocks")
}

func TestCheckCorruption(t *testing.T) {
	h := newHeap(t)

	_, err := h.Allocate(100)
	require.NoError(t, err)
	require.NoError(t, h.CheckCorruption())
}

func TestDestroyReleasesEverything(t *testing.T) {
	if lineheap.DebugMargin > 0 {
		t.Skip("block-count arithmetic assumes no debug margins")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := allocator.New(logger)

	for i := 0; i < metadata.LineCount*3; i++ {
		_, err := h.Allocate(metadata.LineSize)
		require.NoError(t, err)
	}
	require.Equal(t, 3, h.BlockCount())

	require.NoError(t, h.Destroy())
	require.Zero(t, h.BlockCount())
}
