// Package allocator provides the multi-block front end over bump.BumpBlock:
// it serves requests from a head block and acquires a fresh block from the
// operating system whenever the head is exhausted.
package allocator

import (
	"context"
	"strconv"
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/lineheap/lineheap"
	"github.com/lineheap/lineheap/bump"
	"github.com/lineheap/lineheap/metadata"
)

// Heap chains BumpBlocks. Allocations bump the head block; when the head
// reports exhaustion a fresh block is acquired and the old head is retired.
// Retired blocks keep their memory until Destroy, since their allocations are
// still live.
//
// A Heap is single-goroutine state, like the blocks it owns. No locking is
// needed because nothing is shared; run one Heap per goroutine instead of
// sharing one across several.
type Heap struct {
	logger *slog.Logger

	head   *bump.BumpBlock
	rest   []*bump.BumpBlock
	byBase *swiss.Map[uintptr, *bump.BumpBlock]
}

// New creates an empty Heap. No block is acquired until the first Allocate
// call. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Heap {
	if logger == nil {
		logger = slog.Default()
	}

	return &Heap{
		logger: logger,
		byBase: swiss.NewMap[uintptr, *bump.BumpBlock](8),
	}
}

// BlockCount returns the number of blocks this heap has acquired and not
// yet released.
func (h *Heap) BlockCount() int {
	return h.byBase.Count()
}

// Allocate returns a pointer to size contiguous free bytes, acquiring a fresh
// block if no existing hole can hold the request. Errors are real failures
// (an impossible size or the operating system declining memory); per-block
// exhaustion is handled internally and never surfaces.
func (h *Heap) Allocate(size int) (unsafe.Pointer, error) {
	if size <= 0 || size+lineheap.DebugMargin > metadata.BlockSize {
		return nil, cerrors.Newf("allocation of %d bytes can never fit a %d-byte block", size, metadata.BlockSize)
	}

	if h.head != nil {
		if p, ok := h.head.Alloc(size); ok {
			return p, nil
		}
	}

	blk, err := bump.New()
	if err != nil {
		return nil, err
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "acquired fresh block",
		slog.Uint64("base", uint64(uintptr(blk.Base()))),
		slog.Int("size", metadata.BlockSize),
		slog.Int("blockCount", h.byBase.Count()+1),
	)

	if h.head != nil {
		h.rest = append(h.rest, h.head)
	}
	h.head = blk
	h.byBase.Put(uintptr(blk.Base()), blk)

	p, ok := h.head.Alloc(size)
	if !ok {
		// The size was checked above and the block is virgin.
		panic("a fresh block failed to serve a size-checked allocation")
	}
	return p, nil
}

// BlockOf returns the block that served the provided pointer, if this heap
// owns it. Blocks are self-aligned, so the owning base address is recovered
// by masking the pointer's low bits; the registry lookup is O(1).
func (h *Heap) BlockOf(p unsafe.Pointer) (*bump.BumpBlock, bool) {
	lineheap.DebugCheckPow2(metadata.BlockSize, "block size")

	base := uintptr(p) &^ uintptr(metadata.BlockSize-1)
	return h.byBase.Get(base)
}

// AddStatistics sums allocation activity across every owned block into stats.
func (h *Heap) AddStatistics(stats *lineheap.Statistics) {
	h.byBase.Iter(func(base uintptr, blk *bump.BumpBlock) bool {
		blk.AddStatistics(stats)
		return false
	})
}

// AddDetailedStatistics sums allocation activity and hole figures across
// every owned block into stats.
func (h *Heap) AddDetailedStatistics(stats *lineheap.DetailedStatistics) {
	h.byBase.Iter(func(base uintptr, blk *bump.BumpBlock) bool {
		blk.AddDetailedStatistics(stats)
		return false
	})
}

// CheckCorruption verifies the debug margins of every owned block. It only
// has teeth when the debug_lineheap build tag is present.
func (h *Heap) CheckCorruption() error {
	if h.head == nil {
		return nil
	}
	for _, blk := range h.rest {
		if err := blk.CheckCorruption(); err != nil {
			return err
		}
	}
	return h.head.CheckCorruption()
}

// BuildStatsString returns a JSON summary of the heap. When detailed is true
// it also includes a per-block map of allocator state and free runs, keyed by
// block index in acquisition order.
func (h *Heap) BuildStatsString(detailed bool) string {
	writer := jwriter.NewWriter()

	objState := writer.Object()

	var stats lineheap.DetailedStatistics
	stats.Clear()
	h.AddDetailedStatistics(&stats)

	totalObj := objState.Name("Total").Object()
	totalObj.Name("BlockCount").Int(stats.BlockCount)
	totalObj.Name("BlockBytes").Int(stats.BlockBytes)
	totalObj.Name("AllocationCount").Int(stats.AllocationCount)
	totalObj.Name("AllocationBytes").Int(stats.AllocationBytes)
	totalObj.Name("HoleCount").Int(stats.HoleCount)
	totalObj.End()

	if detailed {
		blocksObj := objState.Name("Blocks").Object()
		for i, blk := range h.blocksInOrder() {
			blockObj := blocksObj.Name(strconv.Itoa(i)).Object()
			blk.BlockJsonData(blockObj)
			blockObj.End()
		}
		blocksObj.End()
	}

	objState.End()
	return string(writer.Bytes())
}

func (h *Heap) blocksInOrder() []*bump.BumpBlock {
	if h.head == nil {
		return nil
	}
	return append(append([]*bump.BumpBlock{}, h.rest...), h.head)
}

// Destroy releases every owned block back to the operating system. The heap
// must not be used afterward. Blocks that were never emptied are released
// anyway, with a log line per block still carrying allocations; unlike a
// free-list allocator there is no per-allocation leak to report, only whole
// blocks.
func (h *Heap) Destroy() error {
	var err error
	for _, blk := range h.blocksInOrder() {
		if !blk.IsEmpty() {
			h.logger.LogAttrs(context.Background(), slog.LevelDebug, "releasing block with live allocations",
				slog.Uint64("base", uint64(uintptr(blk.Base()))),
			)
		}
		err = cerrors.CombineErrors(err, blk.Destroy())
	}

	h.head = nil
	h.rest = nil
	h.byBase = swiss.NewMap[uintptr, *bump.BumpBlock](8)
	return err
}
