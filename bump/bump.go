// Package bump serves allocation requests out of a single block by advancing
// a cursor through holes discovered in the block's line map. The fast path is
// a pointer bump; a request that overflows the current hole triggers a line
// map scan for the next one.
package bump

import (
	"unsafe"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"

	"github.com/lineheap/lineheap"
	"github.com/lineheap/lineheap/block"
	"github.com/lineheap/lineheap/metadata"
)

// BumpBlock is one block together with its line map and the bump allocator
// state over them. Invariant: 0 <= cursor <= limit <= metadata.BlockSize, and
// limit is always a line multiple (or 0 when no hole is known yet).
//
// A BumpBlock exclusively owns its block and line map. It is single-goroutine
// state; give each goroutine its own blocks rather than sharing one.
type BumpBlock struct {
	cursor int
	limit  int
	block  *block.Block
	meta   *metadata.LineMap

	allocationCount   int
	allocationBytes   int
	allocationSizeMin int
	allocationSizeMax int

	// offsets of debug margins written after allocations, empty unless the
	// debug_lineheap build tag is present
	margins []int
}

// New acquires a fresh block from the operating system and wraps it in a
// BumpBlock with no hole adopted yet; the first Alloc performs the first
// hole scan.
func New() (*BumpBlock, error) {
	b, err := block.New(metadata.BlockSize)
	if err != nil {
		return nil, err
	}

	return &BumpBlock{
		block: b,
		meta:  metadata.NewLineMap(),
	}, nil
}

// Meta returns the block's line map. The external collector writes occupancy
// flags through it; Alloc itself never mutates the map.
func (b *BumpBlock) Meta() *metadata.LineMap {
	return b.meta
}

// Base returns the block's base address. Because blocks are self-aligned,
// masking any pointer served by this block with ^(BlockSize-1) yields Base.
func (b *BumpBlock) Base() unsafe.Pointer {
	return b.block.Ptr()
}

// Cursor returns the byte offset of the next free byte in the current hole.
func (b *BumpBlock) Cursor() int {
	return b.cursor
}

// Limit returns the byte offset one past the end of the current hole.
func (b *BumpBlock) Limit() int {
	return b.limit
}

// IsEmpty returns true when no allocation has been served from this block.
func (b *BumpBlock) IsEmpty() bool {
	return b.allocationCount == 0
}

// Alloc returns a pointer to size contiguous free bytes within the block, or
// (nil, false) when the block has no hole large enough. Exhaustion is an
// expected condition: the caller responds by acquiring a fresh block.
//
// The hole-retry loop is bounded: every adopted hole starts at or past the
// previous limit, and limits are line multiples, so the loop ends after at
// most metadata.LineCount scans.
func (b *BumpBlock) Alloc(size int) (unsafe.Pointer, bool) {
	if size <= 0 || size > metadata.BlockSize {
		return nil, false
	}

	for {
		next := b.cursor + size + lineheap.DebugMargin
		if next <= b.limit {
			p := b.block.Offset(b.cursor)
			b.cursor = next
			b.allocationCount++
			b.allocationBytes += size
			if b.allocationSizeMin == 0 || size < b.allocationSizeMin {
				b.allocationSizeMin = size
			}
			if size > b.allocationSizeMax {
				b.allocationSizeMax = size
			}

			if lineheap.DebugMargin > 0 {
				lineheap.WriteMagicValue(b.block.Ptr(), next-lineheap.DebugMargin)
				b.margins = append(b.margins, next-lineheap.DebugMargin)
			}

			lineheap.DebugValidate(b)
			return p, true
		}

		if b.limit >= metadata.BlockSize {
			return nil, false
		}

		cursor, limit, ok := b.meta.FindNextHole(b.limit)
		if !ok {
			return nil, false
		}
		b.cursor = cursor
		b.limit = limit
		lineheap.DebugValidate(b)
	}
}

// CheckCorruption verifies that every debug margin written after an
// allocation still carries its magic value. It only has teeth when the
// debug_lineheap build tag is present; otherwise no margins exist and it
// always succeeds.
func (b *BumpBlock) CheckCorruption() error {
	for _, offset := range b.margins {
		if !lineheap.ValidateMagicValue(b.block.Ptr(), offset) {
			return errors.Errorf("debug margin at offset %d was overwritten", offset)
		}
	}
	return nil
}

// Validate performs internal consistency checks on the allocator state.
func (b *BumpBlock) Validate() error {
	if b.cursor < 0 || b.cursor > b.limit {
		return errors.Errorf("cursor %d lies outside [0, limit %d]", b.cursor, b.limit)
	}
	if b.limit > metadata.BlockSize {
		return errors.Errorf("limit %d lies past the end of the block (%d)", b.limit, metadata.BlockSize)
	}
	if b.limit%metadata.LineSize != 0 {
		return errors.Errorf("limit %d is not a line multiple", b.limit)
	}

	// Every line of the adopted hole was free when discovered and Alloc
	// never flags lines, so they must still read free.
	for line := b.cursor / metadata.LineSize; line < b.limit/metadata.LineSize; line++ {
		if b.meta.IsOccupied(line) {
			return errors.Errorf("line %d inside the current hole is flagged occupied", line)
		}
	}

	return b.meta.Validate()
}

// AddStatistics sums this block's allocation activity into stats.
func (b *BumpBlock) AddStatistics(stats *lineheap.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += metadata.BlockSize
	stats.AllocationCount += b.allocationCount
	stats.AllocationBytes += b.allocationBytes
}

// AddDetailedStatistics sums this block's allocation activity and free runs
// into stats.
func (b *BumpBlock) AddDetailedStatistics(stats *lineheap.DetailedStatistics) {
	b.AddStatistics(&stats.Statistics)

	if b.allocationCount > 0 {
		if b.allocationSizeMin < stats.AllocationSizeMin {
			stats.AllocationSizeMin = b.allocationSizeMin
		}
		if b.allocationSizeMax > stats.AllocationSizeMax {
			stats.AllocationSizeMax = b.allocationSizeMax
		}
	}

	b.meta.VisitFreeRuns(func(startLine, lineCount int) {
		stats.AddHole(lineCount * metadata.LineSize)
	})
}

// BlockJsonData populates a json object with the allocator state and the
// line map's occupancy summary.
func (b *BumpBlock) BlockJsonData(json jwriter.ObjectState) {
	json.Name("Cursor").Int(b.cursor)
	json.Name("Limit").Int(b.limit)
	json.Name("Allocations").Int(b.allocationCount)
	json.Name("AllocatedBytes").Int(b.allocationBytes)
	b.meta.BlockJsonData(json)
}

// Destroy releases the block's memory back to the operating system. It must
// be called exactly once, and the BumpBlock must not be used afterward.
func (b *BumpBlock) Destroy() error {
	err := b.block.Release()
	b.cursor = 0
	b.limit = 0
	b.meta = nil
	return err
}
