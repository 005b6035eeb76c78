// Package metadata tracks per-line occupancy for a block and supplies the
// hole search that bump allocation relies on. A line is the granularity at
// which liveness is tracked; a hole is a contiguous run of free lines
// expressed as a half-open byte range.
package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
)

const (
	// BlockSizeBits is the width parameter the block size is derived from.
	BlockSizeBits = 16
	// BlockSize is the number of bytes in one block. The historical
	// derivation is 1 << (BlockSizeBits - 1): a "16-bit" block is 32 KiB,
	// not 64 KiB. Keep it that way.
	BlockSize = 1 << (BlockSizeBits - 1)

	// LineSizeBits is the width parameter the line size is derived from.
	LineSizeBits = 8
	// LineSize is the number of bytes in one line, derived the same way
	// as BlockSize.
	LineSize = 1 << (LineSizeBits - 1)

	// LineCount is the number of lines in one block.
	LineCount = BlockSize / LineSize
)

// LineMap records which lines of one block hold live data, plus a whole-block
// mark flag reserved for a future tracing phase. Occupancy flags are written
// by an external collector; the allocator that owns the same block only reads
// them to find holes.
//
// A zero LineMap is a fully free, unmarked block.
type LineMap struct {
	lines  [LineCount]bool
	marked bool
}

func NewLineMap() *LineMap {
	return &LineMap{}
}

// IsOccupied returns whether the given line holds live data.
func (m *LineMap) IsOccupied(line int) bool {
	return m.lines[line]
}

// SetOccupied flags one line as holding live data.
func (m *LineMap) SetOccupied(line int) {
	m.lines[line] = true
}

// ClearOccupied flags one line as free.
func (m *LineMap) ClearOccupied(line int) {
	m.lines[line] = false
}

// OccupyRange flags count consecutive lines starting at line as holding
// live data.
func (m *LineMap) OccupyRange(line, count int) {
	for i := line; i < line+count; i++ {
		m.lines[i] = true
	}
}

// Reset clears every occupancy flag and the mark flag.
func (m *LineMap) Reset() {
	m.lines = [LineCount]bool{}
	m.marked = false
}

// Mark sets the whole-block mark flag. Nothing in this module drives it; it
// exists for an external tracing phase.
func (m *LineMap) Mark() {
	m.marked = true
}

// Unmark clears the whole-block mark flag.
func (m *LineMap) Unmark() {
	m.marked = false
}

// IsMarked returns the whole-block mark flag.
func (m *LineMap) IsMarked() bool {
	return m.marked
}

// OccupiedLines returns the number of lines currently flagged as holding
// live data.
func (m *LineMap) OccupiedLines() int {
	var count int
	for _, occupied := range m.lines {
		if occupied {
			count++
		}
	}
	return count
}

// FindNextHole scans forward from startOffset for the next run of contiguous
// free lines and returns it as a half-open byte range [cursor, limit). The
// boolean is false when no qualifying hole exists at or after startOffset.
//
// The first free line of a run is never used as the start of a hole unless it
// is line 0 of the block: the line immediately after a filled run may still
// hold the tail of a live object that straddles the boundary, so it is
// conservatively skipped. It still extends the hole once a later line has
// anchored the start.
//
// The scan is a single left-to-right pass, O(LineCount), no backtracking.
func (m *LineMap) FindNextHole(startOffset int) (cursor int, limit int, ok bool) {
	freeLines := 0
	start := -1
	stop := 0

	startLine := startOffset / LineSize

	for line := startLine; line < LineCount; line++ {
		if !m.lines[line] {
			freeLines++

			// Skip the first free line, it might be partially filled.
			if freeLines == 1 && line > 0 {
				continue
			}

			if start < 0 {
				start = line
			}
			stop = line + 1
			continue
		}

		// An occupied line closes the hole if one is open; otherwise it
		// invalidates whatever partial run came before it.
		if start >= 0 {
			return start * LineSize, stop * LineSize, true
		}
		freeLines = 0
		start = -1
	}

	// A hole still open at the end of the block runs to BlockSize.
	if start >= 0 {
		return start * LineSize, stop * LineSize, true
	}
	return 0, 0, false
}

// VisitFreeRuns calls visit once per maximal run of free lines, in increasing
// line order. Unlike FindNextHole it reports raw occupancy: no line is
// skipped for conservative-liveness reasons.
func (m *LineMap) VisitFreeRuns(visit func(startLine, lineCount int)) {
	runStart := -1

	for line := 0; line < LineCount; line++ {
		if !m.lines[line] {
			if runStart < 0 {
				runStart = line
			}
			continue
		}

		if runStart >= 0 {
			visit(runStart, line-runStart)
			runStart = -1
		}
	}

	if runStart >= 0 {
		visit(runStart, LineCount-runStart)
	}
}

// Validate performs internal consistency checks on the map.
func (m *LineMap) Validate() error {
	occupied := m.OccupiedLines()
	if occupied > LineCount {
		return errors.Errorf("map reports %d occupied lines, but a block only has %d", occupied, LineCount)
	}

	var freeLines int
	m.VisitFreeRuns(func(startLine, lineCount int) {
		freeLines += lineCount
	})
	if occupied+freeLines != LineCount {
		return errors.Errorf("%d occupied lines and %d free lines do not cover the block's %d lines", occupied, freeLines, LineCount)
	}

	return nil
}

// BlockJsonData populates a json object with this map's occupancy summary and
// the list of free runs.
func (m *LineMap) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(BlockSize)
	json.Name("OccupiedBytes").Int(m.OccupiedLines() * LineSize)
	json.Name("Marked").Bool(m.marked)

	arrayState := json.Name("Holes").Array()
	defer arrayState.End()

	m.VisitFreeRuns(func(startLine, lineCount int) {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(startLine * LineSize)
		obj.Name("Size").Int(lineCount * LineSize)
	})
}
