package lineheap

import "math"

// Statistics is a basic summary of allocation activity across one or more blocks.
type Statistics struct {
	// BlockCount is the number of blocks acquired from the operating system
	BlockCount int
	// AllocationCount is the number of live allocations served out of those blocks
	AllocationCount int
	// BlockBytes is the total number of bytes acquired from the operating system
	BlockBytes int
	// AllocationBytes is the total number of bytes handed out to callers
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.AllocationCount = 0
	s.BlockBytes = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.AllocationCount += other.AllocationCount
	s.BlockBytes += other.BlockBytes
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with information about holes (runs of
// contiguous free lines) and allocation size extremes. Hole figures are
// line-granularity: bytes already bumped out of the active hole still count
// toward the hole until the collector marks their lines occupied.
type DetailedStatistics struct {
	Statistics
	HoleCount         int
	AllocationSizeMin int
	AllocationSizeMax int
	HoleSizeMin       int
	HoleSizeMax       int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.HoleCount = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
	s.HoleSizeMin = math.MaxInt
	s.HoleSizeMax = 0
}

func (s *DetailedStatistics) AddHole(size int) {
	s.HoleCount++

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

func (s *DetailedStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size

	if size < s.AllocationSizeMin {
		s.AllocationSizeMin = size
	}

	if size > s.AllocationSizeMax {
		s.AllocationSizeMax = size
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.HoleCount += other.HoleCount

	if other.HoleSizeMin < s.HoleSizeMin {
		s.HoleSizeMin = other.HoleSizeMin
	}

	if other.HoleSizeMax > s.HoleSizeMax {
		s.HoleSizeMax = other.HoleSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
