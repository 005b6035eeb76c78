//go:build unix

package block

import (
	"unsafe"

	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"github.com/lineheap/lineheap"
)

type mapping struct {
	base   unsafe.Pointer
	length uintptr
}

// acquire maps size bytes of anonymous memory aligned to size. mmap only
// guarantees page alignment, so for blocks larger than a page the region is
// over-mapped by the alignment and the unaligned head and tail are trimmed
// back off. Blocks no larger than a page are already self-aligned, because a
// power of two that divides the page size also divides any page boundary.
func acquire(size int) (unsafe.Pointer, mapping, error) {
	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_PRIVATE | unix.MAP_ANON

	align := uintptr(size)
	if align <= uintptr(unix.Getpagesize()) {
		base, err := unix.MmapPtr(-1, 0, nil, uintptr(size), prot, flags)
		if err != nil {
			return nil, mapping{}, cerrors.Wrapf(lineheap.OutOfMemoryError, "mapping %d bytes: %v", size, err)
		}
		return base, mapping{base: base, length: uintptr(size)}, nil
	}

	length := uintptr(size) + align
	base, err := unix.MmapPtr(-1, 0, nil, length, prot, flags)
	if err != nil {
		return nil, mapping{}, cerrors.Wrapf(lineheap.OutOfMemoryError, "mapping %d bytes: %v", length, err)
	}

	addr := uintptr(base)
	aligned := (addr + align - 1) &^ (align - 1)

	// Both trims are page multiples: addr is page-aligned and align is a
	// page multiple, so aligned-addr is too.
	if head := aligned - addr; head != 0 {
		err = unix.MunmapPtr(base, head)
		if err != nil {
			return nil, mapping{}, cerrors.Wrapf(err, "trimming %d unaligned head bytes", head)
		}
	}

	end := aligned + uintptr(size)
	if tail := addr + length - end; tail != 0 {
		err = unix.MunmapPtr(unsafe.Add(base, end-addr), tail)
		if err != nil {
			return nil, mapping{}, cerrors.Wrapf(err, "trimming %d unaligned tail bytes", tail)
		}
	}

	ptr := unsafe.Add(base, aligned-addr)
	return ptr, mapping{base: ptr, length: uintptr(size)}, nil
}

func release(m mapping) error {
	err := unix.MunmapPtr(m.base, m.length)
	if err != nil {
		return cerrors.Wrapf(err, "unmapping %d bytes", m.length)
	}
	return nil
}
