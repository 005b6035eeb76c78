// Package block owns the acquisition and release of raw memory regions from
// the operating system. A Block is always a power-of-two size and its base
// address is aligned to that size, so the owning block of any interior pointer
// can be recovered by masking off the low bits.
//
// All raw pointer arithmetic in this package is sound because of two
// invariants held by every live Block: the region [ptr, ptr+size) is mapped
// and writable, and ptr%size == 0.
package block

import (
	"unsafe"

	"github.com/lineheap/lineheap"
)

// Block is a single region of memory acquired from the operating system. It is
// exclusively owned by whoever created it and must be released exactly once.
type Block struct {
	ptr     unsafe.Pointer
	size    int
	mapping mapping
}

// New acquires size bytes of process memory aligned to size. It returns
// an error wrapping lineheap.PowerOfTwoError if size is not a power of two,
// and an error wrapping lineheap.OutOfMemoryError if the operating system
// declines the request.
func New(size int) (*Block, error) {
	err := lineheap.CheckPow2(size, "block size")
	if err != nil {
		return nil, err
	}

	ptr, m, err := acquire(size)
	if err != nil {
		return nil, err
	}

	return &Block{
		ptr:     ptr,
		size:    size,
		mapping: m,
	}, nil
}

// Ptr returns the base address of the block.
func (b *Block) Ptr() unsafe.Pointer {
	return b.ptr
}

// Size returns the size of the block in bytes.
func (b *Block) Size() int {
	return b.size
}

// Bytes returns the whole block as a byte slice. The slice aliases the block's
// memory and must not be used after Release.
func (b *Block) Bytes() []byte {
	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// Offset returns a pointer offset bytes into the block. It panics if offset
// does not lie within the block, keeping unchecked pointer math confined to
// this package.
func (b *Block) Offset(offset int) unsafe.Pointer {
	if offset < 0 || offset >= b.size {
		panic("offset lies outside the block")
	}
	return unsafe.Add(b.ptr, offset)
}

// Release returns the block's memory to the operating system. It must be
// called exactly once; calling it on an already-released block panics, since
// a double release is a caller bug rather than a recoverable condition.
func (b *Block) Release() error {
	if b.ptr == nil {
		panic("attempting to release a block that was already released")
	}

	err := release(b.mapping)
	b.ptr = nil
	b.mapping = mapping{}
	return err
}
