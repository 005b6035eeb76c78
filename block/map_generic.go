//go:build !unix

package block

import "unsafe"

type mapping struct {
	slab []byte
}

// acquire carves an aligned block out of an over-sized heap slab. There is no
// portable way to hand pages back to the operating system piecemeal, so off
// unix the slab stays live as a whole until release drops it. An allocation
// failure aborts the process, matching the OS-level out-of-memory behavior of
// the mapped path's host.
func acquire(size int) (unsafe.Pointer, mapping, error) {
	slab := make([]byte, size+size)

	addr := uintptr(unsafe.Pointer(unsafe.SliceData(slab)))
	align := uintptr(size)
	offset := int((addr+align-1)&^(align-1) - addr)

	return unsafe.Pointer(unsafe.SliceData(slab[offset:])), mapping{slab: slab}, nil
}

func release(m mapping) error {
	return nil
}
