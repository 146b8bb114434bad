package physmem

import (
	"unsafe"

	"armmu/kernel/mm"
)

// allocHeapBacking returns a page-aligned slice carved out of the Go heap.
func allocHeapBacking(size uintptr) ([]byte, func() error, error) {
	raw := make([]byte, size+mm.PageSize)
	off := mm.PageAlignUp(uintptr(unsafe.Pointer(&raw[0]))) - uintptr(unsafe.Pointer(&raw[0]))
	return raw[off : off+size : off+size], func() error { return nil }, nil
}
