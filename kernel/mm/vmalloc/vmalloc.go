// Package vmalloc provides virtually contiguous kernel memory in the vmalloc
// area backed by individually allocated frames.
package vmalloc

import (
	"armmu/kernel"
	"armmu/kernel/mm"
	"armmu/kernel/mm/vmm"
)

var (
	mapFn           = vmm.MapPage
	reserveRegionFn = vmm.ReserveRegion
	removeFn        = vmm.RemovePagetable
	mappedBytesFn   = vmm.MappedBytes
	memsetFn        = kernel.Memset

	// frameAllocFn must hand out frames owned by the allocator registered
	// with vmm.SetFrameAllocator; Free returns them there.
	frameAllocFn mm.FrameAllocatorFn
	frameFreeFn  func(mm.Frame) *kernel.Error

	errNoFrameAllocator = &kernel.Error{Module: "vmalloc", Message: "no frame allocator registered"}
)

// SetFrameAllocator registers the allocator used to back new regions.
// freeFn releases a frame that could not be mapped.
func SetFrameAllocator(allocFn mm.FrameAllocatorFn, freeFn func(mm.Frame) *kernel.Error) {
	frameAllocFn, frameFreeFn = allocFn, freeFn
}

// Reserve reserves address space without allocating any memory or
// establishing any page mappings.
func Reserve(size mm.Size) (uintptr, *kernel.Error) {
	regionSize := mm.Size(mm.PageAlignUp(uintptr(size)))
	return reserveRegionFn(regionSize, mm.PageSize)
}

// Alloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the virtual region start. The memory is zeroed.
func Alloc(size mm.Size) (uintptr, *kernel.Error) {
	if frameAllocFn == nil {
		return 0, errNoFrameAllocator
	}

	regionStartAddr, err := Reserve(size)
	if err != nil {
		return 0, err
	}

	pageCount := mm.PageAlignUp(uintptr(size)) >> mm.PageShift
	for page, mapped := mm.PageFromAddress(regionStartAddr), uintptr(0); mapped < pageCount; mapped, page = mapped+1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			Free(regionStartAddr, mm.Size(mapped<<mm.PageShift))
			return 0, err
		}

		if err = mapFn(page, frame, vmm.ProtKernel); err != nil {
			_ = frameFreeFn(frame)
			Free(regionStartAddr, mm.Size(mapped<<mm.PageShift))
			return 0, err
		}

		memsetFn(mappedBytesFn(page.Address(), mm.PageSize), 0)
	}

	return regionStartAddr, nil
}

// Free unmaps a region obtained via Alloc and releases the frames that back
// it. The address range itself is not reused.
func Free(addr uintptr, size mm.Size) {
	if size == 0 {
		return
	}

	start := addr & mm.PageMask
	removeFn(start, mm.PageAlignUp(addr+uintptr(size)), false)
}
