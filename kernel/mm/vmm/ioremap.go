package vmm

import (
	"armmu/kernel"
	"armmu/kernel/mm"
	"armmu/kernel/sync"
)

var (
	// reserveLastUsed tracks the lowest reserved address in the vmalloc
	// area. Regions are handed out downwards starting at VmallocEnd.
	reserveLastUsed = VmallocEnd

	reserveLock sync.Spinlock

	errReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// ReserveRegion reserves a contiguous virtual region of the requested size
// in the vmalloc area and returns its address. The size is rounded up to a
// multiple of mm.PageSize and the returned address is a multiple of align,
// which must be a power of two.
func ReserveRegion(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	if align < mm.PageSize {
		align = mm.PageSize
	}
	length := mm.PageAlignUp(uintptr(size))

	reserveLock.Acquire()
	defer reserveLock.Release()

	if length > reserveLastUsed-VmallocStart {
		return 0, errReserveNoSpace
	}

	addr := (reserveLastUsed - length) &^ (align - 1)
	if addr < VmallocStart {
		return 0, errReserveNoSpace
	}

	reserveLastUsed = addr
	return addr, nil
}

// Ioremap maps the physical range [physAddr, physAddr+size) (typically
// device memory) in the vmalloc area and returns the virtual address that
// corresponds to physAddr. Large, suitably aligned ranges are mapped with
// block descriptors.
func Ioremap(physAddr uintptr, size mm.Size, prot Prot) (uintptr, *kernel.Error) {
	offset := physAddr & (mm.PageSize - 1)
	physAddr &= mm.PageMask
	length := mm.PageAlignUp(uintptr(size) + offset)

	// Align the virtual region like the physical one so that blocks can
	// be used.
	align := mm.PageSize
	for l := levelPUD; l < levelPTE; l++ {
		if pageLevelBlocks[l] && length >= l.size() && physAddr&(l.size()-1) == 0 {
			align = l.size()
			break
		}
	}

	virtAddr, err := ReserveRegion(mm.Size(length), align)
	if err != nil {
		return 0, err
	}

	if err = BuildMapping(KernelRoot(), physAddr, virtAddr, mm.Size(length), prot, tableAllocator(), true); err != nil {
		return 0, err
	}

	return virtAddr + offset, nil
}

// Iounmap removes a mapping established by Ioremap. The memory it
// translates is not released.
//
// TODO: return the virtual range to ReserveRegion.
func Iounmap(virtAddr uintptr, size mm.Size) {
	start := virtAddr & mm.PageMask
	RemovePagetable(start, mm.PageAlignUp(virtAddr+uintptr(size)), true)
}

// MapPage maps frame at the kernel virtual page. Missing tables are taken
// from the allocator that matches the current boot stage.
func MapPage(page mm.Page, frame mm.Frame, prot Prot) *kernel.Error {
	return BuildMapping(KernelRoot(), frame.Address(), page.Address(), mm.Size(mm.PageSize), prot, tableAllocator(), false)
}

// tableAllocator returns the table allocator that matches the current boot
// stage.
func tableAllocator() mm.FrameAllocatorFn {
	if frameAllocator == nil {
		return earlyPgdPgtableAlloc
	}
	return PgdPgtableAlloc
}
