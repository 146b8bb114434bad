package pmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
	"armmu/kernel/sync"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}
	errBootAllocBadRange    = &kernel.Error{Module: "boot_mem_alloc", Message: "range not covered by physical memory"}
	errBootAllocBadAlign    = &kernel.Error{Module: "boot_mem_alloc", Message: "alignment must be a power of two multiple of the page size"}
)

// RegionFlag describes a property of a memory bank.
type RegionFlag uint8

const (
	// RegionNoMap marks memory that must not be part of the linear map.
	RegionNoMap RegionFlag = 1 << iota
)

// Region describes a contiguous memory bank.
type Region struct {
	Base  uintptr
	Size  mm.Size
	Flags RegionFlag
}

// End returns the address following the last byte of the region.
func (r *Region) End() uintptr { return r.Base + uintptr(r.Size) }

// BootMemAllocator tracks the available memory banks and the ranges
// reserved while the kernel boots. Allocations are served top-down from
// memory that is neither reserved nor flagged as RegionNoMap.
//
// Reserved frames are flagged with physmem.PageReserved so that the page
// table teardown code can tell boot-time pages from runtime allocations.
type BootMemAllocator struct {
	lock  sync.Spinlock
	arena *physmem.Arena

	// memory is sorted by base address.
	memory []Region

	// reserved is sorted and contains no overlapping entries.
	reserved []addrRange

	// allocCount tracks the total number of frames handed out.
	allocCount uint64
}

// NewBootMemAllocator returns a boot memory allocator for the given arena.
func NewBootMemAllocator(arena *physmem.Arena) *BootMemAllocator {
	return &BootMemAllocator{arena: arena}
}

// AddMemory registers the memory bank [base, base+size) and onlines its
// frames.
func (alloc *BootMemAllocator) AddMemory(base uintptr, size mm.Size) *kernel.Error {
	r, err := alloc.pageRange(base, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var ranges []addrRange
	for _, region := range alloc.memory {
		ranges = append(ranges, addrRange{region.Base, region.End()})
	}
	for _, missing := range subtractRanges(r, ranges) {
		alloc.memory = append(alloc.memory, Region{Base: missing.base, Size: missing.size()})
	}
	alloc.sortMemory()

	return alloc.arena.Online(r.base, r.size())
}

// RemoveMemory drops the range [base, base+size) from the list of memory
// banks and offlines its frames.
func (alloc *BootMemAllocator) RemoveMemory(base uintptr, size mm.Size) *kernel.Error {
	r, err := alloc.pageRange(base, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.isolate(r, func(*Region) bool { return false })
	alloc.reserved = removeRange(alloc.reserved, r)
	return alloc.arena.Offline(r.base, r.size())
}

// MarkNoMap flags the range [base, base+size) as RegionNoMap, splitting
// memory banks as required.
func (alloc *BootMemAllocator) MarkNoMap(base uintptr, size mm.Size) *kernel.Error {
	r, err := alloc.pageRange(base, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.isolate(r, func(region *Region) bool {
		region.Flags |= RegionNoMap
		return true
	})
	return nil
}

// Reserve marks [base, base+size) as in use.
func (alloc *BootMemAllocator) Reserve(base uintptr, size mm.Size) *kernel.Error {
	r, err := alloc.pageRange(base, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	alloc.reserved = insertRange(alloc.reserved, r)
	alloc.lock.Release()

	alloc.setReservedFlag(r, true)
	return nil
}

// Free releases a range previously obtained via Reserve or one of the
// allocation methods.
func (alloc *BootMemAllocator) Free(base uintptr, size mm.Size) *kernel.Error {
	r, err := alloc.pageRange(base, size)
	if err != nil {
		return err
	}

	alloc.lock.Acquire()
	alloc.reserved = removeRange(alloc.reserved, r)
	alloc.lock.Release()

	alloc.setReservedFlag(r, false)
	return nil
}

// IsReserved returns true if the frame containing phys is reserved.
func (alloc *BootMemAllocator) IsReserved(phys uintptr) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for _, r := range alloc.reserved {
		if phys >= r.base && phys < r.end {
			return true
		}
	}
	return false
}

// AllocFrame reserves the highest available free frame.
//
// AllocFrame returns an error if no more memory can be allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	phys, err := alloc.AllocAligned(mm.Size(mm.PageSize), mm.PageSize)
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(phys), nil
}

// AllocAligned reserves the highest free range of size bytes whose start
// address is a multiple of align.
func (alloc *BootMemAllocator) AllocAligned(size mm.Size, align uintptr) (uintptr, *kernel.Error) {
	if align < mm.PageSize || align&(align-1) != 0 {
		return 0, errBootAllocBadAlign
	}
	size = mm.Size(mm.PageAlignUp(uintptr(size)))

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for i := len(alloc.memory) - 1; i >= 0; i-- {
		region := alloc.memory[i]
		if region.Flags&RegionNoMap != 0 {
			continue
		}

		free := subtractRanges(addrRange{region.Base, region.End()}, alloc.reserved)
		for j := len(free) - 1; j >= 0; j-- {
			if free[j].size() < size {
				continue
			}

			base := (free[j].end - uintptr(size)) &^ (align - 1)
			if base < free[j].base {
				continue
			}

			r := addrRange{base, base + uintptr(size)}
			alloc.reserved = insertRange(alloc.reserved, r)
			alloc.setReservedFlag(r, true)
			alloc.allocCount += uint64(size.Pages())
			return base, nil
		}
	}

	return 0, errBootAllocOutOfMemory
}

// VisitMemRegions invokes visitor for each memory bank in ascending address
// order until the visitor returns false.
func (alloc *BootMemAllocator) VisitMemRegions(visitor func(*Region) bool) {
	alloc.lock.Acquire()
	regions := make([]Region, len(alloc.memory))
	copy(regions, alloc.memory)
	alloc.lock.Release()

	for i := range regions {
		if !visitor(&regions[i]) {
			return
		}
	}
}

// VisitReserved invokes visitor for each reserved range in ascending
// address order until the visitor returns false.
func (alloc *BootMemAllocator) VisitReserved(visitor func(base uintptr, size mm.Size) bool) {
	alloc.lock.Acquire()
	reserved := make([]addrRange, len(alloc.reserved))
	copy(reserved, alloc.reserved)
	alloc.lock.Release()

	for _, r := range reserved {
		if !visitor(r.base, r.size()) {
			return
		}
	}
}

// PrintMemoryMap outputs the memory banks and the reserved ranges.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	kfmt.Logf("boot_mem_alloc", "system memory map:\n")
	var total, reserved mm.Size
	alloc.VisitMemRegions(func(region *Region) bool {
		kind := "available"
		if region.Flags&RegionNoMap != 0 {
			kind = "nomap"
		}
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.Base, region.End(), uint64(region.Size), kind)
		total += region.Size
		return true
	})
	alloc.VisitReserved(func(_ uintptr, size mm.Size) bool {
		reserved += size
		return true
	})
	kfmt.Logf("boot_mem_alloc", "available memory: %dKb, reserved: %dKb\n", uint64(total/mm.Kb), uint64(reserved/mm.Kb))
}

func (alloc *BootMemAllocator) pageRange(base uintptr, size mm.Size) (addrRange, *kernel.Error) {
	r := addrRange{mm.PageAlignDown(base), mm.PageAlignUp(base + uintptr(size))}
	if size == 0 || !alloc.arena.ContainsRange(r.base, r.size()) {
		return r, errBootAllocBadRange
	}
	return r, nil
}

// isolate splits the memory banks so that r is covered by whole regions and
// applies fn to each of them. Regions for which fn returns false are
// dropped.
func (alloc *BootMemAllocator) isolate(r addrRange, fn func(*Region) bool) {
	var out []Region
	for _, region := range alloc.memory {
		cur := addrRange{region.Base, region.End()}
		for _, outside := range subtractRanges(cur, []addrRange{r}) {
			out = append(out, Region{Base: outside.base, Size: outside.size(), Flags: region.Flags})
		}

		if r.end <= cur.base || r.base >= cur.end {
			continue
		}

		inside := Region{Base: cur.base, Flags: region.Flags}
		if r.base > inside.Base {
			inside.Base = r.base
		}
		end := cur.end
		if r.end < end {
			end = r.end
		}
		inside.Size = mm.Size(end - inside.Base)
		if fn(&inside) {
			out = append(out, inside)
		}
	}

	alloc.memory = out
	alloc.sortMemory()
}

func (alloc *BootMemAllocator) sortMemory() {
	for i := 1; i < len(alloc.memory); i++ {
		for j := i; j > 0 && alloc.memory[j].Base < alloc.memory[j-1].Base; j-- {
			alloc.memory[j], alloc.memory[j-1] = alloc.memory[j-1], alloc.memory[j]
		}
	}
}

func (alloc *BootMemAllocator) setReservedFlag(r addrRange, reserved bool) {
	for phys := r.base; phys < r.end; phys += mm.PageSize {
		info := alloc.arena.Info(mm.FrameFromAddress(phys))
		if reserved {
			info.SetFlags(physmem.PageReserved)
		} else {
			info.ClearFlags(physmem.PageReserved)
		}
	}
}
