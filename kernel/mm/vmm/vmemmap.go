package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
)

// vmemmapAllocFn allocates zeroed memory for the page descriptor array or
// its tables.
type vmemmapAllocFn func(order mm.PageOrder) (mm.Frame, *kernel.Error)

// vmemmapAlloc returns 1<<order zeroed, naturally aligned pages. Memory
// comes from the boot memory allocator until the general page allocator is
// registered.
func vmemmapAlloc(order mm.PageOrder) (mm.Frame, *kernel.Error) {
	var (
		frame mm.Frame
		err   *kernel.Error
	)

	if frameAllocator == nil {
		var physAddr uintptr
		if physAddr, err = bootMem.AllocAligned(order.Size(), uintptr(order.Size())); err != nil {
			return mm.InvalidFrame, ErrOutOfMemory
		}
		frame = mm.FrameFromAddress(physAddr)
	} else if frame, err = frameAllocator.AllocFrames(order); err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	kernel.Memset(arena.Bytes(frame.Address(), uintptr(order.Size())), 0)
	return frame, nil
}

// VmemmapPopulate backs the page descriptor array range [start, end) with
// memory. Depending on Config.VmemmapSectionMaps the range is backed by
// individual pages or by 2M blocks.
func VmemmapPopulate(start, end uintptr) *kernel.Error {
	if start < VmemmapStart || end > VmemmapStart+VmemmapSize || start >= end {
		return ErrOutsideKernelRange
	}

	if config.VmemmapSectionMaps {
		return vmemmapPopulateLevel(levelPMD, start, end, vmemmapAlloc)
	}
	return vmemmapPopulateLevel(levelPTE, start, end, vmemmapAlloc)
}

// vmemmapPopulateLevel installs terminal descriptors at level leaf for
// every entry overlapping [start, end). Existing descriptors are kept.
func vmemmapPopulateLevel(leaf level, start, end uintptr, alloc vmemmapAllocFn) *kernel.Error {
	prot := ProtKernel
	if leaf != levelPTE {
		prot = ProtSectNormal
	}

	for addr := start & leaf.mask(); addr < end; addr += leaf.size() {
		table, err := vmemmapTablesFor(leaf, addr, alloc)
		if err != nil {
			return err
		}

		index := leaf.index(addr)
		pte := table.load(index)
		if !pte.empty() {
			vmemmapVerify(leaf, pte, addr)
			continue
		}

		frame, err := alloc(leaf.order())
		if err != nil {
			return err
		}

		entry := blockEntry(frame.Address(), prot)
		if leaf == levelPTE {
			entry = pageEntry(frame.Address(), prot)
		}

		pageTableLock.Acquire()
		installed := table.load(index).empty()
		if installed {
			table.store(index, entry)
		}
		pageTableLock.Release()

		// Another populator backed this entry first.
		if !installed {
			releasePages(frame, leaf.order())
		}
	}

	mmu.StoreBarrier()
	return nil
}

// vmemmapTablesFor returns the table at level leaf that translates addr,
// populating any missing intermediate tables.
func vmemmapTablesFor(leaf level, addr uintptr, alloc vmemmapAllocFn) (Table, *kernel.Error) {
	table := KernelRoot()
	for l := levelPGD; l < leaf; l++ {
		index := l.index(addr)
		pte := table.load(index)
		if pte.empty() {
			frame, err := alloc(0)
			if err != nil {
				return Table{}, err
			}
			mmu.StoreBarrier()

			pageTableLock.Acquire()
			if pte = table.load(index); pte.empty() {
				pte = tableEntry(frame)
				table.store(index, pte)
				frame = mm.InvalidFrame
			}
			pageTableLock.Release()

			// Lost the race against another populator.
			if frame.Valid() {
				releasePages(frame, 0)
			}
		}

		if !pte.isTable(l) {
			panicFn(errBadEntry)
			return Table{}, errBadEntry
		}
		table = directTable(pte.Frame())
	}

	return table, nil
}

// vmemmapVerify warns when an existing descriptor array mapping is not a
// terminal descriptor at the expected level.
func vmemmapVerify(l level, pte pageTableEntry, addr uintptr) {
	if !pte.isTerminal(l) {
		kfmt.Logf("vmm", "vmemmap: unexpected %s entry for 0x%16x\n", l.String(), addr)
	}
}

// VmemmapFree releases the memory backing the page descriptor array range
// [start, end). Pages shared with descriptors outside the range are kept
// until all of their descriptors have been removed.
func VmemmapFree(start, end uintptr) {
	RemovePagetable(start, end, false)
}
