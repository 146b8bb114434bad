package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
)

// PageInUse is the byte pattern written over the parts of a partially
// unmapped page descriptor page that are no longer in use. A backing page
// that consists entirely of this pattern is released.
const PageInUse = 0xFD

var (
	// freePagetableFn is used by tests to observe page releases.
	freePagetableFn = freePagetable
)

// pendingFree is a page release deferred until the teardown has
// invalidated all stale translations.
type pendingFree struct {
	frame  mm.Frame
	order  mm.PageOrder
	direct bool
}

// teardown carries the state of a single RemovePagetable call.
type teardown struct {
	direct  bool
	pending []pendingFree
}

func (td *teardown) free(frame mm.Frame, order mm.PageOrder) {
	td.pending = append(td.pending, pendingFree{frame: frame, order: order, direct: td.direct})
}

// RemovePagetable removes the translations for [start, end) from the
// kernel root. When direct is set the range belongs to the linear map and
// the memory it translates is not released; otherwise (page descriptor
// array) the backing pages are released as well. Tables that become empty
// are released bottom-up. All pages are released after a single system
// wide TLB invalidation.
func RemovePagetable(start, end uintptr, direct bool) {
	td := &teardown{direct: direct}
	td.removeLevel(levelPGD, KernelRoot(), start, end)

	mmu.FlushTLBAll()

	for _, p := range td.pending {
		freePagetableFn(p.frame, p.order, p.direct)
	}
}

// removeLevel clears the entries of table (at level l) that translate
// [addr, end).
func (td *teardown) removeLevel(l level, table Table, addr, end uintptr) {
	for next := addr; addr < end; addr = next {
		next = l.addrEnd(addr, end)
		index := l.index(addr)

		pte := table.load(index)
		switch {
		case pte.empty():
			continue
		case pte.isTerminal(l):
			td.removeTerminal(l, table, index, addr, next)
		case pte.isTable(l):
			child := directTable(pte.Frame())
			td.removeLevel(l+1, child, addr, next)
			td.freeTableIfEmpty(table, index, child)
		default:
			panicFn(errBadEntry)
		}
	}
}

// removeTerminal removes the block or page descriptor at index that
// translates (part of) [addr, next).
func (td *teardown) removeTerminal(l level, table Table, index int, addr, next uintptr) {
	var (
		pte     = table.load(index)
		granule = l.size()
	)

	if addr&(granule-1) == 0 && next&(granule-1) == 0 {
		// Linear map pages were released when the memory was
		// offlined.
		if !td.direct {
			td.free(pte.Frame(), l.order())
		}

		clearEntry(table, index)
		return
	}

	// The linear map does not own the memory it translates; a block that
	// is partially removed is cleared as a whole and its memory is left
	// untouched.
	if td.direct {
		if addr&(mm.PageSize-1) != 0 || next&(mm.PageSize-1) != 0 {
			kfmt.Logf("vmm", "remove_pagetable: unaligned linear map range [0x%16x - 0x%16x]\n", addr, next)
			return
		}

		clearEntry(table, index)
		return
	}

	// Other descriptors in the backing page are still in use. Mark the
	// ones being removed and release the page when nothing is left.
	backing := arena.Bytes(pte.physAddr(), granule)
	if backing == nil {
		kfmt.Logf("vmm", "remove_pagetable: %s entry for 0x%16x not backed by physical memory\n", l.String(), addr)
		return
	}

	offset := addr & (granule - 1)
	kernel.Memset(backing[offset:offset+(next-addr)], PageInUse)
	if kernel.MemchrInv(backing, PageInUse) == -1 {
		td.free(pte.Frame(), l.order())
		clearEntry(table, index)
	}
}

// freeTableIfEmpty releases child, referenced by the entry at index, if it
// no longer holds any valid descriptor.
func (td *teardown) freeTableIfEmpty(table Table, index int, child Table) {
	if !child.empty() {
		return
	}

	td.free(child.Frame(), 0)
	clearEntry(table, index)
}

func clearEntry(table Table, index int) {
	pageTableLock.Acquire()
	table.store(index, 0)
	pageTableLock.Release()
}

// freePagetable releases 1<<order pages starting at frame. Pages still
// owned by the boot memory allocator are handed over to the general page
// allocator.
func freePagetable(frame mm.Frame, order mm.PageOrder, direct bool) {
	info := arena.Info(frame)
	if info == nil {
		kfmt.Logf("vmm", "free_pagetable: frame 0x%x outside of physical memory\n", frame.Address())
		return
	}

	if info.HasFlags(physmem.PageReserved) {
		for i := mm.Frame(0); i < mm.Frame(order.Pages()); i++ {
			if pi := arena.Info(frame + i); pi != nil {
				pi.ClearFlags(physmem.PageReserved)
			}
		}

		releasePages(frame, order)
		return
	}

	// Only tables allocated for the linear map are registered as table
	// pages.
	if direct {
		pgtableDtor(frame)
	}

	releasePages(frame, order)
}

func releasePages(frame mm.Frame, order mm.PageOrder) {
	var err *kernel.Error
	if frameAllocator != nil {
		err = frameAllocator.FreeFrames(frame, order)
	} else {
		err = bootMem.Free(frame.Address(), order.Size())
	}

	if err != nil {
		kfmt.Logf("vmm", "free_pagetable: unable to release frame 0x%x (order %d): %s\n", frame.Address(), uint8(order), err.Message)
	}
}
