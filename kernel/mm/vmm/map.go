package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
)

var (
	// buildMappingFn is used by tests to intercept calls to buildMapping.
	buildMappingFn = buildMapping

	// warnedTableReplace is set after the first warning about a table
	// page that could not be released when replaced by a block.
	warnedTableReplace bool

	// ErrOutsideKernelRange is returned when asked to map an address below
	// the kernel half of the address space.
	ErrOutsideKernelRange = &kernel.Error{Module: "vmm", Message: "virtual address outside kernel range"}

	// ErrOffsetMismatch is returned when the physical and the virtual
	// address of a mapping request have different in-page offsets.
	ErrOffsetMismatch = &kernel.Error{Module: "vmm", Message: "physical and virtual page offsets differ"}

	errNoAllocator      = &kernel.Error{Module: "vmm", Message: "table allocation required but no allocator supplied"}
	errBadEntry         = &kernel.Error{Module: "vmm", Message: "unexpected descriptor while building table"}
	errUnsafeAttrChange = &kernel.Error{Module: "vmm", Message: "unsafe change to live descriptor"}
	errKernelRootUsed   = &kernel.Error{Module: "vmm", Message: "operation not permitted on the kernel root"}
)

// BuildMapping maps the physical range [physAddr, physAddr+size) at
// virtAddr in the supplied root. Missing tables are obtained from alloc;
// a nil alloc means that every required table must already exist. If
// allowBlocks is set, suitably aligned sub-ranges are mapped with block
// descriptors.
//
// The root table must be accessible by the caller, either through the
// kernel image mapping or through the temporary root slot.
func BuildMapping(root Table, physAddr, virtAddr uintptr, size mm.Size, prot Prot, alloc mm.FrameAllocatorFn, allowBlocks bool) *kernel.Error {
	fixmapLock.Acquire()
	defer fixmapLock.Release()

	return buildMappingFn(root, physAddr, virtAddr, size, prot, alloc, allowBlocks)
}

// buildMapping implements BuildMapping. The caller must hold fixmapLock.
func buildMapping(root Table, physAddr, virtAddr uintptr, size mm.Size, prot Prot, alloc mm.FrameAllocatorFn, allowBlocks bool) *kernel.Error {
	if virtAddr < VAStart {
		kfmt.Logf("vmm", "not creating mapping for 0x%x at 0x%16x: outside kernel range\n", physAddr, virtAddr)
		return ErrOutsideKernelRange
	}

	// If the virtual and physical address don't have the same offset
	// within a page, we cannot map the region as the caller expects.
	if (physAddr^virtAddr)&(mm.PageSize-1) != 0 {
		kfmt.Logf("vmm", "not creating mapping for 0x%x at 0x%16x: offset mismatch\n", physAddr, virtAddr)
		return ErrOffsetMismatch
	}

	length := mm.PageAlignUp(uintptr(size) + virtAddr&(mm.PageSize-1))
	physAddr &= mm.PageMask
	virtAddr &= mm.PageMask

	return mapLevel(levelPGD, root, virtAddr, virtAddr+length, physAddr, prot, alloc, allowBlocks)
}

// mapLevel populates the entries of table (a table at level l) that
// translate [addr, end).
func mapLevel(l level, table Table, addr, end, physAddr uintptr, prot Prot, alloc mm.FrameAllocatorFn, allowBlocks bool) *kernel.Error {
	stale := false
	for addr != end {
		next := l.addrEnd(addr, end)
		index := l.index(addr)

		switch {
		case l == levelPTE:
			stale = setTerminal(l, table, index, pageEntry(physAddr, prot)) || stale
		case pageLevelBlocks[l] && allowBlocks && (addr|next|physAddr)&(l.size()-1) == 0:
			installBlock(l, table, index, physAddr, prot)
		default:
			child, err := nextLevelTable(l, table, index, alloc)
			if err != nil {
				return err
			}

			err = mapLevel(l+1, child, addr, next, physAddr, prot, alloc, allowBlocks)
			clearFixmapTable(l + 1)
			if err != nil {
				return err
			}
		}

		physAddr += next - addr
		addr = next
	}

	if l == levelPTE {
		mmu.StoreBarrier()

		// Live page descriptors were replaced.
		if stale {
			mmu.FlushTLBAll()
		}
	}

	return nil
}

// nextLevelTable returns a view of the table referenced by the entry at
// index, allocating (and if needed splitting a block into) a new table
// when the entry does not reference one. The returned view is mapped at the
// temporary slot for level l+1.
func nextLevelTable(l level, table Table, index int, alloc mm.FrameAllocatorFn) (Table, *kernel.Error) {
	pte := table.load(index)
	if pte.isTable(l) {
		return setFixmapTable(l+1, pte.Frame()), nil
	}

	if !pte.empty() && !pte.isBlock(l) {
		panicFn(errBadEntry)
		return Table{}, errBadEntry
	}

	if alloc == nil {
		panicFn(errNoAllocator)
		return Table{}, errNoAllocator
	}

	frame, err := alloc()
	if err != nil {
		return Table{}, err
	}

	child := setFixmapTable(l+1, frame)
	if pte.isBlock(l) {
		split(l, pte, child)
	}

	pageTableLock.Acquire()
	table.store(index, tableEntry(frame))
	pageTableLock.Release()
	mmu.StoreBarrier()

	// The old block may still be cached by the TLB.
	if pte.isBlock(l) {
		mmu.FlushTLBAll()
	}

	if !table.load(index).isTable(l) {
		panicFn(errBadEntry)
		return Table{}, errBadEntry
	}

	return child, nil
}

// installBlock maps physAddr with a block descriptor at index. A table that
// was referenced by the old descriptor is released to the boot memory
// allocator while it still owns all memory.
func installBlock(l level, table Table, index int, physAddr uintptr, prot Prot) {
	old := table.load(index)
	entry := blockEntry(physAddr, prot)

	if !old.isTable(l) {
		if setTerminal(l, table, index, entry) {
			mmu.StoreBarrier()
			mmu.FlushTLBAll()
		}
		return
	}

	pageTableLock.Acquire()
	table.store(index, entry)
	pageTableLock.Release()
	mmu.StoreBarrier()
	mmu.FlushTLBAll()

	if frameAllocator == nil {
		_ = bootMem.Free(old.Frame().Address(), mm.Size(mm.PageSize))
		return
	}

	if !warnedTableReplace {
		warnedTableReplace = true
		kfmt.Logf("vmm", "leaking %s table 0x%x replaced by block at runtime\n", (l + 1).String(), old.Frame().Address())
	}
}

// setTerminal stores a block or page descriptor and reports whether it
// replaced a different live descriptor; the caller must then invalidate the
// TLB. Changing the output address or the memory type of a live descriptor
// is not permitted without going through an invalid entry first.
func setTerminal(l level, table Table, index int, entry pageTableEntry) bool {
	old := table.load(index)
	if !attrChangeIsSafe(l, old, entry) {
		panicFn(errUnsafeAttrChange)
	}

	table.store(index, entry)
	return !old.empty() && old != entry
}

// safeAttrChanges lists the attributes that may be changed on a live
// descriptor.
const safeAttrChanges = ProtPXN | ProtReadOnly | ProtNotGlobal | ProtWrite

func attrChangeIsSafe(l level, old, entry pageTableEntry) bool {
	if old.empty() || entry.empty() || old == entry {
		return true
	}

	if !old.isTerminal(l) || old.physAddr() != entry.physAddr() {
		return false
	}

	return (old.Prot()^entry.Prot())&^safeAttrChanges == 0
}

// CreateMappingNoAlloc maps a range in the kernel root during early boot.
// Callers arrange for the range to be covered by existing tables or by
// blocks so that no table needs to be allocated; if one is required it is
// taken from the boot memory allocator. It is used for early fixed
// mappings such as the device tree window.
func CreateMappingNoAlloc(physAddr, virtAddr uintptr, size mm.Size, prot Prot) *kernel.Error {
	if virtAddr < VmallocStart {
		kfmt.Logf("vmm", "not creating mapping for 0x%x at 0x%16x: outside kernel range\n", physAddr, virtAddr)
		return ErrOutsideKernelRange
	}

	return BuildMapping(KernelRoot(), physAddr, virtAddr, size, prot, earlyPgdPgtableAlloc, true)
}

// CreatePgdMapping maps a range in a root other than the kernel root,
// allocating tables from the general page allocator.
func CreatePgdMapping(root Table, physAddr, virtAddr uintptr, size mm.Size, prot Prot, allowBlocks bool) *kernel.Error {
	if root.Frame() == layout.SwapperPgDir {
		panicFn(errKernelRootUsed)
		return errKernelRootUsed
	}

	return BuildMapping(root, physAddr, virtAddr, size, prot, PgdPgtableAlloc, allowBlocks)
}

// CreateMappingLate changes or creates a mapping in the kernel root after
// boot. All tables required by the mapping must already exist.
func CreateMappingLate(physAddr, virtAddr uintptr, size mm.Size, prot Prot) *kernel.Error {
	if virtAddr < VmallocStart {
		kfmt.Logf("vmm", "not creating mapping for 0x%x at 0x%16x: outside kernel range\n", physAddr, virtAddr)
		return ErrOutsideKernelRange
	}

	err := BuildMapping(KernelRoot(), physAddr, virtAddr, size, prot, nil, !config.DebugPagealloc)

	// flush the TLB after updating live kernel mappings
	mmu.FlushTLBKernelRange(virtAddr, virtAddr+uintptr(size))
	return err
}
