package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/pmm"
)

var (
	errMisalignedSegment = &kernel.Error{Module: "vmm", Message: "kernel segment is not page aligned"}
	errImageTooLarge     = &kernel.Error{Module: "vmm", Message: "kernel image does not fit the boot tables"}
)

// CreateBootTables sets up the tables that are active when the kernel is
// entered: the kernel image is mapped with 2M blocks using the three
// tables that start at SwapperPgDir.
func CreateBootTables() *kernel.Error {
	var (
		start = layout.Text &^ (swapperBlockSize - 1)
		end   = (layout.End + swapperBlockSize - 1) &^ (swapperBlockSize - 1)
		pgd   = KernelRoot()
		pud   = directTable(layout.SwapperPgDir + 1)
		pmd   = directTable(layout.SwapperPgDir + 2)
	)

	if start < VmallocStart || levelPUD.index(start) != levelPUD.index(end-1) || levelPGD.index(start) != levelPGD.index(end-1) {
		return errImageTooLarge
	}

	pgd.zero()
	pud.zero()
	pmd.zero()

	pgd.store(levelPGD.index(start), tableEntry(pud.Frame()))
	pud.store(levelPUD.index(start), tableEntry(pmd.Frame()))
	for addr := start; addr < end; addr += swapperBlockSize {
		pmd.store(levelPMD.index(addr), blockEntry(PaSymbol(addr), ProtKernelExec))
	}
	mmu.StoreBarrier()

	mmu.ReplaceRoot(layout.SwapperPgDir.Address())
	return nil
}

// PagingInit replaces the boot tables with the final kernel tables: the
// kernel image is mapped segment by segment with the proper attributes
// and every memory bank is mapped in the linear map. The tables are built
// in a shadow root and then copied over the permanent root.
func PagingInit() *kernel.Error {
	// The shadow root is zeroed through the fixmap.
	fixmapLock.Acquire()

	frame, err := EarlyPgtableAlloc()
	if err != nil {
		fixmapLock.Release()
		return err
	}

	var rs rootSwitch
	err = rs.build(frame, func(pgd Table) *kernel.Error {
		if err := mapKernel(pgd); err != nil {
			return err
		}
		return mapMem(pgd)
	})

	if err == nil {
		rs.activate()
		rs.commit()
	}
	rs.release()

	fixmapLock.Release()

	if err != nil {
		panicFn(err)
		return err
	}

	_ = bootMem.Free(frame.Address(), mm.Size(mm.PageSize))

	// Only the root of the boot tables is reused.
	_ = bootMem.Free((layout.SwapperPgDir + 1).Address(), mm.Size(SwapperDirSize-mm.PageSize))

	mmu.LocalFlushTLBAll()
	kfmt.Logf("vmm", "paging initialized; root: 0x%x\n", mmu.ActiveRoot())
	return nil
}

// mapKernelSegment maps the kernel image range [vaStart, vaEnd) with the
// supplied attributes.
func mapKernelSegment(pgd Table, vaStart, vaEnd uintptr, prot Prot) *kernel.Error {
	paStart := PaSymbol(vaStart)
	size := vaEnd - vaStart

	if paStart&(mm.PageSize-1) != 0 || size&(mm.PageSize-1) != 0 {
		panicFn(errMisalignedSegment)
		return errMisalignedSegment
	}

	return buildMappingFn(pgd, paStart, vaStart, mm.Size(size), prot, EarlyPgtableAlloc, !config.DebugPagealloc)
}

// mapKernel creates fine grained mappings for the kernel image and links
// the fixmap tables into pgd.
func mapKernel(pgd Table) *kernel.Error {
	segments := []struct {
		start, end uintptr
		prot       Prot
	}{
		{layout.Text, layout.Etext, ProtKernelExec},
		{layout.StartRodata, layout.InitBegin, ProtKernel},
		{layout.InitBegin, layout.InitEnd, ProtKernelExec},
		{layout.Data, layout.End, ProtKernel},
	}

	for _, seg := range segments {
		if err := mapKernelSegment(pgd, seg.start, seg.end, seg.prot); err != nil {
			return err
		}
	}

	index := levelPGD.index(FixAddrStart)
	if entry := pgd.load(index); entry.empty() {
		// The fixmap does not share a root entry with the kernel image
		// so the existing upper table can be reused as is.
		pgd.store(index, KernelRoot().load(index))
		return nil
	} else if !entry.isTable(levelPGD) {
		panicFn(errBadEntry)
		return errBadEntry
	}

	// The fixmap shares its root entry with the kernel image; link bm_pmd
	// into the upper table built above.
	pud := setFixmapTable(levelPUD, pgd.load(index).Frame())
	pud.store(levelPUD.index(FixAddrStart), tableEntry(layout.BmPMD))
	clearFixmapTable(levelPUD)
	return nil
}

// mapMem maps every memory bank that is not marked as nomap in the linear
// map.
func mapMem(pgd Table) *kernel.Error {
	var err *kernel.Error
	bootMem.VisitMemRegions(func(r *pmm.Region) bool {
		if r.Size == 0 {
			return false
		}
		if r.Flags&pmm.RegionNoMap != 0 {
			return true
		}

		err = mapMemblock(pgd, r.Base, r.End())
		return err == nil
	})

	return err
}

// mapMemblock maps [start, end) in the linear map. No writable alias is
// created for the kernel text and read-only data.
func mapMemblock(pgd Table, start, end uintptr) *kernel.Error {
	var (
		kernelStart = PaSymbol(layout.Text)
		kernelEnd   = PaSymbol(layout.InitBegin)
		allowBlocks = !config.DebugPagealloc
	)

	mapRange := func(from, to uintptr, prot Prot) *kernel.Error {
		return buildMappingFn(pgd, from, PhysToVirt(from), mm.Size(to-from), prot, EarlyPgtableAlloc, allowBlocks)
	}

	if end < kernelStart || start >= kernelEnd {
		return mapRange(start, end, ProtKernel)
	}

	if start < kernelStart {
		if err := mapRange(start, kernelStart, ProtKernel); err != nil {
			return err
		}
	}
	if kernelEnd < end {
		if err := mapRange(kernelEnd, end, ProtKernel); err != nil {
			return err
		}
	}

	// The linear alias of [text, init_begin) stays readable but is
	// neither writable nor executable.
	return mapRange(kernelStart, kernelEnd, ProtKernelRO)
}

// MarkRodataRO makes the kernel text read-only and executable and the
// read-only data read-only and non-executable.
func MarkRodataRO() *kernel.Error {
	if err := CreateMappingLate(PaSymbol(layout.Text), layout.Text, mm.Size(layout.Etext-layout.Text), ProtKernelROX); err != nil {
		return err
	}

	return CreateMappingLate(PaSymbol(layout.StartRodata), layout.StartRodata, mm.Size(layout.InitBegin-layout.StartRodata), ProtKernelRO)
}
