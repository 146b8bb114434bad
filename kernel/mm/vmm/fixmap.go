package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
)

// FixedAddr is the index of a fixed virtual page in the fixmap area. The
// page for index i lives at FixToVirt(i); higher indices are mapped at
// lower addresses.
type FixedAddr uintptr

// The fixed slots. Ranges are described by their End (lowest index) and
// Begin or base (highest index) slots.
const (
	FixHole FixedAddr = 0

	// FixFDTEnd..FixFDT is a 4M window (2M aligned) used to map the
	// device tree blob.
	FixFDTEnd FixedAddr = 1
	FixFDT    FixedAddr = FixFDTEnd + fdtWindowSize>>mm.PageShift - 1

	FixEarlyconMemBase FixedAddr = FixFDT + 1
	FixTextPoke0       FixedAddr = FixFDT + 2

	// FixBTMapEnd..FixBTMapBegin are the boot time ioremap slots.
	FixBTMapEnd   FixedAddr = FixFDT + 3
	FixBTMapBegin FixedAddr = FixBTMapEnd + totalFixBTMaps - 1

	// Temporary per-level slots used to edit tables that are not
	// reachable through the linear map.
	FixPTE FixedAddr = FixBTMapBegin + 1
	FixPMD FixedAddr = FixBTMapBegin + 2
	FixPUD FixedAddr = FixBTMapBegin + 3
	FixPGD FixedAddr = FixBTMapBegin + 4

	endOfFixedAddresses FixedAddr = FixBTMapBegin + 5
)

const (
	fdtWindowSize  = 4 << 20
	fixBTMapSlots  = 32
	fixBTMapsNum   = 7
	totalFixBTMaps = fixBTMapSlots * fixBTMapsNum

	// FixAddrSize is the size of the fixmap area.
	FixAddrSize = uintptr(endOfFixedAddresses) << mm.PageShift

	// FixAddrStart is the lowest address in the fixmap area.
	FixAddrStart = FixAddrTop - FixAddrSize
)

var (
	errBadFixmapIndex = &kernel.Error{Module: "vmm", Message: "invalid fixmap index"}
	errFixmapSlotBusy = &kernel.Error{Module: "vmm", Message: "temporary mapping slot already in use"}
	errFixmapSlotIdle = &kernel.Error{Module: "vmm", Message: "temporary mapping slot is not mapped"}
)

// FixToVirt returns the virtual address of a fixed slot.
func FixToVirt(idx FixedAddr) uintptr {
	return FixAddrTop - uintptr(idx)<<mm.PageShift
}

// VirtToFix returns the fixed slot that contains virtAddr.
func VirtToFix(virtAddr uintptr) FixedAddr {
	return FixedAddr((FixAddrTop - (virtAddr & ^uintptr(mm.PageSize-1))) >> mm.PageShift)
}

// EarlyFixmapInit links the statically allocated fixmap tables into the
// kernel root so that the fixmap area becomes translatable. If the kernel
// image already provides the upper table for the fixmap area (the image
// and the fixmap share a root entry) it is reused.
func EarlyFixmapInit() {
	addr := FixAddrStart
	pgd := KernelRoot()

	pgdIndex := levelPGD.index(addr)
	if pgd.load(pgdIndex).empty() {
		pgd.store(pgdIndex, tableEntry(layout.BmPUD))
	}
	pud := directTable(pgd.load(pgdIndex).Frame())

	pudIndex := levelPUD.index(addr)
	if pud.load(pudIndex).empty() {
		pud.store(pudIndex, tableEntry(layout.BmPMD))
	}
	pmd := directTable(pud.load(pudIndex).Frame())
	pmd.store(levelPMD.index(addr), tableEntry(layout.BmPTE))
	mmu.StoreBarrier()

	checkBTMapRange(FixToVirt(FixBTMapBegin), FixToVirt(FixBTMapEnd))
}

// checkBTMapRange warns when the boot time ioremap slots in [begin, end]
// span more than a single middle level entry; only the first one is backed
// by bm_pte. It returns false in that case.
func checkBTMapRange(begin, end uintptr) bool {
	for l := levelPGD; l <= levelPMD; l++ {
		if l.index(begin) != l.index(end) {
			kfmt.Logf("vmm", "fixmap: boot ioremap range spans multiple pmds\n")
			kfmt.Logf("vmm", "fixmap: FIX_BTMAP_BEGIN: 0x%16x, FIX_BTMAP_END: 0x%16x\n", begin, end)
			return false
		}
	}
	return true
}

// inFDTWindow returns true if idx is one of the slots reserved for the
// device tree blob. That window is mapped with blocks and is not backed by
// the fixmap leaf table.
func inFDTWindow(idx FixedAddr) bool {
	return idx >= FixFDTEnd && idx <= FixFDT
}

// fixmapPTE returns the leaf table that backs every fixed slot.
func fixmapPTE() Table {
	return directTable(layout.BmPTE)
}

// SetFixmap maps the physical page at physAddr to the fixed slot idx. A
// zero prot clears the slot and invalidates its translation.
func SetFixmap(idx FixedAddr, physAddr uintptr, prot Prot) {
	if idx <= FixHole || idx >= endOfFixedAddresses || inFDTWindow(idx) {
		panicFn(errBadFixmapIndex)
		return
	}

	setFixmapEntry(idx, physAddr, prot)
}

// ClearFixmap removes the mapping for the fixed slot idx.
func ClearFixmap(idx FixedAddr) {
	SetFixmap(idx, 0, 0)
}

func setFixmapEntry(idx FixedAddr, physAddr uintptr, prot Prot) {
	addr := FixToVirt(idx)
	pte := fixmapPTE()
	index := levelPTE.index(addr)

	if prot == 0 {
		pte.store(index, 0)
		mmu.FlushTLBKernelRange(addr, addr+uintptr(mm.PageSize))
		return
	}

	pte.store(index, pageEntry(physAddr, prot))
	mmu.StoreBarrier()
}

// fixmapTable resolves the table mapped at the temporary slot for level l
// the way the hardware would: through the fixmap leaf table.
func fixmapTable(l level) Table {
	pte := fixmapPTE().load(levelPTE.index(FixToVirt(pageLevelSlots[l])))
	if !pte.isPage(levelPTE) {
		panicFn(errFixmapSlotIdle)
		return Table{}
	}
	return directTable(pte.Frame())
}

// setFixmapTable maps the table stored in frame at the temporary slot for
// level l and returns a view of it. Only a single alias per slot may be
// live at any time; fixmapLock must be held by the caller.
func setFixmapTable(l level, frame mm.Frame) Table {
	idx := pageLevelSlots[l]
	if !fixmapPTE().load(levelPTE.index(FixToVirt(idx))).empty() {
		panicFn(errFixmapSlotBusy)
	}

	setFixmapEntry(idx, frame.Address(), ProtKernel)
	return fixmapTable(l)
}

// clearFixmapTable releases the temporary slot for level l.
func clearFixmapTable(l level) {
	setFixmapEntry(pageLevelSlots[l], 0, 0)
}
