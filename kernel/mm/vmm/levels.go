package vmm

import "armmu/kernel/mm"

// level identifies a translation table level. Level 0 is the root (pgd)
// and level 3 holds the leaf page entries (pte).
type level uint8

const (
	levelPGD level = iota
	levelPUD
	levelPMD
	levelPTE

	// pageLevels indicates the number of page levels used with a 4K
	// granule and 48-bit virtual addresses.
	pageLevels = 4

	// entriesPerTable is the number of descriptors stored in a table page.
	entriesPerTable = 1 << 9
)

var (
	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level. Each level uses 9 bits which amounts
	// to 512 entries per table.
	pageLevelBits = [pageLevels]uint8{
		9,
		9,
		9,
		9,
	}

	// pageLevelShifts defines the shift required to access each page
	// table component of a virtual address.
	pageLevelShifts = [pageLevels]uint8{
		39,
		30,
		21,
		12,
	}

	// pageLevelBlocks is set for the levels that may hold block entries.
	// Level 1 blocks are only available with a 4K granule.
	pageLevelBlocks = [pageLevels]bool{
		false,
		mm.PageShift == 12,
		true,
		false,
	}

	// pageLevelSlots holds the temporary mapping slot used to reach a
	// table at each level.
	pageLevelSlots = [pageLevels]FixedAddr{
		FixPGD,
		FixPUD,
		FixPMD,
		FixPTE,
	}

	pageLevelNames = [pageLevels]string{"pgd", "pud", "pmd", "pte"}
)

// size returns the number of bytes translated by a single entry at this
// level.
func (l level) size() uintptr {
	return uintptr(1) << pageLevelShifts[l]
}

// mask clears the address bits below the granularity of this level.
func (l level) mask() uintptr {
	return ^(l.size() - 1)
}

// index returns the entry index for virtAddr in a table at this level.
func (l level) index(virtAddr uintptr) int {
	return int((virtAddr >> pageLevelShifts[l]) & ((1 << pageLevelBits[l]) - 1))
}

// addrEnd returns the end of the sub-range of [addr, end) that is covered by
// the entry containing addr.
func (l level) addrEnd(addr, end uintptr) uintptr {
	boundary := (addr + l.size()) & l.mask()
	if boundary-1 < end-1 {
		return boundary
	}
	return end
}

// order returns the page order of the memory translated by a terminal entry
// at this level.
func (l level) order() mm.PageOrder {
	return mm.PageOrder(uintptr(pageLevelShifts[l]) - mm.PageShift)
}

func (l level) String() string {
	return pageLevelNames[l]
}
