package vmm

import (
	"armmu/kernel/mm"
)

// Prot holds the attribute bits of a block or page descriptor. The
// descriptor type bits and the output address are not part of a Prot.
type Prot uint64

// The attribute bits of a stage 1 descriptor.
const (
	// ProtUser allows EL0 access.
	ProtUser Prot = 1 << 6

	// ProtReadOnly disallows writes.
	ProtReadOnly Prot = 1 << 7

	// ProtShared marks the memory as inner shareable.
	ProtShared Prot = 3 << 8

	// ProtAccessed is the access flag. Entries without it fault on first
	// access.
	ProtAccessed Prot = 1 << 10

	// ProtNotGlobal tags the translation with the current ASID.
	ProtNotGlobal Prot = 1 << 11

	// ProtWrite is the software dirty bit modifier (DBM).
	ProtWrite Prot = 1 << 51

	// ProtContiguous hints that the entry is part of a contiguous run.
	ProtContiguous Prot = 1 << 52

	// ProtPXN prevents execution at EL1.
	ProtPXN Prot = 1 << 53

	// ProtUXN prevents execution at EL0.
	ProtUXN Prot = 1 << 54

	// ProtDirty is the software dirty bit.
	ProtDirty Prot = 1 << 55

	protAttrIndxShift = 2
	protAttrIndxMask  = Prot(7) << protAttrIndxShift
)

// Memory attribute indices into MAIR_EL1.
const (
	mtDeviceNGnRnE = iota
	mtDeviceNGnRE
	mtDeviceGRE
	mtNormalNC
	mtNormal
)

const (
	protDefault = ProtAccessed | ProtShared
	protNormal  = protDefault | ProtPXN | ProtUXN | ProtDirty | ProtWrite | mtNormal<<protAttrIndxShift

	// ProtKernel maps normal memory RW and non-executable.
	ProtKernel = protNormal

	// ProtKernelRO maps normal memory read-only and non-executable.
	ProtKernelRO = (protNormal &^ ProtWrite) | ProtReadOnly

	// ProtKernelROX maps normal memory read-only and executable.
	ProtKernelROX = (protNormal &^ (ProtWrite | ProtPXN)) | ProtReadOnly

	// ProtKernelExec maps normal memory RW and executable.
	ProtKernelExec = protNormal &^ ProtPXN

	// ProtDevice maps device registers as nGnRE.
	ProtDevice = protDefault | ProtPXN | ProtUXN | ProtDirty | ProtWrite | mtDeviceNGnRE<<protAttrIndxShift

	// ProtSectNormal is used for vmemmap block mappings.
	ProtSectNormal = protDefault | ProtPXN | ProtUXN | mtNormal<<protAttrIndxShift
)

// MemType returns the memory attribute index of the protection bits.
func (p Prot) MemType() uint8 {
	return uint8((p & protAttrIndxMask) >> protAttrIndxShift)
}

// Executable returns true if EL1 may execute from the mapping.
func (p Prot) Executable() bool {
	return p&ProtPXN == 0
}

// Writable returns true if EL1 may write to the mapping.
func (p Prot) Writable() bool {
	return p&ProtReadOnly == 0
}

const (
	// descValid is set for every non-empty descriptor.
	descValid = uint64(1 << 0)

	// descTable distinguishes table (levels 0-2) and page (level 3)
	// descriptors from block descriptors.
	descTable = uint64(1 << 1)

	descTypeMask = descValid | descTable

	// ptePhysPageMask extracts the output address of a descriptor. With a
	// 4K granule and 48-bit physical addresses bits 12-47 are used.
	ptePhysPageMask = uint64(0x0000_ffff_ffff_f000)

	protMask = ^(ptePhysPageMask | descTypeMask)
)

// pageTableEntry describes a translation table descriptor.
type pageTableEntry uint64

func tableEntry(frame mm.Frame) pageTableEntry {
	return pageTableEntry(uint64(frame.Address()) | descValid | descTable)
}

func blockEntry(physAddr uintptr, prot Prot) pageTableEntry {
	return pageTableEntry((uint64(physAddr) & ptePhysPageMask) | uint64(prot)&protMask | descValid)
}

func pageEntry(physAddr uintptr, prot Prot) pageTableEntry {
	return pageTableEntry((uint64(physAddr) & ptePhysPageMask) | uint64(prot)&protMask | descValid | descTable)
}

// empty returns true if the descriptor does not translate anything.
func (pte pageTableEntry) empty() bool {
	return uint64(pte)&descValid == 0
}

// isTable returns true if this descriptor points to a next level table.
func (pte pageTableEntry) isTable(l level) bool {
	return l != levelPTE && uint64(pte)&descTypeMask == descTypeMask
}

// isBlock returns true if this descriptor is a block mapping. Only the
// levels listed in pageLevelBlocks may hold block mappings.
func (pte pageTableEntry) isBlock(l level) bool {
	return pageLevelBlocks[l] && uint64(pte)&descTypeMask == descValid
}

// isPage returns true if this is a leaf page descriptor.
func (pte pageTableEntry) isPage(l level) bool {
	return l == levelPTE && uint64(pte)&descTypeMask == descTypeMask
}

// isTerminal returns true for block and page descriptors.
func (pte pageTableEntry) isTerminal(l level) bool {
	return pte.isBlock(l) || pte.isPage(l)
}

// Frame returns the physical page frame that this descriptor points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.FrameFromAddress(pte.physAddr())
}

func (pte pageTableEntry) physAddr() uintptr {
	return uintptr(uint64(pte) & ptePhysPageMask)
}

// Prot returns the attribute bits of a block or page descriptor.
func (pte pageTableEntry) Prot() Prot {
	return Prot(uint64(pte) & protMask)
}
