package vmm

import (
	"armmu/kernel/mm"
)

// Kernel virtual address space layout.
const (
	// VABits is the number of virtual address bits.
	VABits = 48

	// VAStart is the lowest kernel virtual address.
	VAStart = uintptr(0xffff_0000_0000_0000)

	// PageOffset is the start of the linear map of physical memory.
	PageOffset = uintptr(0xffff_8000_0000_0000)

	// ModulesVAddr is the start of the module area.
	ModulesVAddr = VAStart

	// ModulesVSize is the size of the module area.
	ModulesVSize = uintptr(128 * mm.Mb)

	// VmallocStart is the start of the vmalloc area which also hosts the
	// kernel image.
	VmallocStart = ModulesVAddr + ModulesVSize

	// StructPageSize is the size of a page descriptor in the vmemmap.
	StructPageSize = 64

	// VmemmapSize covers the descriptors for every frame addressable by
	// the linear map.
	VmemmapSize = (uintptr(1) << (VABits - 1 - mm.PageShift)) * StructPageSize

	// VmemmapStart is the start of the page descriptor array.
	VmemmapStart = PageOffset - VmemmapSize

	// VmallocEnd is the end of the vmalloc area.
	VmallocEnd = PageOffset - uintptr(1*mm.Gb) - VmemmapSize - uintptr(64*mm.Kb)

	// PCIIOEnd is the end of the PCI I/O window.
	PCIIOEnd = VmemmapStart - uintptr(2*mm.Mb)

	// PCIIOStart is the start of the PCI I/O window.
	PCIIOStart = PCIIOEnd - uintptr(16*mm.Mb)

	// FixAddrTop is the address following the fixmap area. Fixed slots
	// are allocated downwards from this address.
	FixAddrTop = PCIIOStart - uintptr(2*mm.Mb)

	// swapperBlockSize is the granularity used for early block mappings.
	swapperBlockSize = uintptr(2 * mm.Mb)

	// memstartAlign is the alignment of the linear map base.
	memstartAlign = uintptr(1 * mm.Gb)
)

// KernelLayout describes where the kernel image is loaded. Section
// boundaries are kernel image virtual addresses; the remaining fields are
// the frames of the statically allocated translation tables that live in
// the image.
type KernelLayout struct {
	Text, Etext uintptr
	StartRodata uintptr
	InitBegin   uintptr
	InitEnd     uintptr
	Data, End   uintptr

	// KimageVOffset is the difference between the virtual and the
	// physical address of the image.
	KimageVOffset uintptr

	// SwapperPgDir is the permanent kernel root. The boot code places
	// the initial upper and middle tables in the two frames that follow
	// it.
	SwapperPgDir mm.Frame

	// BmPUD, BmPMD and BmPTE back the fixmap.
	BmPUD, BmPMD, BmPTE mm.Frame
}

// SwapperDirSize is the size of the boot time translation tables that
// start at SwapperPgDir.
const SwapperDirSize = 3 * mm.PageSize

// PaSymbol returns the physical address of a kernel image virtual address.
func PaSymbol(virtAddr uintptr) uintptr {
	return virtAddr - layout.KimageVOffset
}

// PhysToVirt returns the linear map address of physAddr.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr - memstart + PageOffset
}

// VirtToPhys returns the physical address of a linear map address.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - PageOffset + memstart
}

// PfnToVmemmap returns the address of the page descriptor for frame.
func PfnToVmemmap(frame mm.Frame) uintptr {
	return VmemmapStart + uintptr(frame-mm.FrameFromAddress(memstart))*StructPageSize
}

// Memstart returns the physical address that corresponds to PageOffset.
func Memstart() uintptr {
	return memstart
}
