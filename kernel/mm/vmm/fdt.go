package vmm

import (
	"armmu/kernel"
	"armmu/kernel/hal/fdt"
	"armmu/kernel/mm"
)

var (
	// ErrBadFDT is returned when the device tree blob cannot be mapped.
	ErrBadFDT = &kernel.Error{Module: "vmm", Message: "invalid device tree blob"}
)

// FixmapRemapFDT maps the device tree blob at dtPhys into the fixmap FDT
// window and reserves it in the boot memory allocator. It returns the
// virtual address of the blob and its size.
func FixmapRemapFDT(dtPhys uintptr) (uintptr, uint32, *kernel.Error) {
	dtVirt, size, err := fixmapRemapFDT(dtPhys, ProtKernelRO)
	if err != nil {
		return 0, 0, err
	}

	if err = bootMem.Reserve(dtPhys, mm.Size(size)); err != nil {
		return 0, 0, err
	}

	return dtVirt, size, nil
}

func fixmapRemapFDT(dtPhys uintptr, prot Prot) (uintptr, uint32, *kernel.Error) {
	dtVirtBase := FixToVirt(FixFDT)

	// The magic and size fields must be readable once the first chunk is
	// mapped.
	if dtPhys == 0 || dtPhys%fdt.MinAlign != 0 {
		return 0, 0, ErrBadFDT
	}

	var (
		offset = dtPhys % swapperBlockSize
		dtVirt = dtVirtBase + offset
		base   = dtPhys &^ (swapperBlockSize - 1)
	)

	// The window sits under bm_pmd so that it can be mapped with blocks
	// without allocating tables.
	if err := CreateMappingNoAlloc(base, dtVirtBase, mm.Size(swapperBlockSize), prot); err != nil {
		return 0, 0, ErrBadFDT
	}

	size, err := fdt.TotalSize(MappedBytes(dtVirt, fdt.TotalSizeOffset+4))
	if err != nil || size > config.MaxFDTSize {
		return 0, 0, ErrBadFDT
	}

	if offset+uintptr(size) > swapperBlockSize {
		length := (offset + uintptr(size) + swapperBlockSize - 1) &^ (swapperBlockSize - 1)
		if err := CreateMappingNoAlloc(base, dtVirtBase, mm.Size(length), prot); err != nil {
			return 0, 0, ErrBadFDT
		}
	}

	return dtVirt, size, nil
}

// MappedBytes returns a view of the n bytes mapped at the kernel virtual
// address virtAddr. It returns nil if the range is not mapped to a
// physically contiguous region of memory.
func MappedBytes(virtAddr, n uintptr) []byte {
	if n == 0 {
		return nil
	}

	first, _, err := Translate(virtAddr)
	if err != nil {
		return nil
	}

	for addr := (virtAddr & mm.PageMask) + mm.PageSize; addr < virtAddr+n; addr += mm.PageSize {
		physAddr, _, err := Translate(addr)
		if err != nil || physAddr != first+(addr-virtAddr) {
			return nil
		}
	}

	return arena.Bytes(first, n)
}
