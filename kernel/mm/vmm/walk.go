package vmm

import (
	"armmu/kernel"
	"armmu/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the descriptor that
// translates the address at that level. If the function returns false, then
// the page walk is aborted.
type pageTableWalker func(l level, pte pageTableEntry) bool

// walk performs a read-only table walk for virtAddr starting at root. It
// calls walkFn with the descriptor that corresponds to each level and stops
// after the first descriptor that does not point to a next level table.
func walk(root Table, virtAddr uintptr, walkFn pageTableWalker) {
	table := root
	for l := levelPGD; l < pageLevels; l++ {
		pte := table.load(l.index(virtAddr))
		if !walkFn(l, pte) || !pte.isTable(l) {
			return
		}

		table = directTable(pte.Frame())
	}
}

// translate returns the terminal descriptor for virtAddr and its level.
func translate(root Table, virtAddr uintptr) (pageTableEntry, level, *kernel.Error) {
	var (
		entry pageTableEntry
		lvl   level
		err   = ErrInvalidMapping
	)

	walk(root, virtAddr, func(l level, pte pageTableEntry) bool {
		if pte.isTerminal(l) {
			entry, lvl, err = pte, l, nil
		}
		return true
	})

	return entry, lvl, err
}

// Translate returns the physical address that corresponds to virtAddr in
// the kernel root together with the attributes of the mapping. It returns
// ErrInvalidMapping if virtAddr is not mapped.
func Translate(virtAddr uintptr) (uintptr, Prot, *kernel.Error) {
	pte, l, err := translate(KernelRoot(), virtAddr)
	if err != nil {
		return 0, 0, err
	}

	return pte.physAddr() + virtAddr&(l.size()-1), pte.Prot(), nil
}

// KernAddrValid returns true if virtAddr is a canonical kernel address that
// is translated by the kernel root to a frame backed by present memory.
func KernAddrValid(virtAddr uintptr) bool {
	if int64(virtAddr)>>VABits != -1 {
		return false
	}

	physAddr, _, err := Translate(virtAddr)
	if err != nil {
		return false
	}

	return arena.PfnValid(mm.FrameFromAddress(physAddr))
}
