package vmm

import (
	"armmu/kernel"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
)

var (
	// ErrOutOfMemory is returned when a table page cannot be allocated
	// after boot.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of memory"}
)

// EarlyPgtableAlloc allocates a table page from the boot memory allocator
// before the linear map exists. The page is zeroed through the leaf
// temporary slot, so the caller must hold fixmapLock. Running out of boot
// memory is fatal.
func EarlyPgtableAlloc() (mm.Frame, *kernel.Error) {
	frame, err := bootMem.AllocFrame()
	if err != nil {
		panicFn(err)
		return mm.InvalidFrame, err
	}

	// The linear alias of the page may not exist yet; zero it through
	// the fixmap.
	table := setFixmapTable(levelPTE, frame)
	table.zero()
	clearFixmapTable(levelPTE)

	return frame, nil
}

// earlyPgdPgtableAlloc allocates a zeroed table page from the boot memory
// allocator once the linear map is live.
func earlyPgdPgtableAlloc() (mm.Frame, *kernel.Error) {
	frame, err := bootMem.AllocFrame()
	if err != nil {
		panicFn(err)
		return mm.InvalidFrame, err
	}

	directTable(frame).zero()
	mmu.StoreBarrier()
	return frame, nil
}

// PgdPgtableAlloc allocates a table page from the general page allocator.
// The page is registered as a table page and zeroed; the store barrier
// makes the zeroes visible to table walkers before any descriptor pointing
// to the page is installed.
func PgdPgtableAlloc() (mm.Frame, *kernel.Error) {
	frame, err := lateAlloc()
	if err != nil {
		return mm.InvalidFrame, err
	}

	pgtableCtor(frame)
	return frame, nil
}

// lateAlloc returns a zeroed page from the general page allocator.
func lateAlloc() (mm.Frame, *kernel.Error) {
	if frameAllocator == nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	frame, err := frameAllocator.AllocFrames(0)
	if err != nil {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	directTable(frame).zero()
	mmu.StoreBarrier()
	return frame, nil
}

// pgtableCtor registers frame as a table page.
func pgtableCtor(frame mm.Frame) {
	if info := arena.Info(frame); info != nil {
		info.SetFlags(physmem.PageTable)
	}
}

// pgtableDtor undoes pgtableCtor.
func pgtableDtor(frame mm.Frame) {
	if info := arena.Info(frame); info != nil {
		info.ClearFlags(physmem.PageTable)
	}
}
