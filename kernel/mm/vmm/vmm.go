// Package vmm manages the translation tables that back the kernel half of
// the address space. It builds the linear map and the kernel image mapping
// at boot, provides the fixmap temporary mapping slots, extends the tables
// when memory is hot-added and tears them down on hot-removal.
package vmm

import (
	"armmu/kernel"
	"armmu/kernel/cpu"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
	"armmu/kernel/mm/pmm"
	"armmu/kernel/sync"
)

// The default value for Config.MaxFDTSize.
const DefaultMaxFDTSize = uint32(2 * mm.Mb)

// Config holds the tunables of the vmm package.
type Config struct {
	// DebugPagealloc disables block mappings for the linear map and for
	// late kernel mappings.
	DebugPagealloc bool

	// VmemmapSectionMaps backs the page descriptor array with 2M blocks
	// instead of individual pages.
	VmemmapSectionMaps bool

	// MaxFDTSize is the largest device tree blob accepted by
	// FixmapRemapFDT. It is capped at DefaultMaxFDTSize which is the
	// largest blob that always fits the fixmap FDT window.
	MaxFDTSize uint32
}

// FrameAllocator is implemented by the general purpose physical page
// allocator.
type FrameAllocator interface {
	AllocFrames(order mm.PageOrder) (mm.Frame, *kernel.Error)
	FreeFrames(frame mm.Frame, order mm.PageOrder) *kernel.Error
}

// RegionTracker is implemented by the boot memory allocator.
type RegionTracker interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	AllocAligned(size mm.Size, align uintptr) (uintptr, *kernel.Error)
	Reserve(base uintptr, size mm.Size) *kernel.Error
	Free(base uintptr, size mm.Size) *kernel.Error
	VisitMemRegions(visitor func(*pmm.Region) bool)
}

// Env bundles the collaborators of the vmm package.
type Env struct {
	Arena   *physmem.Arena
	MMU     cpu.MMU
	BootMem RegionTracker
	Layout  KernelLayout
	Config  Config
}

var (
	arena   *physmem.Arena
	mmu     cpu.MMU
	bootMem RegionTracker
	layout  KernelLayout
	config  Config

	// frameAllocator is nil until the general purpose allocator is
	// registered via SetFrameAllocator.
	frameAllocator FrameAllocator

	// memstart is the physical address mapped at PageOffset.
	memstart uintptr

	// pageTableLock serializes changes that install or clear a
	// descriptor pointing to a table.
	pageTableLock sync.Spinlock

	// fixmapLock serializes users of the per-level temporary mapping
	// slots.
	fixmapLock sync.Spinlock

	// panicFn is used by tests to intercept calls to kfmt.Panic.
	panicFn = kfmt.Panic

	errIncompleteEnv   = &kernel.Error{Module: "vmm", Message: "incomplete environment"}
	errNoMemoryRegions = &kernel.Error{Module: "vmm", Message: "no memory regions available"}
)

// Init registers the collaborators used by the vmm package and computes the
// base of the linear map. It must be invoked before any other function in
// this package.
func Init(env Env) *kernel.Error {
	if env.Arena == nil || env.MMU == nil || env.BootMem == nil {
		return errIncompleteEnv
	}

	arena, mmu, bootMem, layout, config = env.Arena, env.MMU, env.BootMem, env.Layout, env.Config
	frameAllocator = nil
	if config.MaxFDTSize == 0 || config.MaxFDTSize > DefaultMaxFDTSize {
		config.MaxFDTSize = DefaultMaxFDTSize
	}

	lowest := ^uintptr(0)
	bootMem.VisitMemRegions(func(r *pmm.Region) bool {
		if r.Base < lowest {
			lowest = r.Base
		}
		return true
	})
	if lowest == ^uintptr(0) {
		return errNoMemoryRegions
	}
	memstart = lowest &^ (memstartAlign - 1)

	kfmt.Logf("vmm", "memstart: 0x%16x, swapper_pg_dir: 0x%x\n", memstart, layout.SwapperPgDir.Address())
	return nil
}

// SetFrameAllocator registers the general purpose page allocator. From
// this point on, table pages are obtained from alloc and boot memory pages
// released by the teardown code are handed over to it.
func SetFrameAllocator(alloc FrameAllocator) {
	frameAllocator = alloc
}

// KernelRoot returns the permanent kernel root table.
func KernelRoot() Table {
	return directTable(layout.SwapperPgDir)
}
