// Package cpu exposes the hardware control primitives used by the memory
// management code: translation cache maintenance, memory ordering barriers
// and translation root installation.
package cpu

import "os"

var (
	// exitFn is used by Halt to stop the simulated machine. Tests may
	// override it.
	exitFn = os.Exit
)

// MMU is implemented by the platform layer and provides the translation
// related control operations that the kernel cannot express in Go. All
// invalidation operations are broadcast to every core unless noted
// otherwise.
type MMU interface {
	// FlushTLBAll invalidates all cached translations on all cores.
	FlushTLBAll()

	// LocalFlushTLBAll invalidates all cached translations on the calling
	// core only.
	LocalFlushTLBAll()

	// FlushTLBKernelRange invalidates cached translations for the kernel
	// virtual range [start, end) on all cores.
	FlushTLBKernelRange(start, end uintptr)

	// StoreBarrier ensures that all preceding stores are visible to the
	// hardware table walkers of every core before any subsequent store
	// (dsb ishst).
	StoreBarrier()

	// ReplaceRoot atomically installs the translation root at the
	// supplied physical address for the kernel half of the address space
	// and invalidates the local translation cache.
	ReplaceRoot(rootPhysAddr uintptr)

	// ActiveRoot returns the physical address of the currently installed
	// kernel translation root.
	ActiveRoot() uintptr
}

// Halt stops instruction execution. Halt never returns.
func Halt() {
	exitFn(2)
}
