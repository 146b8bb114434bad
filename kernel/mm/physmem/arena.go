// Package physmem models the machine's physical memory as a single arena of
// page frames. Every frame has a PageInfo descriptor that carries the page
// lifecycle flags consulted by the memory management code.
package physmem

import (
	"sync/atomic"
	"unsafe"

	"armmu/kernel"
	"armmu/kernel/mm"
)

// PageFlag describes a page lifecycle bit stored in a PageInfo.
type PageFlag uint32

const (
	// PageReserved marks a frame that is owned by the boot memory
	// allocator and has not been handed to the general allocator.
	PageReserved PageFlag = 1 << iota

	// PageTable marks a frame that holds a translation table level and
	// was obtained from the general allocator.
	PageTable

	// PageOnline marks a frame whose backing memory is present.
	PageOnline
)

// PageInfo is the per-frame descriptor. All accessors are safe for
// concurrent use.
type PageInfo struct {
	flags uint32
}

// HasFlags returns true if all bits in f are set.
func (p *PageInfo) HasFlags(f PageFlag) bool {
	return PageFlag(atomic.LoadUint32(&p.flags))&f == f
}

// SetFlags sets the bits in f.
func (p *PageInfo) SetFlags(f PageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old|uint32(f)) {
			return
		}
	}
}

// ClearFlags clears the bits in f.
func (p *PageInfo) ClearFlags(f PageFlag) {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^uint32(f)) {
			return
		}
	}
}

var (
	errArenaMisaligned = &kernel.Error{Module: "physmem", Message: "arena base and size must be page-aligned"}
	errArenaMap        = &kernel.Error{Module: "physmem", Message: "unable to allocate arena backing memory"}

	// ErrOutOfRange is returned when a physical range is not covered by
	// the arena.
	ErrOutOfRange = &kernel.Error{Module: "physmem", Message: "physical range outside of arena"}
)

// Arena covers the physical address window [base, base+size).
type Arena struct {
	base uintptr
	mem  []byte
	info []PageInfo

	// release undoes the backing allocation.
	release func() error
}

// New allocates an arena for the physical address window [base, base+size).
// No frame is online until Online is invoked for it.
func New(base uintptr, size mm.Size) (*Arena, *kernel.Error) {
	if base&(mm.PageSize-1) != 0 || uintptr(size)&(mm.PageSize-1) != 0 || size == 0 {
		return nil, errArenaMisaligned
	}

	mem, release, err := allocBacking(uintptr(size))
	if err != nil {
		return nil, errArenaMap
	}

	return &Arena{
		base:    base,
		mem:     mem,
		info:    make([]PageInfo, uintptr(size)>>mm.PageShift),
		release: release,
	}, nil
}

// Close releases the arena backing memory. The arena must not be used
// afterwards.
func (a *Arena) Close() *kernel.Error {
	if a.release == nil {
		return nil
	}

	err := a.release()
	a.release, a.mem, a.info = nil, nil, nil
	if err != nil {
		return errArenaMap
	}
	return nil
}

// Base returns the first physical address covered by the arena.
func (a *Arena) Base() uintptr { return a.base }

// End returns the physical address following the last byte of the arena.
func (a *Arena) End() uintptr { return a.base + uintptr(len(a.mem)) }

// Size returns the arena size.
func (a *Arena) Size() mm.Size { return mm.Size(len(a.mem)) }

// Contains returns true if phys lies inside the arena.
func (a *Arena) Contains(phys uintptr) bool {
	return phys >= a.base && phys-a.base < uintptr(len(a.mem))
}

// ContainsRange returns true if [phys, phys+size) lies inside the arena.
func (a *Arena) ContainsRange(phys uintptr, size mm.Size) bool {
	return a.Contains(phys) && uintptr(size) <= a.End()-phys
}

// Bytes returns a slice aliasing the n bytes of physical memory starting at
// phys or nil if the range is not covered by the arena.
func (a *Arena) Bytes(phys, n uintptr) []byte {
	if !a.ContainsRange(phys, mm.Size(n)) {
		return nil
	}

	off := phys - a.base
	return a.mem[off : off+n : off+n]
}

// Page returns the contents of the given frame or nil if the frame is not
// covered by the arena.
func (a *Arena) Page(frame mm.Frame) []byte {
	return a.Bytes(frame.Address(), mm.PageSize)
}

// Words returns the given frame viewed as an array of 64-bit words.
func (a *Arena) Words(frame mm.Frame) *[mm.PageSize >> mm.PointerShift]uint64 {
	page := a.Page(frame)
	if page == nil {
		return nil
	}

	return (*[mm.PageSize >> mm.PointerShift]uint64)(unsafe.Pointer(&page[0]))
}

// Info returns the descriptor of the given frame or nil if the frame is
// not covered by the arena.
func (a *Arena) Info(frame mm.Frame) *PageInfo {
	if !a.Contains(frame.Address()) {
		return nil
	}

	return &a.info[(frame.Address()-a.base)>>mm.PageShift]
}

// Online flags the frames in [base, base+size) as present.
func (a *Arena) Online(base uintptr, size mm.Size) *kernel.Error {
	return a.visitFrames(base, size, func(info *PageInfo) { info.SetFlags(PageOnline) })
}

// Offline clears the present flag of the frames in [base, base+size).
func (a *Arena) Offline(base uintptr, size mm.Size) *kernel.Error {
	return a.visitFrames(base, size, func(info *PageInfo) { info.ClearFlags(PageOnline) })
}

// PfnValid returns true if frame refers to present memory.
func (a *Arena) PfnValid(frame mm.Frame) bool {
	info := a.Info(frame)
	return info != nil && info.HasFlags(PageOnline)
}

func (a *Arena) visitFrames(base uintptr, size mm.Size, fn func(*PageInfo)) *kernel.Error {
	if !a.ContainsRange(base, size) {
		return ErrOutOfRange
	}

	first := mm.FrameFromAddress(base)
	last := mm.FrameFromAddress(base + uintptr(size) - 1)
	for frame := first; frame <= last; frame++ {
		fn(a.Info(frame))
	}
	return nil
}
