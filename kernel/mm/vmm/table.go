package vmm

import (
	"sync/atomic"

	"armmu/kernel"
	"armmu/kernel/mm"
)

// Table is a view of a single translation table page. Descriptor reads and
// writes are single-copy atomic so that concurrent table walkers never
// observe a torn descriptor.
type Table struct {
	frame   mm.Frame
	entries *[entriesPerTable]uint64
}

// Frame returns the physical frame that holds the table.
func (t Table) Frame() mm.Frame { return t.frame }

func (t Table) load(index int) pageTableEntry {
	return pageTableEntry(atomic.LoadUint64(&t.entries[index]))
}

func (t Table) store(index int, pte pageTableEntry) {
	atomic.StoreUint64(&t.entries[index], uint64(pte))
}

// empty returns true if no descriptor in the table is valid.
func (t Table) empty() bool {
	for i := 0; i < entriesPerTable; i++ {
		if !t.load(i).empty() {
			return false
		}
	}
	return true
}

func (t Table) zero() {
	for i := 0; i < entriesPerTable; i++ {
		t.store(i, 0)
	}
}

// copyFrom copies every descriptor of src into t.
func (t Table) copyFrom(src Table) {
	for i := 0; i < entriesPerTable; i++ {
		t.store(i, src.load(i))
	}
}

var errFrameOutsideArena = &kernel.Error{Module: "vmm", Message: "table frame is not backed by physical memory"}

// directTable returns a view of the table stored in frame accessed through
// the linear map (or the kernel image mapping for statically allocated
// tables).
func directTable(frame mm.Frame) Table {
	words := arena.Words(frame)
	if words == nil {
		panicFn(errFrameOutsideArena)
	}
	return Table{frame: frame, entries: words}
}
