package vmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/sync"
)

// rootSwitchState tracks the progress of a shadow root replacement.
type rootSwitchState uint8

const (
	hotplugIdle rootSwitchState = iota
	hotplugShadowBuilt
	hotplugShadowActive
	hotplugCommitted
)

var rootSwitchStateNames = [...]string{"idle", "shadow-built", "shadow-active", "committed"}

func (s rootSwitchState) String() string {
	return rootSwitchStateNames[s]
}

var (
	// hotplugLock serializes memory hot-add and hot-remove requests.
	hotplugLock sync.Spinlock

	errBadRootSwitch   = &kernel.Error{Module: "vmm", Message: "invalid root switch transition"}
	errBadHotplugRange = &kernel.Error{Module: "vmm", Message: "hotplug range is not page aligned or outside of physical memory"}
)

// rootSwitch rebuilds the kernel root without ever installing a partially
// built root. The new contents are prepared in a shadow root which is made
// active, copied over the permanent root, which is then activated again.
// The permanent root address is the active root once the switch completes.
//
// The caller must hold fixmapLock for the whole sequence as the shadow is
// reached through the root temporary slot.
type rootSwitch struct {
	state  rootSwitchState
	shadow Table
}

func (rs *rootSwitch) transition(from, to rootSwitchState) bool {
	if rs.state != from {
		kfmt.Logf("vmm", "root switch: cannot move from %s to %s\n", rs.state.String(), to.String())
		panicFn(errBadRootSwitch)
		return false
	}

	rs.state = to
	return true
}

// build maps the zeroed table page in frame as the shadow root and invokes
// populate on it.
func (rs *rootSwitch) build(frame mm.Frame, populate func(shadow Table) *kernel.Error) *kernel.Error {
	if !rs.transition(hotplugIdle, hotplugShadowBuilt) {
		return errBadRootSwitch
	}

	rs.shadow = setFixmapTable(levelPGD, frame)
	return populate(rs.shadow)
}

// activate installs the shadow root.
func (rs *rootSwitch) activate() {
	if rs.transition(hotplugShadowBuilt, hotplugShadowActive) {
		mmu.ReplaceRoot(rs.shadow.Frame().Address())
	}
}

// commit copies the shadow over the permanent root and installs it.
func (rs *rootSwitch) commit() {
	if rs.transition(hotplugShadowActive, hotplugCommitted) {
		KernelRoot().copyFrom(rs.shadow)
		mmu.ReplaceRoot(layout.SwapperPgDir.Address())
	}
}

// release unmaps the shadow root. The shadow must not be active.
func (rs *rootSwitch) release() {
	if rs.state == hotplugShadowActive {
		panicFn(errBadRootSwitch)
		return
	}

	clearFixmapTable(levelPGD)
	rs.state = hotplugIdle
}

// HotplugPaging extends the linear map with the physical range
// [start, start+size). The new tables are built in a copy of the kernel
// root using the general page allocator and without block mappings so
// that the range can later be removed at page granularity.
func HotplugPaging(start uintptr, size mm.Size) *kernel.Error {
	frame, err := PgdPgtableAlloc()
	if err != nil {
		return err
	}

	fixmapLock.Acquire()

	var rs rootSwitch
	err = rs.build(frame, func(shadow Table) *kernel.Error {
		shadow.copyFrom(KernelRoot())
		return buildMappingFn(shadow, start, PhysToVirt(start), size, ProtKernel, PgdPgtableAlloc, false)
	})

	var discarded *teardown
	if err == nil {
		rs.activate()
		rs.commit()
	} else if rs.state == hotplugShadowBuilt {
		discarded = discardShadowTables(rs.shadow)
	}
	rs.release()

	fixmapLock.Release()

	// The shadow was never active so its tables were never walked.
	if discarded != nil {
		kfmt.Logf("vmm", "hotplug: discarding %d shadow table pages for [0x%x - 0x%x]\n", len(discarded.pending), start, start+uintptr(size))
		for _, p := range discarded.pending {
			freePagetableFn(p.frame, p.order, p.direct)
		}
	}

	pgtableDtor(frame)
	if ferr := frameAllocator.FreeFrames(frame, 0); ferr != nil {
		kfmt.Logf("vmm", "hotplug: unable to release shadow root 0x%x: %s\n", frame.Address(), ferr.Message)
	}

	return err
}

// discardShadowTables collects the tables that were installed in shadow
// under root entries that are empty in the permanent root. They are
// reachable from the shadow only. Tables shared with the permanent root
// keep whatever was mapped into them.
func discardShadowTables(shadow Table) *teardown {
	var (
		live = KernelRoot()
		td   = &teardown{direct: true}
	)

	for i := 0; i < entriesPerTable; i++ {
		pte := shadow.load(i)
		if !pte.isTable(levelPGD) || !live.load(i).empty() {
			continue
		}

		td.discardTable(levelPUD, directTable(pte.Frame()))
		shadow.store(i, 0)
	}

	return td
}

// discardTable queues table (at level l) and every table below it for
// release. The memory translated by its terminal descriptors is left alone.
func (td *teardown) discardTable(l level, table Table) {
	for i := 0; i < entriesPerTable; i++ {
		if pte := table.load(i); pte.isTable(l) {
			td.discardTable(l+1, directTable(pte.Frame()))
		}
	}

	td.free(table.Frame(), 0)
}

// ArchAddMemory makes the physical range [start, start+size) addressable:
// it extends the linear map, populates the page descriptor array for the
// range and marks the frames as present.
func ArchAddMemory(start uintptr, size mm.Size) *kernel.Error {
	if err := checkHotplugRange(start, size); err != nil {
		return err
	}

	hotplugLock.Acquire()
	defer hotplugLock.Release()

	if err := HotplugPaging(start, size); err != nil {
		kfmt.Logf("hotplug", "unable to map [0x%x - 0x%x]: %s\n", start, start+uintptr(size), err.Message)
		return err
	}

	end := start + uintptr(size)
	if err := VmemmapPopulate(PfnToVmemmap(mm.FrameFromAddress(start)), PfnToVmemmap(mm.FrameFromAddress(end))); err != nil {
		kfmt.Logf("hotplug", "unable to populate vmemmap for [0x%x - 0x%x]: %s\n", start, end, err.Message)
		return err
	}

	kfmt.Logf("hotplug", "added memory [0x%x - 0x%x]\n", start, end)
	return arena.Online(start, size)
}

// ArchRemoveMemory undoes ArchAddMemory. The caller must ensure that no
// frame in the range is in use.
func ArchRemoveMemory(start uintptr, size mm.Size) *kernel.Error {
	if err := checkHotplugRange(start, size); err != nil {
		return err
	}

	hotplugLock.Acquire()
	defer hotplugLock.Release()

	if err := arena.Offline(start, size); err != nil {
		return err
	}

	end := start + uintptr(size)
	VmemmapFree(PfnToVmemmap(mm.FrameFromAddress(start)), PfnToVmemmap(mm.FrameFromAddress(end)))
	RemovePagetable(PhysToVirt(start), PhysToVirt(end), true)

	kfmt.Logf("hotplug", "removed memory [0x%x - 0x%x]\n", start, end)
	return nil
}

func checkHotplugRange(start uintptr, size mm.Size) *kernel.Error {
	if size == 0 || start&(mm.PageSize-1) != 0 || uintptr(size)&(mm.PageSize-1) != 0 ||
		!arena.ContainsRange(start, size) || start < memstart {
		return errBadHotplugRange
	}
	return nil
}
