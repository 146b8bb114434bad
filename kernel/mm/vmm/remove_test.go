package vmm

import (
	"testing"

	"armmu/kernel"
	"armmu/kernel/cpu"
	"armmu/kernel/mm"
	"armmu/kernel/mm/physmem"
)

func TestRemovePagetableSharedPage(t *testing.T) {
	env := newTestEnv(t, Config{})
	frames := env.enableAllocator()

	backing, err := frames.AllocFrames(0)
	if err != nil {
		t.Fatal(err)
	}
	kernel.Memset(env.arena.Page(backing), 0)

	virtAddr := VmemmapStart + 0x40_0000
	if err = BuildMapping(KernelRoot(), backing.Address(), virtAddr, 4*mm.Kb, ProtKernel, PgdPgtableAlloc, false); err != nil {
		t.Fatal(err)
	}
	frames.frees = nil

	// Removing the first half of the page only marks it.
	RemovePagetable(virtAddr, virtAddr+0x800, false)
	if len(frames.frees) != 0 {
		t.Fatalf("expected the shared page to be kept; got frees %v", frames.frees)
	}

	if !KernAddrValid(virtAddr) {
		t.Fatal("expected the page to remain mapped")
	}

	page := env.arena.Page(backing)
	for i, b := range page {
		exp := byte(0)
		if i < 0x800 {
			exp = PageInUse
		}

		if b != exp {
			t.Fatalf("expected byte %d of the page to be 0x%x; got 0x%x", i, exp, b)
		}
	}

	// Once the remainder is removed the page and its tables are released.
	RemovePagetable(virtAddr+0x800, virtAddr+0x1000, false)
	if len(frames.frees) != 4 || frames.frees[0] != (frameOp{backing, 0}) {
		t.Fatalf("expected the page and three tables to be released; got frees %v", frames.frees)
	}

	if KernAddrValid(virtAddr) {
		t.Fatal("expected the page to be unmapped")
	}
}

func TestRemovePagetableFlushesBeforeFree(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enableAllocator()

	virtAddr := VmallocStart + 0x100_0000
	if err := BuildMapping(KernelRoot(), 0x4000_0000, virtAddr, 4*mm.Mb, ProtKernel, PgdPgtableAlloc, false); err != nil {
		t.Fatal(err)
	}

	defer func(orig func(mm.Frame, mm.PageOrder, bool)) {
		freePagetableFn = orig
	}(freePagetableFn)

	var freed []frameOp
	freePagetableFn = func(frame mm.Frame, order mm.PageOrder, direct bool) {
		if got := env.mmu.Count(cpu.OpFlushTLBAll); got != 1 {
			t.Errorf("expected a single TLB flush before releasing frame 0x%x; got %d", frame.Address(), got)
		}

		if !direct {
			t.Error("expected direct flag to be propagated")
		}
		freed = append(freed, frameOp{frame, order})
		freePagetable(frame, order, direct)
	}

	env.mmu.Reset()
	RemovePagetable(virtAddr, virtAddr+4*uintptr(mm.Mb), true)

	// Two leaf tables, a middle table and an upper table.
	if len(freed) != 4 {
		t.Fatalf("expected 4 table pages to be released; got %v", freed)
	}

	for _, op := range freed {
		if env.arena.Info(op.frame).HasFlags(physmem.PageTable) {
			t.Errorf("expected frame 0x%x to be no longer registered as a table page", op.frame.Address())
		}
	}
}

func TestRemovePagetablePartialRange(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enableAllocator()

	virtAddr := VmallocStart + 0x100_0000
	if err := BuildMapping(KernelRoot(), 0x4000_0000, virtAddr, 4*mm.Mb, ProtKernel, PgdPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}

	RemovePagetable(virtAddr, virtAddr+2*uintptr(mm.Mb), true)

	if _, _, err := Translate(virtAddr); err != ErrInvalidMapping {
		t.Fatalf("expected the first block to be removed; got %v", err)
	}

	expectMapped(t, 0x4020_0000, virtAddr+2*uintptr(mm.Mb), 2*mm.Mb, ProtKernel)

	if KernelRoot().load(levelPGD.index(virtAddr)).empty() {
		t.Fatal("expected tables still in use to be kept")
	}
}

func TestRemovePagetableLinearMapBlock(t *testing.T) {
	env := newTestEnv(t, Config{})

	const physAddr = uintptr(0x4140_0000)
	if err := env.bootMem.Reserve(physAddr, 2*mm.Mb); err != nil {
		t.Fatal(err)
	}
	frames := env.enableAllocator()

	virtAddr := PhysToVirt(physAddr)
	if err := BuildMapping(KernelRoot(), physAddr, virtAddr, 2*mm.Mb, ProtKernel, PgdPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}
	if _, l, _ := translate(KernelRoot(), virtAddr); l != levelPMD {
		t.Fatalf("expected a block mapping; got terminal level %s", l)
	}

	mem := env.arena.Bytes(physAddr, 2*uintptr(mm.Mb))
	kernel.Memset(mem, 0x5a)
	frames.frees = nil

	for _, r := range [][2]uintptr{
		{virtAddr, virtAddr + uintptr(mm.Mb)},
		{virtAddr + uintptr(mm.Mb), virtAddr + 2*uintptr(mm.Mb)},
	} {
		RemovePagetable(r[0], r[1], true)

		if KernAddrValid(r[0]) {
			t.Fatalf("expected 0x%16x to be unmapped", r[0])
		}

		for _, op := range frames.frees {
			if op.frame == mm.FrameFromAddress(physAddr) {
				t.Fatalf("expected the linear map backing to be kept; got frees %v", frames.frees)
			}
		}
	}

	if idx := kernel.MemchrInv(mem, 0x5a); idx != -1 {
		t.Fatalf("expected the memory behind the linear map to be left untouched; byte %d changed to 0x%x", idx, mem[idx])
	}

	if !env.bootMem.IsReserved(physAddr) {
		t.Fatal("expected the memory to remain owned by the boot memory allocator")
	}
}

func TestRemovePagetableBadEntry(t *testing.T) {
	newTestEnv(t, Config{})
	panics := capturePanics()

	KernelRoot().store(levelPGD.index(VmallocStart), blockEntry(0x4000_0000, ProtKernel))
	RemovePagetable(VmallocStart, VmallocStart+mm.PageSize, true)

	if len(*panics) != 1 || (*panics)[0] != errBadEntry {
		t.Fatalf("expected panic with %v; got %v", errBadEntry, *panics)
	}
}

func TestFreePagetable(t *testing.T) {
	t.Run("boot memory page", func(t *testing.T) {
		env := newTestEnv(t, Config{})

		frame, err := env.bootMem.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		frames := env.enableAllocator()
		freeBefore := frames.FreeCount()

		freePagetable(frame, 0, false)

		if env.arena.Info(frame).HasFlags(physmem.PageReserved) {
			t.Error("expected the reserved flag to be cleared")
		}

		if len(frames.frees) != 1 || frames.frees[0] != (frameOp{frame, 0}) {
			t.Errorf("expected frame to be handed to the page allocator; got %v", frames.frees)
		}

		if got := frames.FreeCount(); got != freeBefore+1 {
			t.Errorf("expected free count to be %d; got %d", freeBefore+1, got)
		}
	})

	t.Run("table page", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		frames := env.enableAllocator()

		frame, err := PgdPgtableAlloc()
		if err != nil {
			t.Fatal(err)
		}

		if !env.arena.Info(frame).HasFlags(physmem.PageTable) {
			t.Fatal("expected the page to be registered as a table page")
		}

		freePagetable(frame, 0, true)
		if env.arena.Info(frame).HasFlags(physmem.PageTable) {
			t.Error("expected the table page registration to be dropped")
		}

		if len(frames.frees) != 1 {
			t.Errorf("expected one release; got %v", frames.frees)
		}
	})

	t.Run("no page allocator", func(t *testing.T) {
		env := newTestEnv(t, Config{})

		frame, err := env.bootMem.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		freePagetable(frame, 0, false)
		if env.bootMem.IsReserved(frame.Address()) {
			t.Error("expected frame to be returned to the boot memory allocator")
		}
	})

	t.Run("outside physical memory", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		frames := env.enableAllocator()

		freePagetable(mm.FrameFromAddress(0x1000), 0, false)
		if len(frames.frees) != 0 {
			t.Errorf("expected no release; got %v", frames.frees)
		}
	})
}
