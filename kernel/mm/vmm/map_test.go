package vmm

import (
	"fmt"
	"testing"

	"armmu/kernel"
	"armmu/kernel/cpu"
	"armmu/kernel/mm"
)

// countingAlloc wraps alloc and counts its invocations.
func countingAlloc(alloc mm.FrameAllocatorFn, count *int) mm.FrameAllocatorFn {
	return func() (mm.Frame, *kernel.Error) {
		*count++
		return alloc()
	}
}

// expectMapped checks that every page of [virtAddr, virtAddr+size)
// translates to the matching physical address with the supplied
// attributes.
func expectMapped(t *testing.T, physAddr, virtAddr uintptr, size mm.Size, prot Prot) {
	t.Helper()

	end := virtAddr + uintptr(size)
	for addr := virtAddr; addr < end; addr = (addr + mm.PageSize) & mm.PageMask {
		got, gotProt, err := Translate(addr)
		if err != nil {
			t.Fatalf("expected 0x%16x to be mapped; got %v", addr, err)
		}

		if exp := physAddr + (addr - virtAddr); got != exp || gotProt != prot {
			t.Fatalf("expected 0x%16x to translate to 0x%x (prot 0x%x); got 0x%x (prot 0x%x)", addr, exp, prot, got, gotProt)
		}

		if !KernAddrValid(addr) {
			t.Fatalf("expected KernAddrValid(0x%16x) to return true", addr)
		}
	}
}

func TestBuildMappingBlockScenario(t *testing.T) {
	env := newTestEnv(t, Config{})
	frames := env.enableAllocator()

	backing, err := frames.AllocFrames(9)
	if err != nil {
		t.Fatal(err)
	}
	if exp := mm.FrameFromAddress(0x4000_0000); backing != exp {
		t.Fatalf("expected 2M backing at frame 0x%x; got 0x%x", exp, backing)
	}
	frames.allocs = nil

	if err = BuildMapping(KernelRoot(), 0x4000_0000, VAStart, 2*mm.Mb, ProtKernel, PgdPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}

	// Only the upper and middle tables are needed; the range is covered
	// by a single block.
	if len(frames.allocs) != 2 {
		t.Fatalf("expected 2 table allocations; got %d", len(frames.allocs))
	}

	pte, l, err := translate(KernelRoot(), VAStart+0x1234)
	if err != nil {
		t.Fatal(err)
	}
	if l != levelPMD || !pte.isBlock(levelPMD) {
		t.Fatalf("expected a middle level block; got %s entry 0x%x", l, uint64(pte))
	}
	expectMapped(t, 0x4000_0000, VAStart, 2*mm.Mb, ProtKernel)

	pudFrame := KernelRoot().load(levelPGD.index(VAStart)).Frame()
	pmdFrame := directTable(pudFrame).load(levelPUD.index(VAStart)).Frame()

	env.mmu.Reset()
	RemovePagetable(VAStart, VAStart+2*uintptr(mm.Mb), false)

	expFrees := []frameOp{{backing, 9}, {pmdFrame, 0}, {pudFrame, 0}}
	if len(frames.frees) != len(expFrees) {
		t.Fatalf("expected %d frees; got %v", len(expFrees), frames.frees)
	}
	for i, exp := range expFrees {
		if frames.frees[i] != exp {
			t.Errorf("[free %d] expected %v; got %v", i, exp, frames.frees[i])
		}
	}

	if got := env.mmu.Count(cpu.OpFlushTLBAll); got != 1 {
		t.Errorf("expected a single TLB flush; got %d", got)
	}

	if !KernelRoot().load(levelPGD.index(VAStart)).empty() {
		t.Error("expected root entry to be cleared")
	}

	for addr := VAStart; addr < VAStart+2*uintptr(mm.Mb); addr += 64 * uintptr(mm.Kb) {
		if KernAddrValid(addr) {
			t.Fatalf("expected KernAddrValid(0x%16x) to return false after removal", addr)
		}
	}
}

func TestBuildMappingRoundTrip(t *testing.T) {
	specs := []struct {
		physAddr, virtAddr uintptr
		size               mm.Size
		prot               Prot
		allowBlocks        bool
		leaf               level
	}{
		{0x4100_0000, VmallocStart + 0x100_0000, 12 * mm.Kb, ProtKernel, true, levelPTE},
		{0x4100_0123, VmallocStart + 0x200_0123, 8 * mm.Kb, ProtKernelRO, false, levelPTE},
		{0x4140_0000, VmallocStart + 0x400_0000, 4 * mm.Mb, ProtKernel, true, levelPMD},
		{0x4140_0000, VmallocStart + 0x800_0000, 4 * mm.Mb, ProtKernelExec, false, levelPTE},
	}

	for specIndex, spec := range specs {
		t.Run(fmt.Sprintf("spec %d", specIndex), func(t *testing.T) {
			env := newTestEnv(t, Config{})
			frames := env.enableAllocator()
			freeBefore := frames.FreeCount()

			if err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, spec.size, spec.prot, PgdPgtableAlloc, spec.allowBlocks); err != nil {
				t.Fatalf("[spec %d] %v", specIndex, err)
			}
			expectMapped(t, spec.physAddr, spec.virtAddr, spec.size, spec.prot)

			if _, l, _ := translate(KernelRoot(), spec.virtAddr); l != spec.leaf {
				t.Errorf("[spec %d] expected terminal entry at level %s; got %s", specIndex, spec.leaf, l)
			}

			// Mapping the same range again must not change anything.
			allocCount := len(frames.allocs)
			if err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, spec.size, spec.prot, PgdPgtableAlloc, spec.allowBlocks); err != nil {
				t.Fatalf("[spec %d] %v", specIndex, err)
			}
			if len(frames.allocs) != allocCount {
				t.Errorf("[spec %d] expected remapping not to allocate tables", specIndex)
			}
			expectMapped(t, spec.physAddr, spec.virtAddr, spec.size, spec.prot)

			RemovePagetable(spec.virtAddr&mm.PageMask, mm.PageAlignUp(spec.virtAddr+uintptr(spec.size)), true)
			for addr := spec.virtAddr; addr < spec.virtAddr+uintptr(spec.size); addr += mm.PageSize {
				if KernAddrValid(addr) {
					t.Fatalf("[spec %d] expected KernAddrValid(0x%16x) to return false after removal", specIndex, addr)
				}
			}

			if got := frames.FreeCount(); got != freeBefore {
				t.Errorf("[spec %d] expected all table pages to be released; free count %d, expected %d", specIndex, got, freeBefore)
			}
		})
	}
}

func TestBuildMappingRejects(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enableAllocator()

	specs := []struct {
		physAddr, virtAddr uintptr
		expErr             *kernel.Error
	}{
		{0x4000_1000, VmallocStart + 0x800, ErrOffsetMismatch},
		{0x4000_1000, 0x1000, ErrOutsideKernelRange},
		{0x4000_1000, VAStart - mm.PageSize, ErrOutsideKernelRange},
	}

	for specIndex, spec := range specs {
		var allocCount int
		err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, 4*mm.Kb, ProtKernel, countingAlloc(PgdPgtableAlloc, &allocCount), true)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}

		if allocCount != 0 {
			t.Errorf("[spec %d] expected no table allocations; got %d", specIndex, allocCount)
		}

		if !KernelRoot().load(levelPGD.index(spec.virtAddr)).empty() {
			t.Errorf("[spec %d] expected no root entry to be installed", specIndex)
		}
	}
}

func TestBuildMappingAllocatorErrors(t *testing.T) {
	t.Run("no allocator", func(t *testing.T) {
		newTestEnv(t, Config{})
		panics := capturePanics()

		err := BuildMapping(KernelRoot(), 0x4000_0000, VmallocStart, 4*mm.Kb, ProtKernel, nil, true)
		if err != errNoAllocator {
			t.Fatalf("expected error %v; got %v", errNoAllocator, err)
		}

		if len(*panics) != 1 || (*panics)[0] != errNoAllocator {
			t.Fatalf("expected panic with %v; got %v", errNoAllocator, *panics)
		}
	})

	t.Run("allocator exhausted", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.enableAllocator().fail = true

		err := BuildMapping(KernelRoot(), 0x4000_0000, VmallocStart, 4*mm.Kb, ProtKernel, PgdPgtableAlloc, true)
		if err != ErrOutOfMemory {
			t.Fatalf("expected error %v; got %v", ErrOutOfMemory, err)
		}

		if fixmapLock.Held() {
			t.Fatal("expected fixmapLock to be released")
		}
	})

	t.Run("bad entry", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.enableAllocator()
		panics := capturePanics()

		// Block descriptors are not valid at the root level.
		KernelRoot().store(levelPGD.index(VmallocStart), blockEntry(0, ProtKernel))
		err := BuildMapping(KernelRoot(), 0x4000_0000, VmallocStart, 4*mm.Kb, ProtKernel, PgdPgtableAlloc, true)
		if err != errBadEntry || len(*panics) != 1 {
			t.Fatalf("expected error %v and a panic; got %v, %v", errBadEntry, err, *panics)
		}
	})
}

func TestBuildMappingSplitsBlocks(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enableAllocator()

	virtAddr := VmallocStart + 0x20_0000
	if err := BuildMapping(KernelRoot(), 0x4060_0000, virtAddr, 2*mm.Mb, ProtKernel, PgdPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}

	env.mmu.Reset()
	roPage := virtAddr + 0x5_000
	if err := BuildMapping(KernelRoot(), 0x4060_5000, roPage, 4*mm.Kb, ProtKernelRO, PgdPgtableAlloc, false); err != nil {
		t.Fatal(err)
	}

	if env.mmu.Count(cpu.OpFlushTLBAll) == 0 {
		t.Fatal("expected the stale block to be invalidated")
	}

	expectMapped(t, 0x4060_0000, virtAddr, 0x5000, ProtKernel)
	expectMapped(t, 0x4060_5000, roPage, 4*mm.Kb, ProtKernelRO)
	expectMapped(t, 0x4060_6000, roPage+mm.PageSize, 2*mm.Mb-0x6000, ProtKernel)

	if _, l, _ := translate(KernelRoot(), virtAddr); l != levelPTE {
		t.Fatalf("expected the block to be replaced by page entries; got terminal level %s", l)
	}
}

func TestBuildMappingReplacesTableWithBlock(t *testing.T) {
	env := newTestEnv(t, Config{})

	virtAddr := VmallocStart + 0x40_0000
	if err := BuildMapping(KernelRoot(), 0x4080_0000, virtAddr, 4*mm.Kb, ProtKernel, EarlyPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}

	pudFrame := KernelRoot().load(levelPGD.index(virtAddr)).Frame()
	pmdFrame := directTable(pudFrame).load(levelPUD.index(virtAddr)).Frame()
	pteTable := directTable(pmdFrame).load(levelPMD.index(virtAddr)).Frame()
	if !env.bootMem.IsReserved(pteTable.Address()) {
		t.Fatal("expected leaf table to be allocated from boot memory")
	}

	env.mmu.Reset()
	if err := BuildMapping(KernelRoot(), 0x4080_0000, virtAddr, 2*mm.Mb, ProtKernel, EarlyPgtableAlloc, true); err != nil {
		t.Fatal(err)
	}

	if env.mmu.Count(cpu.OpFlushTLBAll) != 1 {
		t.Fatalf("expected a TLB flush after replacing the table; got %d", env.mmu.Count(cpu.OpFlushTLBAll))
	}

	if env.bootMem.IsReserved(pteTable.Address()) {
		t.Fatal("expected the replaced leaf table to be released")
	}
	expectMapped(t, 0x4080_0000, virtAddr, 2*mm.Mb, ProtKernel)
}

func TestBuildMappingUnsafeChange(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.enableAllocator()

	virtAddr := VmallocStart + 0x10_0000
	if err := BuildMapping(KernelRoot(), 0x4080_0000, virtAddr, 4*mm.Kb, ProtKernel, PgdPgtableAlloc, false); err != nil {
		t.Fatal(err)
	}

	// Tightening permissions is permitted
	if err := BuildMapping(KernelRoot(), 0x4080_0000, virtAddr, 4*mm.Kb, ProtKernelRO, PgdPgtableAlloc, false); err != nil {
		t.Fatal(err)
	}

	panics := capturePanics()
	specs := []struct {
		physAddr uintptr
		prot     Prot
	}{
		{0x4090_0000, ProtKernelRO},
		{0x4080_0000, ProtDevice},
	}

	for specIndex, spec := range specs {
		*panics = nil
		_ = BuildMapping(KernelRoot(), spec.physAddr, virtAddr, 4*mm.Kb, spec.prot, PgdPgtableAlloc, false)
		if len(*panics) != 1 || (*panics)[0] != errUnsafeAttrChange {
			t.Errorf("[spec %d] expected panic with %v; got %v", specIndex, errUnsafeAttrChange, *panics)
		}
	}
}

func TestBuildMappingInvalidatesReplacedEntries(t *testing.T) {
	specs := []struct {
		name        string
		physAddr    uintptr
		virtAddr    uintptr
		size        mm.Size
		allowBlocks bool
	}{
		{"pages", 0x4080_0000, VmallocStart + 0x10_0000, 16 * mm.Kb, false},
		{"block", 0x4060_0000, VmallocStart + 0x20_0000, 2 * mm.Mb, true},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			env.enableAllocator()

			if err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, spec.size, ProtKernel, PgdPgtableAlloc, spec.allowBlocks); err != nil {
				t.Fatal(err)
			}

			// Rewriting identical descriptors leaves the TLB alone.
			env.mmu.Reset()
			if err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, spec.size, ProtKernel, PgdPgtableAlloc, spec.allowBlocks); err != nil {
				t.Fatal(err)
			}
			if got := env.mmu.Count(cpu.OpFlushTLBAll); got != 0 {
				t.Fatalf("expected no TLB flush when the descriptors are unchanged; got %d", got)
			}

			env.mmu.Reset()
			if err := BuildMapping(KernelRoot(), spec.physAddr, spec.virtAddr, spec.size, ProtKernelRO, PgdPgtableAlloc, spec.allowBlocks); err != nil {
				t.Fatal(err)
			}
			if got := env.mmu.Count(cpu.OpFlushTLBAll); got != 1 {
				t.Fatalf("expected a single TLB flush after tightening the live mapping; got %d", got)
			}

			// The flush follows the descriptor update.
			events := env.mmu.Events()
			barrier := -1
			for i, ev := range events {
				switch ev.Op {
				case cpu.OpStoreBarrier:
					barrier = i
				case cpu.OpFlushTLBAll:
					if barrier == -1 {
						t.Fatalf("expected a store barrier before the TLB flush; got %v", events)
					}
				}
			}

			expectMapped(t, spec.physAddr, spec.virtAddr, spec.size, ProtKernelRO)
		})
	}
}

func TestMappingWrappers(t *testing.T) {
	t.Run("below vmalloc area", func(t *testing.T) {
		newTestEnv(t, Config{})

		if err := CreateMappingNoAlloc(0x4000_0000, ModulesVAddr, 4*mm.Kb, ProtKernel); err != ErrOutsideKernelRange {
			t.Errorf("expected CreateMappingNoAlloc to return %v; got %v", ErrOutsideKernelRange, err)
		}

		if err := CreateMappingLate(0x4000_0000, ModulesVAddr, 4*mm.Kb, ProtKernel); err != ErrOutsideKernelRange {
			t.Errorf("expected CreateMappingLate to return %v; got %v", ErrOutsideKernelRange, err)
		}
	})

	t.Run("create pgd mapping", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		env.enableAllocator()

		panics := capturePanics()
		if err := CreatePgdMapping(KernelRoot(), 0x4000_0000, 0x1000, 4*mm.Kb, ProtKernel, false); err != errKernelRootUsed || len(*panics) != 1 {
			t.Fatalf("expected error %v and a panic; got %v, %v", errKernelRootUsed, err, *panics)
		}

		rootFrame, err := PgdPgtableAlloc()
		if err != nil {
			t.Fatal(err)
		}
		root := directTable(rootFrame)

		if err := CreatePgdMapping(root, 0x4000_0000, VAStart+0x3000, 4*mm.Kb, ProtKernelExec, false); err != nil {
			t.Fatal(err)
		}

		pte, l, err := translate(root, VAStart+0x3000)
		if err != nil || l != levelPTE || pte.physAddr() != 0x4000_0000 {
			t.Fatalf("expected page mapping in the secondary root; got %s entry 0x%x (%v)", l, uint64(pte), err)
		}

		if KernAddrValid(VAStart + 0x3000) {
			t.Fatal("expected the kernel root to be left untouched")
		}
	})

	t.Run("create mapping late", func(t *testing.T) {
		env := newTestEnv(t, Config{DebugPagealloc: true})
		env.enableAllocator()

		virtAddr := VmallocStart + 0x20_0000
		if err := BuildMapping(KernelRoot(), 0x4020_0000, virtAddr, 2*mm.Mb, ProtKernelExec, PgdPgtableAlloc, false); err != nil {
			t.Fatal(err)
		}

		env.mmu.Reset()
		if err := CreateMappingLate(0x4020_0000, virtAddr, 2*mm.Mb, ProtKernelROX); err != nil {
			t.Fatal(err)
		}
		expectMapped(t, 0x4020_0000, virtAddr, 2*mm.Mb, ProtKernelROX)

		// Blocks are disabled with DebugPagealloc.
		if _, l, _ := translate(KernelRoot(), virtAddr); l != levelPTE {
			t.Fatalf("expected page entries to be kept; got terminal level %s", l)
		}

		events := env.mmu.Events()
		last := events[len(events)-1]
		if last.Op != cpu.OpFlushTLBKernelRange || last.Start != virtAddr || last.End != virtAddr+2*uintptr(mm.Mb) {
			t.Fatalf("expected a ranged TLB flush for the updated mapping; got %v", last)
		}
	})
}
