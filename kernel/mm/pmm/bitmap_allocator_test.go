package pmm

import (
	"testing"

	"armmu/kernel/mm"
)

func newTestBitmapAllocator(t *testing.T, size mm.Size) (*BootMemAllocator, *BitmapAllocator) {
	arena := newTestArena(t, size)
	bootMem := NewBootMemAllocator(arena)
	if err := bootMem.AddMemory(testArenaBase, size); err != nil {
		t.Fatal(err)
	}
	return bootMem, NewBitmapAllocator(bootMem)
}

func TestNewBitmapAllocatorHonorsReservations(t *testing.T) {
	arena := newTestArena(t, 1*mm.Mb)
	bootMem := NewBootMemAllocator(arena)
	if err := bootMem.AddMemory(testArenaBase, 1*mm.Mb); err != nil {
		t.Fatal(err)
	}
	if err := bootMem.Reserve(testArenaBase, 8*mm.Kb); err != nil {
		t.Fatal(err)
	}
	if err := bootMem.MarkNoMap(testArenaBase+512*uintptr(mm.Kb), 512*mm.Kb); err != nil {
		t.Fatal(err)
	}

	alloc := NewBitmapAllocator(bootMem)

	if exp, got := uint32(256-2-128), alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if exp := mm.FrameFromAddress(testArenaBase + 2*mm.PageSize); frame != exp {
		t.Fatalf("expected first free frame %d; got %d", exp, frame)
	}

	// Boot-reserved frames can be handed over to the allocator
	if err := alloc.FreeFrame(mm.FrameFromAddress(testArenaBase)); err != nil {
		t.Fatal(err)
	}
}

func TestBitmapAllocatorAllocFrames(t *testing.T) {
	_, alloc := newTestBitmapAllocator(t, 4*mm.Mb)

	first, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	block, err := alloc.AllocFrames(9)
	if err != nil {
		t.Fatal(err)
	}

	if block&511 != 0 {
		t.Fatalf("expected order 9 block to be naturally aligned; got frame %d", block)
	}

	if block == first {
		t.Fatal("expected block to skip the allocated frame")
	}

	if exp, got := uint32(1024-1-512), alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}

	if err := alloc.FreeFrames(block, 9); err != nil {
		t.Fatal(err)
	}

	if err := alloc.FreeFrames(block, 9); err != errBitmapAllocDoubleFree {
		t.Fatalf("expected error %v; got %v", errBitmapAllocDoubleFree, err)
	}

	if _, err := alloc.AllocFrames(11); err != errBitmapAllocOutOfMemory {
		t.Fatalf("expected error %v; got %v", errBitmapAllocOutOfMemory, err)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	_, alloc := newTestBitmapAllocator(t, 64*mm.Kb)

	specs := []struct {
		frame  mm.Frame
		order  mm.PageOrder
		expErr error
	}{
		{mm.FrameFromAddress(testArenaBase - mm.PageSize), 0, errBitmapAllocFrameNotManaged},
		{mm.FrameFromAddress(testArenaBase + 15*mm.PageSize), 1, errBitmapAllocFrameNotManaged},
		{mm.FrameFromAddress(testArenaBase), 0, errBitmapAllocDoubleFree},
	}

	for specIndex, spec := range specs {
		if err := alloc.FreeFrames(spec.frame, spec.order); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestBitmapAllocatorPools(t *testing.T) {
	arena := newTestArena(t, 2*mm.Mb)
	bootMem := NewBootMemAllocator(arena)
	if err := bootMem.AddMemory(testArenaBase, 1*mm.Mb); err != nil {
		t.Fatal(err)
	}
	alloc := NewBitmapAllocator(bootMem)

	hotBase := testArenaBase + 1*uintptr(mm.Mb)
	alloc.AddPool(hotBase, 1*mm.Mb)

	if exp, got := uint32(512), alloc.FreeCount(); got != exp {
		t.Fatalf("expected %d free frames after adding a pool; got %d", exp, got)
	}

	// Exhaust the first pool so the next allocation lands in the new one
	for i := 0; i < 256; i++ {
		if _, err := alloc.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}

	if frame != mm.FrameFromAddress(hotBase) {
		t.Fatalf("expected allocation from the hot-added pool; got frame %d", frame)
	}

	if err := alloc.RemovePool(hotBase, 1*mm.Mb); err != errBitmapAllocPoolBusy {
		t.Fatalf("expected error %v; got %v", errBitmapAllocPoolBusy, err)
	}

	if err := alloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if err := alloc.RemovePool(hotBase, 1*mm.Mb); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreeCount(); got != 0 {
		t.Fatalf("expected no free frames after removing the hot-added pool; got %d", got)
	}

	if err := alloc.FreeFrame(mm.FrameFromAddress(hotBase)); err != errBitmapAllocFrameNotManaged {
		t.Fatalf("expected error %v; got %v", errBitmapAllocFrameNotManaged, err)
	}
}
