package pmm

import (
	"armmu/kernel"
	"armmu/kernel/kfmt"
	"armmu/kernel/mm"
	"armmu/kernel/sync"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory"}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator"}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free"}
	errBitmapAllocPoolBusy        = &kernel.Error{Module: "bitmap_alloc", Message: "pool contains allocated frames"}
)

// markAs is used to indicate whether a frame should be marked as reserved or
// free.
type markAs bool

const (
	markReserved markAs = false
	markFree            = true
)

type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool. The total number of
	// frames is given by: (endFrame - startFrame) + 1
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool. A set bit marks a
	// reserved frame.
	freeBitmap []uint64
}

func (pool *framePool) contains(frame mm.Frame) bool {
	return frame >= pool.startFrame && frame <= pool.endFrame
}

func (pool *framePool) isReserved(frame mm.Frame) bool {
	block, mask := pool.bit(frame)
	return pool.freeBitmap[block]&mask != 0
}

func (pool *framePool) bit(frame mm.Frame) (uint64, uint64) {
	relFrame := uint64(frame - pool.startFrame)
	return relFrame >> 6, 1 << (63 - (relFrame & 63))
}

func (pool *framePool) mark(frame mm.Frame, flag markAs) {
	block, mask := pool.bit(frame)
	switch flag {
	case markReserved:
		pool.freeBitmap[block] |= mask
		pool.freeCount--
	case markFree:
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
	}
}

// BitmapAllocator implements a physical frame allocator that tracks frame
// reservations across the available memory pools using bitmaps.
type BitmapAllocator struct {
	lock sync.Spinlock

	// totalPages tracks the total number of pages across all pools.
	totalPages uint32

	// reservedPages tracks the number of reserved pages across all pools.
	reservedPages uint32

	pools []framePool
}

// NewBitmapAllocator creates a pool for every memory bank known to bootMem.
// Frames reserved by bootMem or that belong to RegionNoMap banks are marked
// as reserved.
func NewBitmapAllocator(bootMem *BootMemAllocator) *BitmapAllocator {
	alloc := &BitmapAllocator{}

	bootMem.VisitMemRegions(func(region *Region) bool {
		poolIndex := alloc.addPool(region.Base, region.Size)
		if poolIndex < 0 {
			return true
		}

		pool := &alloc.pools[poolIndex]
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if region.Flags&RegionNoMap != 0 || bootMem.IsReserved(frame.Address()) {
				pool.mark(frame, markReserved)
				alloc.reservedPages++
			}
		}
		return true
	})

	return alloc
}

// AddPool starts managing the frames in [base, base+size). All frames in
// the new pool are free.
func (alloc *BitmapAllocator) AddPool(base uintptr, size mm.Size) {
	alloc.lock.Acquire()
	alloc.addPool(base, size)
	alloc.lock.Release()
}

// RemovePool stops managing the frames in [base, base+size). The range must
// match the bounds of pools added earlier and none of their frames may be
// in use.
func (alloc *BitmapAllocator) RemovePool(base uintptr, size mm.Size) *kernel.Error {
	first := mm.FrameFromAddress(mm.PageAlignUp(base))
	last := mm.FrameFromAddress(base+uintptr(size)) - 1

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	var kept []framePool
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.startFrame < first || pool.endFrame > last {
			kept = append(kept, *pool)
			continue
		}

		if pool.freeCount != uint32(pool.endFrame-pool.startFrame+1) {
			return errBitmapAllocPoolBusy
		}
	}

	for _, pool := range alloc.pools {
		if pool.startFrame >= first && pool.endFrame <= last {
			alloc.totalPages -= uint32(pool.endFrame - pool.startFrame + 1)
		}
	}

	alloc.pools = kept
	return nil
}

func (alloc *BitmapAllocator) addPool(base uintptr, size mm.Size) int {
	// Region bounds may not be page-aligned; round up to get the start
	// frame and round down to get the end frame
	startFrame := mm.FrameFromAddress(mm.PageAlignUp(base))
	endFrame := mm.FrameFromAddress(base+uintptr(size)) - 1
	if endFrame < startFrame || !startFrame.Valid() {
		return -1
	}

	pageCount := uint32(endFrame - startFrame + 1)
	alloc.totalPages += pageCount

	// To represent the free page bitmap we need pageCount bits. Since our
	// slice uses uint64 for storing the bitmap we need to round up the
	// required bits so they are a multiple of 64 bits
	alloc.pools = append(alloc.pools, framePool{
		startFrame: startFrame,
		endFrame:   endFrame,
		freeCount:  pageCount,
		freeBitmap: make([]uint64, (pageCount+63)>>6),
	})
	return len(alloc.pools) - 1
}

// poolForFrame returns the index of the pool that contains frame or -1 if
// the frame is not contained in any of the available memory pools (e.g it
// points to a reserved memory region).
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	for poolIndex, pool := range alloc.pools {
		if pool.contains(frame) {
			return poolIndex
		}
	}

	return -1
}

// AllocFrame reserves and returns a physical memory frame. An error will be
// returned if no more memory can be allocated.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(0)
}

// AllocFrames reserves the lowest naturally aligned run of 1 << order
// frames and returns its first frame.
func (alloc *BitmapAllocator) AllocFrames(order mm.PageOrder) (mm.Frame, *kernel.Error) {
	count := mm.Frame(order.Pages())

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.freeCount < uint32(count) {
			continue
		}

		first := (pool.startFrame + count - 1) &^ (count - 1)
		for frame := first; frame+count-1 <= pool.endFrame; frame += count {
			if !pool.runFree(frame, count) {
				continue
			}

			for i := mm.Frame(0); i < count; i++ {
				pool.mark(frame+i, markReserved)
			}
			alloc.reservedPages += uint32(count)
			return frame, nil
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

func (pool *framePool) runFree(frame, count mm.Frame) bool {
	for i := mm.Frame(0); i < count; i++ {
		if pool.isReserved(frame + i) {
			return false
		}
	}
	return true
}

// FreeFrame releases a frame previously allocated via a call to AllocFrame.
// Trying to release a frame not part of the allocator pools or a frame that
// is already marked as free will cause an error to be returned.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	return alloc.FreeFrames(frame, 0)
}

// FreeFrames releases the 1 << order frames starting at frame.
func (alloc *BitmapAllocator) FreeFrames(frame mm.Frame, order mm.PageOrder) *kernel.Error {
	count := mm.Frame(order.Pages())

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	poolIndex := alloc.poolForFrame(frame)
	if poolIndex < 0 || !alloc.pools[poolIndex].contains(frame+count-1) {
		return errBitmapAllocFrameNotManaged
	}

	pool := &alloc.pools[poolIndex]
	for i := mm.Frame(0); i < count; i++ {
		if !pool.isReserved(frame + i) {
			return errBitmapAllocDoubleFree
		}
	}

	for i := mm.Frame(0); i < count; i++ {
		pool.mark(frame+i, markFree)
	}
	alloc.reservedPages -= uint32(count)
	return nil
}

// FreeCount returns the number of free frames across all pools.
func (alloc *BitmapAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.totalPages - alloc.reservedPages
}

// PrintStats outputs the page usage of the allocator.
func (alloc *BitmapAllocator) PrintStats() {
	alloc.lock.Acquire()
	total, reserved := alloc.totalPages, alloc.reservedPages
	alloc.lock.Release()

	kfmt.Logf("bitmap_alloc", "page stats: free: %d/%d (%d reserved)\n", total-reserved, total, reserved)
}
