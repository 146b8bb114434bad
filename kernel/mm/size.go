package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageOrder represents a power-of-two multiple of the base page size and is
// used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a page with size PageSize << 0
// PageOrder(1) refers to a page with size PageSize << 1
// ...
type PageOrder uint8

// Pages returns the number of base pages covered by this order.
func (o PageOrder) Pages() uintptr {
	return uintptr(1) << o
}

// Size returns the size in bytes of a block with this order.
func (o PageOrder) Size() Size {
	return Size(PageSize << o)
}

// OrderForSize returns the smallest page order whose size can hold s bytes.
func OrderForSize(s Size) PageOrder {
	var order PageOrder
	for order.Size() < s {
		order++
	}
	return order
}

// Pages returns the number of base pages needed to hold s bytes.
func (s Size) Pages() uintptr {
	return (uintptr(s) + PageSize - 1) >> PageShift
}

// PageAlignUp rounds addr up to the next page boundary.
func PageAlignUp(addr uintptr) uintptr {
	return (addr + PageSize - 1) & PageMask
}

// PageAlignDown rounds addr down to the page containing it.
func PageAlignDown(addr uintptr) uintptr {
	return addr & PageMask
}
