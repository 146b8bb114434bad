// Package pmm provides the physical memory allocators. The boot memory
// allocator tracks the memory banks reported by the firmware together with
// the ranges reserved during boot. Once the kernel address space is built,
// the bitmap allocator takes over all page allocations.
package pmm

import "armmu/kernel/mm"

// addrRange is a half-open physical address range.
type addrRange struct {
	base, end uintptr
}

func (r addrRange) size() mm.Size { return mm.Size(r.end - r.base) }

// subtractRanges returns the parts of r that do not overlap any range in
// holes. holes must be sorted and non-overlapping.
func subtractRanges(r addrRange, holes []addrRange) []addrRange {
	var out []addrRange
	cur := r.base
	for _, h := range holes {
		if h.end <= cur {
			continue
		}
		if h.base >= r.end {
			break
		}
		if h.base > cur {
			out = append(out, addrRange{cur, h.base})
		}
		cur = h.end
		if cur >= r.end {
			return out
		}
	}

	if cur < r.end {
		out = append(out, addrRange{cur, r.end})
	}
	return out
}

// insertRange adds r to the sorted range list rs merging any overlapping or
// adjacent entries.
func insertRange(rs []addrRange, r addrRange) []addrRange {
	var out []addrRange
	inserted := false
	for _, cur := range rs {
		switch {
		case cur.end < r.base:
			out = append(out, cur)
		case cur.base > r.end:
			if !inserted {
				out = append(out, r)
				inserted = true
			}
			out = append(out, cur)
		default:
			if cur.base < r.base {
				r.base = cur.base
			}
			if cur.end > r.end {
				r.end = cur.end
			}
		}
	}

	if !inserted {
		out = append(out, r)
	}
	return out
}

// removeRange removes r from the sorted range list rs splitting entries
// that partially overlap it.
func removeRange(rs []addrRange, r addrRange) []addrRange {
	var out []addrRange
	for _, cur := range rs {
		out = append(out, subtractRanges(cur, []addrRange{r})...)
	}
	return out
}
