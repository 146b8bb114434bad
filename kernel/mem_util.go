package kernel

// Memset sets every byte of buf to the supplied value. Instead of a byte by
// byte loop, this function performs log2(len(buf)) copy calls which is
// considerably faster for page-sized buffers.
func Memset(buf []byte, value byte) {
	if len(buf) == 0 {
		return
	}

	// Set first element and make log2(size) optimized copies
	buf[0] = value
	for index := 1; index < len(buf); index *= 2 {
		copy(buf[index:], buf[:index])
	}
}

// Memcopy copies min(len(src), len(dst)) bytes from src to dst and returns
// the number of copied bytes.
func Memcopy(dst, src []byte) int {
	return copy(dst, src)
}

// MemchrInv scans buf for the first byte that does not match value and
// returns its index. If all bytes in buf are equal to value, MemchrInv
// returns -1.
func MemchrInv(buf []byte, value byte) int {
	// Compare word-sized chunks first; table pages and descriptor arrays
	// are always 8-byte aligned multiples.
	var (
		pattern = uint64(value) * 0x0101010101010101
		index   int
	)

	for ; index+8 <= len(buf); index += 8 {
		word := uint64(buf[index]) | uint64(buf[index+1])<<8 | uint64(buf[index+2])<<16 | uint64(buf[index+3])<<24 |
			uint64(buf[index+4])<<32 | uint64(buf[index+5])<<40 | uint64(buf[index+6])<<48 | uint64(buf[index+7])<<56
		if word != pattern {
			break
		}
	}

	for ; index < len(buf); index++ {
		if buf[index] != value {
			return index
		}
	}

	return -1
}
