//go:build !unix

package physmem

func allocBacking(size uintptr) ([]byte, func() error, error) {
	return allocHeapBacking(size)
}
