//go:build unix

package physmem

import (
	"golang.org/x/sys/unix"
)

// allocBacking reserves size bytes of anonymous memory outside of the Go
// heap. The returned slice is page-aligned.
func allocBacking(size uintptr) ([]byte, func() error, error) {
	if size%uintptr(unix.Getpagesize()) != 0 {
		return allocHeapBacking(size)
	}

	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return mem, func() error { return unix.Munmap(mem) }, nil
}
