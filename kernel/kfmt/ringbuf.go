package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures log output
// emitted before an output sink is attached. It is large enough to hold the
// boot-time memory map dump and the early mapping diagnostics. The size must
// always be a power of 2.
const ringBufferSize = 4096

// ringBuffer models a ring buffer of size ringBufferSize. When the buffer is
// full, new writes overwrite the oldest unread bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)
		if rb.rIndex == rb.wIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Len returns the number of unread bytes in the buffer.
func (rb *ringBuffer) Len() int {
	return (rb.wIndex - rb.rIndex) & (ringBufferSize - 1)
}

// Read reads up to len(p) bytes into p. It returns the number of bytes read (0
// <= n <= len(p)) and any error encountered.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Contiguous readable bytes end either at wIndex or at the end of the
	// backing array if the data wraps around.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
