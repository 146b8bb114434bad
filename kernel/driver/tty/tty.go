// Package tty implements a line discipline for character devices such as
// serial ports.
package tty

import (
	"io"

	"armmu/kernel/sync"
)

const tabWidth = 8

// Terminal translates the output stream for a character device: LF is
// expanded to CR LF and tabs are expanded to spaces. The terminal keeps track
// of the output column.
type Terminal struct {
	lock sync.Spinlock
	dev  io.ByteWriter
	col  uint16
}

// AttachTo links the terminal to a device. Passing nil detaches the
// terminal; output written while detached is dropped.
func (t *Terminal) AttachTo(dev io.ByteWriter) {
	t.lock.Acquire()
	t.dev = dev
	t.col = 0
	t.lock.Release()
}

// Column returns the current output column.
func (t *Terminal) Column() uint16 {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.col
}

// Write implements io.Writer.
func (t *Terminal) Write(data []byte) (int, error) {
	t.lock.Acquire()
	defer t.lock.Release()

	if t.dev == nil {
		return len(data), nil
	}

	for i, b := range data {
		if err := t.emit(b); err != nil {
			return i, err
		}
	}

	return len(data), nil
}

// WriteByte implements io.ByteWriter.
func (t *Terminal) WriteByte(b byte) error {
	_, err := t.Write([]byte{b})
	return err
}

func (t *Terminal) emit(b byte) error {
	switch b {
	case '\n':
		if err := t.put('\r'); err != nil {
			return err
		}
		t.col = 0
		return t.put('\n')
	case '\r':
		t.col = 0
		return t.put('\r')
	case '\t':
		for next := (t.col/tabWidth + 1) * tabWidth; t.col < next; t.col++ {
			if err := t.put(' '); err != nil {
				return err
			}
		}
		return nil
	case '\b':
		if t.col == 0 {
			return nil
		}
		t.col--
		return t.put('\b')
	default:
		t.col++
		return t.put(b)
	}
}

func (t *Terminal) put(b byte) error {
	return t.dev.WriteByte(b)
}
