// Package uart implements a transmit-only driver for PL011 compatible serial
// ports. The driver accesses the device registers through a mapped register
// window; it does not care whether the window is a fixed slot or an ioremap
// mapping.
package uart

import (
	"encoding/binary"
	"io"

	"armmu/kernel"
	"armmu/kernel/sync"
)

// RegisterWindow is the size of the PL011 register block.
const RegisterWindow = 0x1000

// Register offsets and flag bits.
const (
	regDR = 0x00
	regFR = 0x18
	regCR = 0x30

	frBUSY = 1 << 3
	frTXFF = 1 << 5

	crUARTEN = 1 << 0
	crTXE    = 1 << 8

	// maxSpins bounds the wait for room in the transmit FIFO.
	maxSpins = 1 << 16
)

var (
	errShortWindow = &kernel.Error{Module: "uart", Message: "register window too small"}
	errNotAttached = &kernel.Error{Module: "uart", Message: "no register window attached"}
	errTxTimeout   = &kernel.Error{Module: "uart", Message: "transmit FIFO stuck full"}
)

// Line is the device side of the port. Kick is invoked after each write to
// the data register; the device consumes the character and updates the
// flag register.
type Line interface {
	Kick(regs []byte)
}

// PL011 is a serial port driver.
type PL011 struct {
	lock sync.Spinlock
	regs []byte
	line Line
}

// Attach points the driver at a mapped register window and enables the
// transmitter. Attach may be called again to move the port to a new
// mapping.
func (u *PL011) Attach(regs []byte, line Line) *kernel.Error {
	if len(regs) < RegisterWindow {
		return errShortWindow
	}

	u.lock.Acquire()
	defer u.lock.Release()

	u.regs, u.line = regs, line
	u.write32(regCR, u.read32(regCR)|crUARTEN|crTXE)
	return nil
}

// Detach disconnects the driver from its register window.
func (u *PL011) Detach() {
	u.lock.Acquire()
	u.regs, u.line = nil, nil
	u.lock.Release()
}

// WriteByte transmits b.
func (u *PL011) WriteByte(b byte) error {
	u.lock.Acquire()
	defer u.lock.Release()

	if u.regs == nil {
		return errNotAttached
	}

	for spins := 0; u.read32(regFR)&frTXFF != 0; spins++ {
		if spins == maxSpins {
			return errTxTimeout
		}
	}

	u.write32(regDR, uint32(b))
	u.line.Kick(u.regs)
	return nil
}

// Write implements io.Writer.
func (u *PL011) Write(data []byte) (int, error) {
	for i, b := range data {
		if err := u.WriteByte(b); err != nil {
			return i, err
		}
	}
	return len(data), nil
}

// Busy returns true while the port is transmitting.
func (u *PL011) Busy() bool {
	u.lock.Acquire()
	defer u.lock.Release()

	return u.regs != nil && u.read32(regFR)&frBUSY != 0
}

func (u *PL011) read32(off int) uint32 {
	return binary.LittleEndian.Uint32(u.regs[off:])
}

func (u *PL011) write32(off int, v uint32) {
	binary.LittleEndian.PutUint32(u.regs[off:], v)
}

// Wire is a Line that forwards every transmitted character to a sink. It
// models a port whose FIFO drains instantly.
type Wire struct {
	Sink io.ByteWriter

	// Sent counts the characters that went over the wire.
	Sent int
}

// Kick implements Line.
func (w *Wire) Kick(regs []byte) {
	cr := binary.LittleEndian.Uint32(regs[regCR:])
	if cr&(crUARTEN|crTXE) != crUARTEN|crTXE {
		return
	}

	if w.Sink != nil {
		_ = w.Sink.WriteByte(regs[regDR])
	}
	w.Sent++

	fr := binary.LittleEndian.Uint32(regs[regFR:])
	binary.LittleEndian.PutUint32(regs[regFR:], fr&^(frTXFF|frBUSY))
}
