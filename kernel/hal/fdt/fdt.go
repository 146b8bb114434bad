// Package fdt decodes the header and the memory reservation block of a
// flattened device tree blob.
package fdt

import (
	"encoding/binary"

	"armmu/kernel"
)

const (
	// Magic is the value stored in the first word of every blob.
	Magic = uint32(0xd00dfeed)

	// HeaderSize is the size of the version 17 header in bytes.
	HeaderSize = 40

	// MinAlign is the minimum alignment of a blob in physical memory.
	MinAlign = 8

	// TotalSizeOffset is the offset of the totalsize header field.
	TotalSizeOffset = 4

	rsvEntrySize = 16

	fdtEnd = 9
)

var (
	// ErrTruncated is returned when the supplied buffer is smaller than
	// the structure being decoded.
	ErrTruncated = &kernel.Error{Module: "fdt", Message: "truncated blob"}

	// ErrBadMagic is returned when the blob does not start with Magic.
	ErrBadMagic = &kernel.Error{Module: "fdt", Message: "bad magic"}
)

// Header describes the fixed-size header of a flattened device tree. All
// fields are stored in big-endian order.
type Header struct {
	Magic           uint32
	TotalSize       uint32
	OffDTStruct     uint32
	OffDTStrings    uint32
	OffMemRsvmap    uint32
	Version         uint32
	LastCompVersion uint32
	BootCPUID       uint32
	SizeDTStrings   uint32
	SizeDTStruct    uint32
}

// ReadHeader decodes the header at the start of blob.
func ReadHeader(blob []byte) (Header, *kernel.Error) {
	var hdr Header
	if len(blob) < HeaderSize {
		return hdr, ErrTruncated
	}

	fields := []*uint32{
		&hdr.Magic, &hdr.TotalSize, &hdr.OffDTStruct, &hdr.OffDTStrings,
		&hdr.OffMemRsvmap, &hdr.Version, &hdr.LastCompVersion, &hdr.BootCPUID,
		&hdr.SizeDTStrings, &hdr.SizeDTStruct,
	}
	for i, field := range fields {
		*field = binary.BigEndian.Uint32(blob[i*4:])
	}

	if hdr.Magic != Magic {
		return hdr, ErrBadMagic
	}
	return hdr, nil
}

// TotalSize returns the totalsize field of the blob starting at blob
// without decoding the rest of the header.
func TotalSize(blob []byte) (uint32, *kernel.Error) {
	if len(blob) < TotalSizeOffset+4 {
		return 0, ErrTruncated
	}

	if binary.BigEndian.Uint32(blob) != Magic {
		return 0, ErrBadMagic
	}
	return binary.BigEndian.Uint32(blob[TotalSizeOffset:]), nil
}

// VisitReservedMemory invokes visitor for each entry of the memory
// reservation block until the terminating entry is reached or the visitor
// returns false.
func VisitReservedMemory(blob []byte, visitor func(addr, size uint64) bool) *kernel.Error {
	hdr, err := ReadHeader(blob)
	if err != nil {
		return err
	}

	for off := uint64(hdr.OffMemRsvmap); ; off += rsvEntrySize {
		if off+rsvEntrySize > uint64(len(blob)) || off+rsvEntrySize > uint64(hdr.TotalSize) {
			return ErrTruncated
		}

		addr := binary.BigEndian.Uint64(blob[off:])
		size := binary.BigEndian.Uint64(blob[off+8:])
		if addr == 0 && size == 0 {
			return nil
		}

		if !visitor(addr, size) {
			return nil
		}
	}
}

// Reservation describes a memory reservation block entry.
type Reservation struct {
	Addr, Size uint64
}

// Build returns a minimal version 17 blob of totalSize bytes containing the
// supplied memory reservations and an empty structure block.
func Build(totalSize uint32, reservations []Reservation) []byte {
	rsvOff := uint32(HeaderSize)
	structOff := rsvOff + uint32(len(reservations)+1)*rsvEntrySize
	stringsOff := structOff + 4

	if min := stringsOff; totalSize < min {
		totalSize = min
	}

	blob := make([]byte, totalSize)
	hdr := []uint32{Magic, totalSize, structOff, stringsOff, rsvOff, 17, 16, 0, 0, 4}
	for i, v := range hdr {
		binary.BigEndian.PutUint32(blob[i*4:], v)
	}

	off := rsvOff
	for _, r := range reservations {
		binary.BigEndian.PutUint64(blob[off:], r.Addr)
		binary.BigEndian.PutUint64(blob[off+8:], r.Size)
		off += rsvEntrySize
	}

	// Empty structure block holding a single FDT_END token
	binary.BigEndian.PutUint32(blob[structOff:], fdtEnd)
	return blob
}
