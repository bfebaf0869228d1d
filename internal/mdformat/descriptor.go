// Package mdformat defines the on-the-wire layout of a Microslice
// Descriptor (MD), the fixed-size record a readout board (or the
// pattern generator) deposits into a channel's descriptor ring for
// every microslice.
package mdformat

import "encoding/binary"

// Size is the fixed on-disk/on-wire size of a Descriptor in bytes.
const Size = 32

// Flag bits carried in Descriptor.Flags.
const (
	// FlagOverflowFlim is set by the producer on the next successfully
	// written descriptor whenever preceding microslices were dropped
	// because a buffer was full. It propagates to the enclosing
	// component's and timeslice's "missing microslices" / Incomplete
	// state.
	FlagOverflowFlim uint16 = 1 << 0
	// FlagCrcValid indicates the CRC32C field was computed and is
	// trustworthy; producers that skip the (relatively expensive)
	// checksum for performance reasons leave it unset.
	FlagCrcValid uint16 = 1 << 1
)

// Descriptor is a single 32-byte Microslice Descriptor.
//
// Layout (little-endian, matches Size):
//
//	0:  HeaderID      uint8
//	1:  HeaderVersion uint8
//	2:  EquipmentID   uint16
//	4:  Flags         uint16
//	6:  SysID         uint8
//	7:  SysVersion    uint8
//	8:  Idx           uint64 // nanoseconds, strictly increasing
//	16: Crc           uint32 // CRC32C of the content
//	20: Size          uint32 // content length in bytes
//	24: Offset        uint64 // byte offset into the data ring
type Descriptor struct {
	HeaderID      uint8
	HeaderVersion uint8
	EquipmentID   uint16
	Flags         uint16
	SysID         uint8
	SysVersion    uint8
	Idx           uint64
	Crc           uint32
	Size          uint32
	Offset        uint64
}

// HasFlag reports whether all bits in mask are set in Flags.
func (d *Descriptor) HasFlag(mask uint16) bool {
	return d.Flags&mask == mask
}

// Marshal encodes d into a Size-byte buffer, which must have at least
// Size bytes of capacity.
func (d *Descriptor) Marshal(buf []byte) {
	_ = buf[Size-1]
	buf[0] = d.HeaderID
	buf[1] = d.HeaderVersion
	binary.LittleEndian.PutUint16(buf[2:4], d.EquipmentID)
	binary.LittleEndian.PutUint16(buf[4:6], d.Flags)
	buf[6] = d.SysID
	buf[7] = d.SysVersion
	binary.LittleEndian.PutUint64(buf[8:16], d.Idx)
	binary.LittleEndian.PutUint32(buf[16:20], d.Crc)
	binary.LittleEndian.PutUint32(buf[20:24], d.Size)
	binary.LittleEndian.PutUint64(buf[24:32], d.Offset)
}

// Unmarshal decodes d from a Size-byte buffer.
func (d *Descriptor) Unmarshal(buf []byte) {
	_ = buf[Size-1]
	d.HeaderID = buf[0]
	d.HeaderVersion = buf[1]
	d.EquipmentID = binary.LittleEndian.Uint16(buf[2:4])
	d.Flags = binary.LittleEndian.Uint16(buf[4:6])
	d.SysID = buf[6]
	d.SysVersion = buf[7]
	d.Idx = binary.LittleEndian.Uint64(buf[8:16])
	d.Crc = binary.LittleEndian.Uint32(buf[16:20])
	d.Size = binary.LittleEndian.Uint32(buf[20:24])
	d.Offset = binary.LittleEndian.Uint64(buf[24:32])
}

// EndOffset returns the ring offset immediately following this
// microslice's content, i.e. Offset+Size.
func (d *Descriptor) EndOffset() uint64 {
	return d.Offset + uint64(d.Size)
}
