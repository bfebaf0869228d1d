// Package dma defines the minimal interface a hardware DMA engine (or
// any other microslice producer, see internal/pgen) must satisfy to
// feed an internal/channel.Channel. The PCIe/DMA hardware itself is
// out of scope (spec §1 "Out of scope"); this package specifies only
// the producer-side contract the channel consumes, plus a slice-backed
// software fake of it.
package dma

import (
	"encoding/binary"

	"github.com/cbm-fles/tscpipe/internal/mdformat"
)

// TransferSize is the DMA engine's transfer granule in bytes, used by
// internal/channel to round the data read index it hands back to the
// producer (spec §4.1 edge case).
const TransferSize = 4096

// Producer is the contract a Channel's write side consumes: it
// exposes the current write index and, given a microslice's index
// range, the raw bytes already deposited in the data ring.
type Producer interface {
	WriteIndex() uint64
	Descriptor(n uint64) mdformat.Descriptor
	Data(offset, length uint64) []byte
}

// FakeChannel is a Producer implementation backed by plain slices,
// able to stand in for a PCIe readout board (mirrors how the original's channel classes
// are parameterized over either a real DMA channel or the pattern
// generator).
type FakeChannel struct {
	Descriptors []mdformat.Descriptor
	Content     []byte
}

func (f *FakeChannel) WriteIndex() uint64 { return uint64(len(f.Descriptors)) }

func (f *FakeChannel) Descriptor(n uint64) mdformat.Descriptor {
	return f.Descriptors[n]
}

func (f *FakeChannel) Data(offset, length uint64) []byte {
	return f.Content[offset : offset+length]
}

// AppendMicroslice deposits content as the next microslice at
// timestamp idxNs, computing its checksum and recording its
// descriptor, the way a real DMA completion handler would after a
// transfer lands.
func (f *FakeChannel) AppendMicroslice(idxNs uint64, content []byte, flags uint16) {
	d := mdformat.Descriptor{
		HeaderID:      0xDD,
		HeaderVersion: 1,
		Flags:         flags | mdformat.FlagCrcValid,
		Idx:           idxNs,
		Crc:           mdformat.ChecksumCRC32C(content),
		Size:          uint32(len(content)),
		Offset:        uint64(len(f.Content)),
	}
	f.Content = append(f.Content, content...)
	f.Descriptors = append(f.Descriptors, d)
}

// EncodePatternContent fills a buffer of size with a recognizable,
// self-checking byte pattern: a little-endian microslice index every
// 8 bytes, the same layout the pattern generator and its assertion
// tooling in the original implementation use to detect corruption or
// reordering downstream.
func EncodePatternContent(buf []byte, idxNs uint64) {
	for off := 0; off+8 <= len(buf); off += 8 {
		binary.LittleEndian.PutUint64(buf[off:off+8], idxNs)
	}
}
