// Package channel implements the ring-buffer discipline a readout
// board (or the pattern generator) uses to hand microslices to the
// SubTimeslice Builder (spec §4.1). A Channel owns a descriptor ring
// (one mdformat.Descriptor per microslice) and a data ring (the raw
// microslice content), both fixed power-of-two ringbuf.View spans, and
// the single read index that the builder is allowed to move forward.
//
// The producer (DMA engine or pattern generator) only ever advances
// the write index; everything else here — acknowledgement, windowed
// availability checks, descriptor construction — is driven by the
// builder and serialized under one mutex, mirroring the original
// Channel/ChannelSource split.
package channel

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/cbm-fles/tscpipe/internal/mdformat"
	"github.com/cbm-fles/tscpipe/internal/wire"
)

// Status is the outcome of CheckAvailability.
type Status int

const (
	// StatusOK means the requested [firstMsTime, lastMsTime) window is
	// fully covered by descriptors between the read and write index.
	StatusOK Status = iota
	// StatusTryLater means the producer has not yet written enough
	// microslices to cover lastMsTime; poll again later.
	StatusTryLater
	// StatusFailed means firstMsTime already precedes the oldest
	// microslice still held in the ring; the window can never be
	// satisfied and the caller must treat the subtimeslice as
	// incomplete for this channel.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusTryLater:
		return "try-later"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Monitoring is a point-in-time snapshot of a channel's ring state,
// exposed to internal/hktimer's periodic status report (spec §4.2
// report_status, SPEC_FULL.md §3).
type Monitoring struct {
	ReadIndex       uint64
	WriteIndex      uint64
	DataReadIndex   uint64
	DescRingSize    uint64
	DataRingSize    uint64
	BufferFillLevel float64
	// Delay is how far behind the wall clock the most recently written
	// microslice's timestamp is. A growing Delay under steady traffic
	// indicates the producer side, not this channel, is falling behind.
	Delay time.Duration
}

// Channel serializes one readout channel's descriptor and data rings
// behind a single read index. The write index is updated by the
// producer via SetWriteIndex and is read atomically so
// the producer and the builder never need to share the mutex.
type Channel struct {
	mu sync.Mutex

	descRing *ringbufView
	dataRing *ringbufViewByte

	descArenaUUID string
	dataArenaUUID string

	writeIndex atomic.Uint64

	readIndex       uint64
	dataReadIndex   uint64
	overlapBeforeNs uint64
	overlapAfterNs  uint64
	// dmaTransferSize is the DMA transfer granule in bytes; the data
	// read index handed back to the producer is always rounded down to
	// a multiple of it (spec §4.1 edge case: "one extra transfer of
	// lag is acceptable").
	dmaTransferSize uint64
}

// ringbufView/ringbufViewByte are the two concrete instantiations this
// package needs; named locally so the rest of the file reads without
// repeating the generic instantiation everywhere.
type ringbufView = genericView[mdformat.Descriptor]
type ringbufViewByte = genericView[byte]

// genericView is satisfied by *ringbuf.View[T]; declared as an
// interface here so this file doesn't need to import the ringbuf
// package's generic type parameter directly in field declarations.
type genericView[T any] interface {
	Get(n uint64) T
	Size() uint64
	Mask() uint64
}

// New constructs a Channel over the given descriptor and data rings.
// overlapBeforeNs/overlapAfterNs are the windows the builder is
// allowed to request before/after a subtimeslice boundary (spec
// §4.1); dmaTransferSize is the producer's DMA granule in bytes (0
// disables rounding).
func New(
	descRing genericView[mdformat.Descriptor],
	dataRing genericView[byte],
	descArenaUUID, dataArenaUUID string,
	overlapBeforeNs, overlapAfterNs, dmaTransferSize uint64,
) *Channel {
	return &Channel{
		descRing:        descRing,
		dataRing:        dataRing,
		descArenaUUID:   descArenaUUID,
		dataArenaUUID:   dataArenaUUID,
		overlapBeforeNs: overlapBeforeNs,
		overlapAfterNs:  overlapAfterNs,
		dmaTransferSize: dmaTransferSize,
	}
}

// SetWriteIndex is called by the producer (DMA completion handler or
// pattern generator) whenever new microslices have been deposited.
func (c *Channel) SetWriteIndex(n uint64) { c.writeIndex.Store(n) }

// WriteIndex returns the producer's current write index.
func (c *Channel) WriteIndex() uint64 { return c.writeIndex.Load() }

// ReadIndex returns the builder's current read index.
func (c *Channel) ReadIndex() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readIndex
}

// OverlapAfterNs exposes the configured trailing overlap window so
// callers (stbuilder's timeout check) can compute deadlines without
// reaching into configuration twice.
func (c *Channel) OverlapAfterNs() uint64 { return c.overlapAfterNs }

// upperBound returns the smallest index in [lo, hi) whose descriptor
// Idx exceeds val, or hi if none does.
func (c *Channel) upperBound(lo, hi, val uint64) uint64 {
	if lo >= hi {
		return hi
	}
	n := int(hi - lo)
	i := sort.Search(n, func(i int) bool {
		return c.descRing.Get(lo+uint64(i)).Idx > val
	})
	return lo + uint64(i)
}

// lowerBound returns the smallest index in [lo, hi) whose descriptor
// Idx is at least val, or hi if none does.
func (c *Channel) lowerBound(lo, hi, val uint64) uint64 {
	if lo >= hi {
		return hi
	}
	n := int(hi - lo)
	i := sort.Search(n, func(i int) bool {
		return c.descRing.Get(lo+uint64(i)).Idx >= val
	})
	return lo + uint64(i)
}

// AckBefore releases every microslice strictly before timeNs (minus
// the configured lead-in overlap) back to the producer, advancing the
// read index. It never moves the read index backward: if the
// computed target has already been passed, AckBefore is a no-op
// (spec §4.1 "ack_before never moves the read index backward").
func (c *Channel) AckBefore(timeNs uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := saturatingSub(timeNs, c.overlapBeforeNs)
	wi := c.writeIndex.Load()

	ub := c.upperBound(c.readIndex, wi, target)
	if ub == c.readIndex {
		return nil
	}
	newReadIndex := ub - 1
	if newReadIndex <= c.readIndex {
		return nil
	}
	return c.setReadIndexLocked(newReadIndex)
}

// CheckAvailability reports whether the [firstMsTime, lastMsTime)
// window needed for a subtimeslice component is fully present in the
// ring yet (spec §4.1 check_availability).
func (c *Channel) CheckAvailability(firstMsTime, lastMsTime uint64) Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	wi := c.writeIndex.Load()
	if wi == c.readIndex {
		return StatusTryLater
	}
	last := c.descRing.Get(wi - 1)
	if last.Idx <= lastMsTime {
		return StatusTryLater
	}
	first := c.descRing.Get(c.readIndex)
	if firstMsTime < first.Idx {
		return StatusFailed
	}
	return StatusOK
}

// findFirstIndex locates the last microslice index whose timestamp is
// at or before firstMsTime, clamped to the read index when no such
// microslice remains in the ring (the component is then missing its
// leading microslices and MissingMicroslices is set by the caller).
func (c *Channel) findFirstIndex(wi, firstMsTime uint64) uint64 {
	ub := c.upperBound(c.readIndex, wi, firstMsTime)
	if ub == c.readIndex {
		return c.readIndex
	}
	return ub - 1
}

// GetDescriptor builds the component handle for the microslices
// covering [firstMsTime, lastMsTime), ready for the SubTimeslice
// Sender to translate into wire iovecs (spec §4.1 get_descriptor /
// find_component). CheckAvailability should report StatusOK for the
// same window before this is called.
func (c *Channel) GetDescriptor(firstMsTime, lastMsTime uint64) (wire.ComponentHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wi := c.writeIndex.Load()
	if wi == c.readIndex {
		return wire.ComponentHandle{}, errors.New("channel: ring empty")
	}

	firstIdx := c.findFirstIndex(wi, firstMsTime)
	lastIdx := c.lowerBound(firstIdx, wi, lastMsTime)
	if lastIdx < firstIdx {
		lastIdx = firstIdx
	}

	handle := wire.ComponentHandle{
		MissingMicroslices: firstIdx == c.readIndex && c.descRing.Get(c.readIndex).Idx > firstMsTime,
	}

	if firstIdx == lastIdx {
		return handle, nil
	}

	for _, rng := range physicalRanges(c.descRing.Size(), c.descRing.Mask(), firstIdx, lastIdx) {
		handle.Descriptors = append(handle.Descriptors, wire.Iovec{
			Handle: wire.ShmHandle{ArenaUUID: c.descArenaUUID, Offset: rng.start * mdformat.Size},
			Length: rng.length * mdformat.Size,
		})
	}

	contentFirst := c.descRing.Get(firstIdx).Offset
	contentLast := c.descRing.Get(lastIdx - 1).EndOffset()
	if contentLast > contentFirst {
		for _, rng := range physicalRanges(c.dataRing.Size(), c.dataRing.Mask(), contentFirst, contentLast) {
			handle.Contents = append(handle.Contents, wire.Iovec{
				Handle: wire.ShmHandle{ArenaUUID: c.dataArenaUUID, Offset: rng.start},
				Length: rng.length,
			})
		}
	}

	for i := firstIdx; i < lastIdx; i++ {
		if c.descRing.Get(i).HasFlag(mdformat.FlagOverflowFlim) {
			handle.MissingMicroslices = true
			break
		}
	}

	return handle, nil
}

// GetMonitoring returns a snapshot of the channel's ring state as of
// nowNs (nanoseconds, same epoch as descriptor Idx values).
func (c *Channel) GetMonitoring(nowNs uint64) Monitoring {
	c.mu.Lock()
	defer c.mu.Unlock()

	wi := c.writeIndex.Load()
	m := Monitoring{
		ReadIndex:     c.readIndex,
		WriteIndex:    wi,
		DataReadIndex: c.dataReadIndex,
		DescRingSize:  c.descRing.Size(),
		DataRingSize:  c.dataRing.Size(),
	}
	if c.descRing.Size() > 0 {
		m.BufferFillLevel = float64(wi-c.readIndex) / float64(c.descRing.Size())
	}
	if wi > c.readIndex {
		last := c.descRing.Get(wi - 1)
		if nowNs > last.Idx {
			m.Delay = time.Duration(nowNs-last.Idx) * time.Nanosecond
		}
	}
	return m
}

func (c *Channel) setReadIndexLocked(newReadIndex uint64) error {
	if newReadIndex < c.readIndex {
		return errors.Errorf("channel: read index would move backward: %d -> %d", c.readIndex, newReadIndex)
	}
	if newReadIndex == c.readIndex {
		return nil
	}
	last := c.descRing.Get(newReadIndex - 1)
	dataIdx := last.EndOffset()
	if c.dmaTransferSize > 0 {
		dataIdx -= dataIdx % c.dmaTransferSize
	}
	c.readIndex = newReadIndex
	c.dataReadIndex = dataIdx
	return nil
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

type physicalRange struct {
	start  uint64
	length uint64
}

// physicalRanges splits the virtual half-open range [first, last)
// into one or two contiguous backing-array ranges, depending on
// whether it wraps around the end of the ring.
func physicalRanges(size, mask, first, last uint64) []physicalRange {
	if first == last {
		return nil
	}
	pf := first & mask
	pl := (last-1)&mask + 1
	if pf < pl {
		return []physicalRange{{start: pf, length: pl - pf}}
	}
	return []physicalRange{
		{start: pf, length: size - pf},
		{start: 0, length: pl},
	}
}
