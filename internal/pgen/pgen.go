// Package pgen implements the pattern generator producer: an
// alternative to a real DMA readout board that deposits synthetic,
// self-checking microslices into a channel's rings on a fixed
// schedule (spec §1 "the pattern generator (an alternative producer
// with the same channel interface)"). It is grounded on
// original_source's pgen_channel, which itself is a std::jthread-per-
// channel worker ticking at a fixed rate; this port uses one
// goroutine per channel driven by a time.Ticker instead.
package pgen

import (
	"context"
	"math/rand"
	"time"

	"github.com/cbm-fles/tscpipe/internal/dma"
	"github.com/cbm-fles/tscpipe/internal/mdformat"
)

// Flag bits for --pgen-flags (spec §6).
const (
	FlagPattern        uint32 = 1 << 0
	FlagRandomiseSizes uint32 = 1 << 1
)

// Config parameterizes one pattern-generator channel.
type Config struct {
	MicrosliceDuration time.Duration
	MicrosliceSize     uint64
	Flags              uint32
}

// Channel is a software microslice producer matching dma.Producer,
// backed by fixed-size descriptor and data rings it owns outright
// (no real hardware write pointer to track).
type Channel struct {
	cfg Config

	descRing []mdformat.Descriptor
	dataRing []byte

	writeIndex     uint64
	dataWriteIndex uint64
	startNs        uint64
	rng            *rand.Rand
}

// New allocates a pattern-generator channel over power-of-two
// descriptor/data rings sized descCount/dataSize.
func New(cfg Config, descCount int, dataSize int, startNs uint64, seed int64) *Channel {
	return &Channel{
		cfg:      cfg,
		descRing: make([]mdformat.Descriptor, descCount),
		dataRing: make([]byte, dataSize),
		startNs:  startNs,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// WriteIndex implements dma.Producer.
func (c *Channel) WriteIndex() uint64 { return c.writeIndex }

// Descriptor implements dma.Producer.
func (c *Channel) Descriptor(n uint64) mdformat.Descriptor {
	return c.descRing[n&uint64(len(c.descRing)-1)]
}

// DescRingSize returns the number of slots in the descriptor ring,
// letting a caller construct a genericView-compatible wrapper without
// reaching into the unexported ring slice.
func (c *Channel) DescRingSize() uint64 { return uint64(len(c.descRing)) }

// DataRingSize returns the number of bytes in the data ring.
func (c *Channel) DataRingSize() uint64 { return uint64(len(c.dataRing)) }

// Data implements dma.Producer.
func (c *Channel) Data(offset, length uint64) []byte {
	mask := uint64(len(c.dataRing)) - 1
	start := offset & mask
	end := start + length
	if end <= uint64(len(c.dataRing)) {
		return c.dataRing[start:end]
	}
	// wrapped: callers needing a contiguous slice across the wrap
	// point must request through internal/channel's iovec splitting
	// instead; this direct accessor only serves the non-wrapped case.
	return c.dataRing[start:]
}

// tick deposits exactly one microslice, returning its timestamp.
func (c *Channel) tick(seq uint64) uint64 {
	idxNs := c.startNs + seq*uint64(c.cfg.MicrosliceDuration.Nanoseconds())

	size := c.cfg.MicrosliceSize
	if c.cfg.Flags&FlagRandomiseSizes != 0 && size > 1 {
		size = 1 + uint64(c.rng.Int63n(int64(size)))
	}

	mask := uint64(len(c.dataRing)) - 1
	start := c.dataWriteIndex & mask
	buf := make([]byte, size)
	if c.cfg.Flags&FlagPattern != 0 {
		dma.EncodePatternContent(buf, idxNs)
	}
	for i := uint64(0); i < size; i++ {
		c.dataRing[(start+i)&mask] = buf[i]
	}

	d := mdformat.Descriptor{
		HeaderID:      0xDD,
		HeaderVersion: 1,
		EquipmentID:   1,
		Flags:         mdformat.FlagCrcValid,
		SysID:         0x01,
		SysVersion:    1,
		Idx:           idxNs,
		Crc:           mdformat.ChecksumCRC32C(buf),
		Size:          uint32(size),
		Offset:        c.dataWriteIndex,
	}
	c.descRing[c.writeIndex&uint64(len(c.descRing)-1)] = d
	c.writeIndex++
	c.dataWriteIndex += size

	return idxNs
}

// Run deposits microslices at the configured rate until ctx is
// cancelled, matching pgen_channel's worker-thread loop. onTick, if
// non-nil, is invoked after each microslice with its write index and
// timestamp, so the owning internal/channel.Channel can be told to
// advance its write index.
func (c *Channel) Run(ctx context.Context, onTick func(writeIndex, idxNs uint64)) {
	if c.cfg.MicrosliceDuration <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.MicrosliceDuration)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			idxNs := c.tick(seq)
			seq++
			if onTick != nil {
				onTick(c.writeIndex, idxNs)
			}
		}
	}
}
