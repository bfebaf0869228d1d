// Package wire defines the subtimeslice/timeslice descriptor types
// that cross process boundaries (spec §3, §6) and their portable
// binary archive encoding.
package wire

// Flag bits for SubTimesliceHandle / StDescriptor.
const (
	FlagIncomplete   uint32 = 1 << 0 // at least one channel failed or timed out
	FlagOverflowFlim uint32 = 1 << 1 // aggregated from components
)

// Iovec names a shared-memory handle plus a byte length. It describes
// a read-only range of a channel's descriptor or data ring (spec §3
// STCH) or a range of a builder's assembled shared-memory arena.
type Iovec struct {
	Handle ShmHandle
	Length uint64
}

// ShmHandle identifies a byte range within a named shared-memory arena
// by (arena UUID, offset). It is the Go analogue of
// managed_shared_memory::get_handle_from_address in the original
// implementation.
type ShmHandle struct {
	ArenaUUID string
	Offset    uint64
}

// ComponentHandle is one channel's contribution to one subtimeslice,
// as produced by Channel.GetDescriptor (spec §4.1 STCH). It stays
// local to the process producing it (the SubTimeslice Builder/Sender);
// it is never serialized as-is, only dereferenced by the sender to
// produce wire iovecs.
type ComponentHandle struct {
	Descriptors        []Iovec
	Contents           []Iovec
	MissingMicroslices bool
}

// NumMicroslices returns the number of microslice descriptors implied
// by the total descriptor byte length.
func (c *ComponentHandle) NumMicroslices(descriptorSize int) uint32 {
	var total uint64
	for _, iov := range c.Descriptors {
		total += iov.Length
	}
	return uint32(total / uint64(descriptorSize))
}

// ContentSize returns the total content byte length.
func (c *ComponentHandle) ContentSize() uint64 {
	var total uint64
	for _, iov := range c.Contents {
		total += iov.Length
	}
	return total
}

// SubTimesliceHandle is the sender-local, not-yet-serialized STH
// (spec §3 STH): a subtimeslice spanning every channel the builder
// managed to gather in time.
type SubTimesliceHandle struct {
	StartTimeNs uint64
	DurationNs  uint64
	Flags       uint32
	Components  []ComponentHandle
}

// TsID is the identifier the spec defines as start_time_ns / duration_ns.
func (h *SubTimesliceHandle) TsID() uint64 {
	return h.StartTimeNs / h.DurationNs
}

func (h *SubTimesliceHandle) HasFlag(mask uint32) bool { return h.Flags&mask == mask }
func (h *SubTimesliceHandle) SetFlag(mask uint32)      { h.Flags |= mask }

// DataDescriptor mirrors a single iovec's offset/size within an
// arena, as serialized on the wire (spec §3 sender-side announcement
// record, §6 StDescriptor).
type DataDescriptor struct {
	Offset uint64
	Size   uint64
}

// StComponentDescriptor is the wire form of ComponentHandle: it
// describes where in the *receiving* arena (builder shared memory, or
// — before transfer — the announcement itself) the descriptor and
// content bytes for one channel's component live.
type StComponentDescriptor struct {
	Descriptor         DataDescriptor
	Content            DataDescriptor
	IsMissingMs        bool
}

func (c *StComponentDescriptor) Size() uint64 {
	return c.Descriptor.Size + c.Content.Size
}

// StDescriptor is the portable, binary-archived description of a
// subtimeslice or timeslice (spec §3 STH, §6 StDescriptor). It is the
// payload carried by SENDER_ANNOUNCE_ST/SENDER_SEND_ST and by a
// Timeslice Work Item.
type StDescriptor struct {
	StartTimeNs uint64
	DurationNs  uint64
	IsIncomplete bool
	Components  []StComponentDescriptor
}

func (d *StDescriptor) TsID() uint64 {
	if d.DurationNs == 0 {
		return 0
	}
	return d.StartTimeNs / d.DurationNs
}

func (d *StDescriptor) Size() uint64 {
	var total uint64
	for _, c := range d.Components {
		total += c.Size()
	}
	return total
}
