package transport

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// IDHeader is the header shape shared by SENDER_RETRACT_ST,
// SCHED_RELEASE_ST, and BUILDER_REQUEST_ST: just a ts_id.
type IDHeader struct {
	ID uint64
}

func (h IDHeader) Marshal() []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h.ID)
	return buf
}

func (h *IDHeader) Unmarshal(buf []byte) error {
	if len(buf) < 8 {
		return errors.New("transport: short IDHeader")
	}
	h.ID = binary.LittleEndian.Uint64(buf[0:8])
	return nil
}

// SizesHeader is the header shape shared by SENDER_ANNOUNCE_ST,
// SCHED_SEND_TS, and SENDER_SEND_ST: a ts_id plus the descriptor and
// content byte lengths of the body that follows (or, for an empty
// SENDER_SEND_ST reply to an unknown id, zero sizes and no body).
type SizesHeader struct {
	ID          uint64
	DescSize    uint64
	ContentSize uint64
}

func (h SizesHeader) Marshal() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:8], h.ID)
	binary.LittleEndian.PutUint64(buf[8:16], h.DescSize)
	binary.LittleEndian.PutUint64(buf[16:24], h.ContentSize)
	return buf
}

func (h *SizesHeader) Unmarshal(buf []byte) error {
	if len(buf) < 24 {
		return errors.New("transport: short SizesHeader")
	}
	h.ID = binary.LittleEndian.Uint64(buf[0:8])
	h.DescSize = binary.LittleEndian.Uint64(buf[8:16])
	h.ContentSize = binary.LittleEndian.Uint64(buf[16:24])
	return nil
}

// StatusHeader is BUILDER_STATUS's header: the builder's current
// buffer-availability counters (spec §4.5).
type StatusHeader struct {
	BytesAvailable uint64
	BytesProcessed uint64
}

func (h StatusHeader) Marshal() []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], h.BytesAvailable)
	binary.LittleEndian.PutUint64(buf[8:16], h.BytesProcessed)
	return buf
}

func (h *StatusHeader) Unmarshal(buf []byte) error {
	if len(buf) < 16 {
		return errors.New("transport: short StatusHeader")
	}
	h.BytesAvailable = binary.LittleEndian.Uint64(buf[0:8])
	h.BytesProcessed = binary.LittleEndian.Uint64(buf[8:16])
	return nil
}

// RegisterHeader carries a sender_id/builder_id as UTF-8 text
// (SENDER_REGISTER, BUILDER_REGISTER).
type RegisterHeader struct {
	Name string
}

func (h RegisterHeader) Marshal() []byte { return []byte(h.Name) }

func (h *RegisterHeader) Unmarshal(buf []byte) error {
	h.Name = string(buf)
	return nil
}

// WorkerRegisterHeader is the Item Distributor's REGISTER frame header
// (spec §4.6/§6: "REGISTER <stride> <offset> <policy> <name>").
type WorkerRegisterHeader struct {
	Stride uint64
	Offset uint64
	Policy uint8
	Name   string
}

func (h WorkerRegisterHeader) Marshal() []byte {
	buf := make([]byte, 17+len(h.Name))
	binary.LittleEndian.PutUint64(buf[0:8], h.Stride)
	binary.LittleEndian.PutUint64(buf[8:16], h.Offset)
	buf[16] = h.Policy
	copy(buf[17:], h.Name)
	return buf
}

func (h *WorkerRegisterHeader) Unmarshal(buf []byte) error {
	if len(buf) < 17 {
		return errors.New("transport: short WorkerRegisterHeader")
	}
	h.Stride = binary.LittleEndian.Uint64(buf[0:8])
	h.Offset = binary.LittleEndian.Uint64(buf[8:16])
	h.Policy = buf[16]
	h.Name = string(buf[17:])
	return nil
}

// CollectionDescriptor is SCHED_SEND_TS's body: the endpoint of every
// sender participating in the assignment, so the Timeslice Builder
// knows who to issue BUILDER_REQUEST_ST to (spec §4.4 "collection
// descriptor", §4.5 "maintain one connection per sender mentioned in
// a current or recent assignment").
type CollectionDescriptor struct {
	Senders []string
}

func (d CollectionDescriptor) Marshal() []byte {
	buf := make([]byte, 0, 4+8*len(d.Senders))
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(d.Senders)))
	buf = append(buf, countBuf[:]...)
	for _, s := range d.Senders {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, s...)
	}
	return buf
}

func (d *CollectionDescriptor) Unmarshal(buf []byte) error {
	if len(buf) < 4 {
		return errors.New("transport: short CollectionDescriptor")
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	rest := buf[4:]
	d.Senders = make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(rest) < 4 {
			return errors.New("transport: truncated CollectionDescriptor sender list")
		}
		l := binary.LittleEndian.Uint32(rest[0:4])
		rest = rest[4:]
		if uint32(len(rest)) < l {
			return errors.New("transport: truncated CollectionDescriptor sender name")
		}
		d.Senders = append(d.Senders, string(rest[:l]))
		rest = rest[l:]
	}
	return nil
}
