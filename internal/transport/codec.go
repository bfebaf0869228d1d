package transport

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/OneOfOne/xxhash"
	"github.com/pierrec/lz4/v3"
	"github.com/pkg/errors"

	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// frame preamble layout, all little-endian:
//
//	0:  id             uint16
//	2:  flags          uint16
//	4:  headerLen      uint32 // length of the header as it appears on the wire
//	8:  headerOrigLen  uint32 // uncompressed length; equals headerLen unless FlagCompressed
//	12: headerXXHash   uint64 // xxhash of the wire-form header bytes
//	20: bodyLen        uint64
const preambleSize = 28

// compressionThreshold is the minimum header size before lz4
// compression is attempted; below it the framing overhead isn't worth
// paying (spec §4.3 headers are tiny control records: SizesHeader is
// 24 bytes, so only a long RegisterHeader/WorkerRegisterHeader name
// reaches it). Body segments, which carry the descriptor and content
// bytes, are never compressed.
const compressionThreshold = 256

// WriteMessage writes m to w as a single vectored write: net.Buffers
// coalesces the preamble, header, and every body segment into one
// writev(2) call on platforms that support it, so a sender's
// descriptor+content iovecs (spec §4.3 "zero-copy active-message
// send ... using the stored iovecs") never need to be copied into one
// contiguous buffer first.
func WriteMessage(w io.Writer, m Message) error {
	header := m.Header
	origLen := len(header)
	flags := m.Flags
	if len(header) >= compressionThreshold {
		compressed := make([]byte, lz4.CompressBlockBound(len(header)))
		n, err := lz4.CompressBlock(header, compressed, nil)
		if err == nil && n > 0 && n < len(header) {
			header = compressed[:n]
			flags |= FlagCompressed
		}
	}

	var preamble [preambleSize]byte
	binary.LittleEndian.PutUint16(preamble[0:2], m.ID)
	binary.LittleEndian.PutUint16(preamble[2:4], flags)
	binary.LittleEndian.PutUint32(preamble[4:8], uint32(len(header)))
	binary.LittleEndian.PutUint32(preamble[8:12], uint32(origLen))
	binary.LittleEndian.PutUint64(preamble[12:20], xxhash.Checksum64(header))
	binary.LittleEndian.PutUint64(preamble[20:28], m.BodyLen())

	bufs := make(net.Buffers, 0, 2+len(m.Body))
	bufs = append(bufs, preamble[:])
	if len(header) > 0 {
		bufs = append(bufs, header)
	}
	bufs = append(bufs, m.Body...)

	_, err := bufs.WriteTo(w)
	return errors.Wrap(err, "transport: write message")
}

// ReadMessage reads one frame from r. The body is returned as a
// single contiguous segment: receivers copy it straight into a
// shared-memory arena, so there is no benefit to preserving the
// sender's iovec boundaries on the wire.
func ReadMessage(r io.Reader) (Message, error) {
	var preamble [preambleSize]byte
	if _, err := io.ReadFull(r, preamble[:]); err != nil {
		return Message{}, errors.Wrap(err, "transport: read preamble")
	}
	id := binary.LittleEndian.Uint16(preamble[0:2])
	flags := binary.LittleEndian.Uint16(preamble[2:4])
	headerLen := binary.LittleEndian.Uint32(preamble[4:8])
	headerOrigLen := binary.LittleEndian.Uint32(preamble[8:12])
	headerChecksum := binary.LittleEndian.Uint64(preamble[12:20])
	bodyLen := binary.LittleEndian.Uint64(preamble[20:28])

	header := make([]byte, headerLen)
	if headerLen > 0 {
		if _, err := io.ReadFull(r, header); err != nil {
			return Message{}, errors.Wrap(err, "transport: read header")
		}
	}
	if xxhash.Checksum64(header) != headerChecksum {
		return Message{}, xerrors.New(xerrors.KindProtocolViolation, "transport: header checksum mismatch")
	}
	if flags&FlagCompressed != 0 {
		dst := make([]byte, headerOrigLen)
		n, err := lz4.UncompressBlock(header, dst)
		if err != nil {
			return Message{}, xerrors.Wrap(xerrors.KindProtocolViolation, err, "transport: decompress header")
		}
		header = dst[:n]
		flags &^= FlagCompressed
	}

	var body []byte
	if bodyLen > 0 {
		body = make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, errors.Wrap(err, "transport: read body")
		}
	}

	msg := Message{ID: id, Flags: flags, Header: header}
	if body != nil {
		msg.Body = [][]byte{body}
	}
	return msg, nil
}
