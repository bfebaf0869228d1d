// Package tsbuilder implements the Timeslice Builder (spec §4.5): it
// consumes SCHED_SEND_TS assignments from the Timeslice Scheduler,
// pulls each participating sender's subtimeslice via
// BUILDER_REQUEST_ST/SENDER_SEND_ST, assembles them contiguously into
// shared memory, and publishes the finished timeslice as a work item
// through internal/distributor.
package tsbuilder

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cbm-fles/tscpipe/internal/shm"
	"github.com/cbm-fles/tscpipe/internal/transport"
	"github.com/cbm-fles/tscpipe/internal/wire"
	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// Item is a finished timeslice work unit, handed to the distributor.
// Its Release callback must be called exactly once all consumers have
// finished with it (spec §4.6 "an item's destructor enqueues a
// message to the producer announcing that the shared-memory backing
// can be freed").
type Item struct {
	ID      uint64
	Arena   *shm.Arena
	Layout  *wire.StDescriptor
	Release func()
}

// Config parameterizes a running Builder.
type Config struct {
	BuilderID      string
	SchedulerAddr  string
	ShmDir         string
	Log            *zap.SugaredLogger
	PublishItem    func(Item)
	ReleaseBacking func(tsID uint64)
}

// senderConn is one BUILDER_REQUEST_ST/SENDER_SEND_ST connection to a
// participating sender, kept open across assignments (spec §4.5
// "maintain one connection per sender mentioned in a current or
// recent assignment"). mu serializes the request/response round trip
// so two concurrent collect() calls pulling from the same sender don't
// interleave reads on one net.Conn.
type senderConn struct {
	mu   sync.Mutex
	conn net.Conn
}

// part is one sender's contribution to an in-progress ts_id
// collection: the component descriptors it reported, plus the raw
// descriptor/content bytes backing them, in the same order.
type part struct {
	descs        []wire.StComponentDescriptor
	descBytes    [][]byte
	contentBytes [][]byte
}

// Builder pulls assigned subtimeslices from senders and assembles
// them into shared memory.
type Builder struct {
	cfg   Config
	plane *shm.Plane

	mu          sync.Mutex
	senderConns map[string]*senderConn
	schedConn   net.Conn
	bytesAvail  uint64
	bytesProc   uint64

	// pendingRaw accumulates each participating sender's reported
	// component descriptors plus their raw descriptor/content bytes for
	// a ts_id still being collected, keyed by ts_id, in the order
	// senders replied; cleared once every participating sender has
	// delivered and the item is assembled (spec §4.5 "when all
	// participating senders for ts_id have delivered, create an item").
	pendingRaw map[uint64][]part
}

// New constructs a Builder.
func New(cfg Config, plane *shm.Plane) *Builder {
	return &Builder{
		cfg:         cfg,
		plane:       plane,
		senderConns: make(map[string]*senderConn),
		pendingRaw:  make(map[uint64][]part),
	}
}

// Run connects to the scheduler, registers as a builder, and services
// SCHED_SEND_TS assignments until ctx is cancelled.
func (b *Builder) Run(ctx context.Context) error {
	conn, err := transport.Dial(b.cfg.SchedulerAddr)
	if err != nil {
		return err
	}
	b.schedConn = conn
	defer conn.Close()

	if err := transport.Send(conn, transport.Message{
		ID:     transport.AMBuilderRegister,
		Header: transport.RegisterHeader{Name: b.cfg.BuilderID}.Marshal(),
	}); err != nil {
		return err
	}

	go b.statusLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, err := transport.Receive(conn)
		if err != nil {
			return xerrors.Wrap(xerrors.KindTransportSend, err, "tsbuilder: receive from scheduler")
		}
		if msg.ID != transport.AMSchedSendTS {
			continue
		}
		var hdr transport.SizesHeader
		if err := hdr.Unmarshal(msg.Header); err != nil {
			continue
		}
		var coll transport.CollectionDescriptor
		if len(msg.Body) > 0 {
			_ = coll.Unmarshal(msg.Body[0])
		}
		go b.collect(hdr, coll.Senders)
	}
}

// statusLoop reports bytes_available/bytes_processed to the scheduler
// every second (spec §4.5 "Reports bytes_available/bytes_processed to
// the scheduler every second").
func (b *Builder) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			avail, proc := b.bytesAvail, b.bytesProc
			b.mu.Unlock()
			transport.Send(b.schedConn, transport.Message{
				ID:     transport.AMBuilderStatus,
				Header: transport.StatusHeader{BytesAvailable: avail, BytesProcessed: proc}.Marshal(),
			})
		}
	}
}

// collect issues BUILDER_REQUEST_ST(ts_id) to every sender named in
// the assignment's collection descriptor, waits for all of them to
// reply with SENDER_SEND_ST, then assembles the combined descriptor
// plus content bytes into one shm arena and publishes the finished
// item (spec §4.5).
func (b *Builder) collect(hdr transport.SizesHeader, senders []string) {
	if len(senders) == 0 {
		if b.cfg.Log != nil {
			b.cfg.Log.Warnw("tsbuilder: assignment names no senders", "ts_id", hdr.ID)
		}
		return
	}

	var wg sync.WaitGroup
	for _, addr := range senders {
		addr := addr
		wg.Add(1)
		go func() {
			defer wg.Done()
			descs, descBytes, contentBytes, err := b.requestFromSender(addr, hdr.ID)
			if err != nil {
				if b.cfg.Log != nil {
					b.cfg.Log.Errorw("tsbuilder: BUILDER_REQUEST_ST failed", "sender", addr, "ts_id", hdr.ID, "error", err)
				}
				return
			}
			b.mu.Lock()
			b.pendingRaw[hdr.ID] = append(b.pendingRaw[hdr.ID], part{descs: descs, descBytes: descBytes, contentBytes: contentBytes})
			complete := len(b.pendingRaw[hdr.ID]) >= len(senders)
			b.mu.Unlock()
			if complete {
				b.assemble(hdr.ID)
			}
		}()
	}
	wg.Wait()
}

// requestFromSender sends BUILDER_REQUEST_ST(tsID) to addr (dialing
// and caching the connection if this is the first pull from it) and
// parses the SENDER_SEND_ST reply into its component descriptors and
// their raw descriptor/content bytes, in StDescriptor.Components
// order (spec §4.3 SENDER_SEND_ST body).
func (b *Builder) requestFromSender(addr string, tsID uint64) (descs []wire.StComponentDescriptor, descBytes, contentBytes [][]byte, err error) {
	sc, err := b.dialSender(addr)
	if err != nil {
		return nil, nil, nil, err
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()

	if err := transport.Send(sc.conn, transport.Message{
		ID:     transport.AMBuilderRequestST,
		Header: transport.IDHeader{ID: tsID}.Marshal(),
	}); err != nil {
		return nil, nil, nil, xerrors.Wrap(xerrors.KindTransportSend, err, "tsbuilder: send BUILDER_REQUEST_ST")
	}
	msg, err := transport.Receive(sc.conn)
	if err != nil {
		return nil, nil, nil, xerrors.Wrap(xerrors.KindTransportSend, err, "tsbuilder: receive SENDER_SEND_ST")
	}
	if msg.ID != transport.AMSenderSendST {
		return nil, nil, nil, xerrors.Errorf(xerrors.KindProtocolViolation, "tsbuilder: unexpected reply %s from %s", transport.AMName(msg.ID), addr)
	}
	var sizes transport.SizesHeader
	if err := sizes.Unmarshal(msg.Header); err != nil {
		return nil, nil, nil, err
	}
	if len(msg.Body) == 0 {
		return nil, nil, nil, xerrors.Errorf(xerrors.KindProtocolViolation, "tsbuilder: %s has no subtimeslice %d", addr, tsID)
	}

	// The body arrives as one stream: the marshaled StDescriptor, then
	// sizes.DescSize descriptor bytes, then sizes.ContentSize content
	// bytes. Slice the raw part per component: all descriptor bytes
	// first (in component order), then all content bytes (in component
	// order), matching how stsender.Loop.handleBuilderReadable emits them.
	var all []byte
	for _, seg := range msg.Body {
		all = append(all, seg...)
	}
	raw := sizes.DescSize + sizes.ContentSize
	if raw > uint64(len(all)) {
		return nil, nil, nil, xerrors.New(xerrors.KindProtocolViolation, "tsbuilder: SENDER_SEND_ST body shorter than its header sizes")
	}
	split := uint64(len(all)) - raw
	var desc wire.StDescriptor
	if err := wire.Unmarshal(all[:split], &desc); err != nil {
		return nil, nil, nil, err
	}
	flat := all[split:]
	cursor := 0
	descBytes = make([][]byte, len(desc.Components))
	for i, c := range desc.Components {
		n := int(c.Descriptor.Size)
		if cursor+n > len(flat) {
			return nil, nil, nil, xerrors.New(xerrors.KindProtocolViolation, "tsbuilder: truncated descriptor bytes in SENDER_SEND_ST")
		}
		descBytes[i] = flat[cursor : cursor+n]
		cursor += n
	}
	contentBytes = make([][]byte, len(desc.Components))
	for i, c := range desc.Components {
		n := int(c.Content.Size)
		if cursor+n > len(flat) {
			return nil, nil, nil, xerrors.New(xerrors.KindProtocolViolation, "tsbuilder: truncated content bytes in SENDER_SEND_ST")
		}
		contentBytes[i] = flat[cursor : cursor+n]
		cursor += n
	}
	return desc.Components, descBytes, contentBytes, nil
}

func (b *Builder) dialSender(addr string) (*senderConn, error) {
	b.mu.Lock()
	sc, ok := b.senderConns[addr]
	b.mu.Unlock()
	if ok {
		return sc, nil
	}

	conn, err := transport.Dial(addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransportConnect, err, "tsbuilder: dial sender")
	}
	sc = &senderConn{conn: conn}

	b.mu.Lock()
	if existing, ok := b.senderConns[addr]; ok {
		b.mu.Unlock()
		conn.Close()
		return existing, nil
	}
	b.senderConns[addr] = sc
	b.mu.Unlock()
	return sc, nil
}

// assemble runs once every sender participating in hdr.ID has
// delivered: it copies every component's descriptor and content bytes
// contiguously into a freshly allocated shm arena, builds the combined
// StDescriptor, and publishes the finished item (spec §4.5 "copy
// descriptor + content into the builder's shared-memory arena at
// offsets allocated contiguously").
func (b *Builder) assemble(tsID uint64) {
	b.mu.Lock()
	parts, ok := b.pendingRaw[tsID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pendingRaw, tsID)
	b.mu.Unlock()

	var total uint64
	for _, p := range parts {
		for _, seg := range p.descBytes {
			total += uint64(len(seg))
		}
		for _, seg := range p.contentBytes {
			total += uint64(len(seg))
		}
	}
	size := total
	if size == 0 {
		size = 4096
	}

	arena, err := b.plane.Create(nextPow2(size))
	if err != nil {
		if b.cfg.Log != nil {
			b.cfg.Log.Errorw("tsbuilder: allocate arena", "ts_id", tsID, "error", err)
		}
		return
	}

	layout := &wire.StDescriptor{StartTimeNs: 0}
	buf := arena.Bytes()
	var offset uint64
	for _, p := range parts {
		for i := range p.descs {
			descOff := offset
			offset += uint64(copy(buf[offset:], p.descBytes[i]))
			contentOff := offset
			offset += uint64(copy(buf[offset:], p.contentBytes[i]))
			layout.Components = append(layout.Components, wire.StComponentDescriptor{
				Descriptor:  wire.DataDescriptor{Offset: descOff, Size: uint64(len(p.descBytes[i]))},
				Content:     wire.DataDescriptor{Offset: contentOff, Size: uint64(len(p.contentBytes[i]))},
				IsMissingMs: p.descs[i].IsMissingMs,
			})
			if p.descs[i].IsMissingMs {
				layout.IsIncomplete = true
			}
		}
	}

	b.mu.Lock()
	b.bytesProc += total
	b.mu.Unlock()

	item := Item{
		ID:     tsID,
		Arena:  arena,
		Layout: layout,
		Release: func() {
			b.plane.Release(arena)
			if b.cfg.ReleaseBacking != nil {
				b.cfg.ReleaseBacking(tsID)
			}
		},
	}
	if b.cfg.PublishItem != nil {
		b.cfg.PublishItem(item)
	}
}

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}
