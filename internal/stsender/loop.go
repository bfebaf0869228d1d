package stsender

import (
	"context"
	"net"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/cbm-fles/tscpipe/internal/hktimer"
	"github.com/cbm-fles/tscpipe/internal/transport"
	"github.com/cbm-fles/tscpipe/internal/wire"
	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// Config parameterizes a running Sender loop.
type Config struct {
	SchedulerAddr string
	ListenAddr    string
	Log           *zap.SugaredLogger
}

// Loop drives a Sender's cooperative event loop: exactly the
// "single cooperative worker thread" of spec §4.3, implemented as one
// goroutine that (a) drains the announce/retract queues, (b) services
// builder connections, (c) maintains the scheduler connection, and
// (d) blocks on epoll between rounds.
type Loop struct {
	sender *Sender
	cfg    Config

	notifier  *transport.Notifier
	eventLoop *transport.EventLoop
	listener  net.Listener
	timers    *hktimer.Scheduler

	schedConn    net.Conn
	schedFD      int
	schedBackoff *backoff.ExponentialBackOff

	// builders is only ever read/written on the loop goroutine;
	// acceptLoop, which runs on its own goroutine, only ever hands off
	// newly accepted connections through newConns.
	builders map[int]net.Conn
	newConns chan net.Conn
}

// NewLoop wires a Loop around sender.
func NewLoop(sender *Sender, cfg Config) (*Loop, error) {
	notifier, err := transport.NewNotifier()
	if err != nil {
		return nil, err
	}
	el, err := transport.NewEventLoop(notifier)
	if err != nil {
		notifier.Close()
		return nil, err
	}
	ln, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		el.Close()
		notifier.Close()
		return nil, err
	}
	l := &Loop{
		sender:    sender,
		cfg:       cfg,
		notifier:  notifier,
		eventLoop: el,
		listener:  ln,
		timers:    hktimer.New(),
		builders:  make(map[int]net.Conn),
		newConns:  make(chan net.Conn, 16),
	}
	// A fixed 2s scheduler-reconnect interval (spec §4.3 "schedule a
	// reconnect every 2 s"), expressed via ExponentialBackOff with
	// randomization and growth disabled rather than hand-rolling a
	// ticker, matching how the rest of the pack drives reconnect loops
	// off this same backoff type.
	l.schedBackoff = &backoff.ExponentialBackOff{
		InitialInterval:     2 * time.Second,
		MaxInterval:         2 * time.Second,
		Multiplier:          1,
		RandomizationFactor: 0,
	}
	l.schedBackoff.Reset()
	return l, nil
}

// Wake kicks the loop out of epoll_wait; pass this as the wake
// callback to Sender.AnnounceSubtimeslice/RetractSubtimeslice.
func (l *Loop) Wake() { l.notifier.Kick() }

// Run drives the loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	defer l.listener.Close()
	defer l.eventLoop.Close()
	defer l.notifier.Close()

	l.scheduleReconnect(time.Now(), 0)
	go l.acceptLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		l.drainNewBuilders()
		l.sender.drainQueues()
		l.processAnnouncedAgainstScheduler()
		l.timers.RunDue(now)

		timeout := time.Second
		if next, ok := l.timers.NextDeadline(); ok {
			if d := next.Sub(now); d < timeout {
				timeout = d
			}
		}

		ready, notified, err := l.eventLoop.Wait(timeout)
		if err != nil {
			return err
		}
		if notified {
			l.notifier.Drain()
		}
		for _, fd := range ready {
			l.handleReadable(fd)
		}
	}
}

// acceptLoop accepts incoming Timeslice Builder connections and hands
// each one to the loop goroutine through newConns (spec §4.3 "accept
// incoming connections from Timeslice Builders"). It never touches
// l.builders itself — that map is loop-goroutine-only state, and
// registering the connection with the epoll event loop from this
// goroutine would race Run's own RegisterConn/UnregisterFD calls.
func (l *Loop) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		select {
		case l.newConns <- conn:
			l.notifier.Kick()
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

// drainNewBuilders registers every connection acceptLoop has handed
// off since the last iteration. Loop-goroutine only.
func (l *Loop) drainNewBuilders() {
	for {
		select {
		case conn := <-l.newConns:
			fd, err := l.eventLoop.RegisterConn(conn)
			if err != nil {
				conn.Close()
				continue
			}
			l.builders[fd] = conn
		default:
			return
		}
	}
}

func (l *Loop) handleReadable(fd int) {
	if fd == l.schedFD && l.schedConn != nil {
		l.handleSchedulerReadable()
		return
	}
	if conn, ok := l.builders[fd]; ok {
		l.handleBuilderReadable(fd, conn)
	}
}

// handleBuilderReadable answers one BUILDER_REQUEST_ST (spec §4.3:
// "On BUILDER_REQUEST_ST(id): look up announced[id]; issue a
// zero-copy active-message send of type 70 ... If id is not known,
// reply with an empty message.").
func (l *Loop) handleBuilderReadable(fd int, conn net.Conn) {
	msg, err := transport.Receive(conn)
	if err != nil {
		l.dropBuilder(fd, conn)
		return
	}
	if msg.ID != transport.AMBuilderRequestST {
		return
	}
	var hdr transport.IDHeader
	if err := hdr.Unmarshal(msg.Header); err != nil {
		l.dropBuilder(fd, conn)
		return
	}

	desc, ok := l.sender.announced[hdr.ID]
	if !ok {
		_ = transport.Send(conn, transport.Message{
			ID:     transport.AMSenderSendST,
			Header: transport.SizesHeader{ID: hdr.ID}.Marshal(),
		})
		return
	}
	comps := l.sender.announcedComponents[hdr.ID]

	payload, err := wire.Marshal(desc)
	if err != nil {
		return
	}

	// Body: the marshaled StDescriptor metadata, then every iovec's raw
	// bytes in order (descriptor iovecs first, then content iovecs),
	// matching spec §4.3 "issue a zero-copy send ... using the stored
	// iovecs (descriptor first, then content segments)". The receiver
	// knows exactly how many bytes belong to each component's
	// descriptor/content part from the metadata, so it can reassemble
	// even when an iovec was split across a ring wraparound.
	body := make([][]byte, 1, 1+2*len(comps))
	body[0] = payload
	var descBytes, contentBytes uint64
	for _, c := range comps {
		for _, iov := range c.Descriptors {
			seg, err := l.readIovec(iov)
			if err != nil {
				if l.cfg.Log != nil {
					l.cfg.Log.Errorw("stsender: read descriptor iovec", "ts_id", hdr.ID, "error", err)
				}
				return
			}
			body = append(body, seg)
			descBytes += uint64(len(seg))
		}
	}
	for _, c := range comps {
		for _, iov := range c.Contents {
			seg, err := l.readIovec(iov)
			if err != nil {
				if l.cfg.Log != nil {
					l.cfg.Log.Errorw("stsender: read content iovec", "ts_id", hdr.ID, "error", err)
				}
				return
			}
			body = append(body, seg)
			contentBytes += uint64(len(seg))
		}
	}

	l.sender.activeSendRequests[hdr.ID] = struct{}{}
	sendErr := transport.Send(conn, transport.Message{
		ID: transport.AMSenderSendST,
		Header: transport.SizesHeader{
			ID:          hdr.ID,
			DescSize:    descBytes,
			ContentSize: contentBytes,
		}.Marshal(),
		Body: body,
	})
	delete(l.sender.activeSendRequests, hdr.ID)
	if sendErr != nil {
		l.dropBuilder(fd, conn)
		return
	}
	l.sender.completeLocally(hdr.ID)
	delete(l.sender.announced, hdr.ID)
	delete(l.sender.announcedComponents, hdr.ID)
	l.sender.forgetID(hdr.ID)
}

// readIovec resolves iov's arena (already mapped in-process by this
// sender's own *shm.Plane, since it's the same plane that backs the
// channel rings GetDescriptor sliced iov from) and returns a copy of
// the byte range it names.
func (l *Loop) readIovec(iov wire.Iovec) ([]byte, error) {
	arena, err := l.sender.plane.Open(iov.Handle.ArenaUUID, 0)
	if err != nil {
		return nil, err
	}
	data := arena.Bytes()
	if iov.Handle.Offset+iov.Length > uint64(len(data)) {
		return nil, xerrors.New(xerrors.KindInternalInvariant, "stsender: iovec out of arena bounds")
	}
	seg := make([]byte, iov.Length)
	copy(seg, data[iov.Handle.Offset:iov.Handle.Offset+iov.Length])
	return seg, nil
}

func (l *Loop) dropBuilder(fd int, conn net.Conn) {
	l.eventLoop.UnregisterFD(fd)
	conn.Close()
	delete(l.builders, fd)
}

// processAnnouncedAgainstScheduler sends SENDER_ANNOUNCE_ST for every
// entry in announced, on each call, while a scheduler connection
// exists (spec §4.3). It sends no SENDER_RETRACT_ST: a retracted id is
// only removed from announced by drainQueues and is not re-sent.
func (l *Loop) processAnnouncedAgainstScheduler() {
	if l.schedConn == nil {
		return
	}
	for id, desc := range l.sender.announced {
		payload, err := wire.Marshal(desc)
		if err != nil {
			continue
		}
		err = transport.Send(l.schedConn, transport.Message{
			ID: transport.AMSenderAnnounceST,
			Header: transport.SizesHeader{
				ID:          id,
				DescSize:    uint64(len(payload)),
				ContentSize: 0,
			}.Marshal(),
			Body: [][]byte{payload},
		})
		if err != nil {
			l.handleSchedulerError()
			return
		}
	}
}

func (l *Loop) handleSchedulerReadable() {
	msg, err := transport.Receive(l.schedConn)
	if err != nil {
		l.handleSchedulerError()
		return
	}
	if msg.ID != transport.AMSchedReleaseST {
		return
	}
	var hdr transport.IDHeader
	if err := hdr.Unmarshal(msg.Header); err != nil {
		return
	}
	delete(l.sender.announced, hdr.ID)
	delete(l.sender.announcedComponents, hdr.ID)
	l.sender.forgetID(hdr.ID)
	l.sender.completeLocally(hdr.ID)
}

// handleSchedulerError implements spec §4.3 Reconnection: mark
// disconnected, schedule a 2s reconnect, flush everything in
// announced to local completions.
func (l *Loop) handleSchedulerError() {
	if l.schedConn != nil {
		l.eventLoop.UnregisterFD(l.schedFD)
		l.schedConn.Close()
		l.schedConn = nil
	}
	l.sender.flushAnnouncedLocally()
	l.scheduleReconnect(time.Now(), l.schedBackoff.NextBackOff())
}

func (l *Loop) scheduleReconnect(now time.Time, delay time.Duration) {
	l.timers.Add(&hktimer.Task{
		Name: "tssched-reconnect",
		Fire: func(now time.Time) time.Duration {
			if err := l.connectScheduler(); err != nil {
				return l.schedBackoff.NextBackOff()
			}
			l.schedBackoff.Reset()
			return 0
		},
	}, now, delay)
}

func (l *Loop) connectScheduler() error {
	conn, err := transport.Dial(l.cfg.SchedulerAddr)
	if err != nil {
		return xerrors.Wrap(xerrors.KindTransportConnect, err, "stsender: connect scheduler")
	}
	if err := transport.Send(conn, transport.Message{
		ID:     transport.AMSenderRegister,
		Header: transport.RegisterHeader{Name: l.sender.SenderID}.Marshal(),
	}); err != nil {
		conn.Close()
		return err
	}
	fd, err := l.eventLoop.RegisterConn(conn)
	if err != nil {
		conn.Close()
		return err
	}
	l.schedConn = conn
	l.schedFD = fd
	return nil
}
