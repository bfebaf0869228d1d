package tsscheduler

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/cbm-fles/tscpipe/internal/transport"
)

// Config parameterizes a running scheduler loop.
type Config struct {
	ListenAddr string
	Log        *zap.SugaredLogger
}

// senderState is the per-connection bookkeeping for a sender endpoint.
type senderState struct {
	ep   string
	conn net.Conn
}

// builderState is the per-connection bookkeeping for a builder
// endpoint.
type builderState struct {
	id   string
	conn net.Conn
}

// Loop accepts both sender and builder connections on one listener
// (spec §4.4: senders announce, builders request assignment) and
// drives the scheduler's assignment policy as ts_ids become fully
// announced.
type Loop struct {
	sched *Scheduler
	cfg   Config

	mu       sync.Mutex
	senders  map[string]*senderState
	builders map[string]*builderState
	pending  map[uint64]senderAnnouncement // latest announcing sender's size info, for assignment sizing
}

// NewLoop wires a Loop around sched.
func NewLoop(sched *Scheduler, cfg Config) *Loop {
	return &Loop{
		sched:    sched,
		cfg:      cfg,
		senders:  make(map[string]*senderState),
		builders: make(map[string]*builderState),
		pending:  make(map[uint64]senderAnnouncement),
	}
}

// Run accepts connections until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	ln, err := transport.Listen(l.cfg.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Loop) handleConn(conn net.Conn) {
	msg, err := transport.Receive(conn)
	if err != nil {
		conn.Close()
		return
	}
	switch msg.ID {
	case transport.AMSenderRegister:
		l.serveSender(conn, string(msg.Header))
	case transport.AMBuilderRegister:
		l.serveBuilder(conn, string(msg.Header))
	default:
		conn.Close()
	}
}

func (l *Loop) serveSender(conn net.Conn, name string) {
	// name is the sender's own advertised listen address (its
	// RegisterHeader.Name), not conn.RemoteAddr(): the Timeslice
	// Builder needs a dialable endpoint for BUILDER_REQUEST_ST, and an
	// ephemeral outbound port isn't one (spec §4.4/§4.5).
	ep := name
	l.mu.Lock()
	l.senders[ep] = &senderState{ep: ep, conn: conn}
	l.mu.Unlock()
	l.sched.RegisterSender(ep)

	defer func() {
		l.mu.Lock()
		delete(l.senders, ep)
		l.mu.Unlock()
		orphaned := l.sched.DisconnectSender(ep)
		l.mu.Lock()
		for _, id := range orphaned {
			delete(l.pending, id)
		}
		l.mu.Unlock()
		conn.Close()
	}()

	for {
		msg, err := transport.Receive(conn)
		if err != nil {
			return
		}
		switch msg.ID {
		case transport.AMSenderAnnounceST:
			var hdr transport.SizesHeader
			if hdr.Unmarshal(msg.Header) != nil {
				return
			}
			ann := senderAnnouncement{TsID: hdr.ID, DescSize: hdr.DescSize, ContentSize: hdr.ContentSize}
			l.mu.Lock()
			l.pending[hdr.ID] = ann
			l.mu.Unlock()
			ready := l.sched.Announce(ep, ann)
			if ready {
				l.tryAssign(hdr.ID)
			}
		case transport.AMSenderRetractST:
			var hdr transport.IDHeader
			if hdr.Unmarshal(msg.Header) != nil {
				return
			}
			l.sched.Retract(ep, hdr.ID)
		}
	}
}

func (l *Loop) serveBuilder(conn net.Conn, name string) {
	l.sched.RegisterBuilder(name)
	l.mu.Lock()
	l.builders[name] = &builderState{id: name, conn: conn}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.builders, name)
		l.mu.Unlock()
		l.sched.DisconnectBuilder(name)
		conn.Close()
	}()

	for {
		msg, err := transport.Receive(conn)
		if err != nil {
			return
		}
		if msg.ID != transport.AMBuilderStatus {
			continue
		}
		var hdr transport.StatusHeader
		if hdr.Unmarshal(msg.Header) != nil {
			return
		}
		l.sched.UpdateBuilderStatus(name, hdr.BytesAvailable, hdr.BytesProcessed)
	}
}

// tryAssign runs the assignment policy for a fully-announced ts_id
// and, on success, sends SCHED_SEND_TS (header plus a collection
// descriptor naming every announcing sender, spec §4.4/§4.5) to the
// chosen builder. A successful send is the only builder-side event
// this wire exposes, so it doubles as the "builder send completion"
// signal spec §4.4 drives SCHED_RELEASE_ST from — there is no separate
// completion message in the protocol (transport.AMBuilderRequestST/
// AMSenderSendST run between builder and sender, never back to the
// scheduler).
func (l *Loop) tryAssign(tsID uint64) {
	l.mu.Lock()
	ann, ok := l.pending[tsID]
	l.mu.Unlock()
	if !ok {
		return
	}

	builderID, ok, err := l.sched.AssignBuilder(tsID, ann.ContentSize)
	if err != nil || !ok {
		return
	}

	l.mu.Lock()
	b, found := l.builders[builderID]
	delete(l.pending, tsID)
	l.mu.Unlock()
	if !found {
		return
	}

	senders := l.sched.Announcers(tsID)
	err = transport.Send(b.conn, transport.Message{
		ID: transport.AMSchedSendTS,
		Header: transport.SizesHeader{
			ID:          tsID,
			DescSize:    ann.DescSize,
			ContentSize: ann.ContentSize,
		}.Marshal(),
		Body: [][]byte{transport.CollectionDescriptor{Senders: senders}.Marshal()},
	})
	if err != nil {
		if l.cfg.Log != nil {
			l.cfg.Log.Errorw("tsscheduler: send SCHED_SEND_TS", "ts_id", tsID, "builder", builderID, "error", err)
		}
		return
	}
	l.BroadcastRelease(tsID, ann.ContentSize)
}

// BroadcastRelease sends SCHED_RELEASE_ST(ts_id) to every connected
// sender and releases the assignment's bytes_assigned reservation
// (spec §4.4 "On builder send completion, the scheduler broadcasts
// SCHED_RELEASE_ST(ts_id) to all senders").
func (l *Loop) BroadcastRelease(tsID uint64, contentSize uint64) {
	l.sched.CompleteAssignment(tsID, contentSize)
	l.mu.Lock()
	senders := make([]*senderState, 0, len(l.senders))
	for _, s := range l.senders {
		senders = append(senders, s)
	}
	l.mu.Unlock()
	for _, s := range senders {
		transport.Send(s.conn, transport.Message{
			ID:     transport.AMSchedReleaseST,
			Header: transport.IDHeader{ID: tsID}.Marshal(),
		})
	}
}
