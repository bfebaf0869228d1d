package transport

import (
	"net"

	"github.com/cbm-fles/tscpipe/internal/xerrors"
)

// Dial opens a TCP connection to addr, the transport-level
// counterpart of a UCX endpoint connect in the original (spec §4.3
// "tssched_connect"/"ucp ep create").
func Dial(addr string) (net.Conn, error) {
	c, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransportConnect, err, "transport: dial "+addr)
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return c, nil
}

// Listen opens a TCP listener on addr (spec §4.3 "accept incoming
// connections from Timeslice Builders"; spec §4.4's scheduler accepts
// both sender and builder connections the same way).
func Listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindTransportConnect, err, "transport: listen "+addr)
	}
	return l, nil
}

// Send writes m to conn, translating any I/O error into a
// KindTransportSend error so callers can trigger the standard
// reconnect path (spec §4.3 Reconnection).
func Send(conn net.Conn, m Message) error {
	if err := WriteMessage(conn, m); err != nil {
		return xerrors.Wrap(xerrors.KindTransportSend, err, "transport: send "+AMName(m.ID))
	}
	return nil
}

// Receive reads the next message from conn.
func Receive(conn net.Conn) (Message, error) {
	m, err := ReadMessage(conn)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindProtocolViolation {
			return Message{}, err
		}
		return Message{}, xerrors.Wrap(xerrors.KindTransportSend, err, "transport: receive")
	}
	return m, nil
}
