package transport

import (
	"encoding/binary"
	"net"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Notifier is an eventfd-backed wakeup, used to pull a cooperative
// EventLoop out of epoll_wait when another goroutine enqueues work
// (spec §4.3: "Cross-thread inputs come through mutex-guarded queues
// plus an eventfd kick").
type Notifier struct {
	fd int
}

// NewNotifier creates a non-blocking eventfd.
func NewNotifier() (*Notifier, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, errors.Wrap(err, "transport: eventfd")
	}
	return &Notifier{fd: fd}, nil
}

// FD returns the underlying file descriptor, for epoll registration.
func (n *Notifier) FD() int { return n.fd }

// Kick wakes up any epoll_wait blocked on this notifier's fd.
func (n *Notifier) Kick() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(n.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return errors.Wrap(err, "transport: eventfd write")
}

// Drain consumes the pending wakeup count so the eventfd stops
// reporting readiness until the next Kick.
func (n *Notifier) Drain() error {
	var buf [8]byte
	_, err := unix.Read(n.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return nil
	}
	return errors.Wrap(err, "transport: eventfd read")
}

// Close releases the eventfd.
func (n *Notifier) Close() error { return unix.Close(n.fd) }

// EventLoop is the single cooperative epoll loop a SubTimeslice
// Sender (or any other single-threaded AM endpoint) runs its whole
// lifetime on (spec §4.3 "single cooperative worker thread per
// process"). Connections and the wakeup notifier are registered once;
// Wait blocks until something is ready or the timeout elapses.
type EventLoop struct {
	epfd     int
	notifier *Notifier
}

// NewEventLoop creates an epoll instance and registers notifier for
// level-triggered read readiness.
func NewEventLoop(notifier *Notifier) (*EventLoop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "transport: epoll_create1")
	}
	l := &EventLoop{epfd: epfd, notifier: notifier}
	if err := l.addFD(notifier.FD()); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

func (l *EventLoop) addFD(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	return errors.Wrap(unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev), "transport: epoll_ctl add")
}

func (l *EventLoop) removeFD(fd int) error {
	return errors.Wrap(unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil), "transport: epoll_ctl del")
}

// RawFD extracts the underlying file descriptor from a net.Conn
// (normally a *net.TCPConn), for epoll registration.
func RawFD(c net.Conn) (int, error) {
	sc, ok := c.(interface {
		SyscallConn() (syscall.RawConn, error)
	})
	if !ok {
		return 0, errors.New("transport: connection does not expose a raw fd")
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return 0, errors.Wrap(err, "transport: SyscallConn")
	}
	var fd int
	ctrlErr := rc.Control(func(f uintptr) { fd = int(f) })
	if ctrlErr != nil {
		return 0, errors.Wrap(ctrlErr, "transport: rawconn Control")
	}
	return fd, nil
}

// RegisterConn registers a connection's fd for read readiness.
func (l *EventLoop) RegisterConn(c net.Conn) (int, error) {
	fd, err := RawFD(c)
	if err != nil {
		return 0, err
	}
	return fd, l.addFD(fd)
}

// UnregisterFD removes a previously registered fd from the poll set,
// e.g. after a connection errors out and is being torn down.
func (l *EventLoop) UnregisterFD(fd int) error { return l.removeFD(fd) }

// Wait blocks until a registered fd is readable or timeout elapses,
// returning the ready fds (excluding the notifier) and whether the
// notifier itself fired. Matches the original's
// "epoll_wait(1000ms timeout)" tail of its per-iteration loop.
func (l *EventLoop) Wait(timeout time.Duration) (ready []int, notified bool, err error) {
	events := make([]unix.EpollEvent, 32)
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	if ms < 0 {
		ms = 0
	}
	n, err := unix.EpollWait(l.epfd, events, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "transport: epoll_wait")
	}
	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if fd == l.notifier.FD() {
			notified = true
			continue
		}
		ready = append(ready, fd)
	}
	return ready, notified, nil
}

// Close releases the epoll instance. It does not close the notifier
// or any registered connections.
func (l *EventLoop) Close() error { return unix.Close(l.epfd) }
