// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"github.com/bassosimone/safeconn"
	"golang.org/x/sys/unix"
)

// maxIOV is the maximum number of buffers passed to a single readv/writev.
const maxIOV = 1024

// SocketStream is a [ByteStream] backed by a nonblocking socket.
//
// Each readiness notification performs exactly one readv or writev. With
// [*SocketStream.SetOptimisticIO] enabled, an operation first attempts one
// synchronous syscall before registering for readiness.
//
// The stream owns the fd: Disconnect closes it.
type SocketStream struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by the constructor from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by the constructor to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by the constructor from [Config.TimeNow].
	TimeNow func() time.Time

	fd         int
	id         string
	laddr      net.Addr
	optimistic bool
	raddr      net.Addr
	reactor    Reactor
	readVec    IOVec
	reads      opSlot[int]
	watch      FDWatch
	writeVec   IOVec
	writes     opSlot[int]
	written    int
}

var _ ByteStream = &SocketStream{}

// NewSocketStream wraps an existing connected stream socket.
//
// The fd is switched to nonblocking mode and owned by the returned stream.
// On error the fd is left untouched.
func NewSocketStream(cfg *Config, fd int, logger SLogger) (*SocketStream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, transportError("setnonblock", err)
	}
	s := &SocketStream{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		fd:            fd,
		id:            NewSpanID(),
		reactor:       cfg.Driver,
	}
	watch, err := cfg.Driver.Watch(fd, 0, s.onReady)
	if err != nil {
		return nil, err
	}
	s.watch = watch
	s.laddr, s.raddr = socketAddrs(fd)
	return s, nil
}

// NewSocketPair returns two connected [*SocketStream] built on socketpair(2).
func NewSocketPair(cfg *Config, logger SLogger) (*SocketStream, *SocketStream, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, transportError("socketpair", err)
	}
	left, err := NewSocketStream(cfg, fds[0], logger)
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	right, err := NewSocketStream(cfg, fds[1], logger)
	if err != nil {
		left.closeFD()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return left, right, nil
}

// AdoptConn converts a [net.Conn] exposing its fd through [syscall.Conn]
// into a [*SocketStream]. The fd is duplicated and conn is closed, so the
// returned stream is the sole owner of the connection.
func AdoptConn(cfg *Config, conn net.Conn, logger SLogger) (*SocketStream, error) {
	t0 := cfg.TimeNow()
	s, err := adoptConn(cfg, conn, logger)
	logger.Info(
		"adoptConn",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(conn)),
		slog.String("protocol", safeconn.Network(conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
	return s, err
}

func adoptConn(cfg *Config, conn net.Conn, logger SLogger) (*SocketStream, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return nil, fmt.Errorf("adopt %T: %w", conn, errors.ErrUnsupported)
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return nil, transportError("syscallconn", err)
	}
	newfd := -1
	var dupErr error
	if err := rc.Control(func(fd uintptr) {
		newfd, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return nil, transportError("control", err)
	}
	if dupErr != nil {
		return nil, transportError("dup", dupErr)
	}
	s, err := NewSocketStream(cfg, newfd, logger)
	if err != nil {
		unix.Close(newfd)
		return nil, err
	}
	conn.Close()
	return s, nil
}

// ID returns the span ID identifying this stream in logs.
func (s *SocketStream) ID() string {
	return s.id
}

// FD returns the underlying fd or -1 after Disconnect.
func (s *SocketStream) FD() int {
	return s.fd
}

// LocalAddr returns the local address, if known.
func (s *SocketStream) LocalAddr() net.Addr {
	return s.laddr
}

// RemoteAddr returns the remote address, if known.
func (s *SocketStream) RemoteAddr() net.Addr {
	return s.raddr
}

// SetOptimisticIO toggles the synchronous attempt made before waiting for
// readiness and returns the previous setting. Enable it only around call
// sites that expect data to be immediately available, since doing it on
// every call can starve the other streams served by the same reactor.
func (s *SocketStream) SetOptimisticIO(on bool) bool {
	old := s.optimistic
	s.optimistic = on
	return old
}

// PendingBytes implements [ByteStream].
func (s *SocketStream) PendingBytes() (int, error) {
	if s.fd < 0 {
		return 0, newError(KindTransport, "pending", ErrNotConnected)
	}
	n, err := unix.IoctlGetInt(s.fd, unix.SIOCINQ)
	if err != nil {
		return 0, transportError("ioctl", err)
	}
	return n, nil
}

// ReadVectored implements [ByteStream].
func (s *SocketStream) ReadVectored(vec IOVec) *Op[int] {
	if s.fd < 0 {
		return postError[int](s.reactor, newError(KindTransport, "readv", ErrNotConnected))
	}
	if s.reads.busy() {
		return rejectBusy[int](s.reactor, "readv")
	}
	op := NewOp[int](s.reactor)
	s.readVec = vec.Clone()
	if len(s.readVec) == 0 {
		op.Post(0)
		return op
	}
	s.reads.take(op, func() {
		s.readVec = nil
		s.updateEvents()
	})
	if s.optimistic {
		if n, err, ready := s.readOnce(); ready {
			s.post(op, n, err)
			return op
		}
	}
	s.updateEvents()
	return op
}

// WriteVectored implements [ByteStream].
func (s *SocketStream) WriteVectored(vec IOVec) *Op[int] {
	if s.fd < 0 {
		return postError[int](s.reactor, newError(KindTransport, "writev", ErrNotConnected))
	}
	if s.writes.busy() {
		return rejectBusy[int](s.reactor, "writev")
	}
	op := NewOp[int](s.reactor)
	s.writeVec = vec.Clone()
	s.written = 0
	if len(s.writeVec) == 0 {
		op.Post(0)
		return op
	}
	s.writes.take(op, func() {
		s.writeVec = nil
		s.updateEvents()
	})
	if s.optimistic {
		if n, err, ready := s.writeOnce(); ready {
			s.post(op, n, err)
			return op
		}
	}
	s.updateEvents()
	return op
}

// Disconnect implements [ByteStream]. It closes the fd.
func (s *SocketStream) Disconnect() *Op[Unit] {
	if s.fd < 0 {
		return postError[Unit](s.reactor, newError(KindTransport, "disconnect", ErrNotConnected))
	}
	if s.reads.busy() || s.writes.busy() {
		return rejectBusy[Unit](s.reactor, "disconnect")
	}
	t0 := s.TimeNow()
	err := s.closeFD()
	s.Logger.Info(
		"disconnectDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", addrString(s.laddr)),
		slog.String("protocol", addrNetwork(s.laddr)),
		slog.String("remoteAddr", addrString(s.raddr)),
		slog.String("streamID", s.id),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
	if err != nil {
		return postError[Unit](s.reactor, err)
	}
	return postValue(s.reactor, Unit{})
}

func (s *SocketStream) closeFD() error {
	if s.watch != nil {
		s.watch.Close()
		s.watch = nil
	}
	fd := s.fd
	s.fd = -1
	if err := unix.Close(fd); err != nil {
		return transportError("close", err)
	}
	return nil
}

func (s *SocketStream) updateEvents() {
	if s.watch == nil {
		return
	}
	var ev IOEvents
	if s.reads.busy() {
		ev |= EventRead
	}
	if s.writes.busy() {
		ev |= EventWrite
	}
	s.watch.SetEvents(ev)
}

func (s *SocketStream) onReady(ev IOEvents) {
	if ev&EventRead != 0 && s.reads.busy() {
		op := s.reads.op
		if n, err, ready := s.readOnce(); ready {
			s.complete(op, n, err)
		}
	}
	// The read continuation may have disconnected the stream.
	if ev&EventWrite != 0 && s.writes.busy() && s.fd >= 0 {
		op := s.writes.op
		if n, err, ready := s.writeOnce(); ready {
			s.complete(op, n, err)
		}
	}
}

// readOnce performs one readv. The ready result is false when the
// syscall would block and the read must wait for the next notification.
func (s *SocketStream) readOnce() (n int, err error, ready bool) {
	vec := s.readVec[:min(len(s.readVec), maxIOV)]
	n, err = unix.Readv(s.fd, vec)
	switch {
	case isRetryable(err):
		return 0, nil, false
	case err != nil:
		return 0, transportError("readv", err), true
	case n == 0:
		return 0, newError(KindTransport, "readv", ErrConnectionClosed), true
	default:
		return n, nil, true
	}
}

// writeOnce performs one writev and trims the pending vector. The ready
// result is true when the write completed or failed.
func (s *SocketStream) writeOnce() (n int, err error, ready bool) {
	vec := s.writeVec[:min(len(s.writeVec), maxIOV)]
	n, err = unix.Writev(s.fd, vec)
	switch {
	case isRetryable(err):
		return 0, nil, false
	case err != nil:
		return 0, transportError("writev", err), true
	case n == 0:
		return 0, newError(KindTransport, "writev", ErrConnectionClosed), true
	}
	s.written += n
	s.writeVec = s.writeVec.Advance(n)
	if len(s.writeVec) > 0 {
		return 0, nil, false
	}
	return s.written, nil, true
}

func (s *SocketStream) complete(op *Op[int], n int, err error) {
	if err != nil {
		op.Fail(err)
		return
	}
	op.Complete(n)
}

func (s *SocketStream) post(op *Op[int], n int, err error) {
	if err != nil {
		op.PostFail(err)
		return
	}
	op.Post(n)
}
