// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// maxDatagramSize is the receive buffer size used by [*DatagramSocket].
const maxDatagramSize = 1 << 16

// DatagramSocket is a [DatagramChannel] backed by a nonblocking UDP socket.
type DatagramSocket struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	fd       int
	id       string
	laddr    netip.AddrPort
	reactor  Reactor
	recvs    opSlot[Datagram]
	sendBuf  []byte
	sendDest unix.Sockaddr
	sends    opSlot[int]
	watch    FDWatch
}

var _ DatagramChannel = &DatagramSocket{}

// ListenUDP creates a [*DatagramSocket] bound to local. Use port zero to
// let the kernel pick an ephemeral port and [*DatagramSocket.LocalAddr]
// to discover it.
func ListenUDP(cfg *Config, local netip.AddrPort, logger SLogger) (*DatagramSocket, error) {
	domain, sa := sockaddrFromAddrPort(local)
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, transportError("socket", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, transportError("bind", err)
	}
	d := &DatagramSocket{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		fd:            fd,
		id:            NewSpanID(),
		reactor:       cfg.Driver,
	}
	if bound, err := unix.Getsockname(fd); err == nil {
		d.laddr = addrPortFromSockaddr(bound)
	}
	watch, err := cfg.Driver.Watch(fd, 0, d.onReady)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	d.watch = watch
	return d, nil
}

// LocalAddr returns the bound address.
func (d *DatagramSocket) LocalAddr() netip.AddrPort {
	return d.laddr
}

// PendingBytes implements [DatagramChannel].
func (d *DatagramSocket) PendingBytes() (int, error) {
	if d.fd < 0 {
		return 0, newError(KindTransport, "pending", ErrNotConnected)
	}
	n, err := unix.IoctlGetInt(d.fd, unix.SIOCINQ)
	if err != nil {
		return 0, transportError("ioctl", err)
	}
	return n, nil
}

// RecvFrom implements [DatagramChannel].
func (d *DatagramSocket) RecvFrom() *Op[Datagram] {
	if d.fd < 0 {
		return postError[Datagram](d.reactor, newError(KindTransport, "recvfrom", ErrNotConnected))
	}
	if d.recvs.busy() {
		return rejectBusy[Datagram](d.reactor, "recvfrom")
	}
	op := NewOp[Datagram](d.reactor)
	d.recvs.take(op, d.updateEvents)
	d.updateEvents()
	return op
}

// SendTo implements [DatagramChannel]. The payload is copied.
func (d *DatagramSocket) SendTo(p []byte, addr netip.AddrPort) *Op[int] {
	if d.fd < 0 {
		return postError[int](d.reactor, newError(KindTransport, "sendto", ErrNotConnected))
	}
	if d.sends.busy() {
		return rejectBusy[int](d.reactor, "sendto")
	}
	op := NewOp[int](d.reactor)
	_, d.sendDest = sockaddrFromAddrPort(addr)
	d.sendBuf = append([]byte(nil), p...)
	d.sends.take(op, func() {
		d.sendBuf, d.sendDest = nil, nil
		d.updateEvents()
	})
	d.updateEvents()
	return op
}

// Disconnect implements [DatagramChannel]. It closes the socket.
func (d *DatagramSocket) Disconnect() *Op[Unit] {
	if d.fd < 0 {
		return postError[Unit](d.reactor, newError(KindTransport, "disconnect", ErrNotConnected))
	}
	if d.recvs.busy() || d.sends.busy() {
		return rejectBusy[Unit](d.reactor, "disconnect")
	}
	t0 := d.TimeNow()
	d.watch.Close()
	d.watch = nil
	var err error
	if cerr := unix.Close(d.fd); cerr != nil {
		err = transportError("close", cerr)
	}
	d.fd = -1
	d.Logger.Info(
		"disconnectDone",
		slog.Any("err", err),
		slog.String("errClass", d.ErrClassifier.Classify(err)),
		slog.String("localAddr", d.laddr.String()),
		slog.String("protocol", "udp"),
		slog.String("streamID", d.id),
		slog.Time("t0", t0),
		slog.Time("t", d.TimeNow()),
	)
	if err != nil {
		return postError[Unit](d.reactor, err)
	}
	return postValue(d.reactor, Unit{})
}

func (d *DatagramSocket) updateEvents() {
	if d.watch == nil {
		return
	}
	var ev IOEvents
	if d.recvs.busy() {
		ev |= EventRead
	}
	if d.sends.busy() {
		ev |= EventWrite
	}
	d.watch.SetEvents(ev)
}

func (d *DatagramSocket) onReady(ev IOEvents) {
	if ev&EventRead != 0 && d.recvs.busy() {
		d.recvOnce()
	}
	if ev&EventWrite != 0 && d.sends.busy() && d.fd >= 0 {
		d.sendOnce()
	}
}

func (d *DatagramSocket) recvOnce() {
	op := d.recvs.op
	buf := make([]byte, maxDatagramSize)
	n, from, err := unix.Recvfrom(d.fd, buf, 0)
	switch {
	case isRetryable(err):
		return
	case err != nil:
		op.Fail(transportError("recvfrom", err))
	default:
		// A zero-length datagram is a valid message, not end of stream.
		op.Complete(Datagram{Data: buf[:n:n], Addr: addrPortFromSockaddr(from)})
	}
}

func (d *DatagramSocket) sendOnce() {
	op := d.sends.op
	size := len(d.sendBuf)
	err := unix.Sendto(d.fd, d.sendBuf, 0, d.sendDest)
	switch {
	case isRetryable(err):
		return
	case err != nil:
		op.Fail(transportError("sendto", err))
	default:
		op.Complete(size)
	}
}
