//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package tstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making [*DialFunc] depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Connect starts a nonblocking TCP connect to remote.
//
// The network argument must be "tcp", "tcp4" or "tcp6" and is used for
// logging. The address family is chosen from remote.
//
// The returned op completes with a [*SocketStream] owning the connected fd.
// Abandoning the op closes the socket.
func Connect(cfg *Config, network string, remote netip.AddrPort, logger SLogger) *Op[*SocketStream] {
	domain, sa := sockaddrFromAddrPort(remote)
	return connectSockaddr(cfg, domain, sa, network, remote.String(), logger)
}

// ConnectUnix is like [Connect] but for a unix-domain stream socket at path.
func ConnectUnix(cfg *Config, path string, logger SLogger) *Op[*SocketStream] {
	return connectSockaddr(cfg, unix.AF_UNIX, &unix.SockaddrUnix{Name: path}, "unix", path, logger)
}

// connector drives a single nonblocking connect.
type connector struct {
	address  string
	cfg      *Config
	fd       int
	logger   SLogger
	network  string
	oldFlags int
	op       *Op[*SocketStream]
	sa       unix.Sockaddr
	t0       time.Time
	watch    FDWatch
}

func connectSockaddr(cfg *Config, domain int, sa unix.Sockaddr,
	network, address string, logger SLogger) *Op[*SocketStream] {
	c := &connector{
		address: address,
		cfg:     cfg,
		fd:      -1,
		logger:  logger,
		network: network,
		op:      NewOp[*SocketStream](cfg.Driver),
		sa:      sa,
		t0:      cfg.TimeNow(),
	}
	c.logConnectStart()
	c.op.Suspend()
	c.op.SetCleanup(c.release)

	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		c.finishLater(transportError("socket", err))
		return c.op
	}
	c.fd = fd
	oldFlags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		c.finishLater(transportError("fcntl", err))
		return c.op
	}
	c.oldFlags = oldFlags
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, oldFlags|unix.O_NONBLOCK); err != nil {
		c.finishLater(transportError("fcntl", err))
		return c.op
	}

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		c.finishLater(nil)
	case !isConnectInProgress(err):
		c.finishLater(transportError("connect", err))
	default:
		watch, err := cfg.Driver.Watch(fd, EventRead|EventWrite, c.onReady)
		if err != nil {
			c.finishLater(err)
			return c.op
		}
		c.watch = watch
	}
	return c.op
}

// onReady applies the Stevens heuristic: writable alone means connected,
// readable and writable means the connect must be retried to learn the error.
func (c *connector) onReady(ev IOEvents) {
	if ev == EventWrite {
		c.finish(nil)
		return
	}
	err := unix.Connect(c.fd, c.sa)
	switch {
	case err == nil || errors.Is(err, unix.EISCONN):
		c.finish(nil)
	case isConnectInProgress(err):
		// spurious wakeup
	default:
		c.finish(transportError("connect", err))
	}
}

func (c *connector) finishLater(err error) {
	c.cfg.Driver.Schedule(func() {
		if c.op.InProgress() {
			c.finish(err)
		}
	})
}

func (c *connector) finish(err error) {
	if c.watch != nil {
		c.watch.Close()
		c.watch = nil
	}
	if c.fd >= 0 && err == nil {
		if _, ferr := unix.FcntlInt(uintptr(c.fd), unix.F_SETFL, c.oldFlags); ferr != nil {
			err = transportError("fcntl", ferr)
		}
	}
	var stream *SocketStream
	if err == nil {
		stream, err = NewSocketStream(c.cfg, c.fd, c.logger)
	}
	if err == nil {
		c.fd = -1 // now owned by stream
	}
	c.logConnectDone(stream, err)
	if err != nil {
		c.op.Fail(err)
		return
	}
	c.op.Complete(stream)
}

// release runs when the op leaves the in-progress states and closes the
// fd unless ownership moved to a stream.
func (c *connector) release() {
	if c.watch != nil {
		c.watch.Close()
		c.watch = nil
	}
	if c.fd >= 0 {
		unix.Close(c.fd)
		c.fd = -1
	}
}

func (c *connector) logConnectStart() {
	c.logger.Info(
		"connectStart",
		slog.String("protocol", c.network),
		slog.String("remoteAddr", c.address),
		slog.Time("t", c.t0),
	)
}

func (c *connector) logConnectDone(stream *SocketStream, err error) {
	var laddr net.Addr
	var streamID string
	if stream != nil {
		laddr = stream.LocalAddr()
		streamID = stream.ID()
	}
	c.logger.Info(
		"connectDone",
		slog.Any("err", err),
		slog.String("errClass", c.cfg.ErrClassifier.Classify(err)),
		slog.String("localAddr", addrString(laddr)),
		slog.String("protocol", c.network),
		slog.String("remoteAddr", c.address),
		slog.String("streamID", streamID),
		slog.Time("t0", c.t0),
		slog.Time("t", c.cfg.TimeNow()),
	)
}

// NewConnectFunc returns a new [*ConnectFunc].
//
// The cfg argument contains the common configuration for tstream operations.
//
// The network argument must be "tcp", "tcp4" or "tcp6".
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnectFunc(cfg *Config, network string, logger SLogger) *ConnectFunc {
	return &ConnectFunc{Config: cfg, Logger: logger, Network: network}
}

// ConnectFunc connects to a [netip.AddrPort] using [Connect] and [Await].
//
// Returns either a valid [*SocketStream] or an error, never both.
//
// All fields are safe to modify after construction but before first use.
type ConnectFunc struct {
	// Config is the [*Config] whose Driver runs the connect.
	//
	// Set by [NewConnectFunc] to the user-provided value.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewConnectFunc] to the user-provided logger.
	Logger SLogger

	// Network is the network to use.
	//
	// Set by [NewConnectFunc] to the user-provided value.
	Network string
}

var _ Func[netip.AddrPort, *SocketStream] = &ConnectFunc{}

// Call invokes the [*ConnectFunc] to connect to the given [netip.AddrPort].
func (op *ConnectFunc) Call(ctx context.Context, address netip.AddrPort) (*SocketStream, error) {
	return Await(ctx, op.Config.Driver, Connect(op.Config, op.Network, address, op.Logger))
}

// NewDialFunc returns a new [*DialFunc] using [Config.Dialer].
func NewDialFunc(cfg *Config, network string, logger SLogger) *DialFunc {
	return &DialFunc{
		Config:  cfg,
		Dialer:  cfg.Dialer,
		Logger:  logger,
		Network: network,
	}
}

// DialFunc dials using a blocking [Dialer] and adopts the resulting
// connection into a [*SocketStream] using [AdoptConn].
//
// Use it when the connection must be established by code outside this
// package, e.g., a dialer applying socket options or proxying.
type DialFunc struct {
	// Config is the [*Config] the adopted stream is bound to.
	Config *Config

	// Dialer is the [Dialer] to use.
	//
	// Set by [NewDialFunc] from [Config.Dialer].
	Dialer Dialer

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Network is the network to use (e.g., "tcp").
	Network string
}

var _ Func[netip.AddrPort, *SocketStream] = &DialFunc{}

// Call implements [Func].
func (op *DialFunc) Call(ctx context.Context, address netip.AddrPort) (*SocketStream, error) {
	t0 := op.Config.TimeNow()
	deadline, _ := ctx.Deadline()
	op.Logger.Info(
		"connectStart",
		slog.Time("deadline", deadline),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address.String()),
		slog.Time("t", t0),
	)
	conn, err := op.Dialer.DialContext(ctx, op.Network, address.String())
	op.Logger.Info(
		"connectDone",
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", op.Config.ErrClassifier.Classify(err)),
		slog.String("protocol", op.Network),
		slog.String("remoteAddr", address.String()),
		slog.Time("t0", t0),
		slog.Time("t", op.Config.TimeNow()),
	)
	if err != nil {
		return nil, err
	}
	stream, err := AdoptConn(op.Config, conn, op.Logger)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return stream, nil
}
