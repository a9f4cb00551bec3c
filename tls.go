//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package tstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new client [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSServerEngine is the engine to create a new server [TLSConn].
type TLSServerEngine interface {
	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string
}

// TLSEngineStdlib implements [TLSEngine] and [TLSServerEngine] for the
// standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var (
	_ TLSEngine       = TLSEngineStdlib{}
	_ TLSServerEngine = TLSEngineStdlib{}
)

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSServerEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

const (
	// tlsMaxPlaintext is the plaintext handed to the TLS library per call.
	tlsMaxPlaintext = 16 * 1024

	// tlsCipherBufferSize is the size of a single read from the plain stream.
	tlsCipherBufferSize = 16*1024 + 2048

	// tlsWriteBufferLimit bounds the write-back buffer. A write waits for
	// the pending flush while the buffer is at or above this size.
	tlsWriteBufferLimit = 64 * 1024
)

// tlsState is the state of a [*TLSStream].
type tlsState int

const (
	tlsIdle tlsState = iota
	tlsHandshaking
	tlsEstablished
	tlsClosing
	tlsClosed
	tlsFailed
)

// tlsTask is the blocking library call the worker is executing.
type tlsTask int

const (
	tlsTaskNone tlsTask = iota
	tlsTaskHandshake
	tlsTaskRecv
)

// TLSStream is a [ByteStream] carrying TLS over another [ByteStream].
//
// Create it with [TLSConnect] or [TLSAccept]. Fatal TLS and transport
// errors are sticky: once recorded, every operation fails with that error
// without attempting any I/O.
//
// Disconnect sends close_notify and flushes it but does not disconnect the
// wrapped stream, which remains owned by the caller.
//
// Reads run the TLS library on a helper goroutine that parks while waiting
// for ciphertext. It exits on Disconnect, on any sticky error and once the
// wrapped stream reports EOF. A stream dropped without Disconnect while a
// read waits on a wrapped stream that never delivers keeps it parked.
type TLSStream struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	backlog        pendingBuffer
	bridge         *tlsBridge
	cipherBuf      []byte
	config         *tls.Config
	conn           TLSConn
	disconnect     *Op[Unit]
	err            error
	flushScheduled bool
	flushing       *Op[int]
	handshake      *Op[*TLSStream]
	hsEngine       string
	hsParrot       string
	hsT0           time.Time
	id             string
	plain          ByteStream
	plainRead      *Op[int]
	reactor        Reactor
	readVec        IOVec
	reads          opSlot[int]
	recvBuf        []byte
	state          tlsState
	task           tlsTask
	taskErr        error
	taskN          int
	worker         *tlsWorker
	writeVec       IOVec
	writes         opSlot[int]
	written        int
}

var _ ByteStream = &TLSStream{}

// TLSConnect performs a client TLS handshake over plain using
// [Config.TLSEngine] and completes with the established [*TLSStream].
//
// Abandoning the op (or its deadline expiring) aborts the handshake.
func TLSConnect(cfg *Config, plain ByteStream, tlsConfig *tls.Config, logger SLogger) *Op[*TLSStream] {
	s, config := newTLSStream(cfg, plain, tlsConfig, logger)
	s.conn = cfg.TLSEngine.Client(s.bridge, config)
	return s.startHandshake(cfg.TLSEngine.Name(), cfg.TLSEngine.Parrot())
}

// TLSAccept is like [TLSConnect] but performs the server handshake using
// [Config.TLSServerEngine].
func TLSAccept(cfg *Config, plain ByteStream, tlsConfig *tls.Config, logger SLogger) *Op[*TLSStream] {
	s, config := newTLSStream(cfg, plain, tlsConfig, logger)
	s.conn = cfg.TLSServerEngine.Server(s.bridge, config)
	return s.startHandshake(cfg.TLSServerEngine.Name(), "")
}

func newTLSStream(cfg *Config, plain ByteStream,
	tlsConfig *tls.Config, logger SLogger) (*TLSStream, *tls.Config) {
	runtimex.Assert(tlsConfig != nil)
	config := tlsConfig.Clone()
	config.Time = cfg.TimeNow
	worker := newTLSWorker()
	laddr, raddr := streamAddrs(plain)
	s := &TLSStream{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		bridge:        &tlsBridge{laddr: laddr, raddr: raddr, worker: worker},
		cipherBuf:     make([]byte, tlsCipherBufferSize),
		config:        config,
		id:            NewSpanID(),
		plain:         plain,
		reactor:       cfg.Driver,
		recvBuf:       make([]byte, tlsMaxPlaintext),
		state:         tlsIdle,
		worker:        worker,
	}
	return s, config
}

// ID returns the span ID identifying this stream in logs.
func (s *TLSStream) ID() string {
	return s.id
}

// LocalAddr returns the local address of the wrapped stream, if known.
func (s *TLSStream) LocalAddr() net.Addr {
	return s.bridge.laddr
}

// RemoteAddr returns the remote address of the wrapped stream, if known.
func (s *TLSStream) RemoteAddr() net.Addr {
	return s.bridge.raddr
}

// ConnectionState returns the TLS connection state.
func (s *TLSStream) ConnectionState() tls.ConnectionState {
	return s.conn.ConnectionState()
}

func (s *TLSStream) startHandshake(engineName, parrot string) *Op[*TLSStream] {
	op := NewOp[*TLSStream](s.reactor)
	op.Suspend()
	op.SetCleanup(func() {
		s.handshake = nil
		if s.state == tlsHandshaking {
			s.abort(newError(KindTransport, "tls handshake", ErrNotConnected))
		}
	})
	s.handshake = op
	s.state = tlsHandshaking
	s.hsEngine, s.hsParrot, s.hsT0 = engineName, parrot, s.TimeNow()
	s.logHandshakeStart()
	s.reactor.Schedule(func() {
		if !op.InProgress() {
			return
		}
		s.task = tlsTaskHandshake
		done := s.worker.start(func() {
			s.taskErr = s.conn.HandshakeContext(context.Background())
		})
		s.afterYield(done)
	})
	return op
}

// PendingBytes implements [ByteStream]. It returns the decrypted bytes
// that can be read without touching the wrapped stream.
func (s *TLSStream) PendingBytes() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.state != tlsEstablished {
		return 0, newError(KindTransport, "pending", ErrNotConnected)
	}
	return s.backlog.Len(), nil
}

// ReadVectored implements [ByteStream].
func (s *TLSStream) ReadVectored(vec IOVec) *Op[int] {
	if s.err != nil {
		return postError[int](s.reactor, s.err)
	}
	if s.state != tlsEstablished {
		return postError[int](s.reactor, newError(KindTransport, "tls read", ErrNotConnected))
	}
	if s.reads.busy() {
		return rejectBusy[int](s.reactor, "tls read")
	}
	op := NewOp[int](s.reactor)
	s.readVec = vec.Clone()
	if len(s.readVec) == 0 {
		op.Post(0)
		return op
	}
	s.reads.take(op, func() { s.readVec = nil })
	s.reactor.Schedule(s.retry)
	return op
}

// WriteVectored implements [ByteStream]. It completes once the resulting
// records have been written to the wrapped stream.
func (s *TLSStream) WriteVectored(vec IOVec) *Op[int] {
	if s.err != nil {
		return postError[int](s.reactor, s.err)
	}
	if s.state != tlsEstablished {
		return postError[int](s.reactor, newError(KindTransport, "tls write", ErrNotConnected))
	}
	if s.writes.busy() {
		return rejectBusy[int](s.reactor, "tls write")
	}
	op := NewOp[int](s.reactor)
	s.writeVec = vec.Clone()
	s.written = 0
	if len(s.writeVec) == 0 {
		op.Post(0)
		return op
	}
	s.writes.take(op, func() { s.writeVec = nil })
	s.reactor.Schedule(s.retry)
	return op
}

// Disconnect implements [ByteStream]. It sends close_notify, waits for it
// to be flushed, and leaves the wrapped stream connected.
func (s *TLSStream) Disconnect() *Op[Unit] {
	if s.reads.busy() || s.writes.busy() {
		return rejectBusy[Unit](s.reactor, "tls disconnect")
	}
	s.stopWorker()
	if s.err != nil {
		return postError[Unit](s.reactor, s.err)
	}
	if s.state != tlsEstablished {
		return postError[Unit](s.reactor, newError(KindTransport, "tls disconnect", ErrNotConnected))
	}
	t0 := s.TimeNow()
	s.state = tlsClosing
	err := s.conn.Close()
	s.logDisconnect(t0, err)
	op := NewOp[Unit](s.reactor)
	op.Suspend()
	op.SetCleanup(func() {
		s.disconnect = nil
		if s.state == tlsClosing {
			s.state = tlsClosed
		}
	})
	s.disconnect = op
	s.scheduleFlush()
	s.reactor.Schedule(s.retry)
	return op
}

// retry redrives whichever operation is pending.
func (s *TLSStream) retry() {
	if s.err != nil {
		s.failPending()
		return
	}
	switch s.state {
	case tlsEstablished:
		s.serveRead()
		s.pumpWrite()
	case tlsClosing:
		if s.disconnect != nil && s.bridge.out.Len() == 0 && s.flushing == nil {
			s.state = tlsClosed
			s.disconnect.Complete(Unit{})
		}
	}
}

func (s *TLSStream) serveRead() {
	if !s.reads.busy() {
		return
	}
	if s.backlog.Len() > 0 {
		s.reads.op.Complete(s.backlog.Scatter(s.readVec))
		return
	}
	if s.task == tlsTaskNone {
		s.task = tlsTaskRecv
		done := s.worker.start(func() {
			s.taskN, s.taskErr = s.conn.Read(s.recvBuf)
		})
		s.afterYield(done)
	}
}

func (s *TLSStream) pumpWrite() {
	if !s.writes.busy() {
		return
	}
	for len(s.writeVec) > 0 {
		if s.bridge.out.Len() >= tlsWriteBufferLimit {
			s.scheduleFlush()
			return
		}
		chunk := s.writeVec.Gather(tlsMaxPlaintext)
		n, err := s.conn.Write(chunk)
		s.written += n
		s.writeVec = s.writeVec.Advance(n)
		if err != nil {
			s.setErr(newError(KindSecurity, "tls write", err))
			return
		}
	}
	if s.bridge.out.Len() > 0 || s.flushing != nil {
		s.scheduleFlush()
		return
	}
	s.writes.op.Complete(s.written)
}

// afterYield runs on the reactor goroutine each time the worker yields.
func (s *TLSStream) afterYield(done bool) {
	s.scheduleFlush()
	if done {
		s.taskDone()
		return
	}
	if s.bridge.wantRead && s.plainRead == nil {
		s.startPlainRead()
	}
}

func (s *TLSStream) startPlainRead() {
	s.plainRead = s.plain.ReadVectored(IOVec{s.cipherBuf})
	s.plainRead.Then(func(n int, err error) {
		s.plainRead = nil
		s.bridge.wantRead = false
		switch {
		case errors.Is(err, ErrConnectionClosed):
			s.bridge.readErr = io.EOF
		case err != nil:
			s.bridge.readErr = err
		default:
			s.bridge.backlog.Append(s.cipherBuf[:n])
		}
		if s.worker.parked {
			s.afterYield(s.worker.resume())
		}
	})
}

func (s *TLSStream) taskDone() {
	task := s.task
	s.task = tlsTaskNone
	switch task {
	case tlsTaskHandshake:
		err := s.taskErr
		s.logHandshakeDone(err)
		if err != nil {
			s.setErr(newError(KindSecurity, "tls handshake", err))
			return
		}
		s.state = tlsEstablished
		if s.handshake != nil {
			s.handshake.Complete(s)
		}

	case tlsTaskRecv:
		n, err := s.taskN, s.taskErr
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.setErr(newError(KindTransport, "tls read", ErrConnectionClosed))
			return
		case err != nil:
			s.setErr(newError(KindSecurity, "tls read", err))
			return
		}
		s.backlog.Append(s.recvBuf[:n])
		s.retry()
	}
}

func (s *TLSStream) scheduleFlush() {
	if s.flushScheduled || s.flushing != nil || s.bridge.out.Len() == 0 {
		return
	}
	s.flushScheduled = true
	s.reactor.Schedule(s.flush)
}

// flush writes the whole write-back buffer, coalescing the records
// produced since the previous flush into a single write.
func (s *TLSStream) flush() {
	s.flushScheduled = false
	if s.err != nil || s.flushing != nil || s.bridge.out.Len() == 0 {
		return
	}
	data := bytes.Clone(s.bridge.out.Bytes())
	s.bridge.out.Reset()
	s.flushing = s.plain.WriteVectored(IOVec{data})
	s.flushing.Then(func(_ int, err error) {
		s.flushing = nil
		if err != nil {
			s.setErr(err)
			return
		}
		s.scheduleFlush()
		s.retry()
	})
}

// setErr records the sticky error and fails every pending operation.
func (s *TLSStream) setErr(err error) {
	if s.err == nil {
		s.err = err
		s.state = tlsFailed
		s.stopWorker()
		if s.flushing != nil {
			s.flushing.Abandon()
			s.flushing = nil
		}
	}
	s.failPending()
}

// abort stops a handshake the caller is no longer interested in.
func (s *TLSStream) abort(err error) {
	s.setErr(err)
	s.logHandshakeDone(err)
}

func (s *TLSStream) failPending() {
	if s.handshake != nil {
		s.handshake.Fail(s.err)
	}
	if s.reads.busy() {
		s.reads.op.Fail(s.err)
	}
	if s.writes.busy() {
		s.writes.op.Fail(s.err)
	}
	if s.disconnect != nil {
		s.disconnect.Fail(s.err)
	}
}

// stopWorker terminates a parked library call and abandons the read it
// was waiting for, leaving the wrapped stream idle.
func (s *TLSStream) stopWorker() {
	s.worker.stop()
	s.task = tlsTaskNone
	if s.plainRead != nil {
		s.plainRead.Abandon()
		s.plainRead = nil
	}
}

func (s *TLSStream) logHandshakeStart() {
	s.Logger.Info(
		"tlsHandshakeStart",
		slog.String("localAddr", safeconn.LocalAddr(s.bridge)),
		slog.String("protocol", safeconn.Network(s.bridge)),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.bridge)),
		slog.String("streamID", s.id),
		slog.Time("t", s.hsT0),
		slog.String("tlsEngineName", s.hsEngine),
		slog.String("tlsParrot", s.hsParrot),
		slog.Any("tlsOfferedProtocols", s.config.NextProtos),
		slog.String("tlsServerName", s.config.ServerName),
		slog.Bool("tlsSkipVerify", s.config.InsecureSkipVerify),
	)
}

func (s *TLSStream) logHandshakeDone(err error) {
	state := s.conn.ConnectionState()
	s.Logger.Info(
		"tlsHandshakeDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(s.bridge)),
		slog.String("protocol", safeconn.Network(s.bridge)),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.bridge)),
		slog.String("streamID", s.id),
		slog.Time("t0", s.hsT0),
		slog.Time("t", s.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", s.hsEngine),
		slog.String("tlsParrot", s.hsParrot),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", s.config.NextProtos),
		slog.Any("tlsPeerCerts", peerCerts(state, err)),
		slog.String("tlsServerName", s.config.ServerName),
		slog.Bool("tlsSkipVerify", s.config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func (s *TLSStream) logDisconnect(t0 time.Time, err error) {
	s.Logger.Info(
		"disconnectDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(s.bridge)),
		slog.String("protocol", "tls"),
		slog.String("remoteAddr", safeconn.RemoteAddr(s.bridge)),
		slog.String("streamID", s.id),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
}

func peerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	// 1. Check whether the error is a known certificate error and extract
	// the certificate using `errors.As` for additional robustness.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	// 2. Otherwise extract certificates from the connection state.
	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}

// NewTLSHandshakeFunc returns a new [*TLSHandshakeFunc] using the given [*tls.Config].
//
// The cfg argument contains the common configuration for tstream operations.
//
// The tlsConfig argument is the TLS configuration to use.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSHandshakeFunc(cfg *Config, tlsConfig *tls.Config, logger SLogger) *TLSHandshakeFunc {
	runtimex.Assert(tlsConfig != nil)
	return &TLSHandshakeFunc{Config: cfg, Logger: logger, TLSConfig: tlsConfig}
}

// TLSHandshakeFunc performs a client TLS handshake over a [ByteStream].
//
// Returns either a valid [*TLSStream] or an error, never both. On error
// the input stream is disconnected.
//
// All fields are safe to modify after construction but before first use.
type TLSHandshakeFunc struct {
	// Config is the [*Config] providing the driver and the [TLSEngine].
	//
	// Set by [NewTLSHandshakeFunc] to the user-provided value.
	Config *Config

	// Logger is the [SLogger] to use.
	//
	// Set by [NewTLSHandshakeFunc] to the user-provided logger.
	Logger SLogger

	// TLSConfig contains the [*tls.Config] configuration to use.
	//
	// Set by [NewTLSHandshakeFunc] to the user-provided [*tls.Config] pointer.
	TLSConfig *tls.Config
}

var _ Func[ByteStream, *TLSStream] = &TLSHandshakeFunc{}

// Call invokes the [*TLSHandshakeFunc] to create a [*TLSStream] from a [ByteStream].
func (op *TLSHandshakeFunc) Call(ctx context.Context, plain ByteStream) (*TLSStream, error) {
	driver := op.Config.Driver
	stream, err := Await(ctx, driver, TLSConnect(op.Config, plain, op.TLSConfig, op.Logger))
	if err != nil {
		_, _ = Await(context.Background(), driver, plain.Disconnect())
		return nil, err
	}
	return stream, nil
}
