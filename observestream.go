//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package tstream

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// NewObserveStreamFunc returns a new [*ObserveStreamFunc] with default logging.
//
// The cfg argument contains the common configuration.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveStreamFunc(cfg *Config, logger SLogger) *ObserveStreamFunc {
	return &ObserveStreamFunc{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveStreamFunc wraps a [ByteStream] to log its operations.
//
// Reads and writes are logged at debug level when they start and when
// they complete. Disconnect is logged at info level. Abandoned operations
// log nothing on completion.
//
// All fields are safe to modify after construction but before first use.
type ObserveStreamFunc struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveStreamFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewObserveStreamFunc] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewObserveStreamFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[ByteStream, ByteStream] = &ObserveStreamFunc{}

// Call implements [Func].
func (op *ObserveStreamFunc) Call(ctx context.Context, stream ByteStream) (ByteStream, error) {
	return NewObserveStream(op, stream), nil
}

// ObserveStream is a [ByteStream] logging the operations of the stream
// it wraps. Disconnect disconnects the wrapped stream.
//
// Events carry the span ID of the wrapped stream when it has one.
type ObserveStream struct {
	id    string
	inner ByteStream
	laddr string
	op    *ObserveStreamFunc
	raddr string
}

var _ ByteStream = &ObserveStream{}

// NewObserveStream wraps stream using the settings of op.
func NewObserveStream(op *ObserveStreamFunc, stream ByteStream) *ObserveStream {
	laddr, raddr := streamAddrs(stream)
	id := NewSpanID()
	if is, ok := stream.(identifiedStream); ok {
		id = is.ID()
	}
	return &ObserveStream{
		id:    id,
		inner: stream,
		laddr: addrString(laddr),
		op:    op,
		raddr: addrString(raddr),
	}
}

// identifiedStream is implemented by streams tagged with a span ID.
type identifiedStream interface {
	ID() string
}

// ID returns the span ID appearing as streamID in the logs.
func (s *ObserveStream) ID() string {
	return s.id
}

// Unwrap returns the wrapped stream.
func (s *ObserveStream) Unwrap() ByteStream {
	return s.inner
}

// LocalAddr returns the local address of the wrapped stream.
func (s *ObserveStream) LocalAddr() net.Addr {
	laddr, _ := streamAddrs(s.inner)
	return laddr
}

// RemoteAddr returns the remote address of the wrapped stream.
func (s *ObserveStream) RemoteAddr() net.Addr {
	_, raddr := streamAddrs(s.inner)
	return raddr
}

// PendingBytes implements [ByteStream].
func (s *ObserveStream) PendingBytes() (int, error) {
	return s.inner.PendingBytes()
}

// ReadVectored implements [ByteStream].
func (s *ObserveStream) ReadVectored(vec IOVec) *Op[int] {
	return s.observeIO("read", vec.Len(), s.inner.ReadVectored(vec))
}

// WriteVectored implements [ByteStream].
func (s *ObserveStream) WriteVectored(vec IOVec) *Op[int] {
	return s.observeIO("write", vec.Len(), s.inner.WriteVectored(vec))
}

func (s *ObserveStream) observeIO(what string, size int, inner *Op[int]) *Op[int] {
	t0 := s.op.TimeNow()
	s.op.Logger.Debug(
		what+"Start",
		slog.Int("ioBufferSize", size),
		slog.String("localAddr", s.laddr),
		slog.String("remoteAddr", s.raddr),
		slog.String("streamID", s.id),
		slog.Time("t", t0),
	)
	return forward(inner.reactor, inner, func(count int, err error) {
		s.op.Logger.Debug(
			what+"Done",
			slog.Int("ioBytesCount", count),
			slog.Any("err", err),
			slog.String("errClass", s.op.ErrClassifier.Classify(err)),
			slog.String("localAddr", s.laddr),
			slog.String("remoteAddr", s.raddr),
			slog.String("streamID", s.id),
			slog.Time("t0", t0),
			slog.Time("t", s.op.TimeNow()),
		)
	})
}

// Disconnect implements [ByteStream].
func (s *ObserveStream) Disconnect() *Op[Unit] {
	t0 := s.op.TimeNow()
	s.op.Logger.Info(
		"closeStart",
		slog.String("localAddr", s.laddr),
		slog.String("remoteAddr", s.raddr),
		slog.String("streamID", s.id),
		slog.Time("t", t0),
	)
	inner := s.inner.Disconnect()
	return forward(inner.reactor, inner, func(_ Unit, err error) {
		s.op.Logger.Info(
			"closeDone",
			slog.Any("err", err),
			slog.String("errClass", s.op.ErrClassifier.Classify(err)),
			slog.String("localAddr", s.laddr),
			slog.String("remoteAddr", s.raddr),
			slog.String("streamID", s.id),
			slog.Time("t0", t0),
			slog.Time("t", s.op.TimeNow()),
		)
	})
}
