// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/runtimex"
)

// SecurityContext is a negotiated SASL/GSS security context.
//
// The context is owned by the caller. [*SecurityWrapStream] only calls it
// and never negotiates or disposes it.
type SecurityContext interface {
	// Wrap protects a plaintext of at most MaxInputSize bytes.
	Wrap(plaintext []byte) ([]byte, error)

	// Unwrap verifies (and decrypts) a wrapped buffer.
	Unwrap(wrapped []byte) ([]byte, error)

	// MaxInputSize is the largest plaintext accepted by Wrap.
	MaxInputSize() int

	// MaxWrappedSize is the largest wrapped buffer accepted by Unwrap.
	MaxWrappedSize() int
}

// secWrapHeaderSize is the size of the big-endian length prefix.
const secWrapHeaderSize = 4

// SecurityWrapStream is a [ByteStream] protecting its traffic with a
// [SecurityContext]. Every wrapped buffer travels as a 4-byte big-endian
// length followed by that many bytes.
//
// Writes are split into chunks of at most MaxInputSize bytes, each wrapped
// and written on its own. Reads unwrap one buffer at a time and keep the
// plaintext the caller did not ask for. Wrap, unwrap and transport errors
// are sticky.
//
// Disconnect does not disconnect the wrapped stream: the caller keeps
// owning it and must disconnect it separately.
type SecurityWrapStream struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	backlog    pendingBuffer
	closed     bool
	err        error
	id         string
	innerRead  *Op[[]byte]
	innerWrite *Op[int]
	plain      ByteStream
	reactor    Reactor
	readVec    IOVec
	reads      opSlot[int]
	sec        SecurityContext
	writeVec   IOVec
	writes     opSlot[int]
	written    int
}

var _ ByteStream = &SecurityWrapStream{}

// NewSecurityWrapStream wraps plain with sec.
func NewSecurityWrapStream(cfg *Config, plain ByteStream, sec SecurityContext, logger SLogger) *SecurityWrapStream {
	runtimex.Assert(sec.MaxInputSize() > 0)
	return &SecurityWrapStream{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		id:            NewSpanID(),
		plain:         plain,
		reactor:       cfg.Driver,
		sec:           sec,
	}
}

// ID returns the span ID identifying this stream in logs.
func (s *SecurityWrapStream) ID() string {
	return s.id
}

// PendingBytes implements [ByteStream]. It returns the unwrapped bytes
// that can be read without touching the wrapped stream.
func (s *SecurityWrapStream) PendingBytes() (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.closed {
		return 0, newError(KindTransport, "pending", ErrNotConnected)
	}
	return s.backlog.Len(), nil
}

// ReadVectored implements [ByteStream].
func (s *SecurityWrapStream) ReadVectored(vec IOVec) *Op[int] {
	if op := s.check("unwrap"); op != nil {
		return op
	}
	if s.reads.busy() {
		return rejectBusy[int](s.reactor, "unwrap")
	}
	op := NewOp[int](s.reactor)
	s.readVec = vec.Clone()
	if len(s.readVec) == 0 {
		op.Post(0)
		return op
	}
	s.reads.take(op, func() {
		s.readVec = nil
		if s.innerRead != nil {
			s.innerRead.Abandon()
			s.innerRead = nil
		}
	})
	if s.backlog.Len() > 0 {
		op.Post(s.backlog.Scatter(s.readVec))
		return op
	}
	s.readNext()
	return op
}

func (s *SecurityWrapStream) readNext() {
	more := lengthPrefixed(uint32(s.sec.MaxWrappedSize()), ErrMessageTooLarge)
	s.innerRead = ReadPDU(s.reactor, s.plain, secWrapHeaderSize, more)
	s.innerRead.Then(func(pdu []byte, err error) {
		s.innerRead = nil
		if err != nil {
			s.setErr(err)
			return
		}
		plaintext, err := s.sec.Unwrap(pdu[secWrapHeaderSize:])
		if err != nil {
			s.setErr(newError(KindSecurity, "unwrap", fmt.Errorf("%w: %w", ErrWrapFailed, err)))
			return
		}
		if len(plaintext) == 0 {
			s.readNext()
			return
		}
		s.backlog.Append(plaintext)
		s.reads.op.Complete(s.backlog.Scatter(s.readVec))
	})
}

// WriteVectored implements [ByteStream]. It completes with the number of
// plaintext bytes once every chunk has been written.
func (s *SecurityWrapStream) WriteVectored(vec IOVec) *Op[int] {
	if op := s.check("wrap"); op != nil {
		return op
	}
	if s.writes.busy() {
		return rejectBusy[int](s.reactor, "wrap")
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
		if s.innerWrite != nil {
			s.innerWrite.Abandon()
			s.innerWrite = nil
		}
	})
	s.reactor.Schedule(s.writeNext)
	return op
}

func (s *SecurityWrapStream) writeNext() {
	if !s.writes.busy() {
		return
	}
	if len(s.writeVec) == 0 {
		s.writes.op.Complete(s.written)
		return
	}
	chunk := s.writeVec.Gather(s.sec.MaxInputSize())
	wrapped, err := s.sec.Wrap(chunk)
	if err != nil {
		s.setErr(newError(KindSecurity, "wrap", fmt.Errorf("%w: %w", ErrWrapFailed, err)))
		return
	}
	header := make([]byte, secWrapHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(len(wrapped)))
	s.innerWrite = s.plain.WriteVectored(IOVec{header, wrapped})
	s.innerWrite.Then(func(_ int, err error) {
		s.innerWrite = nil
		if err != nil {
			s.setErr(err)
			return
		}
		s.written += len(chunk)
		s.writeVec = s.writeVec.Advance(len(chunk))
		s.writeNext()
	})
}

// Disconnect implements [ByteStream]. The wrapped stream stays connected.
func (s *SecurityWrapStream) Disconnect() *Op[Unit] {
	if s.reads.busy() || s.writes.busy() {
		return rejectBusy[Unit](s.reactor, "disconnect")
	}
	if s.err != nil {
		return postError[Unit](s.reactor, s.err)
	}
	if s.closed {
		return postError[Unit](s.reactor, newError(KindTransport, "disconnect", ErrNotConnected))
	}
	s.closed = true
	s.backlog.Reset()
	return postValue(s.reactor, Unit{})
}

// check returns a failed op when the stream cannot perform I/O.
func (s *SecurityWrapStream) check(what string) *Op[int] {
	if s.err != nil {
		return postError[int](s.reactor, s.err)
	}
	if s.closed {
		return postError[int](s.reactor, newError(KindTransport, what, ErrNotConnected))
	}
	return nil
}

// setErr records the sticky error and fails the pending operations.
func (s *SecurityWrapStream) setErr(err error) {
	if s.err == nil {
		s.err = err
		s.Logger.Info(
			"secWrapError",
			slog.Any("err", err),
			slog.String("errClass", s.ErrClassifier.Classify(err)),
			slog.String("errKind", KindOf(err).String()),
			slog.String("streamID", s.id),
			slog.Time("t", s.TimeNow()),
		)
	}
	if s.reads.busy() {
		s.reads.op.Fail(s.err)
	}
	if s.writes.busy() {
		s.writes.op.Fail(s.err)
	}
}

// NewSecurityWrapFunc returns a new [*SecurityWrapFunc].
func NewSecurityWrapFunc(cfg *Config, sec SecurityContext, logger SLogger) *SecurityWrapFunc {
	return &SecurityWrapFunc{Config: cfg, Context: sec, Logger: logger}
}

// SecurityWrapFunc wraps a [ByteStream] using [NewSecurityWrapStream].
type SecurityWrapFunc struct {
	// Config is the [*Config] to use.
	Config *Config

	// Context is the negotiated [SecurityContext].
	Context SecurityContext

	// Logger is the [SLogger] to use.
	Logger SLogger
}

var _ Func[ByteStream, *SecurityWrapStream] = &SecurityWrapFunc{}

// Call implements [Func].
func (op *SecurityWrapFunc) Call(ctx context.Context, plain ByteStream) (*SecurityWrapStream, error) {
	return NewSecurityWrapStream(op.Config, plain, op.Context, op.Logger), nil
}
