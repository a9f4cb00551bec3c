// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"syscall"
	"time"
)

const (
	// messageHeaderSize is the size of the message-mode length prefix.
	messageHeaderSize = 2

	// MaxMessageSize is the largest message-mode payload.
	MaxMessageSize = 0xffff
)

// FramingStream is the [ByteStream] produced by the connection-setup
// handshake. In byte mode reads and writes pass through to the wrapped
// stream. In message mode every write becomes one message prefixed by a
// 2-byte big-endian length and every read returns bytes of one message,
// keeping the bytes the caller had no room for.
//
// The framing stream owns the wrapped stream: Disconnect disconnects it.
type FramingStream struct {
	// ErrClassifier classifies errors for structured logging.
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	Logger SLogger

	// TimeNow is the function to get the current time.
	TimeNow func() time.Time

	id          string
	inner       ByteStream
	innerRead   *Op[[]byte]
	innerWrite  *Op[int]
	messageMode bool
	reactor     Reactor
	readVec     IOVec
	reads       opSlot[int]
	reply       *SetupReply
	spill       pendingBuffer
	writes      opSlot[int]
}

var _ ByteStream = &FramingStream{}

func newFramingStream(cfg *Config, inner ByteStream, reply *SetupReply, logger SLogger) *FramingStream {
	return &FramingStream{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		id:            NewSpanID(),
		inner:         inner,
		messageMode:   reply.MessageMode(),
		reactor:       cfg.Driver,
		reply:         reply,
	}
}

// ID returns the span ID identifying this stream in logs.
func (s *FramingStream) ID() string {
	return s.id
}

// MessageMode returns whether the stream frames messages.
func (s *FramingStream) MessageMode() bool {
	return s.messageMode
}

// Reply returns the setup reply that configured the stream.
func (s *FramingStream) Reply() *SetupReply {
	return s.reply
}

// PendingBytes implements [ByteStream].
func (s *FramingStream) PendingBytes() (int, error) {
	n, err := s.inner.PendingBytes()
	if err != nil {
		return 0, err
	}
	return s.spill.Len() + n, nil
}

// ReadVectored implements [ByteStream].
func (s *FramingStream) ReadVectored(vec IOVec) *Op[int] {
	if !s.messageMode {
		return s.inner.ReadVectored(vec)
	}
	if s.reads.busy() {
		return rejectBusy[int](s.reactor, "message read")
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
	if s.spill.Len() > 0 {
		op.Post(s.spill.Scatter(s.readVec))
		return op
	}
	s.readMessage()
	return op
}

func (s *FramingStream) readMessage() {
	s.innerRead = ReadPDU(s.reactor, s.inner, messageHeaderSize, func(pdu []byte) (int, error) {
		if len(pdu) != messageHeaderSize {
			return 0, nil
		}
		return int(binary.BigEndian.Uint16(pdu)), nil
	})
	s.innerRead.Then(func(pdu []byte, err error) {
		s.innerRead = nil
		if err != nil {
			s.reads.op.Fail(err)
			return
		}
		payload := pdu[messageHeaderSize:]
		if len(payload) == 0 {
			s.readMessage()
			return
		}
		n := s.readVec.Scatter(payload)
		s.spill.Append(payload[n:])
		s.reads.op.Complete(n)
	})
}

// WriteVectored implements [ByteStream]. In message mode, vec becomes a
// single message and the count does not include the length prefix.
// Empty messages are not sent.
func (s *FramingStream) WriteVectored(vec IOVec) *Op[int] {
	if !s.messageMode {
		return s.inner.WriteVectored(vec)
	}
	if s.writes.busy() {
		return rejectBusy[int](s.reactor, "message write")
	}
	total := vec.Len()
	if total > MaxMessageSize {
		return postError[int](s.reactor, newError(KindProtocol, "message write",
			fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, total)))
	}
	op := NewOp[int](s.reactor)
	if total == 0 {
		op.Post(0)
		return op
	}
	s.writes.take(op, func() {
		if s.innerWrite != nil {
			s.innerWrite.Abandon()
			s.innerWrite = nil
		}
	})
	header := make([]byte, messageHeaderSize)
	binary.BigEndian.PutUint16(header, uint16(total))
	framed := append(IOVec{header}, vec.Clone()...)
	s.innerWrite = s.inner.WriteVectored(framed)
	s.innerWrite.Then(func(_ int, err error) {
		s.innerWrite = nil
		if err != nil {
			op.Fail(err)
			return
		}
		op.Complete(total)
	})
	return op
}

// Disconnect implements [ByteStream]. It disconnects the wrapped stream.
func (s *FramingStream) Disconnect() *Op[Unit] {
	if s.reads.busy() || s.writes.busy() {
		return rejectBusy[Unit](s.reactor, "disconnect")
	}
	s.spill.Reset()
	t0 := s.TimeNow()
	return forward(s.reactor, s.inner.Disconnect(), func(_ Unit, err error) {
		s.Logger.Info(
			"disconnectDone",
			slog.Any("err", err),
			slog.String("errClass", s.ErrClassifier.Classify(err)),
			slog.String("protocol", "framing"),
			slog.String("streamID", s.id),
			slog.Time("t0", t0),
			slog.Time("t", s.TimeNow()),
		)
	})
}

// setupPDUReader returns the [MoreFunc] for setup PDUs, rejecting zero
// and oversized lengths with EMSGSIZE.
func setupPDUReader() MoreFunc {
	return lengthPrefixed(setupMaxPDU, syscall.EMSGSIZE)
}

// setupOp drives a sequence of inner operations on behalf of an outer op,
// abandoning whichever one is pending when the outer op is abandoned.
type setupOp[T any] struct {
	abandon func()
	op      *Op[T]
}

func newSetupOp[T any](r Reactor) *setupOp[T] {
	so := &setupOp[T]{op: NewOp[T](r)}
	so.op.Suspend()
	so.op.SetCleanup(func() {
		if so.abandon != nil {
			so.abandon()
			so.abandon = nil
		}
	})
	return so
}

// step runs inner and passes its outcome to next unless it failed.
func step[T, U any](so *setupOp[T], inner *Op[U], next func(U)) {
	so.abandon = inner.Abandon
	inner.Then(func(v U, err error) {
		so.abandon = nil
		if err != nil {
			so.op.Fail(err)
			return
		}
		next(v)
	})
}

// FramingConnect runs the client side of the connection-setup handshake
// on stream: it sends req and verifies the reply.
//
// The op fails with [ErrProtocol] when the reply is shorter than the
// minimum header, carries the wrong magic, a failure status, or a level
// different from the requested one.
func FramingConnect(cfg *Config, stream ByteStream, req *SetupRequest, logger SLogger) *Op[*FramingStream] {
	r := cfg.Driver
	t0 := cfg.TimeNow()
	logger.Info(
		"setupStart",
		slog.String("clientName", req.ClientName),
		slog.Uint64("setupLevel", uint64(req.Level)),
		slog.String("serverName", req.ServerName),
		slog.Time("t", t0),
	)
	so := newSetupOp[*FramingStream](r)
	done := func(reply *SetupReply, err error) {
		logSetupDone(cfg, logger, t0, req.Level, reply, err)
		if err != nil {
			so.op.Fail(err)
			return
		}
		so.op.Complete(newFramingStream(cfg, stream, reply, logger))
	}
	encoded, err := req.MarshalPDU()
	if err != nil {
		r.Schedule(func() { done(nil, err) })
		return so.op
	}
	step(so, stream.WriteVectored(IOVec{encoded}), func(int) {
		step(so, ReadPDU(r, stream, 4, setupPDUReader()), func(pdu []byte) {
			reply, err := ParseSetupReply(pdu[4:])
			if err == nil {
				err = verifySetupReply(req, reply)
			}
			done(reply, err)
		})
	})
	return so.op
}

func verifySetupReply(req *SetupRequest, reply *SetupReply) error {
	switch {
	case reply.Magic != SetupMagic:
		return newError(KindProtocol, "setup", fmt.Errorf("%w: bad magic %q", ErrProtocol, reply.Magic))
	case reply.Status != SetupStatusOK:
		return newError(KindProtocol, "setup", fmt.Errorf("%w: status %d", ErrProtocol, reply.Status))
	case reply.Level != req.Level:
		return newError(KindProtocol, "setup", fmt.Errorf(
			"%w: requested level %d, got %d", ErrProtocol, req.Level, reply.Level))
	case reply.Level >= 1 && reply.Info == nil:
		return newError(KindProtocol, "setup", fmt.Errorf("%w: missing level %d info", ErrProtocol, reply.Level))
	default:
		return nil
	}
}

func logSetupDone(cfg *Config, logger SLogger, t0 time.Time, level uint32, reply *SetupReply, err error) {
	var messageMode bool
	if reply != nil {
		messageMode = reply.MessageMode()
	}
	logger.Info(
		"setupDone",
		slog.Any("err", err),
		slog.String("errClass", cfg.ErrClassifier.Classify(err)),
		slog.Bool("messageMode", messageMode),
		slog.Uint64("setupLevel", uint64(level)),
		slog.Time("t0", t0),
		slog.Time("t", cfg.TimeNow()),
	)
}

// AcceptOptions configures [FramingAccept].
type AcceptOptions struct {
	// MaxLevel is the highest level accepted. Requests above it get a
	// [SetupStatusUnsupportedLevel] reply.
	MaxLevel uint32

	// FileType selects byte or message mode for levels 1 and above.
	FileType uint32

	// DeviceState is reported to the client.
	DeviceState uint32

	// AllocationSize is reported to the client.
	AllocationSize uint64

	// Authorize optionally inspects the request and returns the reply
	// status. A nil Authorize accepts every request.
	Authorize func(req *SetupRequest) uint32
}

// FramingAcceptResult is the outcome of [FramingAccept].
type FramingAcceptResult struct {
	// Request is the request sent by the client.
	Request *SetupRequest

	// Stream is the framed stream.
	Stream *FramingStream
}

// FramingAccept runs the server side of the connection-setup handshake.
// A request that is not accepted is answered with a failure status and
// the op fails with [ErrProtocol] once the reply has been written.
func FramingAccept(cfg *Config, stream ByteStream, opts *AcceptOptions, logger SLogger) *Op[*FramingAcceptResult] {
	r := cfg.Driver
	t0 := cfg.TimeNow()
	so := newSetupOp[*FramingAcceptResult](r)
	step(so, ReadPDU(r, stream, 4, setupPDUReader()), func(pdu []byte) {
		req, err := ParseSetupRequest(pdu[4:])
		if err != nil {
			logSetupDone(cfg, logger, t0, 0, nil, err)
			so.op.Fail(err)
			return
		}
		reply := &SetupReply{Magic: SetupMagic, Level: req.Level, Status: SetupStatusOK}
		switch {
		case req.Level > opts.MaxLevel || req.Level > SetupMaxLevel:
			reply.Status = SetupStatusUnsupportedLevel
		case opts.Authorize != nil:
			reply.Status = opts.Authorize(req)
		}
		if req.Level >= 1 && reply.Status == SetupStatusOK {
			reply.Info = &SetupReplyInfo{
				FileType:       opts.FileType,
				DeviceState:    opts.DeviceState,
				AllocationSize: opts.AllocationSize,
			}
		}
		encoded, err := reply.MarshalPDU()
		if err != nil {
			so.op.Fail(err)
			return
		}
		step(so, stream.WriteVectored(IOVec{encoded}), func(int) {
			var err error
			if reply.Status != SetupStatusOK {
				err = newError(KindProtocol, "setup", fmt.Errorf(
					"%w: rejected level %d with status %d", ErrProtocol, req.Level, reply.Status))
			}
			logSetupDone(cfg, logger, t0, req.Level, reply, err)
			if err != nil {
				so.op.Fail(err)
				return
			}
			so.op.Complete(&FramingAcceptResult{
				Request: req,
				Stream:  newFramingStream(cfg, stream, reply, logger),
			})
		})
	})
	return so.op
}

// NewFramingConnectFunc returns a new [*FramingConnectFunc].
func NewFramingConnectFunc(cfg *Config, req *SetupRequest, logger SLogger) *FramingConnectFunc {
	return &FramingConnectFunc{Config: cfg, Logger: logger, Request: req}
}

// FramingConnectFunc runs [FramingConnect] over a [ByteStream].
//
// Returns either a valid [*FramingStream] or an error, never both. On error
// the input stream is disconnected.
type FramingConnectFunc struct {
	// Config is the [*Config] to use.
	Config *Config

	// Logger is the [SLogger] to use.
	Logger SLogger

	// Request is the setup request to send.
	Request *SetupRequest
}

var _ Func[ByteStream, *FramingStream] = &FramingConnectFunc{}

// Call implements [Func].
func (op *FramingConnectFunc) Call(ctx context.Context, stream ByteStream) (*FramingStream, error) {
	driver := op.Config.Driver
	framed, err := Await(ctx, driver, FramingConnect(op.Config, stream, op.Request, op.Logger))
	if err != nil {
		_, _ = Await(context.Background(), driver, stream.Disconnect())
		return nil, err
	}
	return framed, nil
}
