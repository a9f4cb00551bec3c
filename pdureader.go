// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bassosimone/runtimex"
)

// MoreFunc inspects the bytes of a partially read PDU and returns how many
// more bytes must be read (zero means the PDU is complete) or an error if
// the PDU is malformed.
type MoreFunc func(pdu []byte) (int, error)

// ReadPDU reads initial bytes from stream and then keeps asking more how
// many bytes to append, until more reports completion or failure.
//
// A bare error returned by more fails the op with [ErrMalformedPDU] and
// [KindProtocol]. An [*Error] returned by more is propagated unchanged.
//
// Abandoning the returned op abandons the read in flight.
func ReadPDU(r Reactor, stream ByteStream, initial int, more MoreFunc) *Op[[]byte] {
	runtimex.Assert(initial > 0)
	pr := &pduReader{
		buf:    make([]byte, initial),
		more:   more,
		op:     NewOp[[]byte](r),
		stream: stream,
	}
	pr.op.Suspend()
	pr.op.SetCleanup(func() {
		if pr.inner != nil {
			pr.inner.Abandon()
			pr.inner = nil
		}
	})
	pr.readNext()
	return pr.op
}

type pduReader struct {
	buf    []byte
	inner  *Op[int]
	more   MoreFunc
	off    int
	op     *Op[[]byte]
	stream ByteStream
}

func (pr *pduReader) readNext() {
	pr.inner = pr.stream.ReadVectored(IOVec{pr.buf[pr.off:]})
	pr.inner.Then(pr.onRead)
}

func (pr *pduReader) onRead(n int, err error) {
	pr.inner = nil
	if err != nil {
		pr.op.Fail(err)
		return
	}
	pr.off += n
	if pr.off < len(pr.buf) {
		pr.readNext()
		return
	}
	count, err := pr.more(pr.buf)
	var typed *Error
	switch {
	case errors.As(err, &typed):
		pr.op.Fail(err)
	case err != nil:
		pr.op.Fail(newError(KindProtocol, "readpdu", fmt.Errorf("%w: %w", ErrMalformedPDU, err)))
	case count < 0:
		pr.op.Fail(newError(KindProtocol, "readpdu", ErrMalformedPDU))
	case count == 0:
		pr.op.Complete(pr.buf)
	default:
		pr.buf = append(pr.buf, make([]byte, count)...)
		pr.readNext()
	}
}

// ReadFull reads exactly len(buf) bytes from stream into buf.
func ReadFull(r Reactor, stream ByteStream, buf []byte) *Op[int] {
	if len(buf) == 0 {
		return postValue(r, 0)
	}
	op := NewOp[int](r)
	inner := ReadPDU(r, stream, len(buf), func([]byte) (int, error) { return 0, nil })
	op.Suspend()
	op.SetCleanup(inner.Abandon)
	inner.Then(func(pdu []byte, err error) {
		if err != nil {
			op.Fail(err)
			return
		}
		op.Complete(copy(buf, pdu))
	})
	return op
}

// lengthPrefixed returns a [MoreFunc] for PDUs starting with a 4-byte
// big-endian length of the body. Zero lengths and lengths above limit
// fail with an [*Error] of [KindProtocol] wrapping tooLarge.
func lengthPrefixed(limit uint32, tooLarge error) MoreFunc {
	return func(pdu []byte) (int, error) {
		if len(pdu) != 4 {
			return 0, nil
		}
		size := binary.BigEndian.Uint32(pdu)
		if size == 0 || size > limit {
			return 0, newError(KindProtocol, "readpdu", fmt.Errorf("%w: length %d", tooLarge, size))
		}
		return int(size), nil
	}
}
