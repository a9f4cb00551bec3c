// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import "net/netip"

// ByteStream is the contract shared by every layer of the stack.
//
// Implementations allow at most one outstanding read and one outstanding
// write. Issuing a second one fails with [ErrBusy] and does not affect the
// operation already in flight.
type ByteStream interface {
	// PendingBytes returns a best-effort count of the bytes that can be
	// read without blocking. It fails with [ErrNotConnected] when there
	// is no live transport.
	PendingBytes() (int, error)

	// ReadVectored reads at least one byte into vec and completes with
	// the number of bytes delivered. An orderly end of stream fails with
	// [ErrConnectionClosed]; it is never reported as a zero count.
	ReadVectored(vec IOVec) *Op[int]

	// WriteVectored completes once all of vec has been handed to the
	// backend, with the total number of bytes written.
	WriteVectored(vec IOVec) *Op[int]

	// Disconnect releases the stream. It fails with [ErrBusy] while a
	// read or a write is outstanding. Whether the wrapped stream is also
	// disconnected is documented by each implementation.
	Disconnect() *Op[Unit]
}

// Datagram is a message received by a [DatagramChannel].
type Datagram struct {
	// Data is the message payload.
	Data []byte

	// Addr is the sender address.
	Addr netip.AddrPort
}

// DatagramChannel is the datagram counterpart of [ByteStream]. The same
// single-outstanding-op rule applies to RecvFrom and SendTo.
type DatagramChannel interface {
	// PendingBytes returns the size of the next datagram, if any.
	PendingBytes() (int, error)

	// RecvFrom receives the next datagram.
	RecvFrom() *Op[Datagram]

	// SendTo sends p to addr as a single datagram.
	SendTo(p []byte, addr netip.AddrPort) *Op[int]

	// Disconnect releases the channel.
	Disconnect() *Op[Unit]
}

// opSlot is an owner-held "current operation" slot enforcing the busy rule.
type opSlot[T any] struct {
	op *Op[T]
}

// busy returns whether an op occupies the slot.
func (s *opSlot[T]) busy() bool {
	return s.op != nil
}

// take stores op in the slot and arranges for the slot to be cleared
// when the op leaves the in-progress states, running also onRelease.
func (s *opSlot[T]) take(op *Op[T], onRelease func()) {
	s.op = op
	op.Suspend()
	op.SetCleanup(func() {
		if s.op == op {
			s.op = nil
		}
		if onRelease != nil {
			onRelease()
		}
	})
}

// rejectBusy returns an op that fails with [ErrBusy] on the next tick.
func rejectBusy[T any](r Reactor, what string) *Op[T] {
	op := NewOp[T](r)
	op.PostFail(newError(KindConcurrency, what, ErrBusy))
	return op
}

// postError returns an op that fails with err on the next tick.
func postError[T any](r Reactor, err error) *Op[T] {
	op := NewOp[T](r)
	op.PostFail(err)
	return op
}

// postValue returns an op that completes with v on the next tick.
func postValue[T any](r Reactor, v T) *Op[T] {
	op := NewOp[T](r)
	op.Post(v)
	return op
}
