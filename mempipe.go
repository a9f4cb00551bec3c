// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import "github.com/bassosimone/runtimex"

// MemPipe is one end of an in-memory [ByteStream] pair created by
// [NewMemPipe]. Bytes written to one end become readable at the other.
//
// Every read and write moves at most maxChunk bytes per reactor iteration,
// which makes partial I/O deterministic and easy to exercise.
type MemPipe struct {
	closed   bool
	inbox    pendingBuffer
	kicked   bool
	maxChunk int
	peer     *MemPipe
	reactor  Reactor
	readVec  IOVec
	reads    opSlot[int]
	writeVec IOVec
	writes   opSlot[int]
	written  int
}

var _ ByteStream = &MemPipe{}

// NewMemPipe creates two connected [*MemPipe] ends.
func NewMemPipe(r Reactor, maxChunk int) (*MemPipe, *MemPipe) {
	runtimex.Assert(maxChunk > 0)
	left := &MemPipe{maxChunk: maxChunk, reactor: r}
	right := &MemPipe{maxChunk: maxChunk, reactor: r}
	left.peer, right.peer = right, left
	return left, right
}

// Buffered returns the number of bytes written by the peer and not read yet.
func (p *MemPipe) Buffered() int {
	return p.inbox.Len()
}

// PendingBytes implements [ByteStream].
func (p *MemPipe) PendingBytes() (int, error) {
	if p.closed {
		return 0, newError(KindTransport, "pending", ErrNotConnected)
	}
	return p.inbox.Len(), nil
}

// ReadVectored implements [ByteStream].
func (p *MemPipe) ReadVectored(vec IOVec) *Op[int] {
	if p.closed {
		return postError[int](p.reactor, newError(KindTransport, "readv", ErrNotConnected))
	}
	if p.reads.busy() {
		return rejectBusy[int](p.reactor, "readv")
	}
	op := NewOp[int](p.reactor)
	p.readVec = vec.Clone()
	if len(p.readVec) == 0 {
		op.Post(0)
		return op
	}
	p.reads.take(op, func() { p.readVec = nil })
	p.kick()
	return op
}

// WriteVectored implements [ByteStream].
func (p *MemPipe) WriteVectored(vec IOVec) *Op[int] {
	if p.closed {
		return postError[int](p.reactor, newError(KindTransport, "writev", ErrNotConnected))
	}
	if p.writes.busy() {
		return rejectBusy[int](p.reactor, "writev")
	}
	op := NewOp[int](p.reactor)
	p.writeVec = vec.Clone()
	p.written = 0
	if len(p.writeVec) == 0 {
		op.Post(0)
		return op
	}
	p.writes.take(op, func() { p.writeVec = nil })
	p.kick()
	return op
}

// Disconnect implements [ByteStream]. The peer reads the buffered bytes
// and then [ErrConnectionClosed].
func (p *MemPipe) Disconnect() *Op[Unit] {
	if p.closed {
		return postError[Unit](p.reactor, newError(KindTransport, "disconnect", ErrNotConnected))
	}
	if p.reads.busy() || p.writes.busy() {
		return rejectBusy[Unit](p.reactor, "disconnect")
	}
	p.closed = true
	p.inbox.Reset()
	p.peer.kick()
	return postValue(p.reactor, Unit{})
}

func (p *MemPipe) kick() {
	if !p.kicked {
		p.kicked = true
		p.reactor.Schedule(p.pump)
	}
}

func (p *MemPipe) pump() {
	p.kicked = false
	if p.writes.busy() {
		p.pumpWrite()
	}
	if p.reads.busy() {
		p.pumpRead()
	}
}

func (p *MemPipe) pumpWrite() {
	op := p.writes.op
	if p.peer.closed {
		op.Fail(newError(KindTransport, "writev", ErrConnectionClosed))
		return
	}
	chunk := p.writeVec.Gather(p.maxChunk)
	p.peer.inbox.Append(chunk)
	p.peer.kick()
	p.written += len(chunk)
	p.writeVec = p.writeVec.Advance(len(chunk))
	if len(p.writeVec) > 0 {
		p.kick()
		return
	}
	op.Complete(p.written)
}

func (p *MemPipe) pumpRead() {
	op := p.reads.op
	if data := p.inbox.Bytes(); len(data) > 0 {
		n := p.readVec.Scatter(data[:min(len(data), p.maxChunk)])
		p.inbox.Consume(n)
		op.Complete(n)
		return
	}
	if p.peer.closed {
		op.Fail(newError(KindTransport, "readv", ErrConnectionClosed))
	}
}
