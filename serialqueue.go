// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"net/netip"
	"slices"
)

// SerialQueue runs operations one at a time, in order. Use it to issue
// several writes on one stream without tripping the busy rule.
//
// A queued entry starts on the reactor iteration following the completion
// of the previous one. Abandoning a queued entry removes it; abandoning
// the running entry abandons its inner op and lets the next one start.
type SerialQueue struct {
	entries []*queueEntry
	kicked  bool
	name    string
	reactor Reactor
	running *queueEntry
}

// NewSerialQueue creates an empty [*SerialQueue].
func NewSerialQueue(r Reactor, name string) *SerialQueue {
	return &SerialQueue{name: name, reactor: r}
}

// Name returns the queue name.
func (q *SerialQueue) Name() string {
	return q.name
}

// Len returns the number of entries waiting or running.
func (q *SerialQueue) Len() int {
	n := len(q.entries)
	if q.running != nil {
		n++
	}
	return n
}

type queueEntry struct {
	abandon func()
	run     func()
}

// Enqueue appends an entry that, once its turn comes, calls start and
// mirrors the returned op.
func Enqueue[T any](q *SerialQueue, start func() *Op[T]) *Op[T] {
	op := NewOp[T](q.reactor)
	op.Suspend()
	e := &queueEntry{}
	e.run = func() {
		inner := start()
		e.abandon = inner.Abandon
		inner.Then(func(v T, err error) {
			e.abandon = nil
			q.done(e)
			if err != nil {
				op.Fail(err)
				return
			}
			op.Complete(v)
		})
	}
	op.SetCleanup(func() { q.remove(e) })
	q.entries = append(q.entries, e)
	q.kick()
	return op
}

// WritevQueue enqueues a [ByteStream.WriteVectored] of vec on stream.
func WritevQueue(q *SerialQueue, stream ByteStream, vec IOVec) *Op[int] {
	return Enqueue(q, func() *Op[int] { return stream.WriteVectored(vec) })
}

// ReadPDUQueue enqueues a [ReadPDU] on stream.
func ReadPDUQueue(q *SerialQueue, stream ByteStream, initial int, more MoreFunc) *Op[[]byte] {
	return Enqueue(q, func() *Op[[]byte] { return ReadPDU(q.reactor, stream, initial, more) })
}

// SendToQueue enqueues a [DatagramChannel.SendTo] on ch.
func SendToQueue(q *SerialQueue, ch DatagramChannel, p []byte, addr netip.AddrPort) *Op[int] {
	return Enqueue(q, func() *Op[int] { return ch.SendTo(p, addr) })
}

func (q *SerialQueue) kick() {
	if q.kicked || q.running != nil || len(q.entries) == 0 {
		return
	}
	q.kicked = true
	q.reactor.Schedule(q.next)
}

func (q *SerialQueue) next() {
	q.kicked = false
	if q.running != nil || len(q.entries) == 0 {
		return
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	q.running = e
	e.run()
}

func (q *SerialQueue) done(e *queueEntry) {
	if q.running == e {
		q.running = nil
		q.kick()
	}
}

func (q *SerialQueue) remove(e *queueEntry) {
	if q.running == e {
		if e.abandon != nil {
			e.abandon()
			e.abandon = nil
		}
		q.running = nil
		q.kick()
		return
	}
	if idx := slices.Index(q.entries, e); idx >= 0 {
		q.entries = slices.Delete(q.entries, idx, idx+1)
	}
}
