// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"container/heap"
	"errors"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"
)

// PollLoop is a minimal poll(2) based [Driver].
//
// It exists so that the socket backend and the [Func] adapters can run
// without an external scheduler. Applications embedding this package in
// a larger event loop should implement [Reactor] on top of it instead.
type PollLoop struct {
	closed    bool
	pollfds   []unix.PollFd
	scheduled []func()
	timers    timerHeap
	timeNow   func() time.Time
	wakeR     int
	wakeW     int
	wakePend  atomic.Bool
	watches   map[int]*pollWatch
}

var _ Driver = &PollLoop{}

// NewPollLoop creates a new [*PollLoop].
func NewPollLoop() (*PollLoop, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, newError(KindResource, "pipe2", err)
	}
	return &PollLoop{
		timeNow: time.Now,
		wakeR:   p[0],
		wakeW:   p[1],
		watches: make(map[int]*pollWatch),
	}, nil
}

// Close releases the loop's resources. Registered watches are dropped
// but their fds are not closed.
func (l *PollLoop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	l.watches = nil
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}

// Now implements [Reactor].
func (l *PollLoop) Now() time.Time {
	return l.timeNow()
}

// Schedule implements [Reactor].
func (l *PollLoop) Schedule(fn func()) {
	l.scheduled = append(l.scheduled, fn)
}

// Watch implements [Reactor].
func (l *PollLoop) Watch(fd int, events IOEvents, handler func(IOEvents)) (FDWatch, error) {
	runtimex.Assert(handler != nil)
	if l.closed {
		return nil, ErrNotConnected
	}
	if _, found := l.watches[fd]; found {
		return nil, newError(KindConcurrency, "watch", unix.EEXIST)
	}
	w := &pollWatch{events: events, fd: fd, handler: handler, loop: l}
	l.watches[fd] = w
	return w, nil
}

// AfterFunc implements [Reactor].
func (l *PollLoop) AfterFunc(d time.Duration, fn func()) Timer {
	t := &pollTimer{due: l.timeNow().Add(d), fn: fn, loop: l}
	heap.Push(&l.timers, t)
	return t
}

// Wake implements [Driver].
func (l *PollLoop) Wake() {
	if l.wakePend.CompareAndSwap(false, true) {
		_, _ = unix.Write(l.wakeW, []byte{0})
	}
}

// Pending returns whether there is anything left to wait for.
func (l *PollLoop) Pending() bool {
	if len(l.scheduled) > 0 || l.timers.Len() > 0 {
		return true
	}
	for _, w := range l.watches {
		if w.events != 0 {
			return true
		}
	}
	return false
}

// RunOnce implements [Driver].
//
// An iteration runs the callbacks scheduled before it started, then polls
// (without blocking if it ran any callback or new ones were scheduled), then
// dispatches the ready descriptors, and finally fires the expired timers.
func (l *PollLoop) RunOnce(maxWait time.Duration) error {
	if l.closed {
		return ErrNotConnected
	}

	batch := l.scheduled
	l.scheduled = nil
	for _, fn := range batch {
		fn()
	}

	// A callback may have finished what the caller is waiting for.
	timeout := maxWait
	if len(batch) > 0 || len(l.scheduled) > 0 {
		timeout = 0
	}
	if l.timers.Len() > 0 {
		if until := l.timers[0].due.Sub(l.timeNow()); until < timeout {
			timeout = max(until, 0)
		}
	}

	if err := l.poll(timeout); err != nil {
		return err
	}

	now := l.timeNow()
	for l.timers.Len() > 0 && !l.timers[0].due.After(now) {
		t := heap.Pop(&l.timers).(*pollTimer)
		t.fn()
	}
	return nil
}

func (l *PollLoop) poll(timeout time.Duration) error {
	l.pollfds = append(l.pollfds[:0], unix.PollFd{Fd: int32(l.wakeR), Events: unix.POLLIN})
	for fd, w := range l.watches {
		var ev int16
		if w.events&EventRead != 0 {
			ev |= unix.POLLIN
		}
		if w.events&EventWrite != 0 {
			ev |= unix.POLLOUT
		}
		if ev != 0 {
			l.pollfds = append(l.pollfds, unix.PollFd{Fd: int32(fd), Events: ev})
		}
	}

	msec := int((timeout + time.Millisecond - 1) / time.Millisecond)
	n, err := unix.Poll(l.pollfds, msec)
	if errors.Is(err, unix.EINTR) {
		return nil
	}
	if err != nil {
		return newError(KindTransport, "poll", err)
	}
	if n <= 0 {
		return nil
	}

	// Copy the ready set first: handlers may add or remove watches.
	ready := make([]unix.PollFd, 0, n)
	for _, pfd := range l.pollfds {
		if pfd.Revents != 0 {
			ready = append(ready, pfd)
		}
	}
	for _, pfd := range ready {
		if int(pfd.Fd) == l.wakeR {
			l.drainWake()
			continue
		}
		w := l.watches[int(pfd.Fd)]
		if w == nil {
			continue
		}
		var fired IOEvents
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			fired |= EventRead
		}
		if pfd.Revents&(unix.POLLOUT|unix.POLLERR) != 0 {
			fired |= EventWrite
		}
		if fired &= w.events; fired != 0 {
			w.handler(fired)
		}
	}
	return nil
}

func (l *PollLoop) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
			break
		}
	}
	l.wakePend.Store(false)
}

type pollWatch struct {
	events  IOEvents
	fd      int
	handler func(IOEvents)
	loop    *PollLoop
}

func (w *pollWatch) Events() IOEvents {
	return w.events
}

func (w *pollWatch) SetEvents(events IOEvents) {
	w.events = events
}

func (w *pollWatch) Close() {
	w.events = 0
	if w.loop.watches != nil && w.loop.watches[w.fd] == w {
		delete(w.loop.watches, w.fd)
	}
}

type pollTimer struct {
	due   time.Time
	fn    func()
	index int
	loop  *PollLoop
}

func (t *pollTimer) Stop() bool {
	if t.index < 0 {
		return false
	}
	heap.Remove(&t.loop.timers, t.index)
	return true
}

// timerHeap is a [heap.Interface] ordered by due time.
type timerHeap []*pollTimer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*pollTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
