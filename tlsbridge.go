// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"net"
	"time"
)

// tlsWorker runs a blocking TLS library call (handshake or record read)
// on a helper goroutine as a coroutine of the reactor goroutine.
//
// Control is handed back and forth over unbuffered channels, so the two
// goroutines never run at the same time: the reactor blocks in start,
// resume or stop until the worker parks waiting for ciphertext or returns.
type tlsWorker struct {
	parked   bool
	quit     chan struct{}
	resumeCh chan struct{}
	running  bool
	stopped  bool
	yieldCh  chan bool
}

func newTLSWorker() *tlsWorker {
	return &tlsWorker{
		quit:     make(chan struct{}),
		resumeCh: make(chan struct{}),
		yieldCh:  make(chan bool),
	}
}

// start runs fn on a new goroutine and returns whether fn returned (true)
// or parked waiting for data (false).
func (w *tlsWorker) start(fn func()) bool {
	w.running = true
	go func() {
		fn()
		w.yieldCh <- true
	}()
	return w.wait()
}

// resume wakes a parked worker and waits for it to yield again.
func (w *tlsWorker) resume() bool {
	w.parked = false
	w.resumeCh <- struct{}{}
	return w.wait()
}

func (w *tlsWorker) wait() bool {
	done := <-w.yieldCh
	w.parked = !done
	w.running = !done
	return done
}

// park is called by the worker goroutine. It fails with [net.ErrClosed]
// once the worker has been stopped.
func (w *tlsWorker) park() error {
	select {
	case <-w.quit:
		return net.ErrClosed
	default:
	}
	w.yieldCh <- false
	select {
	case <-w.resumeCh:
		return nil
	case <-w.quit:
		return net.ErrClosed
	}
}

// stop terminates the worker. A parked call observes [net.ErrClosed] from
// the transport and stop waits for it to return.
func (w *tlsWorker) stop() {
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.quit)
	for w.running {
		w.wait()
	}
}

// tlsBridge is the [net.Conn] handed to the TLS library. Read is the pull
// callback and Write is the push callback.
//
// Read serves the ciphertext backlog or parks the worker after setting
// wantRead. Write never blocks: it appends to the write-back buffer, which
// the owning stream flushes on the next reactor iteration.
type tlsBridge struct {
	backlog  pendingBuffer
	closed   bool
	laddr    net.Addr
	out      pendingBuffer
	raddr    net.Addr
	readErr  error
	wantRead bool
	worker   *tlsWorker
}

var _ net.Conn = &tlsBridge{}

func (b *tlsBridge) Read(p []byte) (int, error) {
	for {
		if b.backlog.Len() > 0 {
			n := copy(p, b.backlog.Bytes())
			b.backlog.Consume(n)
			return n, nil
		}
		if b.readErr != nil {
			return 0, b.readErr
		}
		if b.closed {
			return 0, net.ErrClosed
		}
		b.wantRead = true
		if err := b.worker.park(); err != nil {
			return 0, err
		}
	}
}

func (b *tlsBridge) Write(p []byte) (int, error) {
	if b.closed {
		return 0, net.ErrClosed
	}
	b.out.Append(p)
	return len(p), nil
}

func (b *tlsBridge) Close() error {
	b.closed = true
	return nil
}

func (b *tlsBridge) LocalAddr() net.Addr {
	return b.laddr
}

func (b *tlsBridge) RemoteAddr() net.Addr {
	return b.raddr
}

// Deadlines are enforced on the [*Op] by the reactor.

func (b *tlsBridge) SetDeadline(t time.Time) error {
	return nil
}

func (b *tlsBridge) SetReadDeadline(t time.Time) error {
	return nil
}

func (b *tlsBridge) SetWriteDeadline(t time.Time) error {
	return nil
}

// streamAddr is the [net.Addr] of a stream that does not know its endpoints.
type streamAddr struct{}

func (streamAddr) Network() string {
	return "stream"
}

func (streamAddr) String() string {
	return ""
}

// addressedStream is implemented by streams knowing their endpoints.
type addressedStream interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// streamAddrs returns the endpoints of stream, if it knows them.
func streamAddrs(stream ByteStream) (local, remote net.Addr) {
	local, remote = streamAddr{}, streamAddr{}
	if as, ok := stream.(addressedStream); ok {
		if addr := as.LocalAddr(); addr != nil {
			local = addr
		}
		if addr := as.RemoteAddr(); addr != nil {
			remote = addr
		}
	}
	return
}
