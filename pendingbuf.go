// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

// pendingBuffer holds bytes a layer read but the caller did not ask for
// yet. The zero value is empty and allocates nothing.
type pendingBuffer struct {
	buf []byte
	off int
}

// Len returns the number of unconsumed bytes.
func (p *pendingBuffer) Len() int {
	return len(p.buf) - p.off
}

// Append stores a copy of data after the unconsumed region.
func (p *pendingBuffer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	if p.Len() == 0 {
		p.buf = p.buf[:0]
		p.off = 0
	}
	p.buf = append(p.buf, data...)
}

// Bytes returns the unconsumed region without consuming it.
func (p *pendingBuffer) Bytes() []byte {
	return p.buf[p.off:]
}

// Consume drops n bytes from the front of the unconsumed region.
func (p *pendingBuffer) Consume(n int) {
	p.off += n
	if p.off >= len(p.buf) {
		p.Reset()
	}
}

// Scatter moves as many unconsumed bytes as fit into vec.
func (p *pendingBuffer) Scatter(vec IOVec) int {
	n := vec.Scatter(p.Bytes())
	p.Consume(n)
	return n
}

// Reset frees the buffer.
func (p *pendingBuffer) Reset() {
	p.buf = nil
	p.off = 0
}
