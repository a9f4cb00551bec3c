// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import "github.com/bassosimone/runtimex"

// IOVec is an ordered list of scatter/gather buffers.
//
// Streams never re-slice the caller's outer slice: they operate on a
// [IOVec.Clone] and only ever write into (or read from) the inner buffers.
type IOVec [][]byte

// Len returns the total number of bytes described by v.
func (v IOVec) Len() int {
	var total int
	for _, b := range v {
		total += len(b)
	}
	return total
}

// Clone returns a copy of the outer slice without the empty entries. The
// inner buffers are shared with v.
func (v IOVec) Clone() IOVec {
	out := make(IOVec, 0, len(v))
	for _, b := range v {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}

// Advance consumes n bytes from the front of v: fully drained entries are
// dropped and the first partially drained entry is re-sliced. Advancing
// past the end is a programming error.
func (v IOVec) Advance(n int) IOVec {
	runtimex.Assert(n >= 0 && n <= v.Len())
	for n > 0 {
		if n < len(v[0]) {
			v[0] = v[0][n:]
			break
		}
		n -= len(v[0])
		v[0] = nil
		v = v[1:]
	}
	for len(v) > 0 && len(v[0]) == 0 {
		v = v[1:]
	}
	return v
}

// Scatter copies src into the buffers of v in order and returns the
// number of bytes copied, which is min(len(src), v.Len()).
func (v IOVec) Scatter(src []byte) int {
	var n int
	for _, b := range v {
		if len(src) == 0 {
			break
		}
		c := copy(b, src)
		src = src[c:]
		n += c
	}
	return n
}

// Gather copies up to limit bytes from the buffers of v into a new slice.
func (v IOVec) Gather(limit int) []byte {
	out := make([]byte, 0, min(limit, v.Len()))
	for _, b := range v {
		if len(out) >= limit {
			break
		}
		room := limit - len(out)
		out = append(out, b[:min(room, len(b))]...)
	}
	return out
}
