// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Each iteration moves at most maxChunk bytes.
func TestMemPipeChunking(t *testing.T) {
	_, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 4)

	write := left.WriteVectored(IOVec{[]byte("0123456789")})
	spin(t, loop, 1)
	assert.Equal(t, 4, right.Buffered())
	assert.True(t, write.InProgress())

	count, err := await(t, loop, write)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	pending, err := right.PendingBytes()
	require.NoError(t, err)
	assert.Equal(t, 10, pending)

	buf := make([]byte, 16)
	count, err = await(t, loop, right.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, 4, count)
	assert.Equal(t, "0123", string(buf[:count]))
}

// The busy rule applies to both directions.
func TestMemPipeBusy(t *testing.T) {
	_, loop := newTestConfig(t)
	left, _ := NewMemPipe(loop, 4)

	read := left.ReadVectored(IOVec{make([]byte, 1)})
	_, err := await(t, loop, left.ReadVectored(IOVec{make([]byte, 1)}))
	require.ErrorIs(t, err, ErrBusy)
	_, err = await(t, loop, left.Disconnect())
	require.ErrorIs(t, err, ErrBusy)
	assert.True(t, read.InProgress())
}

// After the peer disconnects, buffered bytes are still readable and then
// reads fail with ErrConnectionClosed.
func TestMemPipeDisconnect(t *testing.T) {
	_, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	_, err := await(t, loop, left.WriteVectored(IOVec{[]byte("bye")}))
	require.NoError(t, err)
	_, err = await(t, loop, left.Disconnect())
	require.NoError(t, err)

	buf := make([]byte, 8)
	count, err := await(t, loop, right.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "bye", string(buf[:count]))

	_, err = await(t, loop, right.ReadVectored(IOVec{buf}))
	require.ErrorIs(t, err, ErrConnectionClosed)
	_, err = await(t, loop, right.WriteVectored(IOVec{buf}))
	require.ErrorIs(t, err, ErrConnectionClosed)

	_, err = await(t, loop, left.ReadVectored(IOVec{buf}))
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = left.PendingBytes()
	require.ErrorIs(t, err, ErrNotConnected)
}

// Vectored transfers preserve the byte order across buffers.
func TestMemPipeVectored(t *testing.T) {
	_, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 5)

	payload := bytes.Repeat([]byte("abcdefg"), 9)
	_, err := await(t, loop, left.WriteVectored(IOVec{payload[:10], nil, payload[10:]}))
	require.NoError(t, err)

	first, second := make([]byte, 30), make([]byte, 33)
	count, err := await(t, loop, ReadFull(loop, right, first))
	require.NoError(t, err)
	assert.Equal(t, 30, count)
	count, err = await(t, loop, ReadFull(loop, right, second))
	require.NoError(t, err)
	assert.Equal(t, 33, count)
	assert.Equal(t, payload, append(first, second...))
}
