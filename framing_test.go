// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestSetupRequest returns a request for the given level.
func newTestSetupRequest(level uint32) *SetupRequest {
	req := &SetupRequest{
		Level:      level,
		ClientName: "client",
		ClientAddr: "127.0.0.1",
		ClientPort: 50000,
		ServerName: "server",
		ServerAddr: "127.0.0.1",
		ServerPort: 445,
	}
	switch level {
	case 1, 2, 3:
		req.SessionKey = []byte("0123456789abcdef")
		if level >= 2 {
			req.DelegatedCreds = []byte("creds")
		}
		if level >= 3 {
			req.SessionInfo = []byte("info")
		}
	case 4:
		req.Session = []byte("session")
	}
	return req
}

// newFramedPair runs the setup handshake over an in-memory pipe.
func newFramedPair(t *testing.T, cfg *Config, loop *PollLoop, req *SetupRequest,
	opts *AcceptOptions) (client, server *FramingStream, left, right *MemPipe) {
	t.Helper()
	left, right = NewMemPipe(loop, 7)
	acceptOp := FramingAccept(cfg, right, opts, DefaultSLogger())
	client, err := await(t, loop, FramingConnect(cfg, left, req, DefaultSLogger()))
	require.NoError(t, err)
	result, err := await(t, loop, acceptOp)
	require.NoError(t, err)
	assert.Equal(t, req, result.Request)
	return client, result.Stream, left, right
}

// writeRawReply writes an encoded reply directly to the pipe.
func writeRawReply(t *testing.T, loop *PollLoop, pipe *MemPipe, reply *SetupReply) {
	t.Helper()
	pdu, err := reply.MarshalPDU()
	require.NoError(t, err)
	_, err = await(t, loop, pipe.WriteVectored(IOVec{pdu}))
	require.NoError(t, err)
}

// Level 0 selects byte mode, where data passes through unchanged.
func TestFramingByteMode(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, _, right := newFramedPair(t, cfg, loop, newTestSetupRequest(0), &AcceptOptions{})

	assert.False(t, client.MessageMode())
	assert.False(t, server.MessageMode())
	assert.Nil(t, client.Reply().Info)

	_, err := await(t, loop, client.WriteVectored(IOVec{[]byte("raw"), []byte("bytes")}))
	require.NoError(t, err)
	assert.Equal(t, 8, right.Buffered())

	buf := make([]byte, 8)
	_, err = await(t, loop, ReadFull(loop, server, buf))
	require.NoError(t, err)
	assert.Equal(t, "rawbytes", string(buf))
}

// Every supported level completes the handshake and reports the info.
func TestFramingLevels(t *testing.T) {
	for level := uint32(1); level <= SetupMaxLevel; level++ {
		cfg, loop := newTestConfig(t)
		opts := &AcceptOptions{
			MaxLevel:       SetupMaxLevel,
			FileType:       FileTypeByteModePipe,
			DeviceState:    0xff,
			AllocationSize: 4096,
		}
		client, _, _, _ := newFramedPair(t, cfg, loop, newTestSetupRequest(level), opts)
		require.NotNil(t, client.Reply().Info)
		assert.Equal(t, level, client.Reply().Level)
		assert.Equal(t, uint64(4096), client.Reply().Info.AllocationSize)
		assert.False(t, client.MessageMode())
	}
}

// In message mode each write is one message and each read returns bytes
// of a single message.
func TestFramingMessageMode(t *testing.T) {
	cfg, loop := newTestConfig(t)
	opts := &AcceptOptions{MaxLevel: 2, FileType: FileTypeMessageModePipe}
	client, server, _, right := newFramedPair(t, cfg, loop, newTestSetupRequest(2), opts)
	require.True(t, client.MessageMode())
	require.True(t, server.MessageMode())

	count, err := await(t, loop, client.WriteVectored(IOVec{[]byte("hel"), []byte("lo")}))
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, 7, right.Buffered())

	_, err = await(t, loop, client.WriteVectored(IOVec{[]byte("world")}))
	require.NoError(t, err)

	buf := make([]byte, 64)
	count, err = await(t, loop, server.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:count]))

	count, err = await(t, loop, server.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:count]))
}

// Bytes of a message the reader had no room for are returned by later reads.
func TestFramingMessageSpill(t *testing.T) {
	cfg, loop := newTestConfig(t)
	opts := &AcceptOptions{MaxLevel: 1, FileType: FileTypeMessageModePipe}
	client, server, _, _ := newFramedPair(t, cfg, loop, newTestSetupRequest(1), opts)

	_, err := await(t, loop, server.WriteVectored(IOVec{[]byte("abcdef")}))
	require.NoError(t, err)

	buf := make([]byte, 4)
	count, err := await(t, loop, client.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(buf[:count]))

	pending, err := client.PendingBytes()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, pending, 2)

	count, err = await(t, loop, client.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "ef", string(buf[:count]))
}

// Zero-length messages are skipped by readers and never sent by writers.
func TestFramingMessageEmpty(t *testing.T) {
	cfg, loop := newTestConfig(t)
	opts := &AcceptOptions{MaxLevel: 1, FileType: FileTypeMessageModePipe}
	client, _, left, right := newFramedPair(t, cfg, loop, newTestSetupRequest(1), opts)

	count, err := await(t, loop, client.WriteVectored(IOVec{}))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, 0, right.Buffered())

	_, err = await(t, loop, right.WriteVectored(IOVec{[]byte{0, 0, 0, 1, 'x'}}))
	require.NoError(t, err)
	buf := make([]byte, 8)
	count, err = await(t, loop, client.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:count]))
	assert.Equal(t, 0, left.Buffered())
}

// Messages larger than MaxMessageSize are rejected without writing.
func TestFramingMessageTooLarge(t *testing.T) {
	cfg, loop := newTestConfig(t)
	opts := &AcceptOptions{MaxLevel: 1, FileType: FileTypeMessageModePipe}
	client, _, _, right := newFramedPair(t, cfg, loop, newTestSetupRequest(1), opts)

	_, err := await(t, loop, client.WriteVectored(IOVec{make([]byte, MaxMessageSize), []byte{1}}))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	assert.Equal(t, KindProtocol, KindOf(err))
	assert.Equal(t, 0, right.Buffered())

	count, err := await(t, loop, client.WriteVectored(IOVec{make([]byte, MaxMessageSize)}))
	require.NoError(t, err)
	assert.Equal(t, MaxMessageSize, count)
}

// A second message read while one is outstanding fails with ErrBusy.
func TestFramingMessageBusy(t *testing.T) {
	cfg, loop := newTestConfig(t)
	opts := &AcceptOptions{MaxLevel: 1, FileType: FileTypeMessageModePipe}
	client, _, _, _ := newFramedPair(t, cfg, loop, newTestSetupRequest(1), opts)

	first := client.ReadVectored(IOVec{make([]byte, 8)})
	_, err := await(t, loop, client.ReadVectored(IOVec{make([]byte, 8)}))
	require.ErrorIs(t, err, ErrBusy)
	_, err = await(t, loop, client.Disconnect())
	require.ErrorIs(t, err, ErrBusy)

	first.Abandon()
	_, err = await(t, loop, client.Disconnect())
	require.NoError(t, err)
}

// Levels above the acceptor maximum are answered with a failure status.
func TestFramingUnsupportedLevel(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	acceptOp := FramingAccept(cfg, right, &AcceptOptions{MaxLevel: 2}, DefaultSLogger())
	_, err := await(t, loop, FramingConnect(cfg, left, newTestSetupRequest(3), DefaultSLogger()))
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorContains(t, err, "status 1")

	_, err = await(t, loop, acceptOp)
	require.ErrorIs(t, err, ErrProtocol)
}

// Authorize decides the reply status.
func TestFramingAuthorize(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	var seen *SetupRequest
	opts := &AcceptOptions{
		MaxLevel: SetupMaxLevel,
		Authorize: func(req *SetupRequest) uint32 {
			seen = req
			return SetupStatusAccessDenied
		},
	}
	acceptOp := FramingAccept(cfg, right, opts, DefaultSLogger())
	_, err := await(t, loop, FramingConnect(cfg, left, newTestSetupRequest(1), DefaultSLogger()))
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorContains(t, err, "status 2")

	_, err = await(t, loop, acceptOp)
	require.ErrorIs(t, err, ErrProtocol)
	require.NotNil(t, seen)
	assert.Equal(t, "client", seen.ClientName)
}

// FramingConnect verifies the reply it receives.
func TestFramingConnectBadReply(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// level is the requested level.
		level uint32

		// reply is the reply sent by the peer.
		reply *SetupReply

		// wantErr is a substring of the expected error.
		wantErr string
	}{
		{
			name:    "bad magic",
			reply:   &SetupReply{Magic: "XXXX"},
			wantErr: "bad magic",
		},

		{
			name:    "level mismatch",
			level:   0,
			reply:   &SetupReply{Magic: SetupMagic, Level: 1, Info: &SetupReplyInfo{}},
			wantErr: "requested level 0, got 1",
		},

		{
			name:    "missing info",
			level:   1,
			reply:   &SetupReply{Magic: SetupMagic, Level: 1},
			wantErr: "missing level 1 info",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, loop := newTestConfig(t)
			left, right := NewMemPipe(loop, 64)
			logger, records := newCapturingLogger()

			op := FramingConnect(cfg, left, newTestSetupRequest(tt.level), logger)
			writeRawReply(t, loop, right, tt.reply)
			_, err := await(t, loop, op)
			require.ErrorIs(t, err, ErrProtocol)
			require.ErrorContains(t, err, tt.wantErr)
			assert.Equal(t, KindProtocol, KindOf(err))
			assert.Equal(t, []string{"setupStart", "setupDone"}, recordMessages(*records))
		})
	}
}

// A reply body shorter than the minimum fails with ErrProtocol.
func TestFramingConnectShortReply(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	op := FramingConnect(cfg, left, newTestSetupRequest(0), DefaultSLogger())
	_, err := await(t, loop, right.WriteVectored(IOVec{[]byte{0, 0, 0, 4, 'N', 'P', 'A', 'M'}}))
	require.NoError(t, err)
	_, err = await(t, loop, op)
	require.ErrorIs(t, err, ErrProtocol)
}

// A zero length prefix in the reply is rejected.
func TestFramingConnectZeroLength(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	op := FramingConnect(cfg, left, newTestSetupRequest(0), DefaultSLogger())
	_, err := await(t, loop, right.WriteVectored(IOVec{[]byte{0, 0, 0, 0}}))
	require.NoError(t, err)
	_, err = await(t, loop, op)
	assert.Equal(t, KindProtocol, KindOf(err))
}

// Requests that cannot be encoded fail the op without touching the stream.
func TestFramingConnectBadRequest(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)

	_, err := await(t, loop, FramingConnect(cfg, left, &SetupRequest{Level: 9}, DefaultSLogger()))
	require.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, 0, right.Buffered())
}

// Abandoning the handshake abandons the pending read.
func TestFramingConnectAbandon(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, _ := NewMemPipe(loop, 64)

	op := FramingConnect(cfg, left, newTestSetupRequest(0), DefaultSLogger())
	spin(t, loop, 5)
	op.Abandon()
	assert.Equal(t, OpAbandoned, op.State())

	_, err := await(t, loop, left.Disconnect())
	require.NoError(t, err)
}

// Disconnect disconnects the wrapped stream and logs the event.
func TestFramingStreamDisconnect(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, right := NewMemPipe(loop, 64)
	logger, records := newCapturingLogger()

	acceptOp := FramingAccept(cfg, right, &AcceptOptions{}, DefaultSLogger())
	client, err := await(t, loop, FramingConnect(cfg, left, newTestSetupRequest(0), logger))
	require.NoError(t, err)
	_, err = await(t, loop, acceptOp)
	require.NoError(t, err)

	_, err = await(t, loop, client.Disconnect())
	require.NoError(t, err)
	assert.True(t, left.closed)
	assert.Equal(t, []string{"setupStart", "setupDone", "disconnectDone"}, recordMessages(*records))

	_, err = client.PendingBytes()
	require.ErrorIs(t, err, ErrNotConnected)
}

// FramingConnectFunc returns the framed stream or disconnects the input.
func TestFramingConnectFunc(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		cfg, loop := newTestConfig(t)
		left, right := NewMemPipe(loop, 64)
		req := newTestSetupRequest(0)

		fn := NewFramingConnectFunc(cfg, req, DefaultSLogger())
		assert.Equal(t, req, fn.Request)

		acceptOp := FramingAccept(cfg, right, &AcceptOptions{}, DefaultSLogger())
		stream, err := fn.Call(context.Background(), left)
		require.NoError(t, err)
		require.NotNil(t, stream)
		_, err = await(t, loop, acceptOp)
		require.NoError(t, err)
	})

	t.Run("failure", func(t *testing.T) {
		cfg, loop := newTestConfig(t)
		left, right := NewMemPipe(loop, 64)
		writeRawReply(t, loop, right, &SetupReply{Magic: "XXXX"})

		stream, err := NewFramingConnectFunc(cfg, newTestSetupRequest(0), DefaultSLogger()).Call(context.Background(), left)
		require.ErrorIs(t, err, ErrProtocol)
		assert.Nil(t, stream)
		assert.True(t, left.closed)
	})
}
