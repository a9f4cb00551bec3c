// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/tlsstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestCertificate returns a self-signed certificate for example.com and
// a pool trusting it.
func newTestCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "example.com"},
		DNSNames:              []string{"example.com"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}

// newTestTLSPair performs a real handshake over an in-memory pipe.
func newTestTLSPair(t *testing.T, cfg *Config, loop *PollLoop, maxChunk int) (
	client, server *TLSStream, left, right *MemPipe) {
	t.Helper()
	cert, pool := newTestCertificate(t)
	left, right = NewMemPipe(loop, maxChunk)

	clientOp := TLSConnect(cfg, left, &tls.Config{RootCAs: pool, ServerName: "example.com"}, DefaultSLogger())
	serverOp := TLSAccept(cfg, right, &tls.Config{Certificates: []tls.Certificate{cert}}, DefaultSLogger())

	client, err := await(t, loop, clientOp)
	require.NoError(t, err)
	server, err = await(t, loop, serverOp)
	require.NoError(t, err)
	return client, server, left, right
}

// findAttr returns the value of the attribute named key.
func findAttr(record slog.Record, key string) (value slog.Value, found bool) {
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			value, found = attr.Value, true
			return false
		}
		return true
	})
	return
}

// TLSEngineStdlib returns "stdlib" as Name, "" as Parrot, and a *tls.Conn from Client and Server.
func TestTLSEngineStdlib(t *testing.T) {
	engine := TLSEngineStdlib{}

	t.Run("Name", func(t *testing.T) {
		assert.Equal(t, "stdlib", engine.Name())
	})

	t.Run("Parrot", func(t *testing.T) {
		assert.Equal(t, "", engine.Parrot())
	})

	t.Run("Client", func(t *testing.T) {
		mockConn := &netstub.FuncConn{
			// Don't initialize what we don't use
		}
		_, ok := engine.Client(mockConn, &tls.Config{}).(*tls.Conn)
		assert.True(t, ok)
	})

	t.Run("Server", func(t *testing.T) {
		mockConn := &netstub.FuncConn{}
		_, ok := engine.Server(mockConn, &tls.Config{}).(*tls.Conn)
		assert.True(t, ok)
	})
}

// Data flows both ways after a real handshake, across many records and
// with the write-back buffer filling up.
func TestTLSStreamRoundTrip(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, _, _ := newTestTLSPair(t, cfg, loop, 4096)

	assert.Equal(t, uint16(tls.VersionTLS13), client.ConnectionState().Version)
	assert.NotEmpty(t, client.ID())

	payload := bytes.Repeat([]byte("0123456789"), 20000)
	write := client.WriteVectored(IOVec{payload[:7], payload[7:]})
	received := make([]byte, len(payload))
	count, err := await(t, loop, ReadFull(loop, server, received))
	require.NoError(t, err)
	assert.Equal(t, len(payload), count)
	assert.True(t, bytes.Equal(payload, received))

	written, err := await(t, loop, write)
	require.NoError(t, err)
	assert.Equal(t, len(payload), written)

	_, err = await(t, loop, server.WriteVectored(IOVec{[]byte("pong")}))
	require.NoError(t, err)
	buf := make([]byte, 2)
	count, err = await(t, loop, client.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	pending, err := client.PendingBytes()
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
	count, err = await(t, loop, client.ReadVectored(IOVec{buf}))
	require.NoError(t, err)
	assert.Equal(t, "ng", string(buf[:count]))
}

// A second write while one is outstanding fails with ErrBusy.
func TestTLSStreamBusy(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, _, _ := newTestTLSPair(t, cfg, loop, 1024)

	first := client.WriteVectored(IOVec{[]byte("first")})
	_, err := await(t, loop, client.WriteVectored(IOVec{[]byte("second")}))
	require.ErrorIs(t, err, ErrBusy)

	_, err = await(t, loop, first)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = await(t, loop, ReadFull(loop, server, buf))
	require.NoError(t, err)
	assert.Equal(t, "first", string(buf))
}

// Disconnect sends close_notify, the peer reads ErrConnectionClosed, and
// the plain stream stays connected.
func TestTLSStreamDisconnect(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, left, _ := newTestTLSPair(t, cfg, loop, 1024)

	read := server.ReadVectored(IOVec{make([]byte, 16)})
	_, err := await(t, loop, client.Disconnect())
	require.NoError(t, err)

	_, err = await(t, loop, read)
	require.ErrorIs(t, err, ErrConnectionClosed)

	_, err = left.PendingBytes()
	require.NoError(t, err)

	// The server error is sticky.
	_, err = await(t, loop, server.ReadVectored(IOVec{make([]byte, 16)}))
	require.ErrorIs(t, err, ErrConnectionClosed)

	_, err = await(t, loop, client.WriteVectored(IOVec{[]byte("late")}))
	require.ErrorIs(t, err, ErrNotConnected)
}

// A handshake with an untrusted certificate fails with a security error.
func TestTLSConnectUntrusted(t *testing.T) {
	cfg, loop := newTestConfig(t)
	cert, _ := newTestCertificate(t)
	left, right := NewMemPipe(loop, 1024)

	clientOp := TLSConnect(cfg, left, &tls.Config{ServerName: "example.com"}, DefaultSLogger())
	serverOp := TLSAccept(cfg, right, &tls.Config{Certificates: []tls.Certificate{cert}}, DefaultSLogger())

	_, err := await(t, loop, clientOp)
	var uaErr x509.UnknownAuthorityError
	require.True(t, errors.As(err, &uaErr))
	assert.Equal(t, KindSecurity, KindOf(err))

	// The client leaves the pipe idle, so closing it ends the server handshake.
	_, err = await(t, loop, left.Disconnect())
	require.NoError(t, err)
	_, err = await(t, loop, serverOp)
	require.Error(t, err)
}

// A handshake whose deadline expires is aborted and leaves the plain stream idle.
func TestTLSConnectTimeout(t *testing.T) {
	cfg, loop := newTestConfig(t)
	left, _ := NewMemPipe(loop, 1024)

	op := TLSConnect(cfg, left, &tls.Config{ServerName: "example.com"}, DefaultSLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := Await(ctx, loop, op)
	require.ErrorIs(t, err, ErrTimeout)

	_, err = await(t, loop, left.Disconnect())
	require.NoError(t, err)
}

// NewTLSHandshakeFunc populates all fields from Config and the provided logger.
func TestNewTLSHandshakeFunc(t *testing.T) {
	cfg, _ := newTestConfig(t)
	tlsConfig := &tls.Config{ServerName: "example.com"}
	logger := DefaultSLogger()

	fn := NewTLSHandshakeFunc(cfg, tlsConfig, logger)

	require.NotNil(t, fn)
	assert.Equal(t, tlsConfig, fn.TLSConfig)
	assert.Equal(t, cfg, fn.Config)
	assert.NotNil(t, fn.Logger)
}

// Call returns the TLSStream on successful handshake.
func TestTLSHandshakeFuncSuccess(t *testing.T) {
	cfg, loop := newTestConfig(t)
	tlsConfig := &tls.Config{ServerName: "example.com"}

	wantState := tls.ConnectionState{
		Version:            tls.VersionTLS13,
		CipherSuite:        tls.TLS_AES_128_GCM_SHA256,
		NegotiatedProtocol: "h2",
	}

	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return wantState
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}
	cfg.TLSEngine = newMockTLSEngine(mockTLSConn)

	plain, _ := NewMemPipe(loop, 1024)
	result, err := NewTLSHandshakeFunc(cfg, tlsConfig, DefaultSLogger()).Call(context.Background(), plain)

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, wantState, result.ConnectionState())
}

// Call disconnects the plain stream and returns nil on handshake failure.
func TestTLSHandshakeFuncError(t *testing.T) {
	cfg, loop := newTestConfig(t)
	tlsConfig := &tls.Config{ServerName: "example.com"}
	wantErr := errors.New("handshake failed")

	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return wantErr
		},
	}
	cfg.TLSEngine = newMockTLSEngine(mockTLSConn)

	plain, _ := NewMemPipe(loop, 1024)
	result, err := NewTLSHandshakeFunc(cfg, tlsConfig, DefaultSLogger()).Call(context.Background(), plain)

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, KindSecurity, KindOf(err))
	assert.Nil(t, result)
	assert.True(t, plain.closed, "plain stream should be disconnected on error")
}

// The handshake events carry the peer certificates extracted from the error
// or from the connection state.
func TestTLSHandshakePeerCerts(t *testing.T) {
	cert := &x509.Certificate{Raw: []byte("test cert data")}

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// err is the error returned by the handshake.
		err error

		// state is the connection state returned by the conn.
		state tls.ConnectionState

		// want contains the expected logged certificates.
		want [][]byte
	}{
		{
			name: "hostname error",
			err:  x509.HostnameError{Certificate: cert, Host: "wrong.host.com"},
			want: [][]byte{cert.Raw},
		},

		{
			name: "unknown authority error",
			err:  x509.UnknownAuthorityError{Cert: cert},
			want: [][]byte{cert.Raw},
		},

		{
			name: "certificate invalid error",
			err:  x509.CertificateInvalidError{Cert: cert, Reason: x509.Expired},
			want: [][]byte{cert.Raw},
		},

		{
			name: "connection state",
			state: tls.ConnectionState{PeerCertificates: []*x509.Certificate{
				{Raw: []byte("cert1")},
				{Raw: []byte("cert2")},
			}},
			want: [][]byte{[]byte("cert1"), []byte("cert2")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, loop := newTestConfig(t)
			mockTLSConn := &tlsstub.FuncTLSConn{
				FuncConn: newMinimalConn(),
				ConnectionStateFunc: func() tls.ConnectionState {
					return tt.state
				},
				HandshakeContextFunc: func(ctx context.Context) error {
					return tt.err
				},
			}
			cfg.TLSEngine = newMockTLSEngine(mockTLSConn)
			logger, records := newCapturingLogger()

			plain, _ := NewMemPipe(loop, 1024)
			_, err := await(t, loop, TLSConnect(cfg, plain, &tls.Config{ServerName: "example.com"}, logger))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}

			require.Equal(t, []string{"tlsHandshakeStart", "tlsHandshakeDone"}, recordMessages(*records))
			value, found := findAttr((*records)[1], "tlsPeerCerts")
			require.True(t, found)
			assert.Equal(t, tt.want, value.Any().([][]byte))
		})
	}
}

// TLSConnect sets the time function on the cloned *tls.Config.
func TestTLSConnectSetsTimeOnConfig(t *testing.T) {
	cfg, loop := newTestConfig(t)
	fixedTime := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	cfg.TimeNow = func() time.Time {
		return fixedTime
	}

	tlsConfig := &tls.Config{ServerName: "example.com"}

	var capturedConfig *tls.Config
	mockTLSConn := &tlsstub.FuncTLSConn{
		FuncConn: newMinimalConn(),
		ConnectionStateFunc: func() tls.ConnectionState {
			return tls.ConnectionState{}
		},
		HandshakeContextFunc: func(ctx context.Context) error {
			return nil
		},
	}

	cfg.TLSEngine = &tlsstub.FuncTLSEngine[TLSConn]{
		ClientFunc: func(conn net.Conn, config *tls.Config) TLSConn {
			capturedConfig = config
			return mockTLSConn
		},
		NameFunc: func() string {
			return "mock"
		},
		ParrotFunc: func() string {
			return ""
		},
	}

	plain, _ := NewMemPipe(loop, 1024)
	_, err := await(t, loop, TLSConnect(cfg, plain, tlsConfig, DefaultSLogger()))
	require.NoError(t, err)

	require.NotNil(t, capturedConfig)
	require.NotNil(t, capturedConfig.Time)
	assert.Equal(t, fixedTime, capturedConfig.Time())
	assert.Nil(t, tlsConfig.Time, "the caller's config must not be modified")
}

// countingStream counts the writes reaching the wrapped stream and, when
// holding, defers them until release.
type countingStream struct {
	ByteStream
	held    []func()
	hold    bool
	reactor Reactor
	writes  int
}

func (s *countingStream) WriteVectored(vec IOVec) *Op[int] {
	s.writes++
	if !s.hold {
		return s.ByteStream.WriteVectored(vec)
	}
	op := NewOp[int](s.reactor)
	op.Suspend()
	vec = vec.Clone()
	s.held = append(s.held, func() {
		s.ByteStream.WriteVectored(vec).Then(func(n int, err error) {
			if err != nil {
				op.Fail(err)
				return
			}
			op.Complete(n)
		})
	})
	return op
}

func (s *countingStream) release() {
	held := s.held
	s.held = nil
	for _, fn := range held {
		fn()
	}
}

// newCountedTLSPair is like newTestTLSPair but the client writes through
// a [*countingStream] whose counter starts at zero.
func newCountedTLSPair(t *testing.T, cfg *Config, loop *PollLoop) (
	client, server *TLSStream, counter *countingStream) {
	t.Helper()
	cert, pool := newTestCertificate(t)
	left, right := NewMemPipe(loop, 1<<20)
	counter = &countingStream{ByteStream: left, reactor: loop}

	clientOp := TLSConnect(cfg, counter, &tls.Config{RootCAs: pool, ServerName: "example.com"}, DefaultSLogger())
	serverOp := TLSAccept(cfg, right, &tls.Config{Certificates: []tls.Certificate{cert}}, DefaultSLogger())

	client, err := await(t, loop, clientOp)
	require.NoError(t, err)
	server, err = await(t, loop, serverOp)
	require.NoError(t, err)
	counter.writes = 0
	return client, server, counter
}

// Records produced back to back reach the wrapped stream in a single write.
func TestTLSStreamCoalescesRecords(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, counter := newCountedTLSPair(t, cfg, loop)

	payload := bytes.Repeat([]byte("x"), 40000)
	write := client.WriteVectored(IOVec{payload})
	received := make([]byte, len(payload))
	_, err := await(t, loop, ReadFull(loop, server, received))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, received))

	written, err := await(t, loop, write)
	require.NoError(t, err)
	assert.Equal(t, len(payload), written)
	assert.Equal(t, 1, counter.writes)
}

// A write larger than the write-back buffer keeps one flush outstanding and
// resumes only as flushes complete.
func TestTLSStreamWriteBackPressure(t *testing.T) {
	cfg, loop := newTestConfig(t)
	client, server, counter := newCountedTLSPair(t, cfg, loop)
	counter.hold = true

	payload := bytes.Repeat([]byte("0123456789"), 20000)
	write := client.WriteVectored(IOVec{payload})
	spin(t, loop, 10)
	assert.True(t, write.InProgress())
	assert.Equal(t, 1, counter.writes)
	assert.Len(t, counter.held, 1)
	assert.Less(t, client.written, len(payload))

	for i := 0; i < 200 && write.InProgress(); i++ {
		counter.release()
		spin(t, loop, 1)
	}
	written, err := await(t, loop, write)
	require.NoError(t, err)
	assert.Equal(t, len(payload), written)
	assert.Greater(t, counter.writes, 1)

	received := make([]byte, len(payload))
	_, err = await(t, loop, ReadFull(loop, server, received))
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, received))
}

// Losing the wrapped stream fails a pending read and stops the helper goroutine.
func TestTLSStreamPlainEOF(t *testing.T) {
	cfg, loop := newTestConfig(t)
	_, server, left, _ := newTestTLSPair(t, cfg, loop, 1024)

	read := server.ReadVectored(IOVec{make([]byte, 16)})
	spin(t, loop, 2)
	assert.True(t, read.InProgress())

	_, err := await(t, loop, left.Disconnect())
	require.NoError(t, err)
	_, err = await(t, loop, read)
	require.ErrorIs(t, err, ErrConnectionClosed)
	assert.True(t, server.worker.stopped)
	assert.False(t, server.worker.running)
}
