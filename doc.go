// SPDX-License-Identifier: GPL-3.0-or-later

// Package tstream provides a composable asynchronous byte/datagram transport stack.
//
// # Core Abstraction
//
// Every blocking operation returns an [*Op], a one-shot handle completed
// by its owner and observed with a single continuation:
//
//	op := stream.ReadVectored(IOVec{buf})
//	op.Then(func(n int, err error) { ... })
//
// Every layer implements the same [ByteStream] contract, so layers wrap
// one another uniformly:
//
//   - [*SocketStream]: a non-blocking socket driven by a [Reactor]
//   - [*TLSStream]: TLS over any [ByteStream] (see [TLSConnect] and [TLSAccept])
//   - [*SecurityWrapStream]: SASL/GSS wrap tokens over any [ByteStream]
//   - [*FramingStream]: the connection-setup handshake followed by byte
//     or message mode (see [FramingConnect] and [FramingAccept])
//   - [*ObserveStream]: structured logging of I/O operations
//   - [*MemPipe]: an in-memory stream pair
//
// [*DatagramSocket] implements the datagram counterpart, [DatagramChannel].
//
// A stream allows at most one outstanding read and one outstanding write.
// Use a [*SerialQueue] to issue more operations in order.
//
// # Reactor
//
// The event loop is always injected through [Config.Driver]. The package
// ships [*PollLoop], a poll(2)-based [Driver]. Continuations never run
// inside the call that initiated an operation: operations that can finish
// immediately complete on the next reactor iteration.
//
// # Synchronous Composition
//
// The [Func] types adapt the asynchronous core to blocking pipelines:
//
//	pipeline := Compose5(
//		NewConnectFunc(cfg, "tcp", logger),
//		AsByteStream[*SocketStream](),
//		NewTLSHandshakeFunc(cfg, tlsConfig, logger),
//		AsByteStream[*TLSStream](),
//		NewObserveStreamFunc(cfg, logger),
//	)
//	stream, err := pipeline.Call(ctx, netip.MustParseAddrPort("127.0.0.1:443"))
//
// Each Func runs the driver with [Await] until its op completes. The context
// deadline becomes the op deadline and cancellation abandons the op.
//
// # Ownership
//
// [*FramingStream] and [*ObserveStream] own the stream they wrap: Disconnect
// disconnects it. [*TLSStream] and [*SecurityWrapStream] do not: the caller
// disconnects the plain stream after disconnecting the layer on top.
//
// # Observability
//
// All components support structured logging via [SLogger] (compatible with [log/slog]).
// Lifecycle events (connect, TLS handshake, setup, disconnect) use
// [slog.LevelInfo]; per-I/O events emitted by [*ObserveStream] use
// [slog.LevelDebug]. Completion events include t0, t, err and errClass.
// Use [NewSpanID] to correlate events: every stream carries its own span ID.
package tstream
