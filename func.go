// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import "context"

// Unit is a type not containing any value.
//
// It is the result of operations such as [ByteStream.Disconnect] that
// complete without producing anything, and the input of [Func] values
// that take no argument.
type Unit struct{}

// Func is a blocking step of a pipeline built on top of the asynchronous
// core: it accepts an input and returns a result.
//
// Func instances can be composed using [Compose2], [Compose3], etc. to create
// type-safe pipelines where the output of one step flows to the input of the next.
//
// Resource cleanup contract: when a Func receives a stream as input and
// returns an error, it disconnects that stream before returning, so that
// composed pipelines do not leak file descriptors on partial failure.
// See [TLSHandshakeFunc] for an example of this pattern.
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter wraps a function as a [Func] implementation.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// NewOpFunc returns a [Func] that starts an asynchronous operation with
// start and runs driver using [Await] until it completes.
//
// Use this to lift any [*Op] producer into a pipeline step.
func NewOpFunc[A, B any](driver Driver, start func(input A) *Op[B]) Func[A, B] {
	return FuncAdapter[A, B](func(ctx context.Context, input A) (B, error) {
		return Await(ctx, driver, start(input))
	})
}
