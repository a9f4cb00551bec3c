// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
)

// OpState is the state of an [*Op].
type OpState int

const (
	// OpCreated is the state of a freshly created op.
	OpCreated OpState = iota

	// OpInProgress is the state of an op waiting for the reactor.
	OpInProgress

	// OpDone is the state of an op that completed successfully.
	OpDone

	// OpFailed is the state of an op that completed with an error.
	OpFailed

	// OpAbandoned is the state of an op whose handle the caller dropped.
	OpAbandoned
)

// String implements [fmt.Stringer].
func (s OpState) String() string {
	switch s {
	case OpCreated:
		return "created"
	case OpInProgress:
		return "inProgress"
	case OpDone:
		return "done"
	case OpFailed:
		return "failed"
	case OpAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

var opCounter atomic.Uint64

// Op is a single in-flight asynchronous call producing a T.
//
// The component that creates an Op drives it to completion by calling
// exactly one of [*Op.Complete], [*Op.Fail], [*Op.Post] or [*Op.PostFail].
// The caller observes the outcome by registering a continuation with
// [*Op.Then]. A caller no longer interested in the outcome must call
// [*Op.Abandon], which lets the owner clear any slot referencing the op.
//
// An Op is not safe for concurrent use: it belongs to the reactor goroutine.
type Op[T any] struct {
	cleanup  func()
	err      error
	expired  bool
	id       uint64
	reactor  Reactor
	result   T
	state    OpState
	then     func(T, error)
	thenSet  bool
	timer    Timer
	finished bool
}

// NewOp creates a new [*Op] in the [OpCreated] state.
func NewOp[T any](r Reactor) *Op[T] {
	runtimex.Assert(r != nil)
	return &Op[T]{
		id:      opCounter.Add(1),
		reactor: r,
		state:   OpCreated,
	}
}

// ID returns the op's process-unique identifier.
func (op *Op[T]) ID() uint64 {
	return op.id
}

// State returns the current state.
func (op *Op[T]) State() OpState {
	return op.state
}

// InProgress returns whether the op has not reached a terminal state.
func (op *Op[T]) InProgress() bool {
	return op.state == OpCreated || op.state == OpInProgress
}

// Suspend moves a created op to [OpInProgress].
func (op *Op[T]) Suspend() {
	if op.state == OpCreated {
		op.state = OpInProgress
	}
}

// Result returns the result and error of a terminal op.
func (op *Op[T]) Result() (T, error) {
	return op.result, op.err
}

// Err returns the error of a failed op or nil.
func (op *Op[T]) Err() error {
	return op.err
}

// SetCleanup registers the owner hook that runs exactly once when the op
// leaves the in-progress states, before the continuation runs.
func (op *Op[T]) SetCleanup(fn func()) {
	op.cleanup = fn
}

// Then registers the continuation. It may be called at most once.
//
// If the op already completed, fn runs on the next reactor iteration.
// The continuation of an abandoned op never runs.
func (op *Op[T]) Then(fn func(T, error)) {
	runtimex.Assert(!op.thenSet)
	op.thenSet = true
	op.then = fn
	if op.state == OpDone || op.state == OpFailed {
		op.reactor.Schedule(op.fire)
	}
}

// SetDeadline arranges for the op to fail with [ErrTimeout] at t.
func (op *Op[T]) SetDeadline(t time.Time) {
	if !op.InProgress() {
		return
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	op.timer = op.reactor.AfterFunc(t.Sub(op.reactor.Now()), func() {
		op.timer = nil
		if op.InProgress() {
			op.expired = true
			op.finish(*new(T), ErrTimeout)
		}
	})
}

// Complete terminates the op successfully.
func (op *Op[T]) Complete(v T) {
	if op.skip() {
		return
	}
	op.finish(v, nil)
}

// Fail terminates the op with err.
func (op *Op[T]) Fail(err error) {
	runtimex.Assert(err != nil)
	if op.skip() {
		return
	}
	op.finish(*new(T), err)
}

// Post completes the op with v on the next reactor iteration.
func (op *Op[T]) Post(v T) {
	op.Suspend()
	op.reactor.Schedule(func() {
		if op.InProgress() {
			op.finish(v, nil)
		}
	})
}

// PostFail fails the op with err on the next reactor iteration.
func (op *Op[T]) PostFail(err error) {
	runtimex.Assert(err != nil)
	op.Suspend()
	op.reactor.Schedule(func() {
		if op.InProgress() {
			op.finish(*new(T), err)
		}
	})
}

// Abandon detaches the caller from the op. The owner's cleanup hook runs
// so that a later operation is not rejected as busy. In-flight OS I/O is
// not cancelled and its eventual outcome is discarded.
func (op *Op[T]) Abandon() {
	if !op.InProgress() {
		return
	}
	op.expired = true
	op.state = OpAbandoned
	op.then = nil
	op.stopTimer()
	op.runCleanup()
}

// skip returns true when a terminal call must be ignored because the op
// expired. Completing an op twice is a programming error.
func (op *Op[T]) skip() bool {
	if op.expired {
		return true
	}
	runtimex.Assert(op.InProgress())
	return false
}

func (op *Op[T]) finish(v T, err error) {
	op.result = v
	op.err = err
	if err != nil {
		op.state = OpFailed
	} else {
		op.state = OpDone
	}
	op.stopTimer()
	op.runCleanup()
	if op.then != nil {
		op.fire()
	}
}

func (op *Op[T]) fire() {
	if op.finished || op.then == nil {
		return
	}
	op.finished = true
	fn := op.then
	op.then = nil
	fn(op.result, op.err)
}

func (op *Op[T]) stopTimer() {
	if op.timer != nil {
		op.timer.Stop()
		op.timer = nil
	}
}

func (op *Op[T]) runCleanup() {
	if fn := op.cleanup; fn != nil {
		op.cleanup = nil
		fn()
	}
}

// forward creates an op that mirrors inner after observe has seen the
// outcome. Abandoning the returned op abandons inner.
func forward[T any](r Reactor, inner *Op[T], observe func(T, error)) *Op[T] {
	outer := NewOp[T](r)
	outer.Suspend()
	outer.SetCleanup(inner.Abandon)
	inner.Then(func(v T, err error) {
		if observe != nil {
			observe(v, err)
		}
		if err != nil {
			outer.Fail(err)
			return
		}
		outer.Complete(v)
	})
	return outer
}
