// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"context"
	"errors"
	"time"
)

// awaitMaxWait bounds a single blocking [Driver.RunOnce] inside [Await].
const awaitMaxWait = time.Second

// Await runs the driver until op reaches a terminal state and returns
// its outcome. It is the bridge between the asynchronous core and the
// synchronous [Func] world.
//
// The context deadline, if any, becomes the op deadline, so expiry fails
// the op with [ErrTimeout]. Cancellation is watched using [context.AfterFunc],
// which wakes the driver: the op is then abandoned and ctx.Err() returned.
// Closing over the driver rather than polling keeps ^C handling responsive.
//
// Await must be called from the goroutine that owns the driver.
func Await[T any](ctx context.Context, driver Driver, op *Op[T]) (T, error) {
	if deadline, ok := ctx.Deadline(); ok {
		op.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, driver.Wake)
	defer stop()

	for op.InProgress() {
		// Deadline expiry is left to the op timer so that it fails with ErrTimeout.
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			op.Abandon()
			return *new(T), err
		}
		if err := driver.RunOnce(awaitMaxWait); err != nil {
			op.Abandon()
			return *new(T), err
		}
	}
	return op.Result()
}
