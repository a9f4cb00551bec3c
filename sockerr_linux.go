//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/unix.go
//

package tstream

import (
	"errors"

	"golang.org/x/sys/unix"
)

// isRetryable returns whether err is an EINTR/EAGAIN-class condition that
// must be retried instead of surfacing to the caller.
func isRetryable(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// isConnectInProgress returns whether a nonblocking connect is still pending.
func isConnectInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EALREADY) || isRetryable(err)
}

// transportError wraps a syscall failure as a [KindTransport] error. The
// [unix.Errno] stays reachable through [errors.Is] and [errors.As].
func transportError(op string, err error) error {
	if errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOBUFS) {
		return newError(KindResource, op, err)
	}
	return newError(KindTransport, op, err)
}
