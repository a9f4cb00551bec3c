// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// A span is a sequence of operation that can fail in a single, specific
// way. For example, connecting a socket and handshaking TLS over it.
// Every stream created by this package is also tagged with a span ID,
// which appears as the streamID field of its log events.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
