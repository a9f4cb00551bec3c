//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

package tstream

// SLogger is the subset of [*slog.Logger] used by streams and operations.
//
// Two levels are used:
//   - Info for lifecycle events: connect, disconnect, the TLS handshake,
//     connection setup and security-wrap failures
//   - Debug for the per-I/O events of [*ObserveStream]
//
// Completion events carry t0, t, err and errClass. Stream events carry
// the streamID of the emitting layer.
type SLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

// DefaultSLogger returns an [SLogger] discarding all events.
//
// A library must not write to stdout or stderr unless told to: pass a
// [*slog.Logger] to see the events.
func DefaultSLogger() SLogger {
	return discardSLogger{}
}

// discardSLogger is the [SLogger] dropping every event.
type discardSLogger struct{}

var _ SLogger = discardSLogger{}

// Debug implements [SLogger].
func (discardSLogger) Debug(msg string, args ...any) {
	// nothing
}

// Info implements [SLogger].
func (discardSLogger) Info(msg string, args ...any) {
	// nothing
}
