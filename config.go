// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import (
	"net"
	"time"

	"github.com/bassosimone/runtimex"
)

// Config holds common configuration for tstream operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields except Driver have sensible defaults set by [NewConfig].
type Config struct {
	// Driver is the event loop every component is scheduled on.
	//
	// Set by [NewConfig] to the user-provided [Driver].
	Driver Driver

	// Dialer is the blocking [Dialer] used by [*DialFunc].
	//
	// Set by [NewConfig] to a zero [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// TLSEngine builds client-side TLS connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TLSServerEngine builds server-side TLS connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSServerEngine TLSServerEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] using the given [Driver] with sensible defaults.
//
// There is no package-level default driver: the event loop is always
// injected explicitly.
func NewConfig(driver Driver) *Config {
	runtimex.Assert(driver != nil)
	return &Config{
		Dialer:          &net.Dialer{},
		Driver:          driver,
		ErrClassifier:   DefaultErrClassifier,
		TLSEngine:       TLSEngineStdlib{},
		TLSServerEngine: TLSEngineStdlib{},
		TimeNow:         time.Now,
	}
}
