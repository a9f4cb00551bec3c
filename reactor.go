// SPDX-License-Identifier: GPL-3.0-or-later

package tstream

import "time"

// IOEvents is a set of file descriptor readiness conditions.
type IOEvents uint8

const (
	// EventRead means the descriptor is readable (or hung up).
	EventRead IOEvents = 1 << iota

	// EventWrite means the descriptor is writable (or in error).
	EventWrite
)

// Reactor is the single-threaded event loop driving every component.
//
// All the methods except [Driver.Wake] must be called from the goroutine
// running the loop. Handlers and scheduled callbacks run on that goroutine.
type Reactor interface {
	// Watch registers fd for the given readiness events. The handler
	// receives the subset of events that fired. A zero event set keeps
	// the registration but disables notifications.
	Watch(fd int, events IOEvents, handler func(IOEvents)) (FDWatch, error)

	// Schedule runs fn once on the next loop iteration.
	Schedule(fn func())

	// AfterFunc runs fn once after d elapses.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the loop's notion of the current time.
	Now() time.Time
}

// FDWatch is a file descriptor registration returned by [Reactor.Watch].
type FDWatch interface {
	// Events returns the currently enabled events.
	Events() IOEvents

	// SetEvents replaces the enabled events.
	SetEvents(events IOEvents)

	// Close removes the registration. It does not close the fd.
	Close()
}

// Timer is a pending [Reactor.AfterFunc] callback.
type Timer interface {
	// Stop prevents the callback from running and reports whether
	// it did so (false means it already ran or was stopped).
	Stop() bool
}

// Driver is a [Reactor] that the caller can run step by step.
type Driver interface {
	Reactor

	// RunOnce runs a single loop iteration, blocking for at most maxWait
	// when there is nothing ready to run.
	RunOnce(maxWait time.Duration) error

	// Wake interrupts a blocked RunOnce. Safe to call from any goroutine.
	Wake()
}
