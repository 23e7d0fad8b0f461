// Package idle reports user inactivity.
//
// The Wayland implementation uses the ext-idle-notify-v1 protocol. Wayland objects must only be
// used from one goroutine, so the controller hands out the work it needs done on a dispatch
// channel; the receiving event loop runs each function it receives.
package idle

import (
	"time"
)

// Event is a change in the idle state of the seat.
type Event int

const (
	// Idled is sent when the seat has been inactive for the configured timeout.
	Idled Event = iota
	// Resumed is sent on the first activity after Idled.
	Resumed
)

func (e Event) String() string {
	switch e {
	case Idled:
		return "idled"
	case Resumed:
		return "resumed"
	default:
		return "unknown"
	}
}

type Controller interface {
	// Watch sends Idled on events once the seat was inactive for timeout, and Resumed when it
	// becomes active again. Sends happen from a separate goroutine and block until received or
	// until the controller is closed.
	Watch(timeout time.Duration, events chan<- Event) (Notification, error)

	// Dispatch returns the channel of functions that must be executed on the goroutine that
	// uses the Controller.
	Dispatch() <-chan func() error

	// Close closes any connection the Controller might have. Do not use the Controller after
	// this.
	Close() error
}

type Notification interface {
	// Close destroys this notification.
	// Safe to be called from another goroutine.
	Close() error
}
