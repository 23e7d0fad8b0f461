// Package locker supervises the external screen locker process.
//
// A Supervisor runs at most one locker at a time. Process exits are observed from a background
// goroutine and delivered on a channel, so that the owner can handle them on its own event loop
// together with every other event.
package locker
