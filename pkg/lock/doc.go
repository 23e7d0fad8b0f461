// Package lock provides an API for the lock state of a login session.
// The default implementation implements systemd-logind using its D-Bus interface,
// [org.freedesktop.login1]: it resolves the session by ID, reports its properties,
// relays the Lock and Unlock signals, and maintains the session's LockedHint.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package lock
