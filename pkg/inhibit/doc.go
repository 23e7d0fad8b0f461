// Package inhibit talks to the inhibitor API of systemd-logind, [org.freedesktop.login1].
//
// It creates inhibitor locks, lists the active ones, and relays the PrepareForSleep and
// PrepareForShutdown signals. SleepLease builds the delay-type sleep lease a screen locker holds
// so that the system waits for the screen to be locked before it suspends.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
package inhibit
