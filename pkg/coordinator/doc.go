// Package coordinator reconciles lock requests, unlock requests, sleep transitions and locker
// exits into a single locked/unlocked state.
//
// Coordinator owns the lock state and the locker process. SleepGate owns the sleep inhibitor
// lease and makes sure the session is locked before the lease is released and the system is
// allowed to sleep.
//
// Both are designed to be driven from a single event loop. They guard their state with a mutex
// regardless, so calls from other goroutines are serialized.
package coordinator
