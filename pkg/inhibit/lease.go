package inhibit

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrLeaseReleased is returned when a Lease is released more than once.
var ErrLeaseReleased = errors.New("inhibitor lease already released")

// Lease is a held inhibitor lock. The inhibition lasts until Release is called.
//
// A Lease has a single owner and is consumed by Release: releasing it a second time returns
// ErrLeaseReleased instead of touching the underlying descriptor again.
type Lease struct {
	mu       sync.Mutex
	c        io.Closer
	released bool
}

// NewLease wraps c, the resource backing an inhibitor lock, in a Lease.
func NewLease(c io.Closer) *Lease {
	return &Lease{c: c}
}

// Release releases the inhibitor lock.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return ErrLeaseReleased
	}
	l.released = true

	if err := l.c.Close(); err != nil {
		return fmt.Errorf("failed to release inhibitor lock: %w", err)
	}

	return nil
}

// Released reports whether Release has been called.
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.released
}
