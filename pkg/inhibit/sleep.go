package inhibit

import "fmt"

// Manager is the part of the login manager a SleepLease needs.
// *Inhibitor implements it.
type Manager interface {
	Inhibit(who string, why string, mode Mode, what ...What) (*Lease, error)
	ListInhibitors() ([]Info, error)
}

// AlreadyRunningError is returned by SleepLease.Guard when another process already holds an
// inhibitor with the same owner.
type AlreadyRunningError struct {
	Who string
	PID uint32
	UID uint32
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("%s is already running: pid %d (uid %d) holds its inhibitor", e.Who, e.PID, e.UID)
}

// SleepLease acquires delay-type sleep inhibitors on behalf of one owner.
type SleepLease struct {
	manager Manager
	who     string
	why     string
}

// NewSleepLease creates a SleepLease. who identifies the owner of the inhibitor and is also what
// Guard looks for. why is shown to users that list inhibitors.
func NewSleepLease(manager Manager, who string, why string) *SleepLease {
	return &SleepLease{
		manager: manager,
		who:     who,
		why:     why,
	}
}

// Guard fails with *AlreadyRunningError when an active inhibitor is owned by who.
// Call it before the first Acquire.
func (s *SleepLease) Guard() error {
	inhibitors, err := s.manager.ListInhibitors()
	if err != nil {
		return err
	}

	for _, info := range inhibitors {
		if info.Who == s.who {
			return &AlreadyRunningError{Who: s.who, PID: info.PID, UID: info.UID}
		}
	}

	return nil
}

// Acquire takes a new delay-type sleep inhibitor.
func (s *SleepLease) Acquire() (*Lease, error) {
	lease, err := s.manager.Inhibit(s.who, s.why, ModeDelay, WhatSleep)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sleep inhibitor for %s: %w", s.who, err)
	}

	return lease, nil
}
