package inhibit

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusPath             = "/org/freedesktop/login1"
)

type Inhibitor struct {
	conn                   *dbus.Conn
	login1                 dbus.BusObject
	path                   dbus.ObjectPath
	muSignals              sync.Mutex
	closeSignalHandler     chan struct{}
	signals                chan *dbus.Signal
	prepareForSleepSubs    map[chan<- bool]struct{}
	prepareForShutdownSubs map[chan<- bool]struct{}
}

func New() (*Inhibitor, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	inhibitor := &Inhibitor{
		conn:                   conn,
		login1:                 conn.Object(dbusDest, dbusPath),
		path:                   dbusPath,
		closeSignalHandler:     make(chan struct{}),
		signals:                make(chan *dbus.Signal, 8),
		prepareForSleepSubs:    make(map[chan<- bool]struct{}),
		prepareForShutdownSubs: make(map[chan<- bool]struct{}),
	}

	conn.Signal(inhibitor.signals)
	go func() {
		for {
			select {
			case <-inhibitor.closeSignalHandler:
				conn.RemoveSignal(inhibitor.signals)
				return
			case v := <-inhibitor.signals:
				inhibitor.handleIncomingSignal(v)
			}
		}
	}()

	return inhibitor, nil
}

type What string

const (
	WhatHandleHibernateKey What = "handle-hibernate-key"
	WhatHandleLidSwitch    What = "handle-lid-switch"
	WhatHandlePowerKey     What = "handle-power-key"
	WhatHandleSuspendKey   What = "handle-suspend-key"
	WhatIdle               What = "idle"
	WhatShutdown           What = "shutdown"
	WhatSleep              What = "sleep"
)

type Mode string

const (
	ModeBlock     Mode = "block"
	ModeBlockWeak Mode = "block-weak"
	ModeDelay     Mode = "delay"
)

// Info describes an active inhibitor as reported by ListInhibitors.
type Info struct {
	What string
	Who  string
	Why  string
	Mode string
	UID  uint32
	PID  uint32
}

// Inhibit creates an inhibition lock. It takes four parameters: what, who, why,
// and mode.
//   - what is one or more of actions that should be inhibited.
//   - who should be a short human-readable string identifying the application taking the lock.
//   - why should be a short human-readable string identifying the reason why the lock is taken.
//   - mode determines whether the inhibition shall be considered mandatory ("block") or whether it
//     should just delay the operation to a certain maximum time ("delay"),
//     while "block-weak" will create an inhibitor that is automatically ignored in some
//     circumstances.
//
// The lock is released when the returned Lease is released.
func (i *Inhibitor) Inhibit(who string, why string, mode Mode, what ...What) (*Lease, error) {
	if len(what) == 0 {
		return nil, errors.New("Inhibit: at least one What is required")
	}

	var fd dbus.UnixFD

	err := i.login1.
		Call(dbusManagerInterface+".Inhibit", 0, joinWhat(what), who, why, string(mode)).
		Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("failed to create inhibit lock: %w", err)
	}

	return NewLease(os.NewFile(uintptr(fd), "inhibit")), nil
}

// ListInhibitors returns all inhibitors that are currently active on the system.
func (i *Inhibitor) ListInhibitors() ([]Info, error) {
	var inhibitors []Info

	err := i.login1.
		Call(dbusManagerInterface+".ListInhibitors", 0).
		Store(&inhibitors)
	if err != nil {
		return nil, fmt.Errorf("failed to list inhibitors: %w", err)
	}

	return inhibitors, nil
}

func (i *Inhibitor) handleIncomingSignal(s *dbus.Signal) {
	if s == nil {
		// Seems to happen on close
		return
	}

	if s.Path != i.path {
		return
	}

	var subs map[chan<- bool]struct{}
	switch s.Name {
	case dbusManagerInterface + ".PrepareForSleep":
		subs = i.prepareForSleepSubs
	case dbusManagerInterface + ".PrepareForShutdown":
		subs = i.prepareForShutdownSubs
	default:
		return
	}

	if len(s.Body) == 0 {
		return
	}
	change, ok := s.Body[0].(bool)
	if !ok {
		return
	}

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	for c := range subs {
		select {
		case c <- change:
		default:
		}
	}
}

func (i *Inhibitor) matchOptions(member string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(i.path),
		dbus.WithMatchInterface(dbusManagerInterface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember(member),
	}
}

// subscribe adds c to subs and registers the match rule for member on the first subscription.
func (i *Inhibitor) subscribe(subs map[chan<- bool]struct{}, member string, c chan<- bool) error {
	if c == nil {
		return fmt.Errorf("subscribe %s: channel cannot be nil", member)
	}

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	if len(subs) == 0 {
		if err := i.conn.AddMatchSignal(i.matchOptions(member)...); err != nil {
			return fmt.Errorf("failed to register Dbus %s signal: %w", member, err)
		}
	}

	subs[c] = struct{}{}

	return nil
}

// unsubscribe removes c from subs and removes the match rule for member after the last one.
func (i *Inhibitor) unsubscribe(subs map[chan<- bool]struct{}, member string, c chan<- bool) error {
	if c == nil {
		return fmt.Errorf("unsubscribe %s: channel cannot be nil", member)
	}

	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	if _, ok := subs[c]; !ok {
		return nil
	}

	delete(subs, c)
	if len(subs) == 0 {
		return i.removeMatch(member)
	}

	return nil
}

func (i *Inhibitor) removeMatch(member string) error {
	if err := i.conn.RemoveMatchSignal(i.matchOptions(member)...); err != nil {
		return fmt.Errorf("failed to remove Dbus %s signal: %w", member, err)
	}

	return nil
}

// SubscribePrepareForSleep registers the channel so that it will be notified when the system wants
// to sleep (true) or resumes from suspend (false).
// Unregister the channel using UnsubscribePrepareForSleep.
func (i *Inhibitor) SubscribePrepareForSleep(c chan<- bool) error {
	return i.subscribe(i.prepareForSleepSubs, "PrepareForSleep", c)
}

func (i *Inhibitor) UnsubscribePrepareForSleep(c chan<- bool) error {
	return i.unsubscribe(i.prepareForSleepSubs, "PrepareForSleep", c)
}

// SubscribePrepareForShutdown registers the channel so that it will be notified when the system
// wants to shut down or reboot (true). False is not expected since all programs will have closed
// after restarting the system.
// Unregister the channel using UnsubscribePrepareForShutdown.
func (i *Inhibitor) SubscribePrepareForShutdown(c chan<- bool) error {
	return i.subscribe(i.prepareForShutdownSubs, "PrepareForShutdown", c)
}

func (i *Inhibitor) UnsubscribePrepareForShutdown(c chan<- bool) error {
	return i.unsubscribe(i.prepareForShutdownSubs, "PrepareForShutdown", c)
}

// Close permanently stops processing signals. Discard the inhibitor afterward.
// Leases obtained from the inhibitor stay valid and must be released separately.
func (i *Inhibitor) Close() error {
	i.muSignals.Lock()
	defer i.muSignals.Unlock()

	var err error

	if len(i.prepareForSleepSubs) > 0 {
		clear(i.prepareForSleepSubs)
		err = errors.Join(err, i.removeMatch("PrepareForSleep"))
	}
	if len(i.prepareForShutdownSubs) > 0 {
		clear(i.prepareForShutdownSubs)
		err = errors.Join(err, i.removeMatch("PrepareForShutdown"))
	}

	close(i.closeSignalHandler)
	return err
}

func joinWhat(elems []What) string {
	parts := make([]string, len(elems))
	for i, elem := range elems {
		parts[i] = string(elem)
	}

	return strings.Join(parts, ":")
}
