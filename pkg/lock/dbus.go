package lock

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.login1"
	dbusPath             = "/org/freedesktop/login1"
	dbusManagerInterface = "org.freedesktop.login1.Manager"
	dbusSessionInterface = "org.freedesktop.login1.Session"
	dbusPropsInterface   = "org.freedesktop.DBus.Properties"
)

// member identifies one of the signals a dbusCon can be subscribed to.
type member struct {
	iface string
	name  string
}

var (
	memberLock              = member{iface: dbusSessionInterface, name: "Lock"}
	memberUnlock            = member{iface: dbusSessionInterface, name: "Unlock"}
	memberPropertiesChanged = member{iface: dbusPropsInterface, name: "PropertiesChanged"}
)

type dbusCon struct {
	conn               *dbus.Conn
	sessionObject      dbus.BusObject
	sessionPath        dbus.ObjectPath
	muSignals          sync.Mutex
	closeSignalHandler chan struct{}
	signals            chan *dbus.Signal

	lockSignals       map[chan<- struct{}]struct{}
	lockedHintSignals map[chan<- bool]struct{}
	unlockSignals     map[chan<- struct{}]struct{}

	// active holds the signals for which a match rule is registered on the bus.
	active map[member]bool
}

// NewDbusSessionLock creates and initializes a D-Bus [org.freedesktop.login1] implementation of the
// Lock interface for the given session.
//
// sessionId is the ID of the session. Usually set to the XDG_SESSION_ID env var.
//
// [org.freedesktop.login1]: https://www.freedesktop.org/software/systemd/man/latest/org.freedesktop.login1.html
func NewDbusSessionLock(sessionId string) (Lock, error) {
	if sessionId == "" {
		return nil, errors.New("sessionId is empty")
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	var sessionPath dbus.ObjectPath
	err = conn.Object(dbusDest, dbusPath).
		Call(dbusManagerInterface+".GetSession", 0, sessionId).
		Store(&sessionPath)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to find session %s: %w", sessionId, err)
	}

	result := &dbusCon{
		conn:               conn,
		sessionObject:      conn.Object(dbusDest, sessionPath),
		sessionPath:        sessionPath,
		closeSignalHandler: make(chan struct{}),
		signals:            make(chan *dbus.Signal, 8),
		lockSignals:        make(map[chan<- struct{}]struct{}),
		unlockSignals:      make(map[chan<- struct{}]struct{}),
		lockedHintSignals:  make(map[chan<- bool]struct{}),
		active:             make(map[member]bool),
	}

	conn.Signal(result.signals)
	go func() {
		for {
			select {
			case <-result.closeSignalHandler:
				conn.RemoveSignal(result.signals)
				return
			case v := <-result.signals:
				result.handleIncomingSignal(v)
			}
		}
	}()

	return result, nil
}

func (dc *dbusCon) Session() (Session, error) {
	var props map[string]dbus.Variant
	err := dc.sessionObject.
		Call(dbusPropsInterface+".GetAll", 0, dbusSessionInterface).
		Store(&props)
	if err != nil {
		return Session{}, fmt.Errorf("could not get session properties: %w", err)
	}

	return sessionFromProperties(props)
}

func (dc *dbusCon) SetLocked(locked bool) error {
	err := dc.sessionObject.
		Call(dbusSessionInterface+".SetLockedHint", 0, locked).Err
	if err != nil {
		return fmt.Errorf("could not set locked hint: %w", err)
	}

	return nil
}

func (dc *dbusCon) GetLocked() (bool, error) {
	variant, err := dc.sessionObject.GetProperty(dbusSessionInterface + ".LockedHint")
	if err != nil {
		return false, fmt.Errorf("could not get locked hint: %w", err)
	}

	lockedHint, ok := variant.Value().(bool)
	if !ok {
		return false, fmt.Errorf("LockedHint property result is not a boolean")
	}

	return lockedHint, nil
}

func (dc *dbusCon) matchOptions(m member) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchObjectPath(dc.sessionPath),
		dbus.WithMatchInterface(m.iface),
		dbus.WithMatchSender(dbusDest),
		dbus.WithMatchMember(m.name),
	}
}

// addMatch registers the match rule for m unless it is already active.
// Holding the muSignals mutex is required.
func (dc *dbusCon) addMatch(m member) error {
	if dc.active[m] {
		return nil
	}

	if err := dc.conn.AddMatchSignal(dc.matchOptions(m)...); err != nil {
		return fmt.Errorf("failed to register Dbus %s signal: %w", m.name, err)
	}

	dc.active[m] = true
	return nil
}

// removeMatch removes the match rule for m if it was registered.
// Holding the muSignals mutex is required.
func (dc *dbusCon) removeMatch(m member) error {
	if !dc.active[m] {
		return nil
	}

	if err := dc.conn.RemoveMatchSignal(dc.matchOptions(m)...); err != nil {
		return fmt.Errorf("failed to remove Dbus %s signal: %w", m.name, err)
	}

	delete(dc.active, m)
	return nil
}

func (dc *dbusCon) AddLockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("AddLockSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	if err := dc.addMatch(memberLock); err != nil {
		return err
	}
	dc.lockSignals[c] = struct{}{}

	return nil
}

func (dc *dbusCon) RemoveLockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("RemoveLockSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	delete(dc.lockSignals, c)
	if len(dc.lockSignals) == 0 {
		return dc.removeMatch(memberLock)
	}

	return nil
}

func (dc *dbusCon) AddUnlockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("AddUnlockSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	if err := dc.addMatch(memberUnlock); err != nil {
		return err
	}
	dc.unlockSignals[c] = struct{}{}

	return nil
}

func (dc *dbusCon) RemoveUnlockSignal(c chan<- struct{}) error {
	if c == nil {
		return errors.New("RemoveUnlockSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	delete(dc.unlockSignals, c)
	if len(dc.unlockSignals) == 0 {
		return dc.removeMatch(memberUnlock)
	}

	return nil
}

func (dc *dbusCon) AddLockedSignal(c chan<- bool) error {
	if c == nil {
		return errors.New("AddLockedSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	if err := dc.addMatch(memberPropertiesChanged); err != nil {
		return err
	}
	dc.lockedHintSignals[c] = struct{}{}

	return nil
}

func (dc *dbusCon) RemoveLockedSignal(c chan<- bool) error {
	if c == nil {
		return errors.New("RemoveLockedSignal: channel cannot be nil")
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	delete(dc.lockedHintSignals, c)
	if len(dc.lockedHintSignals) == 0 {
		return dc.removeMatch(memberPropertiesChanged)
	}

	return nil
}

// Close unregisters all signals and closes the system bus connection.
func (dc *dbusCon) Close() error {
	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	var err error

	clear(dc.lockSignals)
	clear(dc.unlockSignals)
	clear(dc.lockedHintSignals)
	for _, m := range []member{memberLock, memberUnlock, memberPropertiesChanged} {
		err = errors.Join(err, dc.removeMatch(m))
	}

	close(dc.closeSignalHandler)
	return errors.Join(err, dc.conn.Close())
}

func (dc *dbusCon) handleIncomingSignal(s *dbus.Signal) {
	if s == nil {
		// Seems to happen on close
		return
	}

	if s.Path != dc.sessionPath {
		return
	}

	dc.muSignals.Lock()
	defer dc.muSignals.Unlock()

	switch s.Name {
	case dbusSessionInterface + ".Lock":
		notifyAll(dc.lockSignals, struct{}{})
	case dbusSessionInterface + ".Unlock":
		notifyAll(dc.unlockSignals, struct{}{})
	case dbusPropsInterface + ".PropertiesChanged":
		isLocked, ok := lockedHintChange(s.Body)
		if !ok {
			return
		}
		notifyAll(dc.lockedHintSignals, isLocked)
	}
}

// lockedHintChange extracts the new LockedHint from a PropertiesChanged body,
// (interface string, changed a{sv}, invalidated as).
func lockedHintChange(body []interface{}) (locked bool, ok bool) {
	if len(body) < 2 {
		return false, false
	}

	if iface, _ := body[0].(string); iface != dbusSessionInterface {
		return false, false
	}

	changed, isMap := body[1].(map[string]dbus.Variant)
	if !isMap {
		return false, false
	}

	lockedHintProperty, hasLockedHint := changed["LockedHint"]
	if !hasLockedHint {
		return false, false
	}

	locked, ok = lockedHintProperty.Value().(bool)
	return locked, ok
}

func notifyAll[T any](subs map[chan<- T]struct{}, v T) {
	for c := range subs {
		select {
		case c <- v:
		default:
		}
	}
}
