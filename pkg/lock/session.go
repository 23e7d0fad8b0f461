package lock

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Session is a snapshot of an org.freedesktop.login1.Session taken at one point in time.
type Session struct {
	ID         string
	Name       string
	TTY        string
	Type       string
	LockedHint bool
}

// String formats the session as a single tab separated status line:
// id, user name, tty, type and locked hint.
func (s Session) String() string {
	return fmt.Sprintf("%s\t%s\t%s\t%s\t%t", s.ID, s.Name, s.TTY, s.Type, s.LockedHint)
}

// sessionFromProperties builds a Session from the result of
// org.freedesktop.DBus.Properties.GetAll on the org.freedesktop.login1.Session interface.
func sessionFromProperties(props map[string]dbus.Variant) (Session, error) {
	var s Session
	var err error

	if s.ID, err = stringProperty(props, "Id"); err != nil {
		return Session{}, err
	}
	if s.Name, err = stringProperty(props, "Name"); err != nil {
		return Session{}, err
	}
	if s.TTY, err = stringProperty(props, "TTY"); err != nil {
		return Session{}, err
	}
	if s.Type, err = stringProperty(props, "Type"); err != nil {
		return Session{}, err
	}

	v, ok := props["LockedHint"]
	if !ok {
		return Session{}, fmt.Errorf("session property LockedHint is missing")
	}
	s.LockedHint, ok = v.Value().(bool)
	if !ok {
		return Session{}, fmt.Errorf("session property LockedHint is not a boolean: %v", v)
	}

	return s, nil
}

func stringProperty(props map[string]dbus.Variant, name string) (string, error) {
	v, ok := props[name]
	if !ok {
		return "", fmt.Errorf("session property %s is missing", name)
	}

	s, ok := v.Value().(string)
	if !ok {
		return "", fmt.Errorf("session property %s is not a string: %v", name, v)
	}

	return s, nil
}
