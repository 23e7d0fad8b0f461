// Package powermgmt queries the desktop's power management service,
// [org.freedesktop.PowerManagement], for idle inhibition.
//
// Desktop environments and media players take an idle inhibitor while, for example, a video is
// playing. While one is active, locking the screen because of inactivity is unwanted.
//
// [org.freedesktop.PowerManagement]: https://specifications.freedesktop.org/power-management-spec/latest/
package powermgmt

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.PowerManagement"
	dbusInhibitInterface = "org.freedesktop.PowerManagement.Inhibit"
	dbusPath             = "/org/freedesktop/PowerManagement/Inhibit"
)

type Gate struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// New connects to the session bus. The power management service itself is only contacted when
// IsInhibited is called.
func New() (*Gate, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	return &Gate{
		conn: conn,
		obj:  conn.Object(dbusDest, dbusPath),
	}, nil
}

// IsInhibited reports whether an application currently inhibits idle actions.
// Every call queries the service; the result is never cached.
func (g *Gate) IsInhibited() (bool, error) {
	var inhibited bool

	err := g.obj.Call(dbusInhibitInterface+".HasInhibit", 0).Store(&inhibited)
	if err != nil {
		return false, fmt.Errorf("could not query idle inhibition: %w", err)
	}

	return inhibited, nil
}
