package secrets

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	dbusDest             = "org.freedesktop.secrets"
	dbusServiceInterface = "org.freedesktop.Secret.Service"
	dbusPath             = "/org/freedesktop/secrets"

	// noPrompt is the prompt path returned when no user interaction is needed.
	noPrompt = dbus.ObjectPath("/")
)

type Secrets struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

func New() (*Secrets, error) {
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	return &Secrets{
		conn: conn,
		obj:  conn.Object(dbusDest, dbusPath),
	}, nil
}

// Lock locks the given objects. The given objects are prepended by "/org/freedesktop/secrets/",
// e.g. "collection/login" for the login keyring.
// It returns the objects that were locked without needing a prompt.
func (s *Secrets) Lock(paths []string) ([]dbus.ObjectPath, error) {
	var locked []dbus.ObjectPath
	var prompt dbus.ObjectPath

	err := s.obj.Call(dbusServiceInterface+".Lock", 0, objectPaths(paths)).Store(&locked, &prompt)
	if err != nil {
		return nil, fmt.Errorf("could not lock collections %v: %w", paths, err)
	}

	if prompt != noPrompt && prompt != "" {
		return locked, fmt.Errorf("locking %v requires a prompt (%s), which is not supported", paths, prompt)
	}

	return locked, nil
}

func objectPaths(paths []string) []dbus.ObjectPath {
	objs := make([]dbus.ObjectPath, len(paths))
	for i, path := range paths {
		objs[i] = dbus.ObjectPath(dbusPath + "/" + strings.TrimPrefix(path, "/"))
	}

	return objs
}
