package idle

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MatthiasKunnen/go-wayland/wayland/client"
	idleNotify "github.com/MatthiasKunnen/go-wayland/wayland/staging/ext-idle-notify-v1"
)

type waylandController struct {
	close     chan struct{}
	closeOnce sync.Once
	// The dispatch channel exists to synchronize the wayland communication which is not safe to be
	// done over multiple goroutines.
	dispatchChan chan func() error
	display      *client.Display
	notifier     *idleNotify.IdleNotifier
	registry     *client.Registry
	seat         *client.Seat
}

type waylandNotification struct {
	once         sync.Once
	controller   *waylandController
	notification *idleNotify.IdleNotification
}

func (n *waylandNotification) Close() error {
	n.once.Do(func() {
		destroy := func() error {
			// Destroy must be done in the same goroutine as dispatch and other
			// Wayland interactions.
			if err := n.notification.Destroy(); err != nil {
				return fmt.Errorf("failed to close wayland idle notification: %w", err)
			}

			return nil
		}

		go func() {
			select {
			case <-n.controller.close:
			case n.controller.dispatchChan <- destroy:
			}
		}()
	})

	return nil
}

// NewWaylandController connects to the Wayland compositor of the current session and binds the
// ext-idle-notify-v1 global.
// Functions received from Dispatch must be executed on the goroutine that uses the controller.
func NewWaylandController() (Controller, error) {
	m := &waylandController{
		close:        make(chan struct{}),
		dispatchChan: make(chan func() error),
	}
	var err error
	m.display, err = client.Connect("")
	if err != nil {
		return nil, fmt.Errorf("error connecting to Wayland server: %w", err)
	}

	m.registry, err = m.display.GetRegistry()
	if err != nil {
		return nil, errors.Join(
			fmt.Errorf("error getting Wayland registry: %w", err),
			m.Close(),
		)
	}

	var bindErr error
	m.registry.SetGlobalHandler(func(e client.RegistryGlobalEvent) {
		switch e.Interface {
		case idleNotify.IdleNotifierInterfaceName:
			m.notifier = idleNotify.NewIdleNotifier(m.context())
			if err := m.registry.Bind(e.Name, e.Interface, e.Version, m.notifier); err != nil {
				bindErr = errors.Join(bindErr, fmt.Errorf("unable to bind %s: %w", e.Interface, err))
			}
		case client.SeatInterfaceName:
			seat := client.NewSeat(m.context())
			if err := m.registry.Bind(e.Name, e.Interface, e.Version, seat); err != nil {
				bindErr = errors.Join(bindErr, fmt.Errorf("unable to bind %s: %w", e.Interface, err))
			}
			m.seat = seat
		}
	})

	// The first roundtrip announces the globals, the second completes the binds.
	for i := 1; i <= 2; i++ {
		if err := m.display.Roundtrip(); err != nil {
			return nil, errors.Join(fmt.Errorf("failed roundtrip %d: %w", i, err), m.Close())
		}
		if bindErr != nil {
			return nil, errors.Join(fmt.Errorf("failed to bind globals: %w", bindErr), m.Close())
		}
	}

	if m.notifier == nil {
		return nil, errors.Join(
			errors.New("no idle notifier was announced, ext-idle-notify might not be supported"),
			m.Close(),
		)
	}
	if m.seat == nil {
		return nil, errors.Join(errors.New("no seat was announced"), m.Close())
	}

	go func() {
		for {
			select {
			case m.dispatchChan <- m.display.Context().GetDispatch():
			case <-m.close:
				return
			}
		}
	}()

	return m, nil
}

func (m *waylandController) context() *client.Context {
	return m.display.Context()
}

func (m *waylandController) Dispatch() <-chan func() error {
	return m.dispatchChan
}

func (m *waylandController) Close() error {
	var totalError error

	if m.notifier != nil {
		if err := m.notifier.Destroy(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf(
				"unable to destroy %s: %w",
				idleNotify.IdleNotifierInterfaceName,
				err,
			))
		}
	}
	if m.seat != nil {
		if err := m.seat.Release(); err != nil {
			totalError = errors.Join(totalError, fmt.Errorf("error releasing seat: %w", err))
		}
	}
	if err := m.display.Destroy(); err != nil {
		totalError = errors.Join(totalError, fmt.Errorf("error destroying display: %w", err))
	}

	m.closeOnce.Do(func() {
		close(m.close)
	})

	if err := m.context().Close(); err != nil {
		totalError = errors.Join(totalError, fmt.Errorf("error closing wayland connection: %w", err))
	}

	return totalError
}

// Watch registers an idle notification for timeout on the seat.
// It must be called from the goroutine that executes the dispatch functions.
func (m *waylandController) Watch(timeout time.Duration, events chan<- Event) (Notification, error) {
	if events == nil {
		return nil, errors.New("Watch: events channel cannot be nil")
	}

	timeoutMs := timeout.Milliseconds()
	switch {
	case timeoutMs > math.MaxUint32:
		return nil, fmt.Errorf("timeout too large, %d > %d", timeoutMs, uint32(math.MaxUint32))
	case timeoutMs < 0:
		timeoutMs = 0
	}

	notification, err := m.notifier.GetIdleNotification(uint32(timeoutMs), m.seat)
	if err != nil {
		return nil, fmt.Errorf("unable to get idle notification: %w", err)
	}

	send := func(e Event) {
		// Execute in goroutine to prevent blocking dispatch
		go func() {
			select {
			case events <- e:
			case <-m.close:
			}
		}()
	}

	notification.SetIdledHandler(func(idleNotify.IdleNotificationIdledEvent) {
		send(Idled)
	})
	notification.SetResumedHandler(func(idleNotify.IdleNotificationResumedEvent) {
		send(Resumed)
	})

	return &waylandNotification{
		controller:   m,
		notification: notification,
	}, nil
}
