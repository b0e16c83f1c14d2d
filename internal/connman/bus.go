package connman

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Bus is the slice of a D-Bus connection this package needs: method calls
// against the ConnMan daemon, signal subscription, and object export for
// the agent. *dbus.Conn satisfies it through systemBus; tests substitute an
// in-memory daemon.
type Bus interface {
	// Call invokes method (a fully qualified interface.member name) on the
	// ConnMan object at path and returns the reply body.
	Call(path dbus.ObjectPath, method string, args ...any) ([]any, error)

	// Export publishes v at path under iface so the daemon can call back
	// into it.
	Export(v any, path dbus.ObjectPath, iface string) error

	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error

	// Signal registers ch to receive matched signals; RemoveSignal detaches
	// it without closing it.
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)

	Close() error
}

type systemBus struct {
	conn *dbus.Conn
}

// DialSystem connects a private system bus connection for talking to ConnMan.
func DialSystem() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &systemBus{conn: conn}, nil
}

// Dial connects to a D-Bus daemon at the given address. Used by integration
// tests to point at a private dbus-daemon; production uses DialSystem.
func Dial(address string) (Bus, error) {
	conn, err := dbus.Connect(address)
	if err != nil {
		return nil, fmt.Errorf("connect to bus %s: %w", address, err)
	}
	return &systemBus{conn: conn}, nil
}

func (b *systemBus) Call(path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := b.conn.Object(BusName, path).Call(method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}
	return call.Body, nil
}

func (b *systemBus) Export(v any, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *systemBus) AddMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.AddMatchSignal(options...)
}

func (b *systemBus) RemoveMatchSignal(options ...dbus.MatchOption) error {
	return b.conn.RemoveMatchSignal(options...)
}

func (b *systemBus) Signal(ch chan<- *dbus.Signal) {
	b.conn.Signal(ch)
}

func (b *systemBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.conn.RemoveSignal(ch)
}

func (b *systemBus) Close() error {
	return b.conn.Close()
}
