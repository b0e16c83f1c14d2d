// Package testutil provides an in-memory ConnMan daemon implementing
// connman.Bus for tests.
package testutil

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/netsound/connman-session/internal/connman"
)

// FakeTechnology is one technology served by the fake daemon.
type FakeTechnology struct {
	Path    dbus.ObjectPath
	Type    string
	Powered bool

	// ScanErr, when set, makes Scan fail for this technology.
	ScanErr error

	ScanCount int
}

// FakeService is one service served by the fake daemon.
type FakeService struct {
	Path       dbus.ObjectPath
	Properties map[string]dbus.Variant

	Connected    bool
	Disconnected bool
}

// FakeDaemon is an in-memory ConnMan daemon. It implements connman.Bus, records
// every method call, and lets tests inject failures and emit signals.
type FakeDaemon struct {
	mu sync.Mutex

	State        string
	Technologies []*FakeTechnology
	Services     []*FakeService

	// RegisteredAgents holds agent paths currently registered.
	RegisteredAgents map[dbus.ObjectPath]bool

	// UnregisterAgentErr is returned by UnregisterAgent when set; the
	// controller must swallow it during teardown.
	UnregisterAgentErr error

	// CallErr fails any call whose method name has the given suffix.
	CallErr map[string]error

	calls    []string
	exported map[string]any
	signals  []chan<- *dbus.Signal
	closed   bool
}

// NewFakeDaemon creates a fake daemon with state "idle" and no objects.
func NewFakeDaemon() *FakeDaemon {
	return &FakeDaemon{
		State:            "idle",
		RegisteredAgents: make(map[dbus.ObjectPath]bool),
		CallErr:          make(map[string]error),
		exported:         make(map[string]any),
	}
}

// AddTechnology registers a technology and returns it for later mutation.
func (f *FakeDaemon) AddTechnology(typ string, powered bool) *FakeTechnology {
	f.mu.Lock()
	defer f.mu.Unlock()
	tech := &FakeTechnology{
		Path:    dbus.ObjectPath("/net/connman/technology/" + typ),
		Type:    typ,
		Powered: powered,
	}
	f.Technologies = append(f.Technologies, tech)
	return tech
}

// AddService registers a service with the given name and type plus any
// extra properties, and returns it.
func (f *FakeDaemon) AddService(name, typ string, extra map[string]dbus.Variant) *FakeService {
	f.mu.Lock()
	defer f.mu.Unlock()
	props := map[string]dbus.Variant{
		"Name": dbus.MakeVariant(name),
		"Type": dbus.MakeVariant(typ),
	}
	for k, v := range extra {
		props[k] = v
	}
	svc := &FakeService{
		Path:       dbus.ObjectPath(fmt.Sprintf("/net/connman/service/%s_%d", typ, len(f.Services))),
		Properties: props,
	}
	f.Services = append(f.Services, svc)
	return svc
}

// Calls returns the recorded method names, in order.
func (f *FakeDaemon) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// CallCount returns how many recorded calls end with suffix.
func (f *FakeDaemon) CallCount(suffix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, call := range f.calls {
		if strings.HasSuffix(call, suffix) {
			n++
		}
	}
	return n
}

// Exported returns the object exported at path+iface, typically the agent.
func (f *FakeDaemon) Exported(path dbus.ObjectPath, iface string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exported[string(path)+":"+iface]
}

// Emit delivers sig to every registered signal channel, the way godbus
// fans signals out to subscribers.
func (f *FakeDaemon) Emit(sig *dbus.Signal) {
	f.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), f.signals...)
	f.mu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

// Closed reports whether Close was called.
func (f *FakeDaemon) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Call implements connman.Bus.
func (f *FakeDaemon) Call(path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)

	for suffix, err := range f.CallErr {
		if strings.HasSuffix(method, suffix) {
			return nil, err
		}
	}

	switch method {
	case connman.ManagerInterface + ".GetProperties":
		return []any{map[string]dbus.Variant{"State": dbus.MakeVariant(f.State)}}, nil

	case connman.ManagerInterface + ".GetTechnologies":
		entries := make([][]any, 0, len(f.Technologies))
		for _, tech := range f.Technologies {
			entries = append(entries, []any{tech.Path, map[string]dbus.Variant{
				"Type":    dbus.MakeVariant(tech.Type),
				"Powered": dbus.MakeVariant(tech.Powered),
			}})
		}
		return []any{entries}, nil

	case connman.ManagerInterface + ".GetServices":
		entries := make([][]any, 0, len(f.Services))
		for _, svc := range f.Services {
			entries = append(entries, []any{svc.Path, svc.Properties})
		}
		return []any{entries}, nil

	case connman.ManagerInterface + ".RegisterAgent":
		f.RegisteredAgents[args[0].(dbus.ObjectPath)] = true
		return nil, nil

	case connman.ManagerInterface + ".UnregisterAgent":
		if f.UnregisterAgentErr != nil {
			return nil, f.UnregisterAgentErr
		}
		agentPath := args[0].(dbus.ObjectPath)
		if !f.RegisteredAgents[agentPath] {
			return nil, dbus.NewError("net.connman.Error.NotRegistered", nil)
		}
		delete(f.RegisteredAgents, agentPath)
		return nil, nil

	case connman.TechnologyInterface + ".SetProperty":
		tech := f.technologyAt(path)
		if tech == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		if args[0].(string) == "Powered" {
			tech.Powered = args[1].(dbus.Variant).Value().(bool)
		}
		return nil, nil

	case connman.TechnologyInterface + ".Scan":
		tech := f.technologyAt(path)
		if tech == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		if tech.ScanErr != nil {
			return nil, tech.ScanErr
		}
		tech.ScanCount++
		return nil, nil

	case connman.ServiceInterface + ".Connect":
		svc := f.serviceAt(path)
		if svc == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		svc.Connected = true
		return nil, nil

	case connman.ServiceInterface + ".Disconnect":
		svc := f.serviceAt(path)
		if svc == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		svc.Disconnected = true
		return nil, nil

	case connman.ServiceInterface + ".GetProperties":
		svc := f.serviceAt(path)
		if svc == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		props := make(map[string]dbus.Variant, len(svc.Properties))
		for k, v := range svc.Properties {
			props[k] = v
		}
		return []any{props}, nil

	case connman.ServiceInterface + ".SetProperty":
		svc := f.serviceAt(path)
		if svc == nil {
			return nil, dbus.NewError("net.connman.Error.NotFound", nil)
		}
		svc.Properties[args[0].(string)] = args[1].(dbus.Variant)
		return nil, nil

	default:
		return nil, dbus.NewError("org.freedesktop.DBus.Error.UnknownMethod", nil)
	}
}

func (f *FakeDaemon) technologyAt(path dbus.ObjectPath) *FakeTechnology {
	for _, tech := range f.Technologies {
		if tech.Path == path {
			return tech
		}
	}
	return nil
}

func (f *FakeDaemon) serviceAt(path dbus.ObjectPath) *FakeService {
	for _, svc := range f.Services {
		if svc.Path == path {
			return svc
		}
	}
	return nil
}

// Export implements connman.Bus.
func (f *FakeDaemon) Export(v any, path dbus.ObjectPath, iface string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exported[string(path)+":"+iface] = v
	return nil
}

// AddMatchSignal implements connman.Bus.
func (f *FakeDaemon) AddMatchSignal(options ...dbus.MatchOption) error {
	return nil
}

// RemoveMatchSignal implements connman.Bus.
func (f *FakeDaemon) RemoveMatchSignal(options ...dbus.MatchOption) error {
	return nil
}

// Signal implements connman.Bus.
func (f *FakeDaemon) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, ch)
}

// RemoveSignal implements connman.Bus.
func (f *FakeDaemon) RemoveSignal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, registered := range f.signals {
		if registered == ch {
			f.signals = append(f.signals[:i], f.signals[i+1:]...)
			return
		}
	}
}

// Close implements connman.Bus.
func (f *FakeDaemon) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
