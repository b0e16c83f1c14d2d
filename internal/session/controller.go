// Package session owns the live ConnMan session: lifecycle, startup
// policy, the credential agent registration and the normalization of
// daemon signals into events.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/netsound/connman-session/internal/agent"
	"github.com/netsound/connman-session/internal/config"
	"github.com/netsound/connman-session/internal/connman"
)

// State is the session lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Started:
		return "started"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Controller.
type Options struct {
	// Dial opens the bus connection to the daemon. Defaults to
	// connman.DialSystem; tests inject an in-memory daemon.
	Dial func() (connman.Bus, error)

	// AgentPath is where the credential agent is exported. Defaults to
	// connman.DefaultAgentPath.
	AgentPath dbus.ObjectPath
}

// Controller serializes every session operation and state transition
// through one run-loop goroutine. Public methods marshal a closure into
// the loop and wait; bus signals arrive on godbus's dispatch goroutine and
// are handed off through the same loop, so no state needs locking.
type Controller struct {
	dial      func() (connman.Bus, error)
	agentPath dbus.ObjectPath

	ops     chan func()
	signals chan *dbus.Signal
	done    chan struct{}
	closing sync.Once

	events *dispatcher

	// Owned by the run loop.
	state State
	snap  config.Snapshot
	bus   connman.Bus
	client *connman.Client
	agent  *agent.Agent
}

// New creates a Controller holding the given runtime configuration and
// starts its run loop. The session itself is not started; call Start.
func New(snap config.Snapshot, opts Options) *Controller {
	dial := opts.Dial
	if dial == nil {
		dial = connman.DialSystem
	}
	agentPath := opts.AgentPath
	if agentPath == "" {
		agentPath = connman.DefaultAgentPath
	}

	c := &Controller{
		dial:      dial,
		agentPath: agentPath,
		ops:       make(chan func()),
		signals:   make(chan *dbus.Signal, 32),
		done:      make(chan struct{}),
		events:    newDispatcher(),
		state:     Stopped,
		snap:      snap,
	}
	go c.run()
	return c
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.ops:
			fn()
		case sig := <-c.signals:
			c.handleSignal(sig)
		case <-c.done:
			return
		}
	}
}

// do runs fn inside the run loop and returns its error. A panic in fn is
// recovered and logged; the controller keeps serving rather than crashing
// the process.
func (c *Controller) do(fn func() error) error {
	errc := make(chan error, 1)
	op := func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in session operation", "panic", r)
				errc <- fmt.Errorf("internal error: %v", r)
			}
		}()
		errc <- fn()
	}

	select {
	case c.ops <- op:
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	}
}

// requireStarted is the readiness gate every operational call passes first.
func (c *Controller) requireStarted() error {
	if c.state != Started {
		return ErrNotReady
	}
	return nil
}

// Subscribe registers an observer for events and returns a token for
// Unsubscribe.
func (c *Controller) Subscribe(obs Observer) uuid.UUID {
	return c.events.subscribe(obs)
}

// Unsubscribe removes a previously registered observer.
func (c *Controller) Unsubscribe(id uuid.UUID) {
	c.events.unsubscribe(id)
}

// SessionState returns the lifecycle state.
func (c *Controller) SessionState() State {
	var state State
	_ = c.do(func() error {
		state = c.state
		return nil
	})
	return state
}

// Start establishes the session: bus connection, signal subscriptions,
// agent registration and startup policy. Idempotent; a second Start while
// Started or Starting is a no-op.
func (c *Controller) Start() error {
	return c.do(c.startLocked)
}

// Stop tears the session down: agent unregistration, signal removal and
// the connection handle. Idempotent. Teardown errors are swallowed so the
// transition always completes.
func (c *Controller) Stop() error {
	return c.do(func() error {
		c.stopLocked()
		return nil
	})
}

// Close stops the session and shuts the controller down permanently.
func (c *Controller) Close() {
	c.closing.Do(func() {
		_ = c.Stop()
		close(c.done)
		c.events.close()
	})
}

func (c *Controller) startLocked() error {
	if c.state == Started || c.state == Starting {
		return nil
	}
	c.state = Starting

	bus, err := c.dial()
	if err != nil {
		c.state = Stopped
		return &connman.TransportError{Op: "dial", Err: err}
	}
	client := connman.NewClient(bus)

	abort := func(err error) error {
		_ = bus.Close()
		c.state = Stopped
		return err
	}

	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(connman.ManagerInterface),
		dbus.WithMatchMember("ServicesChanged"),
	); err != nil {
		return abort(&connman.TransportError{Op: "subscribe ServicesChanged", Err: err})
	}
	if err := bus.AddMatchSignal(
		dbus.WithMatchInterface(connman.ManagerInterface),
		dbus.WithMatchMember("PropertyChanged"),
	); err != nil {
		return abort(&connman.TransportError{Op: "subscribe PropertyChanged", Err: err})
	}
	bus.Signal(c.signals)

	// A stale registration may linger from a previous run; dropping it is
	// best-effort since the daemon may never have seen us.
	if err := client.UnregisterAgent(c.agentPath); err != nil {
		slog.Debug("stale agent unregister", "error", err)
	}

	ag := agent.New()
	if err := ag.Export(bus, c.agentPath); err != nil {
		bus.RemoveSignal(c.signals)
		return abort(&connman.TransportError{Op: "export agent", Err: err})
	}
	if err := client.RegisterAgent(c.agentPath); err != nil {
		bus.RemoveSignal(c.signals)
		return abort(err)
	}

	c.bus = bus
	c.client = client
	c.agent = ag

	c.applyStartupPolicy()

	c.state = Started
	c.events.emit(Event{Kind: EventServiceStarted})
	slog.Info("connection manager session started")
	return nil
}

// applyStartupPolicy powers on technologies in the powered set (others are
// left as they are) and, when the system is idle, applies the link-local
// fallback. Individual failures are logged, not fatal: a half-applied
// policy is still a usable session.
func (c *Controller) applyStartupPolicy() {
	techs, err := c.client.Technologies()
	if err != nil {
		slog.Warn("startup policy: listing technologies failed", "error", err)
		return
	}
	powered := toSet(c.snap.Powered)
	for _, tech := range techs {
		if powered[tech.Type] && !tech.Powered {
			if err := c.client.SetTechnologyPowered(tech.Path, true); err != nil {
				slog.Warn("startup policy: power on failed", "technology", tech.Type, "error", err)
			} else {
				slog.Info("startup policy: powered on", "technology", tech.Type)
			}
		}
	}

	if !c.snap.APIPAEnabled {
		return
	}
	state, err := c.client.State()
	if err != nil {
		slog.Warn("link-local fallback: reading state failed", "error", err)
		return
	}
	if state != "idle" {
		return
	}
	svc, ok, err := c.findServiceByName(c.snap.APIPAInterface)
	if err != nil {
		slog.Warn("link-local fallback: service lookup failed", "error", err)
		return
	}
	if !ok {
		slog.Debug("link-local fallback: target service not found", "name", c.snap.APIPAInterface)
		return
	}
	ipConfig := map[string]string{
		"Method":  "manual",
		"Address": c.snap.APIPAAddress,
		"Netmask": c.snap.APIPANetmask,
	}
	if err := c.client.SetServiceProperty(svc.Path, "IPv4.Configuration", ipConfig); err != nil {
		slog.Warn("link-local fallback: setting IPv4 failed", "name", c.snap.APIPAInterface, "error", err)
		return
	}
	if err := c.client.ConnectService(svc.Path); err != nil {
		slog.Warn("link-local fallback: connect failed", "name", c.snap.APIPAInterface, "error", err)
		return
	}
	slog.Info("link-local fallback applied", "name", c.snap.APIPAInterface, "address", c.snap.APIPAAddress)
}

func (c *Controller) stopLocked() {
	if c.state == Stopped || c.state == Stopping {
		return
	}
	c.state = Stopping

	if err := c.client.UnregisterAgent(c.agentPath); err != nil {
		slog.Debug("agent unregister during stop", "error", err)
	}
	if err := c.bus.RemoveMatchSignal(
		dbus.WithMatchInterface(connman.ManagerInterface),
		dbus.WithMatchMember("ServicesChanged"),
	); err != nil {
		slog.Debug("remove ServicesChanged match", "error", err)
	}
	if err := c.bus.RemoveMatchSignal(
		dbus.WithMatchInterface(connman.ManagerInterface),
		dbus.WithMatchMember("PropertyChanged"),
	); err != nil {
		slog.Debug("remove PropertyChanged match", "error", err)
	}
	c.bus.RemoveSignal(c.signals)
	if err := c.bus.Close(); err != nil {
		slog.Debug("bus close", "error", err)
	}

	c.bus = nil
	c.client = nil
	c.agent = nil

	c.state = Stopped
	c.events.emit(Event{Kind: EventServiceStopped})
	slog.Info("connection manager session stopped")
}

// handleSignal normalizes a daemon signal into an event. Runs in the loop;
// a fault here is logged and swallowed.
func (c *Controller) handleSignal(sig *dbus.Signal) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic handling signal", "signal", sig.Name, "panic", r)
		}
	}()

	if c.state != Started {
		return
	}

	switch sig.Name {
	case connman.SignalServicesChanged:
		// Full snapshot rather than the signal's diff: consumers never
		// have to track removals.
		snapshot, err := c.connectionsSnapshot()
		if err != nil {
			slog.Warn("service list refresh failed", "error", err)
			return
		}
		c.events.emit(Event{Kind: EventConnectionsChanged, Connections: snapshot})

	case connman.SignalPropertyChanged:
		if len(sig.Body) != 2 {
			return
		}
		key, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		value := sig.Body[1]
		if v, isVariant := value.(dbus.Variant); isVariant {
			value = connman.Flatten(v)
		}
		c.events.emit(Event{Kind: EventPropertyChanged, Key: key, Value: value})
	}
}

func (c *Controller) connectionsSnapshot() ([]ConnectionInfo, error) {
	services, err := c.client.Services()
	if err != nil {
		return nil, err
	}
	infos := make([]ConnectionInfo, 0, len(services))
	for _, svc := range services {
		infos = append(infos, ConnectionInfo{Name: svc.Name(), Type: svc.Type()})
	}
	return infos, nil
}

// findServiceByName resolves a public name to a service, first match in
// daemon order. Names are resolved fresh per operation; a renamed or
// removed service is simply not found.
func (c *Controller) findServiceByName(name string) (connman.Service, bool, error) {
	services, err := c.client.Services()
	if err != nil {
		return connman.Service{}, false, err
	}
	for _, svc := range services {
		if svc.Name() == name {
			return svc, true, nil
		}
	}
	return connman.Service{}, false, nil
}

// ListConnections returns the public names of all current services, in
// daemon order. Duplicate names are kept as-is.
func (c *Controller) ListConnections() ([]string, error) {
	var names []string
	err := c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		services, err := c.client.Services()
		if err != nil {
			return err
		}
		names = make([]string, 0, len(services))
		for _, svc := range services {
			names = append(names, svc.Name())
		}
		return nil
	})
	return names, err
}

// Connections returns the (name, type) snapshot used by the event stream.
func (c *Controller) Connections() ([]ConnectionInfo, error) {
	var infos []ConnectionInfo
	err := c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		var snapErr error
		infos, snapErr = c.connectionsSnapshot()
		return snapErr
	})
	return infos, err
}

// Scan requests a scan on every technology whose type is in types; with a
// nil or empty set the configured scannable set is used. Each technology
// is attempted independently — the daemon rejects scans on powered-off
// technologies and that must not abort the rest.
func (c *Controller) Scan(types []string) error {
	return c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		wanted := toSet(types)
		if len(wanted) == 0 {
			wanted = toSet(c.snap.Scannable)
		}
		techs, err := c.client.Technologies()
		if err != nil {
			return err
		}
		var errs []error
		for _, tech := range techs {
			if !wanted[tech.Type] {
				continue
			}
			if err := c.client.ScanTechnology(tech.Path); err != nil {
				slog.Warn("scan failed", "technology", tech.Type, "error", err)
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ConnectionState returns the daemon's aggregate state: offline, idle,
// ready or online.
func (c *Controller) ConnectionState() (string, error) {
	var state string
	err := c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		var stateErr error
		state, stateErr = c.client.State()
		return stateErr
	})
	return state, err
}

// Connect connects the service named name. Unknown names are a silent
// no-op; callers poll state instead of branching on errors.
func (c *Controller) Connect(name string) error {
	return c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		svc, ok, err := c.findServiceByName(name)
		if err != nil || !ok {
			return err
		}
		return c.client.ConnectService(svc.Path)
	})
}

// Disconnect disconnects the service named name; unknown names are a
// silent no-op.
func (c *Controller) Disconnect(name string) error {
	return c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		svc, ok, err := c.findServiceByName(name)
		if err != nil || !ok {
			return err
		}
		return c.client.DisconnectService(svc.Path)
	})
}

// ConnectionProperties returns the whitelisted properties of the named
// service. ok is false when the name does not resolve.
func (c *Controller) ConnectionProperties(name string) (map[string]any, bool, error) {
	var props map[string]any
	var found bool
	err := c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		svc, ok, err := c.findServiceByName(name)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		live, err := c.client.ServiceProperties(svc.Path)
		if err != nil {
			return err
		}
		props = make(map[string]any)
		for key, value := range live {
			if connman.KnownProperty(key) {
				props[key] = connman.Flatten(value)
			}
		}
		found = true
		return nil
	})
	return props, found, err
}

// SetConnectionProperties writes the read-write subset of updates to the
// named service. Only keys already present on the live property bag are
// written — a caller can override a property but never introduce one.
// Unknown names are a silent no-op.
func (c *Controller) SetConnectionProperties(name string, updates map[string]any) error {
	return c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		svc, ok, err := c.findServiceByName(name)
		if err != nil || !ok {
			return err
		}
		live, err := c.client.ServiceProperties(svc.Path)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(updates))
		for key := range updates {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			if !connman.ReadWriteProperties[key] {
				continue
			}
			if _, present := live[key]; !present {
				continue
			}
			if err := c.client.SetServiceProperty(svc.Path, key, connman.Normalize(updates[key])); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetWifiConfig stores credentials for the named service (or agent.Wildcard
// for "answer anything") so the agent can answer the daemon's join
// requests. Unknown names are a silent no-op.
func (c *Controller) SetWifiConfig(target string, fields map[string]string) error {
	return c.do(func() error {
		if err := c.requireStarted(); err != nil {
			return err
		}
		if target == agent.Wildcard {
			c.agent.SetCredentials(agent.Wildcard, fields)
			return nil
		}
		svc, ok, err := c.findServiceByName(target)
		if err != nil || !ok {
			return err
		}
		c.agent.SetCredentials(string(svc.Path), fields)
		return nil
	})
}

// SetConfigProperty mutates one runtime config property and bounces the
// session (stop, then start) so startup policy is re-applied consistently.
// Not gated: configuring a stopped controller starts it.
func (c *Controller) SetConfigProperty(key string, value any) error {
	return c.do(func() error {
		if err := c.snap.Set(key, value); err != nil {
			return err
		}
		c.events.emit(Event{Kind: EventServicePropertyChanged, Key: key, Value: value})
		c.stopLocked()
		return c.startLocked()
	})
}

// GetConfigProperty returns one runtime config property, or with key ""
// the whole snapshot as a map. ok is false for unknown keys.
func (c *Controller) GetConfigProperty(key string) (any, bool) {
	var value any
	var ok bool
	_ = c.do(func() error {
		if key == "" {
			value, ok = c.snap.All(), true
			return nil
		}
		value, ok = c.snap.Get(key)
		return nil
	})
	return value, ok
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
