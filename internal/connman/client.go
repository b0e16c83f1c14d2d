package connman

import (
	"github.com/godbus/dbus/v5"
)

// Client is a typed wrapper over the ConnMan Manager and the per-object
// Technology/Service interfaces. It holds no state of its own; every query
// hits the daemon fresh.
type Client struct {
	bus Bus
}

// NewClient creates a client over an established bus connection.
func NewClient(bus Bus) *Client {
	return &Client{bus: bus}
}

// Properties returns the Manager's top-level property map.
func (c *Client) Properties() (map[string]dbus.Variant, error) {
	body, err := c.bus.Call(ManagerPath, ManagerInterface+".GetProperties")
	if err != nil {
		return nil, &TransportError{Op: "Manager.GetProperties", Err: err}
	}
	var props map[string]dbus.Variant
	if err := dbus.Store(body, &props); err != nil {
		return nil, &TransportError{Op: "Manager.GetProperties reply", Err: err}
	}
	return props, nil
}

// State returns the aggregate connection state: offline, idle, ready or
// online.
func (c *Client) State() (string, error) {
	props, err := c.Properties()
	if err != nil {
		return "", err
	}
	state, _ := props["State"].Value().(string)
	return state, nil
}

// Technologies enumerates the daemon's technologies in daemon order.
func (c *Client) Technologies() ([]Technology, error) {
	body, err := c.bus.Call(ManagerPath, ManagerInterface+".GetTechnologies")
	if err != nil {
		return nil, &TransportError{Op: "Manager.GetTechnologies", Err: err}
	}
	var raw []struct {
		Path       dbus.ObjectPath
		Properties map[string]dbus.Variant
	}
	if err := dbus.Store(body, &raw); err != nil {
		return nil, &TransportError{Op: "Manager.GetTechnologies reply", Err: err}
	}
	techs := make([]Technology, 0, len(raw))
	for _, entry := range raw {
		typ, _ := entry.Properties["Type"].Value().(string)
		powered, _ := entry.Properties["Powered"].Value().(bool)
		techs = append(techs, Technology{Path: entry.Path, Type: typ, Powered: powered})
	}
	return techs, nil
}

// Services enumerates known and discoverable services in daemon order.
func (c *Client) Services() ([]Service, error) {
	body, err := c.bus.Call(ManagerPath, ManagerInterface+".GetServices")
	if err != nil {
		return nil, &TransportError{Op: "Manager.GetServices", Err: err}
	}
	var raw []struct {
		Path       dbus.ObjectPath
		Properties map[string]dbus.Variant
	}
	if err := dbus.Store(body, &raw); err != nil {
		return nil, &TransportError{Op: "Manager.GetServices reply", Err: err}
	}
	services := make([]Service, 0, len(raw))
	for _, entry := range raw {
		services = append(services, Service{Path: entry.Path, Properties: entry.Properties})
	}
	return services, nil
}

// RegisterAgent tells the daemon to route credential requests to the agent
// object exported at path.
func (c *Client) RegisterAgent(path dbus.ObjectPath) error {
	if _, err := c.bus.Call(ManagerPath, ManagerInterface+".RegisterAgent", path); err != nil {
		return &TransportError{Op: "Manager.RegisterAgent", Err: err}
	}
	return nil
}

// UnregisterAgent detaches the agent at path from the daemon.
func (c *Client) UnregisterAgent(path dbus.ObjectPath) error {
	if _, err := c.bus.Call(ManagerPath, ManagerInterface+".UnregisterAgent", path); err != nil {
		return &TransportError{Op: "Manager.UnregisterAgent", Err: err}
	}
	return nil
}

// SetTechnologyPowered flips a technology's power state. Fire-and-forget:
// the daemon confirms asynchronously through a PropertyChanged signal.
func (c *Client) SetTechnologyPowered(path dbus.ObjectPath, on bool) error {
	if _, err := c.bus.Call(path, TechnologyInterface+".SetProperty", "Powered", dbus.MakeVariant(on)); err != nil {
		return &TransportError{Op: "Technology.SetProperty Powered", Err: err}
	}
	return nil
}

// ScanTechnology asks a technology to refresh its service list. Results
// arrive as ServicesChanged signals.
func (c *Client) ScanTechnology(path dbus.ObjectPath) error {
	if _, err := c.bus.Call(path, TechnologyInterface+".Scan"); err != nil {
		return &TransportError{Op: "Technology.Scan", Err: err}
	}
	return nil
}

// ConnectService connects the service at path.
func (c *Client) ConnectService(path dbus.ObjectPath) error {
	if _, err := c.bus.Call(path, ServiceInterface+".Connect"); err != nil {
		return &TransportError{Op: "Service.Connect", Err: err}
	}
	return nil
}

// DisconnectService disconnects the service at path.
func (c *Client) DisconnectService(path dbus.ObjectPath) error {
	if _, err := c.bus.Call(path, ServiceInterface+".Disconnect"); err != nil {
		return &TransportError{Op: "Service.Disconnect", Err: err}
	}
	return nil
}

// ServiceProperties reads the full live property bag of the service at path.
func (c *Client) ServiceProperties(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	body, err := c.bus.Call(path, ServiceInterface+".GetProperties")
	if err != nil {
		return nil, &TransportError{Op: "Service.GetProperties", Err: err}
	}
	var props map[string]dbus.Variant
	if err := dbus.Store(body, &props); err != nil {
		return nil, &TransportError{Op: "Service.GetProperties reply", Err: err}
	}
	return props, nil
}

// SetServiceProperty writes one service property.
func (c *Client) SetServiceProperty(path dbus.ObjectPath, name string, value any) error {
	if _, err := c.bus.Call(path, ServiceInterface+".SetProperty", name, dbus.MakeVariant(value)); err != nil {
		return &TransportError{Op: "Service.SetProperty " + name, Err: err}
	}
	return nil
}
